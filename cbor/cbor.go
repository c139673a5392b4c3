// Package cbor is the CTAP2 command dispatcher: it decodes the CBOR
// payload carried inside a CTAPHID_CBOR message, routes it to the
// matching authenticatorFoo handler, and re-encodes the result (or
// error) as a CTAP2 response.
//
// Grounded on circuitkey/cbor.py::process.
package cbor

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/p610/circuitkey/app"
	"github.com/p610/circuitkey/ctaperr"
	"github.com/p610/circuitkey/info"
	"github.com/p610/circuitkey/schema"
)

var log = logrus.WithField("pkg", "cbor")

const resetPresenceTimeout = 30 * time.Second

// handler is one authenticatorFoo implementation. req is nil when the
// command carries no CBOR payload (getInfo, reset). The returned
// value, if non-nil, is CBOR-encoded as the response map; a nil value
// with a nil error means "success, no payload".
type handler func(ctx context.Context, a *app.App, req cbor.RawMessage) (any, error)

var commands = map[schema.CborCmd]handler{
	schema.CborMakeCredential:   makeCredential,
	schema.CborGetAssertion:     getAssertion,
	schema.CborGetNextAssertion: getNextAssertion,
	schema.CborGetInfo:          getInfo,
	schema.CborClientPIN:        clientPIN,
	schema.CborReset:            reset,
}

// Process decodes and dispatches one CTAP2 command: payload[0] is the
// command byte, payload[1:] is its CBOR-encoded request (if any). It
// always returns a complete CTAP2 response (status byte + optional
// CBOR body), never an error: failures are encoded as the status byte.
func Process(ctx context.Context, a *app.App, payload []byte) []byte {
	if len(payload) == 0 {
		return []byte{schema.ErrInvalidCommand.ToByte()}
	}

	cmd := schema.CborCmd(payload[0])
	log.Infof("processing CBOR command 0x%02x", byte(cmd))

	fn, ok := commands[cmd]
	if !ok {
		log.Errorf("command not supported: 0x%02x", byte(cmd))
		return []byte{schema.ErrInvalidCommand.ToByte()}
	}

	var req cbor.RawMessage
	if len(payload) > 1 {
		req = payload[1:]
	}

	select {
	case <-ctx.Done():
		log.Error("cancelled before processing began, responding with KEEPALIVE_CANCEL")
		return []byte{schema.ErrKeepaliveCancel.ToByte()}
	default:
	}

	resp, err := fn(ctx, a, req)
	if err != nil {
		if ctx.Err() != nil {
			log.Error("cancelled during processing, responding with KEEPALIVE_CANCEL")
			return []byte{schema.ErrKeepaliveCancel.ToByte()}
		}
		if cborErr, ok := err.(*ctaperr.CborError); ok {
			log.Errorf("CBOR error while processing command 0x%02x: %s", byte(cmd), cborErr)
			return []byte{cborErr.Code.ToByte()}
		}
		log.Errorf("unexpected error while processing command 0x%02x: %s", byte(cmd), err)
		return []byte{schema.ErrOperationDenied.ToByte()}
	}

	if resp == nil {
		return []byte{schema.CBORSuccess}
	}

	encoded, err := cbor.Marshal(resp)
	if err != nil {
		log.Errorf("failed to encode response for command 0x%02x: %s", byte(cmd), err)
		return []byte{schema.ErrOperationDenied.ToByte()}
	}

	out := make([]byte, 0, len(encoded)+1)
	out = append(out, schema.CBORSuccess)
	return append(out, encoded...)
}

func decode(req cbor.RawMessage, v any) error {
	if len(req) == 0 {
		return ctaperr.NewCborError(schema.ErrMissingParameter, "empty request")
	}
	if err := cbor.Unmarshal(req, v); err != nil {
		return ctaperr.NewCborError(schema.ErrInvalidCBOR, err.Error())
	}
	return nil
}

func getInfo(ctx context.Context, a *app.App, req cbor.RawMessage) (any, error) {
	return info.CBORInfo, nil
}

func makeCredential(ctx context.Context, a *app.App, req cbor.RawMessage) (any, error) {
	return nil, ctaperr.NewCborError(schema.ErrNotAllowed, "authenticatorMakeCredential is not implemented")
}

func getAssertion(ctx context.Context, a *app.App, req cbor.RawMessage) (any, error) {
	return nil, ctaperr.NewCborError(schema.ErrNotAllowed, "authenticatorGetAssertion is not implemented")
}

func getNextAssertion(ctx context.Context, a *app.App, req cbor.RawMessage) (any, error) {
	return nil, ctaperr.NewCborError(schema.ErrNotAllowed, "authenticatorGetNextAssertion not allowed without a preceding getAssertion")
}

// reset implements authenticatorReset (§4.8): only permitted within
// the device's reset window since boot, and only after a fresh
// user-presence confirmation.
func reset(ctx context.Context, a *app.App, req cbor.RawMessage) (any, error) {
	if a.Uptime() > a.ResetWindow() {
		return nil, ctaperr.NewCborError(schema.ErrNotAllowed,
			"device has been up for longer than the reset window")
	}

	if err := a.UI.VerifyUserPresence(ctx, resetPresenceTimeout); err != nil {
		return nil, ctaperr.NewCborError(schema.ErrUserActionTimeout,
			"user did not confirm reset in time")
	}

	log.Info("user confirmed reset")

	if err := a.Reset(); err != nil {
		return nil, err
	}
	return nil, nil
}
