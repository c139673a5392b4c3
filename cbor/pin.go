package cbor

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"github.com/p610/circuitkey/app"
	"github.com/p610/circuitkey/ctaperr"
	"github.com/p610/circuitkey/pin"
	"github.com/p610/circuitkey/schema"
)

// pinHandler is one authenticatorClientPIN subCommand implementation.
type pinHandler func(ctx context.Context, a *app.App, proto *pin.ProtocolV1, req pinRequest) (*pinResponse, error)

// pinSubCommands is a dense dispatch table over the clientPIN
// subCommand field, grounded on authenticator_client_PIN's
// pin_sub_commands dict: the original already dispatched this way, so
// this is one of the few spots the map-of-handlers idiom is kept
// verbatim rather than introduced.
var pinSubCommands = map[schema.PinSubCmd]pinHandler{
	schema.PinSubGetRetries:      pinGetRetries,
	schema.PinSubGetKeyAgreement: pinGetKeyAgreement,
	schema.PinSubSetNew:          pinSetNew,
	schema.PinSubChange:          pinChange,
	schema.PinSubGetToken:        pinGetToken,
}

// clientPIN implements authenticatorClientPIN (CBOR command 0x06).
func clientPIN(ctx context.Context, a *app.App, req cbor.RawMessage) (any, error) {
	var r pinRequest
	if err := decode(req, &r); err != nil {
		return nil, err
	}

	proto, err := a.Pins.Get(r.Protocol)
	if err != nil {
		return nil, err
	}

	fn, ok := pinSubCommands[schema.PinSubCmd(r.SubCommand)]
	if !ok {
		return nil, ctaperr.NewCborError(schema.ErrInvalidParameter, "unsupported clientPIN subCommand")
	}

	return fn(ctx, a, proto, r)
}

// pinGetRetries reports the remaining PIN retry count, without
// requiring the platform to have established key agreement.
func pinGetRetries(ctx context.Context, a *app.App, proto *pin.ProtocolV1, req pinRequest) (*pinResponse, error) {
	retries := proto.GetRetries()
	return &pinResponse{Retries: &retries}, nil
}

// pinGetKeyAgreement returns this protocol instance's current ECDH
// public key as a COSE_Key, the first step of every PIN operation.
func pinGetKeyAgreement(ctx context.Context, a *app.App, proto *pin.ProtocolV1, req pinRequest) (*pinResponse, error) {
	key := coseKeyFromPub(proto.GetKeyAgreementPubKey())
	return &pinResponse{KeyAgreement: &key}, nil
}

// pinSetNew implements subCommand setPIN: installing a PIN when none
// is set yet.
func pinSetNew(ctx context.Context, a *app.App, proto *pin.ProtocolV1, req pinRequest) (*pinResponse, error) {
	if proto.IsPinSet() {
		return nil, ctaperr.NewCborError(schema.ErrPinAuthInvalid, "PIN already set")
	}
	if req.KeyAgreement == nil || req.NewPinEnc == nil || req.PinAuth == nil {
		return nil, ctaperr.NewCborError(schema.ErrMissingParameter, "setPIN requires keyAgreement, newPinEnc and pinAuth")
	}

	platformPub := req.KeyAgreement.toPub()
	if err := proto.SetPin(req.NewPinEnc, req.PinAuth, platformPub); err != nil {
		return nil, err
	}
	return nil, nil
}

// pinChange implements subCommand changePIN: replacing an existing
// PIN, gated on the current PIN's hash (pinHashEnc).
func pinChange(ctx context.Context, a *app.App, proto *pin.ProtocolV1, req pinRequest) (*pinResponse, error) {
	if req.KeyAgreement == nil || req.NewPinEnc == nil || req.PinAuth == nil || req.PinHashEnc == nil {
		return nil, ctaperr.NewCborError(schema.ErrMissingParameter,
			"changePIN requires keyAgreement, newPinEnc, pinAuth and pinHashEnc")
	}

	platformPub := req.KeyAgreement.toPub()

	if _, err := proto.Verify(req.PinHashEnc, platformPub); err != nil {
		return nil, err
	}

	if err := proto.SetPin(req.NewPinEnc, req.PinAuth, platformPub); err != nil {
		return nil, err
	}
	return nil, nil
}

// pinGetToken implements subCommand getPINToken: exchanging the
// current PIN's hash for an encrypted pinUvAuthToken.
func pinGetToken(ctx context.Context, a *app.App, proto *pin.ProtocolV1, req pinRequest) (*pinResponse, error) {
	if req.KeyAgreement == nil || req.PinHashEnc == nil {
		return nil, ctaperr.NewCborError(schema.ErrMissingParameter, "getPINToken requires keyAgreement and pinHashEnc")
	}

	platformPub := req.KeyAgreement.toPub()
	encToken, err := proto.Verify(req.PinHashEnc, platformPub)
	if err != nil {
		return nil, err
	}

	return &pinResponse{PinToken: encToken}, nil
}
