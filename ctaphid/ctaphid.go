// Package ctaphid is the CTAPHID transport dispatcher: it owns the
// main receive loop, routes each reassembled command to its handler,
// and races a keepalive heartbeat against CBOR processing so the
// platform never waits longer than ~50ms between status updates.
//
// Grounded on circuitkey/ctaphid.py and circuitkey/main.py.
package ctaphid

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/p610/circuitkey/app"
	"github.com/p610/circuitkey/cbor"
	"github.com/p610/circuitkey/channel"
	"github.com/p610/circuitkey/ctaperr"
	"github.com/p610/circuitkey/hid"
	"github.com/p610/circuitkey/info"
	"github.com/p610/circuitkey/schema"
	"github.com/p610/circuitkey/util"
)

var log = logrus.WithField("pkg", "ctaphid")

// keepaliveInterval is how often CTAPHID_KEEPALIVE is sent while a
// CBOR command is being processed.
const keepaliveInterval = 50 * time.Millisecond

// Dispatcher owns the HID device and the set of in-flight CBOR
// handlers, keyed by channel, so a CTAPHID_CANCEL on a given channel
// can reach the right one. It replaces circuitkey/ctaphid.py's
// module-level cbor_active_tasks list.
type Dispatcher struct {
	App    *app.App
	Device hid.Device

	mu     sync.Mutex
	active map[[4]byte]context.CancelFunc
}

// NewDispatcher builds a Dispatcher over device, serving commands out of a.
func NewDispatcher(a *app.App, device hid.Device) *Dispatcher {
	return &Dispatcher{App: a, Device: device, active: make(map[[4]byte]context.CancelFunc)}
}

// Run polls device every pollInterval until ctx is cancelled, dispatching
// each reassembled command to its handler in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context, pollInterval time.Duration) error {
	if err := d.App.UI.Wink(ctx); err != nil {
		log.Errorf("startup wink failed: %s", err)
	}
	log.Info("device is ready")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		cmd, err := hid.Receive(d.Device)
		if err != nil {
			d.handleReceiveError(ctx, err)
			continue
		}
		if cmd == nil {
			continue
		}

		log.Debugf("received command 0x%02x for channel %x, payload length %d", cmd.Cmd, cmd.CID, len(cmd.Payload))
		go d.dispatch(ctx, cmd)
	}
}

// handleReceiveError reacts to a framing failure surfaced by hid.Receive.
func (d *Dispatcher) handleReceiveError(ctx context.Context, err error) {
	switch e := err.(type) {
	case *ctaperr.AbortError:
		log.Errorf("channel %x aborted by a new INIT, nonce=%x", e.CID, e.Nonce)
		// An interrupting INIT packet simply starts a new handshake; the
		// aborted transaction is dropped without a response on its channel.
		if sendErr := d.initCmd(ctx, e.CID, e.Nonce); sendErr != nil {
			log.Errorf("failed to complete aborting INIT: %s", sendErr)
		}
	case *ctaperr.CtapError:
		// No channel can be reliably attributed to a framing error raised
		// mid-reassembly, so there is nowhere to address a response.
		log.Errorf("failed to receive HID report: %s", e)
	default:
		log.Errorf("unexpected error receiving HID report: %s", err)
	}
}

// plainHandlers is the dense dispatch table for every CTAPHID command
// except CBOR, which needs the keepalive race and cancellation
// bookkeeping below. Replaces circuitkey/ctaphid.py::process's linear
// scan over CTAPHID_COMMANDS with a direct map lookup.
var plainHandlers = map[schema.CtaphidCmd]func(d *Dispatcher, ctx context.Context, cid [4]byte, payload []byte) error{
	schema.CtaphidPing:   (*Dispatcher).pingCmd,
	schema.CtaphidInit:   (*Dispatcher).initCmd,
	schema.CtaphidWink:   (*Dispatcher).winkCmd,
	schema.CtaphidCancel: (*Dispatcher).cancelCmd,
}

func (d *Dispatcher) dispatch(parentCtx context.Context, cmd *hid.Command) {
	cid := cmd.CID
	ctaphidCmd := schema.CtaphidCmd(cmd.Cmd)

	if ctaphidCmd == schema.CtaphidCBOR {
		if err := d.dispatchCBOR(parentCtx, cid, cmd.Payload); err != nil {
			d.handleDispatchError(cid, ctaphidCmd, err)
		}
		return
	}

	fn, ok := plainHandlers[ctaphidCmd]
	if !ok {
		log.Errorf("command not supported: 0x%02x", cmd.Cmd)
		if err := d.errorCmd(cid, schema.ErrInvalidCommand); err != nil {
			log.Errorf("failed to send error response: %s", err)
		}
		return
	}

	if err := fn(d, parentCtx, cid, cmd.Payload); err != nil {
		d.handleDispatchError(cid, ctaphidCmd, err)
	}
}

func (d *Dispatcher) handleDispatchError(cid [4]byte, cmd schema.CtaphidCmd, err error) {
	if ctapErr, ok := err.(*ctaperr.CtapError); ok {
		log.Errorf("CtapError while processing command 0x%02x: %s", byte(cmd), ctapErr)
		if sendErr := d.errorCmd(cid, ctapErr.Code); sendErr != nil {
			log.Errorf("failed to send error response: %s", sendErr)
		}
		return
	}
	log.Errorf("unexpected error while processing command 0x%02x: %s", byte(cmd), err)
}

// dispatchCBOR runs cbor.Process for payload while racing a keepalive
// heartbeat, and registers a cancel func reachable by a later
// CTAPHID_CANCEL on the same channel.
func (d *Dispatcher) dispatchCBOR(parentCtx context.Context, cid [4]byte, payload []byte) error {
	ctx, cancel := context.WithCancel(parentCtx)

	d.mu.Lock()
	d.active[cid] = cancel
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.active, cid)
		d.mu.Unlock()
		cancel()
	}()

	log.Info("CBOR command received, starting background keepalive")
	return util.WaitFirst(ctx,
		func(c context.Context) error { return d.keepaliveLoop(c, cid) },
		func(c context.Context) error { return d.cborCmd(c, cid, payload) },
	)
}

func (d *Dispatcher) keepaliveLoop(ctx context.Context, cid [4]byte) error {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.keepaliveCmd(cid, schema.KeepaliveProcessing); err != nil {
				log.Errorf("unexpected error (ignored) sending keepalive: %s", err)
			}
		}
	}
}

// cancelCmd implements CTAPHID_CANCEL (0x11): it cancels the
// in-flight CBOR handler for this channel, if any, and sends no
// response of its own.
func (d *Dispatcher) cancelCmd(ctx context.Context, cid [4]byte, payload []byte) error {
	log.Info("client requested cancellation")

	d.mu.Lock()
	cancel, ok := d.active[cid]
	d.mu.Unlock()

	if !ok {
		log.Info("no active CBOR task for this channel, cancellation not needed")
		return nil
	}

	cancel()
	return nil
}

// cborCmd implements CTAPHID_CBOR (0x10): decode the CTAP2 command,
// dispatch it, and send the response back on the same channel.
func (d *Dispatcher) cborCmd(ctx context.Context, cid [4]byte, payload []byte) error {
	log.Info("processing CBOR command")
	response := cbor.Process(ctx, d.App, payload)
	return hid.Send(d.Device, cid, byte(schema.CtaphidCBOR), response)
}

// initCmd implements CTAPHID_INIT (0x06): allocate a channel (if the
// request came in on the broadcast channel) and reply with the device's
// identity.
func (d *Dispatcher) initCmd(ctx context.Context, cid [4]byte, nonce []byte) error {
	if len(nonce) != 8 {
		return ctaperr.NewCtapError(schema.ErrInvalidLength, "nonce must be 8 bytes long")
	}

	assigned := cid
	if cid == schema.BroadcastCID {
		id, err := channel.Generate()
		if err != nil {
			return err
		}
		assigned = [4]byte(id)
	}

	buf := make([]byte, 0, 8+4+1+3+1)
	buf = append(buf, nonce...)
	buf = append(buf, assigned[:]...)
	buf = append(buf, info.ProtocolVersion)
	buf = append(buf, info.DeviceVersion[:]...)
	buf = append(buf, info.Capabilities)

	log.Infof("new channel created: %x", assigned)
	return hid.Send(d.Device, cid, byte(schema.CtaphidInit), buf)
}

// pingCmd implements CTAPHID_PING (0x01): echo payload back unchanged.
func (d *Dispatcher) pingCmd(ctx context.Context, cid [4]byte, payload []byte) error {
	log.Info("ping received, pinging back")
	return hid.Send(d.Device, cid, byte(schema.CtaphidPing), payload)
}

// winkCmd implements CTAPHID_WINK (0x08): acknowledge, then wink.
func (d *Dispatcher) winkCmd(ctx context.Context, cid [4]byte, payload []byte) error {
	log.Info("wink received")
	if err := hid.Send(d.Device, cid, byte(schema.CtaphidWink), nil); err != nil {
		return err
	}
	return d.App.UI.Wink(ctx)
}

// errorCmd sends a CTAPHID_ERROR (0x3F) frame.
func (d *Dispatcher) errorCmd(cid [4]byte, code schema.Error) error {
	log.Infof("sending CTAP error code %s", code)
	return hid.Send(d.Device, cid, byte(schema.CtaphidError), []byte{code.ToByte()})
}

// keepaliveCmd sends one CTAPHID_KEEPALIVE (0x3B) frame.
func (d *Dispatcher) keepaliveCmd(cid [4]byte, status schema.KeepaliveStatus) error {
	return hid.Send(d.Device, cid, byte(schema.CtaphidKeepalive), []byte{status.ToByte()})
}
