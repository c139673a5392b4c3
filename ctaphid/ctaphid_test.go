package ctaphid

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/p610/circuitkey/app"
	"github.com/p610/circuitkey/crypto"
	"github.com/p610/circuitkey/hid"
	"github.com/p610/circuitkey/schema"
	"github.com/p610/circuitkey/storage"
	"github.com/p610/circuitkey/ui"
)

// injectWriter adapts a LoopbackDevice so hid.Send's packetization can
// be reused to build platform-side requests: every outbound report it
// "sends" is actually injected as an inbound one.
type injectWriter struct{ dev *hid.LoopbackDevice }

func (w injectWriter) SendReport(r []byte) error { w.dev.Inject(r); return nil }
func (w injectWriter) LastReceivedReport() ([]byte, bool) { return nil, false }

func sendAsPlatform(t *testing.T, dev *hid.LoopbackDevice, cid [4]byte, cmd byte, payload []byte) {
	t.Helper()
	if err := hid.Send(injectWriter{dev}, cid, cmd, payload); err != nil {
		t.Fatalf("sendAsPlatform: %v", err)
	}
}

func decodeAll(t *testing.T, reports [][]byte) []*hid.Command {
	t.Helper()
	dev := hid.NewLoopbackDevice()
	for _, r := range reports {
		dev.Inject(r)
	}
	var cmds []*hid.Command
	for {
		cmd, err := hid.Receive(dev)
		if err != nil {
			t.Fatalf("hid.Receive: %v", err)
		}
		if cmd == nil {
			break
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func findCommand(cmds []*hid.Command, want byte) *hid.Command {
	for _, c := range cmds {
		if c.Cmd == want {
			return c
		}
	}
	return nil
}

// waitForResponse polls dev.Sent() until a response with the given
// command byte appears, or fails the test after timeout.
func waitForResponse(t *testing.T, dev *hid.LoopbackDevice, want byte, timeout time.Duration) *hid.Command {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cmd := findCommand(decodeAll(t, dev.Sent()), want); cmd != nil {
			return cmd
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a 0x%02x response", want)
	return nil
}

func newTestApp(t *testing.T, presence ui.Presence) *app.App {
	t.Helper()
	a, err := app.New(storage.NewMemBackend(), crypto.Default, presence, time.Hour)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return a
}

func runDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx, time.Millisecond) }()
	t.Cleanup(cancel)
	return cancel
}

func TestInitAssignsChannelOnBroadcast(t *testing.T) {
	dev := hid.NewLoopbackDevice()
	d := NewDispatcher(newTestApp(t, ui.NullUI{}), dev)
	runDispatcher(t, d)

	nonce := bytes.Repeat([]byte{0x42}, 8)
	sendAsPlatform(t, dev, schema.BroadcastCID, byte(schema.CtaphidInit), nonce)

	resp := waitForResponse(t, dev, byte(schema.CtaphidInit), time.Second)
	if !bytes.Equal(resp.Payload[:8], nonce) {
		t.Fatalf("expected nonce echoed back, got %x", resp.Payload[:8])
	}
	assigned := resp.Payload[8:12]
	if bytes.Equal(assigned, schema.BroadcastCID[:]) || bytes.Equal(assigned, schema.ZeroCID[:]) {
		t.Fatalf("expected a non-reserved channel, got %x", assigned)
	}
}

func TestPingEchoesPayload(t *testing.T) {
	dev := hid.NewLoopbackDevice()
	d := NewDispatcher(newTestApp(t, ui.NullUI{}), dev)
	runDispatcher(t, d)

	cid := [4]byte{0x00, 0x00, 0x00, 0x01}
	sendAsPlatform(t, dev, cid, byte(schema.CtaphidPing), []byte("hello"))

	resp := waitForResponse(t, dev, byte(schema.CtaphidPing), time.Second)
	if string(resp.Payload) != "hello" {
		t.Fatalf("expected echoed payload %q, got %q", "hello", resp.Payload)
	}
}

func TestCborGetInfoRoundTrip(t *testing.T) {
	dev := hid.NewLoopbackDevice()
	d := NewDispatcher(newTestApp(t, ui.NullUI{}), dev)
	runDispatcher(t, d)

	cid := [4]byte{0x00, 0x00, 0x00, 0x02}
	sendAsPlatform(t, dev, cid, byte(schema.CtaphidCBOR), []byte{byte(schema.CborGetInfo)})

	resp := waitForResponse(t, dev, byte(schema.CtaphidCBOR), time.Second)
	if resp.Payload[0] != schema.CBORSuccess {
		t.Fatalf("expected success status, got 0x%02x", resp.Payload[0])
	}

	var got map[int]any
	if err := cbor.Unmarshal(resp.Payload[1:], &got); err != nil {
		t.Fatalf("unmarshal getInfo response: %v", err)
	}
	if _, ok := got[1]; !ok {
		t.Fatalf("expected versions key (1) in getInfo response")
	}
}

// blockingPresence never confirms presence on its own; it only
// unblocks when its context is cancelled, simulating a user who never
// presses the button so a CTAPHID_CANCEL is the only way out.
type blockingPresence struct{}

func (blockingPresence) Wink(ctx context.Context) error { return nil }
func (blockingPresence) VerifyUserPresence(ctx context.Context, timeout time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCancelUnblocksInFlightReset(t *testing.T) {
	dev := hid.NewLoopbackDevice()
	d := NewDispatcher(newTestApp(t, blockingPresence{}), dev)
	runDispatcher(t, d)

	cid := [4]byte{0x00, 0x00, 0x00, 0x03}
	sendAsPlatform(t, dev, cid, byte(schema.CtaphidCBOR), []byte{byte(schema.CborReset)})

	// Give dispatchCBOR time to register its cancel func before
	// cancelling, otherwise the CANCEL could arrive before the handler
	// has started and have nothing to cancel.
	time.Sleep(20 * time.Millisecond)
	sendAsPlatform(t, dev, cid, byte(schema.CtaphidCancel), nil)

	resp := waitForResponse(t, dev, byte(schema.CtaphidCBOR), time.Second)
	if resp.Payload[0] != schema.ErrKeepaliveCancel.ToByte() {
		t.Fatalf("expected KEEPALIVE_CANCEL status, got 0x%02x", resp.Payload[0])
	}
}

func TestWinkSendsEmptyAcknowledgement(t *testing.T) {
	dev := hid.NewLoopbackDevice()
	d := NewDispatcher(newTestApp(t, ui.NullUI{}), dev)
	runDispatcher(t, d)

	cid := [4]byte{0x00, 0x00, 0x00, 0x04}
	sendAsPlatform(t, dev, cid, byte(schema.CtaphidWink), nil)

	resp := waitForResponse(t, dev, byte(schema.CtaphidWink), time.Second)
	if len(resp.Payload) != 0 {
		t.Fatalf("expected empty wink acknowledgement, got %d bytes", len(resp.Payload))
	}
}
