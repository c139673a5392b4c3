package ui

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakePin struct {
	mu       sync.Mutex
	on       bool
	turnedOn int
}

func (p *fakePin) Set(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on {
		p.turnedOn++
	}
	p.on = on
}

func (p *fakePin) Read() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}

type fakeButton struct {
	pressAfter time.Duration
}

func (b *fakeButton) Pressed(ctx context.Context) error {
	select {
	case <-time.After(b.pressAfter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newTestPulsar(led Pin) *LedPulsar {
	return &LedPulsar{LED: led, Duration: time.Millisecond, Interval: time.Millisecond}
}

func TestVerifyUserPresenceSucceedsWhenButtonPressed(t *testing.T) {
	led := &fakePin{}
	u := NewButtonUI(&fakeButton{pressAfter: 5 * time.Millisecond}, newTestPulsar(led))

	if err := u.VerifyUserPresence(context.Background(), time.Second); err != nil {
		t.Fatalf("VerifyUserPresence: %v", err)
	}

	if led.Read() {
		t.Fatalf("expected LED off after confirmation")
	}
}

func TestVerifyUserPresenceTimesOutWithoutPress(t *testing.T) {
	led := &fakePin{}
	u := NewButtonUI(&fakeButton{pressAfter: time.Hour}, newTestPulsar(led))

	err := u.VerifyUserPresence(context.Background(), 20*time.Millisecond)
	if err == nil {
		t.Fatalf("expected a timeout error")
	}

	if led.Read() {
		t.Fatalf("expected LED off after timeout")
	}
}

func TestWinkBlinksThreeTimes(t *testing.T) {
	led := &fakePin{}
	u := NewButtonUI(&fakeButton{}, newTestPulsar(led))

	if err := u.Wink(context.Background()); err != nil {
		t.Fatalf("Wink: %v", err)
	}

	if led.turnedOn != 3 {
		t.Fatalf("expected 3 blinks, got %d", led.turnedOn)
	}
	if led.Read() {
		t.Fatalf("expected LED off after wink sequence")
	}
}

func TestNullUIIsAlwaysANoOp(t *testing.T) {
	var n NullUI
	if err := n.Wink(context.Background()); err != nil {
		t.Fatalf("Wink: %v", err)
	}
	if err := n.VerifyUserPresence(context.Background(), 0); err != nil {
		t.Fatalf("VerifyUserPresence: %v", err)
	}
}
