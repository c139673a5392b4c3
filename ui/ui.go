// Package ui is the authenticator's user-presence interface: an LED
// that pulses while a presence check is outstanding and a button the
// user presses to confirm it.
//
// Grounded on circuitkey/ui.py.
package ui

import (
	"context"
	"fmt"
	"time"
)

// Presence is the capability getInfo advertises as `up: true`: proof
// that a human is physically present at the device.
type Presence interface {
	// Wink blinks the indicator a few times, used for
	// CTAPHID_WINK and as a startup greeting.
	Wink(ctx context.Context) error

	// VerifyUserPresence blocks until the user confirms presence or
	// timeout elapses, whichever comes first. Returns
	// context.DeadlineExceeded (wrapped) on timeout.
	VerifyUserPresence(ctx context.Context, timeout time.Duration) error
}

// Pin abstracts a single GPIO line so this package is testable off
// real hardware, the way circuitkey/ui_test.py mocks
// digitalio.DigitalInOut.
type Pin interface {
	Set(on bool)
	Read() bool
}

// Button abstracts a physical button: Pressed blocks until the button
// is pressed, or ctx is cancelled.
type Button interface {
	Pressed(ctx context.Context) error
}

// LedPulsar drives an indicator LED: a single blink, or an
// indefinitely repeating blink-then-pause loop that runs until its
// context is cancelled.
type LedPulsar struct {
	LED      Pin
	Duration time.Duration
	Interval time.Duration
}

// NewLedPulsar returns a pulsar with the original's default timings
// (250ms blink, 1.5s between blinks).
func NewLedPulsar(led Pin) *LedPulsar {
	p := &LedPulsar{LED: led, Duration: 250 * time.Millisecond, Interval: 1500 * time.Millisecond}
	p.Off()
	return p
}

// Blink turns the LED on for Duration, then off.
func (p *LedPulsar) Blink(ctx context.Context) error {
	p.LED.Set(true)
	select {
	case <-time.After(p.Duration):
	case <-ctx.Done():
	}
	p.LED.Set(false)
	return ctx.Err()
}

// BlinkForever blinks on a loop until ctx is cancelled, then turns the
// LED off before returning.
func (p *LedPulsar) BlinkForever(ctx context.Context) error {
	defer p.Off()
	for {
		if err := p.Blink(ctx); err != nil {
			return err
		}
		select {
		case <-time.After(p.Interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Off turns the LED off immediately.
func (p *LedPulsar) Off() { p.LED.Set(false) }

// IsOff reports whether the LED is currently off.
func (p *LedPulsar) IsOff() bool { return !p.LED.Read() }

// ButtonUI is the concrete Presence implementation: an LED pulsar
// raced against a physical button.
type ButtonUI struct {
	Button Button
	Pulsar *LedPulsar
}

// NewButtonUI wires a button and an LED pulsar into a Presence.
func NewButtonUI(button Button, pulsar *LedPulsar) *ButtonUI {
	return &ButtonUI{Button: button, Pulsar: pulsar}
}

// Wink blinks the pulsar three times, matching circuitkey/ui.py's default.
func (u *ButtonUI) Wink(ctx context.Context) error {
	for i := 0; i < 3; i++ {
		if err := u.Pulsar.Blink(ctx); err != nil {
			return err
		}
	}
	return nil
}

// VerifyUserPresence pulses the LED while racing the button press
// against timeout, mirroring circuitkey/ui.py's
// wait_until_first_complete(blinking_led, button_pressed, timeout):
// the blink loop runs purely for its visual side effect and is always
// cancelled alongside the button wait, whichever finishes first.
func (u *ButtonUI) VerifyUserPresence(ctx context.Context, timeout time.Duration) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	blinkDone := make(chan struct{})
	go func() {
		u.Pulsar.BlinkForever(timeoutCtx)
		close(blinkDone)
	}()
	defer func() {
		cancel()
		<-blinkDone
	}()

	if err := u.Button.Pressed(timeoutCtx); err != nil {
		return fmt.Errorf("ui: user did not confirm presence within %s: %w", timeout, err)
	}
	return nil
}

// NullUI is a no-op Presence for headless operation and tests that
// don't exercise user-presence behavior.
type NullUI struct{}

func (NullUI) Wink(ctx context.Context) error                                   { return nil }
func (NullUI) VerifyUserPresence(ctx context.Context, timeout time.Duration) error { return nil }
