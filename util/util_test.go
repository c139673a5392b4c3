package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitFirstReturnsFastestResult(t *testing.T) {
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return errors.New("slow finished")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fast := func(ctx context.Context) error {
		return nil
	}

	err := WaitFirst(context.Background(), slow, fast)
	if err != nil {
		t.Fatalf("expected fast fn's nil result, got %v", err)
	}
}

func TestWaitFirstCancelsLosers(t *testing.T) {
	cancelled := make(chan struct{}, 1)
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		cancelled <- struct{}{}
		return ctx.Err()
	}
	fast := func(ctx context.Context) error {
		return errors.New("winner")
	}

	err := WaitFirst(context.Background(), slow, fast)
	if err == nil || err.Error() != "winner" {
		t.Fatalf("expected winner's error, got %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("slow fn was never cancelled")
	}
}

func TestHexlify(t *testing.T) {
	if got := Hexlify([]byte{0x01, 0xab}); got != "01ab" {
		t.Fatalf("expected 01ab, got %s", got)
	}
}
