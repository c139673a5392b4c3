// Package util holds small concurrency and formatting helpers shared
// across the authenticator core.
package util

import (
	"context"
	"fmt"
)

// WaitFirst runs every fn concurrently, each in its own goroutine with
// a context derived from ctx, and returns as soon as one of them
// returns (successfully or with an error). Every other still-running
// fn is cancelled via context before WaitFirst returns, and WaitFirst
// waits for their goroutines to exit before returning so none are
// left running in the background.
//
// This is the Go analogue of circuitkey/util.py's
// wait_until_first_complete, which polled a list of asyncio.Task
// objects because CircuitPython's asyncio lacked asyncio.wait. Go's
// context cancellation makes that polling loop unnecessary: the first
// finisher's result is returned as soon as it arrives, and ctx.Done()
// is what every other fn is expected to select on.
func WaitFirst(ctx context.Context, fns ...func(context.Context) error) error {
	if len(fns) == 0 {
		panic("util: WaitFirst requires at least one function")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan error, len(fns))
	for _, fn := range fns {
		fn := fn
		go func() {
			results <- fn(runCtx)
		}()
	}

	first := <-results
	cancel()

	// Drain the rest so no goroutine outlives WaitFirst.
	for i := 1; i < len(fns); i++ {
		<-results
	}

	return first
}

// Hexlify renders data as lowercase hex, matching
// circuitkey/util.py's hexlify used in log lines.
func Hexlify(data []byte) string {
	return fmt.Sprintf("%x", data)
}
