// Package app wires the authenticator's shared state into a single,
// explicit context struct, replacing the original's per-module
// function-attribute-memoized singletons (circuitkey/pin.py's
// get_pin_protocol, circuitkey/hid.py's get_device,
// circuitkey/ui.py's get_ui) with constructor injection.
package app

import (
	"time"

	"github.com/p610/circuitkey/crypto"
	"github.com/p610/circuitkey/pin"
	"github.com/p610/circuitkey/storage"
	"github.com/p610/circuitkey/ui"
)

// App holds every piece of process-wide state the CBOR and CTAPHID
// dispatchers need: the PIN protocol registry, the persistent store,
// the crypto backend, and the user-presence adapter.
type App struct {
	Storage storage.Backend
	Crypto  crypto.Backend
	Pins    *pin.Registry
	UI      ui.Presence

	startedAt   time.Time
	resetWindow time.Duration
}

// New builds an App, constructing the PIN registry against storageBackend/cryptoBackend.
func New(storageBackend storage.Backend, cryptoBackend crypto.Backend, presence ui.Presence, resetWindow time.Duration) (*App, error) {
	registry, err := pin.NewRegistry(storageBackend, cryptoBackend)
	if err != nil {
		return nil, err
	}

	return &App{
		Storage:     storageBackend,
		Crypto:      cryptoBackend,
		Pins:        registry,
		UI:          presence,
		startedAt:   time.Now(),
		resetWindow: resetWindow,
	}, nil
}

// Uptime returns how long this App has been running.
func (a *App) Uptime() time.Duration { return time.Since(a.startedAt) }

// ResetWindow is the maximum uptime during which authenticatorReset is
// still permitted (spec §4.7/§4.8).
func (a *App) ResetWindow() time.Duration { return a.resetWindow }

// Reset drops all persisted state, returning the authenticator to its
// factory-default configuration. It does not re-derive a new PIN
// registry: the in-memory ProtocolV1 keeps its PIN hash and counters
// until the App is rebuilt, and cmd/circuitkey does not rebuild it.
func (a *App) Reset() error {
	return a.Storage.Reset()
}
