// Package channel allocates CTAPHID channel identifiers.
//
// Grounded on circuitkey/channel_test.py, which asserts that
// allocation never returns the broadcast or reserved-zero channel.
package channel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/p610/circuitkey/schema"
)

// ID is a 4-byte CTAPHID channel identifier.
type ID [4]byte

// Uint32 returns the big-endian numeric value of the channel ID.
func (c ID) Uint32() uint32 { return binary.BigEndian.Uint32(c[:]) }

func (c ID) String() string { return fmt.Sprintf("%08x", c.Uint32()) }

// Generate returns a fresh, randomly chosen channel ID, guaranteed to
// be neither the broadcast channel (0xFFFFFFFF) nor the reserved zero
// channel (0x00000000).
func Generate() (ID, error) {
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return ID{}, fmt.Errorf("channel: read random bytes: %w", err)
		}
		id := ID(buf)
		if id == ID(schema.BroadcastCID) || id == ID(schema.ZeroCID) {
			continue
		}
		return id, nil
	}
}
