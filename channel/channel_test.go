package channel

import (
	"testing"

	"github.com/p610/circuitkey/schema"
)

func TestGenerateAvoidsReservedChannels(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if id == ID(schema.BroadcastCID) {
			t.Fatalf("Generate returned the broadcast channel")
		}
		if id == ID(schema.ZeroCID) {
			t.Fatalf("Generate returned the reserved zero channel")
		}
	}
}

func TestGenerateProducesDistinctChannels(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 100; i++ {
		id, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		seen[id] = true
	}
	if len(seen) < 90 {
		t.Fatalf("expected mostly distinct channel IDs, got %d unique out of 100", len(seen))
	}
}
