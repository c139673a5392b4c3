package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestMemBackendRoundTrip(t *testing.T) {
	m := NewMemBackend()

	data, err := m.Load("pin")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty bucket, got %v", data)
	}

	if err := m.Save("pin", map[string]any{"retry_count": float64(8)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err = m.Load("pin")
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}
	if data["retry_count"] != float64(8) {
		t.Fatalf("expected retry_count 8, got %v", data["retry_count"])
	}

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	data, err = m.Load("pin")
	if err != nil {
		t.Fatalf("Load after reset: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty bucket after reset, got %v", data)
	}
}

func TestMemBackendLoadReturnsCopy(t *testing.T) {
	m := NewMemBackend()
	if err := m.Save("pin", map[string]any{"retry_count": float64(3)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, _ := m.Load("pin")
	data["retry_count"] = float64(0)

	reloaded, _ := m.Load("pin")
	if reloaded["retry_count"] != float64(3) {
		t.Fatalf("Load mutation leaked into backend: got %v", reloaded["retry_count"])
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := bytes.Repeat([]byte{0x07}, 32)

	f, err := NewFileBackend(dir, key)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	data, err := f.Load("pin")
	if err != nil {
		t.Fatalf("Load (missing bucket): %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty bucket, got %v", data)
	}

	want := map[string]any{"retry_count": float64(8), "mismatch_counter": float64(0)}
	if err := f.Save("pin", want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := f.Load("pin")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got["retry_count"] != want["retry_count"] || got["mismatch_counter"] != want["mismatch_counter"] {
		t.Fatalf("round trip mismatch: got %v want %v", got, want)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "pin.json"))
	if err != nil {
		t.Fatalf("read raw bucket file: %v", err)
	}
	if bytes.Contains(raw, []byte("retry_count")) {
		t.Fatalf("bucket file is not encrypted at rest: found plaintext key")
	}

	if err := f.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	got, err = f.Load("pin")
	if err != nil {
		t.Fatalf("Load after reset: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty bucket after reset, got %v", got)
	}
}

func TestFileBackendWrongKeyFailsToDecrypt(t *testing.T) {
	dir := t.TempDir()

	f1, err := NewFileBackend(dir, bytes.Repeat([]byte{0x01}, 32))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if err := f1.Save("pin", map[string]any{"retry_count": float64(8)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	f2, err := NewFileBackend(dir, bytes.Repeat([]byte{0x02}, 32))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if _, err := f2.Load("pin"); err == nil {
		t.Fatalf("expected decrypt failure with mismatched master key")
	}
}
