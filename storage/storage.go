// Package storage is the authenticator's persistent key-value store:
// namespaced buckets, each holding a flat string-keyed map, saved
// atomically as a whole. Grounded on circuitkey/storage.py.
package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Backend is a namespaced blob store: each bucket is identified by a
// name and holds a serializable map. Save is atomic on a single
// bucket. Reset drops every bucket (the whole storage namespace).
type Backend interface {
	Load(bucket string) (map[string]any, error)
	Save(bucket string, data map[string]any) error
	Reset() error
}

// MemBackend is an in-memory Backend, the Go analogue of the test
// suite's InMemBucket from circuitkey/pin_test.py.
type MemBackend struct {
	buckets map[string]map[string]any
}

// NewMemBackend returns an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{buckets: make(map[string]map[string]any)}
}

func (m *MemBackend) Load(bucket string) (map[string]any, error) {
	data, ok := m.buckets[bucket]
	if !ok {
		return map[string]any{}, nil
	}
	// Return a copy so callers can't mutate our internal state without Save.
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out, nil
}

func (m *MemBackend) Save(bucket string, data map[string]any) error {
	cp := make(map[string]any, len(data))
	for k, v := range data {
		cp[k] = v
	}
	m.buckets[bucket] = cp
	return nil
}

func (m *MemBackend) Reset() error {
	m.buckets = make(map[string]map[string]any)
	return nil
}

// FileBackend persists one JSON file per bucket under Dir, each
// sealed at rest with ChaCha20-Poly1305 under a key derived from
// MasterKey via HKDF-SHA256. Direct port of circuitkey/storage.py's
// Bucket, with at-rest encryption added (domain-stack wiring of the
// teacher's golang.org/x/crypto/chacha20poly1305 and hkdf
// dependencies; the wire-visible PIN protocol is unaffected, only the
// on-disk representation is hardened).
type FileBackend struct {
	Dir       string
	MasterKey []byte // 32 bytes; see bucketKey
}

// NewFileBackend creates (if needed) dir and returns a FileBackend
// sealing every bucket under a key derived from masterKey.
func NewFileBackend(dir string, masterKey []byte) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create directory %s: %w", dir, err)
	}
	return &FileBackend{Dir: dir, MasterKey: masterKey}, nil
}

func (f *FileBackend) bucketPath(bucket string) string {
	return filepath.Join(f.Dir, bucket+".json")
}

func (f *FileBackend) bucketKey(bucket string) ([]byte, error) {
	h := hkdf.New(sha256.New, f.MasterKey, nil, []byte("circuitkey-storage:"+bucket))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := h.Read(key); err != nil {
		return nil, fmt.Errorf("storage: derive bucket key: %w", err)
	}
	return key, nil
}

func (f *FileBackend) Load(bucket string) (map[string]any, error) {
	path := f.bucketPath(bucket)

	sealed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read bucket %s: %w", bucket, err)
	}
	if len(sealed) == 0 {
		return map[string]any{}, nil
	}

	key, err := f.bucketKey(bucket)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("storage: build AEAD: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("storage: bucket %s is corrupt (too short)", bucket)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: decrypt bucket %s: %w", bucket, err)
	}

	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("storage: decode bucket %s: %w", bucket, err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

func (f *FileBackend) Save(bucket string, data map[string]any) error {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("storage: encode bucket %s: %w", bucket, err)
	}

	key, err := f.bucketKey(bucket)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("storage: build AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("storage: generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)

	tmp := f.bucketPath(bucket) + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("storage: write bucket %s: %w", bucket, err)
	}
	if err := os.Rename(tmp, f.bucketPath(bucket)); err != nil {
		return fmt.Errorf("storage: commit bucket %s: %w", bucket, err)
	}
	return nil
}

// Reset drops the entire storage namespace (every bucket file under Dir).
func (f *FileBackend) Reset() error {
	if err := os.RemoveAll(f.Dir); err != nil {
		return fmt.Errorf("storage: reset: %w", err)
	}
	return os.MkdirAll(f.Dir, 0o755)
}
