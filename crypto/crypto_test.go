package crypto

import (
	"bytes"
	"testing"
)

func TestECDHRoundTrip(t *testing.T) {
	aPub, aPriv, err := Default.ECGenKey()
	if err != nil {
		t.Fatalf("ECGenKey (a): %v", err)
	}
	bPub, bPriv, err := Default.ECGenKey()
	if err != nil {
		t.Fatalf("ECGenKey (b): %v", err)
	}

	secretA, err := Default.ECSharedSecret(aPriv, bPub)
	if err != nil {
		t.Fatalf("ECSharedSecret (a side): %v", err)
	}
	secretB, err := Default.ECSharedSecret(bPriv, aPub)
	if err != nil {
		t.Fatalf("ECSharedSecret (b side): %v", err)
	}

	if !bytes.Equal(secretA, secretB) {
		t.Fatalf("shared secrets differ: %x vs %x", secretA, secretB)
	}
	if len(secretA) != 32 {
		t.Fatalf("expected 32-byte shared secret, got %d", len(secretA))
	}
}

func TestAES256CBCRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	plaintext := []byte("a pin, zero padded")

	enc, err := Default.AES256CBCEncrypt(key, plaintext, 64)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(enc) != 64 {
		t.Fatalf("expected 64-byte ciphertext, got %d", len(enc))
	}

	dec, err := Default.AES256CBCDecrypt(key, enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if len(dec) != 64 {
		t.Fatalf("expected decrypt output sized to input (64), got %d", len(dec))
	}

	idx := bytes.IndexByte(dec, 0x00)
	if idx < 0 {
		t.Fatalf("expected zero padding in decrypted output")
	}
	if !bytes.Equal(dec[:idx], plaintext) {
		t.Fatalf("decrypted plaintext mismatch: got %q want %q", dec[:idx], plaintext)
	}
}

func TestAES256CBCEncryptRejectsOversizedInput(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 32)
	if _, err := Default.AES256CBCEncrypt(key, bytes.Repeat([]byte{0}, 65), 64); err == nil {
		t.Fatalf("expected error for data larger than buffer size")
	}
}

func TestAES256CBCEncryptRejectsNonBlockMultipleBuffer(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 32)
	if _, err := Default.AES256CBCEncrypt(key, []byte("x"), 10); err == nil {
		t.Fatalf("expected error for buffer size not a multiple of the AES block size")
	}
}

func TestHMACSHA256Deterministic(t *testing.T) {
	secret := []byte("shared-secret")
	msg := []byte("message")

	a := Default.HMACSHA256(secret, msg)
	b := Default.HMACSHA256(secret, msg)

	if !bytes.Equal(a, b) {
		t.Fatalf("HMAC not deterministic")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32-byte HMAC, got %d", len(a))
	}
}

func TestSHA256(t *testing.T) {
	sum := Default.SHA256([]byte("1234"))
	if len(sum) != 32 {
		t.Fatalf("expected 32-byte digest, got %d", len(sum))
	}
}
