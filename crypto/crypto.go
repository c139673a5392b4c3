// Package crypto is the authenticator's abstract crypto backend: AES-256-CBC,
// HMAC-SHA-256, SHA-256 and NIST P-256 ECDH key agreement.
//
// Grounded on circuitkey/crypto.py. The original picks between an
// embedded aesio-backed implementation and a pure-Python fallback at
// import time; Go has one stdlib crypto implementation, so that split
// collapses into a single Backend (see DESIGN.md).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
)

// PubKey is an uncompressed NIST P-256 public point, carried as raw
// coordinates the way circuitkey/crypto.py's ECPubKey namedtuple does.
type PubKey struct {
	X, Y *big.Int
}

// PrivKey is an ephemeral P-256 private scalar.
type PrivKey struct {
	D *big.Int
}

// Backend is the abstract crypto backend every PIN protocol depends
// on. A single implementation (over crypto/aes + crypto/ecdsa) is
// provided; the interface exists so tests can substitute a
// deterministic fake the way circuitkey/pin_test.py hand-builds fixed
// EC keys.
type Backend interface {
	AES256CBCEncrypt(key, data []byte, bufferSize int) ([]byte, error)
	AES256CBCDecrypt(key, data []byte) ([]byte, error)
	HMACSHA256(secret, msg []byte) []byte
	SHA256(data []byte) []byte
	ECGenKey() (PubKey, PrivKey, error)
	ECSharedSecret(priv PrivKey, pub PubKey) ([]byte, error)
}

// Default is the stdlib-backed Backend used throughout the module.
var Default Backend = stdlibBackend{}

type stdlibBackend struct{}

// AES256CBCEncrypt zero-pads data up to bufferSize (which must be a
// multiple of the AES block size) and encrypts it under key with a
// zero IV, matching circuitkey/crypto.py::aes256_cbc_encrypt.
func (stdlibBackend) AES256CBCEncrypt(key, data []byte, bufferSize int) ([]byte, error) {
	if len(data) > bufferSize {
		return nil, fmt.Errorf("crypto: data too large [%d > %d]", len(data), bufferSize)
	}
	if bufferSize%aes.BlockSize != 0 {
		return nil, fmt.Errorf("crypto: buffer size must be a multiple of %d", aes.BlockSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new AES cipher: %w", err)
	}

	padded := make([]byte, bufferSize)
	copy(padded, data)

	out := make([]byte, bufferSize)
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// AES256CBCDecrypt decrypts data under key with a zero IV. Unlike the
// embedded CircuitPython backend it ports, the output buffer is sized
// to len(data) rather than a fixed 64 bytes (see spec.md §9's flagged
// bug, fixed here by construction).
func (stdlibBackend) AES256CBCDecrypt(key, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("crypto: ciphertext length %d is not a multiple of %d", len(data), aes.BlockSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new AES cipher: %w", err)
	}

	out := make([]byte, len(data))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// HMACSHA256 returns HMAC-SHA-256(secret, msg).
func (stdlibBackend) HMACSHA256(secret, msg []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(msg)
	return h.Sum(nil)
}

// SHA256 returns SHA-256(data).
func (stdlibBackend) SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// ECGenKey generates an ephemeral NIST P-256 keypair.
func (stdlibBackend) ECGenKey() (PubKey, PrivKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return PubKey{}, PrivKey{}, fmt.Errorf("crypto: generate P-256 key: %w", err)
	}
	return PubKey{X: key.X, Y: key.Y}, PrivKey{D: key.D}, nil
}

// ECSharedSecret computes SHA-256(ECDH(priv, pub)), the x-coordinate
// of the shared point hashed per spec.md §4.7.
func (stdlibBackend) ECSharedSecret(priv PrivKey, pub PubKey) ([]byte, error) {
	curve := elliptic.P256()
	if !curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("crypto: platform public key is not on P-256")
	}

	x, _ := curve.ScalarMult(pub.X, pub.Y, priv.D.Bytes())

	xBytes := make([]byte, 32)
	x.FillBytes(xBytes)

	sum := sha256.Sum256(xBytes)
	return sum[:], nil
}
