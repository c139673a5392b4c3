// Package pin implements the FIDO2 clientPIN protocol, version 1:
// PIN verification, PIN setting, and retry/mismatch lockout tracking.
//
// Grounded on circuitkey/pin.py.
package pin

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/p610/circuitkey/crypto"
	"github.com/p610/circuitkey/ctaperr"
	"github.com/p610/circuitkey/schema"
	"github.com/p610/circuitkey/storage"
)

const bucketName = "pin"

// ProtocolV1 is the FIDO2 PIN/UV auth protocol one state machine: a
// stored PIN hash, a retry counter persisted to storage, and a
// transient (power-cycle-reset) mismatch counter.
type ProtocolV1 struct {
	storage storage.Backend
	crypto  crypto.Backend

	pin         []byte // first 16 bytes of SHA-256(pin), or nil if unset
	retryCount  int
	mismatchCount int

	pinToken       []byte
	keyAgreementPub crypto.PubKey
	keyAgreementPriv crypto.PrivKey
}

// NewProtocolV1 constructs a PIN protocol instance backed by the
// given storage bucket and crypto backend, loading any previously
// persisted PIN/retry state.
func NewProtocolV1(backend storage.Backend, cryptoBackend crypto.Backend) (*ProtocolV1, error) {
	p := &ProtocolV1{storage: backend, crypto: cryptoBackend}

	if err := p.load(); err != nil {
		return nil, err
	}

	if err := p.rotatePinToken(); err != nil {
		return nil, err
	}
	if err := p.rotateKeyAgreementKey(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *ProtocolV1) rotatePinToken() error {
	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return fmt.Errorf("pin: generate pin token: %w", err)
	}
	p.pinToken = token
	return nil
}

func (p *ProtocolV1) rotateKeyAgreementKey() error {
	pub, priv, err := p.crypto.ECGenKey()
	if err != nil {
		return fmt.Errorf("pin: generate key agreement key: %w", err)
	}
	p.keyAgreementPub = pub
	p.keyAgreementPriv = priv
	return nil
}

func (p *ProtocolV1) load() error {
	data, err := p.storage.Load(bucketName)
	if err != nil {
		return fmt.Errorf("pin: load bucket: %w", err)
	}

	p.retryCount = 8
	if rc, ok := data["retry_count"]; ok {
		if f, ok := rc.(float64); ok {
			p.retryCount = int(f)
		}
	}

	if raw, ok := data["pin"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			decoded, err := decodeStoredPin(s)
			if err != nil {
				return fmt.Errorf("pin: decode stored pin: %w", err)
			}
			p.pin = decoded
		}
	}

	return nil
}

func (p *ProtocolV1) save() error {
	data := map[string]any{"retry_count": p.retryCount}
	if p.pin != nil {
		data["pin"] = encodeStoredPin(p.pin)
	}
	if err := p.storage.Save(bucketName, data); err != nil {
		return fmt.Errorf("pin: save bucket: %w", err)
	}
	return nil
}

func encodeStoredPin(pin []byte) string { return hex.EncodeToString(pin) }

func decodeStoredPin(s string) ([]byte, error) { return hex.DecodeString(s) }

func (p *ProtocolV1) validateCandidate(pin []byte) error {
	if len(pin) < 4 {
		return ctaperr.NewCborError(schema.ErrPinPolicyViolation, "PIN too short")
	}
	if len(pin) > 63 {
		return ctaperr.NewCborError(schema.ErrPinPolicyViolation, "PIN too long")
	}
	return nil
}

// checkNotBlocked raises PinAuthBlocked/PinBlocked if the device is
// currently locked out, without mutating any state.
func (p *ProtocolV1) checkNotBlocked() error {
	if p.mismatchCount >= 3 {
		return ctaperr.NewCborError(schema.ErrPinAuthBlocked, "PIN auth blocked")
	}
	if p.retryCount <= 0 {
		return ctaperr.NewCborError(schema.ErrPinBlocked, "PIN is blocked")
	}
	return nil
}

// Verify checks pinHashEnc against the stored PIN hash and returns the
// AES-256-CBC encrypted PIN token on success. The submitted hash is
// HMAC-SHA-256(sharedSecret, pinHashEnc) truncated to 16 bytes, where
// sharedSecret is the ECDH shared secret derived from platformPub and
// this protocol's key agreement key; pinHashEnc itself is not decrypted.
//
// The retry counter is decremented and persisted BEFORE the PIN
// comparison happens (matching circuitkey/pin.py::verify): a crash or
// power loss between decrement and comparison must never let an
// attacker retry the same guess for free.
func (p *ProtocolV1) Verify(pinHashEnc []byte, platformPub crypto.PubKey) ([]byte, error) {
	if err := p.checkNotBlocked(); err != nil {
		return nil, err
	}

	sharedSecret, err := p.crypto.ECSharedSecret(p.keyAgreementPriv, platformPub)
	if err != nil {
		return nil, ctaperr.NewCborError(schema.ErrInvalidParameter, "invalid platform key agreement key")
	}

	pinHash := p.crypto.HMACSHA256(sharedSecret, pinHashEnc)[:16]

	p.retryCount--
	if err := p.save(); err != nil {
		return nil, err
	}

	if !bytes.Equal(pinHash, p.pin) {
		if err := p.rotateKeyAgreementKey(); err != nil {
			return nil, err
		}
		p.mismatchCount++

		if err := p.checkNotBlocked(); err != nil {
			return nil, err
		}
		return nil, ctaperr.NewCborError(schema.ErrPinInvalid, "PIN is invalid")
	}

	p.mismatchCount = 0
	p.retryCount = 8
	if err := p.save(); err != nil {
		return nil, err
	}

	encPinToken, err := p.crypto.AES256CBCEncrypt(sharedSecret, p.pinToken, 32)
	if err != nil {
		return nil, fmt.Errorf("pin: encrypt pin token: %w", err)
	}
	return encPinToken, nil
}

// SetPin installs a new PIN (authenticatorClientPIN subCommand
// setPINNewPin/changePIN). newPinEnc is AES-256-CBC encrypted under
// the ECDH shared secret, and pinAuth is HMAC-SHA-256(sharedSecret,
// newPinEnc) truncated to 16 bytes.
func (p *ProtocolV1) SetPin(newPinEnc, pinAuth []byte, platformPub crypto.PubKey) error {
	sharedSecret, err := p.crypto.ECSharedSecret(p.keyAgreementPriv, platformPub)
	if err != nil {
		return ctaperr.NewCborError(schema.ErrInvalidParameter, "invalid platform key agreement key")
	}

	expectedAuth := p.crypto.HMACSHA256(sharedSecret, newPinEnc)[:16]
	if !bytes.Equal(expectedAuth, pinAuth) {
		return ctaperr.NewCborError(schema.ErrPinAuthInvalid, "PIN mismatch")
	}

	zeroPadded, err := p.crypto.AES256CBCDecrypt(sharedSecret, newPinEnc)
	if err != nil {
		return fmt.Errorf("pin: decrypt new pin: %w", err)
	}

	idx := bytes.IndexByte(zeroPadded, 0x00)
	var candidate []byte
	if idx < 0 {
		candidate = zeroPadded
	} else {
		candidate = zeroPadded[:idx]
	}

	if err := p.validateCandidate(candidate); err != nil {
		return err
	}

	hash := p.crypto.SHA256(candidate)
	p.pin = hash[:16]

	if err := p.rotatePinToken(); err != nil {
		return err
	}

	return p.save()
}

// IsPinSet reports whether a PIN has been configured.
func (p *ProtocolV1) IsPinSet() bool { return p.pin != nil }

// GetRetries returns the remaining PIN retry count.
func (p *ProtocolV1) GetRetries() int { return p.retryCount }

// IsBlocked reports whether the authenticator is permanently locked
// (retry count exhausted; only a factory reset can recover).
func (p *ProtocolV1) IsBlocked() bool { return p.retryCount <= 0 }

// IsTemporarilyBlocked reports whether the authenticator is locked
// until the next power cycle (three consecutive mismatches).
func (p *ProtocolV1) IsTemporarilyBlocked() bool { return p.mismatchCount >= 3 }

// GetKeyAgreementPubKey returns this protocol instance's current
// ECDH public key, re-rolled on every failed Verify.
func (p *ProtocolV1) GetKeyAgreementPubKey() crypto.PubKey { return p.keyAgreementPub }

// Registry holds one ProtocolV1 instance per supported pinUvAuthProtocol
// version. Only version 1 exists today; the registry exists so the
// clientPIN dispatcher has a single, explicit place to look one up
// instead of a hidden package-level singleton.
type Registry struct {
	v1 *ProtocolV1
}

// NewRegistry builds a Registry with a single v1 protocol instance
// backed by storage/cryptoBackend.
func NewRegistry(backend storage.Backend, cryptoBackend crypto.Backend) (*Registry, error) {
	v1, err := NewProtocolV1(backend, cryptoBackend)
	if err != nil {
		return nil, err
	}
	return &Registry{v1: v1}, nil
}

// Get returns the protocol instance for the given pinUvAuthProtocol version.
func (r *Registry) Get(version int) (*ProtocolV1, error) {
	if version == 1 {
		return r.v1, nil
	}
	return nil, ctaperr.NewCborError(schema.ErrPinAuthInvalid, "PIN protocol not supported")
}
