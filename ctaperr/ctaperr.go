// Package ctaperr defines the three exception types the authenticator
// core raises: transport-layer CTAP errors, CBOR/protocol errors, and
// the INIT-channel abort signal.
//
// Grounded on circuitkey/error.py.
package ctaperr

import (
	"fmt"

	"github.com/p610/circuitkey/schema"
)

// CtapError is a CTAPHID transport-layer error (schema.Error values
// <= schema.ErrInvalidChannel). Constructing one with a code outside
// that range panics, mirroring the original's assertion.
type CtapError struct {
	Code schema.Error
	Msg  string
}

// NewCtapError builds a CtapError, panicking if code is not a valid
// transport-layer error code.
func NewCtapError(code schema.Error, msg string) *CtapError {
	if !code.IsCTAPError() {
		panic(fmt.Sprintf("ctaperr: code %s is not a CTAP error", code))
	}
	return &CtapError{Code: code, Msg: msg}
}

func (e *CtapError) Error() string {
	return fmt.Sprintf("CTAP error %s: %s", e.Code, e.Msg)
}

// CborError is a CBOR/protocol-layer error returned in a CBOR
// response's status byte.
type CborError struct {
	Code schema.Error
	Msg  string
}

// NewCborError builds a CborError.
func NewCborError(code schema.Error, msg string) *CborError {
	return &CborError{Code: code, Msg: msg}
}

func (e *CborError) Error() string {
	return fmt.Sprintf("CBOR error %s: %s", e.Code, e.Msg)
}

// AbortError signals that a CTAPHID_INIT initialization packet
// arrived on a different channel while a transaction was already in
// progress, aborting the in-flight receive.
type AbortError struct {
	CID   [4]byte
	Nonce []byte
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("ctaphid: channel %x aborted by new INIT, nonce=%x", e.CID, e.Nonce)
}
