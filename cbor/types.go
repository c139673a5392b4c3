package cbor

import (
	"math/big"

	"github.com/p610/circuitkey/crypto"
)

// coseKey is a COSE_Key EC2 public key, the on-wire shape of a
// clientPIN keyAgreement parameter: {1: kty, 3: alg, -1: crv, -2: x, -3: y}.
type coseKey struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint"`
	Crv int    `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

const (
	coseKtyEC2      = 2
	coseAlgECDHES   = -25
	coseCrvP256     = 1
)

func coseKeyFromPub(pub crypto.PubKey) coseKey {
	return coseKey{
		Kty: coseKtyEC2,
		Alg: coseAlgECDHES,
		Crv: coseCrvP256,
		X:   leftPad32(pub.X),
		Y:   leftPad32(pub.Y),
	}
}

func (k coseKey) toPub() crypto.PubKey {
	return crypto.PubKey{
		X: new(big.Int).SetBytes(k.X),
		Y: new(big.Int).SetBytes(k.Y),
	}
}

func leftPad32(n *big.Int) []byte {
	buf := make([]byte, 32)
	n.FillBytes(buf)
	return buf
}

// pinRequest decodes the authenticatorClientPIN request map (CBOR
// command 0x06). Only the fields each subCommand needs are populated.
type pinRequest struct {
	Protocol     int      `cbor:"1,keyasint"`
	SubCommand   int      `cbor:"2,keyasint"`
	KeyAgreement *coseKey `cbor:"3,keyasint,omitempty"`
	PinAuth      []byte   `cbor:"4,keyasint,omitempty"`
	NewPinEnc    []byte   `cbor:"5,keyasint,omitempty"`
	PinHashEnc   []byte   `cbor:"6,keyasint,omitempty"`
}

// pinResponse encodes the authenticatorClientPIN response map,
// matching circuitkey/schema.py's cbor_pin_response helper: only
// populated fields are included on the wire.
type pinResponse struct {
	KeyAgreement *coseKey `cbor:"1,keyasint,omitempty"`
	PinToken     []byte   `cbor:"2,keyasint,omitempty"`
	Retries      *int     `cbor:"3,keyasint,omitempty"`
}
