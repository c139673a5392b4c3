// Package info holds the authenticator's static identity: the
// CTAPHID_INIT response fields and the authenticatorGetInfo CBOR map.
//
// Grounded on circuitkey/info.py.
package info

import "github.com/p610/circuitkey/schema"

// ProtocolVersion is the CTAPHID protocol version advertised in INIT responses.
const ProtocolVersion byte = 2

// DeviceVersion is the major/minor/build device version advertised in INIT responses.
var DeviceVersion = [3]byte{0x00, 0x01, 0x00}

// Capabilities is the INIT response's capabilities flag byte:
// wink + CBOR support, no CTAPHID_MSG support.
var Capabilities = schema.CapabilityByte(schema.CapWink, schema.CapCBOR)

// GetInfoResponse is the static authenticatorGetInfo (CBOR command
// 0x04) response map, keyed the way the CTAP2 spec numbers
// authenticatorGetInfo response members.
type GetInfoResponse struct {
	Versions         []string       `cbor:"1,keyasint"`
	AAGUID           []byte         `cbor:"3,keyasint"`
	Options          map[string]bool `cbor:"4,keyasint"`
	PinUvAuthProtocols []int        `cbor:"6,keyasint"`
	FirmwareVersion  int            `cbor:"14,keyasint"`
}

// CBORInfo is the static getInfo response served by this authenticator.
var CBORInfo = GetInfoResponse{
	Versions: []string{"FIDO_2_0"},
	AAGUID:   append(make([]byte, 15), 0x01),
	Options: map[string]bool{
		"rk":        false,
		"up":        true,
		"plat":      false,
		"clientPin": true,
	},
	PinUvAuthProtocols: []int{1},
	FirmwareVersion:    0x01,
}
