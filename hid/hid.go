// Package hid implements the CTAPHID framing layer: splitting
// outbound messages into REPORT_LEN HID reports and reassembling
// inbound reports back into a full command.
//
// https://fidoalliance.org/specs/fido-v2.0-ps-20190130/fido-client-to-authenticator-protocol-v2.0-ps-20190130.html#usb-transactions
//
// Grounded on circuitkey/hid.py. The original targets a single
// CircuitPython usb_hid.Device discovered by USB page/usage at
// import time; here that is replaced by an explicit Device interface
// so the same framing code runs over real hardware or over an
// in-process LoopbackDevice in tests.
package hid

import (
	"fmt"

	"github.com/p610/circuitkey/ctaperr"
	"github.com/p610/circuitkey/schema"
)

// ReportLen is the fixed HID report size for the FIDO USB interface.
const ReportLen = 0x40

// Device is an external HID transport: a channel of fixed-size byte
// reports in each direction. Real hardware sends/polls usb_hid
// reports; LoopbackDevice below is an in-process double for tests.
type Device interface {
	// SendReport writes one outbound report. The report is exactly
	// ReportLen bytes.
	SendReport(report []byte) error

	// LastReceivedReport returns the most recently received report,
	// if one is available, without blocking. ok is false if no report
	// has arrived since the last call.
	LastReceivedReport() (report []byte, ok bool)
}

// Command is a fully reassembled CTAPHID message.
type Command struct {
	CID     [4]byte
	Cmd     byte
	Payload []byte
}

// Send frames payload as one initialization packet (cmd, bcnt, data)
// followed by as many continuation packets as needed, each exactly
// ReportLen bytes, and writes them to device in order.
func Send(device Device, cid [4]byte, cmd byte, payload []byte) error {
	bcnth := byte(len(payload) >> 8)
	bcntl := byte(len(payload) & 0xFF)

	seq := 0
	for {
		var buffer []byte
		if seq == 0 {
			buffer = append(buffer, cid[:]...)
			buffer = append(buffer, cmd, bcnth, bcntl)
		} else {
			buffer = append(buffer, cid[:]...)
			buffer = append(buffer, byte(seq)|0x80)
		}

		payloadLen := ReportLen - len(buffer)
		if payloadLen > len(payload) {
			payloadLen = len(payload)
		}
		buffer = append(buffer, payload[:payloadLen]...)
		payload = payload[payloadLen:]

		if len(buffer) < ReportLen {
			buffer = append(buffer, make([]byte, ReportLen-len(buffer))...)
		}
		if len(buffer) != ReportLen {
			return fmt.Errorf("hid: assembled packet size %d != %d", len(buffer), ReportLen)
		}

		if err := device.SendReport(buffer); err != nil {
			return fmt.Errorf("hid: send report: %w", err)
		}

		seq++
		if seq >= 0x80 {
			return fmt.Errorf("hid: sequence number overflowed (message too large for one transaction)")
		}
		if len(payload) == 0 {
			return nil
		}
	}
}

// Receive polls device for the next fully reassembled CTAPHID
// command. It returns (nil, nil) if no report is currently available
// (the caller is expected to poll again). If an initialization packet
// for a different channel arrives while a transaction is already in
// progress on this call, it returns *ctaperr.AbortError.
func Receive(device Device) (*Command, error) {
	seq := 0
	var cid *[4]byte
	var cmd byte
	var payload []byte
	payloadLen := 0

	for {
		buffer, ok := device.LastReceivedReport()
		if !ok {
			return nil, nil
		}

		if len(buffer) != ReportLen {
			return nil, ctaperr.NewCtapError(schema.ErrInvalidLength,
				fmt.Sprintf("invalid packet length: expected %d bytes, got %d", ReportLen, len(buffer)))
		}

		continuation := buffer[4]&0x80 != 0

		var bufCID [4]byte
		copy(bufCID[:], buffer[0:4])

		if cid == nil {
			cid = &bufCID
		} else if bufCID != *cid {
			if !continuation && buffer[4] == byte(schema.CtaphidInit) {
				nonce := append([]byte(nil), buffer[7:7+8]...)
				return nil, &ctaperr.AbortError{CID: bufCID, Nonce: nonce}
			}
			return nil, ctaperr.NewCtapError(schema.ErrInvalidChannel,
				fmt.Sprintf("invalid channel ID %x", bufCID))
		}

		if seq == 0 && continuation {
			return nil, ctaperr.NewCtapError(schema.ErrInvalidSeq,
				"expected 0 for initialization packet")
		}
		if seq > 0 && !continuation {
			return nil, ctaperr.NewCtapError(schema.ErrInvalidSeq,
				"expected sequence > 0 for continuation packet")
		}

		if !continuation {
			cmd = buffer[4]
			payloadLen = (int(buffer[5]) << 8) + int(buffer[6])
			payload = append(payload, buffer[7:]...)
		} else {
			payload = append(payload, buffer[5:]...)
		}

		if len(payload) >= payloadLen {
			break
		}

		seq++
	}

	return &Command{CID: *cid, Cmd: cmd, Payload: payload[:payloadLen]}, nil
}
