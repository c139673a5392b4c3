package hid

import (
	"fmt"
	"os"
	"sync"
)

// GadgetDevice reads and writes raw HID reports against a Linux USB
// HID gadget character device (e.g. /dev/hidg0, configured via
// configfs the way a CircuitPython board's usb_hid module is
// configured at boot). There is no third-party library for the
// peripheral/gadget side of USB HID in the examined ecosystem -
// karalabe/hid and gousb are both host-side client libraries for
// talking to a HID device, not for being one - so this talks to the
// kernel gadget driver directly through the file the driver exposes.
type GadgetDevice struct {
	file *os.File

	mu      sync.Mutex
	pending []byte
	hasMore bool

	readErr error
}

// OpenGadgetDevice opens path (a HID gadget character device) and
// starts a background reader feeding LastReceivedReport.
func OpenGadgetDevice(path string) (*GadgetDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hid: open gadget device %s: %w", path, err)
	}

	d := &GadgetDevice{file: f}
	go d.readLoop()
	return d, nil
}

func (d *GadgetDevice) readLoop() {
	buf := make([]byte, ReportLen)
	for {
		n, err := d.file.Read(buf)
		if err != nil {
			d.mu.Lock()
			d.readErr = err
			d.mu.Unlock()
			return
		}
		if n != ReportLen {
			continue
		}

		report := append([]byte(nil), buf[:n]...)
		d.mu.Lock()
		d.pending = report
		d.hasMore = true
		d.mu.Unlock()
	}
}

// SendReport writes one outbound HID report to the gadget device.
func (d *GadgetDevice) SendReport(report []byte) error {
	_, err := d.file.Write(report)
	return err
}

// LastReceivedReport returns the most recently read report, if the
// background reader has produced one since the last call.
func (d *GadgetDevice) LastReceivedReport() ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasMore {
		return nil, false
	}
	d.hasMore = false
	return d.pending, true
}

// Close releases the underlying gadget device file.
func (d *GadgetDevice) Close() error {
	return d.file.Close()
}
