// Command circuitkey runs the FIDO2 authenticator core: it opens a
// HID transport (a real USB HID gadget device, or an in-process
// loopback for local testing), wires up the PIN protocol and storage
// backends, and serves CTAPHID/CTAP2 requests until interrupted.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/p610/circuitkey/app"
	"github.com/p610/circuitkey/crypto"
	"github.com/p610/circuitkey/ctaphid"
	"github.com/p610/circuitkey/hid"
	"github.com/p610/circuitkey/storage"
	"github.com/p610/circuitkey/ui"
)

var log = logrus.WithField("pkg", "main")

func main() {
	var (
		gadgetPath   = flag.String("gadget", "", "path to a HID gadget character device (e.g. /dev/hidg0); empty runs an in-process loopback device")
		storageDir   = flag.String("storage-dir", "./circuitkey-data", "directory for persisted PIN/retry state")
		masterKeyHex = flag.String("master-key", "", "hex-encoded 32-byte at-rest storage key; a random one is generated and logged if empty")
		pollInterval = flag.Duration("poll-interval", time.Millisecond, "how often to poll the HID device for new reports")
		resetWindow  = flag.Duration("reset-window", 10*time.Second, "how long after startup authenticatorReset is permitted")
		logLevel     = flag.String("log-level", "info", "logrus level: debug, info, warn, error")
	)
	flag.Parse()

	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		logrus.SetLevel(lvl)
	} else {
		log.Warnf("invalid -log-level %q, keeping default", *logLevel)
	}

	masterKey, err := resolveMasterKey(*masterKeyHex)
	if err != nil {
		log.Fatalf("resolve master key: %s", err)
	}

	backend, err := storage.NewFileBackend(*storageDir, masterKey)
	if err != nil {
		log.Fatalf("open storage backend at %s: %s", *storageDir, err)
	}

	device, closeDevice, err := openDevice(*gadgetPath)
	if err != nil {
		log.Fatalf("open HID device: %s", err)
	}
	defer closeDevice()

	presence := ui.NullUI{}

	a, err := app.New(backend, crypto.Default, presence, *resetWindow)
	if err != nil {
		log.Fatalf("build app: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received signal %v, shutting down", sig)
		cancel()

		go func() {
			time.Sleep(3 * time.Second)
			log.Error("graceful shutdown took too long, forcing exit")
			os.Exit(1)
		}()
	}()

	log.Info("starting authenticator")
	d := ctaphid.NewDispatcher(a, device)
	if err := d.Run(ctx, *pollInterval); err != nil && err != context.Canceled {
		log.Errorf("dispatcher loop exited: %s", err)
		os.Exit(1)
	}
	log.Info("authenticator stopped")
}

func openDevice(gadgetPath string) (hid.Device, func(), error) {
	if gadgetPath == "" {
		log.Warn("no -gadget path given, running against an in-process loopback device (no real USB traffic)")
		return hid.NewLoopbackDevice(), func() {}, nil
	}

	gadget, err := hid.OpenGadgetDevice(gadgetPath)
	if err != nil {
		return nil, nil, err
	}
	return gadget, func() { _ = gadget.Close() }, nil
}

func resolveMasterKey(hexKey string) ([]byte, error) {
	if hexKey != "" {
		key, err := parseHexKey(hexKey)
		if err != nil {
			return nil, err
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate random master key: %w", err)
	}
	log.Warnf("no -master-key given; generated a random one for this run only: %x", key)
	return key, nil
}

func parseHexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid -master-key hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("-master-key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
