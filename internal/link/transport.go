package link

import (
	"context"
	"sync"

	"github.com/shaunagostinho/obdlog/internal/config"
	"github.com/shaunagostinho/obdlog/internal/elm327"
	"github.com/shaunagostinho/obdlog/internal/errors"
)

// Transport opens the physical channel to an adapter.
type Transport interface {
	Name() string
	// CancelDiscovery stops any device inquiry in progress; an inquiry
	// running during connect corrupts the attempt.
	CancelDiscovery(ctx context.Context) error
	Dial(ctx context.Context, address string) (elm327.Conn, error)
}

// NewTransport builds the transport named in the device config.
func NewTransport(cfg config.DeviceConfig) (Transport, error) {
	switch cfg.Transport {
	case config.TransportSerial:
		return &SerialTransport{BaudRate: cfg.BaudRate}, nil
	case config.TransportRFCOMM:
		return &RFCOMMTransport{Channel: uint8(cfg.Channel)}, nil
	case config.TransportEmulator:
		return &EmulatorTransport{}, nil
	}
	return nil, errors.New().WithData(errors.ErrUnknownTransport, cfg.Transport)
}

// EmulatorTransport dials an in-process emulated adapter. With a nil
// Factory every dial gets a fresh emulator.
type EmulatorTransport struct {
	Factory func() *elm327.Emulator

	mu   sync.Mutex
	last *elm327.Emulator
}

func (*EmulatorTransport) Name() string { return "emulator" }

func (*EmulatorTransport) CancelDiscovery(context.Context) error { return nil }

func (t *EmulatorTransport) Dial(ctx context.Context, _ string) (elm327.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	emu := elm327.NewEmulator()
	if t.Factory != nil {
		emu = t.Factory()
	}
	t.mu.Lock()
	t.last = emu
	t.mu.Unlock()
	return emu, nil
}

// Last returns the most recently dialed emulator.
func (t *EmulatorTransport) Last() *elm327.Emulator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
