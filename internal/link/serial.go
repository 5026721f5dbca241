package link

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/shaunagostinho/obdlog/internal/elm327"
	"github.com/shaunagostinho/obdlog/internal/logger"
)

// SerialTransport reaches the adapter through a tty: a USB adapter or a
// Bluetooth adapter already bound with rfcomm(1).
type SerialTransport struct {
	BaudRate int
}

func (*SerialTransport) Name() string { return "serial" }

// CancelDiscovery is a no-op: a bound tty has no inquiry to cancel.
func (*SerialTransport) CancelDiscovery(context.Context) error { return nil }

func (s *SerialTransport) Dial(ctx context.Context, address string) (elm327.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	baud := s.BaudRate
	if baud == 0 {
		baud = 38400
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(address, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", address, err)
	}
	if err := port.SetReadTimeout(time.Second); err != nil {
		port.Close()
		return nil, fmt.Errorf("set timeout on %s: %w", address, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("reset %s: %w", address, err)
	}
	log := logger.For("link")
	log.Debug().Str("port", address).Int("baud", baud).Msg("serial port opened")
	return port, nil
}

// Device is a serial port that may carry an adapter.
type Device struct {
	Name    string `json:"name"`
	USB     bool   `json:"usb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Product string `json:"product,omitempty"`
}

// ListDevices enumerates serial ports with USB details where the platform
// provides them, falling back to bare port names.
func ListDevices() ([]Device, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		out := make([]Device, 0, len(details))
		for _, d := range details {
			out = append(out, Device{
				Name:    d.Name,
				USB:     d.IsUSB,
				VID:     d.VID,
				PID:     d.PID,
				Serial:  d.SerialNumber,
				Product: d.Product,
			})
		}
		return out, nil
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(names))
	for _, n := range names {
		out = append(out, Device{Name: n})
	}
	return out, nil
}
