// Package elm327 speaks the ELM327 adapter's ASCII command protocol: one
// request line terminated by a carriage return, one response terminated by
// the '>' prompt.
package elm327

import (
	"fmt"

	"github.com/shaunagostinho/obdlog/internal/errors"
)

type commandKind int

const (
	kindAT commandKind = iota
	kindPID
	kindMode04
)

// Command is a single request understood by the adapter.
type Command struct {
	Name    string
	Request string

	kind  commandKind
	mode  byte
	pid   byte
	bytes int // data bytes expected after the mode/PID header
	unit  string

	decode func(data []byte) float64
}

// Unit is the engineering unit of decoded values, empty for AT commands.
func (c Command) Unit() string { return c.unit }

// Decode converts the data bytes that follow the response header.
func (c Command) Decode(data []byte) (float64, error) {
	if c.decode == nil {
		return 0, errors.New().WithMessage(errors.ErrInvalidOperation, c.Name+" has no decoder")
	}
	if len(data) < c.bytes {
		return 0, errors.New().WithData(errors.ErrMalformed, fmt.Sprintf("%s: %d data bytes, want %d", c.Name, len(data), c.bytes))
	}
	return c.decode(data[:c.bytes]), nil
}

func at(name, req string) Command {
	return Command{Name: name, Request: req, kind: kindAT}
}

func pid(name string, p byte, n int, unit string, decode func([]byte) float64) Command {
	return Command{
		Name:    name,
		Request: fmt.Sprintf("01%02X", p),
		kind:    kindPID,
		mode:    0x01,
		pid:     p,
		bytes:   n,
		unit:    unit,
		decode:  decode,
	}
}

// Negotiation commands.
var (
	EchoOff            = at("echo off", "ATE0")
	LinefeedOff        = at("linefeed off", "ATL0")
	SelectProtocolAuto = at("select protocol auto", "ATSP0")
)

// Timeout sets the adapter's response timeout in units of 4 ms. Values
// outside 0-255 are clamped.
func Timeout(n int) Command {
	if n < 0 {
		n = 0
	}
	if n > 0xFF {
		n = 0xFF
	}
	return at("set timeout", fmt.Sprintf("ATST%02X", n))
}

// Data commands, mode 01.
var (
	Speed = pid("speed", 0x0D, 1, "km/h", func(d []byte) float64 {
		return float64(d[0])
	})
	RPM = pid("rpm", 0x0C, 2, "rpm", func(d []byte) float64 {
		return float64((int(d[0])*256 + int(d[1])) / 4)
	})
	Throttle = pid("throttle", 0x11, 1, "%", func(d []byte) float64 {
		return float64(int(d[0]) * 100 / 255)
	})
	FuelRate = pid("fuel rate", 0x5E, 2, "L/h", func(d []byte) float64 {
		return float64(int(d[0])*256+int(d[1])) / 20
	})
)

// ResetMIL clears stored trouble codes and turns off the check engine light.
var ResetMIL = Command{Name: "reset mil", Request: "04", kind: kindMode04, mode: 0x04}

// Negotiation returns the fixed sequence run once per connection.
func Negotiation(protocolTimeout int) []Command {
	return []Command{EchoOff, LinefeedOff, Timeout(protocolTimeout), SelectProtocolAuto}
}
