package elm327

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shaunagostinho/obdlog/internal/errors"
)

// Response is a parsed adapter reply.
type Response struct {
	Command string
	Raw     string
	Data    []byte
	Value   float64
}

// CommandError reports which command failed and what the adapter sent.
type CommandError struct {
	Command string
	Request string
	Raw     string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("%s [%s]: %v (reply %q)", e.Command, e.Request, e.Err, e.Raw)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Command, e.Request, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// FailedCommand extracts the failing command name from err's chain.
func FailedCommand(err error) (string, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Command, true
	}
	return "", false
}

// IsNoData reports whether the vehicle did not answer the PID.
func IsNoData(err error) bool {
	return errors.HasCode(err, errors.ErrNoData)
}

var faults = []string{
	"UNABLE TO CONNECT",
	"STOPPED",
	"CAN ERROR",
	"BUS ERROR",
	"BUS BUSY",
	"FB ERROR",
	"DATA ERROR",
	"BUFFER FULL",
	"ACT ALERT",
	"LV RESET",
}

// responseLines splits a raw reply into trimmed, non-empty lines with the
// prompt, any command echo and progress chatter removed.
func responseLines(cmd Command, raw string) []string {
	raw = strings.ReplaceAll(raw, ">", "")
	raw = strings.ReplaceAll(raw, "\n", "\r")

	var lines []string
	for _, l := range strings.Split(raw, "\r") {
		l = strings.ToUpper(strings.TrimSpace(l))
		switch {
		case l == "":
			continue
		case strings.ReplaceAll(l, " ", "") == strings.ToUpper(cmd.Request):
			continue
		case strings.HasPrefix(l, "SEARCHING"):
			continue
		case strings.HasPrefix(l, "BUS INIT"):
			if strings.Contains(l, "ERROR") {
				lines = append(lines, "BUS ERROR")
			}
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// ParseResponse classifies and decodes a complete reply for cmd.
func ParseResponse(cmd Command, raw string) (Response, error) {
	errFactory := errors.New()
	resp := Response{Command: cmd.Name, Raw: raw}
	fail := func(err error) (Response, error) {
		return resp, &CommandError{Command: cmd.Name, Request: cmd.Request, Raw: strings.TrimSpace(raw), Err: err}
	}

	lines := responseLines(cmd, raw)
	if len(lines) == 0 {
		return fail(errFactory.New(errors.ErrMalformed).WithMessage("empty reply"))
	}

	for _, l := range lines {
		switch {
		case l == "?":
			return fail(errFactory.New(errors.ErrUnknownCommand))
		case strings.Contains(l, "NO DATA"):
			return fail(errFactory.New(errors.ErrNoData))
		}
		for _, f := range faults {
			if strings.Contains(l, f) {
				return fail(errFactory.WithData(errors.ErrAdapterFault, f))
			}
		}
		if strings.HasPrefix(l, "ERR") {
			return fail(errFactory.WithData(errors.ErrAdapterFault, l))
		}
	}

	switch cmd.kind {
	case kindAT:
		for _, l := range lines {
			if strings.Contains(l, "OK") {
				return resp, nil
			}
		}
		return fail(errFactory.WithData(errors.ErrUnexpectedReply, strings.Join(lines, " ")))

	case kindMode04:
		for _, l := range lines {
			if strings.HasPrefix(strings.ReplaceAll(l, " ", ""), "44") {
				return resp, nil
			}
		}
		return fail(errFactory.WithData(errors.ErrUnexpectedReply, strings.Join(lines, " ")))
	}

	header := fmt.Sprintf("%02X%02X", cmd.mode+0x40, cmd.pid)
	for _, l := range lines {
		compact := strings.ReplaceAll(l, " ", "")
		if !strings.HasPrefix(compact, header) {
			continue
		}
		data, err := hex.DecodeString(compact[len(header):])
		if err != nil {
			return fail(errFactory.Wrap(errors.ErrMalformed, err))
		}
		v, err := cmd.Decode(data)
		if err != nil {
			return fail(err)
		}
		resp.Data = data
		resp.Value = v
		return resp, nil
	}
	return fail(errFactory.WithData(errors.ErrMalformed, "no "+header+" header"))
}
