package link

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// RFCOMMTransport connects straight to a Bluetooth adapter's serial
// channel, without an rfcomm tty binding.
type RFCOMMTransport struct {
	Channel uint8 // 1-30, adapters almost always use 1
	HCIDev  uint16
}

func (*RFCOMMTransport) Name() string { return "rfcomm" }

// parseBDAddr turns "AA:BB:CC:DD:EE:FF" into the little-endian byte
// order the kernel expects in sockaddr_rc.
func parseBDAddr(s string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("bluetooth address %q: want 6 octets", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return out, fmt.Errorf("bluetooth address %q: bad octet %q", s, p)
		}
		b, err := hex.DecodeString(p)
		if err != nil {
			return out, fmt.Errorf("bluetooth address %q: %w", s, err)
		}
		out[5-i] = b[0]
	}
	return out, nil
}
