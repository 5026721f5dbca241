//go:build linux

package link

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shaunagostinho/obdlog/internal/elm327"
)

// hciInquiryCancel is an HCI command packet: type 0x01, opcode 0x0402
// (OGF link control, OCF inquiry cancel), no parameters.
var hciInquiryCancel = []byte{0x01, 0x02, 0x04, 0x00}

func (t *RFCOMMTransport) CancelDiscovery(context.Context) error {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.BTPROTO_HCI)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if err := unix.Bind(fd, &unix.SockaddrHCI{Dev: t.HCIDev, Channel: unix.HCI_CHANNEL_RAW}); err != nil {
		return err
	}
	_, err = unix.Write(fd, hciInquiryCancel)
	return err
}

func (t *RFCOMMTransport) Dial(ctx context.Context, address string) (elm327.Conn, error) {
	addr, err := parseBDAddr(address)
	if err != nil {
		return nil, err
	}
	channel := t.Channel
	if channel == 0 {
		channel = 1
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		done <- unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: channel})
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		unix.Shutdown(fd, unix.SHUT_RDWR)
		go func() {
			<-done
			unix.Close(fd)
		}()
		return nil, ctx.Err()
	}
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	// non-blocking so the runtime poller can honour read deadlines
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &rfcommConn{f: os.NewFile(uintptr(fd), "rfcomm:"+address), timeout: time.Second}, nil
}

type rfcommConn struct {
	f       *os.File
	timeout time.Duration
}

func (c *rfcommConn) Read(p []byte) (int, error) {
	if err := c.f.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	n, err := c.f.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (c *rfcommConn) Write(p []byte) (int, error) { return c.f.Write(p) }

func (c *rfcommConn) SetReadTimeout(t time.Duration) error {
	c.timeout = t
	return nil
}

func (c *rfcommConn) Close() error {
	err := c.f.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
