//go:build !linux

package link

import (
	"context"

	"github.com/shaunagostinho/obdlog/internal/elm327"
	"github.com/shaunagostinho/obdlog/internal/errors"
)

func (*RFCOMMTransport) CancelDiscovery(context.Context) error { return nil }

func (*RFCOMMTransport) Dial(context.Context, string) (elm327.Conn, error) {
	return nil, errors.New().WithMessage(errors.ErrUnavailable, "rfcomm sockets are only supported on linux")
}
