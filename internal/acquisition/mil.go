package acquisition

import (
	"context"
	"time"

	"github.com/shaunagostinho/obdlog/internal/elm327"
	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/link"
)

// milTimeout is the least time given to a mode 04 reply; some ECUs take
// seconds to clear codes.
const milTimeout = 5 * time.Second

// ResetMIL clears trouble codes over a freshly negotiated link. It is
// refused while a run is active.
func (p *Pipeline) ResetMIL(ctx context.Context) error {
	errFactory := errors.New()

	p.mu.Lock()
	if p.state != Idle || p.milBusy {
		state := p.state
		p.mu.Unlock()
		return errFactory.WithMessage(errors.ErrBusy, "acquisition is "+state.String())
	}
	p.milBusy = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.milBusy = false
		p.mu.Unlock()
	}()

	dev := p.cfg.DeviceSettings()
	settings := p.cfg.AcquisitionSettings()
	if dev.Address == "" {
		return errFactory.New(errors.ErrMissingAddress)
	}
	transport, err := p.transportFor(dev)
	if err != nil {
		return err
	}

	links := link.NewManager(transport, link.Options{
		ProtocolTimeout: settings.ProtocolTimeout,
		CommandTimeout:  settings.CommandTimeout(),
	})
	lk, err := links.Open(ctx, dev.Address)
	if err != nil {
		return err
	}
	defer func() {
		if err := links.Close(); err != nil {
			p.log.Debug().Err(err).Msg("link close after mil reset")
		}
	}()

	timeout := settings.CommandTimeout()
	if timeout < milTimeout {
		timeout = milTimeout
	}
	if _, err := lk.ExecuteTimeout(ctx, elm327.ResetMIL, timeout); err != nil {
		return err
	}
	p.log.Info().Str("address", dev.Address).Msg("trouble codes cleared")
	return nil
}
