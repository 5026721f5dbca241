package acquisition

import (
	"context"
	"time"

	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/logger"
)

const teardownTimeout = 5 * time.Second

// escalate is the single teardown path for a run. cause is nil for a
// requested stop. Steps run in a fixed order: stop the scheduler, close
// the link, end the session, release the indicator, then emit terminal
// events.
func (p *Pipeline) escalate(r *run, cause error) {
	failed := cause != nil && !(r.stopRequested.Load() && r.ctx.Err() != nil)

	if failed {
		p.setState(Failed)
		ev := logger.WithError(p.log.Error(), cause).Str("driver", r.driver).Bool("ready", r.ready)
		ev.Msg("acquisition failed")
	} else {
		p.setState(Stopping)
	}

	r.sched.Stop()

	if err := r.links.Close(); err != nil {
		p.log.Debug().Err(err).Msg("link close during teardown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	sess, hadSession := r.rec.Active()
	if err := r.rec.EndSession(ctx); err != nil {
		logger.WithError(p.log.Error(), err).Int64("session", sess.ID).Msg("could not end session")
	}

	if r.indicatorHeld {
		p.indicator.Release()
		r.indicatorHeld = false
	}

	stopped := StoppedEvent{
		Driver:  r.driver,
		Samples: r.rec.Count(),
		Failed:  failed,
	}
	if hadSession {
		stopped.Session = sess.ID
	}
	if failed {
		stopped.Error = cause.Error()
		stopped.ErrorKind = errors.KindOf(cause).String()
	}

	p.mu.Lock()
	p.setStateLocked(Idle)
	p.run = nil
	p.lastErr = stopped.Error
	p.lastRun = Status{
		Driver:  r.driver,
		Address: r.address,
		Session: stopped.Session,
		Samples: stopped.Samples,
	}
	p.mu.Unlock()

	now := p.now()
	p.bus.Emit(Event{Type: EventStopped, Timestamp: now, Payload: stopped})
	if failed && !r.ready {
		p.bus.Emit(Event{
			Type:      EventCouldNotConnect,
			Timestamp: now,
			Payload:   ConnectEvent{Address: r.address, Error: cause.Error()},
		})
	}

	p.log.Info().
		Str("driver", r.driver).
		Int("samples", stopped.Samples).
		Bool("failed", failed).
		Msg("acquisition stopped")
}
