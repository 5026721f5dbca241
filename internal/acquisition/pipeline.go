// Package acquisition owns acquisition runs: it opens the link, records a
// session, drives the poll scheduler and funnels every teardown through a
// single escalation path.
package acquisition

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdlog/internal/config"
	"github.com/shaunagostinho/obdlog/internal/elm327"
	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/link"
	"github.com/shaunagostinho/obdlog/internal/logger"
	"github.com/shaunagostinho/obdlog/internal/scheduler"
	"github.com/shaunagostinho/obdlog/internal/session"
	"github.com/shaunagostinho/obdlog/internal/store"
)

type Options struct {
	Config *config.Config
	Store  session.Store

	// Transport overrides the one named in the device config.
	Transport link.Transport
	Bus       *EventBus
	Indicator Indicator
	Clock     func() time.Time
}

// Status is a snapshot of the pipeline.
type Status struct {
	State     string        `json:"state"`
	Driver    string        `json:"driver,omitempty"`
	Address   string        `json:"address,omitempty"`
	Session   int64         `json:"session,omitempty"`
	Samples   int           `json:"samples"`
	Last      *store.Sample `json:"last,omitempty"`
	LastError string        `json:"lastError,omitempty"`
}

// Pipeline runs at most one acquisition at a time.
type Pipeline struct {
	cfg       *config.Config
	store     session.Store
	transport link.Transport
	bus       *EventBus
	indicator Indicator
	now       func() time.Time
	log       zerolog.Logger

	mu      sync.Mutex
	state   RunState
	run     *run
	milBusy bool
	last    *store.Sample
	lastErr string
	lastRun Status
}

// run is the per-start state, touched only by the worker except where
// noted.
type run struct {
	driver   string
	address  string
	settings config.AcquisitionConfig

	ctx    context.Context
	cancel context.CancelFunc

	links *link.Manager
	sched *scheduler.Scheduler
	rec   *session.Recorder

	ready         bool
	indicatorHeld bool
	stopRequested atomic.Bool
	done          chan struct{}
}

func New(opts Options) (*Pipeline, error) {
	errFactory := errors.New()
	if opts.Config == nil {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "config is required")
	}
	if opts.Store == nil {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "store is required")
	}
	if opts.Bus == nil {
		opts.Bus = NewEventBus()
	}
	if opts.Indicator == nil {
		opts.Indicator = nopIndicator{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Pipeline{
		cfg:       opts.Config,
		store:     opts.Store,
		transport: opts.Transport,
		bus:       opts.Bus,
		indicator: opts.Indicator,
		now:       opts.Clock,
		log:       logger.For("acquisition"),
		state:     Idle,
	}, nil
}

// Events returns the bus terminal events are emitted on.
func (p *Pipeline) Events() *EventBus { return p.bus }

func (p *Pipeline) State() RunState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(to RunState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setStateLocked(to)
}

func (p *Pipeline) setStateLocked(to RunState) bool {
	from := p.state
	if from == to {
		return true
	}
	if !canTransition(from, to) {
		p.log.Error().Str("from", from.String()).Str("to", to.String()).Msg("invalid run transition")
		return false
	}
	p.state = to
	p.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("run state")
	return true
}

// Start validates the request and launches a run on a dedicated worker.
// Configuration problems are returned before any link is opened.
func (p *Pipeline) Start(ctx context.Context, driver string) error {
	errFactory := errors.New()

	dev := p.cfg.DeviceSettings()
	settings := p.cfg.AcquisitionSettings()

	p.mu.Lock()
	if p.state != Idle || p.milBusy {
		state := p.state
		p.mu.Unlock()
		return errFactory.WithMessage(errors.ErrBusy, "acquisition is "+state.String())
	}
	p.mu.Unlock()

	if dev.Address == "" {
		return errFactory.New(errors.ErrMissingAddress)
	}
	if _, err := p.store.GetDriver(ctx, driver); err != nil {
		return err
	}
	transport, err := p.transportFor(dev)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		driver:   driver,
		address:  dev.Address,
		settings: settings,
		ctx:      runCtx,
		cancel:   cancel,
		links: link.NewManager(transport, link.Options{
			ProtocolTimeout: settings.ProtocolTimeout,
			CommandTimeout:  settings.CommandTimeout(),
		}),
		sched: scheduler.New(settings.Interval(), settings.Epsilon()),
		rec:   session.NewRecorder(p.store, p.now),
		done:  make(chan struct{}),
	}
	r.rec.OnRecorded(func(sess store.Session, sm store.Sample) {
		p.mu.Lock()
		p.last = &sm
		p.mu.Unlock()
		p.bus.Emit(Event{
			Type:      EventSampleRecorded,
			Timestamp: sm.Timestamp,
			Payload:   SampleEvent{Session: sess.ID, Sample: sm},
		})
	})
	r.links.OnStateChange(func(_, to link.State) {
		if to == link.Negotiating {
			p.setState(Negotiating)
		}
	})

	p.mu.Lock()
	if p.state != Idle || p.milBusy {
		p.mu.Unlock()
		cancel()
		return errFactory.WithMessage(errors.ErrBusy, "acquisition already starting")
	}
	p.setStateLocked(Connecting)
	p.run = r
	p.last = nil
	p.lastErr = ""
	p.mu.Unlock()

	p.log.Info().Str("driver", driver).Str("address", dev.Address).Str("transport", transport.Name()).Msg("acquisition starting")
	go p.work(r)
	return nil
}

func (p *Pipeline) transportFor(dev config.DeviceConfig) (link.Transport, error) {
	if p.transport != nil {
		return p.transport, nil
	}
	return link.NewTransport(dev)
}

// Stop ends the current run and blocks until the pipeline is Idle again.
// A tick in flight is allowed to finish. Stop must not be called from an
// event handler; use RequestStop there.
func (p *Pipeline) Stop() {
	if r := p.requestStop(); r != nil {
		<-r.done
	}
}

// RequestStop asks the current run to end and returns at once. Event
// handlers run on the worker and may call it.
func (p *Pipeline) RequestStop() {
	p.requestStop()
}

func (p *Pipeline) requestStop() *run {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.run
	if r == nil {
		return nil
	}
	r.stopRequested.Store(true)
	r.sched.Stop()
	// Nothing is ticking yet, so aborting connect or negotiation is safe.
	if p.state == Connecting || p.state == Negotiating {
		r.cancel()
	}
	return r
}

// Wait blocks until the current run, if any, has ended.
func (p *Pipeline) Wait() {
	p.mu.Lock()
	r := p.run
	p.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

func (p *Pipeline) work(r *run) {
	defer close(r.done)
	defer r.cancel()

	lk, err := r.links.Open(r.ctx, r.address)
	if err != nil {
		p.escalate(r, err)
		return
	}
	r.ready = true

	if r.stopRequested.Load() {
		p.escalate(r, nil)
		return
	}

	id, err := r.rec.BeginSession(r.ctx, r.driver)
	if err != nil {
		p.escalate(r, err)
		return
	}
	p.indicator.Acquire(r.driver)
	r.indicatorHeld = true

	p.mu.Lock()
	polling := p.setStateLocked(Polling)
	p.mu.Unlock()
	if !polling {
		p.escalate(r, nil)
		return
	}
	p.log.Info().Int64("session", id).Dur("interval", r.settings.Interval()).Msg("polling")

	err = r.sched.Run(r.ctx, func(ctx context.Context) error {
		return p.tick(ctx, r, lk)
	})
	p.escalate(r, err)
}

// tick runs the data commands in order and records one sample stamped
// after the last command returns.
func (p *Pipeline) tick(ctx context.Context, r *run, lk *link.Link) error {
	var sm store.Sample

	speed, err := p.query(ctx, r, lk, elm327.Speed)
	if err != nil {
		return err
	}
	sm.Speed = int(speed)

	rpm, err := p.query(ctx, r, lk, elm327.RPM)
	if err != nil {
		return err
	}
	sm.RPM = int(rpm)

	if r.settings.Throttle {
		if sm.Throttle, err = p.optional(ctx, r, lk, elm327.Throttle); err != nil {
			return err
		}
	}
	if r.settings.FuelRate {
		if sm.FuelRate, err = p.optional(ctx, r, lk, elm327.FuelRate); err != nil {
			return err
		}
	}

	sm.Timestamp = p.now()
	return r.rec.Record(ctx, sm)
}

// query executes cmd, retrying up to the configured number of times.
func (p *Pipeline) query(ctx context.Context, r *run, lk *link.Link, cmd elm327.Command) (float64, error) {
	var err error
	for attempt := 0; attempt <= r.settings.PIDRetries; attempt++ {
		var resp elm327.Response
		resp, err = lk.Execute(ctx, cmd)
		if err == nil {
			p.log.Debug().Str("pid", cmd.Name).Float64("value", resp.Value).Str("unit", cmd.Unit()).Msg("read")
			return resp.Value, nil
		}
		if ctx.Err() != nil || elm327.IsNoData(err) {
			break
		}
		if attempt < r.settings.PIDRetries {
			logger.WithError(p.log.Warn(), err).Str("pid", cmd.Name).Int("attempt", attempt+1).Msg("retrying")
		}
	}
	return 0, err
}

// optional treats NO DATA as an absent value.
func (p *Pipeline) optional(ctx context.Context, r *run, lk *link.Link, cmd elm327.Command) (*float64, error) {
	v, err := p.query(ctx, r, lk, cmd)
	if elm327.IsNoData(err) {
		p.log.Debug().Str("pid", cmd.Name).Msg("not supported by vehicle")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Status returns a snapshot of the current or last run.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.lastRun
	st.State = p.state.String()
	st.LastError = p.lastErr
	if p.last != nil {
		sm := *p.last
		st.Last = &sm
	}
	if r := p.run; r != nil {
		st.Driver = r.driver
		st.Address = r.address
		st.Session = 0
		if sess, ok := r.rec.Active(); ok {
			st.Session = sess.ID
		}
		st.Samples = r.rec.Count()
	}
	return st
}
