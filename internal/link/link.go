// Package link owns the connection to the diagnostic adapter and runs the
// negotiation sequence before handing it to the command executor.
package link

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdlog/internal/elm327"
	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/logger"
)

// State is the lifecycle of a single adapter connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Negotiating
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Negotiating:
		return "negotiating"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options tunes negotiation.
type Options struct {
	ProtocolTimeout int           // ATST argument
	CommandTimeout  time.Duration // per-command read deadline
	DrainTimeout    time.Duration // how long to discard boot chatter after dial
}

// Link is a negotiated adapter connection. It is only valid while the
// Manager that produced it is Ready.
type Link struct {
	address string
	exec    *elm327.Executor
	timeout time.Duration
}

// Execute runs one command with the link's default timeout.
func (l *Link) Execute(ctx context.Context, cmd elm327.Command) (elm327.Response, error) {
	return l.exec.Execute(ctx, cmd, l.timeout)
}

// ExecuteTimeout runs one command with an explicit timeout.
func (l *Link) ExecuteTimeout(ctx context.Context, cmd elm327.Command, timeout time.Duration) (elm327.Response, error) {
	return l.exec.Execute(ctx, cmd, timeout)
}

func (l *Link) Address() string { return l.address }

// Manager opens, negotiates and closes one adapter connection.
type Manager struct {
	mu        sync.Mutex
	transport Transport
	opts      Options
	state     State
	conn      elm327.Conn
	listeners []func(from, to State)
	log       zerolog.Logger
}

func NewManager(t Transport, opts Options) *Manager {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 100 * time.Millisecond
	}
	return &Manager{
		transport: t,
		opts:      opts,
		state:     Disconnected,
		log:       logger.For("link"),
	}
}

// OnStateChange registers fn to be called after every transition.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	listeners := append([]func(from, to State){}, m.listeners...)
	m.mu.Unlock()

	if from == to {
		return
	}
	m.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state")
	for _, fn := range listeners {
		fn(from, to)
	}
}

// Open dials address and runs the negotiation sequence in order. Any
// failure closes the partially opened channel and leaves the manager Failed.
func (m *Manager) Open(ctx context.Context, address string) (*Link, error) {
	errFactory := errors.New()

	m.mu.Lock()
	if m.state != Disconnected && m.state != Failed {
		state := m.state
		m.mu.Unlock()
		return nil, errFactory.WithMessage(errors.ErrBusy, "link is "+state.String())
	}
	m.mu.Unlock()

	m.setState(Connecting)

	if err := m.transport.CancelDiscovery(ctx); err != nil {
		logger.WithError(m.log.Warn(), err).Msg("discovery cancel failed, connecting anyway")
	}

	conn, err := m.transport.Dial(ctx, address)
	if err != nil {
		m.setState(Failed)
		return nil, errFactory.Wrap(errors.ErrDialFailed, err)
	}
	m.log.Info().Str("transport", m.transport.Name()).Str("address", address).Msg("channel open")

	m.setState(Negotiating)
	exec := elm327.NewExecutor(conn)
	exec.Drain(m.opts.DrainTimeout)

	for _, cmd := range elm327.Negotiation(m.opts.ProtocolTimeout) {
		if _, err := exec.Execute(ctx, cmd, m.opts.CommandTimeout); err != nil {
			if cerr := conn.Close(); cerr != nil {
				m.log.Debug().Err(cerr).Msg("close after failed negotiation")
			}
			m.setState(Failed)
			return nil, errFactory.Wrap(errors.ErrNegotiationFailed, err)
		}
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.setState(Ready)
	m.log.Info().Str("address", address).Msg("adapter ready")

	return &Link{address: address, exec: exec, timeout: m.opts.CommandTimeout}, nil
}

// Close releases the channel. It is idempotent: calls after the first, or
// on a manager that never opened, do nothing.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	state := m.state
	m.mu.Unlock()

	if state == Disconnected {
		return nil
	}

	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.setState(Disconnected)
	if err != nil {
		return errors.New().Wrap(errors.ErrLinkClosed, err)
	}
	return nil
}
