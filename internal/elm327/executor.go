package elm327

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/logger"
)

// Conn is the byte channel to the adapter. Read returns 0, nil when the
// read timeout elapses without data, as go.bug.st/serial ports do.
type Conn interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

const (
	prompt       = '>'
	readSlice    = 50 * time.Millisecond
	maxReplySize = 4096
)

// Executor issues commands over a half-duplex Conn, one at a time.
type Executor struct {
	mu   sync.Mutex
	conn Conn
	log  zerolog.Logger

	// stale is how long to wait for the reply to a timed-out command
	// before the next request is written. Zero when the line is clean.
	stale time.Duration
}

func NewExecutor(conn Conn) *Executor {
	return &Executor{conn: conn, log: logger.For("elm327")}
}

// Execute writes cmd and reads until the prompt or until timeout elapses.
// Concurrent callers are serialized. ctx cancellation ends the wait early.
func (e *Executor) Execute(ctx context.Context, cmd Command, timeout time.Duration) (Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	errFactory := errors.New()
	fail := func(raw string, err error) (Response, error) {
		return Response{Command: cmd.Name, Raw: raw}, &CommandError{Command: cmd.Name, Request: cmd.Request, Raw: raw, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail("", errFactory.Wrap(errors.ErrTimeout, err))
	}
	if e.stale > 0 {
		e.discardLateReply(ctx, e.stale)
		e.stale = 0
	}

	start := time.Now()
	if _, err := e.conn.Write([]byte(cmd.Request + "\r")); err != nil {
		return fail("", errFactory.Wrap(errors.ErrIO, err))
	}

	raw, err := e.readUntilPrompt(ctx, start.Add(timeout))
	if err != nil {
		e.log.Debug().Str("cmd", cmd.Request).Str("partial", raw).Err(err).Msg("no prompt")
		if errors.HasCode(err, errors.ErrTimeout) && ctx.Err() == nil {
			e.stale = timeout
		}
		return fail(strings.TrimSpace(raw), err)
	}

	resp, err := ParseResponse(cmd, raw)
	e.log.Debug().
		Str("cmd", cmd.Request).
		Str("reply", strings.TrimSpace(strings.ReplaceAll(raw, "\r", " "))).
		Dur("took", time.Since(start)).
		Msg("executed")
	return resp, err
}

func (e *Executor) readUntilPrompt(ctx context.Context, deadline time.Time) (string, error) {
	errFactory := errors.New()

	if err := e.conn.SetReadTimeout(readSlice); err != nil {
		return "", errFactory.Wrap(errors.ErrIO, err)
	}

	var sb strings.Builder
	buf := make([]byte, 128)
	for {
		if err := ctx.Err(); err != nil {
			return sb.String(), errFactory.Wrap(errors.ErrTimeout, err)
		}
		if !time.Now().Before(deadline) {
			return sb.String(), errFactory.New(errors.ErrTimeout)
		}

		n, err := e.conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			sb.Write(chunk)
			if idx := strings.IndexByte(string(chunk), prompt); idx >= 0 {
				return sb.String(), nil
			}
			if sb.Len() > maxReplySize {
				return sb.String(), errFactory.WithMessage(errors.ErrMalformed, "reply exceeds buffer")
			}
		}
		if err != nil {
			return sb.String(), errFactory.Wrap(errors.ErrIO, err)
		}
	}
}

// discardLateReply reads and drops bytes until a prompt arrives or wait
// elapses, so a reply to an earlier command is not taken as the answer to
// the next one.
func (e *Executor) discardLateReply(ctx context.Context, wait time.Duration) {
	if err := e.conn.SetReadTimeout(readSlice); err != nil {
		return
	}
	deadline := time.Now().Add(wait)
	buf := make([]byte, 128)
	total := 0
	for ctx.Err() == nil && time.Now().Before(deadline) {
		n, err := e.conn.Read(buf)
		total += n
		if n > 0 && strings.IndexByte(string(buf[:n]), prompt) >= 0 {
			break
		}
		if err != nil {
			break
		}
	}
	e.log.Debug().Int("bytes", total).Msg("discarded late reply")
}

// Drain discards whatever the adapter has buffered, waiting at most
// timeout for the line to go quiet.
func (e *Executor) Drain(timeout time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stale = 0
	_ = e.conn.SetReadTimeout(readSlice)
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)
	total := 0
	for time.Now().Before(deadline) {
		n, _ := e.conn.Read(buf)
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		e.log.Debug().Int("bytes", total).Msg("drained")
	}
	return total
}
