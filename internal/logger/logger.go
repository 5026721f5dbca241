package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdlog/internal/errors"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Init configures the process-wide logger. With console set, output is the
// human-readable ConsoleWriter; otherwise one JSON object per line.
func Init(level string, console bool) error {
	return InitWriter(os.Stderr, level, console)
}

// InitWriter is Init with an explicit destination.
func InitWriter(out io.Writer, level string, console bool) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	w := out
	if console {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	mu.Lock()
	base = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	mu.Unlock()

	return nil
}

// ParseLevel accepts debug, info, warn, error and the empty string (info).
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off":
		return zerolog.Disabled, nil
	}

	return zerolog.NoLevel, errors.New().WithData(errors.ErrInvalidLogLevel, level)
}

// For returns a logger tagged with the given component name.
func For(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", component).Logger()
}

// WithError attaches code and kind fields when err is a coded error.
func WithError(ev *zerolog.Event, err error) *zerolog.Event {
	var e errors.Error
	if errors.As(err, &e) {
		ev = ev.Str("error_code", string(e.Code())).Str("error_kind", e.Kind().String())
	}
	return ev.Err(err)
}
