package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdlog/internal/acquisition"
	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/logger"
	"github.com/shaunagostinho/obdlog/internal/store"
)

// Logger appends recorded samples to CSV files as they arrive, one file
// per session, rotating after maxRowsPerFile rows.
type Logger struct {
	mu      sync.Mutex
	dir     string
	maxRows int

	file    *os.File
	writer  *csv.Writer
	session int64
	part    int
	rows    int
	log     zerolog.Logger
}

func NewLogger(dir string) *Logger {
	return &Logger{dir: dir, maxRows: maxRowsPerFile, log: logger.For("export")}
}

// Attach subscribes the logger to sample and stop events on bus.
func (l *Logger) Attach(bus *acquisition.EventBus) int {
	return bus.SubscribeTypes(l.handle, acquisition.EventSampleRecorded, acquisition.EventStopped)
}

func (l *Logger) handle(e acquisition.Event) {
	switch p := e.Payload.(type) {
	case acquisition.SampleEvent:
		if err := l.Record(p.Session, p.Sample); err != nil {
			logger.WithError(l.log.Warn(), err).Msg("live export write failed")
		}
	case acquisition.StoppedEvent:
		l.Close()
	}
}

// Record writes one sample row for session.
func (l *Logger) Record(session int64, sm store.Sample) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil || session != l.session || l.rows >= l.maxRows {
		if err := l.rotateFile(session); err != nil {
			return err
		}
	}

	if err := l.writer.Write(buildRow(sm)); err != nil {
		return errors.New().Wrap(errors.ErrStorageWrite, err)
	}
	l.writer.Flush()
	l.rows++
	if err := l.writer.Error(); err != nil {
		return errors.New().Wrap(errors.ErrStorageWrite, err)
	}
	return nil
}

// Close flushes and closes the current file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(session int64) error {
	errFactory := errors.New()
	l.closeFile()

	if session != l.session {
		l.session = session
		l.part = 0
	}
	l.part++

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return errFactory.Wrap(errors.ErrStorageWrite, err)
	}

	name := fmt.Sprintf("live_%s.csv", time.UnixMilli(session).Format(fileTimeLayout))
	if l.part > 1 {
		name = fmt.Sprintf("live_%s_%d.csv", time.UnixMilli(session).Format(fileTimeLayout), l.part)
	}
	path := filepath.Join(l.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return errFactory.Wrap(errors.ErrStorageWrite, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return errFactory.Wrap(errors.ErrStorageWrite, err)
	}
	l.writer.Flush()

	l.log.Info().Str("path", path).Msg("opened live export")
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			l.log.Debug().Err(err).Msg("close live export")
		}
		l.file = nil
	}
}
