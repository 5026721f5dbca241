// Package export writes recorded samples as CSV, either for a finished
// session on request or live while a run is recording.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/logger"
	"github.com/shaunagostinho/obdlog/internal/store"
)

const (
	maxRowsPerFile = 100_000 // ~28 hrs at 1 Hz
	fileTimeLayout = "2006-01-02_150405.000" // session ids are milliseconds
)

var csvHeader = []string{"timestamp", "speed_kph", "rpm", "throttle_pct", "fuel_rate_lph"}

// Source reads a session and its samples.
type Source interface {
	GetSession(ctx context.Context, id int64) (store.Session, error)
	SessionSamples(ctx context.Context, id int64) ([]store.Sample, error)
}

func buildRow(sm store.Sample) []string {
	row := make([]string, len(csvHeader))
	row[0] = sm.Timestamp.UTC().Format(time.RFC3339Nano)
	row[1] = strconv.Itoa(sm.Speed)
	row[2] = strconv.Itoa(sm.RPM)
	if sm.Throttle != nil {
		row[3] = fmt.Sprintf("%.1f", *sm.Throttle)
	}
	if sm.FuelRate != nil {
		row[4] = fmt.Sprintf("%.2f", *sm.FuelRate)
	}
	return row
}

// WriteSession writes the header and every sample of session id to w and
// returns the number of rows written.
func WriteSession(ctx context.Context, src Source, id int64, w io.Writer) (int, error) {
	errFactory := errors.New()

	samples, err := src.SessionSamples(ctx, id)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, errFactory.Wrap(errors.ErrIO, err)
	}
	for _, sm := range samples {
		if err := cw.Write(buildRow(sm)); err != nil {
			return 0, errFactory.Wrap(errors.ErrIO, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, errFactory.Wrap(errors.ErrIO, err)
	}
	return len(samples), nil
}

// Exporter writes session files into a directory.
type Exporter struct {
	dir string
	src Source
	log zerolog.Logger
}

func NewExporter(dir string, src Source) *Exporter {
	return &Exporter{dir: dir, src: src, log: logger.For("export")}
}

// ExportSession writes session id to <dir>/session_<start>.csv and returns
// the path. The file appears only once it is complete.
func (e *Exporter) ExportSession(ctx context.Context, id int64) (string, error) {
	errFactory := errors.New()

	sess, err := e.src.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", errFactory.Wrap(errors.ErrStorageWrite, err)
	}

	path := filepath.Join(e.dir, SessionFilename(sess))
	tmp, err := os.CreateTemp(e.dir, ".export-*.csv")
	if err != nil {
		return "", errFactory.Wrap(errors.ErrStorageWrite, err)
	}
	defer os.Remove(tmp.Name())

	rows, err := WriteSession(ctx, e.src, id, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = errFactory.Wrap(errors.ErrStorageWrite, cerr)
	}
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errFactory.Wrap(errors.ErrStorageWrite, err)
	}

	e.log.Info().Int64("session", id).Int("rows", rows).Str("path", path).Msg("session exported")
	return path, nil
}

// SessionFilename names the export of sess.
func SessionFilename(sess store.Session) string {
	return fmt.Sprintf("session_%s.csv", sess.Start.Format(fileTimeLayout))
}
