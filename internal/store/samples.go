package store

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/shaunagostinho/obdlog/internal/errors"
)

// AppendSample adds a sample to the active session. Its timestamp must not
// precede the session start and must be later than every stored sample.
func (s *Store) AppendSample(ctx context.Context, sm Sample) error {
	errFactory := errors.New()
	ts := toMillis(sm.Timestamp)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var start int64
		err := tx.QueryRowContext(ctx, `SELECT start_ms FROM sessions WHERE end_ms IS NULL`).Scan(&start)
		if errors.Is(err, sql.ErrNoRows) {
			return errFactory.New(errors.ErrNoActiveSession)
		}
		if err != nil {
			return err
		}
		if ts < start {
			return errFactory.WithData(errors.ErrStaleTimestamp, struct {
				Timestamp int64
				Start     int64
			}{ts, start})
		}

		var last sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(ts_ms) FROM samples`).Scan(&last); err != nil {
			return err
		}
		if last.Valid && ts <= last.Int64 {
			return errFactory.WithData(errors.ErrStaleTimestamp, struct {
				Timestamp int64
				Last      int64
			}{ts, last.Int64})
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO samples (ts_ms, speed, rpm, throttle, fuel_rate)
			VALUES (?, ?, ?, ?, ?)`,
			ts, sm.Speed, sm.RPM, nullFloat(sm.Throttle), nullFloat(sm.FuelRate))
		return err
	})
}

// SamplesInRange returns samples with from <= timestamp < to, oldest first.
func (s *Store) SamplesInRange(ctx context.Context, from, to time.Time) ([]Sample, error) {
	return s.samplesBetween(ctx, toMillis(from), toMillis(to))
}

// SessionSamples returns the samples inside a session's window.
func (s *Store) SessionSamples(ctx context.Context, id int64) ([]Sample, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	from, to := sessionWindow(sess)
	return s.samplesBetween(ctx, from, to)
}

// LastSample returns the newest sample, or nil.
func (s *Store) LastSample(ctx context.Context) (*Sample, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ts_ms, speed, rpm, throttle, fuel_rate FROM samples
		ORDER BY ts_ms DESC LIMIT 1`)
	sm, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, readErr(err)
	}
	return &sm, nil
}

func (s *Store) samplesBetween(ctx context.Context, from, to int64) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts_ms, speed, rpm, throttle, fuel_rate FROM samples
		WHERE ts_ms >= ? AND ts_ms < ?
		ORDER BY ts_ms`, from, to)
	if err != nil {
		return nil, readErr(err)
	}
	defer rows.Close()

	samples := []Sample{}
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			return nil, readErr(err)
		}
		samples = append(samples, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr(err)
	}
	return samples, nil
}

func scanSample(r rowScanner) (Sample, error) {
	var (
		sm       Sample
		ts       int64
		throttle sql.NullFloat64
		fuel     sql.NullFloat64
	)
	if err := r.Scan(&ts, &sm.Speed, &sm.RPM, &throttle, &fuel); err != nil {
		return Sample{}, err
	}
	sm.Timestamp = fromMillis(ts)
	if throttle.Valid {
		sm.Throttle = &throttle.Float64
	}
	if fuel.Valid {
		sm.FuelRate = &fuel.Float64
	}
	return sm, nil
}

func sessionWindow(sess Session) (int64, int64) {
	to := int64(math.MaxInt64)
	if sess.End != nil {
		to = toMillis(*sess.End)
	}
	return sess.ID, to
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
