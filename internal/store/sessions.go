package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/shaunagostinho/obdlog/internal/errors"
)

const sessionColumns = `start_ms, end_ms, driver`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var (
		s     Session
		start int64
		end   sql.NullInt64
	)
	if err := r.Scan(&start, &end, &s.Driver); err != nil {
		return Session{}, err
	}
	s.ID = start
	s.Start = fromMillis(start)
	if end.Valid {
		t := fromMillis(end.Int64)
		s.End = &t
	}
	return s, nil
}

// BeginSession opens a session for driver. The start is moved forward when
// needed so the new window does not overlap any earlier session or sample.
func (s *Store) BeginSession(ctx context.Context, driver string, start time.Time) (Session, error) {
	errFactory := errors.New()
	var sess Session

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := getDriver(ctx, tx, driver)
		if err != nil {
			return err
		}

		var active int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE end_ms IS NULL`).Scan(&active); err != nil {
			return err
		}
		if active > 0 {
			return errFactory.New(errors.ErrSessionActive)
		}

		startMs := toMillis(start)
		var floor sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
			SELECT MAX(v) FROM (
				SELECT MAX(end_ms) AS v FROM sessions
				UNION ALL SELECT MAX(start_ms) + 1 FROM sessions
				UNION ALL SELECT MAX(ts_ms) + 1 FROM samples
			)`).Scan(&floor); err != nil {
			return err
		}
		if floor.Valid && floor.Int64 > startMs {
			startMs = floor.Int64
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (start_ms, end_ms, driver) VALUES (?, NULL, ?)`,
			startMs, d.Name); err != nil {
			return err
		}

		sess = Session{ID: startMs, Start: fromMillis(startMs), Driver: d.Name}
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	s.log.Info().Int64("session", sess.ID).Str("driver", sess.Driver).Msg("session started")
	return sess, nil
}

// EndSession closes the session with the given id. The end is moved past
// the last recorded sample so every sample stays inside [start, end).
func (s *Store) EndSession(ctx context.Context, id int64, end time.Time) (Session, error) {
	errFactory := errors.New()
	var sess Session

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		sess, err = scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE start_ms = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return errFactory.WithData(errors.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if !sess.Active() {
			return errFactory.WithData(errors.ErrNoActiveSession, id)
		}

		endMs := toMillis(end)
		if endMs < id {
			endMs = id
		}
		var last sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(ts_ms) FROM samples WHERE ts_ms >= ?`, id).Scan(&last); err != nil {
			return err
		}
		if last.Valid && last.Int64 >= endMs {
			endMs = last.Int64 + 1
		}

		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET end_ms = ? WHERE start_ms = ?`, endMs, id); err != nil {
			return err
		}
		t := fromMillis(endMs)
		sess.End = &t
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	s.log.Info().Int64("session", id).Time("end", *sess.End).Msg("session ended")
	return sess, nil
}

// closeStaleSessions ends a session left open by a process that exited
// without tearing down.
func (s *Store) closeStaleSessions(ctx context.Context) error {
	active, err := s.ActiveSession(ctx)
	if err != nil || active == nil {
		return err
	}
	s.log.Warn().Int64("session", active.ID).Msg("closing session left open by a previous run")
	_, err = s.EndSession(ctx, active.ID, active.Start)
	return err
}

// ActiveSession returns the open session, or nil if there is none.
func (s *Store) ActiveSession(ctx context.Context) (*Session, error) {
	return s.oneSession(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE end_ms IS NULL`)
}

// LatestSession returns the most recently started session, or nil.
func (s *Store) LatestSession(ctx context.Context) (*Session, error) {
	return s.oneSession(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY start_ms DESC LIMIT 1`)
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id int64) (Session, error) {
	sess, err := s.oneSession(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE start_ms = ?`, id)
	if err != nil {
		return Session{}, err
	}
	if sess == nil {
		return Session{}, errors.New().WithData(errors.ErrNotFound, id)
	}
	return *sess, nil
}

func (s *Store) oneSession(ctx context.Context, query string, args ...any) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, readErr(err)
	}
	return &sess, nil
}

// ListSessions returns up to limit sessions, newest first. A limit of 0
// or less returns all of them.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY start_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, readErr(err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, readErr(err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr(err)
	}
	return sessions, nil
}
