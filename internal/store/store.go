// Package store persists drivers, sessions and samples in SQLite. Every
// write runs in its own transaction so readers see either the state
// before or after it.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/logger"
)

const defaultDirPerm = 0o755

type Store struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// Open creates or opens the database at path, migrating the schema and
// closing any session a previous process left open.
func Open(ctx context.Context, path string) (*Store, error) {
	errFactory := errors.New()
	log := logger.For("store")

	if path == "" {
		return nil, errFactory.WithMessage(errors.ErrStorageInit, "empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(errors.ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  path,
			Error: err.Error(),
		})
	}

	dsn := path + "?_journal=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrStorageInit, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errFactory.Wrap(errors.ErrStorageInit, err)
	}

	backups := filepath.Join(filepath.Dir(path), "backups")
	if err := validateAndUpdateSchema(ctx, db, backups, log); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, path: path, log: log}
	if err := s.closeStaleSessions(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Int("schema_version", SchemaVersion).Msg("store opened")
	return s, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	errFactory := errors.New()

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Err(err).Msg("wal checkpoint failed")
	}
	if err := s.db.Close(); err != nil {
		return errFactory.Wrap(errors.ErrStorageClose, err)
	}
	s.log.Info().Msg("store closed")
	return nil
}

// withTx runs fn in a transaction. Uncoded errors from fn are reported as
// write failures.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	errFactory := errors.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(errors.ErrStorageWrite, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				s.log.Debug().Err(err).Msg("rollback failed")
			}
		}
	}()

	if err := fn(tx); err != nil {
		if errors.CodeOf(err) == "" {
			return errFactory.Wrap(errors.ErrStorageWrite, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(errors.ErrStorageWrite, err)
	}
	committed = true
	return nil
}

func readErr(err error) error {
	return errors.New().Wrap(errors.ErrStorageRead, err)
}
