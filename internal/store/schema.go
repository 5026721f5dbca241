package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdlog/internal/errors"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	CREATE TABLE IF NOT EXISTS schema_versions (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS drivers (
		name       TEXT PRIMARY KEY,
		name_key   TEXT NOT NULL UNIQUE,
		created_ms INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		start_ms INTEGER PRIMARY KEY,
		end_ms   INTEGER CHECK (end_ms IS NULL OR end_ms >= start_ms),
		driver   TEXT NOT NULL REFERENCES drivers(name)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS sessions_single_active
		ON sessions ((end_ms IS NULL)) WHERE end_ms IS NULL;
	CREATE TABLE IF NOT EXISTS samples (
		ts_ms     INTEGER PRIMARY KEY,
		speed     INTEGER NOT NULL CHECK (typeof(speed) = 'integer'),
		rpm       INTEGER NOT NULL CHECK (typeof(rpm) = 'integer'),
		throttle  REAL,
		fuel_rate REAL
	);`

	dropTablesSQL = `
	DROP TABLE IF EXISTS samples;
	DROP TABLE IF EXISTS sessions;
	DROP TABLE IF EXISTS drivers;
	DROP TABLE IF EXISTS schema_versions;`
)

// initSchema creates the tables and records the schema version.
func initSchema(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	errFactory := errors.New()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(errors.ErrSchema, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("rollback failed")
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, createTablesSQL); err != nil {
		return errFactory.WithData(errors.ErrSchema, struct {
			Phase string
			Error string
		}{
			Phase: "create_tables",
			Error: err.Error(),
		})
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_versions (version, applied_at)
		VALUES (?, datetime('now'))`, SchemaVersion); err != nil {
		return errFactory.WithData(errors.ErrSchema, struct {
			Phase string
			Error string
		}{
			Phase: "record_version",
			Error: err.Error(),
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(errors.ErrSchema, err)
	}
	committed = true

	log.Info().Int("version", SchemaVersion).Msg("schema initialized")
	return nil
}

// schemaVersion returns the recorded version, 0 for an empty database.
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	exists, err := tableExists(ctx, db, "schema_versions")
	if err != nil || !exists {
		return 0, err
	}

	var version int
	err = db.QueryRowContext(ctx, `
		SELECT version FROM schema_versions
		ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.New().Wrap(errors.ErrSchema, err)
	}
	return version, nil
}

func tableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?
		)`, table).Scan(&exists)
	if err != nil {
		return false, errors.New().Wrap(errors.ErrSchema, err)
	}
	return exists, nil
}

// validateAndUpdateSchema creates the schema on a fresh database. On a
// version mismatch the old file is copied to backupDir before the tables
// are recreated.
func validateAndUpdateSchema(ctx context.Context, db *sql.DB, backupDir string, log zerolog.Logger) error {
	version, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if version == SchemaVersion {
		log.Debug().Int("version", version).Msg("schema is current")
		return nil
	}

	if version != 0 {
		path, err := backupDatabase(ctx, db, backupDir, version)
		if err != nil {
			return err
		}
		log.Warn().Int("from", version).Int("to", SchemaVersion).Str("backup", path).Msg("schema version changed, recreating")
		if _, err := db.ExecContext(ctx, dropTablesSQL); err != nil {
			return errors.New().Wrap(errors.ErrSchema, err)
		}
	}
	return initSchema(ctx, db, log)
}

func backupDatabase(ctx context.Context, db *sql.DB, dir string, version int) (string, error) {
	errFactory := errors.New()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errFactory.WithData(errors.ErrSchema, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_backup_dir",
			Path:  dir,
			Error: err.Error(),
		})
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")
	path := filepath.Join(dir, fmt.Sprintf("obdlog_v%d_%s.db", version, stamp))

	// VACUUM INTO requires no active transaction
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return "", errFactory.WithData(errors.ErrSchema, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_backup",
			Path:  path,
			Error: err.Error(),
		})
	}
	return path, nil
}
