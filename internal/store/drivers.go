package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/shaunagostinho/obdlog/internal/errors"
)

func driverKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CreateDriver adds a driver. Names that differ only in case are duplicates.
func (s *Store) CreateDriver(ctx context.Context, name string) (Driver, error) {
	errFactory := errors.New()

	name = strings.TrimSpace(name)
	if name == "" {
		return Driver{}, errFactory.WithMessage(errors.ErrInvalidArgument, "driver name is empty")
	}
	d := Driver{Name: name, CreatedAt: time.Now()}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT name FROM drivers WHERE name_key = ?`, driverKey(name)).Scan(&existing)
		switch {
		case err == nil:
			return errFactory.WithData(errors.ErrDuplicateDriver, existing)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO drivers (name, name_key, created_ms) VALUES (?, ?, ?)`,
			d.Name, driverKey(name), toMillis(d.CreatedAt))
		return err
	})
	if err != nil {
		return Driver{}, err
	}

	s.log.Info().Str("driver", name).Msg("driver created")
	return d, nil
}

// GetDriver finds a driver by name, ignoring case.
func (s *Store) GetDriver(ctx context.Context, name string) (Driver, error) {
	return getDriver(ctx, s.db, name)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDriver(ctx context.Context, q queryRower, name string) (Driver, error) {
	var (
		d  Driver
		ms int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT name, created_ms FROM drivers WHERE name_key = ?`, driverKey(name)).Scan(&d.Name, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Driver{}, errors.New().WithData(errors.ErrDriverNotFound, name)
	}
	if err != nil {
		return Driver{}, readErr(err)
	}
	d.CreatedAt = fromMillis(ms)
	return d, nil
}

// ListDrivers returns all drivers sorted by name.
func (s *Store) ListDrivers(ctx context.Context) ([]Driver, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, created_ms FROM drivers ORDER BY name_key`)
	if err != nil {
		return nil, readErr(err)
	}
	defer rows.Close()

	drivers := []Driver{}
	for rows.Next() {
		var (
			d  Driver
			ms int64
		)
		if err := rows.Scan(&d.Name, &ms); err != nil {
			return nil, readErr(err)
		}
		d.CreatedAt = fromMillis(ms)
		drivers = append(drivers, d)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr(err)
	}
	return drivers, nil
}
