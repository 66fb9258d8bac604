// Package postgres stores durable telemetry in PostgreSQL (or TimescaleDB),
// one table per driver named <prefix>_<driver>.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"

	"github.com/zam-cv/microtime/broker/store"
	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
)

// DefaultPrefix names the tables when no prefix is configured.
const DefaultPrefix = "telemetry"

var identifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Store inserts envelopes into the table of their driver.
type Store struct {
	db      *sql.DB
	tables  map[message.Driver]string
	inserts map[message.Driver]string
}

var _ store.Store = (*Store)(nil)

// Open connects using a lib/pq DSN.
func Open(ctx context.Context, dsn, prefix string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.WrapInvalid(err, "postgres", "Open", "parse dsn")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"postgres", "Open", "ping database")
	}
	s, err := New(db, prefix)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database handle.
func New(db *sql.DB, prefix string) (*Store, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !identifier.MatchString(prefix) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: table prefix %q", errors.ErrInvalidConfig, prefix),
			"postgres", "New", "validate table prefix")
	}

	s := &Store{
		db:      db,
		tables:  make(map[message.Driver]string, len(message.Drivers)),
		inserts: make(map[message.Driver]string, len(message.Drivers)),
	}
	for _, d := range message.Drivers {
		table := prefix + "_" + string(d)
		s.tables[d] = table
		s.inserts[d] = "INSERT INTO " + table + " (ts, payload) VALUES (to_timestamp($1), $2)"
	}
	return s, nil
}

// Table returns the table holding driver's readings.
func (s *Store) Table(driver message.Driver) string {
	return s.tables[driver]
}

// Migrate creates any missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, d := range message.Drivers {
		table := s.tables[d]
		ddl := "CREATE TABLE IF NOT EXISTS " + table + ` (
	id BIGSERIAL PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return errors.Wrap(err, "postgres", "Migrate", "create table "+table)
		}
		idx := "CREATE INDEX IF NOT EXISTS " + table + "_ts ON " + table + " (ts)"
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return errors.Wrap(err, "postgres", "Migrate", "create index on "+table)
		}
	}
	return nil
}

// Insert writes one row.
func (s *Store) Insert(ctx context.Context, driver message.Driver, env message.Envelope) error {
	rec, err := store.NewRecord(driver, env)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.inserts[driver], rec.Timestamp, rec.Payload); err != nil {
		return errors.WrapTransient(err, "postgres", "Insert", "insert into "+s.tables[driver])
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}
