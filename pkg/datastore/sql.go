// Package datastore provides the SQL persistence layer for accounts and
// records on SQLite or PostgreSQL.
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/NicolasHaas/gorecord/pkg/pool"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// DB is the query surface shared by *sql.DB, *sql.Conn and *sql.Tx.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// provider runs queries against one DB handle, normally a unit's *sql.Tx.
type provider struct {
	db      DB
	dialect Dialect
}

// NewProvider binds a DataStore to db.
func NewProvider(db DB, d Dialect) DataStore {
	return &provider{db: db, dialect: d}
}

func (p *provider) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return p.db.ExecContext(ctx, p.dialect.Rebind(query), args...)
}

func (p *provider) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return p.db.QueryContext(ctx, p.dialect.Rebind(query), args...)
}

func (p *provider) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return p.db.QueryRowContext(ctx, p.dialect.Rebind(query), args...)
}

// ProviderFactory runs DataStore work inside pooled transactions.
type ProviderFactory struct {
	units   Transactor
	dialect Dialect

	pool *pool.Pool
	db   *sql.DB
}

// NewProviderFactory wraps an existing transactor.
func NewProviderFactory(units Transactor, d Dialect) *ProviderFactory {
	return &ProviderFactory{units: units, dialect: d}
}

// Tx runs fn against a DataStore bound to a single transaction. The unit
// commits when fn returns nil and rolls back otherwise.
func (f *ProviderFactory) Tx(ctx context.Context, fn func(DataStore) error) error {
	return f.units.Transact(ctx, func(tx *sql.Tx) error {
		return fn(NewProvider(tx, f.dialect))
	})
}

// Dialect returns the backend dialect.
func (f *ProviderFactory) Dialect() Dialect { return f.dialect }

// Pool returns the connection pool opened by Connect, or nil.
func (f *ProviderFactory) Pool() *pool.Pool { return f.pool }

// Close closes the pool and the database opened by Connect.
func (f *ProviderFactory) Close() error {
	if f.pool != nil {
		f.pool.Close()
	}
	if f.db != nil {
		return f.db.Close()
	}
	return nil
}

// Open opens the database for a driver, applies the dialect's one-time
// settings and runs migrations.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, Dialect{}, err
	}
	db, err := sql.Open(d.DriverName, d.DSN(dsn))
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("datastore: open DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Dialect{}, fmt.Errorf("datastore: ping: %w", err)
	}
	for _, stmt := range d.Prepare {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, Dialect{}, fmt.Errorf("datastore: %s: %w", stmt, err)
		}
	}
	if err := Migrate(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, Dialect{}, fmt.Errorf("datastore: migrate: %w", err)
	}
	return db, d, nil
}

// Connect opens and migrates the database and builds a pool of poolSize
// connections over it.
func Connect(ctx context.Context, driver, dsn string, poolSize int) (*ProviderFactory, error) {
	db, d, err := Open(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	p, err := pool.New(ctx, db, pool.Options{Size: poolSize, SessionInit: d.SessionInit})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: %w", err)
	}
	f := NewProviderFactory(p, d)
	f.pool = p
	f.db = db
	return f, nil
}

// migration is one schema version. Statements may use the {{id}}, {{blob}}
// and {{real}} column type markers.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS accounts (
				id            {{id}},
				username      TEXT   NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
				password_hash {{blob}} NOT NULL,
				salt          {{blob}} NOT NULL,
				role          TEXT   NOT NULL DEFAULT 'user' CHECK(role IN ('admin', 'user')),
				created_at    TEXT   NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS records (
				id         TEXT   PRIMARY KEY CHECK(length(id) > 0 AND length(id) <= 32),
				name       TEXT   NOT NULL,
				gender     TEXT   NOT NULL DEFAULT '',
				score1     {{real}} NOT NULL DEFAULT 0 CHECK(score1 >= 0 AND score1 <= 100),
				score2     {{real}} NOT NULL DEFAULT 0 CHECK(score2 >= 0 AND score2 <= 100),
				score3     {{real}} NOT NULL DEFAULT 0 CHECK(score3 >= 0 AND score3 <= 100),
				created_at TEXT   NOT NULL,
				updated_at TEXT   NOT NULL
			)`,
		},
	},
	{
		version: 2,
		statements: []string{
			"CREATE INDEX IF NOT EXISTS idx_records_name ON records (name)",
		},
	},
}

// Migrate brings the schema up to the latest version.
func Migrate(ctx context.Context, db DB, d Dialect) error {
	if err := ensureSchemaMigrations(ctx, db); err != nil {
		return err
	}
	currentVersion, err := getSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := db.ExecContext(ctx, d.expand(stmt)); err != nil {
				return fmt.Errorf("datastore: migrate to %d: %w", m.version, err)
			}
		}
		if _, err := db.ExecContext(ctx, d.Rebind("UPDATE schema_migrations SET version = ?"), m.version); err != nil {
			return fmt.Errorf("datastore: update schema version: %w", err)
		}
	}
	return nil
}

// SchemaVersion returns the applied schema version.
func SchemaVersion(ctx context.Context, db DB) (int, error) {
	return getSchemaVersion(ctx, db)
}

func ensureSchemaMigrations(ctx context.Context, db DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func getSchemaVersion(ctx context.Context, db DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

// storeErr wraps a driver failure so callers can classify it as a store error.
func storeErr(op string, err error) error {
	return fmt.Errorf("datastore: %s: %w: %w", op, pool.ErrStore, err)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// now is the clock used for created_at and updated_at, truncated to the
// stored precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
