package datastore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Supported driver names, as accepted by --db-driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Dialect captures what differs between the supported SQL backends.
type Dialect struct {
	// Name is the --db-driver value.
	Name string
	// DriverName is the database/sql driver to open.
	DriverName string
	// SessionInit statements run once on every pooled connection.
	SessionInit []string
	// Prepare statements run once on the database after opening.
	Prepare []string
	// DSNParams are query parameters added to the DSN unless already set.
	DSNParams []string

	idColumn   string
	blobColumn string
	realColumn string
	positional bool
}

var dialects = map[string]Dialect{
	DriverSQLite: {
		Name:       DriverSQLite,
		DriverName: "sqlite",
		// SQLite transactions are serializable; only per-connection
		// pragmas need setting.
		SessionInit: []string{
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		},
		Prepare: []string{
			"PRAGMA journal_mode=WAL",
		},
		// Units read before they write. A deferred transaction cannot
		// upgrade to a write lock while another writer holds it, and
		// busy_timeout does not apply to that upgrade.
		DSNParams: []string{"_txlock=immediate"},

		idColumn:   "INTEGER PRIMARY KEY AUTOINCREMENT",
		blobColumn: "BLOB",
		realColumn: "REAL",
	},
	DriverPostgres: {
		Name:       DriverPostgres,
		DriverName: "pgx",
		SessionInit: []string{
			"SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL REPEATABLE READ",
		},
		idColumn:   "BIGSERIAL PRIMARY KEY",
		blobColumn: "BYTEA",
		realColumn: "DOUBLE PRECISION",
		positional: true,
	},
}

// DialectFor returns the dialect for a driver name.
func DialectFor(name string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Dialect{}, fmt.Errorf("datastore: unknown driver %q (valid: %s)", name, DriverNames())
	}
	return d, nil
}

// DriverNames lists the supported driver names, useful for --help text.
func DriverNames() string {
	return DriverSQLite + ", " + DriverPostgres
}

// DSN returns dsn with the dialect's parameters appended. A parameter whose
// key already appears in dsn is left alone.
func (d Dialect) DSN(dsn string) string {
	for _, param := range d.DSNParams {
		key, _, _ := strings.Cut(param, "=")
		if strings.Contains(dsn, key+"=") {
			continue
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + param
	}
	return dsn
}

// Rebind rewrites '?' placeholders to the dialect's placeholder style.
// Queries in this package never contain a literal '?'.
func (d Dialect) Rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// expand fills the column type markers of a schema statement.
func (d Dialect) expand(stmt string) string {
	return strings.NewReplacer(
		"{{id}}", d.idColumn,
		"{{blob}}", d.blobColumn,
		"{{real}}", d.realColumn,
	).Replace(stmt)
}

// IsUniqueViolation reports whether err is a unique or primary key
// constraint failure from either backend.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(liteErr.Error(), "UNIQUE")
		}
	}
	return false
}
