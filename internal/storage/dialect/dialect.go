// Package dialect papers over the SQL differences between the supported
// registry backends.
package dialect

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// DriverName returns the database/sql driver name to use.
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	Rebind(query string) string

	// AutoIncrementClause returns the column definition for a surrogate key.
	AutoIncrementClause() string

	// TimestampType returns the SQL type for timestamps.
	TimestampType() string

	// InsertIgnoreClause returns the clause that turns a conflicting insert
	// into a no-op.
	InsertIgnoreClause(conflictColumn string) string

	// PragmaStatements returns connection setup statements.
	PragmaStatements() []string
}

// DialectType represents supported database types.
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
)

// FromDriverName returns the dialect for a configured driver name.
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string                { return string(SQLite) }
func (sqliteDialect) DriverName() string          { return "sqlite" }
func (sqliteDialect) Rebind(query string) string  { return query }
func (sqliteDialect) AutoIncrementClause() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) TimestampType() string       { return "TIMESTAMP" }

func (sqliteDialect) InsertIgnoreClause(col string) string {
	return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", col)
}

func (sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string                { return string(Postgres) }
func (postgresDialect) DriverName() string          { return "pgx" }
func (postgresDialect) AutoIncrementClause() string { return "BIGSERIAL PRIMARY KEY" }
func (postgresDialect) TimestampType() string       { return "TIMESTAMP WITH TIME ZONE" }
func (postgresDialect) PragmaStatements() []string  { return nil }

// Rebind converts ? placeholders to $1, $2, ...
func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(idx))
			idx++
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (postgresDialect) InsertIgnoreClause(col string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", col)
}
