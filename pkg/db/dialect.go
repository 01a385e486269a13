package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/statorio/stator/pkg/core"
)

// Dialect abstracts the SQL differences between the supported drivers so the
// stores can build one statement text and run it anywhere.
type Dialect interface {
	// Name returns the driver name this dialect serves
	Name() string

	// Rebind rewrites "?" placeholders into the driver's native form
	Rebind(query string) string

	// AutoPrimaryKey returns the column definition for an auto-incrementing
	// primary key
	AutoPrimaryKey() string

	// CurrentEpochMillis returns an SQL expression yielding the current time
	// as milliseconds since the Unix epoch
	CurrentEpochMillis() string

	// TablesLike returns a query selecting the names of tables matching a
	// LIKE pattern. The query takes the pattern as its only argument and is
	// already in the driver's native placeholder form.
	TablesLike() string
}

// DialectFor returns the dialect for a database/sql driver name.
// Fail-fast: Rejects drivers the stores do not support.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case "postgres":
		return postgresDialect{}, nil
	case "sqlite3":
		return sqliteDialect{}, nil
	default:
		return nil, core.NewError(core.CodeConfig,
			fmt.Sprintf("unsupported driver: %s (supported: postgres, sqlite3)", driverName))
	}
}

// IsMissingTable reports whether err means the queried table does not exist.
// The stores treat a missing daily table as an empty result rather than a
// failure, since tables are only created on first write.
func IsMissingTable(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 42P01 = undefined_table
		return pqErr.Code == "42P01"
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return strings.Contains(sqliteErr.Error(), "no such table")
	}

	return strings.Contains(err.Error(), "no such table") ||
		strings.Contains(err.Error(), "does not exist")
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

// Rebind rewrites "?" into "$1", "$2", ... skipping quoted literals.
func (postgresDialect) Rebind(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 8)

	n := 0
	inLiteral := false
	for _, r := range query {
		switch {
		case r == '\'':
			inLiteral = !inLiteral
			sb.WriteRune(r)
		case r == '?' && !inLiteral:
			n++
			fmt.Fprintf(&sb, "$%d", n)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func (postgresDialect) AutoPrimaryKey() string { return "BIGSERIAL PRIMARY KEY" }

func (postgresDialect) CurrentEpochMillis() string {
	return "(EXTRACT(EPOCH FROM NOW()) * 1000)::BIGINT"
}

func (postgresDialect) TablesLike() string {
	return "SELECT tablename FROM pg_tables WHERE schemaname = current_schema() AND tablename LIKE $1"
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite3" }

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) AutoPrimaryKey() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

func (sqliteDialect) CurrentEpochMillis() string {
	return "CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)"
}

func (sqliteDialect) TablesLike() string {
	return "SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ?"
}

var (
	_ Dialect = postgresDialect{}
	_ Dialect = sqliteDialect{}
)
