package db

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported databases
type Dialect interface {
	// Name returns the dialect name used for migrations and logging
	Name() string

	// Rebind rewrites '?' placeholders into the dialect's bind syntax
	Rebind(query string) string

	// JSONType is the column type used for JSON documents
	JSONType() string

	// ByteOrder returns an ORDER BY term that sorts column by its bytes
	ByteOrder(column string) string
}

var (
	// Postgres is the PostgreSQL dialect ($n placeholders, JSONB)
	Postgres Dialect = postgresDialect{}

	// SQLite is the SQLite dialect (? placeholders, TEXT JSON)
	SQLite Dialect = sqliteDialect{}
)

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) JSONType() string { return "JSONB" }

func (postgresDialect) ByteOrder(column string) string { return column + ` COLLATE "C"` }

// Rebind replaces each '?' outside of string literals with $1, $2, ...
func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inLiteral := false
	for _, r := range query {
		switch {
		case r == '\'':
			inLiteral = !inLiteral
			b.WriteRune(r)
		case r == '?' && !inLiteral:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite3" }

func (sqliteDialect) JSONType() string { return "TEXT" }

// ByteOrder relies on SQLite's default BINARY collation
func (sqliteDialect) ByteOrder(column string) string { return column }

func (sqliteDialect) Rebind(query string) string { return query }
