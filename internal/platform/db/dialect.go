package db

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Dialect hides the differences between the two supported backends:
// PostgreSQL proper and H2 in PostgreSQL-compatibility mode. Both speak the
// same wire protocol through pgx; they differ in catalog introspection,
// binary-literal syntax and mass-clear semantics.
type Dialect interface {
	// Name returns the configured backend name ("postgresql" or "h2").
	Name() string
	// ColumnQuery returns the query and argument that list a table's
	// column names from the backend's catalog.
	ColumnQuery(table string) (sql string, arg string)
	// BinaryLiteral renders a byte slice as a SQL literal the backend
	// accepts in generated statements.
	BinaryLiteral(b []byte) string
	// ClearStatements returns the statements that wipe the given tables.
	ClearStatements(tables []string) []string
}

// NewDialect resolves a backend name to its dialect.
func NewDialect(backend string) (Dialect, error) {
	switch backend {
	case "postgresql":
		return postgresDialect{}, nil
	case "h2":
		return h2Dialect{}, nil
	default:
		return nil, fmt.Errorf("unknown database backend %q", backend)
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgresql" }

// ColumnQuery uses information_schema; unquoted identifiers fold to lower
// case in PostgreSQL, so the table name is matched lower-cased.
func (postgresDialect) ColumnQuery(table string) (string, string) {
	return `SELECT column_name FROM information_schema.columns WHERE table_name = $1`,
		strings.ToLower(table)
}

func (postgresDialect) BinaryLiteral(b []byte) string {
	return fmt.Sprintf("decode('%s', 'hex')", hex.EncodeToString(b))
}

// ClearStatements truncates all tables in one cascading statement.
func (postgresDialect) ClearStatements(tables []string) []string {
	if len(tables) == 0 {
		return nil
	}
	return []string{"TRUNCATE TABLE " + strings.Join(tables, ", ") + " CASCADE"}
}

type h2Dialect struct{}

func (h2Dialect) Name() string { return "h2" }

// ColumnQuery matches H2's upper-cased catalog names.
func (h2Dialect) ColumnQuery(table string) (string, string) {
	return `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_NAME = $1`,
		strings.ToUpper(table)
}

func (h2Dialect) BinaryLiteral(b []byte) string {
	return "X'" + hex.EncodeToString(b) + "'"
}

// ClearStatements deletes serially; H2 has no cascading truncate.
func (h2Dialect) ClearStatements(tables []string) []string {
	stmts := make([]string, len(tables))
	for i, t := range tables {
		stmts[i] = "DELETE FROM " + t
	}
	return stmts
}
