package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownTable marks introspection of a table the backend does not have.
var ErrUnknownTable = errors.New("unknown table")

// ColumnCache caches per-table column lists discovered from the backend
// catalog. Entries are replaced wholesale on miss; the cache is safe for
// concurrent use.
type ColumnCache struct {
	dialect Dialect

	mu      sync.Mutex
	columns map[string][]string // table -> upper-cased column names
}

// NewColumnCache creates an empty cache for the given dialect.
func NewColumnCache(dialect Dialect) *ColumnCache {
	return &ColumnCache{
		dialect: dialect,
		columns: make(map[string][]string),
	}
}

// Columns returns the column names of a table, upper-cased, loading them
// from the catalog on first access.
func (c *ColumnCache) Columns(ctx context.Context, q Querier, table string) ([]string, error) {
	c.mu.Lock()
	if cols, ok := c.columns[table]; ok {
		c.mu.Unlock()
		return cols, nil
	}
	c.mu.Unlock()

	cols, err := c.load(ctx, q, table)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.columns[table] = cols
	c.mu.Unlock()
	return cols, nil
}

// HasColumn reports whether a table carries the given column.
func (c *ColumnCache) HasColumn(ctx context.Context, q Querier, table, column string) (bool, error) {
	cols, err := c.Columns(ctx, q, table)
	if err != nil {
		return false, err
	}
	upper := strings.ToUpper(column)
	for _, col := range cols {
		if col == upper {
			return true, nil
		}
	}
	return false, nil
}

// Invalidate drops a table's cached entry so the next access reloads it.
func (c *ColumnCache) Invalidate(table string) {
	c.mu.Lock()
	delete(c.columns, table)
	c.mu.Unlock()
}

func (c *ColumnCache) load(ctx context.Context, q Querier, table string) ([]string, error) {
	sql, arg := c.dialect.ColumnQuery(table)
	rows, err := q.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("introspect columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column name: %w", err)
		}
		cols = append(cols, strings.ToUpper(name))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s has no columns", ErrUnknownTable, table)
	}
	return cols, nil
}
