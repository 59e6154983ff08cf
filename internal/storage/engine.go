package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/carewire/fhir-server/internal/platform/db"
	"github.com/carewire/fhir-server/internal/platform/fhir"
)

// Error kinds surfaced to the HTTP layer. Inner failures are wrapped so
// errors.Is keeps working across the engine.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidReference = errors.New("invalid reference")
	ErrUnsupportedParam = errors.New("unsupported parameter")
	ErrFormat           = fhir.ErrFormat
)

// Options configures engine behaviour.
type Options struct {
	// UseServerGeneratedIDs assigns UUID-v1-derived ids on POST. When
	// false the client must supply an id in the request body.
	UseServerGeneratedIDs bool
}

// Engine is the storage-and-query engine: it persists resources as canonical
// JSON blobs, materialises search parameters into typed columns and side
// tables, and maintains the reference graph. The database is the only state;
// the engine itself is safe for concurrent use.
type Engine struct {
	q       db.Querier
	dialect db.Dialect
	cols    *db.ColumnCache
	refs    *RefStore
	catalog *Catalog
	custom  *CustomStore
	history *HistoryStore
	extract *Extractor
	log     zerolog.Logger
	opts    Options

	// Writes to the same (resourceType, id) are serialized in-process;
	// the engine does not rely on SQL isolation for version counters.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

// NewEngine wires the engine and its sub-stores.
func NewEngine(q db.Querier, dialect db.Dialect, log zerolog.Logger, opts Options) *Engine {
	return &Engine{
		q:       q,
		dialect: dialect,
		cols:    db.NewColumnCache(dialect),
		refs:    &RefStore{},
		catalog: &Catalog{},
		custom:  &CustomStore{},
		history: &HistoryStore{},
		extract: NewExtractor(log),
		log:     log,
		opts:    opts,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockResource serializes writes on one (resourceType, id) pair.
func (e *Engine) lockResource(resourceType, id string) func() {
	key := resourceType + "/" + id
	e.locksMu.Lock()
	mu, ok := e.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[key] = mu
	}
	e.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// metadata columns every resource table carries.
const (
	colVersionID    = "VERSION_ID"
	colCreatedAt    = "CREATED_AT"
	colUpdatedAt    = "UPDATED_AT"
	colLastUpdated  = "LAST_UPDATED"
	colResourceJSON = "RESOURCE_JSON"
)

func isMetadataColumn(col string) bool {
	switch col {
	case colVersionID, colCreatedAt, colUpdatedAt, colLastUpdated, colResourceJSON:
		return true
	}
	return false
}

// paramColumns returns a table's search-parameter columns: everything except
// the primary key and the metadata columns.
func (e *Engine) paramColumns(ctx context.Context, resourceType string) ([]string, error) {
	cols, err := e.cols.Columns(ctx, e.q, fhir.TableName(resourceType))
	if err != nil {
		return nil, err
	}
	pk := fhir.PrimaryKey(resourceType)
	var params []string
	for _, col := range cols {
		if col == pk || isMetadataColumn(col) {
			continue
		}
		params = append(params, col)
	}
	return params, nil
}

// exists reports whether a resource row is live.
func (e *Engine) exists(ctx context.Context, resourceType, id string) (bool, error) {
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = $1",
		fhir.TableName(resourceType), fhir.PrimaryKey(resourceType))
	var one int
	err := e.q.QueryRow(ctx, query, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check existence of %s/%s: %w", resourceType, id, err)
	}
	return true, nil
}

// snapshotRow reads every column of a resource row into a map keyed by
// upper-cased column name. Used as the compensation backup.
func (e *Engine) snapshotRow(ctx context.Context, resourceType, id string) (map[string]interface{}, error) {
	table := fhir.TableName(resourceType)
	cols, err := e.cols.Columns(ctx, e.q, table)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		strings.Join(cols, ", "), table, fhir.PrimaryKey(resourceType))
	rows, err := e.q.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s/%s: %w", resourceType, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("snapshot %s/%s: %w", resourceType, id, err)
		}
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
	}
	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("snapshot values of %s/%s: %w", resourceType, id, err)
	}

	snapshot := make(map[string]interface{}, len(cols))
	for i, col := range cols {
		snapshot[col] = values[i]
	}
	return snapshot, nil
}

// validateReferences enforces referential integrity: every reference
// embedded in the resource must resolve to a live row before the write
// commits. A target of an unsupported type is as dead as a missing row;
// database failures during the lookup propagate as-is.
func (e *Engine) validateReferences(ctx context.Context, edges []EdgeCapture) error {
	for _, edge := range edges {
		if _, err := e.cols.Columns(ctx, e.q, fhir.TableName(edge.TargetType)); err != nil {
			if errors.Is(err, db.ErrUnknownTable) {
				return fmt.Errorf("%w: %s/%s", ErrInvalidReference, edge.TargetType, edge.TargetID)
			}
			return err
		}
		live, err := e.exists(ctx, edge.TargetType, edge.TargetID)
		if err != nil {
			return err
		}
		if !live {
			return fmt.Errorf("%w: %s/%s", ErrInvalidReference, edge.TargetType, edge.TargetID)
		}
	}
	return nil
}

// nowStamp is the single clock read used for a write's timestamps.
func nowStamp() time.Time {
	return time.Now().UTC()
}
