package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carewire/fhir-server/internal/platform/db"
)

// ReferenceEdge is one row of the reference graph. The graph, not the
// resource blobs, is the source of truth for reference-based queries,
// _include/_revinclude and cascading operations.
type ReferenceEdge struct {
	ID               string
	SourceType       string
	SourceID         string
	SourceExpression string // leaf JSON field name holding the reference
	TargetType       string
	TargetID         string
	Display          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastUpdated      time.Time
}

// RefStore reads and writes the REFERENCES_TABLE edge relation.
type RefStore struct{}

const refColumns = `ID, SOURCE_RESOURCE_TYPE, SOURCE_RESOURCE_ID, SOURCE_EXPRESSION,
	TARGET_RESOURCE_TYPE, TARGET_RESOURCE_ID, DISPLAY_VALUE, CREATED_AT, UPDATED_AT, LAST_UPDATED`

// Insert appends an edge and returns its generated id.
func (r *RefStore) Insert(ctx context.Context, q db.Querier, edge ReferenceEdge) (string, error) {
	if edge.ID == "" {
		edge.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	now := nowStamp()
	_, err := q.Exec(ctx, `
		INSERT INTO REFERENCES_TABLE (`+refColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		edge.ID, edge.SourceType, edge.SourceID, edge.SourceExpression,
		edge.TargetType, edge.TargetID, edge.Display, now, now, now)
	if err != nil {
		return "", fmt.Errorf("insert reference edge: %w", err)
	}
	return edge.ID, nil
}

// Restore re-inserts a backed-up edge preserving its original primary key
// and timestamps. Used by the delete-rollback protocol.
func (r *RefStore) Restore(ctx context.Context, q db.Querier, edge ReferenceEdge) error {
	_, err := q.Exec(ctx, `
		INSERT INTO REFERENCES_TABLE (`+refColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		edge.ID, edge.SourceType, edge.SourceID, edge.SourceExpression,
		edge.TargetType, edge.TargetID, edge.Display,
		edge.CreatedAt, edge.UpdatedAt, edge.LastUpdated)
	if err != nil {
		return fmt.Errorf("restore reference edge %s: %w", edge.ID, err)
	}
	return nil
}

// DeleteByID removes a single edge.
func (r *RefStore) DeleteByID(ctx context.Context, q db.Querier, id string) error {
	if _, err := q.Exec(ctx, `DELETE FROM REFERENCES_TABLE WHERE ID = $1`, id); err != nil {
		return fmt.Errorf("delete reference edge %s: %w", id, err)
	}
	return nil
}

// DeleteBySource removes every outgoing edge of a resource and returns the
// deleted edge ids.
func (r *RefStore) DeleteBySource(ctx context.Context, q db.Querier, sourceType, sourceID string) ([]string, error) {
	edges, err := r.BySource(ctx, q, sourceType, sourceID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		if err := r.DeleteByID(ctx, q, edge.ID); err != nil {
			return ids, err
		}
		ids = append(ids, edge.ID)
	}
	return ids, nil
}

// BySource returns every outgoing edge of a resource, used both for edge
// rewrites and as the compensation backup.
func (r *RefStore) BySource(ctx context.Context, q db.Querier, sourceType, sourceID string) ([]ReferenceEdge, error) {
	rows, err := q.Query(ctx, `
		SELECT `+refColumns+`
		FROM REFERENCES_TABLE
		WHERE SOURCE_RESOURCE_TYPE = $1 AND SOURCE_RESOURCE_ID = $2
		ORDER BY ID`,
		sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("scan edges by source %s/%s: %w", sourceType, sourceID, err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// SourcesReferencing returns the distinct source ids of the given type that
// reference a target. Search-by-reference deliberately ignores
// sourceExpression: a query like patient=Patient/1 matches regardless of
// which field holds the reference.
func (r *RefStore) SourcesReferencing(ctx context.Context, q db.Querier, sourceType, targetType, targetID string) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT DISTINCT SOURCE_RESOURCE_ID
		FROM REFERENCES_TABLE
		WHERE SOURCE_RESOURCE_TYPE = $1 AND TARGET_RESOURCE_TYPE = $2 AND TARGET_RESOURCE_ID = $3`,
		sourceType, targetType, targetID)
	if err != nil {
		return nil, fmt.Errorf("scan sources referencing %s/%s: %w", targetType, targetID, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// TargetRef identifies a referenced resource.
type TargetRef struct {
	Type string
	ID   string
}

// DistinctTargets returns the distinct targets of a source's edges,
// optionally restricted to a source expression (the _include leaf field)
// and a fixed target type.
func (r *RefStore) DistinctTargets(ctx context.Context, q db.Querier, sourceType, sourceID, expression, targetType string) ([]TargetRef, error) {
	query := `
		SELECT DISTINCT TARGET_RESOURCE_TYPE, TARGET_RESOURCE_ID
		FROM REFERENCES_TABLE
		WHERE SOURCE_RESOURCE_TYPE = $1 AND SOURCE_RESOURCE_ID = $2`
	args := []interface{}{sourceType, sourceID}
	if expression != "" {
		args = append(args, expression)
		query += fmt.Sprintf(" AND SOURCE_EXPRESSION = $%d", len(args))
	}
	if targetType != "" {
		args = append(args, targetType)
		query += fmt.Sprintf(" AND TARGET_RESOURCE_TYPE = $%d", len(args))
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan targets of %s/%s: %w", sourceType, sourceID, err)
	}
	defer rows.Close()

	var targets []TargetRef
	for rows.Next() {
		var t TargetRef
		if err := rows.Scan(&t.Type, &t.ID); err != nil {
			return nil, fmt.Errorf("scan target ref: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return targets, nil
}

// DistinctSources returns the distinct sources of a given type whose edges
// point at the target, optionally restricted to a source expression.
// Used by _revinclude.
func (r *RefStore) DistinctSources(ctx context.Context, q db.Querier, targetType, targetID, sourceType, expression string) ([]string, error) {
	query := `
		SELECT DISTINCT SOURCE_RESOURCE_ID
		FROM REFERENCES_TABLE
		WHERE TARGET_RESOURCE_TYPE = $1 AND TARGET_RESOURCE_ID = $2 AND SOURCE_RESOURCE_TYPE = $3`
	args := []interface{}{targetType, targetID, sourceType}
	if expression != "" {
		args = append(args, expression)
		query += fmt.Sprintf(" AND SOURCE_EXPRESSION = $%d", len(args))
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan sources of %s/%s: %w", targetType, targetID, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanEdges(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]ReferenceEdge, error) {
	var edges []ReferenceEdge
	for rows.Next() {
		var e ReferenceEdge
		if err := rows.Scan(&e.ID, &e.SourceType, &e.SourceID, &e.SourceExpression,
			&e.TargetType, &e.TargetID, &e.Display,
			&e.CreatedAt, &e.UpdatedAt, &e.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan reference edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reference edges: %w", err)
	}
	return edges, nil
}

func scanIDs(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}
