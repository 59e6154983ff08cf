package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/carewire/fhir-server/internal/platform/fhir"
)

// Create persists a new resource: row, catalog side-effects, a history
// version, custom param rows and reference edges land as separate statements
// guarded by compensation. Returns the stored resource with meta stamped.
func (e *Engine) Create(ctx context.Context, resourceType string, resource map[string]interface{}) (map[string]interface{}, error) {
	if err := checkResourceType(resourceType, resource); err != nil {
		return nil, err
	}

	id, err := e.assignID(resource)
	if err != nil {
		return nil, err
	}
	resource["id"] = id

	unlock := e.lockResource(resourceType, id)
	defer unlock()

	live, err := e.exists(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if live {
		return nil, fmt.Errorf("%w: %s/%s already exists", ErrConflict, resourceType, id)
	}

	// A recreated id continues the version sequence its history already
	// holds; a fresh id starts at 1.
	version, err := e.history.NextVersion(ctx, e.q, resourceType, id)
	if err != nil {
		return nil, err
	}

	entries, err := e.catalog.ForResource(ctx, e.q, resourceType)
	if err != nil {
		return nil, err
	}
	extraction := e.extract.Extract(resource, entries)

	if err := e.validateReferences(ctx, extraction.Edges); err != nil {
		return nil, err
	}

	now := nowStamp()
	fhir.StampMeta(resource, version, now)
	blob, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s: %v", ErrInvalidInput, resourceType, err)
	}

	tx := NewTxContext(e.log, "POST "+resourceType+"/"+id)
	defer tx.Rollback(ctx)

	if err := e.insertRow(ctx, resourceType, id, version, now, blob, extraction.Columns); err != nil {
		return nil, err
	}
	tx.OnRollback("delete row", func(ctx context.Context) error {
		return e.deleteRow(ctx, resourceType, id)
	})

	// A stored SearchParameter immediately extends the catalog.
	if resourceType == "SearchParameter" {
		if err := e.catalog.UpsertCustom(ctx, e.q, resource); err != nil {
			return nil, err
		}
		tx.OnRollback("retire catalog rows", func(ctx context.Context) error {
			return e.catalog.DeleteCustom(ctx, e.q, resource)
		})
	}

	saved, err := e.history.Save(ctx, e.q, HistoryEntry{
		ResourceType: resourceType,
		ResourceID:   id,
		Operation:    OpCreate,
		CreatedAt:    now,
		Blob:         blob,
	})
	if err != nil {
		return nil, err
	}
	tx.OnRollback("remove history", func(ctx context.Context) error {
		return e.history.DeleteVersion(ctx, e.q, resourceType, id, saved)
	})

	if err := e.writeCustomRows(ctx, tx, resourceType, id, extraction.Custom); err != nil {
		return nil, err
	}
	if err := e.writeEdges(ctx, tx, resourceType, id, extraction.Edges); err != nil {
		return nil, err
	}

	tx.Commit()
	e.log.Info().Str("resource", resourceType+"/"+id).Msg("created")
	return resource, nil
}

// assignID picks the new resource's id: server-generated, or taken from the
// body when the server is configured to honour client ids.
func (e *Engine) assignID(resource map[string]interface{}) (string, error) {
	if e.opts.UseServerGeneratedIDs {
		generated, err := uuid.NewUUID()
		if err != nil {
			generated = uuid.New()
		}
		return strings.ReplaceAll(generated.String(), "-", ""), nil
	}
	id, _ := resource["id"].(string)
	if id == "" {
		return "", fmt.Errorf("%w: resource id is required", ErrInvalidInput)
	}
	return id, nil
}

func checkResourceType(resourceType string, resource map[string]interface{}) error {
	actual, _ := resource["resourceType"].(string)
	if actual != resourceType {
		return fmt.Errorf("%w: resourceType %q does not match %q", ErrInvalidInput, actual, resourceType)
	}
	return nil
}

// insertRow writes the resource row: primary key, version metadata, the blob
// and every extracted search-parameter column.
func (e *Engine) insertRow(ctx context.Context, resourceType, id string, version int, now interface{}, blob []byte, columns map[string]interface{}) error {
	table := fhir.TableName(resourceType)

	cols := []string{fhir.PrimaryKey(resourceType), colVersionID, colCreatedAt, colUpdatedAt, colLastUpdated, colResourceJSON}
	args := []interface{}{id, version, now, now, now, blob}

	for col, val := range columns {
		has, err := e.cols.HasColumn(ctx, e.q, table, col)
		if err != nil {
			return err
		}
		if !has {
			// Catalog entry without a matching physical column; the value
			// simply does not index.
			continue
		}
		cols = append(cols, col)
		args = append(args, val)
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := e.q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert row %s/%s: %w", resourceType, id, err)
	}
	return nil
}

// writeEdges persists captured reference edges, arming per-edge rollback.
func (e *Engine) writeEdges(ctx context.Context, tx *TxContext, resourceType, id string, edges []EdgeCapture) error {
	for _, edge := range edges {
		edgeID, err := e.refs.Insert(ctx, e.q, ReferenceEdge{
			SourceType:       resourceType,
			SourceID:         id,
			SourceExpression: edge.Expression,
			TargetType:       edge.TargetType,
			TargetID:         edge.TargetID,
			Display:          edge.Display,
		})
		if err != nil {
			return err
		}
		tx.OnRollback("delete edge", func(ctx context.Context) error {
			return e.refs.DeleteByID(ctx, e.q, edgeID)
		})
	}
	return nil
}

// writeCustomRows persists extracted custom-parameter values, arming per-row
// rollback.
func (e *Engine) writeCustomRows(ctx context.Context, tx *TxContext, resourceType, id string, rows []CustomRow) error {
	for _, row := range rows {
		rowID, err := e.custom.Insert(ctx, e.q, resourceType, id, row)
		if err != nil {
			return err
		}
		tx.OnRollback("delete custom param row", func(ctx context.Context) error {
			return e.custom.DeleteByID(ctx, e.q, rowID)
		})
	}
	return nil
}
