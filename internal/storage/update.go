package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/carewire/fhir-server/internal/platform/fhir"
)

// Update replaces a resource with a new version. Updating a missing resource
// fails with ErrNotFound: PUT does not create.
func (e *Engine) Update(ctx context.Context, resourceType, id string, resource map[string]interface{}) (map[string]interface{}, error) {
	if err := checkResourceType(resourceType, resource); err != nil {
		return nil, err
	}
	resource["id"] = id
	return e.rewrite(ctx, resourceType, id, resource, OpUpdate)
}

// Patch applies a shallow merge patch: top-level fields of the patch body
// replace the stored resource's fields, everything else is carried over.
// resourceType and id are never patchable.
func (e *Engine) Patch(ctx context.Context, resourceType, id string, patch map[string]interface{}) (map[string]interface{}, error) {
	current, _, err := e.fetchCurrent(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]interface{}, len(current)+len(patch))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range patch {
		if k == "resourceType" || k == "id" {
			continue
		}
		merged[k] = v
	}
	merged["resourceType"] = resourceType
	merged["id"] = id

	return e.rewrite(ctx, resourceType, id, merged, OpPatch)
}

// rewrite is the shared PUT/PATCH engine: re-extract, re-index, re-edge,
// bump the version and append history, every step compensated. Mutations run
// edge-delete first and edge-insert last, with the row update and the
// history append in between so a crash mid-write still leaves the pre-update
// body in the log.
func (e *Engine) rewrite(ctx context.Context, resourceType, id string, resource map[string]interface{}, operation string) (map[string]interface{}, error) {
	unlock := e.lockResource(resourceType, id)
	defer unlock()

	snapshot, err := e.snapshotRow(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}

	// The history log, not the live row, carries the version sequence: a
	// recreated resource's row restarts while its log continues.
	newVersion, err := e.history.NextVersion(ctx, e.q, resourceType, id)
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
	fhir.StampMeta(resource, newVersion, now)
	blob, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s: %v", ErrInvalidInput, resourceType, err)
	}

	tx := NewTxContext(e.log, operation+" "+resourceType+"/"+id)
	defer tx.Rollback(ctx)

	oldEdges, err := e.refs.BySource(ctx, e.q, resourceType, id)
	if err != nil {
		return nil, err
	}
	if _, err := e.refs.DeleteBySource(ctx, e.q, resourceType, id); err != nil {
		return nil, err
	}
	tx.OnRollback("restore edges", func(ctx context.Context) error {
		return e.restoreEdges(ctx, oldEdges)
	})

	if err := e.updateRow(ctx, resourceType, id, newVersion, now, blob, extraction.Columns); err != nil {
		return nil, err
	}
	tx.OnRollback("restore row", func(ctx context.Context) error {
		return e.restoreRowUpdate(ctx, resourceType, id, snapshot)
	})

	if resourceType == "SearchParameter" {
		if err := e.catalog.UpsertCustom(ctx, e.q, resource); err != nil {
			return nil, err
		}
		tx.OnRollback("restore catalog rows", func(ctx context.Context) error {
			oldBlob, ok := snapshot[colResourceJSON].([]byte)
			if !ok {
				return nil
			}
			old, err := fhir.ParseResource(oldBlob)
			if err != nil {
				return err
			}
			return e.catalog.UpsertCustom(ctx, e.q, old)
		})
	}

	saved, err := e.history.Save(ctx, e.q, HistoryEntry{
		ResourceType: resourceType,
		ResourceID:   id,
		Operation:    operation,
		CreatedAt:    now,
		Blob:         blob,
	})
	if err != nil {
		return nil, err
	}
	tx.OnRollback("remove history", func(ctx context.Context) error {
		return e.history.DeleteVersion(ctx, e.q, resourceType, id, saved)
	})

	oldCustom, err := e.custom.ForResource(ctx, e.q, resourceType, id)
	if err != nil {
		return nil, err
	}
	if err := e.custom.DeleteForResource(ctx, e.q, resourceType, id); err != nil {
		return nil, err
	}
	tx.OnRollback("restore custom param rows", func(ctx context.Context) error {
		return e.restoreCustomRows(ctx, oldCustom)
	})
	if err := e.writeCustomRows(ctx, tx, resourceType, id, extraction.Custom); err != nil {
		return nil, err
	}

	if err := e.writeEdges(ctx, tx, resourceType, id, extraction.Edges); err != nil {
		return nil, err
	}

	tx.Commit()
	e.log.Info().Str("resource", resourceType+"/"+id).Int("version", newVersion).Msg("updated")
	return resource, nil
}

// updateRow rewrites the live row: version metadata, blob, and every
// search-parameter column. Columns the new resource no longer populates go
// back to NULL, so stale index values cannot linger.
func (e *Engine) updateRow(ctx context.Context, resourceType, id string, version int, now interface{}, blob []byte, columns map[string]interface{}) error {
	table := fhir.TableName(resourceType)

	params, err := e.paramColumns(ctx, resourceType)
	if err != nil {
		return err
	}

	assignments := []string{
		colVersionID + " = $1",
		colUpdatedAt + " = $2",
		colLastUpdated + " = $3",
		colResourceJSON + " = $4",
	}
	args := []interface{}{version, now, now, blob}

	for _, col := range params {
		args = append(args, columns[col]) // nil when not extracted
		assignments = append(assignments, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		table, strings.Join(assignments, ", "), fhir.PrimaryKey(resourceType), len(args))
	if _, err := e.q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update row %s/%s: %w", resourceType, id, err)
	}
	return nil
}

func (e *Engine) restoreEdges(ctx context.Context, edges []ReferenceEdge) error {
	for _, edge := range edges {
		if err := e.refs.Restore(ctx, e.q, edge); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) restoreCustomRows(ctx context.Context, rows []StoredCustomRow) error {
	for _, row := range rows {
		if err := e.custom.Restore(ctx, e.q, row); err != nil {
			return err
		}
	}
	return nil
}
