package storage

import (
	"context"
	"fmt"

	"github.com/carewire/fhir-server/internal/platform/fhir"
)

// Delete removes a resource: its row, its outgoing reference edges and its
// custom param rows disappear, and the history log gains a DELETE version
// holding the last stored blob. The history entry lands before anything is
// removed, so a crash mid-delete still leaves the last-known state in the
// log. Deleting a missing resource is ErrNotFound.
func (e *Engine) Delete(ctx context.Context, resourceType, id string) error {
	unlock := e.lockResource(resourceType, id)
	defer unlock()

	snapshot, err := e.snapshotRow(ctx, resourceType, id)
	if err != nil {
		return err
	}
	blob, ok := snapshot[colResourceJSON].([]byte)
	if !ok {
		return fmt.Errorf("%w: %s/%s has no stored blob", ErrInvalidInput, resourceType, id)
	}

	oldEdges, err := e.refs.BySource(ctx, e.q, resourceType, id)
	if err != nil {
		return err
	}

	tx := NewTxContext(e.log, "DELETE "+resourceType+"/"+id)
	defer tx.Rollback(ctx)

	deleteVersion, err := e.history.Save(ctx, e.q, HistoryEntry{
		ResourceType: resourceType,
		ResourceID:   id,
		Operation:    OpDelete,
		CreatedAt:    nowStamp(),
		Blob:         blob,
	})
	if err != nil {
		return err
	}
	tx.OnRollback("remove history", func(ctx context.Context) error {
		return e.history.DeleteVersion(ctx, e.q, resourceType, id, deleteVersion)
	})

	oldCustom, err := e.custom.ForResource(ctx, e.q, resourceType, id)
	if err != nil {
		return err
	}
	if err := e.custom.DeleteForResource(ctx, e.q, resourceType, id); err != nil {
		return err
	}
	tx.OnRollback("restore custom param rows", func(ctx context.Context) error {
		return e.restoreCustomRows(ctx, oldCustom)
	})

	// Deleting a SearchParameter retires its catalog rows.
	if resourceType == "SearchParameter" {
		resource, err := fhir.ParseResource(blob)
		if err == nil {
			if err := e.catalog.DeleteCustom(ctx, e.q, resource); err != nil {
				return err
			}
			tx.OnRollback("restore catalog rows", func(ctx context.Context) error {
				return e.catalog.UpsertCustom(ctx, e.q, resource)
			})
		}
	}

	if _, err := e.refs.DeleteBySource(ctx, e.q, resourceType, id); err != nil {
		return err
	}
	tx.OnRollback("restore edges", func(ctx context.Context) error {
		return e.restoreEdges(ctx, oldEdges)
	})

	if err := e.deleteRow(ctx, resourceType, id); err != nil {
		return err
	}
	tx.OnRollback("reinsert row", func(ctx context.Context) error {
		return e.reinsertRow(ctx, resourceType, snapshot)
	})

	tx.Commit()
	e.log.Info().Str("resource", resourceType+"/"+id).Msg("deleted")
	return nil
}
