package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/carewire/fhir-server/internal/platform/fhir"
)

// TxContext coordinates compensation for a multi-statement write. The engine
// does not lean on SQL transactions: each step of a write lands immediately,
// and registers the inverse action that undoes it. When a later step fails,
// Rollback replays the inverses newest-first, restoring the pre-write state.
type TxContext struct {
	log       zerolog.Logger
	label     string
	undos     []undoStep
	committed bool
}

type undoStep struct {
	name string
	fn   func(context.Context) error
}

// NewTxContext starts compensation tracking for one write, labelled for logs
// (e.g. "PUT Patient/p1").
func NewTxContext(log zerolog.Logger, label string) *TxContext {
	return &TxContext{log: log, label: label}
}

// OnRollback registers the inverse of a step that just succeeded.
func (tx *TxContext) OnRollback(name string, fn func(context.Context) error) {
	tx.undos = append(tx.undos, undoStep{name: name, fn: fn})
}

// Commit marks the write successful; registered inverses are discarded.
func (tx *TxContext) Commit() {
	tx.committed = true
	tx.undos = nil
}

// Rollback replays the registered inverses in reverse order. Compensation
// failures are logged and skipped: a partially compensated write is still
// better than stopping halfway through the undo chain. The replay is not
// cancellable; cancelling the request must not abandon the undo chain.
func (tx *TxContext) Rollback(ctx context.Context) {
	if tx.committed {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for i := len(tx.undos) - 1; i >= 0; i-- {
		step := tx.undos[i]
		if err := step.fn(ctx); err != nil {
			tx.log.Error().Err(err).
				Str("write", tx.label).
				Str("step", step.name).
				Msg("compensation step failed")
		}
	}
	tx.undos = nil
}

// restoreRowUpdate rewrites a live row back to a snapshot taken before an
// update. The snapshot holds driver-native values, so the statement is built
// with literals instead of bind parameters.
func (e *Engine) restoreRowUpdate(ctx context.Context, resourceType, id string, snapshot map[string]interface{}) error {
	table := fhir.TableName(resourceType)
	pk := fhir.PrimaryKey(resourceType)

	var assignments []string
	for col, val := range snapshot {
		if col == pk {
			continue
		}
		literal, err := fhir.FormatValue(val, e.dialect.BinaryLiteral)
		if err != nil {
			return fmt.Errorf("restore %s/%s column %s: %w", resourceType, id, col, err)
		}
		assignments = append(assignments, col+" = "+literal)
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		table, strings.Join(assignments, ", "), pk, fhir.QuoteString(id))
	if _, err := e.q.Exec(ctx, query); err != nil {
		return fmt.Errorf("restore row %s/%s: %w", resourceType, id, err)
	}
	return nil
}

// reinsertRow puts a deleted row back exactly as snapshotted.
func (e *Engine) reinsertRow(ctx context.Context, resourceType string, snapshot map[string]interface{}) error {
	table := fhir.TableName(resourceType)

	cols := make([]string, 0, len(snapshot))
	literals := make([]string, 0, len(snapshot))
	for col, val := range snapshot {
		literal, err := fhir.FormatValue(val, e.dialect.BinaryLiteral)
		if err != nil {
			return fmt.Errorf("reinsert %s column %s: %w", resourceType, col, err)
		}
		cols = append(cols, col)
		literals = append(literals, literal)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(literals, ", "))
	if _, err := e.q.Exec(ctx, query); err != nil {
		return fmt.Errorf("reinsert row into %s: %w", table, err)
	}
	return nil
}

// deleteRow removes a live row without any of the surrounding bookkeeping.
// Both the delete operation and the create-rollback path end here.
func (e *Engine) deleteRow(ctx context.Context, resourceType, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
		fhir.TableName(resourceType), fhir.PrimaryKey(resourceType))
	if _, err := e.q.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete row %s/%s: %w", resourceType, id, err)
	}
	return nil
}
