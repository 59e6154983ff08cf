package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/carewire/fhir-server/internal/platform/db"
)

// History operations recorded per version.
const (
	OpCreate = "POST"
	OpUpdate = "PUT"
	OpPatch  = "PATCH"
	OpDelete = "DELETE"
)

// HistoryEntry is one appended version of a resource.
type HistoryEntry struct {
	ResourceType string
	ResourceID   string
	VersionID    int
	Operation    string
	CreatedAt    time.Time
	Blob         []byte
}

// HistoryStore appends to and reads the RESOURCE_HISTORY log. The log is
// append-only: nothing updates or deletes rows, even when the live row
// disappears.
type HistoryStore struct{}

// Save appends the next version: it reads MAX(VERSION_ID) for the resource
// and inserts MAX+1, or 1 when the log is empty. Any VersionID on the entry
// is ignored. Returns the version written. The blob is the resource JSON as
// stamped at that version; for deletes it is the last blob that existed.
func (h *HistoryStore) Save(ctx context.Context, q db.Querier, entry HistoryEntry) (int, error) {
	version, err := h.NextVersion(ctx, q, entry.ResourceType, entry.ResourceID)
	if err != nil {
		return 0, err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO RESOURCE_HISTORY
			(RESOURCE_TYPE, RESOURCE_ID, VERSION_ID, OPERATION, CREATED_AT, RESOURCE_JSON)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ResourceType, entry.ResourceID, version,
		entry.Operation, entry.CreatedAt, entry.Blob)
	if err != nil {
		return 0, fmt.Errorf("append history %s/%s v%d: %w",
			entry.ResourceType, entry.ResourceID, version, err)
	}
	return version, nil
}

// NextVersion returns the version the next appended entry will carry:
// MAX(VERSION_ID)+1 over the resource's full log, deletions included. A
// recreated id continues its old sequence instead of restarting at 1.
func (h *HistoryStore) NextVersion(ctx context.Context, q db.Querier, resourceType, id string) (int, error) {
	var next int
	err := q.QueryRow(ctx, `
		SELECT COALESCE(MAX(VERSION_ID), 0) + 1
		FROM RESOURCE_HISTORY
		WHERE RESOURCE_TYPE = $1 AND RESOURCE_ID = $2`,
		resourceType, id).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next history version of %s/%s: %w", resourceType, id, err)
	}
	return next, nil
}

// ByVersion reads one specific version.
func (h *HistoryStore) ByVersion(ctx context.Context, q db.Querier, resourceType, id string, versionID int) (*HistoryEntry, error) {
	entry := HistoryEntry{ResourceType: resourceType, ResourceID: id, VersionID: versionID}
	err := q.QueryRow(ctx, `
		SELECT OPERATION, CREATED_AT, RESOURCE_JSON
		FROM RESOURCE_HISTORY
		WHERE RESOURCE_TYPE = $1 AND RESOURCE_ID = $2 AND VERSION_ID = $3`,
		resourceType, id, versionID).
		Scan(&entry.Operation, &entry.CreatedAt, &entry.Blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s/_history/%d", ErrNotFound, resourceType, id, versionID)
	}
	if err != nil {
		return nil, fmt.Errorf("read history %s/%s v%d: %w", resourceType, id, versionID, err)
	}
	return &entry, nil
}

// AllVersions returns a resource's full history, newest first.
func (h *HistoryStore) AllVersions(ctx context.Context, q db.Querier, resourceType, id string) ([]HistoryEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT VERSION_ID, OPERATION, CREATED_AT, RESOURCE_JSON
		FROM RESOURCE_HISTORY
		WHERE RESOURCE_TYPE = $1 AND RESOURCE_ID = $2
		ORDER BY VERSION_ID DESC`,
		resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("read history of %s/%s: %w", resourceType, id, err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		entry := HistoryEntry{ResourceType: resourceType, ResourceID: id}
		if err := rows.Scan(&entry.VersionID, &entry.Operation, &entry.CreatedAt, &entry.Blob); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history entries: %w", err)
	}
	return entries, nil
}

// DeleteVersion removes one appended row. Only the compensation path uses
// this, to undo a Save after a later step of the same write failed.
func (h *HistoryStore) DeleteVersion(ctx context.Context, q db.Querier, resourceType, id string, versionID int) error {
	_, err := q.Exec(ctx, `
		DELETE FROM RESOURCE_HISTORY
		WHERE RESOURCE_TYPE = $1 AND RESOURCE_ID = $2 AND VERSION_ID = $3`,
		resourceType, id, versionID)
	if err != nil {
		return fmt.Errorf("remove history %s/%s v%d: %w", resourceType, id, versionID, err)
	}
	return nil
}
