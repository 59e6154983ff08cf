package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/carewire/fhir-server/internal/platform/fhir"
)

// Read returns the current version of a resource. Meta is restamped from the
// row's version counter so the returned body always agrees with the index.
func (e *Engine) Read(ctx context.Context, resourceType, id string) (map[string]interface{}, error) {
	resource, version, lastUpdated, err := e.fetchRow(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	fhir.StampMeta(resource, version, lastUpdated)
	return resource, nil
}

// fetchCurrent returns the stored blob and version without restamping;
// the patch path merges on top of it.
func (e *Engine) fetchCurrent(ctx context.Context, resourceType, id string) (map[string]interface{}, int, error) {
	resource, version, _, err := e.fetchRow(ctx, resourceType, id)
	return resource, version, err
}

func (e *Engine) fetchRow(ctx context.Context, resourceType, id string) (map[string]interface{}, int, time.Time, error) {
	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s = $1",
		colVersionID, colLastUpdated, colResourceJSON,
		fhir.TableName(resourceType), fhir.PrimaryKey(resourceType))

	var (
		version     int
		lastUpdated time.Time
		blob        []byte
	)
	err := e.q.QueryRow(ctx, query, id).Scan(&version, &lastUpdated, &blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, time.Time{}, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
	}
	if err != nil {
		return nil, 0, time.Time{}, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}

	resource, err := fhir.ParseResource(blob)
	if err != nil {
		return nil, 0, time.Time{}, fmt.Errorf("parse stored %s/%s: %w", resourceType, id, err)
	}
	return resource, version, lastUpdated, nil
}

// VRead returns one historical version. The synthetic version appended by a
// delete is not a readable resource and reads as missing.
func (e *Engine) VRead(ctx context.Context, resourceType, id string, versionID int) (map[string]interface{}, error) {
	entry, err := e.history.ByVersion(ctx, e.q, resourceType, id, versionID)
	if err != nil {
		return nil, err
	}
	if entry.Operation == OpDelete {
		return nil, fmt.Errorf("%w: %s/%s/_history/%d is a deletion", ErrNotFound, resourceType, id, versionID)
	}
	resource, err := fhir.ParseResource(entry.Blob)
	if err != nil {
		return nil, fmt.Errorf("parse stored %s/%s v%d: %w", resourceType, id, versionID, err)
	}
	return resource, nil
}

// History returns a resource's full version log, newest first. A resource
// that never existed has no history and reads as missing.
func (e *Engine) History(ctx context.Context, resourceType, id string) ([]HistoryEntry, error) {
	entries, err := e.history.AllVersions(ctx, e.q, resourceType, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s/%s has no history", ErrNotFound, resourceType, id)
	}
	return entries, nil
}
