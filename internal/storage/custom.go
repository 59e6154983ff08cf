package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carewire/fhir-server/internal/platform/db"
)

// StoredCustomRow is a CustomRow as persisted: keyed by id and owner.
type StoredCustomRow struct {
	ID           string
	ResourceType string
	ResourceID   string
	CustomRow
}

// CustomStore reads and writes CUSTOM_EXTENSION_SEARCH_PARAMS, the EAV side
// table holding pre-extracted values for custom search parameters.
type CustomStore struct{}

const customColumns = `ID, RESOURCE_TYPE, RESOURCE_ID, PARAM_NAME, PARAM_TYPE,
	VALUE_STRING, VALUE_NUMBER, VALUE_DATE, VALUE_TOKEN_SYSTEM, VALUE_TOKEN_CODE,
	VALUE_REFERENCE_TYPE, VALUE_REFERENCE_ID`

// Insert persists one extracted value and returns its generated id.
func (c *CustomStore) Insert(ctx context.Context, q db.Querier, resourceType, resourceID string, row CustomRow) (string, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err := q.Exec(ctx, `
		INSERT INTO CUSTOM_EXTENSION_SEARCH_PARAMS (`+customColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		id, resourceType, resourceID, row.ParamName, row.ParamType,
		row.String, numberArg(row.Number), row.Date,
		row.TokenSystem, row.TokenCode, row.RefType, row.RefID)
	if err != nil {
		return "", fmt.Errorf("insert custom param row %s/%s %s: %w",
			resourceType, resourceID, row.ParamName, err)
	}
	return id, nil
}

// Restore re-inserts a backed-up row preserving its original id.
func (c *CustomStore) Restore(ctx context.Context, q db.Querier, row StoredCustomRow) error {
	_, err := q.Exec(ctx, `
		INSERT INTO CUSTOM_EXTENSION_SEARCH_PARAMS (`+customColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		row.ID, row.ResourceType, row.ResourceID, row.ParamName, row.ParamType,
		row.String, numberArg(row.Number), row.Date,
		row.TokenSystem, row.TokenCode, row.RefType, row.RefID)
	if err != nil {
		return fmt.Errorf("restore custom param row %s: %w", row.ID, err)
	}
	return nil
}

// ForResource returns every stored value owned by one resource.
func (c *CustomStore) ForResource(ctx context.Context, q db.Querier, resourceType, resourceID string) ([]StoredCustomRow, error) {
	rows, err := q.Query(ctx, `
		SELECT `+customColumns+`
		FROM CUSTOM_EXTENSION_SEARCH_PARAMS
		WHERE RESOURCE_TYPE = $1 AND RESOURCE_ID = $2
		ORDER BY ID`,
		resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("scan custom param rows of %s/%s: %w", resourceType, resourceID, err)
	}
	defer rows.Close()

	var stored []StoredCustomRow
	for rows.Next() {
		var (
			row    StoredCustomRow
			number *decimal.Decimal
			date   *time.Time
		)
		if err := rows.Scan(&row.ID, &row.ResourceType, &row.ResourceID,
			&row.ParamName, &row.ParamType,
			&row.String, &number, &date,
			&row.TokenSystem, &row.TokenCode, &row.RefType, &row.RefID); err != nil {
			return nil, fmt.Errorf("scan custom param row: %w", err)
		}
		row.Number = number
		row.Date = date
		stored = append(stored, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate custom param rows: %w", err)
	}
	return stored, nil
}

// DeleteForResource removes every stored value owned by one resource.
func (c *CustomStore) DeleteForResource(ctx context.Context, q db.Querier, resourceType, resourceID string) error {
	_, err := q.Exec(ctx, `
		DELETE FROM CUSTOM_EXTENSION_SEARCH_PARAMS
		WHERE RESOURCE_TYPE = $1 AND RESOURCE_ID = $2`,
		resourceType, resourceID)
	if err != nil {
		return fmt.Errorf("delete custom param rows of %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

// DeleteByID removes a single stored value.
func (c *CustomStore) DeleteByID(ctx context.Context, q db.Querier, id string) error {
	if _, err := q.Exec(ctx, `
		DELETE FROM CUSTOM_EXTENSION_SEARCH_PARAMS WHERE ID = $1`, id); err != nil {
		return fmt.Errorf("delete custom param row %s: %w", id, err)
	}
	return nil
}

// MatchingResources resolves a custom-parameter query clause against the EAV
// table, returning the ids of resources with at least one matching value.
func (c *CustomStore) MatchingResources(ctx context.Context, q db.Querier, resourceType, paramName, condition string, args []interface{}) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT DISTINCT RESOURCE_ID
		FROM CUSTOM_EXTENSION_SEARCH_PARAMS
		WHERE RESOURCE_TYPE = $1 AND PARAM_NAME = $2 AND (%s)`, condition)
	all := append([]interface{}{resourceType, paramName}, args...)

	rows, err := q.Query(ctx, query, all...)
	if err != nil {
		return nil, fmt.Errorf("match custom param %s on %s: %w", paramName, resourceType, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// numberArg unwraps a decimal pointer for pgx; a nil pointer must bind as
// SQL NULL, not as a zero decimal.
func numberArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return *d
}
