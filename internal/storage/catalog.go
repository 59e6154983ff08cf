package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/carewire/fhir-server/internal/platform/db"
)

// CatalogEntry is one row of the search-parameter catalog: which FHIRPath
// expression feeds which search parameter of which resource type.
type CatalogEntry struct {
	Name       string
	Type       string // string, token, number, date, reference, uri
	Resource   string
	Expression string
	IsCustom   bool
}

// Catalog reads and mutates SEARCH_PARAM_RES_EXPRESSIONS. Standard rows are
// seeded at bootstrap; custom rows track SearchParameter resources. The
// catalog is read on every write, not cached, so custom-parameter mutations
// take effect immediately.
type Catalog struct{}

// ForResource returns every catalog entry that applies to a resource type.
func (c *Catalog) ForResource(ctx context.Context, q db.Querier, resourceType string) ([]CatalogEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT SEARCH_PARAM_NAME, SEARCH_PARAM_TYPE, RESOURCE_NAME, EXPRESSION, IS_CUSTOM
		FROM SEARCH_PARAM_RES_EXPRESSIONS
		WHERE RESOURCE_NAME = $1
		ORDER BY SEARCH_PARAM_NAME`,
		resourceType)
	if err != nil {
		return nil, fmt.Errorf("read catalog for %s: %w", resourceType, err)
	}
	defer rows.Close()

	var entries []CatalogEntry
	for rows.Next() {
		var e CatalogEntry
		if err := rows.Scan(&e.Name, &e.Type, &e.Resource, &e.Expression, &e.IsCustom); err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog entries: %w", err)
	}
	return entries, nil
}

// Lookup returns a single catalog entry, or nil when the parameter is not
// defined for the resource type.
func (c *Catalog) Lookup(ctx context.Context, q db.Querier, resourceType, paramName string) (*CatalogEntry, error) {
	var e CatalogEntry
	err := q.QueryRow(ctx, `
		SELECT SEARCH_PARAM_NAME, SEARCH_PARAM_TYPE, RESOURCE_NAME, EXPRESSION, IS_CUSTOM
		FROM SEARCH_PARAM_RES_EXPRESSIONS
		WHERE RESOURCE_NAME = $1 AND SEARCH_PARAM_NAME = $2`,
		resourceType, paramName).
		Scan(&e.Name, &e.Type, &e.Resource, &e.Expression, &e.IsCustom)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup catalog entry %s/%s: %w", resourceType, paramName, err)
	}
	return &e, nil
}

// customParamDef is the declaration extracted from a SearchParameter
// resource body.
type customParamDef struct {
	Code       string
	Type       string
	Expression string
	Base       []string
}

// parseSearchParameter pulls (code, type, expression, base[]) out of a
// SearchParameter resource map.
func parseSearchParameter(resource map[string]interface{}) (*customParamDef, error) {
	def := &customParamDef{}
	def.Code, _ = resource["code"].(string)
	def.Type, _ = resource["type"].(string)
	def.Expression, _ = resource["expression"].(string)
	if def.Code == "" || def.Type == "" || def.Expression == "" {
		return nil, fmt.Errorf("%w: SearchParameter requires code, type and expression", ErrInvalidInput)
	}

	bases, _ := resource["base"].([]interface{})
	for _, b := range bases {
		if s, ok := b.(string); ok && s != "" {
			def.Base = append(def.Base, s)
		}
	}
	if len(def.Base) == 0 {
		return nil, fmt.Errorf("%w: SearchParameter requires at least one base", ErrInvalidInput)
	}
	return def, nil
}

// UpsertCustom creates or replaces the catalog rows declared by a
// SearchParameter resource: one row per base type, flagged custom.
func (c *Catalog) UpsertCustom(ctx context.Context, q db.Querier, resource map[string]interface{}) error {
	def, err := parseSearchParameter(resource)
	if err != nil {
		return err
	}

	for _, base := range def.Base {
		if _, err := q.Exec(ctx, `
			DELETE FROM SEARCH_PARAM_RES_EXPRESSIONS
			WHERE RESOURCE_NAME = $1 AND SEARCH_PARAM_NAME = $2`,
			base, def.Code); err != nil {
			return fmt.Errorf("replace catalog row %s/%s: %w", base, def.Code, err)
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO SEARCH_PARAM_RES_EXPRESSIONS
				(SEARCH_PARAM_NAME, SEARCH_PARAM_TYPE, RESOURCE_NAME, EXPRESSION, IS_CUSTOM)
			VALUES ($1, $2, $3, $4, TRUE)`,
			def.Code, def.Type, base, def.Expression); err != nil {
			return fmt.Errorf("insert catalog row %s/%s: %w", base, def.Code, err)
		}
	}
	return nil
}

// DeleteCustom removes the custom catalog rows declared by a SearchParameter
// resource, looked up by its code across every base type.
func (c *Catalog) DeleteCustom(ctx context.Context, q db.Querier, resource map[string]interface{}) error {
	def, err := parseSearchParameter(resource)
	if err != nil {
		// A malformed SearchParameter cannot own catalog rows.
		return nil
	}
	if _, err := q.Exec(ctx, `
		DELETE FROM SEARCH_PARAM_RES_EXPRESSIONS
		WHERE SEARCH_PARAM_NAME = $1 AND IS_CUSTOM = TRUE`,
		def.Code); err != nil {
		return fmt.Errorf("delete catalog rows for %s: %w", def.Code, err)
	}
	return nil
}
