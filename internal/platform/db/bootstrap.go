package db

import (
	"context"
	_ "embed"
	"encoding/csv"
	"fmt"
	"strings"
)

//go:embed schema/postgresql.sql
var schemaPostgres string

//go:embed schema/h2.sql
var schemaH2 string

//go:embed schema/search_parameters.csv
var standardSearchParams string

// sideTables are the non-resource tables the schema defines.
var sideTables = []string{
	"REFERENCES_TABLE",
	"CUSTOM_EXTENSION_SEARCH_PARAMS",
	"RESOURCE_HISTORY",
}

// Bootstrap creates the schema for the configured backend and seeds the
// standard search-parameter catalog when it is empty.
func Bootstrap(ctx context.Context, q Querier, dialect Dialect) error {
	ddl := schemaPostgres
	if dialect.Name() == "h2" {
		ddl = schemaH2
	}

	for _, stmt := range splitStatements(ddl) {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}

	return SeedCatalog(ctx, q)
}

// SeedCatalog bulk-loads the bundled CSV of standard search parameters into
// SEARCH_PARAM_RES_EXPRESSIONS. Existing standard rows make it a no-op; the
// catalog is authoritative once seeded.
func SeedCatalog(ctx context.Context, q Querier) error {
	var count int
	err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM SEARCH_PARAM_RES_EXPRESSIONS WHERE IS_CUSTOM = FALSE`).
		Scan(&count)
	if err != nil {
		return fmt.Errorf("count standard catalog rows: %w", err)
	}
	if count > 0 {
		return nil
	}

	records, err := parseSearchParamCSV(standardSearchParams)
	if err != nil {
		return err
	}

	for _, rec := range records {
		_, err := q.Exec(ctx, `
			INSERT INTO SEARCH_PARAM_RES_EXPRESSIONS
				(SEARCH_PARAM_NAME, SEARCH_PARAM_TYPE, RESOURCE_NAME, EXPRESSION, IS_CUSTOM)
			VALUES ($1, $2, $3, $4, FALSE)`,
			rec.Name, rec.Type, rec.Resource, rec.Expression)
		if err != nil {
			return fmt.Errorf("seed catalog row %s/%s: %w", rec.Resource, rec.Name, err)
		}
	}
	return nil
}

// SeedRecord is one standard search-parameter definition from the CSV.
type SeedRecord struct {
	Name       string
	Resource   string
	Type       string
	Expression string
}

func parseSearchParamCSV(data string) ([]SeedRecord, error) {
	reader := csv.NewReader(strings.NewReader(data))
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse search parameter csv: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("search parameter csv has no data rows")
	}

	records := make([]SeedRecord, 0, len(rows)-1)
	for _, row := range rows[1:] { // skip header
		if len(row) != 4 {
			return nil, fmt.Errorf("search parameter csv row has %d fields, want 4", len(row))
		}
		records = append(records, SeedRecord{
			Name:       strings.TrimSpace(row[0]),
			Resource:   strings.TrimSpace(row[1]),
			Type:       strings.TrimSpace(row[2]),
			Expression: strings.TrimSpace(row[3]),
		})
	}
	return records, nil
}

// ResourceTypes returns the resource types the catalog knows about. The
// catalog, not a compiled-in list, decides which types the server serves.
func ResourceTypes(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT DISTINCT RESOURCE_NAME FROM SEARCH_PARAM_RES_EXPRESSIONS ORDER BY RESOURCE_NAME`)
	if err != nil {
		return nil, fmt.Errorf("list resource types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan resource type: %w", err)
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resource types: %w", err)
	}
	return types, nil
}

// ClearAll wipes every resource table and side table, then reseeds the
// standard catalog. Used by the clearDataOnStartup boot flag.
func ClearAll(ctx context.Context, q Querier, dialect Dialect) error {
	types, err := ResourceTypes(ctx, q)
	if err != nil {
		return err
	}

	tables := make([]string, 0, len(types)+len(sideTables)+1)
	for _, t := range types {
		tables = append(tables, t+"Table")
	}
	tables = append(tables, sideTables...)
	tables = append(tables, "SEARCH_PARAM_RES_EXPRESSIONS")

	for _, stmt := range dialect.ClearStatements(tables) {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("clear data: %w", err)
		}
	}

	return SeedCatalog(ctx, q)
}

// splitStatements breaks a DDL file into individual statements. Neither
// backend accepts multi-statement prepared execs through pgx.
func splitStatements(ddl string) []string {
	var stmts []string
	for _, raw := range strings.Split(ddl, ";") {
		stmt := stripSQLComments(raw)
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		stmts = append(stmts, strings.TrimSpace(stmt))
	}
	return stmts
}

func stripSQLComments(stmt string) string {
	var out []string
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
