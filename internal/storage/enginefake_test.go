package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// fakeDB is an in-memory db.Querier that understands the statements the
// engine issues. It enforces the history log's primary key, so version
// collisions fail the same way they would against the real schema.
type fakeDB struct {
	columns map[string][]string                       // table -> column names
	rows    map[string]map[string]map[string]interface{} // table -> pk -> col -> value
	history []fakeHistoryRow
	edges   [][]interface{} // refColumns order
	custom  [][]interface{} // customColumns order
	catalog []CatalogEntry

	// failOn makes every statement containing the substring fail.
	failOn  string
	failErr error
}

type fakeHistoryRow struct {
	resourceType string
	resourceID   string
	version      int
	operation    string
	createdAt    time.Time
	blob         []byte
}

func newFakeDB() *fakeDB {
	f := &fakeDB{
		columns: map[string][]string{
			"PatientTable": {
				"PATIENTTABLE_ID", "VERSION_ID", "CREATED_AT", "UPDATED_AT",
				"LAST_UPDATED", "RESOURCE_JSON", "FAMILY", "GENDER", "GENERAL_PRACTITIONER",
			},
			"PractitionerTable": {
				"PRACTITIONERTABLE_ID", "VERSION_ID", "CREATED_AT", "UPDATED_AT",
				"LAST_UPDATED", "RESOURCE_JSON", "FAMILY",
			},
		},
		rows: make(map[string]map[string]map[string]interface{}),
		catalog: []CatalogEntry{
			{Name: "family", Type: "string", Resource: "Patient", Expression: "Patient.name.family"},
			{Name: "gender", Type: "token", Resource: "Patient", Expression: "Patient.gender"},
			{Name: "general-practitioner", Type: "reference", Resource: "Patient", Expression: "Patient.generalPractitioner"},
			{Name: "eye-color", Type: "string", Resource: "Patient",
				Expression: "extension.where(url='http://example.org/eye-color')", IsCustom: true},
			{Name: "family", Type: "string", Resource: "Practitioner", Expression: "Practitioner.name.family"},
		},
	}
	for table := range f.columns {
		f.rows[table] = make(map[string]map[string]interface{})
	}
	return f
}

func (f *fakeDB) fails(q string) bool {
	return f.failOn != "" && strings.Contains(q, f.failOn)
}

func (f *fakeDB) historyFor(resourceType, id string) []fakeHistoryRow {
	var out []fakeHistoryRow
	for _, h := range f.history {
		if h.resourceType == resourceType && h.resourceID == id {
			out = append(out, h)
		}
	}
	return out
}

func norm(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// tableAfter returns the identifier following a keyword, e.g. the table name
// after "FROM" or "INTO".
func tableAfter(q, keyword string) string {
	idx := strings.Index(q, keyword+" ")
	if idx < 0 {
		return ""
	}
	rest := q[idx+len(keyword)+1:]
	return strings.Fields(rest)[0]
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	q := norm(sql)
	if f.fails(q) {
		return pgconn.CommandTag{}, f.failErr
	}

	switch {
	case strings.HasPrefix(q, "INSERT INTO RESOURCE_HISTORY"):
		row := fakeHistoryRow{
			resourceType: args[0].(string),
			resourceID:   args[1].(string),
			version:      args[2].(int),
			operation:    args[3].(string),
			createdAt:    args[4].(time.Time),
			blob:         args[5].([]byte),
		}
		for _, h := range f.history {
			if h.resourceType == row.resourceType && h.resourceID == row.resourceID && h.version == row.version {
				return pgconn.CommandTag{}, errors.New(
					`duplicate key value violates unique constraint "resource_history_pkey"`)
			}
		}
		f.history = append(f.history, row)

	case strings.HasPrefix(q, "DELETE FROM RESOURCE_HISTORY"):
		kept := f.history[:0]
		for _, h := range f.history {
			if h.resourceType == args[0].(string) && h.resourceID == args[1].(string) && h.version == args[2].(int) {
				continue
			}
			kept = append(kept, h)
		}
		f.history = kept

	case strings.HasPrefix(q, "INSERT INTO REFERENCES_TABLE"):
		f.edges = append(f.edges, args)

	case strings.HasPrefix(q, "DELETE FROM REFERENCES_TABLE"):
		kept := f.edges[:0]
		for _, e := range f.edges {
			if e[0] == args[0] {
				continue
			}
			kept = append(kept, e)
		}
		f.edges = kept

	case strings.HasPrefix(q, "INSERT INTO CUSTOM_EXTENSION_SEARCH_PARAMS"):
		f.custom = append(f.custom, args)

	case strings.HasPrefix(q, "DELETE FROM CUSTOM_EXTENSION_SEARCH_PARAMS WHERE RESOURCE_TYPE"):
		kept := f.custom[:0]
		for _, c := range f.custom {
			if c[1] == args[0] && c[2] == args[1] {
				continue
			}
			kept = append(kept, c)
		}
		f.custom = kept

	case strings.HasPrefix(q, "DELETE FROM CUSTOM_EXTENSION_SEARCH_PARAMS WHERE ID"):
		kept := f.custom[:0]
		for _, c := range f.custom {
			if c[0] == args[0] {
				continue
			}
			kept = append(kept, c)
		}
		f.custom = kept

	case strings.HasPrefix(q, "INSERT INTO SEARCH_PARAM_RES_EXPRESSIONS"):
		f.catalog = append(f.catalog, CatalogEntry{
			Name: args[0].(string), Type: args[1].(string),
			Resource: args[2].(string), Expression: args[3].(string), IsCustom: true,
		})

	case strings.HasPrefix(q, "DELETE FROM SEARCH_PARAM_RES_EXPRESSIONS WHERE RESOURCE_NAME"):
		kept := f.catalog[:0]
		for _, e := range f.catalog {
			if e.Resource == args[0].(string) && e.Name == args[1].(string) {
				continue
			}
			kept = append(kept, e)
		}
		f.catalog = kept

	case strings.HasPrefix(q, "DELETE FROM SEARCH_PARAM_RES_EXPRESSIONS WHERE SEARCH_PARAM_NAME"):
		kept := f.catalog[:0]
		for _, e := range f.catalog {
			if e.Name == args[0].(string) && e.IsCustom {
				continue
			}
			kept = append(kept, e)
		}
		f.catalog = kept

	case strings.HasPrefix(q, "INSERT INTO "):
		table := tableAfter(q, "INTO")
		cols := strings.Split(q[strings.Index(q, "(")+1:strings.Index(q, ")")], ", ")
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			row[col] = args[i]
		}
		f.rows[table][args[0].(string)] = row

	case strings.HasPrefix(q, "UPDATE "):
		table := tableAfter(q, "UPDATE")
		setPart := q[strings.Index(q, " SET ")+5 : strings.Index(q, " WHERE ")]
		id := args[len(args)-1].(string)
		row, ok := f.rows[table][id]
		if !ok {
			return pgconn.CommandTag{}, nil
		}
		for i, assignment := range strings.Split(setPart, ", ") {
			col := strings.Fields(assignment)[0]
			row[col] = args[i]
		}

	case strings.HasPrefix(q, "DELETE FROM "):
		table := tableAfter(q, "FROM")
		delete(f.rows[table], args[0].(string))

	default:
		return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", q)
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	q := norm(sql)
	if f.fails(q) {
		return nil, f.failErr
	}

	switch {
	case strings.Contains(q, "information_schema.columns"):
		for name, cols := range f.columns {
			if strings.EqualFold(name, args[0].(string)) {
				out := make([][]interface{}, len(cols))
				for i, c := range cols {
					out[i] = []interface{}{c}
				}
				return &fakeRows{rows: out}, nil
			}
		}
		return &fakeRows{}, nil

	case strings.Contains(q, "FROM SEARCH_PARAM_RES_EXPRESSIONS"):
		var entries []CatalogEntry
		for _, e := range f.catalog {
			if e.Resource == args[0].(string) {
				entries = append(entries, e)
			}
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		out := make([][]interface{}, len(entries))
		for i, e := range entries {
			out[i] = []interface{}{e.Name, e.Type, e.Resource, e.Expression, e.IsCustom}
		}
		return &fakeRows{rows: out}, nil

	case strings.Contains(q, "FROM REFERENCES_TABLE"):
		var out [][]interface{}
		for _, e := range f.edges {
			if e[1] == args[0] && e[2] == args[1] {
				out = append(out, e)
			}
		}
		return &fakeRows{rows: out}, nil

	case strings.Contains(q, "FROM CUSTOM_EXTENSION_SEARCH_PARAMS"):
		var out [][]interface{}
		for _, c := range f.custom {
			if c[1] == args[0] && c[2] == args[1] {
				out = append(out, c)
			}
		}
		return &fakeRows{rows: out}, nil

	case strings.Contains(q, "FROM RESOURCE_HISTORY"):
		entries := f.historyFor(args[0].(string), args[1].(string))
		sort.Slice(entries, func(i, j int) bool { return entries[i].version > entries[j].version })
		out := make([][]interface{}, len(entries))
		for i, h := range entries {
			out[i] = []interface{}{h.version, h.operation, h.createdAt, h.blob}
		}
		return &fakeRows{rows: out}, nil

	default:
		// Snapshot read: SELECT <all columns> FROM <table> WHERE <pk> = $1.
		table := tableAfter(q, "FROM")
		cols, ok := f.columns[table]
		if !ok {
			return nil, fmt.Errorf("unexpected query: %s", q)
		}
		row, ok := f.rows[table][args[0].(string)]
		if !ok {
			return &fakeRows{}, nil
		}
		vals := make([]interface{}, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		return &fakeRows{rows: [][]interface{}{vals}}, nil
	}
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	q := norm(sql)
	if f.fails(q) {
		return fakeRow{err: f.failErr}
	}

	switch {
	case strings.Contains(q, "COALESCE(MAX(VERSION_ID), 0)"):
		max := 0
		for _, h := range f.historyFor(args[0].(string), args[1].(string)) {
			if h.version > max {
				max = h.version
			}
		}
		return fakeRow{vals: []interface{}{max + 1}}

	case strings.HasPrefix(q, "SELECT 1 FROM "):
		table := tableAfter(q, "FROM")
		if _, ok := f.rows[table][args[0].(string)]; !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{vals: []interface{}{1}}

	case strings.Contains(q, "FROM SEARCH_PARAM_RES_EXPRESSIONS"):
		for _, e := range f.catalog {
			if e.Resource == args[0].(string) && e.Name == args[1].(string) {
				return fakeRow{vals: []interface{}{e.Name, e.Type, e.Resource, e.Expression, e.IsCustom}}
			}
		}
		return fakeRow{err: pgx.ErrNoRows}

	case strings.HasPrefix(q, "SELECT OPERATION, CREATED_AT, RESOURCE_JSON FROM RESOURCE_HISTORY"):
		for _, h := range f.historyFor(args[0].(string), args[1].(string)) {
			if h.version == args[2].(int) {
				return fakeRow{vals: []interface{}{h.operation, h.createdAt, h.blob}}
			}
		}
		return fakeRow{err: pgx.ErrNoRows}

	case strings.HasPrefix(q, "SELECT VERSION_ID, LAST_UPDATED, RESOURCE_JSON FROM "):
		table := tableAfter(q, "FROM")
		row, ok := f.rows[table][args[0].(string)]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{vals: []interface{}{row["VERSION_ID"], row["LAST_UPDATED"], row["RESOURCE_JSON"]}}

	default:
		return fakeRow{err: fmt.Errorf("unexpected query: %s", q)}
	}
}

type fakeRows struct {
	rows [][]interface{}
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	return assignAll(r.rows[r.idx-1], dest)
}

func (r *fakeRows) Values() ([]interface{}, error) {
	return r.rows[r.idx-1], nil
}

type fakeRow struct {
	vals []interface{}
	err  error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(r.vals, dest)
}

func assignAll(vals []interface{}, dest []interface{}) error {
	if len(vals) != len(dest) {
		return fmt.Errorf("scan: %d values into %d destinations", len(vals), len(dest))
	}
	for i, d := range dest {
		if err := assign(d, vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func assign(dst, val interface{}) error {
	switch d := dst.(type) {
	case *string:
		d2, ok := val.(string)
		if !ok {
			return fmt.Errorf("scan %T into *string", val)
		}
		*d = d2
	case *int:
		switch v := val.(type) {
		case int:
			*d = v
		case int64:
			*d = int(v)
		default:
			return fmt.Errorf("scan %T into *int", val)
		}
	case *bool:
		*d = val.(bool)
	case *time.Time:
		*d = val.(time.Time)
	case *[]byte:
		*d = val.([]byte)
	case **string:
		switch v := val.(type) {
		case nil:
			*d = nil
		case *string:
			*d = v
		case string:
			*d = &v
		}
	case **time.Time:
		switch v := val.(type) {
		case nil:
			*d = nil
		case *time.Time:
			*d = v
		case time.Time:
			*d = &v
		}
	case **decimal.Decimal:
		switch v := val.(type) {
		case nil:
			*d = nil
		case *decimal.Decimal:
			*d = v
		case decimal.Decimal:
			*d = &v
		}
	default:
		return fmt.Errorf("unsupported scan destination %T", dst)
	}
	return nil
}
