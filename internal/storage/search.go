package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/carewire/fhir-server/internal/platform/fhir"
)

// MatchedResource is one search hit.
type MatchedResource struct {
	ID       string
	Resource map[string]interface{}
}

// IncludedResource is a resource pulled in via _include or _revinclude.
type IncludedResource struct {
	Type     string
	ID       string
	Resource map[string]interface{}
}

// SearchResult is the engine's answer to a type-level search: the matches for
// the requested page, the included neighbours, and the total match count
// across all pages.
type SearchResult struct {
	Matches  []MatchedResource
	Includes []IncludedResource
	Total    int
}

// Search runs a type-level search. Every parameter must be either a known
// control parameter or a catalog entry for the type; anything else fails with
// ErrUnsupportedParam rather than silently matching everything.
func (e *Engine) Search(ctx context.Context, resourceType string, params url.Values, count, offset int) (*SearchResult, error) {
	w := &whereBuilder{}
	var profiles []string

	for name, values := range params {
		switch {
		case fhir.IsControlParam(name):
			if err := fhir.ValidateControlParam(name); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnsupportedParam, err)
			}
		}

		for _, value := range values {
			if err := e.addParamClause(ctx, w, resourceType, name, value, &profiles); err != nil {
				return nil, err
			}
		}
	}

	if len(profiles) > 0 {
		return e.searchFilteredByProfile(ctx, resourceType, w, profiles, count, offset, params)
	}

	total, err := e.countMatches(ctx, resourceType, w)
	if err != nil {
		return nil, err
	}
	matches, err := e.fetchMatches(ctx, resourceType, w, count, offset)
	if err != nil {
		return nil, err
	}

	includes, err := e.resolveIncludes(ctx, resourceType, matches, params)
	if err != nil {
		return nil, err
	}
	return &SearchResult{Matches: matches, Includes: includes, Total: total}, nil
}

// addParamClause turns one query parameter value into SQL, or records it for
// post-fetch handling.
func (e *Engine) addParamClause(ctx context.Context, w *whereBuilder, resourceType, name, value string, profiles *[]string) error {
	switch name {
	case "_id":
		w.clause(fmt.Sprintf("%s = %s", fhir.PrimaryKey(resourceType), w.arg(value)))
		return nil
	case "_lastUpdated":
		// A partial date matches the whole period it names; LAST_UPDATED
		// carries millisecond timestamps no date-only equality would hit.
		return addDateClause(w, colLastUpdated, "_lastUpdated", value)
	case "_profile":
		// meta.profile lives only in the blob; filtered after fetch.
		*profiles = append(*profiles, value)
		return nil
	case "_include", "_revinclude", "_count":
		// Handled outside the WHERE clause.
		return nil
	}

	entry, err := e.catalog.Lookup(ctx, e.q, resourceType, name)
	if err != nil {
		return err
	}
	if entry == nil {
		// Unknown non-control parameters do not constrain the search.
		e.log.Debug().Str("resource", resourceType).Str("param", name).
			Msg("ignoring unknown search parameter")
		return nil
	}

	if entry.IsCustom {
		return e.addCustomClause(ctx, w, resourceType, entry, value)
	}
	return e.addStandardClause(ctx, w, resourceType, entry, value)
}

// addStandardClause builds the typed-column condition for a standard
// parameter.
func (e *Engine) addStandardClause(ctx context.Context, w *whereBuilder, resourceType string, entry *CatalogEntry, value string) error {
	col := fhir.ColumnName(entry.Name)
	has, err := e.cols.HasColumn(ctx, e.q, fhir.TableName(resourceType), col)
	if err != nil {
		return err
	}
	if !has {
		// Catalog entry without a physical column cannot constrain.
		e.log.Debug().Str("resource", resourceType).Str("param", entry.Name).
			Msg("search parameter has no column")
		return nil
	}

	switch entry.Type {
	case "string":
		w.clause(fmt.Sprintf("%s LIKE %s", col, w.arg("%"+escapeLikeValue(value)+"%")))
	case "uri":
		w.clause(fmt.Sprintf("%s = %s", col, w.arg(value)))
	case "number":
		parsed := fhir.ParseSearchValue(value)
		d, err := toDecimal(parsed.Value)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidInput, entry.Name, value)
		}
		w.clause(fmt.Sprintf("%s %s %s", col, parsed.Prefix.SQLOperator(), w.arg(d)))
	case "date":
		return addDateClause(w, col, entry.Name, value)
	case "token":
		addTokenClause(w, col, value)
	case "reference":
		return e.addReferenceClause(ctx, w, resourceType, col, value)
	default:
		return fmt.Errorf("%w: parameter type %q", ErrUnsupportedParam, entry.Type)
	}
	return nil
}

// addDateClause compares against a date column. An eq on a partial date
// matches the whole period it names; other prefixes compare against the
// period's first instant.
func addDateClause(w *whereBuilder, col, name, value string) error {
	parsed := fhir.ParseSearchValue(value)
	start, end, err := datePeriod(parsed.Value)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalidInput, name, value)
	}

	switch parsed.Prefix {
	case fhir.PrefixEq:
		w.clause(fmt.Sprintf("%s >= %s AND %s < %s", col, w.arg(start), col, w.arg(end)))
	case fhir.PrefixNe:
		w.clause(fmt.Sprintf("(%s < %s OR %s >= %s)", col, w.arg(start), col, w.arg(end)))
	default:
		w.clause(fmt.Sprintf("%s %s %s", col, parsed.Prefix.SQLOperator(), w.arg(start)))
	}
	return nil
}

// datePeriod expands a partial date into the [start, end) interval it covers.
func datePeriod(raw string) (time.Time, time.Time, error) {
	start, err := fhir.ParseFHIRDate(raw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	switch len(raw) {
	case 4: // YYYY
		return start, start.AddDate(1, 0, 0), nil
	case 7: // YYYY-MM
		return start, start.AddDate(0, 1, 0), nil
	case 10: // YYYY-MM-DD
		return start, start.AddDate(0, 0, 1), nil
	default:
		return start, start.Add(time.Millisecond), nil
	}
}

// addTokenClause matches a token column. system|code forms match the JSON
// text of stored Coding/CodeableConcept values; a bare value matches plain
// codes and embedded code fields alike.
func addTokenClause(w *whereBuilder, col, value string) {
	if fhir.IsTokenValue(value) {
		token := fhir.ParseTokenValue(value)
		patterns := fhir.TokenJSONPatterns(token)
		if len(patterns) == 0 {
			w.clause(fmt.Sprintf("%s = %s", col, w.arg(value)))
			return
		}
		parts := make([]string, 0, len(patterns))
		for _, p := range patterns {
			parts = append(parts, fmt.Sprintf("%s LIKE %s", col, w.arg(p)))
		}
		w.clause("(" + strings.Join(parts, " AND ") + ")")
		return
	}
	codePattern := fhir.TokenJSONPatterns(fhir.TokenValue{Code: value})[0]
	w.clause(fmt.Sprintf("(%s = %s OR %s LIKE %s)", col, w.arg(value), col, w.arg(codePattern)))
}

// addReferenceClause matches by reference. Type/id values resolve through
// the reference graph; bare ids fall back to the column's "Type/id" text.
func (e *Engine) addReferenceClause(ctx context.Context, w *whereBuilder, resourceType, col, value string) error {
	if fhir.IsReferenceValue(value) {
		targetType, targetID, ok := fhir.ReferenceTarget(value)
		if !ok {
			return fmt.Errorf("%w: malformed reference %q", ErrInvalidInput, value)
		}
		ids, err := e.refs.SourcesReferencing(ctx, e.q, resourceType, targetType, targetID)
		if err != nil {
			return err
		}
		w.idFilter(fhir.PrimaryKey(resourceType), ids)
		return nil
	}
	w.clause(fmt.Sprintf("%s LIKE %s", col, w.arg("%/"+escapeLikeValue(value))))
	return nil
}

// addCustomClause resolves a custom parameter through the EAV side table and
// narrows the primary key to the matching owners.
func (e *Engine) addCustomClause(ctx context.Context, w *whereBuilder, resourceType string, entry *CatalogEntry, value string) error {
	condition, args, err := customCondition(entry, value)
	if err != nil {
		return err
	}
	ids, err := e.custom.MatchingResources(ctx, e.q, resourceType, entry.Name, condition, args)
	if err != nil {
		return err
	}
	w.idFilter(fhir.PrimaryKey(resourceType), ids)
	return nil
}

// customCondition builds the EAV value condition. Placeholders start at $3:
// MatchingResources binds resource type and param name first.
func customCondition(entry *CatalogEntry, value string) (string, []interface{}, error) {
	n := 3
	next := func() string {
		s := fmt.Sprintf("$%d", n)
		n++
		return s
	}

	switch entry.Type {
	case "string":
		return fmt.Sprintf("VALUE_STRING LIKE %s", next()),
			[]interface{}{"%" + escapeLikeValue(value) + "%"}, nil
	case "uri":
		return fmt.Sprintf("VALUE_STRING = %s", next()), []interface{}{value}, nil
	case "number":
		parsed := fhir.ParseSearchValue(value)
		d, err := toDecimal(parsed.Value)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %s=%q", ErrInvalidInput, entry.Name, value)
		}
		return fmt.Sprintf("VALUE_NUMBER %s %s", parsed.Prefix.SQLOperator(), next()),
			[]interface{}{d}, nil
	case "date":
		parsed := fhir.ParseSearchValue(value)
		start, end, err := datePeriod(parsed.Value)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %s=%q", ErrInvalidInput, entry.Name, value)
		}
		if parsed.Prefix == fhir.PrefixEq {
			return fmt.Sprintf("VALUE_DATE >= %s AND VALUE_DATE < %s", next(), next()),
				[]interface{}{start, end}, nil
		}
		return fmt.Sprintf("VALUE_DATE %s %s", parsed.Prefix.SQLOperator(), next()),
			[]interface{}{start}, nil
	case "token":
		if fhir.IsTokenValue(value) {
			token := fhir.ParseTokenValue(value)
			var parts []string
			var args []interface{}
			if token.HasSystem {
				parts = append(parts, fmt.Sprintf("VALUE_TOKEN_SYSTEM = %s", next()))
				args = append(args, token.System)
			}
			if token.Code != "" {
				parts = append(parts, fmt.Sprintf("VALUE_TOKEN_CODE = %s", next()))
				args = append(args, token.Code)
			}
			if len(parts) == 0 {
				return fmt.Sprintf("VALUE_TOKEN_CODE = %s", next()), []interface{}{value}, nil
			}
			return strings.Join(parts, " AND "), args, nil
		}
		return fmt.Sprintf("VALUE_TOKEN_CODE = %s", next()), []interface{}{value}, nil
	case "reference":
		targetType, targetID, ok := fhir.ReferenceTarget(value)
		if !ok {
			return fmt.Sprintf("VALUE_REFERENCE_ID = %s", next()), []interface{}{value}, nil
		}
		return fmt.Sprintf("VALUE_REFERENCE_TYPE = %s AND VALUE_REFERENCE_ID = %s", next(), next()),
			[]interface{}{targetType, targetID}, nil
	default:
		return "", nil, fmt.Errorf("%w: parameter type %q", ErrUnsupportedParam, entry.Type)
	}
}

// countMatches counts the full match set, ignoring paging.
func (e *Engine) countMatches(ctx context.Context, resourceType string, w *whereBuilder) (int, error) {
	if w.empty() {
		// Even the unmatchable id filter produces a WHERE; empty means
		// unconstrained.
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", fhir.TableName(resourceType))
		var total int
		if err := e.q.QueryRow(ctx, query).Scan(&total); err != nil {
			return 0, fmt.Errorf("count %s matches: %w", resourceType, err)
		}
		return total, nil
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s",
		fhir.TableName(resourceType), w.where())
	var total int
	if err := e.q.QueryRow(ctx, query, w.args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count %s matches: %w", resourceType, err)
	}
	return total, nil
}

// fetchMatches reads one page of matching rows, oldest first for a stable
// paging order. A negative count means no limit.
func (e *Engine) fetchMatches(ctx context.Context, resourceType string, w *whereBuilder, count, offset int) ([]MatchedResource, error) {
	pk := fhir.PrimaryKey(resourceType)
	query := fmt.Sprintf("SELECT %s, %s, %s, %s FROM %s",
		pk, colVersionID, colLastUpdated, colResourceJSON, fhir.TableName(resourceType))
	if !w.empty() {
		query += " WHERE " + w.where()
	}
	query += fmt.Sprintf(" ORDER BY %s, %s", colCreatedAt, pk)
	if count >= 0 {
		query += fmt.Sprintf(" LIMIT %d", count)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}

	rows, err := e.q.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", resourceType, err)
	}
	defer rows.Close()

	var matches []MatchedResource
	for rows.Next() {
		var (
			id          string
			version     int
			lastUpdated time.Time
			blob        []byte
		)
		if err := rows.Scan(&id, &version, &lastUpdated, &blob); err != nil {
			return nil, fmt.Errorf("scan %s match: %w", resourceType, err)
		}
		resource, err := fhir.ParseResource(blob)
		if err != nil {
			return nil, fmt.Errorf("parse stored %s/%s: %w", resourceType, id, err)
		}
		fhir.StampMeta(resource, version, lastUpdated)
		matches = append(matches, MatchedResource{ID: id, Resource: resource})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s matches: %w", resourceType, err)
	}
	return matches, nil
}

// searchFilteredByProfile fetches the full match set, filters by
// meta.profile in memory and pages afterwards. Profiles live only inside the
// blob, so this cannot push down into SQL.
func (e *Engine) searchFilteredByProfile(ctx context.Context, resourceType string, w *whereBuilder, profiles []string, count, offset int, params url.Values) (*SearchResult, error) {
	all, err := e.fetchMatches(ctx, resourceType, w, -1, 0)
	if err != nil {
		return nil, err
	}

	var filtered []MatchedResource
	for _, m := range all {
		if hasProfiles(m.Resource, profiles) {
			filtered = append(filtered, m)
		}
	}

	total := len(filtered)
	if offset > len(filtered) {
		filtered = nil
	} else {
		filtered = filtered[offset:]
	}
	if count >= 0 && count < len(filtered) {
		filtered = filtered[:count]
	}

	includes, err := e.resolveIncludes(ctx, resourceType, filtered, params)
	if err != nil {
		return nil, err
	}
	return &SearchResult{Matches: filtered, Includes: includes, Total: total}, nil
}

// hasProfiles reports whether meta.profile carries every requested profile.
func hasProfiles(resource map[string]interface{}, wanted []string) bool {
	meta, _ := resource["meta"].(map[string]interface{})
	declared, _ := meta["profile"].([]interface{})
	for _, want := range wanted {
		found := false
		for _, p := range declared {
			if s, ok := p.(string); ok && s == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// whereBuilder accumulates AND-ed conditions with positional bind args.
type whereBuilder struct {
	clauses []string
	args    []interface{}
}

func (w *whereBuilder) arg(v interface{}) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *whereBuilder) clause(c string) {
	w.clauses = append(w.clauses, c)
}

// idFilter narrows the primary key to a resolved id set. An empty set adds
// an unsatisfiable condition so the search returns nothing.
func (w *whereBuilder) idFilter(pk string, ids []string) {
	if len(ids) == 0 {
		w.clause("1 = 0")
		return
	}
	placeholders := make([]string, 0, len(ids))
	for _, id := range ids {
		placeholders = append(placeholders, w.arg(id))
	}
	w.clause(fmt.Sprintf("%s IN (%s)", pk, strings.Join(placeholders, ", ")))
}

func (w *whereBuilder) empty() bool { return len(w.clauses) == 0 }

func (w *whereBuilder) where() string { return strings.Join(w.clauses, " AND ") }

// escapeLikeValue escapes LIKE metacharacters in a user value.
func escapeLikeValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
