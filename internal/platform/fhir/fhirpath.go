package fhir

import (
	"fmt"
	"strings"
)

// FHIRPathEngine evaluates the subset of FHIRPath needed for search-parameter
// extraction: dotted path navigation with array flattening, union
// expressions, and the two .where() shapes the server honours —
// where(url='…') on extensions and where(resolve() is T) on polymorphic
// references. Every other function is rejected; callers treat that as
// "this parameter does not index".
type FHIRPathEngine struct{}

// NewFHIRPathEngine creates a new FHIRPath evaluation engine.
func NewFHIRPathEngine() *FHIRPathEngine {
	return &FHIRPathEngine{}
}

// Evaluate evaluates a FHIRPath expression against a resource and returns the
// result as a collection. An empty collection means the path resolved to
// nothing.
func (e *FHIRPathEngine) Evaluate(resource map[string]interface{}, expression string) ([]interface{}, error) {
	if resource == nil {
		return []interface{}{}, nil
	}
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("fhirpath: empty expression")
	}

	var out []interface{}
	for _, branch := range splitTopLevel(expression, '|') {
		result, err := e.evalBranch(resource, strings.TrimSpace(branch))
		if err != nil {
			return nil, err
		}
		out = append(out, result...)
	}
	if out == nil {
		out = []interface{}{}
	}
	return out, nil
}

func (e *FHIRPathEngine) evalBranch(resource map[string]interface{}, branch string) ([]interface{}, error) {
	segments := splitTopLevel(branch, '.')
	if len(segments) == 0 {
		return nil, fmt.Errorf("fhirpath: empty branch")
	}

	collection := []interface{}{resource}

	// A leading segment equal to the resource's type scopes the expression
	// ("Patient.name" on a Patient) and is skipped; a mismatch means the
	// expression targets another type and yields nothing.
	start := 0
	if isTypeName(segments[0]) {
		if rt, _ := resource["resourceType"].(string); rt != segments[0] {
			return []interface{}{}, nil
		}
		start = 1
	}

	for _, seg := range segments[start:] {
		name, args, isFunc := splitFunction(seg)
		var err error
		if isFunc {
			collection, err = applyFunction(collection, name, args)
		} else {
			collection = navigate(collection, name)
		}
		if err != nil {
			return nil, err
		}
		if len(collection) == 0 {
			return []interface{}{}, nil
		}
	}
	return collection, nil
}

// navigate steps the collection into a field, flattening arrays.
func navigate(collection []interface{}, field string) []interface{} {
	var out []interface{}
	for _, item := range collection {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		val, ok := m[field]
		if !ok || val == nil {
			continue
		}
		if arr, isArr := val.([]interface{}); isArr {
			out = append(out, arr...)
		} else {
			out = append(out, val)
		}
	}
	return out
}

func applyFunction(collection []interface{}, name, args string) ([]interface{}, error) {
	switch name {
	case "where":
		return applyWhere(collection, args)
	case "first":
		if len(collection) > 1 {
			return collection[:1], nil
		}
		return collection, nil
	default:
		return nil, fmt.Errorf("fhirpath: unsupported function %q", name)
	}
}

func applyWhere(collection []interface{}, args string) ([]interface{}, error) {
	args = strings.TrimSpace(args)

	// where(resolve() is T): keep references whose "reference" targets T.
	if targetType, ok := parseResolveIs(args); ok {
		var out []interface{}
		for _, item := range collection {
			m, isMap := item.(map[string]interface{})
			if !isMap {
				continue
			}
			ref, _ := m["reference"].(string)
			if strings.HasPrefix(ref, targetType+"/") {
				out = append(out, item)
			}
		}
		return out, nil
	}

	// where(field='literal'): equality filter on a leaf field, the shape
	// used by extension search parameters (field is usually "url").
	field, literal, ok := parseEquality(args)
	if !ok {
		return nil, fmt.Errorf("fhirpath: unsupported where clause %q", args)
	}
	var out []interface{}
	for _, item := range collection {
		m, isMap := item.(map[string]interface{})
		if !isMap {
			continue
		}
		if s, isStr := m[field].(string); isStr && s == literal {
			out = append(out, item)
		}
	}
	return out, nil
}

// parseResolveIs matches "resolve() is T" and returns T.
func parseResolveIs(args string) (string, bool) {
	if !strings.HasPrefix(args, "resolve()") {
		return "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(args, "resolve()"))
	if !strings.HasPrefix(rest, "is ") {
		return "", false
	}
	target := strings.TrimSpace(strings.TrimPrefix(rest, "is "))
	if target == "" {
		return "", false
	}
	return target, true
}

// parseEquality matches "field='literal'" and returns both sides.
func parseEquality(args string) (field, literal string, ok bool) {
	idx := strings.Index(args, "=")
	if idx < 0 {
		return "", "", false
	}
	field = strings.TrimSpace(args[:idx])
	rhs := strings.TrimSpace(args[idx+1:])
	if len(rhs) < 2 || rhs[0] != '\'' || rhs[len(rhs)-1] != '\'' {
		return "", "", false
	}
	if field == "" || strings.ContainsAny(field, "()' ") {
		return "", "", false
	}
	return field, rhs[1 : len(rhs)-1], true
}

// splitFunction splits "where(url='x')" into ("where", "url='x'", true);
// plain identifiers return isFunc=false.
func splitFunction(segment string) (name, args string, isFunc bool) {
	open := strings.Index(segment, "(")
	if open < 0 || !strings.HasSuffix(segment, ")") {
		return segment, "", false
	}
	return segment[:open], segment[open+1 : len(segment)-1], true
}

// splitTopLevel splits on a separator, ignoring occurrences inside
// parentheses or single-quoted strings.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	inString := false
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\'':
			inString = !inString
		case inString:
		case ch == '(':
			depth++
		case ch == ')':
			depth--
		case ch == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// isTypeName reports whether a path segment looks like a resource type head
// (upper-case initial, no function call).
func isTypeName(segment string) bool {
	if segment == "" || strings.Contains(segment, "(") {
		return false
	}
	return segment[0] >= 'A' && segment[0] <= 'Z'
}

// LeafField extracts the last JSON field name from a FHIRPath expression,
// dropping any trailing .where(...) clause. This is the value stored as the
// reference edge's sourceExpression and matched by _include.
func LeafField(expression string) string {
	branch := splitTopLevel(strings.TrimSpace(expression), '|')[0]
	segments := splitTopLevel(strings.TrimSpace(branch), '.')
	leaf := ""
	for _, seg := range segments {
		name, _, isFunc := splitFunction(strings.TrimSpace(seg))
		if isFunc {
			continue
		}
		leaf = name
	}
	return leaf
}

// ResolveTargetType extracts T from a trailing where(resolve() is T) clause,
// if present. _include uses this to fix the expected target type.
func ResolveTargetType(expression string) (string, bool) {
	branch := splitTopLevel(strings.TrimSpace(expression), '|')[0]
	for _, seg := range splitTopLevel(strings.TrimSpace(branch), '.') {
		name, args, isFunc := splitFunction(strings.TrimSpace(seg))
		if isFunc && name == "where" {
			if target, ok := parseResolveIs(strings.TrimSpace(args)); ok {
				return target, true
			}
		}
	}
	return "", false
}

// ExtensionURL extracts the url literal from an extension expression of the
// shape "...extension.where(url='…')...". Custom search parameters use this
// to filter the resource's extension array.
func ExtensionURL(expression string) (string, bool) {
	for _, seg := range splitTopLevel(strings.TrimSpace(expression), '.') {
		name, args, isFunc := splitFunction(strings.TrimSpace(seg))
		if !isFunc || name != "where" {
			continue
		}
		if field, literal, ok := parseEquality(strings.TrimSpace(args)); ok && field == "url" {
			return literal, true
		}
	}
	return "", false
}
