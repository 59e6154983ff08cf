package fhir

import (
	"fmt"
	"strings"
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa" // starts after
	PrefixEb SearchPrefix = "eb" // ends before
)

// ParsedSearch holds a parsed search value with its prefix.
type ParsedSearch struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the two-letter prefix from a FHIR search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "100" -> (eq, "100").
func ParseSearchValue(raw string) ParsedSearch {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb:
			return ParsedSearch{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedSearch{Prefix: PrefixEq, Value: raw}
}

// SQLOperator maps a search prefix to its SQL comparison operator.
func (p SearchPrefix) SQLOperator() string {
	switch p {
	case PrefixNe:
		return "!="
	case PrefixGt, PrefixSa:
		return ">"
	case PrefixGe:
		return ">="
	case PrefixLt, PrefixEb:
		return "<"
	case PrefixLe:
		return "<="
	default:
		return "="
	}
}

// TokenValue is a token search value split into its system and code parts.
// The four FHIR forms are: "code", "sys|code", "|code", "sys|".
type TokenValue struct {
	System    string
	Code      string
	HasSystem bool // a pipe was present, system part may still be empty
}

// ParseTokenValue splits a token search value on the first pipe.
func ParseTokenValue(raw string) TokenValue {
	if !strings.Contains(raw, "|") {
		return TokenValue{Code: raw}
	}
	parts := strings.SplitN(raw, "|", 2)
	return TokenValue{System: parts[0], Code: parts[1], HasSystem: true}
}

// IsReferenceValue classifies a raw query value as a reference
// ("Patient/123"): it contains a slash and no pipe, which distinguishes it
// from token values like "urn:oid:1.2|12345".
func IsReferenceValue(raw string) bool {
	return strings.Contains(raw, "/") && !strings.Contains(raw, "|")
}

// IsTokenValue classifies a raw query value as a token (contains a pipe).
func IsTokenValue(raw string) bool {
	return strings.Contains(raw, "|")
}

// controlParams is the whitelist of supported `_`-prefixed parameters.
var controlParams = map[string]bool{
	"_id":          true,
	"_lastUpdated": true,
	"_profile":     true,
	"_include":     true,
	"_revinclude":  true,
	"_count":       true,
}

// IsControlParam reports whether a query parameter is a control parameter
// (begins with an underscore).
func IsControlParam(name string) bool {
	return strings.HasPrefix(name, "_")
}

// ValidateControlParam rejects control parameters outside the whitelist.
func ValidateControlParam(name string) error {
	if !controlParams[name] {
		return fmt.Errorf("unsupported search parameter %q", name)
	}
	return nil
}

// TokenJSONPatterns returns the LIKE patterns used to match a token value
// against the stored JSON text of a token column. The patterns tolerate
// whitespace after the colon.
func TokenJSONPatterns(tok TokenValue) []string {
	var patterns []string
	if tok.System != "" {
		patterns = append(patterns,
			`%"system":%"`+escapeLike(tok.System)+`"%`)
	}
	if tok.Code != "" {
		patterns = append(patterns,
			`%"code":%"`+escapeLike(tok.Code)+`"%`)
	}
	return patterns
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
