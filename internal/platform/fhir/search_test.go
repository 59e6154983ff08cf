package fhir

import "testing"

func TestParseSearchValue(t *testing.T) {
	tests := []struct {
		input  string
		prefix SearchPrefix
		value  string
	}{
		{"2023-01-01", PrefixEq, "2023-01-01"},
		{"gt2023-01-01", PrefixGt, "2023-01-01"},
		{"lt2023-12-31", PrefixLt, "2023-12-31"},
		{"ge100", PrefixGe, "100"},
		{"le200", PrefixLe, "200"},
		{"ne50", PrefixNe, "50"},
		{"sa2023-06-01", PrefixSa, "2023-06-01"},
		{"eb2023-06-30", PrefixEb, "2023-06-30"},
		{"eq2023-01-01", PrefixEq, "2023-01-01"},
		{"abc", PrefixEq, "abc"},
		{"", PrefixEq, ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseSearchValue(tt.input)
			if result.Prefix != tt.prefix {
				t.Errorf("ParseSearchValue(%q).Prefix = %q, want %q", tt.input, result.Prefix, tt.prefix)
			}
			if result.Value != tt.value {
				t.Errorf("ParseSearchValue(%q).Value = %q, want %q", tt.input, result.Value, tt.value)
			}
		})
	}
}

func TestSQLOperator(t *testing.T) {
	tests := []struct {
		prefix SearchPrefix
		want   string
	}{
		{PrefixEq, "="},
		{PrefixNe, "!="},
		{PrefixGt, ">"},
		{PrefixGe, ">="},
		{PrefixLt, "<"},
		{PrefixLe, "<="},
		{PrefixSa, ">"},
		{PrefixEb, "<"},
	}
	for _, tt := range tests {
		if got := tt.prefix.SQLOperator(); got != tt.want {
			t.Errorf("%s.SQLOperator() = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestParseTokenValue(t *testing.T) {
	tests := []struct {
		input     string
		system    string
		code      string
		hasSystem bool
	}{
		{"active", "", "active", false},
		{"http://loinc.org|1234-5", "http://loinc.org", "1234-5", true},
		{"|1234-5", "", "1234-5", true},
		{"http://loinc.org|", "http://loinc.org", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			tok := ParseTokenValue(tt.input)
			if tok.System != tt.system || tok.Code != tt.code || tok.HasSystem != tt.hasSystem {
				t.Errorf("ParseTokenValue(%q) = %+v", tt.input, tok)
			}
		})
	}
}

func TestValueClassification(t *testing.T) {
	tests := []struct {
		value       string
		isReference bool
		isToken     bool
	}{
		{"Patient/123", true, false},
		{"urn:oid:1.2.3|12345", false, true},
		{"active", false, false},
		{"http://loinc.org|", false, true},
		{"Organization/abc", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			if got := IsReferenceValue(tt.value); got != tt.isReference {
				t.Errorf("IsReferenceValue(%q) = %v", tt.value, got)
			}
			if got := IsTokenValue(tt.value); got != tt.isToken {
				t.Errorf("IsTokenValue(%q) = %v", tt.value, got)
			}
		})
	}
}

func TestValidateControlParam(t *testing.T) {
	for _, ok := range []string{"_id", "_lastUpdated", "_profile", "_include", "_revinclude", "_count"} {
		if err := ValidateControlParam(ok); err != nil {
			t.Errorf("ValidateControlParam(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"_sort", "_elements", "_total", "_offset"} {
		if err := ValidateControlParam(bad); err == nil {
			t.Errorf("ValidateControlParam(%q) accepted", bad)
		}
	}
}

func TestTokenJSONPatterns(t *testing.T) {
	patterns := TokenJSONPatterns(TokenValue{System: "http://loinc.org", Code: "1234-5", HasSystem: true})
	if len(patterns) != 2 {
		t.Fatalf("expected 2 patterns, got %d", len(patterns))
	}
	patterns = TokenJSONPatterns(TokenValue{Code: "active"})
	if len(patterns) != 1 {
		t.Fatalf("expected 1 pattern, got %d", len(patterns))
	}
}
