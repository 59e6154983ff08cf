package fhir

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrFormat is returned when a value cannot be represented as a SQL literal
// or coerced to its target column type.
var ErrFormat = errors.New("format error")

// TableName maps a FHIR resource type to its physical table name.
// The resource type's case is preserved: "Patient" -> "PatientTable".
func TableName(resourceType string) string {
	return resourceType + "Table"
}

// PrimaryKey maps a FHIR resource type to its primary-key column name:
// "Patient" -> "PATIENTTABLE_ID".
func PrimaryKey(resourceType string) string {
	return strings.ToUpper(resourceType) + "TABLE_ID"
}

// ColumnName maps a FHIR search-parameter name to its physical column name:
// "general-practitioner" -> "GENERAL_PRACTITIONER".
func ColumnName(param string) string {
	return strings.ToUpper(strings.ReplaceAll(param, "-", "_"))
}

// ParamName is the inverse of ColumnName: "GENERAL_PRACTITIONER" ->
// "general-practitioner".
func ParamName(column string) string {
	return strings.ToLower(strings.ReplaceAll(column, "_", "-"))
}

// BinaryFormatter renders a byte slice as a backend-specific SQL literal.
type BinaryFormatter func([]byte) string

// FormatValue renders a Go value as a SQL literal. Byte slices require a
// backend-specific formatter; passing nil for bin makes []byte values fail
// with ErrFormat.
func FormatValue(v interface{}, bin BinaryFormatter) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return QuoteString(val), nil
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.Itoa(val), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return decimal.NewFromFloat(val).String(), nil
	case decimal.Decimal:
		return val.String(), nil
	case time.Time:
		return quoteTime(val), nil
	case *time.Time:
		if val == nil {
			return "NULL", nil
		}
		return quoteTime(*val), nil
	case []byte:
		if bin == nil {
			return "", fmt.Errorf("%w: no binary formatter for []byte", ErrFormat)
		}
		return bin(val), nil
	default:
		return "", fmt.Errorf("%w: unsupported literal type %T", ErrFormat, v)
	}
}

// QuoteString renders a single-quoted SQL string literal with '' escaping.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteTime(t time.Time) string {
	if isDateOnly(t) {
		return "'" + t.Format("2006-01-02") + "'"
	}
	return "'" + FormatTimestamp(t) + "'"
}

// isDateOnly reports whether a time carries no clock component.
func isDateOnly(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}

// FormatTimestamp renders a timestamp with millisecond precision, seconds
// clamped to [00.000, 59.999]. Leap seconds otherwise render as :60 and are
// rejected by both backends.
func FormatTimestamp(t time.Time) string {
	if t.Second() > 59 {
		t = t.Truncate(time.Minute).Add(59*time.Second + 999*time.Millisecond)
	}
	return t.Format("2006-01-02 15:04:05.000")
}

// FormatInstant renders an ISO-8601 instant for meta.lastUpdated.
func FormatInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ParseFHIRDate parses a FHIR partial date (YYYY, YYYY-MM, YYYY-MM-DD) or a
// full ISO datetime. Partial dates resolve to the first instant they cover.
func ParseFHIRDate(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable date %q", ErrFormat, s)
}
