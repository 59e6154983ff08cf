package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/carewire/fhir-server/internal/platform/fhir"
)

// EdgeCapture is a reference found inside a resource, destined for the
// reference graph. Expression is the leaf JSON field name that held it.
type EdgeCapture struct {
	Expression string
	TargetType string
	TargetID   string
	Display    string
}

// CustomRow is one pre-extracted value for a custom search parameter,
// destined for the EAV side table.
type CustomRow struct {
	ParamName   string
	ParamType   string
	String      *string
	Number      *decimal.Decimal
	Date        *time.Time
	TokenSystem *string
	TokenCode   *string
	RefType     *string
	RefID       *string
}

// Extraction is everything the extractor mined out of one resource.
type Extraction struct {
	// Columns maps physical column names to typed values for standard
	// search parameters.
	Columns map[string]interface{}
	// Custom holds EAV rows for custom search parameters.
	Custom []CustomRow
	// Edges holds every reference leaf found in the resource.
	Edges []EdgeCapture
}

// Extractor mines indexable values out of resources by evaluating the
// catalog's FHIRPath expressions. Per-parameter failures are non-fatal: the
// failed parameter simply does not index and a warning is logged.
type Extractor struct {
	path *fhir.FHIRPathEngine
	log  zerolog.Logger
}

func NewExtractor(log zerolog.Logger) *Extractor {
	return &Extractor{path: fhir.NewFHIRPathEngine(), log: log}
}

// Extract evaluates every catalog entry against the resource and collects
// typed column values, custom EAV rows and reference edges.
func (x *Extractor) Extract(resource map[string]interface{}, entries []CatalogEntry) *Extraction {
	out := &Extraction{Columns: make(map[string]interface{})}

	for _, entry := range entries {
		if entry.IsCustom {
			rows, err := x.extractCustom(resource, entry)
			if err != nil {
				x.warn(entry, err)
				continue
			}
			out.Custom = append(out.Custom, rows...)
			continue
		}

		value, err := x.extractStandard(resource, entry)
		if err != nil {
			x.warn(entry, err)
			continue
		}
		if value != nil {
			out.Columns[fhir.ColumnName(entry.Name)] = value
		}
	}

	out.Edges = CollectReferences(resource)
	return out
}

func (x *Extractor) warn(entry CatalogEntry, err error) {
	x.log.Warn().Err(err).
		Str("resource", entry.Resource).
		Str("param", entry.Name).
		Msg("search parameter extraction failed")
}

// extractStandard evaluates a standard catalog entry and converts the first
// result to the parameter's column type. A nil value means the path resolved
// to nothing.
func (x *Extractor) extractStandard(resource map[string]interface{}, entry CatalogEntry) (interface{}, error) {
	values, err := x.path.Evaluate(resource, entry.Expression)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return convertValue(entry.Type, values[0])
}

// convertValue coerces a raw JSON value into the Go value stored in a typed
// search-parameter column.
func convertValue(paramType string, value interface{}) (interface{}, error) {
	switch paramType {
	case "string", "uri":
		return stringifyScalar(value)
	case "number":
		return toDecimal(value)
	case "date":
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: date value must be a string, got %T", ErrFormat, value)
		}
		return fhir.ParseFHIRDate(s)
	case "token":
		return tokenColumnText(value)
	case "reference":
		targetType, targetID, err := referenceParts(value)
		if err != nil {
			return nil, err
		}
		return targetType + "/" + targetID, nil
	default:
		return nil, fmt.Errorf("%w: unknown search parameter type %q", ErrFormat, paramType)
	}
}

func stringifyScalar(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v).String(), nil
	case bool:
		if v {
			return "true", nil
		}
		return "false", nil
	default:
		return "", fmt.Errorf("%w: expected scalar, got %T", ErrFormat, value)
	}
}

func toDecimal(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: %q is not a number", ErrFormat, v)
		}
		return d, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: expected number, got %T", ErrFormat, value)
	}
}

// tokenColumnText renders a token value as the text stored in its column:
// plain codes stay as-is, Coding/CodeableConcept objects keep their JSON
// text so token searches can substring-match system and code.
func tokenColumnText(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		if v {
			return "true", nil
		}
		return "false", nil
	case map[string]interface{}:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("%w: marshal token value: %v", ErrFormat, err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("%w: unsupported token value %T", ErrFormat, value)
	}
}

// tokenParts peeks one level into a token value for its system and code:
// works for both Coding and CodeableConcept.
func tokenParts(value interface{}) (system, code string, err error) {
	switch v := value.(type) {
	case string:
		return "", v, nil
	case map[string]interface{}:
		if s, ok := v["system"].(string); ok {
			system = s
		}
		if c, ok := v["code"].(string); ok {
			code = c
		}
		if system == "" && code == "" {
			// CodeableConcept: peek into the first coding.
			if codings, ok := v["coding"].([]interface{}); ok && len(codings) > 0 {
				if first, ok := codings[0].(map[string]interface{}); ok {
					system, _ = first["system"].(string)
					code, _ = first["code"].(string)
				}
			}
		}
		if system == "" && code == "" {
			return "", "", fmt.Errorf("%w: token object has no system or code", ErrFormat)
		}
		return system, code, nil
	default:
		return "", "", fmt.Errorf("%w: unsupported token value %T", ErrFormat, value)
	}
}

// referenceParts accepts "T/id" strings or {reference: "T/id"} objects.
func referenceParts(value interface{}) (targetType, targetID string, err error) {
	var ref string
	switch v := value.(type) {
	case string:
		ref = v
	case map[string]interface{}:
		ref, _ = v["reference"].(string)
	default:
		return "", "", fmt.Errorf("%w: unsupported reference value %T", ErrFormat, value)
	}
	targetType, targetID, ok := fhir.ReferenceTarget(ref)
	if !ok {
		return "", "", fmt.Errorf("%w: malformed reference %q", ErrFormat, ref)
	}
	return targetType, targetID, nil
}

// extractCustom produces EAV rows for a custom search parameter. Expressions
// of the shape extension.where(url='…') filter the resource's extension
// array literally; any other expression goes through the FHIRPath engine.
func (x *Extractor) extractCustom(resource map[string]interface{}, entry CatalogEntry) ([]CustomRow, error) {
	var values []interface{}

	if url, ok := fhir.ExtensionURL(entry.Expression); ok {
		extensions, _ := resource["extension"].([]interface{})
		for _, raw := range extensions {
			ext, isMap := raw.(map[string]interface{})
			if !isMap {
				continue
			}
			if extURL, _ := ext["url"].(string); extURL != url {
				continue
			}
			if v, found := extensionValue(ext); found {
				values = append(values, v)
			}
		}
	} else {
		evaluated, err := x.path.Evaluate(resource, entry.Expression)
		if err != nil {
			return nil, err
		}
		values = evaluated
	}

	rows := make([]CustomRow, 0, len(values))
	for _, value := range values {
		row, err := toCustomRow(entry, value)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// extensionValue pulls the value[x] field out of an extension entry.
func extensionValue(ext map[string]interface{}) (interface{}, bool) {
	for _, key := range []string{
		"valueString", "valueCode", "valueUri", "valueInteger", "valueDecimal",
		"valueDate", "valueDateTime", "valueBoolean", "valueCoding",
		"valueCodeableConcept", "valueReference",
	} {
		if v, ok := ext[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// toCustomRow converts an extracted value into its typed EAV representation.
func toCustomRow(entry CatalogEntry, value interface{}) (CustomRow, error) {
	row := CustomRow{ParamName: entry.Name, ParamType: entry.Type}

	switch entry.Type {
	case "string", "uri":
		s, err := stringifyScalar(value)
		if err != nil {
			return row, err
		}
		row.String = &s
	case "number":
		d, err := toDecimal(value)
		if err != nil {
			return row, err
		}
		row.Number = &d
	case "date":
		s, ok := value.(string)
		if !ok {
			return row, fmt.Errorf("%w: date value must be a string, got %T", ErrFormat, value)
		}
		t, err := fhir.ParseFHIRDate(s)
		if err != nil {
			return row, err
		}
		row.Date = &t
	case "token":
		system, code, err := tokenParts(value)
		if err != nil {
			return row, err
		}
		row.TokenSystem = &system
		row.TokenCode = &code
	case "reference":
		targetType, targetID, err := referenceParts(value)
		if err != nil {
			return row, err
		}
		row.RefType = &targetType
		row.RefID = &targetID
	default:
		return row, fmt.Errorf("%w: unknown search parameter type %q", ErrFormat, entry.Type)
	}
	return row, nil
}

// CollectReferences walks a resource and captures every {reference: "T/id"}
// leaf together with the JSON field name that held it. The same walk feeds
// reference validation and the edge rewrite, so the graph and the blob can
// never disagree.
func CollectReferences(resource map[string]interface{}) []EdgeCapture {
	var edges []EdgeCapture
	seen := make(map[string]bool)

	var walk func(key string, value interface{})
	walk = func(key string, value interface{}) {
		switch v := value.(type) {
		case map[string]interface{}:
			if ref, ok := v["reference"].(string); ok {
				targetType, targetID, valid := fhir.ReferenceTarget(ref)
				if !valid {
					return
				}
				dedupe := key + "|" + targetType + "|" + targetID
				if seen[dedupe] {
					return
				}
				seen[dedupe] = true
				display, _ := v["display"].(string)
				edges = append(edges, EdgeCapture{
					Expression: key,
					TargetType: targetType,
					TargetID:   targetID,
					Display:    display,
				})
				return
			}
			for k, nested := range v {
				walk(k, nested)
			}
		case []interface{}:
			for _, item := range v {
				walk(key, item)
			}
		}
	}

	for key, value := range resource {
		walk(key, value)
	}
	return edges
}
