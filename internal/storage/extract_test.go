package storage

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPatient() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p1",
		"name": []interface{}{
			map[string]interface{}{
				"family": "Chalmers",
				"given":  []interface{}{"Peter", "James"},
			},
		},
		"gender":    "male",
		"birthDate": "1974-12-25",
		"generalPractitioner": []interface{}{
			map[string]interface{}{
				"reference": "Practitioner/gp9",
				"display":   "Dr Adam Careful",
			},
		},
		"extension": []interface{}{
			map[string]interface{}{
				"url":         "http://example.org/fhir/StructureDefinition/favorite-color",
				"valueString": "blue",
			},
		},
	}
}

func TestExtractStandardParams(t *testing.T) {
	x := NewExtractor(zerolog.Nop())
	entries := []CatalogEntry{
		{Name: "family", Type: "string", Resource: "Patient", Expression: "Patient.name.family"},
		{Name: "gender", Type: "token", Resource: "Patient", Expression: "Patient.gender"},
		{Name: "birthdate", Type: "date", Resource: "Patient", Expression: "Patient.birthDate"},
		{Name: "general-practitioner", Type: "reference", Resource: "Patient", Expression: "Patient.generalPractitioner"},
	}

	out := x.Extract(testPatient(), entries)

	assert.Equal(t, "Chalmers", out.Columns["FAMILY"])
	assert.Equal(t, "male", out.Columns["GENDER"])
	assert.Equal(t, "Practitioner/gp9", out.Columns["GENERAL_PRACTITIONER"])

	bd, ok := out.Columns["BIRTHDATE"].(time.Time)
	require.True(t, ok, "birthdate should be a time.Time")
	assert.Equal(t, 1974, bd.Year())
}

func TestExtractMissingPathYieldsNoColumn(t *testing.T) {
	x := NewExtractor(zerolog.Nop())
	entries := []CatalogEntry{
		{Name: "death-date", Type: "date", Resource: "Patient", Expression: "Patient.deceasedDateTime"},
	}
	out := x.Extract(testPatient(), entries)
	assert.NotContains(t, out.Columns, "DEATH_DATE")
}

func TestExtractBadValueSkipsParam(t *testing.T) {
	x := NewExtractor(zerolog.Nop())
	resource := map[string]interface{}{
		"resourceType": "Patient",
		"birthDate":    "not-a-date",
	}
	entries := []CatalogEntry{
		{Name: "birthdate", Type: "date", Resource: "Patient", Expression: "Patient.birthDate"},
	}
	out := x.Extract(resource, entries)
	assert.Empty(t, out.Columns)
}

func TestExtractCustomExtensionParam(t *testing.T) {
	x := NewExtractor(zerolog.Nop())
	entries := []CatalogEntry{
		{
			Name:       "favorite-color",
			Type:       "string",
			Resource:   "Patient",
			Expression: "Patient.extension.where(url='http://example.org/fhir/StructureDefinition/favorite-color')",
			IsCustom:   true,
		},
	}

	out := x.Extract(testPatient(), entries)

	require.Len(t, out.Custom, 1)
	row := out.Custom[0]
	assert.Equal(t, "favorite-color", row.ParamName)
	assert.Equal(t, "string", row.ParamType)
	require.NotNil(t, row.String)
	assert.Equal(t, "blue", *row.String)
}

func TestExtractCustomTokenParam(t *testing.T) {
	x := NewExtractor(zerolog.Nop())
	resource := map[string]interface{}{
		"resourceType": "Patient",
		"extension": []interface{}{
			map[string]interface{}{
				"url": "http://example.org/fhir/StructureDefinition/tribe",
				"valueCoding": map[string]interface{}{
					"system": "http://example.org/tribes",
					"code":   "north",
				},
			},
		},
	}
	entries := []CatalogEntry{
		{
			Name:       "tribe",
			Type:       "token",
			Resource:   "Patient",
			Expression: "Patient.extension.where(url='http://example.org/fhir/StructureDefinition/tribe')",
			IsCustom:   true,
		},
	}

	out := x.Extract(resource, entries)

	require.Len(t, out.Custom, 1)
	require.NotNil(t, out.Custom[0].TokenSystem)
	require.NotNil(t, out.Custom[0].TokenCode)
	assert.Equal(t, "http://example.org/tribes", *out.Custom[0].TokenSystem)
	assert.Equal(t, "north", *out.Custom[0].TokenCode)
}

func TestTokenColumnTextKeepsObjectJSON(t *testing.T) {
	got, err := tokenColumnText(map[string]interface{}{
		"system": "http://loinc.org",
		"code":   "8867-4",
	})
	require.NoError(t, err)
	assert.Contains(t, got, `"system":"http://loinc.org"`)
	assert.Contains(t, got, `"code":"8867-4"`)
}

func TestTokenPartsCodeableConcept(t *testing.T) {
	system, code, err := tokenParts(map[string]interface{}{
		"coding": []interface{}{
			map[string]interface{}{"system": "http://loinc.org", "code": "8867-4"},
		},
		"text": "Heart rate",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://loinc.org", system)
	assert.Equal(t, "8867-4", code)
}

func TestCollectReferences(t *testing.T) {
	appt := map[string]interface{}{
		"resourceType": "Appointment",
		"participant": []interface{}{
			map[string]interface{}{
				"actor": map[string]interface{}{
					"reference": "Patient/p1",
					"display":   "Peter Chalmers",
				},
			},
			map[string]interface{}{
				"actor": map[string]interface{}{
					"reference": "Practitioner/dr2",
				},
			},
			// duplicate leaf, same target: collapsed
			map[string]interface{}{
				"actor": map[string]interface{}{
					"reference": "Patient/p1",
				},
			},
		},
	}

	edges := CollectReferences(appt)
	require.Len(t, edges, 2)

	byTarget := make(map[string]EdgeCapture)
	for _, e := range edges {
		byTarget[e.TargetType+"/"+e.TargetID] = e
	}

	patient := byTarget["Patient/p1"]
	assert.Equal(t, "actor", patient.Expression)
	assert.Equal(t, "Peter Chalmers", patient.Display)

	practitioner := byTarget["Practitioner/dr2"]
	assert.Equal(t, "actor", practitioner.Expression)
	assert.Empty(t, practitioner.Display)
}

func TestCollectReferencesIgnoresMalformed(t *testing.T) {
	resource := map[string]interface{}{
		"resourceType": "Encounter",
		"subject": map[string]interface{}{
			"reference": "not-a-relative-reference",
		},
	}
	assert.Empty(t, CollectReferences(resource))
}
