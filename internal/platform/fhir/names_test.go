package fhir

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTableNaming(t *testing.T) {
	tests := []struct {
		resourceType string
		table        string
		pk           string
	}{
		{"Patient", "PatientTable", "PATIENTTABLE_ID"},
		{"Appointment", "AppointmentTable", "APPOINTMENTTABLE_ID"},
		{"SearchParameter", "SearchParameterTable", "SEARCHPARAMETERTABLE_ID"},
	}
	for _, tt := range tests {
		if got := TableName(tt.resourceType); got != tt.table {
			t.Errorf("TableName(%q) = %q, want %q", tt.resourceType, got, tt.table)
		}
		if got := PrimaryKey(tt.resourceType); got != tt.pk {
			t.Errorf("PrimaryKey(%q) = %q, want %q", tt.resourceType, got, tt.pk)
		}
	}
}

func TestColumnParamRoundTrip(t *testing.T) {
	tests := []struct {
		param  string
		column string
	}{
		{"name", "NAME"},
		{"general-practitioner", "GENERAL_PRACTITIONER"},
		{"birthdate", "BIRTHDATE"},
	}
	for _, tt := range tests {
		if got := ColumnName(tt.param); got != tt.column {
			t.Errorf("ColumnName(%q) = %q, want %q", tt.param, got, tt.column)
		}
		if got := ParamName(tt.column); got != tt.param {
			t.Errorf("ParamName(%q) = %q, want %q", tt.column, got, tt.param)
		}
	}
}

func TestFormatValue(t *testing.T) {
	dateOnly := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	stamp := time.Date(2024, 3, 15, 10, 30, 45, 123456789, time.UTC)

	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"nil", nil, "NULL"},
		{"string", "O'Brien", "'O''Brien'"},
		{"bool true", true, "TRUE"},
		{"bool false", false, "FALSE"},
		{"int", 42, "42"},
		{"decimal", decimal.RequireFromString("12.50"), "12.5"},
		{"date only", dateOnly, "'2024-03-15'"},
		{"timestamp millis", stamp, "'2024-03-15 10:30:45.123'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatValue(tt.value, nil)
			if err != nil {
				t.Fatalf("FormatValue(%v): %v", tt.value, err)
			}
			if got != tt.want {
				t.Errorf("FormatValue(%v) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestFormatValueRejectsUnsupported(t *testing.T) {
	if _, err := FormatValue(struct{}{}, nil); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat, got %v", err)
	}
	if _, err := FormatValue([]byte{0x01}, nil); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat for []byte without formatter, got %v", err)
	}
}

func TestFormatValueBinary(t *testing.T) {
	bin := func(b []byte) string { return "X'01ff'" }
	got, err := FormatValue([]byte{0x01, 0xff}, bin)
	if err != nil {
		t.Fatal(err)
	}
	if got != "X'01ff'" {
		t.Errorf("got %q", got)
	}
}

func TestParseFHIRDate(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{"2024", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), false},
		{"2024-06", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), false},
		{"2024-06-15", time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC), false},
		{"2024-06-15T08:30:00Z", time.Date(2024, 6, 15, 8, 30, 0, 0, time.UTC), false},
		{"tomorrow", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFHIRDate(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFHIRDate(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && !got.Equal(tt.want) {
				t.Errorf("ParseFHIRDate(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormatInstant(t *testing.T) {
	ts := time.Date(2024, 3, 15, 10, 30, 45, 123000000, time.UTC)
	if got := FormatInstant(ts); got != "2024-03-15T10:30:45.123Z" {
		t.Errorf("FormatInstant = %q", got)
	}
}
