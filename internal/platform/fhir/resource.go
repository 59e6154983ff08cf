package fhir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resource is the base FHIR resource representation. The server treats
// resources as opaque JSON documents; this struct covers only the fields the
// engine itself needs to see.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Profile     []string `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}

// ParseResource unmarshals a canonical resource blob into its map form.
func ParseResource(blob []byte) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("parse resource: %w", err)
	}
	return m, nil
}

// StampMeta overwrites meta.versionId and meta.lastUpdated in a resource map
// with the authoritative values from the stored columns. The blob's own meta
// fields are never trusted on read.
func StampMeta(resource map[string]interface{}, versionID int, lastUpdated time.Time) {
	meta, ok := resource["meta"].(map[string]interface{})
	if !ok {
		meta = make(map[string]interface{})
		resource["meta"] = meta
	}
	meta["versionId"] = strconv.Itoa(versionID)
	meta["lastUpdated"] = FormatInstant(lastUpdated)
}

// ReferenceTarget splits a "Type/id" reference string into its parts.
func ReferenceTarget(ref string) (resourceType, id string, ok bool) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
