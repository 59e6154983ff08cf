package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string     `json:"status"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

// MatchEntry builds a searchset entry tagged search.mode="match".
func MatchEntry(baseURL, resourceType, id string, resource json.RawMessage) BundleEntry {
	return BundleEntry{
		FullURL:  fmt.Sprintf("%s/%s/%s", baseURL, resourceType, id),
		Resource: resource,
		Search:   &BundleSearch{Mode: "match"},
	}
}

// IncludeEntry builds a searchset entry tagged search.mode="include".
func IncludeEntry(baseURL, resourceType, id string, resource json.RawMessage) BundleEntry {
	return BundleEntry{
		FullURL:  fmt.Sprintf("%s/%s/%s", baseURL, resourceType, id),
		Resource: resource,
		Search:   &BundleSearch{Mode: "include"},
	}
}

// NewSearchBundle wraps searchset entries into a Bundle. total counts matched
// resources only; included entries do not contribute.
func NewSearchBundle(entries []BundleEntry, total int, links []BundleLink) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         links,
		Entry:        entries,
	}
}

// SearchLinkParams carries the pieces needed to build pagination links.
type SearchLinkParams struct {
	BaseURL  string
	QueryStr string
	Count    int
	Offset   int
	Total    int
}

// SearchLinks builds self, next and previous links for a searchset bundle.
func SearchLinks(p SearchLinkParams) []BundleLink {
	links := []BundleLink{
		{Relation: "self", URL: pageURL(p, p.Offset)},
	}
	if p.Offset+p.Count < p.Total {
		links = append(links, BundleLink{Relation: "next", URL: pageURL(p, p.Offset+p.Count)})
	}
	if p.Offset > 0 {
		prev := p.Offset - p.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, BundleLink{Relation: "previous", URL: pageURL(p, prev)})
	}
	return links
}

func pageURL(p SearchLinkParams, offset int) string {
	qs := p.QueryStr
	if qs != "" {
		qs += "&"
	}
	page := 1
	if p.Count > 0 {
		page = offset/p.Count + 1
	}
	return fmt.Sprintf("%s?%s_count=%d&page=%d", p.BaseURL, qs, p.Count, page)
}

// HistoryEntryInput is one version of a resource destined for a history bundle.
type HistoryEntryInput struct {
	ResourceType string
	ResourceID   string
	VersionID    int
	Operation    string // POST, PUT, DELETE
	Resource     json.RawMessage
	Timestamp    time.Time
}

// NewHistoryBundle wraps resource versions into a Bundle of type "history".
func NewHistoryBundle(entries []HistoryEntryInput, baseURL string) *Bundle {
	now := time.Now().UTC()
	total := len(entries)
	bundleEntries := make([]BundleEntry, len(entries))

	for i, entry := range entries {
		status := "200 OK"
		if entry.Operation == "POST" {
			status = "201 Created"
		}
		ts := entry.Timestamp
		bundleEntries[i] = BundleEntry{
			FullURL: fmt.Sprintf("%s/%s/%s/_history/%d",
				baseURL, entry.ResourceType, entry.ResourceID, entry.VersionID),
			Resource: entry.Resource,
			Request: &BundleRequest{
				Method: entry.Operation,
				URL:    fmt.Sprintf("%s/%s", entry.ResourceType, entry.ResourceID),
			},
			Response: &BundleResponse{
				Status:       status,
				LastModified: &ts,
			},
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        bundleEntries,
	}
}

// CapabilityStatement represents the FHIR CapabilityStatement (metadata).
type CapabilityStatement struct {
	ResourceType   string            `json:"resourceType"`
	Status         string            `json:"status"`
	Date           string            `json:"date"`
	Kind           string            `json:"kind"`
	FHIRVersion    string            `json:"fhirVersion"`
	Format         []string          `json:"format"`
	Implementation *CSImplementation `json:"implementation,omitempty"`
	Rest           []CSRest          `json:"rest"`
}

type CSImplementation struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type CSRest struct {
	Mode     string       `json:"mode"`
	Resource []CSResource `json:"resource"`
}

type CSResource struct {
	Type        string          `json:"type"`
	Interaction []CSInteraction `json:"interaction"`
	SearchParam []CSSearchParam `json:"searchParam,omitempty"`
	Versioning  string          `json:"versioning,omitempty"`
	ReadHistory bool            `json:"readHistory,omitempty"`
}

type CSInteraction struct {
	Code string `json:"code"`
}

type CSSearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// NewCapabilityStatement creates the server's capability statement.
func NewCapabilityStatement(baseURL string, resources []CSResource) *CapabilityStatement {
	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format("2006-01-02"),
		Kind:         "instance",
		FHIRVersion:  "4.0.1",
		Format:       []string{"application/fhir+json"},
		Implementation: &CSImplementation{
			Description: "Carewire FHIR R4 Resource Server",
			URL:         baseURL,
		},
		Rest: []CSRest{
			{Mode: "server", Resource: resources},
		},
	}
}

// ResourceCapability creates a CSResource with the interactions this server
// supports for every type.
func ResourceCapability(resourceType string, searchParams []CSSearchParam) CSResource {
	return CSResource{
		Type: resourceType,
		Interaction: []CSInteraction{
			{Code: "read"},
			{Code: "vread"},
			{Code: "search-type"},
			{Code: "create"},
			{Code: "update"},
			{Code: "patch"},
			{Code: "delete"},
			{Code: "history-instance"},
		},
		SearchParam: searchParams,
		Versioning:  "versioned",
		ReadHistory: true,
	}
}
