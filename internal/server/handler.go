package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/buger/jsonparser"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carewire/fhir-server/internal/platform/db"
	"github.com/carewire/fhir-server/internal/platform/fhir"
	"github.com/carewire/fhir-server/internal/storage"
	"github.com/carewire/fhir-server/pkg/pagination"
)

const fhirContentType = "application/fhir+json"

// Handler serves the FHIR R4 REST surface.
type Handler struct {
	engine  *storage.Engine
	q       db.Querier
	baseURL string
	log     zerolog.Logger
}

// NewHandler creates the REST handler over a storage engine.
func NewHandler(engine *storage.Engine, q db.Querier, baseURL string, log zerolog.Logger) *Handler {
	return &Handler{engine: engine, q: q, baseURL: baseURL, log: log}
}

// RegisterRoutes registers the FHIR endpoints on the provided route group.
//
//	GET    /metadata                    - capability statement
//	POST   /:type                       - create
//	GET    /:type                       - search
//	GET    /:type/:id                   - read
//	PUT    /:type/:id                   - update
//	PATCH  /:type/:id                   - partial update
//	DELETE /:type/:id                   - delete
//	GET    /:type/:id/_history          - instance history
//	GET    /:type/:id/_history/:vid     - version read
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.Metadata)
	g.POST("/:type", h.Create)
	g.GET("/:type", h.Search)
	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.PATCH("/:type/:id", h.Patch)
	g.DELETE("/:type/:id", h.Delete)
	g.GET("/:type/:id/_history", h.InstanceHistory)
	g.GET("/:type/:id/_history/:vid", h.VersionRead)
}

// Create handles POST /:type.
func (h *Handler) Create(c echo.Context) error {
	resourceType := c.Param("type")

	resource, err := h.readBody(c, resourceType)
	if err != nil {
		return h.fail(c, err)
	}

	created, err := h.engine.Create(c.Request().Context(), resourceType, resource)
	if err != nil {
		return h.fail(c, err)
	}

	id, _ := created["id"].(string)
	c.Response().Header().Set("Location", h.baseURL+"/"+resourceType+"/"+id)
	return h.respond(c, http.StatusCreated, created)
}

// Read handles GET /:type/:id.
func (h *Handler) Read(c echo.Context) error {
	resource, err := h.engine.Read(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, http.StatusOK, resource)
}

// VersionRead handles GET /:type/:id/_history/:vid.
func (h *Handler) VersionRead(c echo.Context) error {
	versionID, err := strconv.Atoi(c.Param("vid"))
	if err != nil {
		return h.outcome(c, http.StatusBadRequest,
			fhir.InvalidOutcome("version id must be an integer"))
	}
	resource, err := h.engine.VRead(c.Request().Context(), c.Param("type"), c.Param("id"), versionID)
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, http.StatusOK, resource)
}

// InstanceHistory handles GET /:type/:id/_history.
func (h *Handler) InstanceHistory(c echo.Context) error {
	resourceType := c.Param("type")
	id := c.Param("id")

	entries, err := h.engine.History(c.Request().Context(), resourceType, id)
	if err != nil {
		return h.fail(c, err)
	}

	inputs := make([]fhir.HistoryEntryInput, len(entries))
	for i, entry := range entries {
		inputs[i] = fhir.HistoryEntryInput{
			ResourceType: entry.ResourceType,
			ResourceID:   entry.ResourceID,
			VersionID:    entry.VersionID,
			Operation:    entry.Operation,
			Resource:     json.RawMessage(entry.Blob),
			Timestamp:    entry.CreatedAt,
		}
	}
	return h.respond(c, http.StatusOK, fhir.NewHistoryBundle(inputs, h.baseURL))
}

// Update handles PUT /:type/:id.
func (h *Handler) Update(c echo.Context) error {
	resourceType := c.Param("type")
	id := c.Param("id")

	resource, err := h.readBody(c, resourceType)
	if err != nil {
		return h.fail(c, err)
	}
	if bodyID, _ := resource["id"].(string); bodyID != "" && bodyID != id {
		return h.outcome(c, http.StatusBadRequest,
			fhir.InvalidOutcome("body id does not match the request path"))
	}

	updated, err := h.engine.Update(c.Request().Context(), resourceType, id, resource)
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, http.StatusOK, updated)
}

// Patch handles PATCH /:type/:id with a shallow JSON merge body.
func (h *Handler) Patch(c echo.Context) error {
	resourceType := c.Param("type")
	id := c.Param("id")

	var patch map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&patch); err != nil {
		return h.outcome(c, http.StatusBadRequest,
			fhir.InvalidOutcome("request body is not a JSON object"))
	}

	patched, err := h.engine.Patch(c.Request().Context(), resourceType, id, patch)
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, http.StatusOK, patched)
}

// Delete handles DELETE /:type/:id. Deletion answers 200 with an outcome
// body rather than 204.
func (h *Handler) Delete(c echo.Context) error {
	resourceType := c.Param("type")
	id := c.Param("id")
	if err := h.engine.Delete(c.Request().Context(), resourceType, id); err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, http.StatusOK, fhir.NewOperationOutcome(
		fhir.IssueSeverityInformation, fhir.IssueTypeProcessing,
		resourceType+"/"+id+" deleted"))
}

// Search handles GET /:type.
func (h *Handler) Search(c echo.Context) error {
	resourceType := c.Param("type")
	params := c.QueryParams()
	page := pagination.FromContext(c)

	result, err := h.engine.Search(c.Request().Context(), resourceType, params, page.Count, page.Offset)
	if err != nil {
		return h.fail(c, err)
	}

	entries := make([]fhir.BundleEntry, 0, len(result.Matches)+len(result.Includes))
	for _, m := range result.Matches {
		raw, err := json.Marshal(m.Resource)
		if err != nil {
			return h.fail(c, err)
		}
		entries = append(entries, fhir.MatchEntry(h.baseURL, resourceType, m.ID, raw))
	}
	for _, inc := range result.Includes {
		raw, err := json.Marshal(inc.Resource)
		if err != nil {
			return h.fail(c, err)
		}
		entries = append(entries, fhir.IncludeEntry(h.baseURL, inc.Type, inc.ID, raw))
	}

	query := c.Request().URL.Query()
	for _, p := range []string{"_count", "page", "pageSize"} {
		query.Del(p)
	}
	links := fhir.SearchLinks(fhir.SearchLinkParams{
		BaseURL:  h.baseURL + "/" + resourceType,
		QueryStr: query.Encode(),
		Count:    page.Count,
		Offset:   page.Offset,
		Total:    result.Total,
	})

	return h.respond(c, http.StatusOK, fhir.NewSearchBundle(entries, result.Total, links))
}

// readBody decodes a resource body and cross-checks its resourceType against
// the path. The raw bytes are peeked with jsonparser first so a clear
// mismatch fails before full decoding.
func (h *Handler) readBody(c echo.Context, resourceType string) (map[string]interface{}, error) {
	buf, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, errInvalid("failed to read request body")
	}
	if len(buf) == 0 {
		return nil, errInvalid("request body is empty")
	}

	bodyType, err := jsonparser.GetString(buf, "resourceType")
	if err != nil || bodyType != resourceType {
		return nil, errInvalid("body resourceType does not match the request path")
	}

	resource, err := fhir.ParseResource(buf)
	if err != nil {
		return nil, errInvalid("request body is not valid JSON")
	}
	return resource, nil
}

func errInvalid(msg string) error {
	return &invalidBodyError{msg: msg}
}

type invalidBodyError struct{ msg string }

func (e *invalidBodyError) Error() string { return e.msg }

func (e *invalidBodyError) Is(target error) bool { return target == storage.ErrInvalidInput }

// respond writes a body with the FHIR JSON content type.
func (h *Handler) respond(c echo.Context, status int, body interface{}) error {
	c.Response().Header().Set(echo.HeaderContentType, fhirContentType)
	c.Response().WriteHeader(status)
	return json.NewEncoder(c.Response()).Encode(body)
}

func (h *Handler) outcome(c echo.Context, status int, outcome *fhir.OperationOutcome) error {
	return h.respond(c, status, outcome)
}

// fail maps engine errors onto HTTP status codes and OperationOutcomes.
func (h *Handler) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return h.outcome(c, http.StatusNotFound,
			fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error()))
	case errors.Is(err, storage.ErrConflict):
		return h.outcome(c, http.StatusConflict,
			fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeDuplicate, err.Error()))
	case errors.Is(err, storage.ErrInvalidReference):
		return h.outcome(c, http.StatusUnprocessableEntity,
			fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeProcessing, err.Error()))
	case errors.Is(err, storage.ErrUnsupportedParam):
		return h.outcome(c, http.StatusBadRequest,
			fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotSupported, err.Error()))
	case errors.Is(err, storage.ErrInvalidInput), errors.Is(err, storage.ErrFormat):
		return h.outcome(c, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
		return h.outcome(c, http.StatusInternalServerError,
			fhir.ErrorOutcome("internal server error"))
	}
}
