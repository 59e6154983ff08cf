package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carewire/fhir-server/internal/platform/db"
	"github.com/carewire/fhir-server/internal/platform/fhir"
	"github.com/carewire/fhir-server/internal/storage"
)

// Metadata handles GET /metadata: the capability statement is derived from
// the live search-parameter catalog, so custom SearchParameter resources show
// up as soon as they are stored.
func (h *Handler) Metadata(c echo.Context) error {
	ctx := c.Request().Context()

	types, err := db.ResourceTypes(ctx, h.q)
	if err != nil {
		return h.fail(c, err)
	}

	catalog := &storage.Catalog{}
	resources := make([]fhir.CSResource, 0, len(types))
	for _, resourceType := range types {
		entries, err := catalog.ForResource(ctx, h.q, resourceType)
		if err != nil {
			return h.fail(c, err)
		}
		params := make([]fhir.CSSearchParam, 0, len(entries))
		for _, entry := range entries {
			params = append(params, fhir.CSSearchParam{Name: entry.Name, Type: entry.Type})
		}
		resources = append(resources, fhir.ResourceCapability(resourceType, params))
	}

	return h.respond(c, http.StatusOK, fhir.NewCapabilityStatement(h.baseURL, resources))
}
