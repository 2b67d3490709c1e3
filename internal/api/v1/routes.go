// Package v1 provides the REST read API over mirrored content.
package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/content-mirror/internal/api/common"
	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/logger"
	"github.com/stacklok/content-mirror/internal/middleware"
	"github.com/stacklok/content-mirror/internal/registry"
	"github.com/stacklok/content-mirror/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// TypeSource returns the registry and model table currently in use
type TypeSource interface {
	Load() *registry.Registry
	Models() *registry.Models
}

// Routes serves entries and content types
type Routes struct {
	reader store.Store
	types  TypeSource
}

// NewRoutes creates a new Routes instance reading from reader
func NewRoutes(reader store.Store, types TypeSource) *Routes {
	return &Routes{reader: reader, types: types}
}

// Router creates the content read API router
func Router(reader store.Store, types TypeSource) http.Handler {
	routes := NewRoutes(reader, types)

	r := chi.NewRouter()
	r.Get("/entries/{id}", routes.getEntry)
	r.Get("/content-types", routes.listContentTypes)
	r.Get("/content-types/{type}", routes.getContentType)
	r.Get("/content-types/{type}/entries", routes.listEntries)
	return r
}

// getEntry handles GET /api/v1/entries/{id}
func (rr *Routes) getEntry(w http.ResponseWriter, r *http.Request) {
	id, err := common.GetAndValidateURLParam(r, "id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	entry, err := rr.reader.Find(r.Context(), id)
	if err != nil {
		common.WriteStoreError(w, err)
		return
	}
	common.WriteJSONResponse(w, rr.render(r, entry), http.StatusOK)
}

// listContentTypes handles GET /api/v1/content-types
func (rr *Routes) listContentTypes(w http.ResponseWriter, _ *http.Request) {
	types := rr.types.Load().List()
	resp := ContentTypeListResponse{
		Items: make([]ContentTypeResponse, len(types)),
		Total: len(types),
	}
	for i, ct := range types {
		resp.Items[i] = toContentTypeResponse(ct)
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}

// getContentType handles GET /api/v1/content-types/{type}
func (rr *Routes) getContentType(w http.ResponseWriter, r *http.Request) {
	typeID, err := common.GetAndValidateURLParam(r, "type")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	ct, ok := rr.types.Load().Get(typeID)
	if !ok {
		common.WriteErrorResponse(w, "content type not found", http.StatusNotFound)
		return
	}
	common.WriteJSONResponse(w, toContentTypeResponse(ct), http.StatusOK)
}

// listEntries handles GET /api/v1/content-types/{type}/entries
//
// Query parameters other than limit, skip, order, locale and preview are
// filter conditions, e.g. fields.slug=hello or fields.rating[gte]=3.
func (rr *Routes) listEntries(w http.ResponseWriter, r *http.Request) {
	typeID, err := common.GetAndValidateURLParam(r, "type")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	ct, ok := rr.types.Load().Get(typeID)
	if !ok {
		common.WriteErrorResponse(w, "content type not found", http.StatusNotFound)
		return
	}

	limit, err := common.GetIntQueryParam(r, "limit", defaultLimit)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if limit == 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)
	skip, err := common.GetIntQueryParam(r, "skip", 0)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter, err := parseFilter(r.URL.Query(), ct)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := store.Query{
		Filter: filter,
		Limit:  limit,
		Skip:   skip,
		Order:  r.URL.Query().Get("order"),
		Locale: middleware.ParamsFromContext(r.Context()).Locale,
	}
	entries, err := rr.reader.FindAll(r.Context(), ct.ID, query)
	if err != nil {
		common.WriteStoreError(w, err)
		return
	}

	resp := EntryListResponse{Items: make([]EntryResponse, len(entries)), Skip: skip, Limit: limit}
	for i, e := range entries {
		resp.Items[i] = rr.render(r, e)
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}

// render converts an entry through the model table of the current registry
func (rr *Routes) render(r *http.Request, e *cms.Entry) EntryResponse {
	display := e.ID()
	if model, err := rr.types.Models().New(e); err == nil {
		display = model.DisplayValue(middleware.ParamsFromContext(r.Context()).Locale)
	} else {
		logger.Warn("Failed to build entry model", "id", e.ID(), "error", err)
	}
	return toEntryResponse(e, display)
}
