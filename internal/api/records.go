package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/baas-console/internal/resource"
)

var errInvalidLimit = errors.New("limit must be a positive integer")

// reservedListParams are list query parameters that are not filters.
var reservedListParams = map[string]bool{
	"order":  true,
	"limit":  true,
	"select": true,
}

// recordHandler serves one configured collection.
type recordHandler struct {
	srv   *Server
	route resourceRoute
}

func (h *recordHandler) name() string { return h.route.cfg.Name }

// list handles GET /records/{name}.
//
// Query parameters: order ("col" or "-col", default from config), limit,
// select; every other parameter is an equality filter.
func (h *recordHandler) list(w http.ResponseWriter, r *http.Request) {
	opts, err := h.listOptions(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	rows, err := h.srv.records.List(r.Context(), h.name(), opts)
	if err != nil {
		h.srv.writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []resource.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": rows,
		"count":   len(rows),
	})
}

func (h *recordHandler) listOptions(r *http.Request) (resource.ListOptions, error) {
	q := r.URL.Query()
	opts := resource.ListOptions{Select: q.Get("select")}

	order := q.Get("order")
	if order == "" {
		order = h.route.cfg.OrderBy
	}
	if order != "" {
		opts.Descending = strings.HasPrefix(order, "-")
		opts.OrderBy = strings.TrimPrefix(order, "-")
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return opts, errInvalidLimit
		}
		opts.Limit = n
	}

	for key, values := range q {
		if reservedListParams[key] || len(values) == 0 {
			continue
		}
		if opts.Filters == nil {
			opts.Filters = make(map[string]string)
		}
		opts.Filters[key] = values[0]
	}
	return opts, nil
}

// get handles GET /records/{name}/{id}.
func (h *recordHandler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.srv.records.GetByID(r.Context(), h.name(), chi.URLParam(r, "id"))
	if err != nil {
		h.srv.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// create handles POST /records/{name}. When the collection has an owner
// column it is set to the signed-in identity's id, overriding the body.
func (h *recordHandler) create(w http.ResponseWriter, r *http.Request) {
	var rec resource.Record
	if !decodeJSON(w, r, &rec) {
		return
	}
	if len(rec) == 0 {
		writeBadRequest(w, "record is empty")
		return
	}

	if col := h.route.cfg.OwnerColumn; col != "" {
		owner := h.srv.provider.State().UserID()
		if owner == "" {
			writeUnauthorized(w, "sign in to create "+h.name())
			return
		}
		rec[col] = owner
	}

	created, err := h.srv.records.Create(r.Context(), h.name(), rec)
	if err != nil {
		h.srv.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// update handles PATCH /records/{name}/{id}. Only supplied fields change;
// the id and owner column cannot be rewritten.
func (h *recordHandler) update(w http.ResponseWriter, r *http.Request) {
	var partial resource.Record
	if !decodeJSON(w, r, &partial) {
		return
	}
	delete(partial, "id")
	if col := h.route.cfg.OwnerColumn; col != "" {
		delete(partial, col)
	}
	if len(partial) == 0 {
		writeBadRequest(w, "no fields to update")
		return
	}

	updated, err := h.srv.records.Update(r.Context(), h.name(), chi.URLParam(r, "id"), partial)
	if err != nil {
		h.srv.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// delete handles DELETE /records/{name}/{id}.
func (h *recordHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.srv.records.Delete(r.Context(), h.name(), chi.URLParam(r, "id")); err != nil {
		h.srv.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
