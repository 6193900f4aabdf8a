package geofences

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/EmpoweredVote/EV-Geofences/internal/geo"
	"github.com/EmpoweredVote/EV-Geofences/internal/utils"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Handlers serves the geofence HTTP API on top of a Service.
type Handlers struct {
	svc *Service
}

func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, PublicMessage(err), StatusCode(err))
}

// scope reads the tenant and project from the route.
func scope(r *http.Request) (string, uuid.UUID, error) {
	tenantID := chi.URLParam(r, "tenantId")
	if tenantID == "" {
		return "", uuid.Nil, invalid("tenantId is required")
	}
	projectID, err := uuid.Parse(chi.URLParam(r, "projectId"))
	if err != nil {
		return "", uuid.Nil, invalid("projectId must be a uuid")
	}
	return tenantID, projectID, nil
}

func actor(r *http.Request) string {
	a, _ := utils.GetActorFromContext(r.Context())
	return a
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return verr
		}
		return invalid("invalid request body: %v", err)
	}
	return nil
}

func (h *Handlers) CreateGeofence(w http.ResponseWriter, r *http.Request) {
	tenantID, projectID, err := scope(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var input GeofenceInput
	if err := decode(r, &input); err != nil {
		writeError(w, err)
		return
	}

	g, err := h.svc.Create(r.Context(), CreateGeofence{
		TenantID:      tenantID,
		ProjectID:     projectID,
		Actor:         actor(r),
		GeofenceInput: input,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, NewGeofenceResponse(g))
}

func (h *Handlers) UpdateGeofence(w http.ResponseWriter, r *http.Request) {
	tenantID, projectID, err := scope(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, invalid("id must be a uuid"))
		return
	}
	var input struct {
		Version *int64 `json:"version"`
		GeofenceInput
	}
	if err := decode(r, &input); err != nil {
		writeError(w, err)
		return
	}

	g, err := h.svc.Update(r.Context(), UpdateGeofence{
		ID:            id,
		TenantID:      tenantID,
		ProjectID:     projectID,
		Version:       input.Version,
		Actor:         actor(r),
		GeofenceInput: input.GeofenceInput,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewGeofenceResponse(g))
}

func (h *Handlers) UpsertGeofence(w http.ResponseWriter, r *http.Request) {
	tenantID, projectID, err := scope(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var input GeofenceInput
	if err := decode(r, &input); err != nil {
		writeError(w, err)
		return
	}
	input.ExternalID = chi.URLParam(r, "externalId")

	g, created, err := h.svc.Upsert(r.Context(), UpsertGeofence{
		TenantID:      tenantID,
		ProjectID:     projectID,
		Actor:         actor(r),
		GeofenceInput: input,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, NewGeofenceResponse(g))
}

func (h *Handlers) DeleteGeofence(w http.ResponseWriter, r *http.Request) {
	tenantID, projectID, err := scope(r)
	if err != nil {
		writeError(w, err)
		return
	}
	err = h.svc.Delete(r.Context(), DeleteGeofence{
		TenantID:   tenantID,
		ProjectID:  projectID,
		ExternalID: chi.URLParam(r, "externalId"),
		Actor:      actor(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) BulkDeleteGeofences(w http.ResponseWriter, r *http.Request) {
	tenantID, projectID, err := scope(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var input struct {
		ExternalIDs []string `json:"externalIds"`
	}
	if err := decode(r, &input); err != nil {
		writeError(w, err)
		return
	}

	deleted, err := h.svc.BulkDelete(r.Context(), BulkDeleteGeofences{
		TenantID:    tenantID,
		ProjectID:   projectID,
		ExternalIDs: input.ExternalIDs,
		Actor:       actor(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]string, 0, len(deleted))
	for _, g := range deleted {
		ids = append(ids, g.ExternalID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": ids})
}

func (h *Handlers) ListGeofences(w http.ResponseWriter, r *http.Request) {
	tenantID, projectID, err := scope(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := parseListRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	gs, err := h.svc.List(r.Context(), tenantID, projectID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newGeofenceResponses(gs))
}

func parseListRequest(r *http.Request) (ListRequest, error) {
	q := r.URL.Query()
	req := ListRequest{
		ExternalID: q.Get("externalId"),
		Search:     q.Get("search"),
		OrderBy:    q.Get("orderBy"),
		SortOrder:  q.Get("sortOrder"),
	}
	if q.Has("bounds") {
		bounds, err := ParseBounds(q.Get("bounds"))
		if err != nil {
			return req, err
		}
		req.Bounds = bounds
	}
	var err error
	if req.Page, err = queryInt(q.Get("page"), 0); err != nil {
		return req, invalid("page must be an integer")
	}
	if q.Has("pageCount") {
		n, err := strconv.Atoi(q.Get("pageCount"))
		if err != nil {
			return req, invalid("pageCount must be an integer")
		}
		req.PageCount = &n
	}
	return req, nil
}

func queryInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// ParseBounds reads "lng,lat;lng,lat;..." into corner points. Clients send
// the semicolons percent-encoded. The corner count is checked by the
// bounding-box query itself.
func ParseBounds(s string) ([]geo.LngLat, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, invalid("bounds must not be empty")
	}
	parts := strings.Split(s, ";")
	out := make([]geo.LngLat, 0, len(parts))
	for _, part := range parts {
		xy := strings.Split(strings.TrimSpace(part), ",")
		if len(xy) != 2 {
			return nil, invalid("bounds point %q must be lng,lat", part)
		}
		lng, err := strconv.ParseFloat(strings.TrimSpace(xy[0]), 64)
		if err != nil {
			return nil, invalid("bounds point %q has an invalid longitude", part)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(xy[1]), 64)
		if err != nil {
			return nil, invalid("bounds point %q has an invalid latitude", part)
		}
		out = append(out, geo.LngLat{Lng: lng, Lat: lat})
	}
	return out, nil
}

func (h *Handlers) ComputeIntersections(w http.ResponseWriter, r *http.Request) {
	tenantID, projectID, err := scope(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var b Breadcrumb
	if err := decode(r, &b); err != nil {
		writeError(w, err)
		return
	}

	gs, err := h.svc.ComputeIntersections(r.Context(), ComputeGeofenceIntersections{
		TenantID:   tenantID,
		ProjectID:  projectID,
		Breadcrumb: b,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]uuid.UUID, 0, len(gs))
	for _, g := range gs {
		ids = append(ids, g.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"geofenceIds": ids,
		"geofences":   newGeofenceResponses(gs),
	})
}

func (h *Handlers) ComputeIntegrations(w http.ResponseWriter, r *http.Request) {
	tenantID, projectID, err := scope(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var input struct {
		Breadcrumb Breadcrumb        `json:"breadcrumb"`
		Matches    []ClassifiedMatch `json:"breadcrumbGeofenceResults"`
	}
	if err := decode(r, &input); err != nil {
		writeError(w, err)
		return
	}

	results, err := h.svc.ComputeIntegrations(r.Context(), ComputeGeofenceIntegrations{
		TenantID:   tenantID,
		ProjectID:  projectID,
		Breadcrumb: input.Breadcrumb,
		Matches:    input.Matches,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"geofenceIntegrationResults": results})
}

func (h *Handlers) PurgeIntegration(w http.ResponseWriter, r *http.Request) {
	tenantID, projectID, err := scope(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := h.svc.PurgeIntegration(r.Context(), PurgeIntegrationFromGeofences{
		TenantID:      tenantID,
		ProjectID:     projectID,
		IntegrationID: chi.URLParam(r, "integrationId"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"affected": n})
}
