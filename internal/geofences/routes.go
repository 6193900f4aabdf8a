package geofences

import (
	"net/http"

	"github.com/EmpoweredVote/EV-Geofences/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// SetupRoutes mounts under /geofences. mws run inside the tenant/project
// scope so they can read its route parameters.
func SetupRoutes(svc *Service, mws ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	h := NewHandlers(svc)

	r.Route("/{tenantId}/projects/{projectId}", func(r chi.Router) {
		r.Use(mws...)
		r.Use(middleware.ActorMiddleware)

		r.Get("/", h.ListGeofences)
		r.Post("/intersections", h.ComputeIntersections)
		r.Post("/integrations", h.ComputeIntegrations)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireActor)
			r.Post("/", h.CreateGeofence)
			r.Put("/{id}", h.UpdateGeofence)
			r.Put("/external/{externalId}", h.UpsertGeofence)
			r.Delete("/external/{externalId}", h.DeleteGeofence)
			r.Post("/bulk-delete", h.BulkDeleteGeofences)
			r.Delete("/integrations/{integrationId}", h.PurgeIntegration)
		})
	})

	return r
}
