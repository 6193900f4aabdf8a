package geofences

import (
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/geo"
	"github.com/EmpoweredVote/EV-Geofences/internal/schedule"
	"github.com/google/uuid"
)

// GeofenceResponse is the public view of a geofence.
type GeofenceResponse struct {
	ID             uuid.UUID          `json:"id"`
	ExternalID     string             `json:"externalId"`
	ProjectID      uuid.UUID          `json:"projectId"`
	Shape          geo.Shape          `json:"shape"`
	Coordinates    []geo.LngLat       `json:"coordinates"`
	Radius         int                `json:"radius"`
	Centroid       *geo.LngLat        `json:"centroid,omitempty"`
	Description    string             `json:"description"`
	Labels         []string           `json:"labels"`
	IntegrationIDs []string           `json:"integrationIds"`
	Metadata       []KeyValue         `json:"metadata"`
	OnEnter        bool               `json:"onEnter"`
	OnDwell        bool               `json:"onDwell"`
	OnExit         bool               `json:"onExit"`
	Enabled        bool               `json:"enabled"`
	LaunchDate     time.Time          `json:"launchDate"`
	ExpirationDate time.Time          `json:"expirationDate"`
	CreatedDate    time.Time          `json:"createdDate"`
	UpdatedDate    *time.Time         `json:"updatedDate"`
	Version        int64              `json:"version"`
	Schedule       *schedule.Schedule `json:"schedule"`
}

// NewGeofenceResponse shapes g for callers. A ring that was stored closed is
// returned open, and the full-UTC default schedule is returned as null.
func NewGeofenceResponse(g *Geofence) GeofenceResponse {
	coords := g.Coordinates
	if n := len(coords); g.Shape == geo.ShapePolygon && n > 1 && coords[0] == coords[n-1] {
		coords = coords[:n-1]
	}
	var sched *schedule.Schedule
	if !g.Schedule.IsFullUTC() {
		s := g.Schedule
		sched = &s
	}
	return GeofenceResponse{
		ID:             g.ID,
		ExternalID:     g.ExternalID,
		ProjectID:      g.ProjectID,
		Shape:          g.Shape,
		Coordinates:    coords,
		Radius:         g.Radius,
		Centroid:       g.Centroid,
		Description:    g.Description,
		Labels:         nonNil(g.Labels),
		IntegrationIDs: nonNil(g.IntegrationIDs),
		Metadata:       g.Metadata,
		OnEnter:        g.OnEnter,
		OnDwell:        g.OnDwell,
		OnExit:         g.OnExit,
		Enabled:        g.Enabled,
		LaunchDate:     g.LaunchDate,
		ExpirationDate: g.ExpirationDate,
		CreatedDate:    g.CreatedDate,
		UpdatedDate:    g.UpdatedDate,
		Version:        g.Version,
		Schedule:       sched,
	}
}

func newGeofenceResponses(gs []Geofence) []GeofenceResponse {
	out := make([]GeofenceResponse, 0, len(gs))
	for i := range gs {
		out = append(out, NewGeofenceResponse(&gs[i]))
	}
	return out
}
