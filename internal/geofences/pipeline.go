package geofences

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/geo"
	"github.com/EmpoweredVote/EV-Geofences/internal/logging"
	"github.com/EmpoweredVote/EV-Geofences/internal/metrics"
	"github.com/EmpoweredVote/EV-Geofences/internal/schedule"
	"github.com/google/uuid"
)

// GeofenceEvent is the transition a breadcrumb made relative to a geofence.
// Classification happens upstream; the pipeline only filters on it.
type GeofenceEvent string

const (
	EventEntered  GeofenceEvent = "ENTERED"
	EventDwelling GeofenceEvent = "DWELLING"
	EventExited   GeofenceEvent = "EXITED"
)

func ParseGeofenceEvent(s string) (GeofenceEvent, error) {
	switch e := GeofenceEvent(strings.ToUpper(strings.TrimSpace(s))); e {
	case EventEntered, EventDwelling, EventExited:
		return e, nil
	}
	return "", invalid("geofenceEvent must be one of ENTERED, DWELLING, EXITED, got %q", s)
}

func (e *GeofenceEvent) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return invalid("geofenceEvent must be a string")
	}
	v, err := ParseGeofenceEvent(s)
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// Breadcrumb is one location sample from a device.
type Breadcrumb struct {
	DeviceID   string     `json:"deviceId" validate:"required,max=128"`
	UserID     string     `json:"userId" validate:"required,max=128"`
	Position   geo.LngLat `json:"position"`
	Accuracy   float64    `json:"accuracy" validate:"gte=0"`
	RecordedAt time.Time  `json:"recordedAt" validate:"required"`
	Metadata   []KeyValue `json:"metadata" validate:"max=16,dive"`
}

// ClassifiedMatch names a geofence and the event a breadcrumb produced
// for it.
type ClassifiedMatch struct {
	GeofenceID uuid.UUID     `json:"geofenceId" validate:"required"`
	Event      GeofenceEvent `json:"geofenceEvent" validate:"required"`
}

// Match pairs a loaded geofence with its classified event.
type Match struct {
	Geofence Geofence
	Event    GeofenceEvent
}

// IntegrationResult is what downstream dispatch needs to fan a trigger out
// to a geofence's integrations.
type IntegrationResult struct {
	GeofenceID          uuid.UUID     `json:"geofenceId"`
	GeofenceExternalID  string        `json:"geofenceExternalId"`
	GeofenceDescription string        `json:"geofenceDescription"`
	GeofenceMetadata    []KeyValue    `json:"geofenceMetadata"`
	IntegrationIDs      []string      `json:"integrationIds"`
	Event               GeofenceEvent `json:"geofenceEvent"`
}

// Pipeline turns classified matches into integration results. It holds no
// state: the same matches and instant always yield the same results.
type Pipeline struct {
	logger *slog.Logger
}

func NewPipeline(logger *slog.Logger) *Pipeline {
	return &Pipeline{logger: logging.Component(logger, "geofences.pipeline")}
}

// Evaluate keeps the matches whose geofence is enabled, constructed at
// recordedAt, inside its schedule at recordedAt, and configured to fire on
// the match's event. Results are ordered by geofence id.
func (p *Pipeline) Evaluate(ctx context.Context, matches []Match, recordedAt time.Time) ([]IntegrationResult, error) {
	recordedAt = recordedAt.UTC()
	out := make([]IntegrationResult, 0, len(matches))

	for _, m := range matches {
		g := m.Geofence
		if !g.Enabled {
			p.logger.DebugContext(ctx, "geofence disabled", "geofence_id", g.ID)
			continue
		}
		if !g.IsConstructed(recordedAt) {
			p.logger.DebugContext(ctx, "recordedAt outside launch/expiration window", "geofence_id", g.ID)
			continue
		}
		within, err := schedule.IsWithinSchedule(g.Schedule, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("evaluate schedule for geofence %s: %w", g.ID, err)
		}
		if !within {
			p.logger.DebugContext(ctx, "recordedAt outside schedule", "geofence_id", g.ID)
			continue
		}
		requested, err := triggerRequested(&g, m.Event)
		if err != nil {
			return nil, err
		}
		if !requested {
			continue
		}

		out = append(out, IntegrationResult{
			GeofenceID:          g.ID,
			GeofenceExternalID:  g.ExternalID,
			GeofenceDescription: g.Description,
			GeofenceMetadata:    g.Metadata,
			IntegrationIDs:      []string(g.IntegrationIDs),
			Event:               m.Event,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].GeofenceID.String() < out[j].GeofenceID.String()
	})
	for _, r := range out {
		metrics.IntegrationResults.WithLabelValues(string(r.Event)).Inc()
	}
	return out, nil
}

func triggerRequested(g *Geofence, e GeofenceEvent) (bool, error) {
	switch e {
	case EventEntered:
		return g.OnEnter, nil
	case EventDwelling:
		return g.OnDwell, nil
	case EventExited:
		return g.OnExit, nil
	}
	return false, invalid("invalid geofence event %q", e)
}
