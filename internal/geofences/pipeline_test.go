package geofences

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/logging"
	"github.com/EmpoweredVote/EV-Geofences/internal/schedule"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordedAt = time.Date(2025, time.June, 4, 15, 30, 0, 0, time.UTC) // a Wednesday

func activeGeofence() Geofence {
	return Geofence{
		ID:             uuid.New(),
		TenantID:       testTenant,
		ProjectID:      testProject,
		ExternalID:     "cleveland-circle",
		Description:    "Cleveland",
		Metadata:       []KeyValue{{Key: "region", Value: "ohio"}},
		IntegrationIDs: []string{"webhook-1"},
		OnEnter:        true,
		OnExit:         true,
		Enabled:        true,
		LaunchDate:     DefaultLaunchDate,
		ExpirationDate: DefaultExpirationDate,
		Schedule:       schedule.FullUTC(),
	}
}

func TestPipeline_ActiveGeofenceFires(t *testing.T) {
	p := NewPipeline(logging.Discard())
	g := activeGeofence()

	got, err := p.Evaluate(context.Background(), []Match{{Geofence: g, Event: EventEntered}}, recordedAt)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, IntegrationResult{
		GeofenceID:          g.ID,
		GeofenceExternalID:  "cleveland-circle",
		GeofenceDescription: "Cleveland",
		GeofenceMetadata:    []KeyValue{{Key: "region", Value: "ohio"}},
		IntegrationIDs:      []string{"webhook-1"},
		Event:               EventEntered,
	}, got[0])
}

func TestPipeline_Filters(t *testing.T) {
	nyWorkday := schedule.FullUTC()
	nyWorkday.TimeZoneID = "America/New_York"
	nyWorkday.Wednesday = schedule.DailySchedule{Start: 9 * schedule.TimeOfDay(time.Hour), End: 10 * schedule.TimeOfDay(time.Hour)}

	tests := []struct {
		name   string
		mutate func(*Geofence)
		event  GeofenceEvent
		fires  bool
	}{
		{"disabled", func(g *Geofence) { g.Enabled = false }, EventEntered, false},
		{"not launched", func(g *Geofence) { g.LaunchDate = recordedAt.Add(time.Second) }, EventEntered, false},
		{"launched at instant", func(g *Geofence) { g.LaunchDate = recordedAt }, EventEntered, true},
		{"expired", func(g *Geofence) { g.ExpirationDate = recordedAt.Add(-time.Second) }, EventEntered, false},
		{"expires at instant", func(g *Geofence) { g.ExpirationDate = recordedAt }, EventEntered, true},
		// 15:30 UTC is 11:30 in New York, after the 09:00-10:00 window.
		{"outside schedule", func(g *Geofence) { g.Schedule = nyWorkday }, EventEntered, false},
		{"dwell not requested", func(g *Geofence) {}, EventDwelling, false},
		{"dwell requested", func(g *Geofence) { g.OnDwell = true }, EventDwelling, true},
		{"exit requested", func(g *Geofence) {}, EventExited, true},
		{"exit not requested", func(g *Geofence) { g.OnExit = false }, EventExited, false},
		{"enter not requested", func(g *Geofence) { g.OnEnter = false }, EventEntered, false},
	}
	p := NewPipeline(logging.Discard())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := activeGeofence()
			tt.mutate(&g)
			got, err := p.Evaluate(context.Background(), []Match{{Geofence: g, Event: tt.event}}, recordedAt)
			require.NoError(t, err)
			if tt.fires {
				assert.Len(t, got, 1)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestPipeline_InsideScheduleWindow(t *testing.T) {
	s := schedule.FullUTC()
	s.TimeZoneID = "America/New_York"
	s.Wednesday = schedule.DailySchedule{Start: 11 * schedule.TimeOfDay(time.Hour), End: 12 * schedule.TimeOfDay(time.Hour)}
	g := activeGeofence()
	g.Schedule = s

	got, err := NewPipeline(logging.Discard()).Evaluate(context.Background(), []Match{{Geofence: g, Event: EventEntered}}, recordedAt)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPipeline_IsIdempotentAndOrdered(t *testing.T) {
	var matches []Match
	for i := 0; i < 5; i++ {
		g := activeGeofence()
		matches = append(matches, Match{Geofence: g, Event: EventEntered})
	}
	p := NewPipeline(logging.Discard())

	first, err := p.Evaluate(context.Background(), matches, recordedAt)
	require.NoError(t, err)
	reversed := make([]Match, len(matches))
	for i, m := range matches {
		reversed[len(matches)-1-i] = m
	}
	second, err := p.Evaluate(context.Background(), reversed, recordedAt)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	for i := 1; i < len(first); i++ {
		assert.Less(t, first[i-1].GeofenceID.String(), first[i].GeofenceID.String())
	}
}

func TestPipeline_EmptyInput(t *testing.T) {
	got, err := NewPipeline(logging.Discard()).Evaluate(context.Background(), nil, recordedAt)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPipeline_UnknownEventFails(t *testing.T) {
	_, err := NewPipeline(logging.Discard()).Evaluate(context.Background(),
		[]Match{{Geofence: activeGeofence(), Event: "TELEPORTED"}}, recordedAt)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPipeline_BrokenScheduleFailsLoudly(t *testing.T) {
	g := activeGeofence()
	g.Schedule.TimeZoneID = "Mars/Olympus_Mons"

	_, err := NewPipeline(logging.Discard()).Evaluate(context.Background(), []Match{{Geofence: g, Event: EventEntered}}, recordedAt)
	assert.Error(t, err)
}

func TestGeofenceEvent_UnmarshalJSON(t *testing.T) {
	var m ClassifiedMatch
	require.NoError(t, json.Unmarshal([]byte(`{"geofenceId":"6b1c6a7e-3f3c-4b43-9a55-0f1e9d1d2c3b","geofenceEvent":"entered"}`), &m))
	assert.Equal(t, EventEntered, m.Event)
	assert.Equal(t, testProject, m.GeofenceID)

	err := json.Unmarshal([]byte(`{"geofenceEvent":"LOITERING"}`), &m)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
