package geofences

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/events"
	"github.com/EmpoweredVote/EV-Geofences/internal/logging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func command(t *testing.T, typ string, payload any) events.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	require.NoError(t, err)
	return events.Message{Topic: "geofences.commands", Value: env}
}

func newTestWorker(f *fixture, consumer events.Consumer) *CommandWorker {
	w := NewCommandWorker(consumer, f.svc, f.publisher, logging.Discard())
	w.minDelay = time.Millisecond
	w.maxDelay = 4 * time.Millisecond
	return w
}

func TestWorker_RunsAndCommitsCommands(t *testing.T) {
	f := newFixture()
	consumer := &fakeConsumer{queue: []events.Message{
		command(t, CommandCreateGeofence, CreateGeofence{TenantID: testTenant, ProjectID: testProject, Actor: "bus", GeofenceInput: circleInput("site-a", cleveland, 100)}),
		command(t, CommandUpsertGeofence, UpsertGeofence{TenantID: testTenant, ProjectID: testProject, GeofenceInput: circleInput("site-b", cleveland, 100)}),
		command(t, CommandDeleteGeofence, DeleteGeofence{TenantID: testTenant, ProjectID: testProject, ExternalID: "site-a"}),
	}}
	w := newTestWorker(f, consumer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return consumer.commits() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, f.store.size())
	_, err := f.store.FindByExternalID(context.Background(), testTenant, testProject, "site-b")
	assert.NoError(t, err)
}

func TestWorker_RejectsInvalidCommands(t *testing.T) {
	tests := []struct {
		name    string
		msg     func(t *testing.T) events.Message
		rejects string
	}{
		{"not an envelope", func(*testing.T) events.Message {
			return events.Message{Value: []byte("not json")}
		}, "UnknownRejected"},
		{"unknown type", func(t *testing.T) events.Message {
			return command(t, "TeleportGeofence", map[string]string{"tenantId": testTenant})
		}, "TeleportGeofenceRejected"},
		{"validation failure", func(t *testing.T) events.Message {
			return command(t, CommandCreateGeofence, CreateGeofence{TenantID: testTenant, ProjectID: testProject, GeofenceInput: circleInput("tiny", cleveland, 10)})
		}, "CreateGeofenceRejected"},
		{"not found", func(t *testing.T) events.Message {
			return command(t, CommandDeleteGeofence, DeleteGeofence{TenantID: testTenant, ProjectID: testProject, ExternalID: "missing-one"})
		}, "DeleteGeofenceRejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			w := newTestWorker(f, &fakeConsumer{})

			require.NoError(t, w.Handle(context.Background(), tt.msg(t)))

			rejected := f.publisher.ofType(tt.rejects)
			require.Len(t, rejected, 1)
			var evt Rejected
			require.NoError(t, json.Unmarshal(rejected[0].Payload, &evt))
			assert.NotEmpty(t, evt.Reason)
		})
	}
}

func TestWorker_RejectionCarriesTenant(t *testing.T) {
	f := newFixture()
	w := newTestWorker(f, &fakeConsumer{})

	msg := command(t, CommandCreateGeofence, CreateGeofence{TenantID: testTenant, ProjectID: testProject, GeofenceInput: circleInput("tiny", cleveland, 10)})
	require.NoError(t, w.Handle(context.Background(), msg))

	rejected := f.publisher.ofType(RejectedEventType(CommandCreateGeofence))
	require.Len(t, rejected, 1)
	assert.Equal(t, testTenant, rejected[0].Key)
	var evt Rejected
	require.NoError(t, json.Unmarshal(rejected[0].Payload, &evt))
	assert.Equal(t, Rejected{TenantID: testTenant, Command: CommandCreateGeofence, Reason: evt.Reason}, evt)
	assert.Contains(t, evt.Reason, "radius")
}

// flakyStore fails the first n writes.
type flakyStore struct {
	*memStore
	failures int
}

func (s *flakyStore) Create(ctx context.Context, g *Geofence) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset by peer")
	}
	return s.memStore.Create(ctx, g)
}

func TestWorker_RetriesInfrastructureFailures(t *testing.T) {
	f := newFixture()
	f.svc.store = &flakyStore{memStore: f.store, failures: 2}
	w := newTestWorker(f, &fakeConsumer{})

	msg := command(t, CommandCreateGeofence, CreateGeofence{TenantID: testTenant, ProjectID: testProject, GeofenceInput: circleInput("site-a", cleveland, 100)})
	require.NoError(t, w.Handle(context.Background(), msg))

	assert.Equal(t, 1, f.store.size())
	assert.Empty(t, f.publisher.ofType(RejectedEventType(CommandCreateGeofence)))
}

func TestWorker_LeavesUnsettledMessageUncommitted(t *testing.T) {
	f := newFixture()
	f.store.failWith(errors.New("database is down"))
	consumer := &fakeConsumer{queue: []events.Message{
		command(t, CommandCreateGeofence, CreateGeofence{TenantID: testTenant, ProjectID: testProject, GeofenceInput: circleInput("site-a", cleveland, 100)}),
	}}
	w := newTestWorker(f, consumer)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.Equal(t, 0, consumer.commits())
	assert.Empty(t, f.publisher.ofType(RejectedEventType(CommandCreateGeofence)))
}

func TestWorker_ComputeIntersectionsPublishesMatches(t *testing.T) {
	f := newFixture()
	g := f.create(t, circleInput("cleveland-circle", cleveland, 100))
	w := newTestWorker(f, &fakeConsumer{})

	msg := command(t, CommandComputeIntersections, ComputeGeofenceIntersections{
		TenantID: testTenant, ProjectID: testProject, Breadcrumb: breadcrumb(recordedAt),
	})
	require.NoError(t, w.Handle(context.Background(), msg))

	computed := f.publisher.ofType(EventGeofenceIntersectionsComputed)
	require.Len(t, computed, 1)
	var evt GeofenceIntersectionsComputed
	require.NoError(t, json.Unmarshal(computed[0].Payload, &evt))
	assert.Equal(t, testTenant, evt.TenantID)
	require.Len(t, evt.GeofenceIDs, 1)
	assert.Equal(t, g.ID, evt.GeofenceIDs[0])
}

func TestWorker_ComputeIntegrationsDispatches(t *testing.T) {
	f := newFixture()
	in := circleInput("cleveland-circle", cleveland, 100)
	in.IntegrationIDs = []string{"webhook-1"}
	g := f.create(t, in)
	w := newTestWorker(f, &fakeConsumer{})

	msg := command(t, CommandComputeIntegrations, ComputeGeofenceIntegrations{
		TenantID: testTenant, ProjectID: testProject, Breadcrumb: breadcrumb(recordedAt),
		Matches: []ClassifiedMatch{{GeofenceID: g.ID, Event: EventEntered}},
	})
	require.NoError(t, w.Handle(context.Background(), msg))
	assert.Len(t, f.publisher.ofType(EventExecuteGeofenceIntegrations), 1)
}

func TestWorker_EnforceLimits(t *testing.T) {
	f := newFixture()
	f.create(t, circleInput("site-a", cleveland, 100))
	f.create(t, circleInput("site-b", cleveland, 100))
	w := newTestWorker(f, &fakeConsumer{})

	msg := command(t, CommandEnforceResourceLimits, EnforceGeofenceResourceLimits{
		TenantLimits: []TenantLimit{{TenantID: testTenant, Limit: 1, RemainingProjectIDs: []uuid.UUID{testProject}}},
	})
	require.NoError(t, w.Handle(context.Background(), msg))
	assert.Equal(t, 1, f.store.size())
}
