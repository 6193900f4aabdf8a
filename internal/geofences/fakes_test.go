package geofences

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/config"
	"github.com/EmpoweredVote/EV-Geofences/internal/events"
	"github.com/EmpoweredVote/EV-Geofences/internal/geo"
	"github.com/EmpoweredVote/EV-Geofences/internal/logging"
	"github.com/google/uuid"
)

// memStore is an in-memory Store. Spatial pre-filters are computed with
// the geo package instead of PostGIS.
type memStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]Geofence
	err  error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uuid.UUID]Geofence)}
}

func (m *memStore) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *memStore) inScope(g Geofence, tenantID string, projectID uuid.UUID) bool {
	return g.TenantID == tenantID && g.ProjectID == projectID
}

func (m *memStore) scoped(tenantID string, projectID uuid.UUID) []Geofence {
	var out []Geofence
	for _, g := range m.rows {
		if m.inScope(g, tenantID, projectID) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (m *memStore) Create(_ context.Context, g *Geofence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, r := range m.rows {
		if m.inScope(r, g.TenantID, g.ProjectID) && r.ExternalID == g.ExternalID {
			return fmt.Errorf("%w: %q", ErrAlreadyExists, g.ExternalID)
		}
	}
	m.rows[g.ID] = *g
	return nil
}

func (m *memStore) Replace(_ context.Context, g *Geofence, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cur, ok := m.rows[g.ID]
	if !ok || !m.inScope(cur, g.TenantID, g.ProjectID) {
		return fmt.Errorf("%w: id %s", ErrNotFound, g.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: %q is no longer at version %d", ErrVersionConflict, g.ExternalID, expectedVersion)
	}
	for _, r := range m.rows {
		if r.ID != g.ID && m.inScope(r, g.TenantID, g.ProjectID) && r.ExternalID == g.ExternalID {
			return fmt.Errorf("%w: %q", ErrAlreadyExists, g.ExternalID)
		}
	}
	m.rows[g.ID] = *g
	return nil
}

func (m *memStore) Delete(_ context.Context, tenantID string, projectID uuid.UUID, externalID string) (*Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for id, r := range m.rows {
		if m.inScope(r, tenantID, projectID) && r.ExternalID == externalID {
			delete(m.rows, id)
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, externalID)
}

func (m *memStore) BulkDelete(_ context.Context, tenantID string, projectID uuid.UUID, externalIDs []string) ([]Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	want := make(map[string]bool, len(externalIDs))
	for _, e := range externalIDs {
		want[e] = true
	}
	var out []Geofence
	for _, r := range m.scoped(tenantID, projectID) {
		if want[r.ExternalID] {
			delete(m.rows, r.ID)
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) DeleteByIDs(_ context.Context, tenantID string, ids []uuid.UUID) ([]Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []Geofence
	for _, id := range ids {
		if r, ok := m.rows[id]; ok && r.TenantID == tenantID {
			delete(m.rows, id)
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) FindByID(_ context.Context, tenantID string, projectID, id uuid.UUID) (*Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.rows[id]
	if !ok || !m.inScope(r, tenantID, projectID) {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return &r, nil
}

func (m *memStore) FindByExternalID(_ context.Context, tenantID string, projectID uuid.UUID, externalID string) (*Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, r := range m.rows {
		if m.inScope(r, tenantID, projectID) && r.ExternalID == externalID {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, externalID)
}

func (m *memStore) FindByIDs(_ context.Context, tenantID string, projectID uuid.UUID, ids []uuid.UUID) ([]Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []Geofence
	for _, id := range ids {
		if r, ok := m.rows[id]; ok && m.inScope(r, tenantID, projectID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) CircleCandidates(_ context.Context, tenantID string, projectID uuid.UUID, p geo.LngLat, searchRadiusMeters float64) ([]Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []Geofence
	for _, r := range m.scoped(tenantID, projectID) {
		if r.Shape == geo.ShapeCircle && geo.Distance(r.Coordinates[0], p) <= searchRadiusMeters {
			out = append(out, r)
		}
	}
	return out, nil
}

// PolygonCandidates returns every polygon in scope; the strategy does the
// exact test.
func (m *memStore) PolygonCandidates(_ context.Context, tenantID string, projectID uuid.UUID, _ geo.LngLat) ([]Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []Geofence
	for _, r := range m.scoped(tenantID, projectID) {
		if r.Shape == geo.ShapePolygon {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) WithinBounds(_ context.Context, tenantID string, projectID uuid.UUID, bounds geo.Geometry, limit int) ([]Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []Geofence
	for _, r := range m.scoped(tenantID, projectID) {
		anchor := r.Coordinates[0]
		if r.Centroid != nil {
			anchor = *r.Centroid
		}
		in, err := geo.RingContains(bounds.Ring(), anchor)
		if err != nil {
			return nil, err
		}
		if in {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedDate.After(out[j].CreatedDate) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) List(_ context.Context, q ListQuery) ([]Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var all []Geofence
	for _, r := range m.scoped(q.TenantID, q.ProjectID) {
		if strings.HasPrefix(r.ExternalID, q.Search) {
			all = append(all, r)
		}
	}
	sortGeofences(all, q.OrderBy, q.Sort)
	start := q.Page * q.PageCount
	if start >= len(all) {
		return []Geofence{}, nil
	}
	return all[start:min(start+q.PageCount, len(all))], nil
}

const sortableTime = "2006-01-02T15:04:05.000000000"

// sortGeofences orders the way OrderClauses does.
func sortGeofences(gs []Geofence, by OrderBy, dir SortOrder) {
	key := func(g Geofence) string {
		switch by {
		case OrderByExternalID:
			return g.ExternalID
		case OrderByShape:
			return string(g.Shape)
		case OrderByEnabled:
			return fmt.Sprint(g.Enabled)
		case OrderByUpdatedDate:
			t := g.CreatedDate
			if g.UpdatedDate != nil {
				t = *g.UpdatedDate
			}
			return t.UTC().Format(sortableTime)
		}
		return g.CreatedDate.UTC().Format(sortableTime)
	}
	sort.SliceStable(gs, func(i, j int) bool {
		a, b := key(gs[i]), key(gs[j])
		if a != b {
			if dir == SortAscending {
				return a < b
			}
			return a > b
		}
		if by != OrderByCreatedDate && !gs[i].CreatedDate.Equal(gs[j].CreatedDate) {
			return gs[i].CreatedDate.After(gs[j].CreatedDate)
		}
		return gs[i].ID.String() < gs[j].ID.String()
	})
}

func (m *memStore) Count(_ context.Context, tenantID string, projectIDs []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	var n int64
	for _, r := range m.rows {
		if r.TenantID == tenantID && (projectIDs == nil || containsID(projectIDs, r.ProjectID)) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) Newest(_ context.Context, tenantID string, projectIDs []uuid.UUID, n int) ([]Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []Geofence
	for _, r := range m.rows {
		if r.TenantID == tenantID && containsID(projectIDs, r.ProjectID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedDate.After(out[j].CreatedDate) })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *memStore) PurgeIntegration(_ context.Context, tenantID string, projectID uuid.UUID, integrationID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	var n int64
	for id, r := range m.rows {
		if !m.inScope(r, tenantID, projectID) || !containsString(r.IntegrationIDs, integrationID) {
			continue
		}
		var kept []string
		for _, i := range r.IntegrationIDs {
			if i != integrationID {
				kept = append(kept, i)
			}
		}
		r.IntegrationIDs = kept
		r.Version++
		m.rows[id] = r
		n++
	}
	return n, nil
}

func (m *memStore) put(gs ...Geofence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range gs {
		m.rows[g.ID] = g
	}
}

func (m *memStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// memChangeLog records appended entries, or fails every append with err.
type memChangeLog struct {
	mu      sync.Mutex
	entries []GeofenceChangeLog
	err     error
}

func (c *memChangeLog) AppendChangeLog(_ context.Context, entries ...GeofenceChangeLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries = append(c.entries, entries...)
	return nil
}

func (c *memChangeLog) all() []GeofenceChangeLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]GeofenceChangeLog(nil), c.entries...)
}

type published struct {
	Type    string
	Key     string
	Payload []byte
}

// recordingPublisher captures published events, or fails with err.
type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, payload []byte, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, published{Type: eventType, Key: key, Payload: payload})
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// fakeConsumer hands out queued messages and records commits.
type fakeConsumer struct {
	mu        sync.Mutex
	queue     []events.Message
	committed []events.Message
}

func (c *fakeConsumer) Fetch(ctx context.Context) (events.Message, error) {
	c.mu.Lock()
	if len(c.queue) > 0 {
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return msg, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return events.Message{}, ctx.Err()
}

func (c *fakeConsumer) Commit(_ context.Context, msg events.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, msg)
	return nil
}

func (c *fakeConsumer) Close() error { return nil }

func (c *fakeConsumer) commits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.committed)
}

const testTenant = "acme"

var (
	testProject = uuid.MustParse("6b1c6a7e-3f3c-4b43-9a55-0f1e9d1d2c3b")
	cleveland   = geo.LngLat{Lng: -81.5576, Lat: 41.4876}
)

type fixture struct {
	store     *memStore
	changeLog *memChangeLog
	publisher *recordingPublisher
	limits    map[string]int
	svc       *Service
}

func newFixture() *fixture {
	f := &fixture{
		store:     newMemStore(),
		changeLog: &memChangeLog{},
		publisher: &recordingPublisher{},
		limits:    map[string]int{},
	}
	f.svc = NewService(Deps{
		Store:     f.store,
		ChangeLog: f.changeLog,
		Publisher: f.publisher,
		Limits:    staticLimits(f.limits),
		Tuning:    StaticTuning(config.DefaultTuning()),
		Logger:    logging.Discard(),
	})
	// Each mutation sees a later instant, so creation order is total.
	var mu sync.Mutex
	clock := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return f
}

// staticLimits reads the fixture map at call time so tests can change it.
type staticLimits map[string]int

func (s staticLimits) GeofenceLimit(_ context.Context, tenantID string) (int, error) {
	if n, ok := s[tenantID]; ok {
		return n, nil
	}
	return -1, nil
}

func boolPtr(b bool) *bool { return &b }

func intPtr(n int) *int { return &n }

func square(c geo.LngLat, half float64) []geo.LngLat {
	return []geo.LngLat{
		{Lng: c.Lng - half, Lat: c.Lat - half},
		{Lng: c.Lng + half, Lat: c.Lat - half},
		{Lng: c.Lng + half, Lat: c.Lat + half},
		{Lng: c.Lng - half, Lat: c.Lat + half},
	}
}

func circleInput(externalID string, center geo.LngLat, radius int) GeofenceInput {
	return GeofenceInput{
		ExternalID:  externalID,
		Shape:       "circle",
		Coordinates: []geo.LngLat{center},
		Radius:      radius,
	}
}

func polygonInput(externalID string, ring []geo.LngLat) GeofenceInput {
	return GeofenceInput{
		ExternalID:  externalID,
		Shape:       "polygon",
		Coordinates: ring,
	}
}

func (f *fixture) create(t *testing.T, in GeofenceInput) *Geofence {
	t.Helper()
	g, err := f.svc.Create(context.Background(), CreateGeofence{
		TenantID:      testTenant,
		ProjectID:     testProject,
		Actor:         "tester",
		GeofenceInput: in,
	})
	if err != nil {
		t.Fatalf("create %s: %v", in.ExternalID, err)
	}
	return g
}
