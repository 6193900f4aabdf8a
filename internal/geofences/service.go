package geofences

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/geo"
	"github.com/EmpoweredVote/EV-Geofences/internal/limits"
	"github.com/EmpoweredVote/EV-Geofences/internal/logging"
	"github.com/google/uuid"
)

// EnforcerActor is recorded on deletions made to bring a tenant back under
// its subscription limit.
const EnforcerActor = "SubscriptionEnforcer"

// integrationKeySpace namespaces the name-based ids used as partition keys
// for integration events.
var integrationKeySpace = uuid.MustParse("4f0e3c52-9a0d-4b8e-a0b5-5f1d2d8c6e11")

// Deps are the collaborators of a Service.
type Deps struct {
	Store     Store
	ChangeLog ChangeLogStore
	Publisher Publisher
	Limits    limits.Source
	Tuning    TuningSource
	Logger    *slog.Logger
}

// Service implements the geofence commands and queries.
type Service struct {
	store     Store
	engine    *Engine
	pipeline  *Pipeline
	recorder  *Recorder
	publisher Publisher
	limits    limits.Source
	logger    *slog.Logger

	now   func() time.Time
	newID func() uuid.UUID
}

func NewService(d Deps) *Service {
	lim := d.Limits
	if lim == nil {
		lim = limits.Static{}
	}
	return &Service{
		store:     d.Store,
		engine:    NewEngine(d.Store, d.Tuning, d.Logger),
		pipeline:  NewPipeline(d.Logger),
		recorder:  NewRecorder(d.ChangeLog, d.Logger),
		publisher: d.Publisher,
		limits:    lim,
		logger:    logging.Component(d.Logger, "geofences.service"),
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		newID:     uuid.New,
	}
}

// Engine exposes the spatial query engine.
func (s *Service) Engine() *Engine { return s.engine }

// Close waits for pending change log appends.
func (s *Service) Close() {
	s.recorder.Wait()
}

// fail logs an infrastructure error with its context and replaces it with
// the generic ErrOperationFailed. Domain errors pass through untouched.
func (s *Service) fail(ctx context.Context, op, externalID string, err error) error {
	if !IsRetryable(err) {
		return err
	}
	s.logger.ErrorContext(ctx, "geofence operation failed", "operation", op, "external_id", externalID, "error", err)
	return fmt.Errorf("%w: an unexpected error occurred %s geofence %q", ErrOperationFailed, op, externalID)
}

// announce publishes a mutation event. The mutation has already committed,
// so a failure is logged and not returned.
func (s *Service) announce(ctx context.Context, eventType, key string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := publishJSON(ctx, s.publisher, eventType, key, payload); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish event", "event", eventType, "key", key, "error", err)
	}
}

func (s *Service) checkLimit(ctx context.Context, tenantID string) error {
	limit, err := s.limits.GeofenceLimit(ctx, tenantID)
	if err != nil {
		return err
	}
	if limit == limits.Unlimited {
		return nil
	}
	n, err := s.store.Count(ctx, tenantID, nil)
	if err != nil {
		return err
	}
	if n >= int64(limit) {
		return fmt.Errorf("%w: tenant has reached its limit of %d geofences", ErrCapacity, limit)
	}
	return nil
}

// Create validates and stores a new geofence.
func (s *Service) Create(ctx context.Context, cmd CreateGeofence) (*Geofence, error) {
	if err := check(cmd); err != nil {
		return nil, err
	}
	verr := &ValidationError{}
	requireProject(verr, cmd.ProjectID)
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	g, err := buildGeofence(cmd.GeofenceInput)
	if err != nil {
		return nil, err
	}

	if err := s.checkLimit(ctx, cmd.TenantID); err != nil {
		return nil, s.fail(ctx, "creating", cmd.ExternalID, err)
	}

	g.ID = s.newID()
	g.TenantID = cmd.TenantID
	g.ProjectID = cmd.ProjectID
	g.CreatedDate = s.now()
	g.Version = 1

	if err := s.store.Create(ctx, g); err != nil {
		return nil, s.fail(ctx, "creating", cmd.ExternalID, err)
	}
	s.logger.InfoContext(ctx, "geofence created", "tenant_id", g.TenantID, "project_id", g.ProjectID, "external_id", g.ExternalID, "id", g.ID)

	s.recorder.Created(ctx, g, cmd.Actor)
	s.announce(ctx, EventGeofenceCreated, g.TenantID, GeofenceCreated{
		TenantID: g.TenantID, ProjectID: g.ProjectID, ExternalID: g.ExternalID, ID: g.ID,
	})
	return g, nil
}

// Update replaces an existing geofence. Identity and scope never change.
func (s *Service) Update(ctx context.Context, cmd UpdateGeofence) (*Geofence, error) {
	if err := check(cmd); err != nil {
		return nil, err
	}
	verr := &ValidationError{}
	requireProject(verr, cmd.ProjectID)
	if cmd.ID == uuid.Nil {
		verr.add("id is required")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	g, err := buildGeofence(cmd.GeofenceInput)
	if err != nil {
		return nil, err
	}

	before, err := s.store.FindByID(ctx, cmd.TenantID, cmd.ProjectID, cmd.ID)
	if err != nil {
		return nil, s.fail(ctx, "updating", cmd.ExternalID, err)
	}
	if cmd.Version != nil && *cmd.Version != before.Version {
		return nil, fmt.Errorf("%w: %q is at version %d, not %d", ErrVersionConflict, before.ExternalID, before.Version, *cmd.Version)
	}

	if err := s.replace(ctx, before, g); err != nil {
		return nil, s.fail(ctx, "updating", cmd.ExternalID, err)
	}
	s.logger.InfoContext(ctx, "geofence updated", "tenant_id", g.TenantID, "external_id", g.ExternalID, "id", g.ID, "version", g.Version)

	s.recorder.Updated(ctx, before, g, cmd.Actor)
	s.announce(ctx, EventGeofenceUpdated, g.TenantID, GeofenceUpdated{
		TenantID: g.TenantID, ProjectID: g.ProjectID, ExternalID: g.ExternalID, ID: g.ID, Version: g.Version,
	})
	return g, nil
}

// replace writes next over before, keeping identity and creation time and
// bumping the version.
func (s *Service) replace(ctx context.Context, before, next *Geofence) error {
	next.ID = before.ID
	next.TenantID = before.TenantID
	next.ProjectID = before.ProjectID
	next.CreatedDate = before.CreatedDate
	next.Version = before.Version + 1

	updated := s.now()
	if !updated.After(before.CreatedDate) {
		updated = before.CreatedDate.Add(time.Microsecond)
	}
	next.UpdatedDate = &updated

	return s.store.Replace(ctx, next, before.Version)
}

// Upsert creates the geofence named by ExternalID, or replaces it when it
// already exists. The bool reports whether it was created.
func (s *Service) Upsert(ctx context.Context, cmd UpsertGeofence) (*Geofence, bool, error) {
	if err := check(cmd); err != nil {
		return nil, false, err
	}
	verr := &ValidationError{}
	requireProject(verr, cmd.ProjectID)
	if err := verr.orNil(); err != nil {
		return nil, false, err
	}
	g, err := buildGeofence(cmd.GeofenceInput)
	if err != nil {
		return nil, false, err
	}

	before, err := s.store.FindByExternalID(ctx, cmd.TenantID, cmd.ProjectID, cmd.ExternalID)
	switch {
	case errors.Is(err, ErrNotFound):
		created, err := s.Create(ctx, CreateGeofence{
			TenantID: cmd.TenantID, ProjectID: cmd.ProjectID, Actor: cmd.Actor, GeofenceInput: cmd.GeofenceInput,
		})
		if err != nil {
			return nil, false, err
		}
		s.announce(ctx, EventGeofenceUpserted, created.TenantID, GeofenceUpserted{
			TenantID: created.TenantID, ProjectID: created.ProjectID, ExternalID: created.ExternalID, ID: created.ID, Created: true,
		})
		return created, true, nil
	case err != nil:
		return nil, false, s.fail(ctx, "upserting", cmd.ExternalID, err)
	}

	if err := s.replace(ctx, before, g); err != nil {
		return nil, false, s.fail(ctx, "upserting", cmd.ExternalID, err)
	}
	s.logger.InfoContext(ctx, "geofence upserted", "tenant_id", g.TenantID, "external_id", g.ExternalID, "id", g.ID, "version", g.Version)

	s.recorder.Updated(ctx, before, g, cmd.Actor)
	s.announce(ctx, EventGeofenceUpserted, g.TenantID, GeofenceUpserted{
		TenantID: g.TenantID, ProjectID: g.ProjectID, ExternalID: g.ExternalID, ID: g.ID,
	})
	return g, false, nil
}

// Delete removes one geofence by external id.
func (s *Service) Delete(ctx context.Context, cmd DeleteGeofence) error {
	if err := check(cmd); err != nil {
		return err
	}
	verr := &ValidationError{}
	requireProject(verr, cmd.ProjectID)
	if err := verr.orNil(); err != nil {
		return err
	}

	deleted, err := s.store.Delete(ctx, cmd.TenantID, cmd.ProjectID, cmd.ExternalID)
	if err != nil {
		return s.fail(ctx, "deleting", cmd.ExternalID, err)
	}
	s.logger.InfoContext(ctx, "geofence deleted", "tenant_id", cmd.TenantID, "external_id", cmd.ExternalID, "id", deleted.ID)

	s.recorder.Deleted(ctx, []Geofence{*deleted}, cmd.Actor)
	s.announce(ctx, EventGeofenceDeleted, cmd.TenantID, GeofenceDeleted{
		TenantID: cmd.TenantID, ProjectID: cmd.ProjectID, ExternalID: deleted.ExternalID, ID: deleted.ID,
	})
	return nil
}

// BulkDelete removes every named geofence that exists and returns those
// removed. Names that do not exist are ignored.
func (s *Service) BulkDelete(ctx context.Context, cmd BulkDeleteGeofences) ([]Geofence, error) {
	if err := check(cmd); err != nil {
		return nil, err
	}
	verr := &ValidationError{}
	requireProject(verr, cmd.ProjectID)
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	deleted, err := s.store.BulkDelete(ctx, cmd.TenantID, cmd.ProjectID, cmd.ExternalIDs)
	if err != nil {
		return nil, s.fail(ctx, "bulk deleting", fmt.Sprintf("%d geofences", len(cmd.ExternalIDs)), err)
	}
	s.logger.InfoContext(ctx, "geofences bulk deleted", "tenant_id", cmd.TenantID, "project_id", cmd.ProjectID,
		"requested", len(cmd.ExternalIDs), "deleted", len(deleted))

	s.recorder.Deleted(ctx, deleted, cmd.Actor)
	evt := GeofencesBulkDeleted{TenantID: cmd.TenantID, ProjectID: cmd.ProjectID, ExternalIDs: []string{}, IDs: []uuid.UUID{}}
	for _, g := range deleted {
		evt.ExternalIDs = append(evt.ExternalIDs, g.ExternalID)
		evt.IDs = append(evt.IDs, g.ID)
	}
	s.announce(ctx, EventGeofencesBulkDeleted, cmd.TenantID, evt)
	return deleted, nil
}

// PurgeIntegration removes an integration id from every geofence in a
// project and returns how many geofences changed.
func (s *Service) PurgeIntegration(ctx context.Context, cmd PurgeIntegrationFromGeofences) (int64, error) {
	if err := check(cmd); err != nil {
		return 0, err
	}
	verr := &ValidationError{}
	requireProject(verr, cmd.ProjectID)
	if err := verr.orNil(); err != nil {
		return 0, err
	}

	n, err := s.store.PurgeIntegration(ctx, cmd.TenantID, cmd.ProjectID, cmd.IntegrationID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to purge integration from geofences", "integration_id", cmd.IntegrationID, "error", err)
		return 0, fmt.Errorf("%w: failed to purge integration %q from geofences", ErrOperationFailed, cmd.IntegrationID)
	}
	s.logger.InfoContext(ctx, "integration purged from geofences", "tenant_id", cmd.TenantID, "integration_id", cmd.IntegrationID, "affected", n)

	s.announce(ctx, EventIntegrationPurgedFromGeofences, cmd.TenantID, IntegrationPurgedFromGeofences{
		TenantID: cmd.TenantID, ProjectID: cmd.ProjectID, IntegrationID: cmd.IntegrationID, Affected: n,
	})
	return n, nil
}

// EnforceLimits deletes each tenant's most recently created geofences
// until the count across its remaining projects is within its limit.
func (s *Service) EnforceLimits(ctx context.Context, cmd EnforceGeofenceResourceLimits) error {
	if err := check(cmd); err != nil {
		return err
	}
	for _, tl := range cmd.TenantLimits {
		projects := tl.RemainingProjectIDs
		if projects == nil {
			projects = []uuid.UUID{}
		}
		count, err := s.store.Count(ctx, tl.TenantID, projects)
		if err != nil {
			return s.fail(ctx, "enforcing limits on", tl.TenantID, err)
		}
		excess := int(count) - tl.Limit
		if excess <= 0 {
			continue
		}

		victims, err := s.store.Newest(ctx, tl.TenantID, projects, excess)
		if err != nil {
			return s.fail(ctx, "enforcing limits on", tl.TenantID, err)
		}
		ids := make([]uuid.UUID, len(victims))
		for i, v := range victims {
			ids[i] = v.ID
		}
		deleted, err := s.store.DeleteByIDs(ctx, tl.TenantID, ids)
		if err != nil {
			return s.fail(ctx, "enforcing limits on", tl.TenantID, err)
		}
		s.logger.InfoContext(ctx, "geofence limit enforced", "tenant_id", tl.TenantID, "limit", tl.Limit, "count", count, "deleted", len(deleted))

		s.recorder.Deleted(ctx, deleted, EnforcerActor)
		for _, g := range deleted {
			s.announce(ctx, EventGeofenceDeleted, g.TenantID, GeofenceDeleted{
				TenantID: g.TenantID, ProjectID: g.ProjectID, ExternalID: g.ExternalID, ID: g.ID,
			})
		}
	}
	return nil
}

// ListRequest selects geofences by exactly one of: external id, bounding
// box, or a page of the sorted listing.
type ListRequest struct {
	ExternalID string
	Bounds     []geo.LngLat
	Search     string
	OrderBy    string
	SortOrder  string
	Page       int
	// PageCount is nil when the caller did not ask for a page size.
	PageCount *int
}

func (s *Service) List(ctx context.Context, tenantID string, projectID uuid.UUID, req ListRequest) ([]Geofence, error) {
	if req.ExternalID != "" && req.Bounds != nil {
		return nil, invalid("both externalId and bounds cannot be present")
	}
	if tenantID == "" || projectID == uuid.Nil {
		return nil, invalid("tenantId and projectId are required")
	}

	switch {
	case req.ExternalID != "":
		if !externalIDPattern.MatchString(req.ExternalID) {
			return nil, invalid("externalId must begin, end, and contain lowercase alphanumeric characters and may contain ( - )")
		}
		g, err := s.store.FindByExternalID(ctx, tenantID, projectID, req.ExternalID)
		if err != nil {
			return nil, s.fail(ctx, "retrieving", req.ExternalID, err)
		}
		return []Geofence{*g}, nil

	case req.Bounds != nil:
		out, err := s.engine.WithinBounds(ctx, tenantID, projectID, req.Bounds)
		if err != nil {
			return nil, s.fail(ctx, "retrieving bounded", "", err)
		}
		return out, nil
	}

	orderBy, err := ParseOrderBy(req.OrderBy)
	if err != nil {
		return nil, err
	}
	sortOrder, err := ParseSortOrder(req.SortOrder)
	if err != nil {
		return nil, err
	}
	pageCount := DefaultPageCount
	if req.PageCount != nil {
		pageCount = *req.PageCount
	}
	out, err := s.engine.List(ctx, ListQuery{
		TenantID:  tenantID,
		ProjectID: projectID,
		Search:    req.Search,
		OrderBy:   orderBy,
		Sort:      sortOrder,
		Page:      req.Page,
		PageCount: pageCount,
	})
	if err != nil {
		return nil, s.fail(ctx, "listing", "", err)
	}
	return out, nil
}

// ComputeIntersections returns the geofences containing the breadcrumb's
// position.
func (s *Service) ComputeIntersections(ctx context.Context, cmd ComputeGeofenceIntersections) ([]Geofence, error) {
	if err := check(cmd); err != nil {
		return nil, err
	}
	verr := &ValidationError{}
	requireProject(verr, cmd.ProjectID)
	checkBreadcrumb(verr, cmd.Breadcrumb)
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	out, err := s.engine.Intersect(ctx, cmd.TenantID, cmd.ProjectID, cmd.Breadcrumb.Position)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to compute intersecting geofences",
			"tenant_id", cmd.TenantID, "project_id", cmd.ProjectID, "device_id", cmd.Breadcrumb.DeviceID, "error", err)
		if !IsRetryable(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to compute intersecting geofences", ErrOperationFailed)
	}
	return out, nil
}

// ComputeIntegrations loads the classified geofences, runs the trigger
// pipeline and, when anything survives, hands the results to dispatch.
// Every failure is returned so the delivering transport can redrive.
func (s *Service) ComputeIntegrations(ctx context.Context, cmd ComputeGeofenceIntegrations) ([]IntegrationResult, error) {
	if err := check(cmd); err != nil {
		return nil, err
	}
	verr := &ValidationError{}
	requireProject(verr, cmd.ProjectID)
	checkBreadcrumb(verr, cmd.Breadcrumb)
	events := make(map[uuid.UUID]GeofenceEvent, len(cmd.Matches))
	ids := make([]uuid.UUID, 0, len(cmd.Matches))
	for _, m := range cmd.Matches {
		if prev, ok := events[m.GeofenceID]; ok {
			if prev != m.Event {
				verr.add("geofence %s is classified as both %s and %s", m.GeofenceID, prev, m.Event)
			}
			continue
		}
		events[m.GeofenceID] = m.Event
		ids = append(ids, m.GeofenceID)
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []IntegrationResult{}, nil
	}

	loaded, err := s.store.FindByIDs(ctx, cmd.TenantID, cmd.ProjectID, ids)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to compute geofence integrations", "tenant_id", cmd.TenantID, "error", err)
		return nil, fmt.Errorf("%w: failed to compute geofence integrations", ErrOperationFailed)
	}
	matches := make([]Match, 0, len(loaded))
	for _, g := range loaded {
		matches = append(matches, Match{Geofence: g, Event: events[g.ID]})
	}

	results, err := s.pipeline.Evaluate(ctx, matches, cmd.Breadcrumb.RecordedAt)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to compute geofence integrations", "tenant_id", cmd.TenantID, "error", err)
		return nil, err
	}
	if len(results) == 0 || s.publisher == nil {
		return results, nil
	}

	err = publishJSON(ctx, s.publisher, EventExecuteGeofenceIntegrations, IntegrationKey(cmd), ExecuteGeofenceIntegrations{
		TenantID:   cmd.TenantID,
		ProjectID:  cmd.ProjectID,
		Breadcrumb: cmd.Breadcrumb,
		Results:    results,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to dispatch geofence integrations", "tenant_id", cmd.TenantID, "results", len(results), "error", err)
		return nil, fmt.Errorf("%w: failed to dispatch geofence integrations", ErrOperationFailed)
	}
	return results, nil
}

// IntegrationKey is the same for every delivery of the same breadcrumb, so
// downstream consumers can drop duplicates.
func IntegrationKey(cmd ComputeGeofenceIntegrations) string {
	name := cmd.TenantID + "/" + cmd.ProjectID.String() + "/" + cmd.Breadcrumb.DeviceID + "/" +
		cmd.Breadcrumb.RecordedAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(integrationKeySpace, []byte(name)).String()
}
