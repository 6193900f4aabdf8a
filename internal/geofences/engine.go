package geofences

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/config"
	"github.com/EmpoweredVote/EV-Geofences/internal/geo"
	"github.com/EmpoweredVote/EV-Geofences/internal/logging"
	"github.com/EmpoweredVote/EV-Geofences/internal/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TuningSource serves the live query knobs.
type TuningSource interface {
	Tuning() config.Tuning
}

// StaticTuning is a TuningSource that never changes.
type StaticTuning config.Tuning

func (t StaticTuning) Tuning() config.Tuning { return config.Tuning(t) }

// ContainmentStrategy finds the geofences of one shape that contain a point.
type ContainmentStrategy interface {
	Shape() geo.Shape
	Contains(ctx context.Context, tenantID string, projectID uuid.UUID, p geo.LngLat) ([]Geofence, error)
}

// CircleStrategy pre-filters circles by center distance in the store, then
// keeps those with distance - radius <= 0.
type CircleStrategy struct {
	Store  Store
	Tuning TuningSource
}

func (CircleStrategy) Shape() geo.Shape { return geo.ShapeCircle }

func (c CircleStrategy) Contains(ctx context.Context, tenantID string, projectID uuid.UUID, p geo.LngLat) ([]Geofence, error) {
	radius := c.Tuning.Tuning().CircleSearchRadiusMeters
	candidates, err := c.Store.CircleCandidates(ctx, tenantID, projectID, p, radius)
	if err != nil {
		return nil, err
	}
	var out []Geofence
	for _, g := range candidates {
		if len(g.Coordinates) != 1 {
			continue
		}
		if geo.Distance(g.Coordinates[0], p)-float64(g.Radius) <= 0 {
			out = append(out, g)
		}
	}
	return out, nil
}

// PolygonStrategy takes the store's intersection candidates and confirms
// each with a spherical point-in-ring test.
type PolygonStrategy struct {
	Store  Store
	Logger *slog.Logger
}

func (PolygonStrategy) Shape() geo.Shape { return geo.ShapePolygon }

func (s PolygonStrategy) Contains(ctx context.Context, tenantID string, projectID uuid.UUID, p geo.LngLat) ([]Geofence, error) {
	candidates, err := s.Store.PolygonCandidates(ctx, tenantID, projectID, p)
	if err != nil {
		return nil, err
	}
	var out []Geofence
	for _, g := range candidates {
		in, err := geo.RingContains(g.Coordinates, p)
		if err != nil {
			// Rings are validated on write; a row that no longer validates
			// is skipped.
			if s.Logger != nil {
				s.Logger.WarnContext(ctx, "stored polygon failed validation", "geofence_id", g.ID, "error", err)
			}
			continue
		}
		if in {
			out = append(out, g)
		}
	}
	return out, nil
}

// Engine answers spatial questions about a project's geofences.
type Engine struct {
	store      Store
	tuning     TuningSource
	strategies []ContainmentStrategy
	logger     *slog.Logger
}

func NewEngine(store Store, tuning TuningSource, logger *slog.Logger) *Engine {
	logger = logging.Component(logger, "geofences.engine")
	return &Engine{
		store:  store,
		tuning: tuning,
		strategies: []ContainmentStrategy{
			CircleStrategy{Store: store, Tuning: tuning},
			PolygonStrategy{Store: store, Logger: logger},
		},
		logger: logger,
	}
}

// WithStrategies replaces the containment strategies.
func (e *Engine) WithStrategies(s ...ContainmentStrategy) *Engine {
	e.strategies = s
	return e
}

// Intersect returns every geofence containing p. The strategies run
// concurrently and their results are concatenated; a geofence has exactly
// one shape so no de-duplication is needed.
func (e *Engine) Intersect(ctx context.Context, tenantID string, projectID uuid.UUID, p geo.LngLat) ([]Geofence, error) {
	if err := p.Validate(); err != nil {
		return nil, classify(err)
	}

	results := make([][]Geofence, len(e.strategies))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range e.strategies {
		g.Go(func() error {
			start := time.Now()
			matches, err := s.Contains(gctx, tenantID, projectID, p)
			metrics.IntersectionDuration.WithLabelValues(string(s.Shape())).Observe(time.Since(start).Seconds())
			if err != nil {
				return fmt.Errorf("%s containment: %w", s.Shape(), err)
			}
			metrics.IntersectionMatches.WithLabelValues(string(s.Shape())).Add(float64(len(matches)))
			results[i] = matches
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Geofence
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// WithinBounds returns the geofences anchored inside a four-corner box. More
// matches than the configured cap is a capacity error, never a silent
// truncation.
func (e *Engine) WithinBounds(ctx context.Context, tenantID string, projectID uuid.UUID, corners []geo.LngLat) ([]Geofence, error) {
	bounds, err := geo.NewBounds(corners)
	if err != nil {
		return nil, classify(err)
	}
	limit := e.tuning.Tuning().MaxBoundsResults
	out, err := e.store.WithinBounds(ctx, tenantID, projectID, bounds, limit+1)
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: more than %d geofences lie within the requested bounds, narrow the requested area", ErrCapacity, limit)
	}
	return out, nil
}

// List returns one page of a project's geofences.
func (e *Engine) List(ctx context.Context, q ListQuery) ([]Geofence, error) {
	if err := q.validate(e.tuning.Tuning().MaxPageSize); err != nil {
		return nil, err
	}
	return e.store.List(ctx, q)
}
