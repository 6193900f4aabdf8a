package geofences

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/geo"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists geofences. Implementations translate duplicate keys to
// ErrAlreadyExists and missing rows to ErrNotFound; anything else is an
// infrastructure failure.
type Store interface {
	Create(ctx context.Context, g *Geofence) error
	// Replace overwrites every mutable column of g when the stored version
	// still equals expectedVersion. g.Version must already hold the new
	// version.
	Replace(ctx context.Context, g *Geofence, expectedVersion int64) error
	Delete(ctx context.Context, tenantID string, projectID uuid.UUID, externalID string) (*Geofence, error)
	BulkDelete(ctx context.Context, tenantID string, projectID uuid.UUID, externalIDs []string) ([]Geofence, error)
	DeleteByIDs(ctx context.Context, tenantID string, ids []uuid.UUID) ([]Geofence, error)

	FindByID(ctx context.Context, tenantID string, projectID, id uuid.UUID) (*Geofence, error)
	FindByExternalID(ctx context.Context, tenantID string, projectID uuid.UUID, externalID string) (*Geofence, error)
	FindByIDs(ctx context.Context, tenantID string, projectID uuid.UUID, ids []uuid.UUID) ([]Geofence, error)

	// CircleCandidates returns circles whose center lies within
	// searchRadiusMeters of p.
	CircleCandidates(ctx context.Context, tenantID string, projectID uuid.UUID, p geo.LngLat, searchRadiusMeters float64) ([]Geofence, error)
	// PolygonCandidates returns polygons whose ring intersects p.
	PolygonCandidates(ctx context.Context, tenantID string, projectID uuid.UUID, p geo.LngLat) ([]Geofence, error)
	// WithinBounds returns up to limit geofences whose anchor lies inside
	// bounds.
	WithinBounds(ctx context.Context, tenantID string, projectID uuid.UUID, bounds geo.Geometry, limit int) ([]Geofence, error)
	List(ctx context.Context, q ListQuery) ([]Geofence, error)

	// Count counts a tenant's geofences, restricted to projectIDs when
	// given.
	Count(ctx context.Context, tenantID string, projectIDs []uuid.UUID) (int64, error)
	// Newest returns the n most recently created geofences in projectIDs.
	Newest(ctx context.Context, tenantID string, projectIDs []uuid.UUID, n int) ([]Geofence, error)
	PurgeIntegration(ctx context.Context, tenantID string, projectID uuid.UUID, integrationID string) (int64, error)
}

// ChangeLogStore is the append-only audit trail.
type ChangeLogStore interface {
	AppendChangeLog(ctx context.Context, entries ...GeofenceChangeLog) error
}

// GormStore implements Store and ChangeLogStore on PostgreSQL with PostGIS.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (s *GormStore) scope(ctx context.Context, tenantID string, projectID uuid.UUID) *gorm.DB {
	return s.db.WithContext(ctx).Where("tenant_id = ? AND project_id = ?", tenantID, projectID)
}

func (s *GormStore) Create(ctx context.Context, g *Geofence) error {
	err := s.db.WithContext(ctx).Create(g).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, g.ExternalID)
	}
	if err != nil {
		return fmt.Errorf("insert geofence %q: %w", g.ExternalID, err)
	}
	return nil
}

func (s *GormStore) Replace(ctx context.Context, g *Geofence, expectedVersion int64) error {
	res := s.db.WithContext(ctx).
		Model(&Geofence{}).
		Where("id = ? AND tenant_id = ? AND project_id = ? AND version = ?", g.ID, g.TenantID, g.ProjectID, expectedVersion).
		Select("*").
		Omit("id", "tenant_id", "project_id", "created_date").
		Updates(g)
	if isUniqueViolation(res.Error) {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, g.ExternalID)
	}
	if res.Error != nil {
		return fmt.Errorf("replace geofence %s: %w", g.ID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	if _, err := s.FindByID(ctx, g.TenantID, g.ProjectID, g.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %q is no longer at version %d", ErrVersionConflict, g.ExternalID, expectedVersion)
}

func (s *GormStore) Delete(ctx context.Context, tenantID string, projectID uuid.UUID, externalID string) (*Geofence, error) {
	var deleted []Geofence
	res := s.scope(ctx, tenantID, projectID).
		Clauses(clause.Returning{}).
		Where("external_id = ?", externalID).
		Delete(&deleted)
	if res.Error != nil {
		return nil, fmt.Errorf("delete geofence %q: %w", externalID, res.Error)
	}
	if len(deleted) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, externalID)
	}
	return &deleted[0], nil
}

func (s *GormStore) BulkDelete(ctx context.Context, tenantID string, projectID uuid.UUID, externalIDs []string) ([]Geofence, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	var deleted []Geofence
	res := s.scope(ctx, tenantID, projectID).
		Clauses(clause.Returning{}).
		Where("external_id IN ?", externalIDs).
		Delete(&deleted)
	if res.Error != nil {
		return nil, fmt.Errorf("bulk delete geofences: %w", res.Error)
	}
	return deleted, nil
}

func (s *GormStore) DeleteByIDs(ctx context.Context, tenantID string, ids []uuid.UUID) ([]Geofence, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var deleted []Geofence
	res := s.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Delete(&deleted)
	if res.Error != nil {
		return nil, fmt.Errorf("delete geofences by id: %w", res.Error)
	}
	return deleted, nil
}

func (s *GormStore) FindByID(ctx context.Context, tenantID string, projectID, id uuid.UUID) (*Geofence, error) {
	var g Geofence
	err := s.scope(ctx, tenantID, projectID).Where("id = ?", id).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find geofence %s: %w", id, err)
	}
	return &g, nil
}

func (s *GormStore) FindByExternalID(ctx context.Context, tenantID string, projectID uuid.UUID, externalID string) (*Geofence, error) {
	var g Geofence
	err := s.scope(ctx, tenantID, projectID).Where("external_id = ?", externalID).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("find geofence %q: %w", externalID, err)
	}
	return &g, nil
}

func (s *GormStore) FindByIDs(ctx context.Context, tenantID string, projectID uuid.UUID, ids []uuid.UUID) ([]Geofence, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []Geofence
	if err := s.scope(ctx, tenantID, projectID).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("find geofences by id: %w", err)
	}
	return out, nil
}

func (s *GormStore) CircleCandidates(ctx context.Context, tenantID string, projectID uuid.UUID, p geo.LngLat, searchRadiusMeters float64) ([]Geofence, error) {
	var out []Geofence
	err := s.scope(ctx, tenantID, projectID).
		Where("shape = ?", geo.ShapeCircle).
		Where("ST_DWithin(geom::geography, ST_SetSRID(ST_MakePoint(?, ?), 4326)::geography, ?)", p.Lng, p.Lat, searchRadiusMeters).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("circle candidate query failed: %w", err)
	}
	return out, nil
}

func (s *GormStore) PolygonCandidates(ctx context.Context, tenantID string, projectID uuid.UUID, p geo.LngLat) ([]Geofence, error) {
	var out []Geofence
	err := s.scope(ctx, tenantID, projectID).
		Where("shape = ?", geo.ShapePolygon).
		Where("ST_Intersects(geom::geography, ST_SetSRID(ST_MakePoint(?, ?), 4326)::geography)", p.Lng, p.Lat).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("polygon candidate query failed: %w", err)
	}
	return out, nil
}

func (s *GormStore) WithinBounds(ctx context.Context, tenantID string, projectID uuid.UUID, bounds geo.Geometry, limit int) ([]Geofence, error) {
	var out []Geofence
	err := s.scope(ctx, tenantID, projectID).
		Where("ST_Within(anchor, ST_GeomFromText(?, 4326))", bounds.WKT()).
		Order("created_date DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("bounds query failed: %w", err)
	}
	return out, nil
}

func (s *GormStore) List(ctx context.Context, q ListQuery) ([]Geofence, error) {
	tx := s.scope(ctx, q.TenantID, q.ProjectID)
	if q.Search != "" {
		tx = tx.Where("external_id LIKE ?", q.Search+"%")
	}
	for _, o := range q.OrderClauses() {
		tx = tx.Order(o)
	}
	var out []Geofence
	if err := tx.Offset(q.Page * q.PageCount).Limit(q.PageCount).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list geofences: %w", err)
	}
	return out, nil
}

func (s *GormStore) Count(ctx context.Context, tenantID string, projectIDs []uuid.UUID) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&Geofence{}).Where("tenant_id = ?", tenantID)
	if projectIDs != nil {
		tx = tx.Where("project_id IN ?", projectIDs)
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count geofences: %w", err)
	}
	return n, nil
}

func (s *GormStore) Newest(ctx context.Context, tenantID string, projectIDs []uuid.UUID, n int) ([]Geofence, error) {
	if n <= 0 || len(projectIDs) == 0 {
		return nil, nil
	}
	var out []Geofence
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND project_id IN ?", tenantID, projectIDs).
		Order("created_date DESC").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("newest geofences: %w", err)
	}
	return out, nil
}

func (s *GormStore) PurgeIntegration(ctx context.Context, tenantID string, projectID uuid.UUID, integrationID string) (int64, error) {
	res := s.scope(ctx, tenantID, projectID).
		Model(&Geofence{}).
		Where("? = ANY(integration_ids)", integrationID).
		Updates(map[string]interface{}{
			"integration_ids": gorm.Expr("array_remove(integration_ids, ?)", integrationID),
			"version":         gorm.Expr("version + 1"),
			"updated_date":    time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("purge integration %s: %w", integrationID, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) AppendChangeLog(ctx context.Context, entries ...GeofenceChangeLog) error {
	if len(entries) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}
