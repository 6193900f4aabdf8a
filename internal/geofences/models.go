package geofences

import (
	"context"
	"database/sql/driver"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/geo"
	"github.com/EmpoweredVote/EV-Geofences/internal/schedule"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Default construction window: always constructed.
var (
	DefaultLaunchDate     = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	DefaultExpirationDate = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
)

// KeyValue is one metadata entry. Metadata keeps insertion order, so it is
// a list rather than a map.
type KeyValue struct {
	Key   string `json:"key" yaml:"key" validate:"required,max=128"`
	Value string `json:"value" yaml:"value" validate:"required,max=128"`
}

// Geom is a WKT geometry written through ST_GeomFromText. It is write-only:
// reads use the JSON coordinates instead of decoding EWKB.
type Geom string

func (g Geom) GormValue(_ context.Context, _ *gorm.DB) clause.Expr {
	return clause.Expr{SQL: "ST_GeomFromText(?, 4326)", Vars: []interface{}{string(g)}}
}

func (g Geom) Value() (driver.Value, error) { return string(g), nil }

// Geofence is a circular or polygonal region owned by a tenant's project.
type Geofence struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID   string    `gorm:"size:128;not null;uniqueIndex:idx_geofences_external,priority:1;index:idx_geofences_scope,priority:1" json:"tenantId"`
	ProjectID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_geofences_external,priority:2;index:idx_geofences_scope,priority:2" json:"projectId"`
	ExternalID string    `gorm:"size:128;not null;uniqueIndex:idx_geofences_external,priority:3" json:"externalId"`

	Shape       geo.Shape    `gorm:"size:16;not null;index:idx_geofences_scope,priority:3" json:"shape"`
	Coordinates []geo.LngLat `gorm:"serializer:json;type:jsonb;not null" json:"coordinates"`
	Radius      int          `gorm:"not null;default:0" json:"radius"`
	Centroid    *geo.LngLat  `gorm:"serializer:json;type:jsonb" json:"centroid,omitempty"`

	// Geometry is the shape itself; Anchor is the circle center or polygon
	// centroid and is what bounding-box queries test.
	Geometry Geom `gorm:"column:geom;type:geometry(Geometry,4326);not null;->:false;<-" json:"-"`
	Anchor   Geom `gorm:"column:anchor;type:geometry(Point,4326);not null;->:false;<-" json:"-"`

	OnEnter bool `gorm:"not null" json:"onEnter"`
	OnDwell bool `gorm:"not null" json:"onDwell"`
	OnExit  bool `gorm:"not null" json:"onExit"`
	Enabled bool `gorm:"not null" json:"enabled"`

	LaunchDate     time.Time  `gorm:"not null" json:"launchDate"`
	ExpirationDate time.Time  `gorm:"not null" json:"expirationDate"`
	CreatedDate    time.Time  `gorm:"not null;index" json:"createdDate"`
	UpdatedDate    *time.Time `json:"updatedDate,omitempty"`
	Version        int64      `gorm:"not null;default:1" json:"version"`

	IntegrationIDs pq.StringArray    `gorm:"type:text[]" json:"integrationIds"`
	Labels         pq.StringArray    `gorm:"type:text[]" json:"labels"`
	Metadata       []KeyValue        `gorm:"serializer:json;type:jsonb" json:"metadata"`
	Description    string            `gorm:"size:512" json:"description"`
	Schedule       schedule.Schedule `gorm:"type:jsonb;not null" json:"schedule"`
}

func (Geofence) TableName() string {
	return "geofences.geofences"
}

// Region rebuilds the validated geometry from the stored coordinates.
func (g *Geofence) Region() (geo.Geometry, error) {
	return geo.NewGeometry(g.Shape, g.Coordinates)
}

// IsConstructed reports whether t falls inside the launch/expiration
// window, inclusive.
func (g *Geofence) IsConstructed(t time.Time) bool {
	return !t.Before(g.LaunchDate) && !t.After(g.ExpirationDate)
}

// GeofenceChangeLog is one append-only audit record.
type GeofenceChangeLog struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID   string         `gorm:"size:128;not null;index:idx_change_logs_scope,priority:1" json:"tenantId"`
	ProjectID  uuid.UUID      `gorm:"type:uuid;not null;index:idx_change_logs_scope,priority:2" json:"projectId"`
	GeofenceID uuid.UUID      `gorm:"type:uuid;not null;index:idx_change_logs_scope,priority:3" json:"geofenceId"`
	Event      string         `gorm:"size:64;not null" json:"event"`
	Actor      string         `gorm:"size:256;not null" json:"actor"`
	Diff       datatypes.JSON `gorm:"type:jsonb" json:"diff,omitempty"`
	CreatedAt  time.Time      `gorm:"not null" json:"createdAt"`
}

func (GeofenceChangeLog) TableName() string {
	return "geofences.geofence_change_logs"
}
