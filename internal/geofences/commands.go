package geofences

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/geo"
	"github.com/EmpoweredVote/EV-Geofences/internal/schedule"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Request limits.
const (
	MaxMetadataEntries = 16
	MaxDescription     = 512
	MaxBulkDelete      = 1000
)

var externalIDPattern = regexp.MustCompile(`^[a-z0-9]+[a-z0-9\-]{1,126}[a-z0-9]{1}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("externalid", func(fl validator.FieldLevel) bool {
		return externalIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// check runs the struct tags and turns failures into a ValidationError.
func check(cmd any) error {
	err := validate.Struct(cmd)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalid("%v", err)
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.add("%s", fieldMessage(fe))
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	// Namespace is "Command.GeofenceInput.metadata[0].key"; report the
	// path as the caller wrote it.
	parts := strings.Split(fe.Namespace(), ".")
	path := parts[:0]
	for _, p := range parts[1:] {
		if p != "GeofenceInput" {
			path = append(path, p)
		}
	}
	field := strings.Join(path, ".")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "externalid":
		return field + " must begin, end, and contain lowercase alphanumeric characters, may contain ( - ), and be 3 to 128 characters long"
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "unique":
		return field + " must not contain duplicate identifiers"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// GeofenceInput holds the caller-controlled fields shared by create,
// update and upsert. Nil pointers take the defaults.
type GeofenceInput struct {
	ExternalID     string             `json:"externalId" yaml:"externalId" validate:"required,max=128,externalid"`
	Shape          string             `json:"shape" yaml:"shape" validate:"required"`
	Coordinates    []geo.LngLat       `json:"coordinates" yaml:"coordinates" validate:"required"`
	Radius         int                `json:"radius" yaml:"radius" validate:"gte=0"`
	Description    string             `json:"description" yaml:"description" validate:"max=512"`
	Labels         []string           `json:"labels" yaml:"labels" validate:"max=64,dive,required,max=128"`
	IntegrationIDs []string           `json:"integrationIds" yaml:"integrationIds" validate:"unique,dive,required,max=128"`
	Metadata       []KeyValue         `json:"metadata" yaml:"metadata" validate:"max=16,dive"`
	OnEnter        *bool              `json:"onEnter" yaml:"onEnter"`
	OnDwell        *bool              `json:"onDwell" yaml:"onDwell"`
	OnExit         *bool              `json:"onExit" yaml:"onExit"`
	Enabled        *bool              `json:"enabled" yaml:"enabled"`
	LaunchDate     *time.Time         `json:"launchDate" yaml:"launchDate"`
	ExpirationDate *time.Time         `json:"expirationDate" yaml:"expirationDate"`
	Schedule       *schedule.Schedule `json:"schedule" yaml:"schedule"`
}

type CreateGeofence struct {
	TenantID  string    `json:"tenantId" validate:"required,max=128"`
	ProjectID uuid.UUID `json:"projectId"`
	Actor     string    `json:"commandingUser" validate:"max=256"`
	GeofenceInput
}

// UpdateGeofence replaces the geofence with the given id. When Version is
// set the update fails unless it matches the stored version.
type UpdateGeofence struct {
	ID        uuid.UUID `json:"id"`
	TenantID  string    `json:"tenantId" validate:"required,max=128"`
	ProjectID uuid.UUID `json:"projectId"`
	Version   *int64    `json:"version" validate:"omitnil,gte=1"`
	Actor     string    `json:"commandingUser" validate:"max=256"`
	GeofenceInput
}

// UpsertGeofence creates or replaces the geofence keyed by ExternalID.
type UpsertGeofence struct {
	TenantID  string    `json:"tenantId" validate:"required,max=128"`
	ProjectID uuid.UUID `json:"projectId"`
	Actor     string    `json:"commandingUser" validate:"max=256"`
	GeofenceInput
}

type DeleteGeofence struct {
	TenantID   string    `json:"tenantId" validate:"required,max=128"`
	ProjectID  uuid.UUID `json:"projectId"`
	ExternalID string    `json:"externalId" validate:"required,max=128"`
	Actor      string    `json:"commandingUser" validate:"max=256"`
}

type BulkDeleteGeofences struct {
	TenantID    string    `json:"tenantId" validate:"required,max=128"`
	ProjectID   uuid.UUID `json:"projectId"`
	ExternalIDs []string  `json:"externalIds" validate:"required,min=1,max=1000,unique,dive,required,max=128"`
	Actor       string    `json:"commandingUser" validate:"max=256"`
}

type PurgeIntegrationFromGeofences struct {
	TenantID      string    `json:"tenantId" validate:"required,max=128"`
	ProjectID     uuid.UUID `json:"projectId"`
	IntegrationID string    `json:"integrationId" validate:"required,max=128"`
}

// TenantLimit is one tenant's geofence allowance across the projects it
// still has.
type TenantLimit struct {
	TenantID            string      `json:"tenantId" validate:"required,max=128"`
	Limit               int         `json:"limit" validate:"gte=0"`
	RemainingProjectIDs []uuid.UUID `json:"remainingProjectIds"`
}

type EnforceGeofenceResourceLimits struct {
	TenantLimits []TenantLimit `json:"tenantLimits" validate:"required,dive"`
}

type ComputeGeofenceIntersections struct {
	TenantID   string     `json:"tenantId" validate:"required,max=128"`
	ProjectID  uuid.UUID  `json:"projectId"`
	Breadcrumb Breadcrumb `json:"breadcrumb"`
}

type ComputeGeofenceIntegrations struct {
	TenantID   string            `json:"tenantId" validate:"required,max=128"`
	ProjectID  uuid.UUID         `json:"projectId"`
	Breadcrumb Breadcrumb        `json:"breadcrumb"`
	Matches    []ClassifiedMatch `json:"breadcrumbGeofenceResults" validate:"dive"`
}

func requireProject(verr *ValidationError, projectID uuid.UUID) {
	if projectID == uuid.Nil {
		verr.add("projectId is required")
	}
}

func checkBreadcrumb(verr *ValidationError, b Breadcrumb) {
	if err := b.Position.Validate(); err != nil {
		verr.add("breadcrumb.position: %v", err)
	}
}

// buildGeofence validates the shared input and returns a geofence with the
// derived geometry columns filled. Identity, version and timestamps are
// left to the caller.
func buildGeofence(in GeofenceInput) (*Geofence, error) {
	verr := &ValidationError{}

	shape, err := geo.ParseShape(in.Shape)
	if err != nil {
		verr.add("shape must be one of circle, polygon")
		return nil, verr
	}

	region, err := geo.NewGeometry(shape, in.Coordinates)
	if err != nil {
		verr.add("%v", err)
		return nil, verr
	}

	g := &Geofence{
		ExternalID:     in.ExternalID,
		Shape:          shape,
		Coordinates:    region.Coordinates(),
		Geometry:       Geom(region.WKT()),
		Description:    strings.TrimSpace(in.Description),
		Labels:         nonNil(in.Labels),
		IntegrationIDs: nonNil(in.IntegrationIDs),
		Metadata:       in.Metadata,
		OnEnter:        boolOr(in.OnEnter, true),
		OnDwell:        boolOr(in.OnDwell, false),
		OnExit:         boolOr(in.OnExit, true),
		Enabled:        boolOr(in.Enabled, true),
		LaunchDate:     timeOr(in.LaunchDate, DefaultLaunchDate),
		ExpirationDate: timeOr(in.ExpirationDate, DefaultExpirationDate),
		Schedule:       schedule.FullUTC(),
	}
	if g.Metadata == nil {
		g.Metadata = []KeyValue{}
	}

	switch shape {
	case geo.ShapeCircle:
		if in.Radius < geo.MinCircleRadiusMeters {
			verr.add("radius must be greater than or equal to %d meters for circular geofences", geo.MinCircleRadiusMeters)
		}
		g.Radius = in.Radius
		g.Anchor = Geom(geo.PointWKT(region.Center()))
	case geo.ShapePolygon:
		stats, err := geo.Centroid(region.Ring())
		if err != nil {
			verr.add("%v", err)
		} else {
			c := stats.Centroid
			g.Centroid = &c
			g.Anchor = Geom(geo.PointWKT(c))
		}
	}

	if in.Schedule != nil {
		if err := in.Schedule.Validate(); err != nil {
			verr.add("schedule: %v", err)
		} else {
			g.Schedule = *in.Schedule
		}
	}
	if g.LaunchDate.After(g.ExpirationDate) {
		verr.add("launchDate must not be after expirationDate")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return g, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func timeOr(p *time.Time, def time.Time) time.Time {
	if p == nil || p.IsZero() {
		return def
	}
	return p.UTC()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
