// Package geo builds and validates the geometries stored for geofences and
// answers the spherical questions asked about them (area, centroid,
// containment, distance).
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Geometry limits.
const (
	MinCircleRadiusMeters = 50
	MinPolygonVertices    = 3
	MaxPolygonVertices    = 512
	BoundsCorners         = 4
)

var (
	ErrInvalidGeometry = errors.New("invalid geometry")

	ErrNoCoordinates      = fmt.Errorf("%w: coordinates are required", ErrInvalidGeometry)
	ErrCircleCoordinates  = fmt.Errorf("%w: coordinates for circular geofences must contain exactly one point", ErrInvalidGeometry)
	ErrPolygonCoordinates = fmt.Errorf("%w: coordinates for polygon geofences must contain at least %d points", ErrInvalidGeometry, MinPolygonVertices)
	ErrTooManyVertices    = fmt.Errorf("%w: coordinates for polygon geofences must contain at most %d points", ErrInvalidGeometry, MaxPolygonVertices)
	ErrExplicitClosure    = fmt.Errorf("%w: the first and last coordinates in a polygon are implicitly connected, remove the explicit closure", ErrInvalidGeometry)
	ErrDuplicateVertex    = fmt.Errorf("%w: polygon vertices must be distinct", ErrInvalidGeometry)
	ErrUnknownShape       = fmt.Errorf("%w: unknown shape", ErrInvalidGeometry)
	ErrCoordinateRange    = fmt.Errorf("%w: longitude must be within [-180, 180] and latitude within [-90, 90]", ErrInvalidGeometry)
	ErrBoundsCorners      = fmt.Errorf("%w: bounds must contain exactly %d points", ErrInvalidGeometry, BoundsCorners)
)

// LngLat is a WGS84 position in degrees.
type LngLat struct {
	Lng float64 `json:"lng" yaml:"lng"`
	Lat float64 `json:"lat" yaml:"lat"`
}

// Validate checks the coordinate ranges.
func (p LngLat) Validate() error {
	if math.IsNaN(p.Lng) || math.IsNaN(p.Lat) ||
		p.Lng < -180 || p.Lng > 180 || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: got (%v, %v)", ErrCoordinateRange, p.Lng, p.Lat)
	}
	return nil
}

func (p LngLat) wkt() string {
	return strconv.FormatFloat(p.Lng, 'f', -1, 64) + " " + strconv.FormatFloat(p.Lat, 'f', -1, 64)
}

// Shape is the kind of region a geofence covers.
type Shape string

const (
	ShapeCircle  Shape = "circle"
	ShapePolygon Shape = "polygon"
)

// ParseShape accepts the shape names case-insensitively.
func ParseShape(s string) (Shape, error) {
	switch Shape(strings.ToLower(strings.TrimSpace(s))) {
	case ShapeCircle:
		return ShapeCircle, nil
	case ShapePolygon:
		return ShapePolygon, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownShape, s)
}

// Geometry is either a circle center or a polygon ring, never both. The
// ring is stored open: closure is implicit and only added when rendered for
// the database.
type Geometry struct {
	shape  Shape
	center LngLat
	ring   []LngLat
}

// NewGeometry builds a validated geometry for the declared shape.
func NewGeometry(shape Shape, coordinates []LngLat) (Geometry, error) {
	if len(coordinates) == 0 {
		return Geometry{}, ErrNoCoordinates
	}
	for _, c := range coordinates {
		if err := c.Validate(); err != nil {
			return Geometry{}, err
		}
	}

	switch shape {
	case ShapeCircle:
		if len(coordinates) != 1 {
			return Geometry{}, ErrCircleCoordinates
		}
		return Geometry{shape: ShapeCircle, center: coordinates[0]}, nil
	case ShapePolygon:
		if err := validateRing(coordinates); err != nil {
			return Geometry{}, err
		}
		ring := make([]LngLat, len(coordinates))
		copy(ring, coordinates)
		return Geometry{shape: ShapePolygon, ring: ring}, nil
	default:
		return Geometry{}, fmt.Errorf("%w: %q", ErrUnknownShape, shape)
	}
}

// NewBounds turns four corner points into a search rectangle. The closing
// edge back to the first corner is implicit.
func NewBounds(corners []LngLat) (Geometry, error) {
	if len(corners) != BoundsCorners {
		return Geometry{}, ErrBoundsCorners
	}
	for _, c := range corners {
		if err := c.Validate(); err != nil {
			return Geometry{}, err
		}
	}
	ring := make([]LngLat, len(corners))
	copy(ring, corners)
	return Geometry{shape: ShapePolygon, ring: ring}, nil
}

func validateRing(ring []LngLat) error {
	if len(ring) < MinPolygonVertices {
		return ErrPolygonCoordinates
	}
	if len(ring) > MaxPolygonVertices {
		return ErrTooManyVertices
	}
	if ring[0] == ring[len(ring)-1] {
		return ErrExplicitClosure
	}
	seen := make(map[LngLat]struct{}, len(ring))
	for _, v := range ring {
		if _, ok := seen[v]; ok {
			return fmt.Errorf("%w: (%v, %v) repeats", ErrDuplicateVertex, v.Lng, v.Lat)
		}
		seen[v] = struct{}{}
	}
	return nil
}

func (g Geometry) Shape() Shape { return g.shape }

// Center is the circle center. It is the zero value for polygons.
func (g Geometry) Center() LngLat { return g.center }

// Ring returns a copy of the open polygon ring.
func (g Geometry) Ring() []LngLat {
	out := make([]LngLat, len(g.ring))
	copy(out, g.ring)
	return out
}

// Coordinates returns the points in presentation order: the center for a
// circle, the open ring for a polygon.
func (g Geometry) Coordinates() []LngLat {
	switch g.shape {
	case ShapeCircle:
		return []LngLat{g.center}
	case ShapePolygon:
		return g.Ring()
	}
	return nil
}

// WKT renders the geometry for PostGIS, closing polygon rings.
func (g Geometry) WKT() string {
	switch g.shape {
	case ShapeCircle:
		return "POINT(" + g.center.wkt() + ")"
	case ShapePolygon:
		var b strings.Builder
		b.WriteString("POLYGON((")
		for _, v := range g.ring {
			b.WriteString(v.wkt())
			b.WriteString(",")
		}
		b.WriteString(g.ring[0].wkt())
		b.WriteString("))")
		return b.String()
	}
	return ""
}

// PointWKT renders a single position as a PostGIS point.
func PointWKT(p LngLat) string {
	return "POINT(" + p.wkt() + ")"
}
