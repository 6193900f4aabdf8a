package geo

import (
	"fmt"

	"github.com/golang/geo/s2"
)

const (
	// EarthRadiusMeters is the mean radius used to turn steradians and
	// radians into metric values.
	EarthRadiusMeters = 6367000.0

	MinPolygonAreaSquareMeters = 10000.0
)

var ErrAreaTooSmall = fmt.Errorf("%w: polygon geofences must enclose an area of at least 10,000 square meters", ErrInvalidGeometry)

// PolygonStats is the output of Centroid.
type PolygonStats struct {
	Centroid LngLat
	Area     float64 // square meters
}

// Centroid computes the spherical centroid and enclosed area of an open
// polygon ring, rejecting rings that enclose less than the minimum area.
//
// Rings arrive in presentation order, which for map clients is clockwise.
// The vertices are fed to S2 reversed so that the common case is already
// counter-clockwise; the loop is then normalized so that a ring given in
// the other winding still yields the smaller of the two regions instead of
// the exterior.
func Centroid(ring []LngLat) (PolygonStats, error) {
	if err := validateRing(ring); err != nil {
		return PolygonStats{}, err
	}
	loop, err := newLoop(ring)
	if err != nil {
		return PolygonStats{}, err
	}

	area := loop.Area() * EarthRadiusMeters * EarthRadiusMeters
	if area < MinPolygonAreaSquareMeters {
		return PolygonStats{Area: area}, fmt.Errorf("%w (got %.1f)", ErrAreaTooSmall, area)
	}

	c := s2.LatLngFromPoint(loop.Centroid())
	return PolygonStats{
		Centroid: LngLat{Lng: c.Lng.Degrees(), Lat: c.Lat.Degrees()},
		Area:     area,
	}, nil
}

// RingContains reports whether p lies inside the region enclosed by ring,
// using geodesic edges.
func RingContains(ring []LngLat, p LngLat) (bool, error) {
	loop, err := newLoop(ring)
	if err != nil {
		return false, err
	}
	return loop.ContainsPoint(toPoint(p)), nil
}

// Distance is the great-circle distance in meters.
func Distance(a, b LngLat) float64 {
	return toLatLng(a).Distance(toLatLng(b)).Radians() * EarthRadiusMeters
}

func newLoop(ring []LngLat) (*s2.Loop, error) {
	points := make([]s2.Point, len(ring))
	for i, v := range ring {
		points[len(ring)-1-i] = toPoint(v)
	}
	loop := s2.LoopFromPoints(points)
	if err := loop.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	loop.Normalize()
	return loop, nil
}

func toLatLng(p LngLat) s2.LatLng {
	return s2.LatLngFromDegrees(p.Lat, p.Lng)
}

func toPoint(p LngLat) s2.Point {
	return s2.PointFromLatLng(toLatLng(p))
}
