package geo

import (
	"reflect"
	"sync"

	"github.com/golang/geo/s2"

	"fleet-session-processor/internal/models"
)

// Matcher decides whether a point lies inside a zone.
type Matcher interface {
	Contains(zone models.Zone, lat, lon float64) bool
}

// Region is a compiled zone shape.
type Region interface {
	ContainsLatLng(ll s2.LatLng) bool
}

// Compile builds the region for a geometry. It returns nil for geometries
// that cannot contain anything (unknown type, fewer than three polygon
// vertices, missing circle center or rectangle corners).
func Compile(g models.Geometry) Region {
	switch g.Type {
	case models.GeometryPolygon:
		return compilePolygon(g.Points)
	case models.GeometryCircle:
		if g.Center == nil || g.RadiusMeters <= 0 {
			return nil
		}
		return circleRegion{
			center:   s2.LatLngFromDegrees(g.Center.Lat, g.Center.Lon),
			radiusKm: g.RadiusMeters / 1000,
		}
	case models.GeometryRectangle:
		if g.SouthWest == nil || g.NorthEast == nil {
			return nil
		}
		rect := s2.RectFromLatLng(s2.LatLngFromDegrees(g.SouthWest.Lat, g.SouthWest.Lon))
		return rect.AddPoint(s2.LatLngFromDegrees(g.NorthEast.Lat, g.NorthEast.Lon))
	}
	return nil
}

func compilePolygon(points []models.Coordinate) Region {
	// A closing vertex equal to the first one is allowed, s2 loops are
	// implicitly closed.
	if n := len(points); n > 1 && points[0] == points[n-1] {
		points = points[:n-1]
	}
	if len(points) < 3 {
		return nil
	}
	vertices := make([]s2.Point, 0, len(points))
	for _, p := range points {
		vertices = append(vertices, s2.PointFromLatLng(s2.LatLngFromDegrees(p.Lat, p.Lon)))
	}
	loop := s2.LoopFromPoints(vertices)
	// Vertex order in stored zones is arbitrary; normalize so the loop covers
	// the smaller of the two regions it bounds.
	loop.Normalize()
	return polygonRegion{loop: loop}
}

type polygonRegion struct {
	loop *s2.Loop
}

func (r polygonRegion) ContainsLatLng(ll s2.LatLng) bool {
	return r.loop.ContainsPoint(s2.PointFromLatLng(ll))
}

type circleRegion struct {
	center   s2.LatLng
	radiusKm float64
}

func (r circleRegion) ContainsLatLng(ll s2.LatLng) bool {
	return r.center.Distance(ll).Radians()*EarthRadiusKm <= r.radiusKm
}

// GeometryMatcher performs real containment checks. Compiled regions are
// cached per zone ID and rebuilt when the zone geometry changes.
type GeometryMatcher struct {
	mu      sync.Mutex
	regions map[string]cachedRegion
}

type cachedRegion struct {
	geometry models.Geometry
	region   Region
}

// NewGeometryMatcher creates a matcher with an empty region cache
func NewGeometryMatcher() *GeometryMatcher {
	return &GeometryMatcher{regions: make(map[string]cachedRegion)}
}

// Contains reports whether (lat, lon) lies inside the zone.
func (m *GeometryMatcher) Contains(zone models.Zone, lat, lon float64) bool {
	region := m.region(zone)
	if region == nil {
		return false
	}
	return region.ContainsLatLng(s2.LatLngFromDegrees(lat, lon))
}

func (m *GeometryMatcher) region(zone models.Zone) Region {
	if zone.ID == "" {
		return Compile(zone.Geometry)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.regions[zone.ID]; ok && reflect.DeepEqual(c.geometry, zone.Geometry) {
		return c.region
	}
	region := Compile(zone.Geometry)
	m.regions[zone.ID] = cachedRegion{geometry: zone.Geometry, region: region}
	return region
}

// NeverMatcher places every point outside every zone. It reproduces the
// behavior of fleets whose zone geometry was never configured.
type NeverMatcher struct{}

// Contains always returns false.
func (NeverMatcher) Contains(models.Zone, float64, float64) bool { return false }
