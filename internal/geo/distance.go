package geo

import (
	"math"

	"github.com/golang/geo/s2"
)

// Constants
const (
	EarthRadiusKm     = 6371.0 // Earth's mean radius in kilometers
	EarthRadiusMeters = EarthRadiusKm * 1000
)

// ToRadians converts degrees to radians
func ToRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// ToDegrees converts radians to degrees
func ToDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

// Haversine returns the great-circle distance between two points in
// kilometers.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusKm
}

// Destination returns the point reached from (lat, lon) after travelling
// distanceKm along the initial bearing (degrees, 0 is North).
func Destination(lat, lon, bearing, distanceKm float64) (float64, float64) {
	angular := distanceKm / EarthRadiusKm
	bearingRad := ToRadians(bearing)
	latRad := ToRadians(lat)
	lonRad := ToRadians(lon)

	lat2 := math.Asin(math.Sin(latRad)*math.Cos(angular) +
		math.Cos(latRad)*math.Sin(angular)*math.Cos(bearingRad))
	lon2 := lonRad + math.Atan2(
		math.Sin(bearingRad)*math.Sin(angular)*math.Cos(latRad),
		math.Cos(angular)-math.Sin(latRad)*math.Sin(lat2))

	return ToDegrees(lat2), ToDegrees(lon2)
}
