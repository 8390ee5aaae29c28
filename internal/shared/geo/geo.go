package geo

import (
	"math"
	"time"
)

// EarthRadiusM is the mean earth radius used for every distance in the service.
const EarthRadiusM = 6371000.0

// Point is a bare coordinate pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is the canonical sample shape. Everything past the ingestion
// boundary works with this type only.
type Location struct {
	Lat             float64   `json:"lat"`
	Lon             float64   `json:"lon"`
	AccuracyMeters  float64   `json:"accuracy_m"`
	HeadingDegrees  *float64  `json:"heading_deg,omitempty"`
	SpeedMps        *float64  `json:"speed_mps,omitempty"`
	SampleTimestamp time.Time `json:"sample_timestamp"`
}

func (l Location) Point() Point {
	return Point{Lat: l.Lat, Lon: l.Lon}
}

// Valid reports whether the location can be published: finite in-range
// coordinates and a positive finite accuracy.
func (l Location) Valid() bool {
	if !ValidPoint(l.Lat, l.Lon) {
		return false
	}
	if math.IsNaN(l.AccuracyMeters) || math.IsInf(l.AccuracyMeters, 0) || l.AccuracyMeters <= 0 {
		return false
	}
	return true
}

func ValidPoint(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// HaversineM returns the great-circle distance between two points in meters.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// Distance is HaversineM between two locations.
func Distance(a, b Location) float64 {
	return HaversineM(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Offset moves a point by the given meters north and east. Only meant for
// short distances (tests, simulated devices).
func Offset(p Point, northM, eastM float64) Point {
	dLat := northM / EarthRadiusM
	dLon := eastM / (EarthRadiusM * math.Cos(toRad(p.Lat)))
	return Point{Lat: p.Lat + dLat*180/math.Pi, Lon: p.Lon + dLon*180/math.Pi}
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
