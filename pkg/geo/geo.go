package geo

import (
	"math"
)

// EarthRadiusMiles is the mean radius of the Earth used for great-circle distances.
const EarthRadiusMiles = 3958.8

// Point is a WGS84 coordinate in decimal degrees
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point has finite, in-range coordinates.
// The zero value (0,0) is treated as missing.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return false
	}
	return !(p.Lat == 0 && p.Lng == 0)
}

// Distance returns the haversine distance between a and b in miles
func Distance(a, b Point) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	// rounding can push h a hair outside [0,1] for antipodal points
	h = math.Min(1, math.Max(0, h))
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMiles * c
}

// IsInside reports whether p lies within radius miles of center.
// Invalid geometry is never inside.
func IsInside(p, center Point, radius float64) bool {
	if !p.Valid() || !center.Valid() {
		return false
	}
	if math.IsNaN(radius) || math.IsInf(radius, 0) || radius <= 0 {
		return false
	}
	return Distance(p, center) <= radius
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
