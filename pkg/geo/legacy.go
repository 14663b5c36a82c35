package geo

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Legacy clients sent coordinates in several shapes. ParseLegacyPoint is the only
// place those shapes are understood; everything past the API boundary uses Point.
//
// Accepted inputs:
//
//	Point / *Point
//	{"lat": 1, "lng": 2}                       latitude keys:  lat, latitude, _latitude
//	{"latitude": 1, "longitude": 2}            longitude keys: lng, lon, long, longitude, _longitude
//	{"_latitude": 1, "_longitude": 2}          (serialized GeoPoint)
//	{"coords": {...}}, {"location": {...}}, {"geopoint": {...}}   one level of nesting
//	[1, 2]                                     two-element [lat, lng] array
//
// Numbers may be float64, json.Number, int, or numeric strings. Keys are matched
// case-insensitively. The result is only returned when it is Valid.
var (
	latKeys    = []string{"lat", "latitude", "_latitude"}
	lngKeys    = []string{"lng", "lon", "long", "longitude", "_longitude"}
	nestedKeys = []string{"coords", "location", "geopoint"}
)

// ParseLegacyPoint converts any accepted legacy coordinate shape into a Point.
func ParseLegacyPoint(v any) (Point, bool) {
	switch t := v.(type) {
	case Point:
		return t, t.Valid()
	case *Point:
		if t == nil {
			return Point{}, false
		}
		return *t, t.Valid()
	case []any:
		if len(t) != 2 {
			return Point{}, false
		}
		lat, ok1 := toFloat(t[0])
		lng, ok2 := toFloat(t[1])
		if !ok1 || !ok2 {
			return Point{}, false
		}
		p := Point{Lat: lat, Lng: lng}
		return p, p.Valid()
	case []float64:
		if len(t) != 2 {
			return Point{}, false
		}
		p := Point{Lat: t[0], Lng: t[1]}
		return p, p.Valid()
	case map[string]any:
		return fromMap(t, true)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(t, &decoded); err != nil {
			return Point{}, false
		}
		return ParseLegacyPoint(decoded)
	}
	return Point{}, false
}

func fromMap(m map[string]any, allowNested bool) (Point, bool) {
	lowered := make(map[string]any, len(m))
	for k, v := range m {
		lowered[strings.ToLower(k)] = v
	}

	lat, latOK := firstFloat(lowered, latKeys)
	lng, lngOK := firstFloat(lowered, lngKeys)
	if latOK && lngOK {
		p := Point{Lat: lat, Lng: lng}
		return p, p.Valid()
	}

	if !allowNested {
		return Point{}, false
	}
	for _, key := range nestedKeys {
		nested, ok := lowered[key]
		if !ok {
			continue
		}
		switch n := nested.(type) {
		case map[string]any:
			if p, ok := fromMap(n, false); ok {
				return p, true
			}
		case []any:
			if p, ok := ParseLegacyPoint(n); ok {
				return p, true
			}
		}
	}
	return Point{}, false
}

func firstFloat(m map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
