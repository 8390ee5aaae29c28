package geo

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	latKeys      = []string{"lat", "latitude"}
	lonKeys      = []string{"lon", "lng", "longitude"}
	accuracyKeys = []string{"accuracyMeters", "accuracy_m", "accuracy"}
	headingKeys  = []string{"headingDegrees", "heading_deg", "heading"}
	speedKeys    = []string{"speedMps", "speed_mps", "speed"}
	timeKeys     = []string{"sampleTimestamp", "sample_timestamp", "timestamp", "ts"}
)

// NormalizePoint accepts the coordinate shapes clients send ({lat,lng},
// {latitude,longitude}, {lat,lon}, [lat, lon], Point, Location) and returns
// the canonical pair. Malformed or out-of-range input yields ok=false.
func NormalizePoint(raw any) (Point, bool) {
	var p Point
	switch v := raw.(type) {
	case Point:
		p = v
	case *Point:
		if v == nil {
			return Point{}, false
		}
		p = *v
	case Location:
		p = v.Point()
	case *Location:
		if v == nil {
			return Point{}, false
		}
		p = v.Point()
	case []float64:
		if len(v) < 2 {
			return Point{}, false
		}
		p = Point{Lat: v[0], Lon: v[1]}
	case []any:
		if len(v) < 2 {
			return Point{}, false
		}
		lat, ok1 := toFloat(v[0])
		lon, ok2 := toFloat(v[1])
		if !ok1 || !ok2 {
			return Point{}, false
		}
		p = Point{Lat: lat, Lon: lon}
	case map[string]any:
		if coords, ok := v["coords"].(map[string]any); ok {
			v = coords
		}
		lat, ok1 := lookupFloat(v, latKeys)
		lon, ok2 := lookupFloat(v, lonKeys)
		if !ok1 || !ok2 {
			return Point{}, false
		}
		p = Point{Lat: lat, Lon: lon}
	case json.RawMessage:
		return NormalizePoint(decodeRaw(v))
	case []byte:
		return NormalizePoint(decodeRaw(v))
	default:
		return Point{}, false
	}
	if !ValidPoint(p.Lat, p.Lon) {
		return Point{}, false
	}
	return p, true
}

// NormalizeSample turns a raw device payload into a Location. A missing
// timestamp is left zero for the caller to stamp. Invalid heading or speed
// values are dropped rather than failing the sample; a missing or
// non-positive accuracy fails it.
func NormalizeSample(raw any) (Location, bool) {
	switch v := raw.(type) {
	case Location:
		return v, v.Valid()
	case *Location:
		if v == nil {
			return Location{}, false
		}
		return *v, v.Valid()
	case json.RawMessage:
		return NormalizeSample(decodeRaw(v))
	case []byte:
		return NormalizeSample(decodeRaw(v))
	case map[string]any:
		return normalizeMap(v)
	default:
		return Location{}, false
	}
}

func normalizeMap(m map[string]any) (Location, bool) {
	fields := m
	if coords, ok := m["coords"].(map[string]any); ok {
		fields = coords
	}
	p, ok := NormalizePoint(fields)
	if !ok {
		return Location{}, false
	}
	acc, ok := lookupFloat(fields, accuracyKeys)
	if !ok {
		return Location{}, false
	}
	loc := Location{Lat: p.Lat, Lon: p.Lon, AccuracyMeters: acc}
	if h, ok := lookupFloat(fields, headingKeys); ok && h >= 0 && h <= 360 {
		loc.HeadingDegrees = &h
	}
	if s, ok := lookupFloat(fields, speedKeys); ok && s >= 0 {
		loc.SpeedMps = &s
	}
	if ts, ok := lookupTime(m, timeKeys); ok {
		loc.SampleTimestamp = ts
	} else if ts, ok := lookupTime(fields, timeKeys); ok {
		loc.SampleTimestamp = ts
	}
	if !loc.Valid() {
		return Location{}, false
	}
	return loc, true
}

func decodeRaw(b []byte) any {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	return v
}

func lookupFloat(m map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return toFloat(v)
		}
	}
	return 0, false
}

func lookupTime(m map[string]any, keys []string) (time.Time, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case time.Time:
			return t, !t.IsZero()
		case string:
			if parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t)); err == nil {
				return parsed, true
			}
			if ms, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return fromMillis(ms)
			}
			return time.Time{}, false
		default:
			ms, ok := toFloat(v)
			if !ok {
				return time.Time{}, false
			}
			return fromMillis(ms)
		}
	}
	return time.Time{}, false
}

// maxEpochMillis is 9999-12-31T23:59:59.999Z. Anything larger would
// overflow the int64 conversion.
const maxEpochMillis = 253402300799999

func fromMillis(ms float64) (time.Time, bool) {
	if math.IsNaN(ms) || ms <= 0 || ms > maxEpochMillis {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)), true
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
