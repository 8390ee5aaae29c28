package reconcile

import "backend-fleetroster/internal/shared/geo"

const (
	SingleZoom    = 15
	BoundsPadding = 50
)

// Bounds is either a center with a fixed zoom, used when exactly one entity
// has a location, or a box to fit with padding.
type Bounds struct {
	Center    *geo.Point `json:"center,omitempty"`
	Zoom      int        `json:"zoom,omitempty"`
	NorthEast *geo.Point `json:"north_east,omitempty"`
	SouthWest *geo.Point `json:"south_west,omitempty"`
	Padding   int        `json:"padding,omitempty"`
}

func (b Bounds) IsCenter() bool { return b.Center != nil }

// bounds is called with r.mu held.
func (r *Reconciler) bounds() *Bounds {
	var (
		n              int
		first          geo.Point
		minLat, minLon float64
		maxLat, maxLon float64
	)
	for _, ent := range r.snapshot {
		if !ent.view.HasLocation {
			continue
		}
		lat, lon := ent.view.Lat, ent.view.Lon
		if n == 0 {
			first = geo.Point{Lat: lat, Lon: lon}
			minLat, maxLat, minLon, maxLon = lat, lat, lon, lon
		} else {
			minLat = min(minLat, lat)
			maxLat = max(maxLat, lat)
			minLon = min(minLon, lon)
			maxLon = max(maxLon, lon)
		}
		n++
	}

	switch n {
	case 0:
		return nil
	case 1:
		return &Bounds{Center: &first, Zoom: SingleZoom}
	default:
		return &Bounds{
			NorthEast: &geo.Point{Lat: maxLat, Lon: maxLon},
			SouthWest: &geo.Point{Lat: minLat, Lon: minLon},
			Padding:   BoundsPadding,
		}
	}
}
