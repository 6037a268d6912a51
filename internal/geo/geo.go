package geo

import (
	"math"

	"github.com/example/driver-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// DistanceKm is the great-circle distance between two points.
func DistanceKm(a, b models.Coord) float64 {
	return HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
}

// HaversineKm returns the haversine distance in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Box is a lat/lon rectangle that contains every point within a radius of its
// center. Stores use it as a cheap index-friendly prefilter before the exact
// distance check.
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

func BoundingBox(center models.Coord, radiusKm float64) Box {
	dLat := radiusKm / earthRadiusKm * 180 / math.Pi
	b := Box{
		MinLat: math.Max(center.Lat-dLat, -90),
		MaxLat: math.Min(center.Lat+dLat, 90),
		MinLon: -180,
		MaxLon: 180,
	}
	// near the poles the longitude span degenerates; keep the full range there
	cosLat := math.Cos(toRad(center.Lat))
	if cosLat > 1e-6 {
		dLon := dLat / cosLat
		if dLon < 180 {
			b.MinLon = center.Lon - dLon
			b.MaxLon = center.Lon + dLon
		}
	}
	return b
}

// Contains reports whether c lies in the box. Boxes that cross the
// antimeridian are handled by wrapping the longitude.
func (b Box) Contains(c models.Coord) bool {
	if c.Lat < b.MinLat || c.Lat > b.MaxLat {
		return false
	}
	lon := c.Lon
	if lon < b.MinLon {
		lon += 360
	} else if lon > b.MaxLon {
		lon -= 360
	}
	return lon >= b.MinLon && lon <= b.MaxLon
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
