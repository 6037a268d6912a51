package geo

import (
	"math"
	"testing"

	"github.com/example/driver-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := HaversineKm(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmKnownPair(t *testing.T) {
	// one degree of latitude is ~111.19 km
	d := DistanceKm(models.Coord{Lat: 10, Lon: 20}, models.Coord{Lat: 11, Lon: 20})
	if math.Abs(d-111.19) > 0.1 {
		t.Fatalf("expected ~111.19km, got %f", d)
	}
}

func TestDistanceKmSymmetric(t *testing.T) {
	a := models.Coord{Lat: 43.238, Lon: 76.889}
	b := models.Coord{Lat: 43.256, Lon: 76.928}
	if math.Abs(DistanceKm(a, b)-DistanceKm(b, a)) > 1e-9 {
		t.Fatalf("distance not symmetric")
	}
}

func TestBoundingBoxContainsRadius(t *testing.T) {
	center := models.Coord{Lat: 51.5, Lon: -0.12}
	box := BoundingBox(center, 10)
	// a point just under 10km north must be inside the box
	north := models.Coord{Lat: center.Lat + 9.9/111.19, Lon: center.Lon}
	if !box.Contains(north) {
		t.Fatalf("expected north point inside box %+v", box)
	}
	far := models.Coord{Lat: center.Lat + 1, Lon: center.Lon}
	if box.Contains(far) {
		t.Fatalf("expected point 111km away outside box")
	}
}

func TestBoundingBoxAntimeridian(t *testing.T) {
	box := BoundingBox(models.Coord{Lat: 0, Lon: 179.99}, 20)
	if !box.Contains(models.Coord{Lat: 0, Lon: -179.99}) {
		t.Fatalf("expected wrap-around point inside box %+v", box)
	}
}
