package eta

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

func TestNaiveEstimate(t *testing.T) {
	// one degree of latitude is about 111.19 km
	got := EstimateSeconds(models.Coord{}, models.Coord{Lat: 1}, 10)
	if math.Abs(got-11119.5) > 1 {
		t.Fatalf("expected ~11119s, got %f", got)
	}
	if EstimateSeconds(models.Coord{}, models.Coord{Lat: 1}, 0) <= got {
		t.Fatalf("default speed is slower than 10 m/s")
	}
}

type countingEstimator struct {
	calls int
	err   error
}

func (c *countingEstimator) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	c.calls++
	return 42, c.err
}

func TestCachedEstimator(t *testing.T) {
	up := &countingEstimator{}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cache := NewCache(time.Minute)
	cache.now = func() time.Time { return now }
	c := &Cached{Upstream: up, Cache: cache}
	a, b := models.Coord{Lat: 1}, models.Coord{Lat: 1.01}

	for i := 0; i < 3; i++ {
		v, err := c.EstimateSeconds(context.Background(), a, b)
		if err != nil || v != 42 {
			t.Fatalf("unexpected %v %v", v, err)
		}
	}
	if up.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", up.calls)
	}
	now = now.Add(2 * time.Minute)
	_, _ = c.EstimateSeconds(context.Background(), a, b)
	if up.calls != 2 {
		t.Fatalf("expired entry should refetch, got %d calls", up.calls)
	}
}

func TestCachedFallsBackOnError(t *testing.T) {
	c := &Cached{Upstream: &countingEstimator{err: errors.New("osrm down")}, Cache: NewCache(time.Minute)}
	v, err := c.EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 0.01})
	if err != nil {
		t.Fatalf("fallback should not error: %v", err)
	}
	if v == 42 || v <= 0 {
		t.Fatalf("expected naive estimate, got %f", v)
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/76.900000,43.200000;") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL + "/")
	v, err := c.EstimateSeconds(context.Background(), models.Coord{Lat: 43.2, Lon: 76.9}, models.Coord{Lat: 43.25, Lon: 76.95})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if v != 321.5 {
		t.Fatalf("expected 321.5, got %f", v)
	}
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{}); err == nil {
		t.Fatalf("expected error for NoRoute")
	}
}
