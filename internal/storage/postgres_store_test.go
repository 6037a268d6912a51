package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

// newPostgres connects to DISPATCH_TEST_PG_DSN, applies the migration and
// empties every table. Tests are skipped when the variable is not set.
func newPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("DISPATCH_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	ps, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = ps.Close() })

	ddl, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_create_dispatch.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := ps.DB().ExecContext(ctx, string(ddl)); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := ps.DB().ExecContext(ctx, `TRUNCATE jobs, driver_presence, driver_profiles, dispatch_events`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return ps
}

func pgDriver(t *testing.T, ps *PostgresStore, id string, loc models.Coord) {
	t.Helper()
	ctx := context.Background()
	if err := ps.UpsertPresence(ctx, models.Heartbeat{DriverID: id, Loc: loc, Online: true}, t0); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
	if _, err := ps.DB().ExecContext(ctx, `INSERT INTO driver_profiles(driver_id, rating, completed_jobs, active)
		VALUES($1, 4.5, 10, true) ON CONFLICT (driver_id) DO NOTHING`, id); err != nil {
		t.Fatalf("profile %s: %v", id, err)
	}
}

func pgJob(t *testing.T, ps *PostgresStore, id string) {
	t.Helper()
	j := &models.Job{ID: id, Type: models.JobRide, Priority: models.PriorityNormal, Status: models.StatusPending, CreatedAt: t0, UpdatedAt: t0}
	if err := ps.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestPostgresClaimBusyDriverIsUnavailable(t *testing.T) {
	ps := newPostgres(t)
	ctx := context.Background()
	pgDriver(t, ps, "d1", models.Coord{Lat: 1, Lon: 1})
	pgJob(t, ps, "j1")
	pgJob(t, ps, "j2")

	if _, err := ps.Claim(ctx, "j1", "d1", t0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := ps.Claim(ctx, "j2", "d1", t0); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("a busy driver must be reported unavailable, got %v", err)
	}
	j, err := ps.GetJob(ctx, "j2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != models.StatusPending || j.DriverID != nil || j.Version != 0 {
		t.Fatalf("losing claim must leave j2 untouched: %+v", j)
	}
}

func TestPostgresClaimConflicts(t *testing.T) {
	ps := newPostgres(t)
	ctx := context.Background()
	pgDriver(t, ps, "d1", models.Coord{Lat: 1, Lon: 1})
	pgDriver(t, ps, "d2", models.Coord{Lat: 1, Lon: 1})
	pgJob(t, ps, "j1")
	pgJob(t, ps, "j2")

	j, err := ps.Claim(ctx, "j1", "d1", t0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j.Status != models.StatusDriverAssigned || *j.DriverID != "d1" || j.AssignedAt == nil || j.Version != 1 {
		t.Fatalf("unexpected job after claim: %+v", j)
	}
	if _, err := ps.Claim(ctx, "j1", "d2", t0); !errors.Is(err, ErrJobTaken) {
		t.Fatalf("expected ErrJobTaken, got %v", err)
	}
	if _, err := ps.Claim(ctx, "nope", "d2", t0); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := ps.Conclude(ctx, "j2", models.StatusCancelled, t0); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := ps.Claim(ctx, "j2", "d2", t0); !errors.Is(err, ErrJobNotPending) {
		t.Fatalf("expected ErrJobNotPending, got %v", err)
	}
	p, err := ps.GetPresence(ctx, "d2")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if !p.Available || p.CurrentJobID != nil {
		t.Fatalf("failed claims must not consume d2: %+v", p)
	}
}

func TestPostgresConcurrentClaims(t *testing.T) {
	ps := newPostgres(t)
	ctx := context.Background()
	const n = 10
	for i := 0; i < n; i++ {
		pgDriver(t, ps, fmt.Sprintf("d%02d", i), models.Coord{Lat: 1, Lon: 1})
		pgJob(t, ps, fmt.Sprintf("j%02d", i))
	}

	// many drivers, one job
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			_, err := ps.Claim(ctx, "j00", driverID, t0)
			errs <- err
		}(fmt.Sprintf("d%02d", i))
	}
	wg.Wait()
	close(errs)
	won := 0
	for err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, ErrJobTaken):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected one claim on j00, got %d", won)
	}

	// one driver, many jobs
	j, _ := ps.GetJob(ctx, "j00")
	free := "d00"
	if *j.DriverID == free {
		free = "d01"
	}
	errs = make(chan error, n-1)
	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			_, err := ps.Claim(ctx, jobID, free, t0)
			errs <- err
		}(fmt.Sprintf("j%02d", i))
	}
	wg.Wait()
	close(errs)
	won = 0
	for err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, ErrDriverUnavailable):
			t.Fatalf("a driver lost to another job must be unavailable, got %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("driver %s should hold exactly one job, got %d", free, won)
	}
}

func TestPostgresConcludeAndUnassignRelease(t *testing.T) {
	ps := newPostgres(t)
	ctx := context.Background()
	pgDriver(t, ps, "d1", models.Coord{Lat: 1, Lon: 1})
	pgJob(t, ps, "j1")
	pgJob(t, ps, "j2")

	if _, err := ps.Claim(ctx, "j1", "d1", t0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := ps.Unassign(ctx, "j1", "d2", t0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("only the holder can release, got %v", err)
	}
	j, err := ps.Unassign(ctx, "j1", "d1", t0)
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if j.Status != models.StatusPending || j.DriverID != nil {
		t.Fatalf("released job should be pending again: %+v", j)
	}

	if _, err := ps.Claim(ctx, "j2", "d1", t0); err != nil {
		t.Fatalf("released driver should be claimable: %v", err)
	}
	if _, err := ps.Transition(ctx, "j2", "d1", models.StatusDriverAssigned, models.StatusInProgress, t0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := ps.Conclude(ctx, "j2", models.StatusCompleted, t0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	p, _ := ps.GetPresence(ctx, "d1")
	if !p.Available || p.CurrentJobID != nil {
		t.Fatalf("completion should free the driver: %+v", p)
	}
	if _, err := ps.Claim(ctx, "j1", "d1", t0); err != nil {
		t.Fatalf("driver should take a new job after completing: %v", err)
	}
}

func TestPostgresEligibleDriversKeepsNearest(t *testing.T) {
	ps := newPostgres(t)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		pgDriver(t, ps, fmt.Sprintf("corner%02d", i), models.Coord{Lat: 0.085, Lon: 0.085})
	}
	pgDriver(t, ps, "near", models.Coord{Lat: 0.001})
	pgDriver(t, ps, "mid", models.Coord{Lat: 0.03})

	got, err := ps.EligibleDrivers(ctx, CandidateQuery{
		Box:        geo.BoundingBox(models.Coord{}, 10),
		RadiusKm:   10,
		MinRating:  4,
		FreshSince: t0.Add(-1),
		Limit:      5,
	})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(got) != 2 || got[0].DriverID != "near" || got[1].DriverID != "mid" {
		t.Fatalf("expected near then mid, got %+v", got)
	}
}
