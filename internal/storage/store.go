package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrDriverNotFound    = errors.New("driver not found")
	ErrJobTaken          = errors.New("job already has a driver")
	ErrJobNotPending     = errors.New("job is not pending")
	ErrDriverUnavailable = errors.New("driver is not available")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrDuplicateJob      = errors.New("job already exists")
)

// JobStore persists jobs. Every method that touches a driver reference or a
// driver's availability does so with conditional writes: either all rows the
// operation names change, or none do.
type JobStore interface {
	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// Claim binds driverID to jobID only if the job is pending with no driver
	// and the driver is available.
	Claim(ctx context.Context, jobID, driverID string, at time.Time) (*models.Job, error)
	// Transition moves an assigned job forward while keeping its driver.
	Transition(ctx context.Context, jobID, driverID string, from, to models.JobStatus, at time.Time) (*models.Job, error)
	// Conclude completes or cancels a job and releases its driver, if any.
	Conclude(ctx context.Context, jobID string, to models.JobStatus, at time.Time) (*models.Job, error)
	// Unassign clears the driver of a driver_assigned job, returning it to
	// pending and the driver to available.
	Unassign(ctx context.Context, jobID, driverID string, at time.Time) (*models.Job, error)
	// ListPendingUnassigned returns the newest pending jobs without a driver.
	ListPendingUnassigned(ctx context.Context, limit int) ([]models.Job, error)
}

type PresenceStore interface {
	UpsertPresence(ctx context.Context, hb models.Heartbeat, at time.Time) error
	GetPresence(ctx context.Context, driverID string) (*models.DriverPresence, error)
	EligibleDrivers(ctx context.Context, q CandidateQuery) ([]models.DriverPresence, error)
}

type EventStore interface {
	AppendEvent(ctx context.Context, e models.Event) error
	EventsSince(ctx context.Context, since time.Time) ([]models.Event, error)
}

type Store interface {
	JobStore
	PresenceStore
	EventStore
	Ping(ctx context.Context) error
}

// CandidateQuery is the store-side part of candidate filtering. Box is the
// coarse prefilter; when RadiusKm is set only drivers within that distance of
// Center qualify. Limit keeps the nearest drivers, so it never drops an
// in-radius driver in favour of one outside the radius.
type CandidateQuery struct {
	Box        geo.Box
	Center     models.Coord
	RadiusKm   float64
	Region     string
	MinRating  float64
	FreshSince time.Time
	Limit      int
}

func (q CandidateQuery) matches(p *models.DriverPresence) bool {
	if !p.Online || !p.Available || !p.Profile.Active {
		return false
	}
	if p.LastHeartbeat.Before(q.FreshSince) {
		return false
	}
	if p.Profile.Rating < q.MinRating {
		return false
	}
	if q.Region != "" && p.Region != "" && p.Region != q.Region {
		return false
	}
	if !q.Box.Contains(p.Loc) {
		return false
	}
	return q.RadiusKm <= 0 || geo.DistanceKm(q.Center, p.Loc) <= q.RadiusKm
}

// nearest orders drivers by distance from the query centre, breaking ties by
// driver id, and applies the limit.
func (q CandidateQuery) nearest(ds []models.DriverPresence) []models.DriverPresence {
	sort.Slice(ds, func(a, b int) bool {
		da, db := geo.DistanceKm(q.Center, ds[a].Loc), geo.DistanceKm(q.Center, ds[b].Loc)
		if da != db {
			return da < db
		}
		return ds[a].DriverID < ds[b].DriverID
	})
	if q.Limit > 0 && len(ds) > q.Limit {
		ds = ds[:q.Limit]
	}
	return ds
}

// claimConflict explains why a conditional claim on j did not apply.
func claimConflict(j *models.Job) error {
	if j.DriverID != nil && !j.Status.Terminal() {
		return ErrJobTaken
	}
	if j.Status != models.StatusPending {
		return ErrJobNotPending
	}
	return nil
}
