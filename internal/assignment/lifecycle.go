package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/storage"
)

type NewJob struct {
	RequesterID string          `json:"requester_id"`
	Type        models.JobType  `json:"job_type"`
	Pickup      models.Coord    `json:"pickup"`
	Destination models.Coord    `json:"destination"`
	Region      string          `json:"region,omitempty"`
	Priority    models.Priority `json:"priority,omitempty"`
	FareCents   int64           `json:"fare_cents,omitempty"`
}

func (n NewJob) validate() error {
	var errs []error
	if !n.Type.Valid() {
		errs = append(errs, fmt.Errorf("job_type %q is not supported", n.Type))
	}
	if n.Priority != "" && !n.Priority.Valid() {
		errs = append(errs, fmt.Errorf("priority %q is not supported", n.Priority))
	}
	if n.Pickup.Lat < -90 || n.Pickup.Lat > 90 || n.Pickup.Lon < -180 || n.Pickup.Lon > 180 {
		errs = append(errs, errors.New("pickup is out of range"))
	}
	if n.FareCents < 0 {
		errs = append(errs, errors.New("fare_cents must be >= 0"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidJob, errors.Join(errs...))
}

// CreateJob stores a new pending job, holding its fare first when payments are
// enabled. A failed hold is logged and the job is created without a payment
// reference.
func (c *Coordinator) CreateJob(ctx context.Context, n NewJob) (*models.Job, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}
	if n.Priority == "" {
		n.Priority = models.PriorityNormal
	}
	now := c.now()
	j := &models.Job{
		ID:          uuid.NewString(),
		RequesterID: n.RequesterID,
		Type:        n.Type,
		Pickup:      n.Pickup,
		Destination: n.Destination,
		Region:      n.Region,
		Priority:    n.Priority,
		Status:      models.StatusPending,
		FareCents:   n.FareCents,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if c.settler != nil && c.settler.Enabled() && n.FareCents > 0 {
		ref, err := c.settler.Hold(ctx, j.ID, n.FareCents, n.RequesterID)
		if err != nil {
			c.log.Warn("payment_hold_failed", "job_id", j.ID, "error", err)
		} else {
			j.PaymentRef = &ref
		}
	}
	if err := c.store.CreateJob(ctx, j); err != nil {
		return nil, c.storeErr("create job", err)
	}
	c.recorder.Record(ctx, c.jobEvent(models.EventBookingStarted, j, ""))
	return j, nil
}

func (c *Coordinator) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, c.storeErr("load job", err)
	}
	return j, nil
}

// Accept lets a driver take an offered job. It goes through the same claim as
// Dispatch, so an offer that lost the race fails with ErrNoLongerAvailable.
func (c *Coordinator) Accept(ctx context.Context, jobID, driverID string) (*models.Job, error) {
	start := c.now()
	j, err := c.store.Claim(ctx, jobID, driverID, start)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrJobTaken), errors.Is(err, storage.ErrJobNotPending):
		return nil, ErrNoLongerAvailable
	case errors.Is(err, storage.ErrDriverUnavailable):
		return nil, ErrDriverBusy
	default:
		return nil, c.storeErr("accept", err)
	}
	c.recorder.Record(ctx, c.jobEvent(models.EventDispatchSuccess, j, driverID))
	c.log.Info("offer_accepted", "job_id", jobID, "driver_id", driverID)
	return j, nil
}

// Release returns an assigned job to pending and frees the driver. The job
// is picked up again by the next dispatch or safety net sweep.
func (c *Coordinator) Release(ctx context.Context, jobID, driverID string) (*models.Job, error) {
	j, err := c.store.Unassign(ctx, jobID, driverID, c.now())
	if err != nil {
		return nil, c.lifecycleErr("release", err)
	}
	c.recorder.Record(ctx, c.jobEvent(models.EventDriverReleased, j, driverID))
	c.log.Info("driver_released", "job_id", jobID, "driver_id", driverID)
	return j, nil
}

// Advance moves a job forward on behalf of its assigned driver, to
// driver_arrived or in_progress.
func (c *Coordinator) Advance(ctx context.Context, jobID, driverID string, to models.JobStatus) (*models.Job, error) {
	cur, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, c.storeErr("load job", err)
	}
	j, err := c.store.Transition(ctx, jobID, driverID, cur.Status, to, c.now())
	if err != nil {
		return nil, c.lifecycleErr("advance", err)
	}
	if to == models.StatusInProgress {
		c.recorder.Record(ctx, c.jobEvent(models.EventTripStarted, j, driverID))
	}
	return j, nil
}

// Complete finishes an in-progress job, frees its driver and captures the
// held fare.
func (c *Coordinator) Complete(ctx context.Context, jobID string) (*models.Job, error) {
	j, err := c.store.Conclude(ctx, jobID, models.StatusCompleted, c.now())
	if err != nil {
		return nil, c.lifecycleErr("complete", err)
	}
	c.recorder.Record(ctx, c.jobEvent(models.EventTripCompleted, j, driverOf(j)))
	c.settle(ctx, j, true)
	return j, nil
}

// Cancel cancels a job that has not started, frees its driver if one was
// assigned and voids the held fare.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	j, err := c.store.Conclude(ctx, jobID, models.StatusCancelled, c.now())
	if err != nil {
		return nil, c.lifecycleErr("cancel", err)
	}
	c.recorder.Record(ctx, c.jobEvent(models.EventBookingCancelled, j, driverOf(j)))
	c.settle(ctx, j, false)
	return j, nil
}

func (c *Coordinator) settle(ctx context.Context, j *models.Job, capture bool) {
	if c.settler == nil || !c.settler.Enabled() || j.PaymentRef == nil {
		return
	}
	var err error
	if capture {
		err = c.settler.Capture(ctx, *j.PaymentRef)
	} else {
		err = c.settler.Cancel(ctx, *j.PaymentRef)
	}
	if err != nil {
		c.log.Error("settlement_failed", "job_id", j.ID, "capture", capture, "error", err)
	}
}

func (c *Coordinator) lifecycleErr(op string, err error) error {
	if errors.Is(err, storage.ErrInvalidTransition) {
		return fmt.Errorf("%s: %w", op, ErrInvalidTransition)
	}
	return c.storeErr(op, err)
}

func (c *Coordinator) jobEvent(t models.EventType, j *models.Job, driverID string) models.Event {
	return models.Event{
		Type:       t,
		JobID:      j.ID,
		DriverID:   driverID,
		JobType:    j.Type,
		Region:     j.Region,
		Priority:   j.Priority,
		OccurredAt: c.now(),
	}
}

func driverOf(j *models.Job) string {
	if j.DriverID == nil {
		return ""
	}
	return *j.DriverID
}
