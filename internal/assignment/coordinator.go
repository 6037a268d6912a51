package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/alerting"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/eta"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/storage"
)

var (
	// ErrStoreUnavailable wraps any store failure other than a lost
	// conditional write. Callers may retry.
	ErrStoreUnavailable  = errors.New("dispatch store temporarily unavailable")
	ErrNoLongerAvailable = errors.New("job no longer available")
	ErrDriverBusy        = errors.New("driver already holds a job")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrInvalidJob        = errors.New("invalid job")
)

type Matcher interface {
	Search(ctx context.Context, q matcher.Query) ([]matcher.Candidate, matcher.Tier, error)
}

type Notifier interface {
	NotifyOffer(ctx context.Context, driverID string, job models.JobRef, p dispatch.Payload) models.Offer
}

type Recorder interface {
	Record(ctx context.Context, e models.Event)
}

// Settler is the payment collaborator. Hold runs when a job is created,
// Capture when it completes and Cancel when it is cancelled.
type Settler interface {
	Enabled() bool
	Hold(ctx context.Context, jobID string, amount int64, customerID string) (string, error)
	Capture(ctx context.Context, ref string) error
	Cancel(ctx context.Context, ref string) error
}

type Config struct {
	// MaxClaimAttempts bounds the claims tried against one ranked list.
	MaxClaimAttempts int
	// SearchRounds bounds how many times the ranked list is fetched.
	SearchRounds int
	ETATimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{MaxClaimAttempts: 5, SearchRounds: 2, ETATimeout: 500 * time.Millisecond}
}

type Deps struct {
	Store    storage.JobStore
	Matcher  Matcher
	Notifier Notifier
	Recorder Recorder
	Alerts   alerting.Sink
	ETA      eta.Estimator
	Settler  Settler
	Logger   *slog.Logger
	Now      func() time.Time
}

type Coordinator struct {
	store    storage.JobStore
	matcher  Matcher
	notifier Notifier
	recorder Recorder
	alerts   alerting.Sink
	eta      eta.Estimator
	settler  Settler
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewCoordinator(d Deps, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxClaimAttempts <= 0 {
		cfg.MaxClaimAttempts = def.MaxClaimAttempts
	}
	if cfg.SearchRounds <= 0 {
		cfg.SearchRounds = def.SearchRounds
	}
	if cfg.ETATimeout <= 0 {
		cfg.ETATimeout = def.ETATimeout
	}
	c := &Coordinator{
		store:    d.Store,
		matcher:  d.Matcher,
		notifier: d.Notifier,
		recorder: d.Recorder,
		alerts:   d.Alerts,
		eta:      d.ETA,
		settler:  d.Settler,
		cfg:      cfg,
		log:      logging.Component(d.Logger, "coordinator"),
		now:      d.Now,
	}
	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}
	if c.alerts == nil {
		c.alerts = alerting.NewLogSink(c.log)
	}
	if c.eta == nil {
		c.eta = eta.Naive{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, models.Event) {}

type Request struct {
	JobID    string
	JobType  models.JobType
	Pickup   models.Coord
	Region   string
	Priority models.Priority
}

// Result reports what a dispatch call did. Expected outcomes such as "no
// driver" are carried in FailureReason, not returned as errors.
type Result struct {
	AssignedDriverID    string                 `json:"assigned_driver_id,omitempty"`
	DistanceKm          float64                `json:"distance_km,omitempty"`
	Score               float64                `json:"score,omitempty"`
	FailureReason       models.Outcome         `json:"failure_reason,omitempty"`
	CandidatesEvaluated int                    `json:"candidates_evaluated"`
	Offer               *models.Offer          `json:"offer,omitempty"`
	Attempt             models.DispatchAttempt `json:"attempt"`
}

func (r Result) Assigned() bool { return r.AssignedDriverID != "" }

// DispatchJob loads the job and dispatches it. A job that is no longer
// pending is reported as such without searching.
func (c *Coordinator) DispatchJob(ctx context.Context, jobID string) (Result, error) {
	j, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return Result{}, c.storeErr("load job", err)
	}
	req := Request{JobID: j.ID, JobType: j.Type, Pickup: j.Pickup, Region: j.Region, Priority: j.Priority}
	if outcome, done := settledOutcome(j); done {
		return c.finish(ctx, req, c.newAttempt(req), outcome), nil
	}
	return c.Dispatch(ctx, req)
}

// settledOutcome reports why j can no longer be dispatched, if it cannot.
func settledOutcome(j *models.Job) (models.Outcome, bool) {
	switch {
	case j.Status == models.StatusPending && j.DriverID == nil:
		return "", false
	case j.DriverID != nil && !j.Status.Terminal():
		return models.OutcomeAlreadyAssigned, true
	default:
		return models.OutcomeNotPending, true
	}
}

// Wait blocks until pending operator alerts have been handed to the sink.
func (c *Coordinator) Wait() { c.wg.Wait() }

func (c *Coordinator) newAttempt(req Request) models.DispatchAttempt {
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	return models.DispatchAttempt{
		JobID:     req.JobID,
		JobType:   req.JobType,
		Region:    req.Region,
		Priority:  req.Priority,
		StartedAt: c.now(),
	}
}

// Dispatch finds the best eligible driver and binds it to the job. Losing a
// claim to a concurrent dispatch moves on to the next candidate; the ranked
// list is fetched again only after every tried candidate was lost that way.
func (c *Coordinator) Dispatch(ctx context.Context, req Request) (Result, error) {
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	attempt := c.newAttempt(req)
	c.recorder.Record(ctx, c.event(models.EventDispatchAttempt, req, "", 0))

	q := matcher.Query{Pickup: req.Pickup, JobType: req.JobType, Region: req.Region, Priority: req.Priority}
	for round := 0; round < c.cfg.SearchRounds; round++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		ranked, tier, err := c.matcher.Search(ctx, q)
		if err != nil {
			return Result{}, c.storeErr("candidate search", err)
		}
		attempt.RadiusKm = tier.RadiusKm
		attempt.CandidatesEvaluated += len(ranked)
		if len(ranked) == 0 {
			break
		}

		for i, cand := range ranked {
			if i >= c.cfg.MaxClaimAttempts {
				break
			}
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			attempt.ClaimAttempts++
			job, err := c.store.Claim(ctx, req.JobID, cand.Driver.DriverID, c.now())
			switch {
			case err == nil:
				return c.assigned(ctx, req, attempt, cand, job), nil
			case errors.Is(err, storage.ErrDriverUnavailable):
				observability.ClaimConflicts.Inc()
				c.log.Debug("claim_lost", "job_id", req.JobID, "driver_id", cand.Driver.DriverID, "round", round)
			case errors.Is(err, storage.ErrJobTaken):
				return c.finish(ctx, req, attempt, models.OutcomeAlreadyAssigned), nil
			case errors.Is(err, storage.ErrJobNotPending):
				return c.finish(ctx, req, attempt, models.OutcomeNotPending), nil
			case errors.Is(err, storage.ErrJobNotFound):
				return Result{}, ErrJobNotFound
			default:
				return Result{}, c.storeErr("claim", err)
			}
		}
	}
	return c.exhausted(ctx, req, attempt)
}

func (c *Coordinator) assigned(ctx context.Context, req Request, attempt models.DispatchAttempt, cand matcher.Candidate, job *models.Job) Result {
	attempt.DriverID = cand.Driver.DriverID
	attempt.DistanceKm = cand.DistanceKm
	attempt.Score = cand.Score
	attempt.Outcome = models.OutcomeAssigned
	attempt.Duration = c.now().Sub(attempt.StartedAt)

	observability.DispatchOutcomes.WithLabelValues(string(attempt.Outcome), string(req.Priority)).Inc()
	observability.DispatchLatency.Observe(attempt.Duration.Seconds())
	c.recorder.Record(ctx, c.event(models.EventDispatchSuccess, req, attempt.DriverID, attempt.Duration))
	c.log.Info("dispatch_success",
		"job_id", req.JobID,
		"driver_id", attempt.DriverID,
		"distance_km", cand.DistanceKm,
		"score", cand.Score,
		"claim_attempts", attempt.ClaimAttempts,
	)

	res := Result{
		AssignedDriverID:    attempt.DriverID,
		DistanceKm:          cand.DistanceKm,
		Score:               cand.Score,
		CandidatesEvaluated: attempt.CandidatesEvaluated,
		Attempt:             attempt,
	}
	if c.notifier != nil {
		offer := c.notifier.NotifyOffer(ctx, attempt.DriverID, job.Ref(), dispatch.Payload{
			Kind:       models.OfferAssignment,
			DistanceKm: cand.DistanceKm,
			Score:      cand.Score,
			ETASeconds: c.estimate(ctx, cand.Driver.Loc, req.Pickup),
		})
		res.Offer = &offer
	}
	return res
}

// exhausted handles running out of candidates. The job is re-read first: a
// retry of a job that was assigned or cancelled meanwhile is not an outage.
func (c *Coordinator) exhausted(ctx context.Context, req Request, attempt models.DispatchAttempt) (Result, error) {
	j, err := c.store.GetJob(ctx, req.JobID)
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		return Result{}, ErrJobNotFound
	case err != nil:
		c.log.Warn("job_recheck_failed", "job_id", req.JobID, "error", err)
	default:
		if outcome, done := settledOutcome(j); done {
			return c.finish(ctx, req, attempt, outcome), nil
		}
	}

	res := c.finish(ctx, req, attempt, models.OutcomeNoDriver)
	c.raise(ctx, alerting.Alert{
		Severity: alerting.SeverityWarning,
		Title:    "No driver available",
		Message:  fmt.Sprintf("%s job %s could not be assigned after %d claim attempts", req.JobType, req.JobID, attempt.ClaimAttempts),
		Context: map[string]string{
			"job_id":               req.JobID,
			"job_type":             string(req.JobType),
			"region":               req.Region,
			"priority":             string(req.Priority),
			"candidates_evaluated": strconv.Itoa(attempt.CandidatesEvaluated),
		},
		RaisedAt: c.now(),
	})
	return res, nil
}

// raise hands the alert to the sink off the response path. The request's
// cancellation does not reach the sink.
func (c *Coordinator) raise(ctx context.Context, a alerting.Alert) {
	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.alerts.Raise(ctx, a); err != nil {
			c.log.Error("operator_alert_failed", "job_id", a.Context["job_id"], "error", err)
		}
	}()
}

func (c *Coordinator) finish(ctx context.Context, req Request, attempt models.DispatchAttempt, outcome models.Outcome) Result {
	attempt.Outcome = outcome
	attempt.Duration = c.now().Sub(attempt.StartedAt)
	observability.DispatchOutcomes.WithLabelValues(string(outcome), string(req.Priority)).Inc()
	observability.DispatchLatency.Observe(attempt.Duration.Seconds())
	if outcome == models.OutcomeNoDriver {
		c.recorder.Record(ctx, c.event(models.EventDispatchFailed, req, "", attempt.Duration))
	}
	c.log.Info("dispatch_failed",
		"job_id", req.JobID,
		"reason", outcome,
		"candidates_evaluated", attempt.CandidatesEvaluated,
		"claim_attempts", attempt.ClaimAttempts,
	)
	return Result{FailureReason: outcome, CandidatesEvaluated: attempt.CandidatesEvaluated, Attempt: attempt}
}

func (c *Coordinator) estimate(ctx context.Context, from, to models.Coord) float64 {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ETATimeout)
	defer cancel()
	v, err := c.eta.EstimateSeconds(ctx, from, to)
	if err != nil {
		c.log.Debug("eta_failed", "error", err)
		return eta.EstimateSeconds(from, to, 0)
	}
	return v
}

func (c *Coordinator) event(t models.EventType, req Request, driverID string, latency time.Duration) models.Event {
	return models.Event{
		Type:       t,
		JobID:      req.JobID,
		DriverID:   driverID,
		JobType:    req.JobType,
		Region:     req.Region,
		Priority:   req.Priority,
		Latency:    latency,
		OccurredAt: c.now(),
	}
}

func (c *Coordinator) storeErr(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		return ErrJobNotFound
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
