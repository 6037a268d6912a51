package safetynet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

var ErrAlreadyRunning = errors.New("poller already running")

type PendingJobs interface {
	ListPendingUnassigned(ctx context.Context, limit int) ([]models.Job, error)
}

type Ranker interface {
	Search(ctx context.Context, q matcher.Query) ([]matcher.Candidate, matcher.Tier, error)
}

// Emitter is the fan-out as seen by the poller.
type Emitter interface {
	NotifyOffer(ctx context.Context, driverID string, job models.JobRef, p dispatch.Payload) models.Offer
	LastEmitted() time.Time
}

type Config struct {
	Interval         time.Duration
	SilenceThreshold time.Duration
	// ReofferBatch is how many of the newest pending jobs a sweep covers.
	ReofferBatch int
	// ReofferFanout is how many top candidates each job is re-offered to.
	ReofferFanout int
}

func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, SilenceThreshold: 2 * time.Minute, ReofferBatch: 5, ReofferFanout: 3}
}

// Poller re-offers pending jobs whenever the fan-out has been silent for too
// long. It covers live messages that were dropped on the way to drivers.
type Poller struct {
	jobs    PendingJobs
	ranker  Ranker
	emitter Emitter
	cfg     Config
	now     func() time.Time
	log     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(jobs PendingJobs, ranker Ranker, emitter Emitter, cfg Config, log *slog.Logger) *Poller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.ReofferBatch <= 0 {
		cfg.ReofferBatch = def.ReofferBatch
	}
	if cfg.ReofferFanout <= 0 {
		cfg.ReofferFanout = def.ReofferFanout
	}
	return &Poller{
		jobs:    jobs,
		ranker:  ranker,
		emitter: emitter,
		cfg:     cfg,
		now:     time.Now,
		log:     logging.Component(log, "safetynet"),
	}
}

func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	return p
}

// Start runs the ticker loop in the background until ctx ends or Stop is
// called.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	return nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.log.Error("safetynet_tick_failed", "error", err)
			}
		}
	}
}

// Stop ends the loop and waits for an in-flight tick to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick runs one sweep and returns the number of offers emitted. Nothing is
// emitted while the fan-out has been active within the silence threshold.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	last := p.emitter.LastEmitted()
	if !last.IsZero() && p.now().Sub(last) <= p.cfg.SilenceThreshold {
		return 0, nil
	}
	pending, err := p.jobs.ListPendingUnassigned(ctx, p.cfg.ReofferBatch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	sent := 0
	for i := range pending {
		j := &pending[i]
		ranked, _, err := p.ranker.Search(ctx, matcher.Query{Pickup: j.Pickup, JobType: j.Type, Region: j.Region, Priority: j.Priority})
		if err != nil {
			p.log.Warn("safetynet_search_failed", "job_id", j.ID, "error", err)
			continue
		}
		for k, cand := range ranked {
			if k >= p.cfg.ReofferFanout {
				break
			}
			p.emitter.NotifyOffer(ctx, cand.Driver.DriverID, j.Ref(), dispatch.Payload{
				Kind:       models.OfferReoffer,
				DistanceKm: cand.DistanceKm,
				Score:      cand.Score,
			})
			sent++
		}
	}
	observability.SafetyNetReoffers.Add(float64(sent))
	p.log.Info("safetynet_sweep", "pending", len(pending), "offers", sent, "silent_since", last)
	return sent, nil
}
