package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

// Channel delivers one offer over one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, offer models.Offer) error
}

// Payload is the per-offer detail shown to the driver.
type Payload struct {
	Kind       models.OfferKind
	DistanceKm float64
	Score      float64
	ETASeconds float64
	Extra      map[string]any
}

// Fanout emits every offer on all channels at once. Sends run detached from
// the caller and never report failure back to it.
type Fanout struct {
	channels []Channel
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger

	lastEmitted atomic.Int64
	wg          sync.WaitGroup
}

func NewFanout(timeout time.Duration, log *slog.Logger, channels ...Channel) *Fanout {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Fanout{
		channels: channels,
		timeout:  timeout,
		now:      time.Now,
		log:      logging.Component(log, "fanout"),
	}
}

// WithClock replaces the time source.
func (f *Fanout) WithClock(now func() time.Time) *Fanout {
	f.now = now
	return f
}

func (f *Fanout) Channels() []string {
	names := make([]string, len(f.channels))
	for i, c := range f.channels {
		names[i] = c.Name()
	}
	return names
}

// NotifyOffer builds the offer and starts one send per channel. It returns as
// soon as the sends are started.
func (f *Fanout) NotifyOffer(ctx context.Context, driverID string, job models.JobRef, p Payload) models.Offer {
	kind := p.Kind
	if kind == "" {
		kind = models.OfferAssignment
	}
	offer := models.Offer{
		ID:         uuid.NewString(),
		Kind:       kind,
		DriverID:   driverID,
		Job:        job,
		DistanceKm: p.DistanceKm,
		Score:      p.Score,
		ETASeconds: p.ETASeconds,
		Extra:      p.Extra,
		Channels:   f.Channels(),
		EmittedAt:  f.now(),
	}

	detached := context.WithoutCancel(ctx)
	for _, ch := range f.channels {
		f.wg.Add(1)
		go f.send(detached, ch, offer)
	}
	return offer
}

func (f *Fanout) send(ctx context.Context, ch Channel, offer models.Offer) {
	defer f.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := ch.Send(ctx, offer); err != nil {
		observability.ChannelSends.WithLabelValues(ch.Name(), "error").Inc()
		f.log.Warn("channel_send_failed",
			"channel", ch.Name(),
			"offer_id", offer.ID,
			"job_id", offer.Job.ID,
			"driver_id", offer.DriverID,
			"error", err,
		)
		return
	}
	observability.ChannelSends.WithLabelValues(ch.Name(), "ok").Inc()
	f.markEmitted(f.now())
}

func (f *Fanout) markEmitted(at time.Time) {
	n := at.UnixNano()
	for {
		cur := f.lastEmitted.Load()
		if n <= cur || f.lastEmitted.CompareAndSwap(cur, n) {
			return
		}
	}
}

// LastEmitted is the time of the most recent successful channel send, or the
// zero time if nothing has gone out yet.
func (f *Fanout) LastEmitted() time.Time {
	n := f.lastEmitted.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Wait blocks until every started send has finished.
func (f *Fanout) Wait() {
	f.wg.Wait()
}
