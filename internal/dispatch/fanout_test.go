package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

type fakeChannel struct {
	name  string
	err   error
	delay time.Duration

	mu     sync.Mutex
	offers []models.Offer
	ctxErr error
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(ctx context.Context, o models.Offer) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			c.mu.Lock()
			c.ctxErr = ctx.Err()
			c.mu.Unlock()
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers = append(c.offers, o)
	return c.err
}

func (c *fakeChannel) sent() []models.Offer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Offer(nil), c.offers...)
}

var job = models.JobRef{ID: "j1", Type: models.JobDelivery, Priority: models.PriorityHigh}

func TestNotifyOfferUsesEveryChannel(t *testing.T) {
	live, native, alert := &fakeChannel{name: "live"}, &fakeChannel{name: "native", err: errors.New("fcm down")}, &fakeChannel{name: "alert"}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := NewFanout(time.Second, nil, live, native, alert).WithClock(func() time.Time { return at })

	offer := f.NotifyOffer(context.Background(), "d1", job, Payload{DistanceKm: 2.5, Score: 190})
	f.Wait()

	if offer.ID == "" || offer.Kind != models.OfferAssignment || !offer.EmittedAt.Equal(at) {
		t.Fatalf("unexpected offer %+v", offer)
	}
	if len(offer.Channels) != 3 {
		t.Fatalf("expected three channels on the offer, got %v", offer.Channels)
	}
	for _, c := range []*fakeChannel{live, native, alert} {
		got := c.sent()
		if len(got) != 1 || got[0].ID != offer.ID || got[0].DriverID != "d1" {
			t.Fatalf("%s: unexpected sends %+v", c.name, got)
		}
	}
	if !f.LastEmitted().Equal(at) {
		t.Fatalf("expected last emitted %v, got %v", at, f.LastEmitted())
	}
}

func TestNotifyOfferSurvivesCallerCancel(t *testing.T) {
	slow := &fakeChannel{name: "live", delay: 20 * time.Millisecond}
	f := NewFanout(time.Second, nil, slow)
	ctx, cancel := context.WithCancel(context.Background())
	f.NotifyOffer(ctx, "d1", job, Payload{})
	cancel()
	f.Wait()
	if len(slow.sent()) != 1 {
		t.Fatalf("send should complete after the caller is gone")
	}
}

func TestNotifyOfferChannelTimeout(t *testing.T) {
	slow := &fakeChannel{name: "native", delay: time.Second}
	fast := &fakeChannel{name: "live"}
	f := NewFanout(10*time.Millisecond, nil, slow, fast)
	f.NotifyOffer(context.Background(), "d1", job, Payload{})
	f.Wait()
	if !errors.Is(slow.ctxErr, context.DeadlineExceeded) {
		t.Fatalf("slow channel should hit its own deadline, got %v", slow.ctxErr)
	}
	if len(fast.sent()) != 1 {
		t.Fatalf("fast channel must not be held back by a slow one")
	}
}

func TestLastEmittedOnlyOnSuccess(t *testing.T) {
	f := NewFanout(time.Second, nil, &fakeChannel{name: "live", err: errors.New("nope")})
	f.NotifyOffer(context.Background(), "d1", job, Payload{})
	f.Wait()
	if !f.LastEmitted().IsZero() {
		t.Fatalf("failed sends must not count as emissions")
	}
}

func TestRepeatedOffersAreDistinct(t *testing.T) {
	live := &fakeChannel{name: "live"}
	f := NewFanout(time.Second, nil, live)
	a := f.NotifyOffer(context.Background(), "d1", job, Payload{Kind: models.OfferReoffer})
	b := f.NotifyOffer(context.Background(), "d1", job, Payload{Kind: models.OfferReoffer})
	f.Wait()
	if a.ID == b.ID {
		t.Fatalf("each emission gets its own offer id")
	}
	if len(live.sent()) != 2 {
		t.Fatalf("expected two emissions, got %d", len(live.sent()))
	}
}
