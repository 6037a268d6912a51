package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
)

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	p.channel = channel
	p.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if p.err != nil {
		cmd.SetErr(p.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisPushTopicByJobType(t *testing.T) {
	pub := &fakePublisher{}
	r := newRedisPush(pub, "dispatch")
	offer := models.Offer{ID: "o1", DriverID: "d1", Job: models.JobRef{ID: "j1", Type: models.JobMarketplace}}
	if err := r.Send(context.Background(), offer); err != nil {
		t.Fatalf("send: %v", err)
	}
	if pub.channel != "dispatch:marketplace" {
		t.Fatalf("unexpected channel %q", pub.channel)
	}
	var got models.Offer
	if err := json.Unmarshal(pub.payload, &got); err != nil || got.ID != "o1" {
		t.Fatalf("unexpected payload %s: %v", pub.payload, err)
	}

	pub.err = errors.New("connection reset")
	if err := r.Send(context.Background(), offer); !errors.Is(err, pub.err) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

type fakeSender struct {
	msg *messaging.Message
}

func (s *fakeSender) Send(_ context.Context, m *messaging.Message) (string, error) {
	s.msg = m
	return "projects/x/messages/1", nil
}

func TestFCMPushBuildsHighPriorityMessage(t *testing.T) {
	sender := &fakeSender{}
	tokens := TokenFunc(func(_ context.Context, id string) (string, error) {
		if id == "d1" {
			return "tok-1", nil
		}
		return "", nil
	})
	f := &FCMPush{client: sender, tokens: tokens}
	offer := models.Offer{ID: "o1", Kind: models.OfferAssignment, DriverID: "d1", DistanceKm: 1.25,
		Job: models.JobRef{ID: "j1", Type: models.JobRide, Priority: models.PriorityUrgent}}
	if err := f.Send(context.Background(), offer); err != nil {
		t.Fatalf("send: %v", err)
	}
	m := sender.msg
	if m.Token != "tok-1" || m.Android == nil || m.Android.Priority != "high" {
		t.Fatalf("unexpected message %+v", m)
	}
	if m.Data["job_id"] != "j1" || m.Data["offer_id"] != "o1" || m.Data["distance_km"] != "1.25" {
		t.Fatalf("unexpected data %v", m.Data)
	}

	offer.DriverID = "d2"
	if err := f.Send(context.Background(), offer); !errors.Is(err, ErrNoDeviceToken) {
		t.Fatalf("expected ErrNoDeviceToken, got %v", err)
	}
}

func TestWSRegistrySendsAlertFrame(t *testing.T) {
	reg := NewWSRegistry()
	registered := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("d1", conn)
		close(registered)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	<-registered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	offer := models.Offer{ID: "o1", DriverID: "d1", Job: models.JobRef{ID: "j1", Priority: models.PriorityUrgent}}
	if err := reg.Send(ctx, offer); err != nil {
		t.Fatalf("send: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	var frame Frame
	if err := client.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != "job_offer" || frame.Offer.ID != "o1" || frame.Alert == nil || frame.Alert.Haptic != "heavy" {
		t.Fatalf("unexpected frame %+v", frame)
	}

	if err := reg.Send(ctx, models.Offer{DriverID: "ghost"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
