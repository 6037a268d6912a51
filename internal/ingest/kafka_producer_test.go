package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/models"
)

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublishHeartbeatKeyedByDriver(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w, timeout: time.Second}
	hb := models.Heartbeat{DriverID: "d7", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true}
	if err := p.PublishHeartbeat(context.Background(), hb); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "d7" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var got models.Heartbeat
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil || got.Loc.Lon != 2 {
		t.Fatalf("unexpected payload %s: %v", w.msgs[0].Value, err)
	}
}
