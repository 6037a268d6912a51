package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
)

type EventSink interface {
	AppendEvent(ctx context.Context, e models.Event) error
	EventsSince(ctx context.Context, since time.Time) ([]models.Event, error)
}

type Period string

const (
	PeriodToday Period = "today"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "":
		return PeriodToday, nil
	case PeriodToday, PeriodWeek, PeriodMonth:
		return Period(s), nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// Summary aggregates the dispatch funnel over a period.
type Summary struct {
	Period         Period  `json:"period"`
	TotalStarted   int     `json:"total_started"`
	Successful     int     `json:"successful"`
	Failed         int     `json:"failed"`
	Completed      int     `json:"completed"`
	Cancelled      int     `json:"cancelled"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	ConversionRate float64 `json:"conversion_rate"`
}

type Recorder struct {
	sink EventSink
	log  *slog.Logger
	now  func() time.Time
}

func NewRecorder(sink EventSink, log *slog.Logger, now func() time.Time) *Recorder {
	if log == nil {
		log = logging.Discard()
	}
	if now == nil {
		now = time.Now
	}
	return &Recorder{sink: sink, log: log, now: now}
}

// Record appends e and bumps the matching counters. Persistence failures are
// logged and counted, never returned.
func (r *Recorder) Record(ctx context.Context, e models.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now()
	}
	EventsRecorded.WithLabelValues(string(e.Type)).Inc()
	if e.Latency > 0 {
		EventLatency.Observe(e.Latency.Seconds())
	}
	if err := r.sink.AppendEvent(ctx, e); err != nil {
		RecordErrors.Inc()
		r.log.Error("record_event_failed", "type", e.Type, "job_id", e.JobID, "error", err)
	}
}

func (r *Recorder) Summary(ctx context.Context, p Period) (Summary, error) {
	since, err := r.since(p)
	if err != nil {
		return Summary{}, err
	}
	events, err := r.sink.EventsSince(ctx, since)
	if err != nil {
		return Summary{}, fmt.Errorf("load events: %w", err)
	}
	s := Summary{Period: p}
	var latencyTotal time.Duration
	var latencyCount int
	for _, e := range events {
		switch e.Type {
		case models.EventBookingStarted:
			s.TotalStarted++
		case models.EventDispatchSuccess:
			s.Successful++
		case models.EventDispatchFailed:
			s.Failed++
		case models.EventTripCompleted:
			s.Completed++
		case models.EventBookingCancelled:
			s.Cancelled++
		}
		if (e.Type == models.EventDispatchSuccess || e.Type == models.EventDispatchFailed) && e.Latency > 0 {
			latencyTotal += e.Latency
			latencyCount++
		}
	}
	if latencyCount > 0 {
		s.AvgLatencyMs = float64(latencyTotal.Milliseconds()) / float64(latencyCount)
	}
	if s.TotalStarted > 0 {
		s.ConversionRate = float64(s.Completed) / float64(s.TotalStarted)
	}
	return s, nil
}

func (r *Recorder) since(p Period) (time.Time, error) {
	now := r.now()
	switch p {
	case PeriodToday:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	case PeriodWeek:
		return now.Add(-7 * 24 * time.Hour), nil
	case PeriodMonth:
		return now.Add(-30 * 24 * time.Hour), nil
	}
	return time.Time{}, fmt.Errorf("unknown period %q", p)
}
