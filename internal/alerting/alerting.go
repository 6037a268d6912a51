package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/logging"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an operator-facing message. Context carries identifiers such as
// job_id and region.
type Alert struct {
	Severity Severity          `json:"severity"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
	RaisedAt time.Time         `json:"raised_at"`
}

type Sink interface {
	Raise(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = logging.Discard()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Raise(_ context.Context, a Alert) error {
	attrs := []any{"severity", a.Severity, "title", a.Title, "message", a.Message}
	for k, v := range a.Context {
		attrs = append(attrs, k, v)
	}
	if a.Severity == SeverityCritical {
		s.log.Error("operator_alert", attrs...)
	} else {
		s.log.Warn("operator_alert", attrs...)
	}
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes alerts as JSON onto a topic, keyed by job id when set.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaSink hashes on the message key so alerts for one job stay on one
// partition. Alerts are rare, so batches are flushed almost immediately.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	})
	return &KafkaSink{writer: w, timeout: 2 * time.Second}
}

func (s *KafkaSink) Raise(ctx context.Context, a Alert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(a.Context["job_id"]), Value: b})
}

func (s *KafkaSink) Close() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

// Multi raises on every sink and joins their errors.
type Multi []Sink

func (m Multi) Raise(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Raise(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
