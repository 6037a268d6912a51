package models

import "time"

type OfferKind string

const (
	OfferAssignment OfferKind = "assignment"
	OfferReoffer    OfferKind = "reoffer"
)

// Offer is what a driver receives on every notification channel. An emitted
// offer is not an acknowledged delivery.
type Offer struct {
	ID         string         `json:"offer_id"`
	Kind       OfferKind      `json:"kind"`
	DriverID   string         `json:"driver_id"`
	Job        JobRef         `json:"job"`
	DistanceKm float64        `json:"distance_km,omitempty"`
	Score      float64        `json:"score,omitempty"`
	ETASeconds float64        `json:"eta_seconds,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
	Channels   []string       `json:"channels,omitempty"`
	EmittedAt  time.Time      `json:"emitted_at"`
}

type Outcome string

const (
	OutcomeAssigned        Outcome = "assigned"
	OutcomeNoDriver        Outcome = "no_driver_available"
	OutcomeAlreadyAssigned Outcome = "already_assigned"
	OutcomeNotPending      Outcome = "job_not_pending"
)

// DispatchAttempt describes one dispatch call. It is never mutated after the
// coordinator returns it.
type DispatchAttempt struct {
	JobID               string        `json:"job_id"`
	JobType             JobType       `json:"job_type"`
	Region              string        `json:"region,omitempty"`
	Priority            Priority      `json:"priority"`
	RadiusKm            float64       `json:"radius_km"`
	CandidatesEvaluated int           `json:"candidates_evaluated"`
	ClaimAttempts       int           `json:"claim_attempts"`
	DriverID            string        `json:"driver_id,omitempty"`
	DistanceKm          float64       `json:"distance_km,omitempty"`
	Score               float64       `json:"score,omitempty"`
	Outcome             Outcome       `json:"outcome"`
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration"`
}

type EventType string

const (
	EventBookingStarted   EventType = "booking_started"
	EventDispatchAttempt  EventType = "dispatch_attempt"
	EventDispatchSuccess  EventType = "dispatch_success"
	EventDispatchFailed   EventType = "dispatch_failed"
	EventDriverReleased   EventType = "driver_released"
	EventTripStarted      EventType = "trip_started"
	EventTripCompleted    EventType = "trip_completed"
	EventBookingCancelled EventType = "booking_cancelled"
)

// Event is an append-only metrics record.
type Event struct {
	ID         string        `json:"id"`
	Type       EventType     `json:"type"`
	JobID      string        `json:"job_id"`
	DriverID   string        `json:"driver_id,omitempty"`
	JobType    JobType       `json:"job_type,omitempty"`
	Region     string        `json:"region,omitempty"`
	Priority   Priority      `json:"priority,omitempty"`
	Latency    time.Duration `json:"latency,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}
