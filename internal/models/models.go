package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type JobType string

const (
	JobRide        JobType = "ride"
	JobDelivery    JobType = "delivery"
	JobMarketplace JobType = "marketplace"
)

func (t JobType) Valid() bool {
	switch t {
	case JobRide, JobDelivery, JobMarketplace:
		return true
	}
	return false
}

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists every tier from least to most urgent.
var Priorities = []Priority{PriorityNormal, PriorityHigh, PriorityUrgent}

func (p Priority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Job struct {
	ID          string     `json:"id"`
	RequesterID string     `json:"requester_id,omitempty"`
	Type        JobType    `json:"type"`
	Pickup      Coord      `json:"pickup"`
	Destination Coord      `json:"destination"`
	Region      string     `json:"region,omitempty"`
	Priority    Priority   `json:"priority"`
	Status      JobStatus  `json:"status"`
	DriverID    *string    `json:"driver_id,omitempty"`
	FareCents   int64      `json:"fare_cents,omitempty"`
	PaymentRef  *string    `json:"payment_ref,omitempty"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Ref is the subset of a job carried inside an offer.
func (j *Job) Ref() JobRef {
	return JobRef{ID: j.ID, Type: j.Type, Pickup: j.Pickup, Destination: j.Destination, Region: j.Region, Priority: j.Priority}
}

type JobRef struct {
	ID          string   `json:"job_id"`
	Type        JobType  `json:"job_type"`
	Pickup      Coord    `json:"pickup"`
	Destination Coord    `json:"destination"`
	Region      string   `json:"region,omitempty"`
	Priority    Priority `json:"priority"`
}

type DriverProfile struct {
	Rating        float64 `json:"rating"` // 0..5
	CompletedJobs int     `json:"completed_jobs"`
	Active        bool    `json:"active"`
	VehicleClass  string  `json:"vehicle_class,omitempty"`
}

type DriverPresence struct {
	DriverID      string        `json:"driver_id"`
	Loc           Coord         `json:"loc"`
	Region        string        `json:"region,omitempty"`
	Online        bool          `json:"online"`
	Available     bool          `json:"available"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	CurrentJobID  *string       `json:"current_job_id,omitempty"`
	DeviceToken   string        `json:"-"`
	Profile       DriverProfile `json:"profile"`
}

// Heartbeat is the location ping a driver client sends.
type Heartbeat struct {
	DriverID    string    `json:"driver_id"`
	Loc         Coord     `json:"loc"`
	Region      string    `json:"region,omitempty"`
	Online      bool      `json:"online"`
	DeviceToken string    `json:"device_token,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}
