package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

// Frame is what a connected driver app receives.
type Frame struct {
	Type  string       `json:"type"`
	Offer models.Offer `json:"offer"`
	Alert *AlertCue    `json:"alert,omitempty"`
}

// AlertCue asks the app to vibrate and sound, stronger for urgent jobs.
type AlertCue struct {
	Haptic string `json:"haptic"`
	Sound  bool   `json:"sound"`
	Repeat int    `json:"repeat"`
}

func cueFor(p models.Priority) *AlertCue {
	switch p {
	case models.PriorityUrgent:
		return &AlertCue{Haptic: "heavy", Sound: true, Repeat: 3}
	case models.PriorityHigh:
		return &AlertCue{Haptic: "medium", Sound: true, Repeat: 2}
	default:
		return &AlertCue{Haptic: "light", Sound: true, Repeat: 1}
	}
}

type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return s.conn.WriteJSON(v)
}

// WSRegistry holds driver sessions and serves as the alert channel.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[driverID]; ok {
		_ = old.conn.Close()
	} else {
		observability.DriversOnline.Inc()
	}
	r.sessions[driverID] = &WSSession{conn: conn}
}

// Remove drops the session only if conn is still the registered one.
func (r *WSRegistry) Remove(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[driverID]
	if !ok || s.conn != conn {
		return
	}
	delete(r.sessions, driverID)
	observability.DriversOnline.Dec()
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) Name() string { return "alert" }

func (r *WSRegistry) Send(ctx context.Context, offer models.Offer) error {
	r.mu.RLock()
	s, ok := r.sessions[offer.DriverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(ctx, Frame{Type: "job_offer", Offer: offer, Alert: cueFor(offer.Job.Priority)})
}
