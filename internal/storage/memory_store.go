package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// MemoryStore keeps jobs, presence, profiles and events in process. A single
// mutex serialises writes, which makes every conditional operation atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*models.Job
	presence map[string]*models.DriverPresence
	profiles map[string]models.DriverProfile
	events   []models.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		presence: make(map[string]*models.DriverPresence),
		profiles: make(map[string]models.DriverProfile),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// PutProfile stands in for the identity/profile store.
func (m *MemoryStore) PutProfile(driverID string, p models.DriverProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[driverID] = p
}

func (m *MemoryStore) CreateJob(_ context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return ErrDuplicateJob
	}
	m.jobs[j.ID] = copyJob(j)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(j), nil
}

func (m *MemoryStore) Claim(_ context.Context, jobID, driverID string, at time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if err := claimConflict(j); err != nil {
		return nil, err
	}
	p, ok := m.presence[driverID]
	if !ok || !p.Available {
		return nil, ErrDriverUnavailable
	}

	d := driverID
	j.DriverID = &d
	j.Status = models.StatusDriverAssigned
	j.AssignedAt = &at
	j.UpdatedAt = at
	j.Version++

	id := jobID
	p.Available = false
	p.CurrentJobID = &id
	return copyJob(j), nil
}

func (m *MemoryStore) Transition(_ context.Context, jobID, driverID string, from, to models.JobStatus, at time.Time) (*models.Job, error) {
	if !models.CanTransition(from, to) || to == models.StatusPending || to.Terminal() {
		return nil, ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status != from || j.DriverID == nil || *j.DriverID != driverID {
		return nil, ErrInvalidTransition
	}
	j.Status = to
	j.UpdatedAt = at
	j.Version++
	return copyJob(j), nil
}

func (m *MemoryStore) Conclude(_ context.Context, jobID string, to models.JobStatus, at time.Time) (*models.Job, error) {
	if !to.Terminal() {
		return nil, ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !models.CanTransition(j.Status, to) {
		return nil, ErrInvalidTransition
	}
	j.Status = to
	j.UpdatedAt = at
	j.Version++
	if j.DriverID != nil {
		m.releaseLocked(*j.DriverID, jobID)
	}
	return copyJob(j), nil
}

func (m *MemoryStore) Unassign(_ context.Context, jobID, driverID string, at time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status != models.StatusDriverAssigned || j.DriverID == nil || *j.DriverID != driverID {
		return nil, ErrInvalidTransition
	}
	j.DriverID = nil
	j.AssignedAt = nil
	j.Status = models.StatusPending
	j.UpdatedAt = at
	j.Version++
	m.releaseLocked(driverID, jobID)
	return copyJob(j), nil
}

// releaseLocked flips the driver back to available only while it still holds
// jobID.
func (m *MemoryStore) releaseLocked(driverID, jobID string) {
	p, ok := m.presence[driverID]
	if !ok || p.Available || p.CurrentJobID == nil || *p.CurrentJobID != jobID {
		return
	}
	p.Available = true
	p.CurrentJobID = nil
}

func (m *MemoryStore) ListPendingUnassigned(_ context.Context, limit int) ([]models.Job, error) {
	m.mu.RLock()
	out := make([]models.Job, 0)
	for _, j := range m.jobs {
		if j.Status == models.StatusPending && j.DriverID == nil {
			out = append(out, *copyJob(j))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpsertPresence(_ context.Context, hb models.Heartbeat, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presence[hb.DriverID]
	if !ok {
		p = &models.DriverPresence{DriverID: hb.DriverID, Available: true}
		m.presence[hb.DriverID] = p
	}
	p.Loc = hb.Loc
	p.Region = hb.Region
	p.Online = hb.Online
	p.LastHeartbeat = at
	if hb.DeviceToken != "" {
		p.DeviceToken = hb.DeviceToken
	}
	return nil
}

func (m *MemoryStore) GetPresence(_ context.Context, driverID string) (*models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.presence[driverID]
	if !ok {
		return nil, ErrDriverNotFound
	}
	out := m.withProfileLocked(p)
	return &out, nil
}

func (m *MemoryStore) EligibleDrivers(_ context.Context, q CandidateQuery) ([]models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverPresence, 0)
	for _, p := range m.presence {
		cand := m.withProfileLocked(p)
		if !q.matches(&cand) {
			continue
		}
		out = append(out, cand)
	}
	return q.nearest(out), nil
}

func (m *MemoryStore) withProfileLocked(p *models.DriverPresence) models.DriverPresence {
	out := *p
	if p.CurrentJobID != nil {
		id := *p.CurrentJobID
		out.CurrentJobID = &id
	}
	out.Profile = m.profiles[p.DriverID]
	return out
}

func (m *MemoryStore) AppendEvent(_ context.Context, e models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryStore) EventsSince(_ context.Context, since time.Time) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Event, 0)
	for _, e := range m.events {
		if !e.OccurredAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	if j.DriverID != nil {
		d := *j.DriverID
		c.DriverID = &d
	}
	if j.AssignedAt != nil {
		t := *j.AssignedAt
		c.AssignedAt = &t
	}
	if j.PaymentRef != nil {
		r := *j.PaymentRef
		c.PaymentRef = &r
	}
	return &c
}
