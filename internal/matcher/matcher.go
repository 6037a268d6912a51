package matcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/storage"
)

type Presence interface {
	EligibleDrivers(ctx context.Context, q storage.CandidateQuery) ([]models.DriverPresence, error)
}

// Query describes where and for what a driver is needed.
type Query struct {
	Pickup   models.Coord
	JobType  models.JobType
	Region   string
	Priority models.Priority
}

type Service struct {
	Presence      Presence
	Policy        Policy
	Weights       Weights
	Freshness     time.Duration
	SearchTimeout time.Duration
	Limit         int
	Now           func() time.Time
	Logger        *slog.Logger
}

func NewService(p Presence, policy Policy, w Weights) *Service {
	return &Service{
		Presence:      p,
		Policy:        policy,
		Weights:       w,
		Freshness:     10 * time.Minute,
		SearchTimeout: 3 * time.Second,
		Limit:         200,
		Now:           time.Now,
		Logger:        logging.Discard(),
	}
}

// FindCandidates returns every eligible driver within the priority's radius.
// A search that runs past SearchTimeout yields no candidates rather than an
// error; any other store failure is returned.
func (s *Service) FindCandidates(ctx context.Context, q Query) ([]Candidate, Tier, error) {
	tier := s.Policy.Tier(q.Priority)
	sctx, cancel := context.WithTimeout(ctx, s.SearchTimeout)
	defer cancel()

	start := s.Now()
	drivers, err := s.Presence.EligibleDrivers(sctx, storage.CandidateQuery{
		Box:        geo.BoundingBox(q.Pickup, tier.RadiusKm),
		Center:     q.Pickup,
		RadiusKm:   tier.RadiusKm,
		Region:     q.Region,
		MinRating:  tier.MinRating,
		FreshSince: start.Add(-s.Freshness),
		Limit:      s.Limit,
	})
	observability.CandidateSearchLatency.Observe(s.Now().Sub(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.Logger.Warn("candidate_search_timeout", "timeout", s.SearchTimeout.String(), "priority", q.Priority, "region", q.Region)
			return nil, tier, nil
		}
		return nil, tier, err
	}

	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		dist := geo.DistanceKm(q.Pickup, d.Loc)
		if dist > tier.RadiusKm {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: dist})
	}
	return out, tier, nil
}

// Search filters and ranks in one step.
func (s *Service) Search(ctx context.Context, q Query) ([]Candidate, Tier, error) {
	cands, tier, err := s.FindCandidates(ctx, q)
	if err != nil {
		return nil, tier, err
	}
	return s.Weights.Rank(cands, q.Priority), tier, nil
}
