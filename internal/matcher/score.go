package matcher

import (
	"math"
	"sort"

	"github.com/example/driver-dispatch/internal/models"
)

// Weights are the scoring constants:
//
//	score = max(0, DistanceBase - km*DistancePenalty) + rating*RatingWeight
//	        + min(completed*ExperienceWeight, ExperienceCap) + PriorityBonus[priority]
type Weights struct {
	DistanceBase     float64
	DistancePenalty  float64
	RatingWeight     float64
	ExperienceWeight float64
	ExperienceCap    float64
	PriorityBonus    map[models.Priority]float64
}

func DefaultWeights() Weights {
	return Weights{
		DistanceBase:     100,
		DistancePenalty:  8,
		RatingWeight:     20,
		ExperienceWeight: 1.5,
		ExperienceCap:    25,
		PriorityBonus: map[models.Priority]float64{
			models.PriorityNormal: 0,
			models.PriorityHigh:   10,
			models.PriorityUrgent: 15,
		},
	}
}

func (w Weights) Score(distanceKm float64, p models.DriverProfile, pr models.Priority) float64 {
	proximity := math.Max(0, w.DistanceBase-distanceKm*w.DistancePenalty)
	experience := math.Min(float64(p.CompletedJobs)*w.ExperienceWeight, w.ExperienceCap)
	return proximity + p.Rating*w.RatingWeight + experience + w.PriorityBonus[pr]
}

// Candidate is a presence record that passed the filter, with its distance
// to pickup and, once ranked, its score.
type Candidate struct {
	Driver     models.DriverPresence
	DistanceKm float64
	Score      float64
}

// Rank scores every candidate and sorts them best first. Ties go to the closer
// driver, then to the earlier heartbeat, then to the lower driver id.
func (w Weights) Rank(cands []Candidate, pr models.Priority) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	for i := range out {
		out[i].Score = w.Score(out[i].DistanceKm, out[i].Driver.Profile, pr)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if !a.Driver.LastHeartbeat.Equal(b.Driver.LastHeartbeat) {
			return a.Driver.LastHeartbeat.Before(b.Driver.LastHeartbeat)
		}
		return a.Driver.DriverID < b.Driver.DriverID
	})
	return out
}
