package matcher

import (
	"fmt"

	"github.com/example/driver-dispatch/internal/models"
)

// Tier is the search envelope for one priority level.
type Tier struct {
	RadiusKm  float64
	MinRating float64
}

type Policy struct {
	Tiers map[models.Priority]Tier
}

func DefaultPolicy() Policy {
	return Policy{Tiers: map[models.Priority]Tier{
		models.PriorityNormal: {RadiusKm: 10, MinRating: 4.0},
		models.PriorityHigh:   {RadiusKm: 15, MinRating: 4.0},
		models.PriorityUrgent: {RadiusKm: 25, MinRating: 3.0},
	}}
}

// Tier falls back to the normal tier for unknown priorities.
func (p Policy) Tier(pr models.Priority) Tier {
	if t, ok := p.Tiers[pr]; ok {
		return t
	}
	return p.Tiers[models.PriorityNormal]
}

// Validate checks that raising priority never shrinks the candidate pool:
// radius must not decrease and the rating floor must not increase.
func (p Policy) Validate() error {
	var prev *Tier
	for _, pr := range models.Priorities {
		t, ok := p.Tiers[pr]
		if !ok {
			return fmt.Errorf("missing tier for priority %s", pr)
		}
		if t.RadiusKm <= 0 {
			return fmt.Errorf("tier %s: radius must be > 0", pr)
		}
		if prev != nil {
			if t.RadiusKm < prev.RadiusKm {
				return fmt.Errorf("tier %s: radius %.1f smaller than lower priority radius %.1f", pr, t.RadiusKm, prev.RadiusKm)
			}
			if t.MinRating > prev.MinRating {
				return fmt.Errorf("tier %s: min rating %.1f above lower priority min rating %.1f", pr, t.MinRating, prev.MinRating)
			}
		}
		tt := t
		prev = &tt
	}
	return nil
}
