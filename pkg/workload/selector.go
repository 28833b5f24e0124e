package workload

import (
	"fmt"
	"math/rand"
)

// Selector picks a script per transaction using weighted random sampling.
// It is read-only after construction and safe to share between concurrent
// jobs; callers supply their own random source.
type Selector struct {
	scripts []*Script
	total   float64
}

// NewSelector validates the script list and caches the total weight.
// The list must be non-empty and every weight positive.
func NewSelector(scripts []*Script) (*Selector, error) {
	if len(scripts) == 0 {
		return nil, fmt.Errorf("at least one script is required")
	}

	total := 0.0

	for i, s := range scripts {
		if s.Weight <= 0 {
			return nil, fmt.Errorf("script %d (%s): weight must be positive, got %v", i, s.Filepath, s.Weight)
		}

		total += s.Weight
	}

	return &Selector{scripts: scripts, total: total}, nil
}

// Select draws one script, each with probability weight/total.
func (s *Selector) Select(rnd *rand.Rand) *Script {
	return s.pick(rnd.Float64() * s.total)
}

// pick returns the first script whose cumulative weight exceeds the draw.
// The draw is in [0, total); the final script catches any residue from
// floating-point accumulation.
func (s *Selector) pick(draw float64) *Script {
	cumulative := 0.0

	for _, script := range s.scripts {
		cumulative += script.Weight
		if draw < cumulative {
			return script
		}
	}

	return s.scripts[len(s.scripts)-1]
}

// Scripts returns the script list in configuration order.
func (s *Selector) Scripts() []*Script {
	return s.scripts
}

// TotalWeight returns the cached sum of all script weights.
func (s *Selector) TotalWeight() float64 {
	return s.total
}
