// Package scheduler ranks candidate scan roots by expected
// value-of-information per unit I/O cost (spec.md §4.4).
//
// The seeded-RNG-as-persisted-state pattern is grounded on the
// teacher's budget.Bucket, which likewise keeps its refill clock as
// explicit struct state rather than reading the wall clock implicitly,
// so that scheduler behavior is reproducible given identical inputs
// and the same starting seed (spec.md invariant 6).
package scheduler

import (
	"math/rand"
	"sort"
)

// Root is one candidate scan root with its historical scheduling signals.
type Root struct {
	Path                  string
	ProbDeletable         float64 // P(has_deletable_artifacts)
	ExpectedBytesReclaimed float64
	EstimatedWalkCost     float64
	HistoricalFPRate      float64
	TimeSinceLastScanned  float64 // seconds
}

// Weights configures the EV formula's cost/exploration terms.
type Weights struct {
	IOCostWeight      float64
	FPRiskWeight      float64
	ExplorationWeight float64
}

// Params configures one scheduling pass.
type Params struct {
	Budget           int
	ExplorationQuota float64 // fraction of budget reserved for low/unknown-EV roots
	Weights          Weights
	DegradedStreakThreshold int // consecutive low-confidence ticks before round-robin fallback
}

// Scheduler holds the persisted RNG state that makes exploration draws
// reproducible across runs given the same seed.
type Scheduler struct {
	rng            *rand.Rand
	seed           int64
	degradedStreak int
	roundRobinIdx  int
}

// New constructs a Scheduler seeded deterministically.
func New(seed int64) *Scheduler {
	return &Scheduler{rng: rand.New(rand.NewSource(seed)), seed: seed}
}

// Seed returns the scheduler's current RNG seed, part of persisted state.
func (s *Scheduler) Seed() int64 { return s.seed }

func ev(r Root, w Weights) float64 {
	return r.ProbDeletable*r.ExpectedBytesReclaimed -
		w.IOCostWeight*r.EstimatedWalkCost -
		w.FPRiskWeight*r.HistoricalFPRate +
		w.ExplorationWeight*r.TimeSinceLastScanned
}

// NoteForecastConfidence feeds the scheduler whether the last forecast
// tick was actionable; it tracks a consecutive low-confidence streak to
// trigger the round-robin fallback.
func (s *Scheduler) NoteForecastConfidence(actionable bool) {
	if actionable {
		s.degradedStreak = 0
		return
	}
	s.degradedStreak++
}

// Degraded reports whether the scheduler should use round-robin
// selection instead of EV ranking this tick.
func (s *Scheduler) Degraded(threshold int) bool {
	return s.degradedStreak >= threshold
}

// Select ranks roots and returns up to params.Budget of them for this
// tick. Ties in EV break on path for determinism (spec.md invariant 6).
// An exploration quota is carved out for low/unknown-EV roots so they
// are never permanently starved by high-EV roots.
func (s *Scheduler) Select(roots []Root, p Params) []Root {
	if p.Budget <= 0 || len(roots) == 0 {
		return nil
	}

	if s.Degraded(p.DegradedStreakThreshold) {
		return s.roundRobin(roots, p.Budget)
	}

	scored := make([]Root, len(roots))
	copy(scored, roots)
	sort.Slice(scored, func(i, j int) bool {
		evi, evj := ev(scored[i], p.Weights), ev(scored[j], p.Weights)
		if evi != evj {
			return evi > evj // descending EV
		}
		return scored[i].Path < scored[j].Path
	})

	explorationSlots := int(float64(p.Budget) * p.ExplorationQuota)
	exploitSlots := p.Budget - explorationSlots

	var selected []Root
	selectedSet := make(map[string]bool)

	for i := 0; i < len(scored) && len(selected) < exploitSlots; i++ {
		selected = append(selected, scored[i])
		selectedSet[scored[i].Path] = true
	}

	if explorationSlots > 0 {
		var pool []Root
		for _, r := range scored {
			if !selectedSet[r.Path] {
				pool = append(pool, r)
			}
		}
		s.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		for i := 0; i < len(pool) && len(selected) < p.Budget; i++ {
			selected = append(selected, pool[i])
		}
	}

	return selected
}

func (s *Scheduler) roundRobin(roots []Root, budget int) []Root {
	sorted := make([]Root, len(roots))
	copy(sorted, roots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	n := len(sorted)
	if n == 0 {
		return nil
	}
	var out []Root
	for i := 0; i < budget && i < n; i++ {
		out = append(out, sorted[(s.roundRobinIdx+i)%n])
	}
	s.roundRobinIdx = (s.roundRobinIdx + budget) % n
	return out
}
