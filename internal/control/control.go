// Package control converts a pressure level and a forecast projection
// into a single urgency scalar and a discrete action (spec.md §4.3).
//
// The "escalate immediately, decay only after quiescence" asymmetry
// and the per-key mutex-guarded state struct are grounded on the
// teacher's escalation.ProcessState state machine — generalized from
// a six-state isolation ladder keyed by PID to a four-action response
// ladder keyed by mount id, with hysteresis measured in ticks instead
// of wall-clock quiescence.
package control

import (
	"sync"

	"github.com/sbhd/sbhd/internal/model"
)

// Params configures the urgency mapping and anti-windup/hysteresis bounds.
type Params struct {
	ActionHorizon float64 // seconds; predictive-urgency normalization
	HysteresisTicks int
}

// levelUrgency is the piecewise map from discrete pressure level to
// [0,1], per spec.md §4.3.
func levelUrgency(level model.PressureLevel) float64 {
	switch level {
	case model.Green:
		return 0.0
	case model.Yellow:
		return 0.35
	case model.Orange:
		return 0.65
	case model.Red:
		return 0.85
	case model.Critical:
		return 1.0
	default:
		return 0.0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// actionForUrgency implements spec.md §4.3's step table: urgency band
// to action, scan batch size, ballast files to release, and whether
// the scan batch is unbounded (Emergency bypasses max_delete_batch
// entirely rather than falling back to it).
func actionForUrgency(urgency float64, level model.PressureLevel) (action model.Action, batch int, release int, unbounded bool) {
	switch {
	case urgency < 0.3:
		return model.Observe, 0, 0, false
	case urgency < 0.6:
		return model.SoftScan, 5, 0, false
	case urgency < 0.9:
		release = 0
		if level == model.Red {
			release = 1
		}
		return model.AggressiveScan, 20, release, false
	default:
		return model.Emergency, 0, 3, true
	}
}

// mountState tracks anti-windup and hysteresis bookkeeping per mount.
type mountState struct {
	integral       float64
	lastAction     model.Action
	belowStreak    int
	lastBatch      int
	lastRelease    int
	lastUnbounded  bool
}

// Controller is the PID-style controller for all tracked mounts.
type Controller struct {
	mu     sync.Mutex
	params Params
	states map[model.MountID]*mountState
}

func New(p Params) *Controller {
	return &Controller{params: p, states: make(map[model.MountID]*mountState)}
}

// Decide computes the control decision for one mount from its current
// pressure level and forecast projection (spec.md's explicit fix:
// urgency is the max of level-urgency and predictive-urgency, never
// level alone).
func (c *Controller) Decide(id model.MountID, level model.PressureLevel, proj model.Projection) model.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[id]
	if !ok {
		st = &mountState{lastAction: model.Observe}
		c.states[id] = st
	}

	predictive := 0.0
	if c.params.ActionHorizon > 0 && proj.Actionable {
		predictive = clamp(1-proj.SecondsToExhaust/c.params.ActionHorizon, 0, 1)
	}

	lu := levelUrgency(level)
	urgency := lu
	if predictive > urgency {
		urgency = predictive
	}

	// Anti-windup: bound the integral accumulator to [-1, 1].
	st.integral = clamp(st.integral+(urgency-0.5)*0.1, -1, 1)

	action, batch, release, unbounded := actionForUrgency(urgency, level)

	if actionRank(action) < actionRank(st.lastAction) {
		st.belowStreak++
		if st.belowStreak < c.params.HysteresisTicks {
			// Hysteresis: hold the previous, higher response until two
			// consecutive sub-threshold ticks confirm the downgrade.
			action = st.lastAction
			batch, release, unbounded = st.lastBatch, st.lastRelease, st.lastUnbounded
		} else {
			st.belowStreak = 0
		}
	} else {
		st.belowStreak = 0
	}

	st.lastAction = action
	st.lastBatch = batch
	st.lastRelease = release
	st.lastUnbounded = unbounded

	return model.Decision{
		MountID:        id,
		Level:          level,
		Urgency:        urgency,
		Action:         action,
		BatchSize:      batch,
		ReleaseBallast: release,
		Unbounded:      unbounded,
	}
}

func actionRank(a model.Action) int {
	switch a {
	case model.Observe:
		return 0
	case model.SoftScan:
		return 1
	case model.AggressiveScan:
		return 2
	case model.ReleaseBallast:
		return 2
	case model.Emergency:
		return 3
	default:
		return 0
	}
}

// Reset clears a mount's controller state.
func (c *Controller) Reset(id model.MountID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, id)
}
