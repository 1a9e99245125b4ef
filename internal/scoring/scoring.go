// Package scoring computes the five weighted factor scores for a
// candidate and the Bayesian expected-loss keep/delete decision
// (spec.md §4.6).
package scoring

import (
	"math"
	"time"

	"github.com/sbhd/sbhd/internal/model"
)

// Weights mirrors config.Scoring's weight fields; threaded through at
// construction time rather than read from a global.
type Weights struct {
	Location  float64
	Pattern   float64
	Age       float64
	Size      float64
	Structure float64
}

// Costs are the asymmetric Bayesian decision costs.
type Costs struct {
	FalsePositive float64 // cost of deleting something that should be kept
	FalseNegative float64 // cost of keeping something that should be deleted
}

// Params configures one scoring pass.
type Params struct {
	Weights          Weights
	Costs            Costs
	CalibrationFloor float64
	MinScore         float64
	CharacteristicSize float64 // bytes, for the size factor's exponential curve
}

// Engine scores candidates and decides keep/delete. Calibration is
// in-memory, process-local state adjusted by ApplyCalibrationSignal.
type Engine struct {
	params      Params
	calibration float64 // multiplier in [CalibrationFloor, 1.0]
}

func New(p Params) *Engine {
	return &Engine{params: p, calibration: 1.0}
}

// Score computes the five factor scores and the combined weighted
// score for a candidate, given a patternMatched flag and age.
func (e *Engine) Score(c *model.Candidate, patternMatched bool, now time.Time) {
	age := now.Sub(c.Mtime)

	factors := model.FactorScores{
		Location:  locationScore(c.Role),
		Pattern:   patternScore(patternMatched),
		Age:       ageScore(age, c.Role),
		Size:      sizeScore(c.Size, e.params.CharacteristicSize),
		Structure: structureScore(c.Role),
	}

	w := e.params.Weights
	combined := w.Location*factors.Location +
		w.Pattern*factors.Pattern +
		w.Age*factors.Age +
		w.Size*factors.Size +
		w.Structure*factors.Structure

	combined *= e.calibration

	c.Factors = factors
	c.Score = clamp01(combined)
}

func locationScore(role model.DirectoryRole) float64 {
	switch role {
	case model.RoleTemp:
		return 1.0
	case model.RoleDependencyCache, model.RoleNodeModules:
		return 0.8
	case model.RoleBuildOutput:
		return 0.6
	case model.RoleSource:
		return 0.05
	default:
		return 0.3
	}
}

func patternScore(matched bool) float64 {
	if matched {
		return 1.0
	}
	return 0.0
}

// ageScore peaks in the 4-10h window; files younger than 10 minutes
// score 0 (also a hard veto elsewhere); temp files keep high score
// indefinitely past the peak, build outputs decay slowly.
func ageScore(age time.Duration, role model.DirectoryRole) float64 {
	minutes := age.Minutes()
	if minutes < 10 {
		return 0
	}
	hours := age.Hours()

	switch {
	case hours < 4:
		return 0.4 + 0.6*(hours/4)
	case hours <= 10:
		return 1.0
	default:
		decayHours := hours - 10
		switch role {
		case model.RoleTemp:
			return 1.0
		case model.RoleBuildOutput:
			return math.Max(0.5, 1.0-decayHours/500)
		default:
			return math.Max(0.3, 1.0-decayHours/120)
		}
	}
}

// sizeScore uses diminishing returns: score = 1 - exp(-bytes/characteristic_size).
func sizeScore(bytes int64, characteristicSize float64) float64 {
	if characteristicSize <= 0 {
		characteristicSize = 10 * 1024 * 1024
	}
	return 1 - math.Exp(-float64(bytes)/characteristicSize)
}

func structureScore(role model.DirectoryRole) float64 {
	switch role {
	case model.RoleNodeModules, model.RoleDependencyCache:
		return 0.9
	case model.RoleBuildOutput:
		return 0.7
	case model.RoleTemp:
		return 0.8
	default:
		return 0.2
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Decide applies the Bayesian expected-loss comparison: expected loss
// of Keep vs Delete, tie goes to Keep (spec.md §4.6).
func (e *Engine) Decide(score float64) bool {
	pDeleteCorrect := clamp01(score)
	pKeepCorrect := 1 - pDeleteCorrect

	lossKeep := pDeleteCorrect * e.params.Costs.FalseNegative
	lossDelete := pKeepCorrect * e.params.Costs.FalsePositive

	if score < e.params.MinScore {
		return false
	}
	if lossDelete < lossKeep {
		return true
	}
	return false // tie or Keep cheaper: Keep
}

// ApplyCalibrationSignal nudges the calibration multiplier after a
// post-hoc "this deletion was wrong" signal, clamped to
// [CalibrationFloor, 1.0].
func (e *Engine) ApplyCalibrationSignal(wasWrong bool) {
	if wasWrong {
		e.calibration -= 0.05
	} else {
		e.calibration += 0.01
	}
	if e.calibration < e.params.CalibrationFloor {
		e.calibration = e.params.CalibrationFloor
	}
	if e.calibration > 1.0 {
		e.calibration = 1.0
	}
}

// Calibration returns the current calibration multiplier.
func (e *Engine) Calibration() float64 { return e.calibration }
