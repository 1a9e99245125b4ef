// Package forecast maintains per-mount EWMA forecaster state and
// projects time-to-exhaustion (spec.md §4.2).
//
// The adaptive-alpha EWMA and the thread-safety contract (one
// Accumulator per key, lock held across read-modify-write) are
// grounded on the teacher's escalation.Accumulator. Generalized here
// to track two coupled series (free bytes and their rate of change)
// instead of one scalar, and to grow alpha on a distribution shift
// rather than taking it as a fixed construction parameter.
package forecast

import (
	"math"
	"sync"
	"time"

	"github.com/sbhd/sbhd/internal/model"
)

// Params configures the adaptive-alpha bounds and confidence model.
// Threaded through from config.Pressure.Prediction at construction time.
type Params struct {
	AlphaMin         float64
	AlphaMax         float64
	ShiftFraction    float64 // fraction of total_bytes that triggers an alpha grow
	MinConfidence    float64
	WindowSize       int // sliding window length for acceleration estimate
	HorizonCritical  time.Duration
	HorizonImminent  time.Duration
	HorizonAction    time.Duration
	HorizonWarning   time.Duration
}

// state is the per-mount forecaster accumulator.
type state struct {
	alpha       float64
	ewmaFree    float64
	ewmaRate    float64
	lastFree    float64
	lastAt      time.Time
	rateWindow  []float64
	sampleCount int
	totalBytes  float64
}

// Forecaster tracks one state per mount under a single mutex — mount
// counts are small (tens, not thousands) so a single lock beats a
// sync.Map's overhead and keeps Reset's semantics simple.
type Forecaster struct {
	mu     sync.Mutex
	params Params
	states map[model.MountID]*state
}

func New(p Params) *Forecaster {
	return &Forecaster{params: p, states: make(map[model.MountID]*state)}
}

// Observe folds one pressure sample into the mount's forecaster state
// and returns the resulting projection. totalBytes must be the
// mount's current total capacity (used to scale the shift-fraction
// threshold and size confidence).
func (f *Forecaster) Observe(id model.MountID, freeBytes uint64, at time.Time, totalBytes uint64) model.Projection {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.states[id]
	if !ok {
		st = &state{alpha: f.params.AlphaMin, ewmaFree: float64(freeBytes), lastFree: float64(freeBytes), lastAt: at}
		f.states[id] = st
	}
	st.totalBytes = float64(totalBytes)

	free := float64(freeBytes)
	dt := at.Sub(st.lastAt).Seconds()

	shift := math.Abs(free - st.ewmaFree)
	threshold := f.params.ShiftFraction * st.totalBytes
	if threshold > 0 && shift > threshold {
		st.alpha = math.Min(f.params.AlphaMax, st.alpha*1.5)
		st.sampleCount = 0 // distribution shift resets confidence growth
	} else {
		st.alpha = math.Max(f.params.AlphaMin, st.alpha*0.98)
	}

	st.ewmaFree = st.alpha*st.ewmaFree + (1-st.alpha)*free

	if dt > 0 {
		instantRate := (free - st.lastFree) / dt
		st.ewmaRate = st.alpha*st.ewmaRate + (1-st.alpha)*instantRate
		st.rateWindow = append(st.rateWindow, instantRate)
		if len(st.rateWindow) > f.params.WindowSize {
			st.rateWindow = st.rateWindow[len(st.rateWindow)-f.params.WindowSize:]
		}
	}

	st.lastFree = free
	st.lastAt = at
	st.sampleCount++

	accel := accelerationEstimate(st.rateWindow)
	secs := projectTime(st.ewmaFree, st.ewmaRate, accel)
	confidence := confidenceScore(st.sampleCount, st.rateWindow, f.params.MinConfidence)

	return model.Projection{
		MountID:          id,
		SecondsToExhaust: secs,
		DangerClass:      classify(secs, f.params),
		Confidence:       confidence,
		Actionable:       confidence >= f.params.MinConfidence,
		Trend:            trendFromRate(st.ewmaRate, accel, st.totalBytes),
	}
}

// accelerationEstimate fits a crude second-order term from the recent
// rate window: the mean of consecutive differences.
func accelerationEstimate(window []float64) float64 {
	if len(window) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(window); i++ {
		sum += window[i] - window[i-1]
	}
	return sum / float64(len(window)-1)
}

// projectTime solves free0 + rate*t + 0.5*accel*t^2 = 0 for the
// smallest positive root (spec.md §4.2). rate >= 0 means free space is
// growing or flat: never exhausts, return +Inf. A negligible or
// negative-discriminant quadratic term collapses to the linear solve.
func projectTime(free0, rate, accel float64) float64 {
	if rate >= 0 {
		return math.Inf(1)
	}
	if math.Abs(accel) < 1e-9 {
		return linearProject(free0, rate)
	}

	a := 0.5 * accel
	b := rate
	c := free0
	disc := b*b - 4*a*c
	if disc < 0 {
		return linearProject(free0, rate)
	}

	sqrtDisc := math.Sqrt(disc)
	t1 := (-b + sqrtDisc) / (2 * a)
	t2 := (-b - sqrtDisc) / (2 * a)

	best := math.Inf(1)
	for _, t := range []float64{t1, t2} {
		if t > 0 && t < best {
			best = t
		}
	}
	if math.IsInf(best, 1) {
		return linearProject(free0, rate)
	}
	return best
}

func linearProject(free0, rate float64) float64 {
	if rate >= 0 {
		return math.Inf(1)
	}
	t := -free0 / rate
	if t < 0 {
		return 0
	}
	return t
}

// confidenceScore combines sample count and residual variance (via the
// rate window's spread) into [0,1]. How recent the samples are is not
// taken into account.
func confidenceScore(sampleCount int, window []float64, minConfidence float64) float64 {
	countScore := math.Min(1.0, float64(sampleCount)/20.0)

	varianceScore := 1.0
	if len(window) >= 2 {
		mean := 0.0
		for _, v := range window {
			mean += v
		}
		mean /= float64(len(window))
		var variance float64
		for _, v := range window {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(window))
		stddev := math.Sqrt(variance)
		scale := math.Abs(mean)
		if scale < 1 {
			scale = 1
		}
		cv := stddev / scale
		varianceScore = 1.0 / (1.0 + cv)
	}

	score := 0.6*countScore + 0.4*varianceScore
	_ = minConfidence
	return math.Max(0, math.Min(1, score))
}

func classify(secs float64, p Params) model.DangerClass {
	switch {
	case secs <= p.HorizonCritical.Seconds():
		return model.DangerCritical
	case secs <= p.HorizonImminent.Seconds():
		return model.DangerImminent
	case secs <= p.HorizonAction.Seconds():
		return model.DangerAction
	case secs <= p.HorizonWarning.Seconds():
		return model.DangerWarning
	default:
		return model.DangerNone
	}
}

func trendFromRate(rate, accel, totalBytes float64) model.Trend {
	if totalBytes <= 0 {
		return model.Stable
	}
	relRate := rate / totalBytes
	switch {
	case relRate > 0.0001:
		return model.Improving
	case relRate < -0.0005 && accel < 0:
		return model.Accelerating
	case relRate < -0.0001:
		return model.Degrading
	default:
		return model.Stable
	}
}

// Reset clears a mount's forecaster state, e.g. after the mount
// disappears or a manual calibration reset.
func (f *Forecaster) Reset(id model.MountID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, id)
}
