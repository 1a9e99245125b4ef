// Package executor runs the pre-flight safety gate and batched delete
// for scored candidates, with a circuit breaker and repeat-deletion
// dampening (spec.md §4.7).
//
// The circuit breaker's mutex-guarded failure counter plus a cool-down
// checked on the next allow() call (no timer) are grounded on the
// teacher's budget.Bucket,
// generalized from a token bucket (cost consumption against a
// periodically refilled capacity) to a trip counter that opens after N
// consecutive unexpected failures and half-opens after a cool-down.
package executor

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sbhd/sbhd/internal/events"
	"github.com/sbhd/sbhd/internal/model"
	"github.com/sbhd/sbhd/internal/probe"
	"github.com/sbhd/sbhd/internal/sbherr"
)

// Params configures one executor instance.
type Params struct {
	MinFileAge       time.Duration
	MaxDeleteBatch   int
	CircuitTripCount int
	CircuitCooldown  time.Duration
	CooldownBase     time.Duration
	CooldownCap      time.Duration
	CooldownQuietPeriod time.Duration

	// DeleteFile overrides the actual file removal call. Nil uses
	// os.Remove. Exists so tests can inject deterministic unexpected
	// failures (e.g. EACCES) to exercise the circuit breaker without
	// depending on filesystem permission bits.
	DeleteFile func(path string) error
}

// CircuitState is the breaker's closed tagged sum of states.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "Open"
	case CircuitHalfOpen:
		return "HalfOpen"
	default:
		return "Closed"
	}
}

// circuitBreaker trips after CircuitTripCount consecutive unexpected
// failures and resets to HalfOpen after CircuitCooldown elapses.
type circuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	consecutiveFails int
	openedAt         time.Time
	tripCount        int
	cooldown         time.Duration
}

func newCircuitBreaker(tripCount int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{tripCount: tripCount, cooldown: cooldown}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// recordResult reports whether the trip just occurred and whether the
// breaker just transitioned out of Open/HalfOpen back to Closed.
func (cb *circuitBreaker) recordResult(unexpectedFailure bool) (tripped, closed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !unexpectedFailure {
		cb.consecutiveFails = 0
		wasOpen := cb.state != CircuitClosed
		cb.state = CircuitClosed
		return false, wasOpen
	}
	cb.consecutiveFails++
	if cb.consecutiveFails >= cb.tripCount && cb.state != CircuitOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		return true, false
	}
	return false, false
}

func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// repeatRecord tracks exponential cooldown for a (dir, pattern) fingerprint.
type repeatRecord struct {
	lastDeleted      time.Time
	consecutiveCount int
	cooldown         time.Duration
}

// Executor runs the seven-step pre-flight gate and batched delete.
type Executor struct {
	params     Params
	cb         *circuitBreaker
	deleteFile func(string) error

	mu      sync.Mutex
	repeats map[string]*repeatRecord
}

func New(p Params) *Executor {
	del := p.DeleteFile
	if del == nil {
		del = defaultDeleteFile
	}
	return &Executor{
		params:     p,
		cb:         newCircuitBreaker(p.CircuitTripCount, p.CircuitCooldown),
		deleteFile: del,
		repeats:    make(map[string]*repeatRecord),
	}
}

// CircuitState reports the current breaker state.
func (e *Executor) CircuitState() CircuitState { return e.cb.State() }

func fingerprint(path, patternID string) string {
	return filepath.Dir(path) + "|" + patternID
}

// preflight runs the seven-step gate in spec.md §4.7's exact order,
// short-circuiting on first failure and returning the veto reason.
func (e *Executor) preflight(c model.Candidate, openFiles map[string]bool, now time.Time) model.VetoReason {
	// 1. File still exists and is a regular file (not a symlink).
	info, err := os.Lstat(c.Path)
	if err != nil {
		return model.VetoNotExists
	}
	if info.Mode()&os.ModeSymlink != 0 || !info.Mode().IsRegular() {
		return model.VetoNotRegularFile
	}

	// 2. Parent directory is writable by the effective user.
	parent := filepath.Dir(c.Path)
	if !isWritable(parent) {
		return model.VetoParentUnwritable
	}

	// 3. No .git/ or VCS directory anywhere in the ancestor chain.
	if underVCS(c.Path) {
		return model.VetoUnderVCS
	}

	// 4. File age >= min_file_age_minutes.
	if now.Sub(info.ModTime()) < e.params.MinFileAge {
		return model.VetoTooYoung
	}

	// 5. File not currently open by any process (best-effort).
	if probe.IsOpen(openFiles, c.Path) {
		return model.VetoOpenFile
	}

	// 6. Path not in protection registry (hard vetoes already computed
	// by the walker/scoring stage surface here as pre-populated Vetoes).
	if c.HasHardVeto() {
		return c.Vetoes[0]
	}

	// 7. Repeat-deletion dampening cooldown satisfied.
	if !e.cooldownSatisfied(fingerprint(c.Path, c.PatternID), now) {
		return model.VetoRepeatCooldown
	}

	return model.VetoNone
}

func isWritable(dir string) bool {
	return unix.Faccessat(unix.AT_FDCWD, dir, unix.W_OK, unix.AT_EACCESS) == nil
}

func underVCS(path string) bool {
	dir := filepath.Dir(path)
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
	}
}

func (e *Executor) cooldownSatisfied(fp string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.repeats[fp]
	if !ok {
		return true
	}
	if now.Sub(r.lastDeleted) >= e.params.CooldownQuietPeriod {
		delete(e.repeats, fp)
		return true
	}
	return now.Sub(r.lastDeleted) >= r.cooldown
}

func (e *Executor) recordDeletion(fp string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.repeats[fp]
	if !ok {
		r = &repeatRecord{cooldown: e.params.CooldownBase}
		e.repeats[fp] = r
	} else {
		r.consecutiveCount++
		next := r.cooldown * 2
		if next > e.params.CooldownCap {
			next = e.params.CooldownCap
		}
		r.cooldown = next
	}
	r.lastDeleted = now
}

// Outcome is emitted per candidate processed in a batch.
type Outcome struct {
	Candidate  model.Candidate
	Deleted    bool
	Veto       model.VetoReason
	BytesFreed int64
	Err        error
}

// RunBatch processes up to MaxDeleteBatch candidates in order, unless
// unbounded is set (spec.md §4.3: Emergency bypasses max_delete_batch
// entirely rather than falling back to it). It halts early (without
// processing remaining candidates) if the circuit breaker trips
// mid-batch.
func (e *Executor) RunBatch(candidates []model.Candidate, unbounded bool, seq *events.Sequencer, emit func(events.Event)) []Outcome {
	if !unbounded && len(candidates) > e.params.MaxDeleteBatch {
		candidates = candidates[:e.params.MaxDeleteBatch]
	}

	openFiles, _ := probe.OpenFiles()
	now := time.Now()

	var outcomes []Outcome
	for _, c := range candidates {
		if !e.cb.allow() {
			break
		}

		veto := e.preflight(c, openFiles, now)
		if veto != model.VetoNone {
			ev := seq.New(events.DeleteVetoed)
			ev.Path = c.Path
			ev.Payload["veto_reason"] = veto.String()
			emit(ev)
			outcomes = append(outcomes, Outcome{Candidate: c, Veto: veto})
			continue
		}

		attemptEv := seq.New(events.DeleteAttempted)
		attemptEv.Path = c.Path
		emit(attemptEv)

		err := e.deleteFile(c.Path)
		unexpected := err != nil && !isExpectedConcurrentDeleteError(err)
		tripped, closed := e.cb.recordResult(unexpected)
		if tripped {
			openEv := seq.New(events.CircuitOpened)
			emit(openEv)
		}
		if closed {
			closedEv := seq.New(events.CircuitClosed)
			emit(closedEv)
		}

		if err != nil {
			outcomes = append(outcomes, Outcome{Candidate: c, Err: err})
			errEv := seq.New(events.ErrorEvent)
			errEv.Path = c.Path
			errEv.Payload["error"] = err.Error()
			emit(errEv)
			continue
		}

		e.recordDeletion(fingerprint(c.Path, c.PatternID), now)

		succEv := seq.New(events.DeleteSucceeded)
		succEv.Path = c.Path
		succEv.Bytes = uint64(c.Size)
		emit(succEv)

		outcomes = append(outcomes, Outcome{Candidate: c, Deleted: true, BytesFreed: c.Size})
	}
	return outcomes
}

func defaultDeleteFile(path string) error {
	if err := os.Remove(path); err != nil {
		return sbherr.Wrap(sbherr.Io, "delete candidate", err).WithPath(path)
	}
	return nil
}

func isExpectedConcurrentDeleteError(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}
