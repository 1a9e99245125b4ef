// Package events defines the Activity event tagged union that every
// SBH worker emits onto the logger's bounded channel (spec.md §3, §5).
//
// Sequence ids are assigned at production time via a per-process
// atomic counter, combined with a per-run google/uuid.UUID stamped
// once at startup, so that sequence ids are unique per process run
// (spec.md §3) and external consumers can tell two runs' id spaces
// apart even across a restart where counters reset to zero.
//
// Ordering guarantee (spec.md §5): events for a single mount are
// totally ordered by sequence id assigned at production time,
// regardless of delivery interleaving across sinks. Producers must
// call Sequencer.New() exactly once per event, synchronously, before
// handing the event to any channel.

package events

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind is a closed tagged sum over the activity event variants.
type Kind int

const (
	PressureSample Kind = iota
	ForecastEmitted
	DecisionMade
	ScanStarted
	ScanFinished
	CandidateScored
	DeleteAttempted
	DeleteSucceeded
	DeleteVetoed
	BallastReleased
	BallastReplenished
	ErrorEvent
	Heartbeat
	LoggerDegraded
	CircuitOpened
	CircuitClosed
	ConfigReloaded
)

func (k Kind) String() string {
	switch k {
	case PressureSample:
		return "PressureSample"
	case ForecastEmitted:
		return "ForecastEmitted"
	case DecisionMade:
		return "DecisionMade"
	case ScanStarted:
		return "ScanStarted"
	case ScanFinished:
		return "ScanFinished"
	case CandidateScored:
		return "CandidateScored"
	case DeleteAttempted:
		return "DeleteAttempted"
	case DeleteSucceeded:
		return "DeleteSucceeded"
	case DeleteVetoed:
		return "DeleteVetoed"
	case BallastReleased:
		return "BallastReleased"
	case BallastReplenished:
		return "BallastReplenished"
	case ErrorEvent:
		return "Error"
	case Heartbeat:
		return "Heartbeat"
	case LoggerDegraded:
		return "LoggerDegraded"
	case CircuitOpened:
		return "CircuitOpened"
	case CircuitClosed:
		return "CircuitClosed"
	case ConfigReloaded:
		return "ConfigReloaded"
	default:
		return "Unknown"
	}
}

// Event is a single structured activity record.
type Event struct {
	Seq       uint64                 `json:"seq"`
	RunID     string                 `json:"run_id"`
	Timestamp time.Time              `json:"ts"`
	Kind      Kind                   `json:"kind"`
	Mount     string                 `json:"mount,omitempty"`
	Path      string                 `json:"path,omitempty"`
	Bytes     uint64                 `json:"bytes,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Sequencer assigns monotonically increasing sequence ids for one
// process run. Safe for concurrent use by multiple producer goroutines.
type Sequencer struct {
	runID   string
	counter atomic.Uint64
}

// NewSequencer stamps a fresh run id and starts the counter at zero.
func NewSequencer() *Sequencer {
	return &Sequencer{runID: uuid.NewString()}
}

// RunID returns this process run's stable identifier.
func (s *Sequencer) RunID() string { return s.runID }

// New produces a fully-sequenced Event of the given kind, stamped with
// the current wall-clock time and this sequencer's run id.
func (s *Sequencer) New(kind Kind) Event {
	return Event{
		Seq:       s.counter.Add(1),
		RunID:     s.runID,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Payload:   map[string]interface{}{},
	}
}
