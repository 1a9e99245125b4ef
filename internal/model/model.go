// Package model defines the shared data types that flow through the SBH
// daemon core pipeline: mount descriptors, pressure samples, forecaster
// state, control decisions, candidates, and the shared reader/writer
// locked run-state that the state publisher snapshots.
//
// Variants (pressure level, danger class, control action, directory
// role) are closed tagged sums with String() methods — no runtime
// polymorphism, mirroring the teacher daemon's escalation.State.

package model

import (
	"fmt"
	"sync"
	"time"
)

// PressureLevel is a discrete severity tier derived from free-percent
// crossings. Levels are totally ordered: Green > Yellow > Orange > Red
// > Critical (spec.md §8 invariant 1).
type PressureLevel int

const (
	Green PressureLevel = iota
	Yellow
	Orange
	Red
	Critical
)

func (p PressureLevel) String() string {
	switch p {
	case Green:
		return "Green"
	case Yellow:
		return "Yellow"
	case Orange:
		return "Orange"
	case Red:
		return "Red"
	case Critical:
		return "Critical"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// LevelFromFreePct classifies a free-percent reading against the
// descending threshold table. Thresholds are assumed pre-validated
// (strictly descending) by config.Validate.
func LevelFromFreePct(freePct, green, yellow, orange, red float64) PressureLevel {
	switch {
	case freePct >= green:
		return Green
	case freePct >= yellow:
		return Yellow
	case freePct >= orange:
		return Orange
	case freePct >= red:
		return Red
	default:
		return Critical
	}
}

// DangerClass is produced by the forecaster from projected exhaustion time.
type DangerClass int

const (
	DangerNone DangerClass = iota
	DangerWarning
	DangerAction
	DangerImminent
	DangerCritical
)

func (d DangerClass) String() string {
	switch d {
	case DangerNone:
		return "None"
	case DangerWarning:
		return "Warning"
	case DangerAction:
		return "Action"
	case DangerImminent:
		return "Imminent"
	case DangerCritical:
		return "Critical"
	default:
		return fmt.Sprintf("Unknown(%d)", int(d))
	}
}

// Trend classifies the recent direction of a mount's free-space trend.
type Trend int

const (
	Improving Trend = iota
	Stable
	Degrading
	Accelerating
)

func (t Trend) String() string {
	switch t {
	case Improving:
		return "Improving"
	case Stable:
		return "Stable"
	case Degrading:
		return "Degrading"
	case Accelerating:
		return "Accelerating"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// Action is the discrete response chosen by the PID controller.
type Action int

const (
	Observe Action = iota
	SoftScan
	AggressiveScan
	ReleaseBallast
	Emergency
)

func (a Action) String() string {
	switch a {
	case Observe:
		return "Observe"
	case SoftScan:
		return "SoftScan"
	case AggressiveScan:
		return "AggressiveScan"
	case ReleaseBallast:
		return "ReleaseBallast"
	case Emergency:
		return "Emergency"
	default:
		return fmt.Sprintf("Unknown(%d)", int(a))
	}
}

// DirectoryRole is inferred from the nearest ancestor directory name
// matching a known role pattern.
type DirectoryRole int

const (
	RoleGeneric DirectoryRole = iota
	RoleTemp
	RoleBuildOutput
	RoleDependencyCache
	RoleNodeModules
	RoleSource
)

func (r DirectoryRole) String() string {
	switch r {
	case RoleTemp:
		return "Temp"
	case RoleBuildOutput:
		return "BuildOutput"
	case RoleDependencyCache:
		return "DependencyCache"
	case RoleNodeModules:
		return "NodeModules"
	case RoleSource:
		return "Source"
	default:
		return "Generic"
	}
}

// VetoReason enumerates the hard-veto rules the executor enforces.
type VetoReason int

const (
	VetoNone VetoReason = iota
	VetoProtectedMarker
	VetoProtectedGlob
	VetoTooYoung
	VetoUnderVCS
	VetoParentUnwritable
	VetoOpenFile
	VetoRepeatCooldown
	VetoNotExists
	VetoNotRegularFile
)

func (v VetoReason) String() string {
	switch v {
	case VetoProtectedMarker:
		return "ProtectedMarker"
	case VetoProtectedGlob:
		return "ProtectedGlob"
	case VetoTooYoung:
		return "TooYoung"
	case VetoUnderVCS:
		return "UnderVCS"
	case VetoParentUnwritable:
		return "ParentUnwritable"
	case VetoOpenFile:
		return "OpenFile"
	case VetoRepeatCooldown:
		return "RepeatCooldown"
	case VetoNotExists:
		return "NotExists"
	case VetoNotRegularFile:
		return "NotRegularFile"
	default:
		return "None"
	}
}

// MountID is a stable mount identity: device id + mount path.
type MountID struct {
	DeviceID string
	Path     string
}

func (m MountID) String() string { return m.DeviceID + ":" + m.Path }

// Mount describes a filesystem mount and its current pressure state.
type Mount struct {
	ID             MountID
	TotalBytes     uint64
	FreeBytes      uint64
	Level          PressureLevel
	Special        bool
	SpecialWeight  float64
	PollInterval   time.Duration
	FreeBufferFrac float64 // special-location override threshold buffer
}

func (m Mount) FreePct() float64 {
	if m.TotalBytes == 0 {
		return 0
	}
	return 100 * float64(m.FreeBytes) / float64(m.TotalBytes)
}

// PressureSample is (mount id, free_bytes, timestamp); consumed only
// by the forecaster, never persisted.
type PressureSample struct {
	MountID   MountID
	FreeBytes uint64
	Timestamp time.Time
}

// Projection is produced each tick from forecaster state and the
// configured danger-class horizons.
type Projection struct {
	MountID           MountID
	SecondsToExhaust  float64 // math.Inf(1) if never
	DangerClass       DangerClass
	Confidence        float64
	Actionable        bool
	Trend             Trend
}

// Decision is the control decision emitted by the PID controller.
type Decision struct {
	Timestamp      time.Time
	MountID        MountID
	Level          PressureLevel
	Urgency        float64
	Action         Action
	BatchSize      int
	ReleaseBallast int  // ballast files to release this tick, 0 if none
	Unbounded      bool // true for Emergency: scan bypasses BatchSize/MaxDeleteBatch entirely
}

// FactorScores decomposes a candidate's five weighted factors.
type FactorScores struct {
	Location  float64
	Pattern   float64
	Age       float64
	Size      float64
	Structure float64
}

// Candidate is a single file discovered by the walker and scored by
// the scoring engine.
type Candidate struct {
	Path       string
	Size       int64
	Mtime      time.Time
	Ctime      time.Time
	Role       DirectoryRole
	PatternID  string // empty if no pattern matched
	Score      float64
	Factors    FactorScores
	Vetoes     []VetoReason
}

// HasHardVeto reports whether this candidate carries any hard veto
// (spec.md §8 invariant 3: such a candidate is never deleted regardless
// of score).
func (c Candidate) HasHardVeto() bool {
	return len(c.Vetoes) > 0
}

// Counters are rolling counters surfaced in the published state snapshot.
type Counters struct {
	Scans       uint64
	Deletions   uint64
	BytesFreed  uint64
	Errors      uint64
}

// LastScanSummary summarizes the most recently completed scan.
type LastScanSummary struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Candidates int
	Deleted    int
}

// WorkerHeartbeat tracks a monotonically increasing per-worker counter.
type WorkerHeartbeat struct {
	mu      sync.Mutex
	counter uint64
	lastAt  time.Time
}

// Beat increments the heartbeat counter and records the wall-clock time.
func (h *WorkerHeartbeat) Beat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counter++
	h.lastAt = time.Now()
}

// Snapshot returns the current counter value and last-beat time.
func (h *WorkerHeartbeat) Snapshot() (uint64, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counter, h.lastAt
}

// Model is the single shared, reader/writer-locked run-state.
// Constructed once in main, passed by reference to every worker — no
// package-level singleton (spec.md §9).
type Model struct {
	mu sync.RWMutex

	Mounts     map[MountID]Mount
	Projections map[MountID]Projection
	Counters   Counters
	LastScan   LastScanSummary
	StartedAt  time.Time
	Heartbeats map[string]*WorkerHeartbeat
}

// NewModel constructs an empty Model with heartbeat trackers for the
// given worker names.
func NewModel(workers []string) *Model {
	m := &Model{
		Mounts:      make(map[MountID]Mount),
		Projections: make(map[MountID]Projection),
		StartedAt:   time.Now(),
		Heartbeats:  make(map[string]*WorkerHeartbeat, len(workers)),
	}
	for _, w := range workers {
		m.Heartbeats[w] = &WorkerHeartbeat{}
	}
	return m
}

// UpdateMount writes a mount descriptor under the write lock.
func (m *Model) UpdateMount(mount Mount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Mounts[mount.ID] = mount
}

// MountSnapshot returns a copy of the current mount map.
func (m *Model) MountSnapshot() map[MountID]Mount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[MountID]Mount, len(m.Mounts))
	for k, v := range m.Mounts {
		out[k] = v
	}
	return out
}

// UpdateProjection writes a projection under the write lock.
func (m *Model) UpdateProjection(p Projection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Projections[p.MountID] = p
}

// ProjectionSnapshot returns a copy of the current projection map.
func (m *Model) ProjectionSnapshot() map[MountID]Projection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[MountID]Projection, len(m.Projections))
	for k, v := range m.Projections {
		out[k] = v
	}
	return out
}

// AddBytesFreed and friends mutate counters atomically under the lock.
func (m *Model) AddBytesFreed(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters.BytesFreed += n
}

func (m *Model) IncDeletions(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters.Deletions += n
}

func (m *Model) IncScans() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters.Scans++
}

func (m *Model) IncErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters.Errors++
}

func (m *Model) SetLastScan(s LastScanSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastScan = s
}

// CountersSnapshot returns a copy of the rolling counters.
func (m *Model) CountersSnapshot() Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Counters
}

// LastScanSnapshot returns a copy of the last scan summary.
func (m *Model) LastScanSnapshot() LastScanSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastScan
}
