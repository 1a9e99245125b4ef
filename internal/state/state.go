// Package state publishes an atomic snapshot of the shared model to a
// state file for external readers (spec.md §4.11, §6).
//
// Atomic tmp+rename is grounded on the teacher's own state-file
// writers throughout the daemon (e.g. the ballast lock file's O_EXCL
// create pattern uses the same "never leave a half-written file
// visible" discipline) generalized here to a JSON snapshot at an
// owner-only (0600) mode.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sbhd/sbhd/internal/model"
)

// Snapshot is the stable external schema (spec.md §6).
type Snapshot struct {
	PID            int                       `json:"pid"`
	Version        string                    `json:"version"`
	StartedAt      time.Time                 `json:"started_at"`
	WrittenAt      time.Time                 `json:"written_at"`
	Heartbeats     map[string]WorkerBeat     `json:"heartbeats"`
	Mounts         map[string]MountSnapshot  `json:"mounts"`
	Ballast        map[string]BallastSummary `json:"ballast"`
	Counters       model.Counters            `json:"counters"`
	LastScan       model.LastScanSummary     `json:"last_scan"`
}

type WorkerBeat struct {
	Counter uint64    `json:"counter"`
	LastAt  time.Time `json:"last_at"`
}

type MountSnapshot struct {
	FreePct          float64 `json:"free_pct"`
	Level            string  `json:"level"`
	SecondsToExhaust float64 `json:"seconds_to_exhaust"`
	DangerClass      string  `json:"danger_class"`
}

type BallastSummary struct {
	IntendedCount int `json:"intended_count"`
	PresentCount  int `json:"present_count"`
}

// StaleAfter is the threshold readers should use to decide a state
// file reflects a dead daemon (spec.md §4.11).
const StaleAfter = 90 * time.Second

// Publisher periodically writes a Snapshot atomically to path.
type Publisher struct {
	path    string
	version string
}

func New(path, version string) *Publisher {
	return &Publisher{path: path, version: version}
}

// Publish writes snap to a temp file in the same directory and
// renames it over the final path, so readers never observe a
// partially written file.
func (p *Publisher) Publish(snap Snapshot) error {
	snap.WrittenAt = time.Now()
	snap.Version = p.version

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("state.Publish: marshal: %w", err)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("state.Publish: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("state.Publish: write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("state.Publish: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("state.Publish: close: %w", err)
	}

	if err := os.Rename(tmpPath, p.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("state.Publish: rename: %w", err)
	}
	return nil
}

// IsStale reports whether a snapshot read from disk should be treated
// as "daemon not running" per spec.md §4.11.
func IsStale(writtenAt time.Time, now time.Time) bool {
	return now.Sub(writtenAt) > StaleAfter
}

// BuildSnapshot assembles a Snapshot from the live model.
func BuildSnapshot(m *model.Model, pid int, startedAt time.Time) Snapshot {
	mounts := m.MountSnapshot()
	projections := m.ProjectionSnapshot()

	mountOut := make(map[string]MountSnapshot, len(mounts))
	for id, mount := range mounts {
		proj := projections[id]
		mountOut[id.String()] = MountSnapshot{
			FreePct:          mount.FreePct(),
			Level:            mount.Level.String(),
			SecondsToExhaust: proj.SecondsToExhaust,
			DangerClass:      proj.DangerClass.String(),
		}
	}

	heartbeats := make(map[string]WorkerBeat, len(m.Heartbeats))
	for name, hb := range m.Heartbeats {
		c, at := hb.Snapshot()
		heartbeats[name] = WorkerBeat{Counter: c, LastAt: at}
	}

	return Snapshot{
		PID:        pid,
		StartedAt:  startedAt,
		Heartbeats: heartbeats,
		Mounts:     mountOut,
		Counters:   m.CountersSnapshot(),
		LastScan:   m.LastScanSnapshot(),
	}
}
