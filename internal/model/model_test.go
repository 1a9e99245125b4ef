package model_test

import (
	"testing"
	"time"

	"github.com/sbhd/sbhd/internal/model"
)

func TestLevelFromFreePct_DescendingThresholds(t *testing.T) {
	cases := []struct {
		freePct float64
		want    model.PressureLevel
	}{
		{50, model.Green},
		{40, model.Green},
		{30, model.Yellow},
		{20, model.Orange},
		{10, model.Red},
		{2, model.Critical},
	}
	for _, c := range cases {
		got := model.LevelFromFreePct(c.freePct, 40, 25, 15, 8)
		if got != c.want {
			t.Errorf("LevelFromFreePct(%v): got %v, want %v", c.freePct, got, c.want)
		}
	}
}

func TestMount_FreePct(t *testing.T) {
	m := model.Mount{TotalBytes: 1000, FreeBytes: 250}
	if got := m.FreePct(); got != 25 {
		t.Errorf("FreePct: got %v, want 25", got)
	}
}

func TestMount_FreePct_ZeroTotalIsZeroNotNaN(t *testing.T) {
	m := model.Mount{TotalBytes: 0, FreeBytes: 0}
	if got := m.FreePct(); got != 0 {
		t.Errorf("FreePct with zero total: got %v, want 0", got)
	}
}

func TestCandidate_HasHardVeto(t *testing.T) {
	clean := model.Candidate{Path: "/tmp/a"}
	if clean.HasHardVeto() {
		t.Error("expected no veto on a fresh candidate")
	}
	vetoed := model.Candidate{Path: "/tmp/b", Vetoes: []model.VetoReason{model.VetoOpenFile}}
	if !vetoed.HasHardVeto() {
		t.Error("expected veto to be reported")
	}
}

func TestModel_CountersAccumulate(t *testing.T) {
	m := model.NewModel([]string{"scanner"})
	m.AddBytesFreed(100)
	m.AddBytesFreed(50)
	m.IncDeletions(2)
	m.IncScans()
	m.IncErrors()

	c := m.CountersSnapshot()
	if c.BytesFreed != 150 {
		t.Errorf("BytesFreed: got %d, want 150", c.BytesFreed)
	}
	if c.Deletions != 2 {
		t.Errorf("Deletions: got %d, want 2", c.Deletions)
	}
	if c.Scans != 1 {
		t.Errorf("Scans: got %d, want 1", c.Scans)
	}
	if c.Errors != 1 {
		t.Errorf("Errors: got %d, want 1", c.Errors)
	}
}

func TestModel_MountAndProjectionSnapshot(t *testing.T) {
	m := model.NewModel(nil)
	id := model.MountID{DeviceID: "/dev/sda1", Path: "/"}
	m.UpdateMount(model.Mount{ID: id, TotalBytes: 1000, FreeBytes: 100, Level: model.Red})
	m.UpdateProjection(model.Projection{MountID: id, DangerClass: model.DangerAction})

	mounts := m.MountSnapshot()
	mnt, ok := mounts[id]
	if !ok || mnt.Level != model.Red {
		t.Fatalf("expected mount %v at Red, got %+v (ok=%v)", id, mnt, ok)
	}

	projections := m.ProjectionSnapshot()
	proj, ok := projections[id]
	if !ok || proj.DangerClass != model.DangerAction {
		t.Fatalf("expected projection %v at DangerAction, got %+v (ok=%v)", id, proj, ok)
	}
}

func TestWorkerHeartbeat_BeatAdvancesCounterAndTimestamp(t *testing.T) {
	var hb model.WorkerHeartbeat
	c0, t0 := hb.Snapshot()
	if c0 != 0 {
		t.Fatalf("expected zero initial counter, got %d", c0)
	}

	hb.Beat()
	c1, t1 := hb.Snapshot()
	if c1 != c0+1 {
		t.Errorf("expected counter to advance by one, got %d -> %d", c0, c1)
	}
	if !t1.After(t0) && t1 != t0 {
		t.Errorf("expected timestamp to advance or stay equal, got %v -> %v", t0, t1)
	}
}

func TestModel_HeartbeatsInitializedForEachWorker(t *testing.T) {
	m := model.NewModel([]string{"monitor", "scanner", "ballast"})
	for _, name := range []string{"monitor", "scanner", "ballast"} {
		if _, ok := m.Heartbeats[name]; !ok {
			t.Errorf("expected heartbeat entry for worker %q", name)
		}
	}
}

func TestPressureLevel_StringRoundTrip(t *testing.T) {
	levels := []model.PressureLevel{model.Green, model.Yellow, model.Orange, model.Red, model.Critical}
	names := []string{"Green", "Yellow", "Orange", "Red", "Critical"}
	for i, l := range levels {
		if got := l.String(); got != names[i] {
			t.Errorf("level %d: got %q, want %q", i, got, names[i])
		}
	}
}

func TestLastScanSnapshot_ReflectsSetLastScan(t *testing.T) {
	m := model.NewModel(nil)
	now := time.Now()
	summary := model.LastScanSummary{StartedAt: now, FinishedAt: now.Add(time.Second), Candidates: 5, Deleted: 2}
	m.SetLastScan(summary)

	got := m.LastScanSnapshot()
	if got.Candidates != 5 || got.Deleted != 2 {
		t.Errorf("expected last scan summary to round-trip, got %+v", got)
	}
}
