package scheduler_test

import (
	"reflect"
	"testing"

	"github.com/sbhd/sbhd/internal/scheduler"
)

func sampleRoots() []scheduler.Root {
	return []scheduler.Root{
		{Path: "/tmp", ProbDeletable: 0.9, ExpectedBytesReclaimed: 1e9, EstimatedWalkCost: 1, HistoricalFPRate: 0.01, TimeSinceLastScanned: 10},
		{Path: "/var/cache", ProbDeletable: 0.7, ExpectedBytesReclaimed: 5e8, EstimatedWalkCost: 2, HistoricalFPRate: 0.02, TimeSinceLastScanned: 100},
		{Path: "/home/user/node_modules", ProbDeletable: 0.5, ExpectedBytesReclaimed: 2e8, EstimatedWalkCost: 3, HistoricalFPRate: 0.05, TimeSinceLastScanned: 1000},
		{Path: "/opt/build", ProbDeletable: 0.1, ExpectedBytesReclaimed: 1e6, EstimatedWalkCost: 5, HistoricalFPRate: 0.1, TimeSinceLastScanned: 5},
	}
}

func testWeights() scheduler.Weights {
	return scheduler.Weights{IOCostWeight: 1, FPRiskWeight: 100, ExplorationWeight: 0.01}
}

func TestSelect_DeterministicGivenIdenticalSeedAndInputs(t *testing.T) {
	p := scheduler.Params{Budget: 3, ExplorationQuota: 0.2, Weights: testWeights(), DegradedStreakThreshold: 3}

	s1 := scheduler.New(42)
	out1 := s1.Select(sampleRoots(), p)

	s2 := scheduler.New(42)
	out2 := s2.Select(sampleRoots(), p)

	if !reflect.DeepEqual(out1, out2) {
		t.Fatalf("expected identical seed to produce identical order, got %v vs %v", out1, out2)
	}
}

func TestSelect_RespectsBudget(t *testing.T) {
	s := scheduler.New(1)
	p := scheduler.Params{Budget: 2, ExplorationQuota: 0.2, Weights: testWeights(), DegradedStreakThreshold: 3}
	out := s.Select(sampleRoots(), p)
	if len(out) != 2 {
		t.Fatalf("expected 2 roots selected, got %d", len(out))
	}
}

func TestSelect_TopEVRootIsFirst(t *testing.T) {
	s := scheduler.New(7)
	p := scheduler.Params{Budget: 1, ExplorationQuota: 0, Weights: testWeights(), DegradedStreakThreshold: 3}
	out := s.Select(sampleRoots(), p)
	if len(out) != 1 || out[0].Path != "/tmp" {
		t.Fatalf("expected /tmp (highest EV) to win with zero exploration quota, got %v", out)
	}
}

func TestDegraded_FallsBackToRoundRobinAfterThreshold(t *testing.T) {
	s := scheduler.New(1)
	s.NoteForecastConfidence(false)
	s.NoteForecastConfidence(false)
	if s.Degraded(3) {
		t.Fatal("should not be degraded before reaching the threshold")
	}
	s.NoteForecastConfidence(false)
	if !s.Degraded(3) {
		t.Fatal("expected degraded state after 3 consecutive low-confidence ticks")
	}
	s.NoteForecastConfidence(true)
	if s.Degraded(3) {
		t.Fatal("a single actionable tick should reset the degraded streak")
	}
}
