package control_test

import (
	"math"
	"testing"

	"github.com/sbhd/sbhd/internal/control"
	"github.com/sbhd/sbhd/internal/model"
)

func testParams() control.Params {
	return control.Params{ActionHorizon: 1800, HysteresisTicks: 2}
}

func nonActionable() model.Projection {
	return model.Projection{SecondsToExhaust: math.Inf(1), Actionable: false}
}

func TestDecide_GreenObserves(t *testing.T) {
	c := control.New(testParams())
	id := model.MountID{Path: "/"}
	d := c.Decide(id, model.Green, nonActionable())
	if d.Action != model.Observe {
		t.Errorf("expected Observe at Green with no forecast pressure, got %v", d.Action)
	}
}

func TestDecide_UrgencyIsMaxOfLevelAndPredictive(t *testing.T) {
	c := control.New(testParams())
	id := model.MountID{Path: "/"}
	// Low level, but forecast says exhaustion is imminent relative to horizon.
	proj := model.Projection{SecondsToExhaust: 10, Actionable: true}
	d := c.Decide(id, model.Green, proj)
	if d.Urgency < 0.9 {
		t.Errorf("expected predictive urgency to dominate, got urgency=%v action=%v", d.Urgency, d.Action)
	}
	if d.Action != model.Emergency {
		t.Errorf("expected Emergency action from predictive urgency, got %v", d.Action)
	}
}

func TestDecide_CriticalLevelAlwaysEmergency(t *testing.T) {
	c := control.New(testParams())
	id := model.MountID{Path: "/"}
	d := c.Decide(id, model.Critical, nonActionable())
	if d.Action != model.Emergency {
		t.Errorf("expected Emergency at Critical level, got %v", d.Action)
	}
	if !d.Unbounded {
		t.Error("expected Emergency to be unbounded, not capped by BatchSize")
	}
	if d.ReleaseBallast != 3 {
		t.Errorf("expected Emergency to release 3 ballast files, got %d", d.ReleaseBallast)
	}
}

func TestDecide_AggressiveScanReleasesBallastOnlyAtRed(t *testing.T) {
	c := control.New(testParams())
	id := model.MountID{Path: "/"}
	proj := model.Projection{SecondsToExhaust: math.Inf(1), Actionable: true}
	d := c.Decide(id, model.Orange, proj)
	if d.Action == model.AggressiveScan && d.ReleaseBallast != 0 {
		t.Errorf("expected no ballast release at Orange, got %d", d.ReleaseBallast)
	}

	c2 := control.New(testParams())
	d2 := c2.Decide(id, model.Red, proj)
	if d2.Action == model.AggressiveScan && d2.ReleaseBallast != 1 {
		t.Errorf("expected 1 ballast release at Red AggressiveScan, got %d", d2.ReleaseBallast)
	}
}

func TestDecide_HysteresisRequiresTwoTicksToDowngrade(t *testing.T) {
	c := control.New(testParams())
	id := model.MountID{Path: "/"}

	// Ramp up to Emergency via Critical.
	c.Decide(id, model.Critical, nonActionable())

	// Drop straight to Green: first tick should still hold the prior
	// higher response per the hysteresis contract.
	d1 := c.Decide(id, model.Green, nonActionable())
	if d1.Action != model.Emergency {
		t.Errorf("expected hysteresis to hold Emergency on first downgrade tick, got %v", d1.Action)
	}

	d2 := c.Decide(id, model.Green, nonActionable())
	if d2.Action != model.Observe {
		t.Errorf("expected downgrade to Observe after two consecutive sub-threshold ticks, got %v", d2.Action)
	}
}
