package forecast_test

import (
	"math"
	"testing"
	"time"

	"github.com/sbhd/sbhd/internal/forecast"
	"github.com/sbhd/sbhd/internal/model"
)

func testParams() forecast.Params {
	return forecast.Params{
		AlphaMin:        0.2,
		AlphaMax:        0.9,
		ShiftFraction:   0.05,
		MinConfidence:   0.7,
		WindowSize:      5,
		HorizonCritical: 2 * time.Minute,
		HorizonImminent: 5 * time.Minute,
		HorizonAction:   30 * time.Minute,
		HorizonWarning:  60 * time.Minute,
	}
}

func TestObserve_GrowingFreeSpaceNeverExhausts(t *testing.T) {
	f := forecast.New(testParams())
	id := model.MountID{DeviceID: "/dev/sda1", Path: "/"}
	base := time.Now()

	var proj model.Projection
	for i := 0; i < 10; i++ {
		proj = f.Observe(id, uint64(1000+i*100), base.Add(time.Duration(i)*time.Second), 10000)
	}
	if !math.IsInf(proj.SecondsToExhaust, 1) {
		t.Errorf("expected +Inf for growing free space, got %v", proj.SecondsToExhaust)
	}
	if proj.DangerClass != model.DangerNone {
		t.Errorf("expected DangerNone, got %v", proj.DangerClass)
	}
}

func TestObserve_ShrinkingFreeSpaceProjectsFiniteTime(t *testing.T) {
	f := forecast.New(testParams())
	id := model.MountID{DeviceID: "/dev/sda1", Path: "/"}
	base := time.Now()

	var proj model.Projection
	free := 10000
	for i := 0; i < 10; i++ {
		proj = f.Observe(id, uint64(free), base.Add(time.Duration(i)*time.Second), 10000)
		free -= 500
	}
	if math.IsInf(proj.SecondsToExhaust, 1) {
		t.Fatal("expected finite projection for steadily shrinking free space")
	}
	if proj.SecondsToExhaust < 0 {
		t.Errorf("projection must not be negative, got %v", proj.SecondsToExhaust)
	}
}

func TestObserve_ConfidenceNonDecreasingUntilShift(t *testing.T) {
	f := forecast.New(testParams())
	id := model.MountID{DeviceID: "/dev/sda1", Path: "/"}
	base := time.Now()

	var last float64
	for i := 0; i < 15; i++ {
		proj := f.Observe(id, uint64(10000-i*10), base.Add(time.Duration(i)*time.Second), 10000)
		if proj.Confidence < last-1e-9 {
			t.Errorf("tick %d: confidence decreased from %v to %v without a shift", i, last, proj.Confidence)
		}
		last = proj.Confidence
	}
}

func TestReset_ClearsState(t *testing.T) {
	f := forecast.New(testParams())
	id := model.MountID{DeviceID: "/dev/sda1", Path: "/"}
	f.Observe(id, 5000, time.Now(), 10000)
	f.Reset(id)
	proj := f.Observe(id, 5000, time.Now(), 10000)
	if proj.SecondsToExhaust != math.Inf(1) {
		t.Errorf("expected fresh state after reset to report +Inf on first sample, got %v", proj.SecondsToExhaust)
	}
}
