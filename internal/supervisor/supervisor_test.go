package supervisor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sbhd/sbhd/internal/model"
	"github.com/sbhd/sbhd/internal/supervisor"
)

func testParams() supervisor.Params {
	return supervisor.Params{
		HeartbeatTimeout:        30 * time.Second,
		RespawnWindow:           5 * time.Minute,
		MaxRespawns:             3,
		HeartbeatSampleInterval: 10 * time.Millisecond,
	}
}

func TestRun_GracefulShutdownOnContextCancel(t *testing.T) {
	m := model.NewModel([]string{"w1"})
	s := supervisor.New(testParams(), zap.NewNop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	workers := []supervisor.Worker{
		{Name: "w1", Run: func(ctx context.Context) error {
			ran.Store(true)
			<-ctx.Done()
			return nil
		}},
	}

	done := make(chan struct{})
	go func() {
		s.Run(ctx, workers, func(context.Context) {})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	if !ran.Load() {
		t.Error("expected worker to have run")
	}
}

func TestRun_PanickingWorkerIsRespawnedNotFatal(t *testing.T) {
	m := model.NewModel([]string{"w1"})
	s := supervisor.New(testParams(), zap.NewNop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	workers := []supervisor.Worker{
		{Name: "w1", Run: func(ctx context.Context) error {
			n := attempts.Add(1)
			if n == 1 {
				panic("boom")
			}
			<-ctx.Done()
			return nil
		}},
	}

	done := make(chan struct{})
	go func() {
		s.Run(ctx, workers, func(context.Context) {})
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for attempts.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("expected the panicking worker to be respawned at least once")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRun_StalledHeartbeatForcesWorkerRestart(t *testing.T) {
	m := model.NewModel([]string{"w1"})
	params := testParams()
	params.HeartbeatTimeout = 20 * time.Millisecond
	params.HeartbeatSampleInterval = 5 * time.Millisecond
	params.MaxRespawns = 1000 // this worker never beats, so it restarts every tick by design
	s := supervisor.New(params, zap.NewNop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts atomic.Int32
	workers := []supervisor.Worker{
		{Name: "w1", Run: func(ctx context.Context) error {
			starts.Add(1)
			// Never beats its own heartbeat: simulates a hang.
			<-ctx.Done()
			return nil
		}},
	}

	done := make(chan struct{})
	go func() {
		s.Run(ctx, workers, func(context.Context) {})
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for starts.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("expected a stalled heartbeat to force a worker restart")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRun_DrainCalledOnShutdown(t *testing.T) {
	m := model.NewModel(nil)
	s := supervisor.New(testParams(), zap.NewNop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	var drained atomic.Bool

	done := make(chan struct{})
	go func() {
		s.Run(ctx, nil, func(context.Context) { drained.Store(true) })
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if !drained.Load() {
		t.Error("expected drain callback to be invoked on shutdown")
	}
}
