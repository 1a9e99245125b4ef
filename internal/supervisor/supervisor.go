// Package supervisor runs the daemon's workers, monitors their
// heartbeats in the shared run-state, and handles the daemon's
// signal-driven lifecycle (spec.md §4.10). The control tick itself runs
// in the monitor worker (cmd/sbhd/main.go's runMonitor).
//
// The signal-channel wiring (SIGHUP hot-reload goroutine alongside a
// blocking SIGINT/SIGTERM wait, root context cancellation fanning out
// to every worker, a bounded drain-with-timeout on shutdown) is
// grounded directly on the teacher's cmd/octoreflex/main.go steps 12-13,
// generalized from a single flat shutdown sequence into a reusable
// Supervisor type so cmd/sbhd/main.go can wire it alongside the
// heartbeat-respawn loop spec.md additionally requires.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sbhd/sbhd/internal/model"
)

// Worker is a long-running component the supervisor monitors and can restart.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Params configures heartbeat monitoring and respawn bounds.
type Params struct {
	HeartbeatTimeout  time.Duration
	RespawnWindow     time.Duration
	MaxRespawns       int
	HeartbeatSampleInterval time.Duration
}

type respawnHistory struct {
	mu    sync.Mutex
	times []time.Time
}

func (h *respawnHistory) record(now time.Time, window time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.times = append(h.times, now)
	cutoff := now.Add(-window)
	kept := h.times[:0]
	for _, t := range h.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.times = kept
	return len(h.times)
}

// Supervisor runs a fixed set of workers, restarts hung ones within
// bounds, and exits the process if a worker exceeds its respawn budget.
type Supervisor struct {
	params  Params
	log     *zap.Logger
	model   *model.Model
	workers []Worker

	reloadFn func()
	forceScanFn func()

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// New constructs a Supervisor bound to the shared model for heartbeat
// sampling.
func New(params Params, log *zap.Logger, m *model.Model) *Supervisor {
	return &Supervisor{params: params, log: log, model: m, cancels: make(map[string]context.CancelFunc)}
}

// OnReload registers the callback invoked on SIGHUP.
func (s *Supervisor) OnReload(fn func()) { s.reloadFn = fn }

// OnForceScan registers the callback invoked on SIGUSR1 (force-scan,
// bypassing the scheduler).
func (s *Supervisor) OnForceScan(fn func()) { s.forceScanFn = fn }

// Run starts every worker under a bounded-respawn supervision loop,
// starts heartbeat sampling, and blocks until a termination signal
// arrives or the context is canceled, then runs the graceful shutdown
// sequence: stop accepting new work, drain, flush, return.
func (s *Supervisor) Run(ctx context.Context, workers []Worker, drain func(context.Context)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	histories := make(map[string]*respawnHistory, len(workers))
	var wg sync.WaitGroup

	for _, w := range workers {
		histories[w.Name] = &respawnHistory{}
		wg.Add(1)
		go s.superviseWorker(ctx, w, histories[w.Name], &wg)
	}

	go s.sampleHeartbeats(ctx)

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-sighup:
				s.log.Info("SIGHUP received — reloading config")
				if s.reloadFn != nil {
					s.reloadFn()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	sigusr1 := make(chan os.Signal, 1)
	signal.Notify(sigusr1, syscall.SIGUSR1)
	go func() {
		for {
			select {
			case <-sigusr1:
				s.log.Info("SIGUSR1 received — forcing immediate scan")
				if s.forceScanFn != nil {
					s.forceScanFn()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	sigTerm := make(chan os.Signal, 1)
	signal.Notify(sigTerm, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigTerm:
		s.log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	cancel()

	drainDone := make(chan struct{})
	go func() {
		drain(context.Background())
		close(drainDone)
	}()
	select {
	case <-drainDone:
	case <-time.After(10 * time.Second):
		s.log.Warn("drain timed out, forcing shutdown")
	}

	wg.Wait()
	s.log.Info("supervisor shutdown complete")
	return nil
}

func (s *Supervisor) superviseWorker(ctx context.Context, w Worker, history *respawnHistory, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		workerCtx, workerCancel := context.WithCancel(ctx)
		s.setCancel(w.Name, workerCancel)

		err := s.runOnce(workerCtx, w)
		workerCancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Error("worker exited with error", zap.String("worker", w.Name), zap.Error(err))
		}

		count := history.record(time.Now(), s.params.RespawnWindow)
		if count > s.params.MaxRespawns {
			s.log.Error("worker exceeded respawn budget, exiting process",
				zap.String("worker", w.Name), zap.Int("respawns", count))
			os.Exit(3)
		}
		s.log.Warn("respawning worker", zap.String("worker", w.Name), zap.Int("respawn_count", count))
	}
}

// runOnce runs a single worker attempt, converting a panic into an
// error so a bug in one worker respawns that worker instead of taking
// down the daemon (spec.md §4.10's panic-respawn supervision).
func (s *Supervisor) runOnce(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", w.Name, r)
		}
	}()
	return w.Run(ctx)
}

func (s *Supervisor) setCancel(name string, cancel context.CancelFunc) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.cancels[name] = cancel
}

// cancelWorker cancels the current attempt's context for the named
// worker, causing its Run to return so superviseWorker can respawn it.
func (s *Supervisor) cancelWorker(name string) {
	s.cancelMu.Lock()
	cancel, ok := s.cancels[name]
	s.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Supervisor) sampleHeartbeats(ctx context.Context) {
	interval := s.params.HeartbeatSampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := make(map[string]uint64)
	for {
		select {
		case <-ticker.C:
			for name, hb := range s.model.Heartbeats {
				count, at := hb.Snapshot()
				if count == last[name] && time.Since(at) > s.params.HeartbeatTimeout {
					s.log.Warn("worker heartbeat stalled, forcing restart", zap.String("worker", name), zap.Duration("since", time.Since(at)))
					s.cancelWorker(name)
				}
				last[name] = count
			}
		case <-ctx.Done():
			return
		}
	}
}
