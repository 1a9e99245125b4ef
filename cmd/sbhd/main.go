// Package main — cmd/sbhd/main.go
//
// sbhd daemon entrypoint.
//
// Startup sequence:
//  1. Parse flags (-config, -version).
//  2. Load and validate config from /etc/sbhd/config.toml.
//  3. Initialise structured logger (zap).
//  4. Open BoltDB ballast-pool metadata store.
//  5. Open the dual activity logger (sqlite+jsonl with degradation chain).
//  6. Construct the shared model and per-worker pipeline components.
//  7. Start the Prometheus metrics server (loopback only).
//  8. Provision ballast pools for every tracked mount (if auto_provision).
//  9. Start the state-snapshot publisher.
// 10. Hand the monitor/scanner/ballast workers to the supervisor and
//     block until SIGINT/SIGTERM, with SIGHUP reload and SIGUSR1
//     force-scan wired in along the way.
//
// Shutdown sequence (on SIGINT/SIGTERM, via supervisor.Run's drain callback):
//  1. Stop accepting new scan decisions.
//  2. Flush and close the dual activity logger.
//  3. Publish one final state snapshot.
//  4. Close BoltDB.
//  5. Flush the zap logger.
//
// On config load failure: exit 2 immediately (no partial state).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/dustin/go-humanize"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sbhd/sbhd/internal/ballast"
	"github.com/sbhd/sbhd/internal/config"
	"github.com/sbhd/sbhd/internal/control"
	"github.com/sbhd/sbhd/internal/dlog"
	"github.com/sbhd/sbhd/internal/events"
	"github.com/sbhd/sbhd/internal/executor"
	"github.com/sbhd/sbhd/internal/forecast"
	"github.com/sbhd/sbhd/internal/model"
	"github.com/sbhd/sbhd/internal/observability"
	"github.com/sbhd/sbhd/internal/probe"
	"github.com/sbhd/sbhd/internal/scheduler"
	"github.com/sbhd/sbhd/internal/scoring"
	"github.com/sbhd/sbhd/internal/state"
	"github.com/sbhd/sbhd/internal/storage"
	"github.com/sbhd/sbhd/internal/supervisor"
	"github.com/sbhd/sbhd/internal/walker"
)

func main() {
	configPath := flag.String("config", "/etc/sbhd/config.toml", "Path to config.toml")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("sbhd %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(2)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync() //nolint:errcheck

	undoMaxProcs, err := maxprocs.Set(maxprocs.Logger(func(f string, a ...interface{}) { log.Sugar().Infof(f, a...) }))
	if err != nil {
		log.Warn("automaxprocs failed to set GOMAXPROCS", zap.Error(err))
	}
	defer undoMaxProcs()

	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.FromCgroupHybrid),
	); err != nil {
		log.Debug("automemlimit: no cgroup memory limit found, leaving GOMEMLIMIT unset", zap.Error(err))
	} else {
		log.Info("automemlimit set GOMEMLIMIT from cgroup", zap.String("limit", humanize.IBytes(uint64(limit))))
	}

	log.Info("sbhd starting",
		zap.String("version", config.Version),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
		zap.String("policy_mode", string(cfg.Policy.Mode)),
	)

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		log.Fatal("failed to create data directory", zap.Error(err), zap.String("path", cfg.Paths.DataDir))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── BoltDB: ballast pool metadata ───────────────────────────────────
	boltPath := filepath.Join(cfg.Paths.DataDir, "pools.db")
	db, err := storage.Open(boltPath)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", boltPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("ballast metadata store opened", zap.String("path", boltPath))

	// ── Dual activity logger ────────────────────────────────────────────
	seq := events.NewSequencer()
	metrics := observability.NewMetrics()

	activityLog, err := dlog.Open(dlog.Params{
		SqlitePath: cfg.Paths.SqlitePath,
		JSONLPath:  cfg.Paths.JSONLPath,
		DevShmPath: filepath.Join("/dev/shm", "sbhd-"+cfg.NodeID+".jsonl"),
		ChannelCap: cfg.Agent.LoggerChanCap,
		Seq:        seq,
		OnSQLiteFailure: func(n uint64) {
			metrics.LoggerSQLiteFailuresTotal.Inc()
		},
		OnDegraded: func() {
			metrics.LoggerDegraded.Set(1)
		},
	}, log)
	if err != nil {
		log.Fatal("activity logger open failed", zap.Error(err))
	}
	defer activityLog.Close() //nolint:errcheck

	emit := func(ev events.Event) { activityLog.Emit(ev) }

	// ── Shared model and worker names ───────────────────────────────────
	workerNames := []string{"monitor", "scanner", "ballast"}
	m := model.NewModel(workerNames)

	// ── Pipeline components ──────────────────────────────────────────────
	fc := forecast.New(forecast.Params{
		AlphaMin:        cfg.Pressure.Prediction.AlphaMin,
		AlphaMax:        cfg.Pressure.Prediction.AlphaMax,
		ShiftFraction:   cfg.Pressure.Prediction.ShiftFraction,
		MinConfidence:   cfg.Pressure.Prediction.MinConfidence,
		WindowSize:      8,
		HorizonCritical: time.Duration(cfg.Pressure.Prediction.CriticalSeconds) * time.Second,
		HorizonImminent: time.Duration(cfg.Pressure.Prediction.ImminentSeconds) * time.Second,
		HorizonAction:   time.Duration(cfg.Pressure.Prediction.ActionSeconds) * time.Second,
		HorizonWarning:  time.Duration(cfg.Pressure.Prediction.WarningSeconds) * time.Second,
	})

	ctl := control.New(control.Params{
		ActionHorizon:   cfg.Pressure.Prediction.ActionSeconds,
		HysteresisTicks: 2,
	})

	sched := scheduler.New(cfg.Scheduler.RNGSeed)
	rootStats := newRootTracker(cfg.Scanner.RootPaths)

	scoreEngine := scoring.New(scoring.Params{
		Weights: scoring.Weights{
			Location:  cfg.Scoring.WeightLocation,
			Pattern:   cfg.Scoring.WeightPattern,
			Age:       cfg.Scoring.WeightAge,
			Size:      cfg.Scoring.WeightSize,
			Structure: cfg.Scoring.WeightStructure,
		},
		Costs: scoring.Costs{
			FalsePositive: cfg.Scoring.CostFalsePositive,
			FalseNegative: cfg.Scoring.CostFalseNegative,
		},
		CalibrationFloor:  cfg.Scoring.CalibrationFloor,
		MinScore:          cfg.Scoring.MinScore,
		CharacteristicSize: cfg.Scoring.CharacteristicSizeBytes,
	})

	exec := executor.New(executor.Params{
		MinFileAge:          time.Duration(cfg.Scanner.MinFileAgeMinutes) * time.Minute,
		MaxDeleteBatch:      cfg.Scanner.MaxDeleteBatch,
		CircuitTripCount:    cfg.Executor.CircuitTripCount,
		CircuitCooldown:     cfg.Executor.CircuitCooldown,
		CooldownBase:        time.Duration(cfg.Scanner.RepeatCooldownBaseSeconds) * time.Second,
		CooldownCap:         time.Duration(cfg.Scanner.RepeatCooldownCapSeconds) * time.Second,
		CooldownQuietPeriod: time.Duration(cfg.Scanner.RepeatQuietPeriodSeconds) * time.Second,
	})

	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Ballast pools ─────────────────────────────────────────────────────
	pools := provisionBallastPools(cfg, db, log, metrics)

	statePublisher := state.New(cfg.Paths.StateFile, config.Version)
	startedAt := time.Now()

	decisions := make(chan model.Decision, cfg.Agent.ScannerChanCap)

	sup := supervisor.New(supervisor.Params{
		HeartbeatTimeout:        cfg.Agent.HeartbeatTimeout,
		RespawnWindow:           5 * time.Minute,
		MaxRespawns:             3,
		HeartbeatSampleInterval: time.Second,
	}, log, m)

	forceScan := make(chan struct{}, 1)
	sup.OnForceScan(func() {
		select {
		case forceScan <- struct{}{}:
		default:
		}
	})

	var liveCfg = cfg
	sup.OnReload(func() {
		newCfg, err := config.Load(*configPath)
		if err != nil {
			log.Error("config hot-reload failed — retaining previous config", zap.Error(err))
			return
		}
		liveCfg = newCfg
		emit(seq.New(events.ConfigReloaded))
		log.Info("config hot-reload successful", zap.String("policy_mode", string(newCfg.Policy.Mode)))
	})

	workers := []supervisor.Worker{
		{
			Name: "monitor",
			Run: func(ctx context.Context) error {
				return runMonitor(ctx, m, fc, ctl, sched, decisions, pools, &liveCfg, log, seq, emit, metrics)
			},
		},
		{
			Name: "scanner",
			Run: func(ctx context.Context) error {
				return runScanner(ctx, m, sched, rootStats, scoreEngine, exec, decisions, forceScan, &liveCfg, log, seq, emit, metrics)
			},
		},
		{
			Name: "ballast",
			Run: func(ctx context.Context) error {
				return runBallastWorker(ctx, pools, &liveCfg, log, seq, emit, metrics)
			},
		},
	}

	go runStatePublisher(ctx, statePublisher, m, startedAt, cfg.Agent.StatePublishPeriod, log)

	drain := func(drainCtx context.Context) {
		log.Info("draining: closing activity logger")
		if err := activityLog.Close(); err != nil {
			log.Warn("activity logger close error", zap.Error(err))
		}
		snap := state.BuildSnapshot(m, os.Getpid(), startedAt)
		if err := statePublisher.Publish(snap); err != nil {
			log.Warn("final state publish failed", zap.Error(err))
		}
		for _, p := range pools {
			_ = p.pool.Unlock()
		}
	}

	if err := sup.Run(ctx, workers, drain); err != nil {
		log.Error("supervisor exited with error", zap.Error(err))
	}

	log.Info("sbhd shutdown complete")
}

func crossDevicePolicy(cross bool) walker.CrossDevicePolicy {
	if cross {
		return walker.FollowDevice
	}
	return walker.StayOnDevice
}

// poolHandle pairs a ballast pool with the live file set the ballast
// worker verifies and replenishes over the pool's lifetime.
type poolHandle struct {
	mu        sync.Mutex
	pool      *ballast.Pool
	mountPath string
	fileCount int
	files     []ballast.File
}

// provisionBallastPools opens (and auto-provisions, if configured) one
// ballast pool per mount discovered at startup.
func provisionBallastPools(cfg *config.Config, db *storage.DB, log *zap.Logger, metrics *observability.Metrics) map[string]*poolHandle {
	pools := make(map[string]*poolHandle)
	mounts, err := probe.ListMounts(probe.ListOptions{})
	if err != nil {
		log.Warn("ballast: failed to list mounts, skipping provisioning", zap.Error(err))
		return pools
	}

	for _, mnt := range mounts {
		fileCount := cfg.Ballast.FileCount
		fileSize := cfg.Ballast.FileSizeBytes
		for _, ov := range cfg.Ballast.PerMountOverrides {
			if ov.MountPath == mnt.ID.Path {
				fileCount = ov.FileCount
				fileSize = ov.FileSizeBytes
			}
		}
		if fileCount <= 0 {
			continue
		}

		dir := filepath.Join(mnt.ID.Path, cfg.Ballast.DirName)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			log.Warn("ballast: cannot create pool directory", zap.String("mount", mnt.ID.Path), zap.Error(err))
			continue
		}

		pool := ballast.NewPool(mnt.ID.String(), dir, "p0", fileSize, db)
		if err := pool.Lock(); err != nil {
			log.Warn("ballast: failed to lock pool, another process owns it", zap.String("mount", mnt.ID.Path), zap.Error(err))
			continue
		}

		handle := &poolHandle{pool: pool, mountPath: mnt.ID.Path, fileCount: fileCount}

		if cfg.Ballast.AutoProvision {
			files, err := pool.Provision(fileCount)
			if err != nil {
				log.Error("ballast: provisioning failed", zap.String("mount", mnt.ID.Path), zap.Error(err))
			} else {
				handle.files = files
				metrics.BallastPresentFiles.WithLabelValues(mnt.ID.Path).Set(float64(len(files)))
				log.Info("ballast pool provisioned", zap.String("mount", mnt.ID.Path), zap.Int("files", len(files)))
			}
		}

		pools[mnt.ID.String()] = handle
	}
	return pools
}

// runMonitor samples every tracked mount on pressure.poll_interval_ms,
// folds the sample into the forecaster, and pushes a control decision
// onto the decisions channel.
func runMonitor(
	ctx context.Context,
	m *model.Model,
	fc *forecast.Forecaster,
	ctl *control.Controller,
	sched *scheduler.Scheduler,
	decisions chan<- model.Decision,
	pools map[string]*poolHandle,
	cfg **config.Config,
	log *zap.Logger,
	seq *events.Sequencer,
	emit func(events.Event),
	metrics *observability.Metrics,
) error {
	interval := time.Duration((*cfg).Pressure.PollIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	hb := m.Heartbeats["monitor"]
	lastPolled := make(map[model.MountID]time.Time)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c := *cfg
			mounts, err := probe.ListMounts(probe.ListOptions{})
			if err != nil {
				log.Warn("monitor: list mounts failed", zap.Error(err))
				m.IncErrors()
				continue
			}

			specialLocs, serr := probe.DetectSpecialLocations()
			if serr != nil {
				log.Debug("monitor: special location detection failed", zap.Error(serr))
			}
			specialByPath := make(map[string]probe.SpecialLocation, len(specialLocs))
			for _, sl := range specialLocs {
				specialByPath[sl.MountPoint] = sl
			}

			now := time.Now()
			for _, mnt := range mounts {
				green, yellow, orange, red := c.Pressure.GreenPct, c.Pressure.YellowPct, c.Pressure.OrangePct, c.Pressure.RedPct
				pollInterval := interval
				if loc, ok := specialByPath[mnt.ID.Path]; ok {
					mnt.Special = true
					mnt.SpecialWeight = loc.Priority
					mnt.FreeBufferFrac = loc.FreeBufferFrac
					pollInterval = time.Duration(loc.PollInterval) * time.Millisecond
					mnt.PollInterval = pollInterval

					buffer := loc.FreeBufferFrac * 100
					green, yellow, orange, red = green+buffer, yellow+buffer, orange+buffer, red+buffer
				}

				if due, ok := lastPolled[mnt.ID]; ok && now.Sub(due) < pollInterval {
					continue
				}
				lastPolled[mnt.ID] = now

				mnt.Level = model.LevelFromFreePct(mnt.FreePct(), green, yellow, orange, red)
				m.UpdateMount(mnt)

				proj := fc.Observe(mnt.ID, mnt.FreeBytes, now, mnt.TotalBytes)
				m.UpdateProjection(proj)
				sched.NoteForecastConfidence(proj.Actionable)

				decision := ctl.Decide(mnt.ID, mnt.Level, proj)

				ev := seq.New(events.PressureSample)
				ev.Mount = mnt.ID.String()
				ev.Bytes = mnt.FreeBytes
				emit(ev)

				fev := seq.New(events.ForecastEmitted)
				fev.Mount = mnt.ID.String()
				fev.Payload["seconds_to_exhaust"] = proj.SecondsToExhaust
				fev.Payload["danger_class"] = proj.DangerClass.String()
				emit(fev)

				if decision.ReleaseBallast > 0 {
					if h, ok := pools[mnt.ID.String()]; ok {
						releaseBallast(h, decision.ReleaseBallast, seq, emit, metrics, log)
					}
				}

				if decision.Action != model.Observe {
					select {
					case decisions <- decision:
					default:
						log.Warn("monitor: decisions channel full, dropping decision", zap.String("mount", mnt.ID.String()))
					}
				}

				dev := seq.New(events.DecisionMade)
				dev.Mount = mnt.ID.String()
				dev.Payload["action"] = decision.Action.String()
				dev.Payload["urgency"] = decision.Urgency
				emit(dev)
			}

			if hb != nil {
				hb.Beat()
			}
		}
	}
}

// releaseBallast releases n ballast files from the pool backing mount
// h, updates the live file set and gauges, and emits BallastReleased
// (spec.md §4.3: ballast decisions flow directly from the monitor to
// the ballast manager).
func releaseBallast(h *poolHandle, n int, seq *events.Sequencer, emit func(events.Event), metrics *observability.Metrics, log *zap.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()

	released, freed, err := h.pool.Release(h.files, n)
	if err != nil {
		log.Error("ballast: release failed", zap.String("mount", h.mountPath), zap.Error(err))
		return
	}
	if len(released) == 0 {
		return
	}

	releasedIdx := make(map[uint32]bool, len(released))
	for _, f := range released {
		releasedIdx[f.Index] = true
	}
	remaining := h.files[:0:0]
	for _, f := range h.files {
		if releasedIdx[f.Index] {
			continue
		}
		remaining = append(remaining, f)
	}
	h.files = remaining

	metrics.BallastPresentFiles.WithLabelValues(h.mountPath).Set(float64(len(h.files)))
	metrics.BallastReleasedTotal.Add(float64(len(released)))

	ev := seq.New(events.BallastReleased)
	ev.Mount = h.mountPath
	ev.Bytes = uint64(freed)
	ev.Payload["files_released"] = len(released)
	emit(ev)

	log.Info("ballast: released files under pressure",
		zap.String("mount", h.mountPath),
		zap.Int("files", len(released)),
		zap.String("freed", humanize.Bytes(uint64(freed))),
	)
}

// rootTracker holds the historical VOI signals the scheduler needs to
// rank scan roots, keyed by root path. Each tick's outcome feeds back
// into the tracked root so future selections reflect what was actually
// found there (spec.md §4.4's "learn from what scans turn up").
type rootTracker struct {
	mu    sync.Mutex
	stats map[string]*scheduler.Root
}

func newRootTracker(paths []string) *rootTracker {
	t := &rootTracker{stats: make(map[string]*scheduler.Root, len(paths))}
	for _, p := range paths {
		t.stats[p] = &scheduler.Root{Path: p, ProbDeletable: 0.5, ExpectedBytesReclaimed: 1, EstimatedWalkCost: 1}
	}
	return t
}

func (t *rootTracker) snapshot(now time.Time) []scheduler.Root {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]scheduler.Root, 0, len(t.stats))
	for _, r := range t.stats {
		out = append(out, *r)
	}
	return out
}

func (t *rootTracker) recordOutcome(path string, candidatesFound int, bytesReclaimed uint64, walkDuration time.Duration, lastScanned time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.stats[path]
	if !ok {
		r = &scheduler.Root{Path: path}
		t.stats[path] = r
	}
	r.ProbDeletable = 0.7*r.ProbDeletable + 0.3*boolToFloat(candidatesFound > 0)
	r.ExpectedBytesReclaimed = 0.7*r.ExpectedBytesReclaimed + 0.3*float64(bytesReclaimed)
	r.EstimatedWalkCost = 0.7*r.EstimatedWalkCost + 0.3*walkDuration.Seconds()
	r.TimeSinceLastScanned = 0
	for other, stat := range t.stats {
		if other != path {
			stat.TimeSinceLastScanned += walkDuration.Seconds()
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// runScanner reacts to control decisions (or SIGUSR1 force-scan) by
// selecting roots via the VOI scheduler, walking them, scoring
// candidates, and running the deletion executor over what survives.
func runScanner(
	ctx context.Context,
	m *model.Model,
	sched *scheduler.Scheduler,
	roots *rootTracker,
	scoreEngine *scoring.Engine,
	exec *executor.Executor,
	decisions <-chan model.Decision,
	forceScan <-chan struct{},
	cfg **config.Config,
	log *zap.Logger,
	seq *events.Sequencer,
	emit func(events.Event),
	metrics *observability.Metrics,
) error {
	hb := m.Heartbeats["scanner"]

	runScan := func(batchSize int, unbounded bool) {
		c := *cfg
		if !unbounded && batchSize <= 0 {
			batchSize = c.Scanner.MaxDeleteBatch
		}

		startedAt := time.Now()
		startEv := seq.New(events.ScanStarted)
		emit(startEv)
		metrics.ScansTotal.Inc()

		candidateRoots := roots.snapshot(startedAt)
		selected := sched.Select(candidateRoots, scheduler.Params{
			Budget:           c.Scheduler.ScanBudgetPerInterval,
			ExplorationQuota: c.Scheduler.ExplorationFraction,
			Weights: scheduler.Weights{
				IOCostWeight:      c.Scheduler.IOCostWeight,
				FPRiskWeight:      c.Scheduler.FPRiskWeight,
				ExplorationWeight: c.Scheduler.ExplorationWeight,
			},
			DegradedStreakThreshold: c.Scheduler.FallbackAfterTicks,
		})
		if len(selected) == 0 {
			return
		}

		selectedPaths := make([]string, len(selected))
		for i, r := range selected {
			selectedPaths[i] = r.Path
		}

		wlk := walker.New(walker.Options{
			Roots:             selectedPaths,
			ProtectedGlobs:    c.Scanner.ProtectedGlobs,
			Concurrency:       c.Scanner.Parallelism,
			CrossDevicePolicy: crossDevicePolicy(c.Scanner.CrossDevices),
		})

		candidates, err := wlk.Walk(ctx)
		if err != nil {
			log.Error("scanner: walk failed", zap.Error(err))
			m.IncErrors()
			return
		}

		now := time.Now()
		var deletable []model.Candidate
		for i := range candidates {
			scoreEngine.Score(&candidates[i], candidates[i].PatternID != "", now)
			metrics.CandidatesScoredTotal.Inc()
			metrics.CandidateScoreHistogram.Observe(candidates[i].Score)

			cev := seq.New(events.CandidateScored)
			cev.Path = candidates[i].Path
			cev.Payload["score"] = candidates[i].Score
			emit(cev)

			if candidates[i].HasHardVeto() {
				continue
			}
			if scoreEngine.Decide(candidates[i].Score) {
				deletable = append(deletable, candidates[i])
			}
		}

		if !unbounded && len(deletable) > batchSize {
			deletable = deletable[:batchSize]
		}

		outcomes := exec.RunBatch(deletable, unbounded, seq, emit)
		var freed uint64
		var deletedCount uint64
		for _, o := range outcomes {
			if o.Deleted {
				freed += uint64(o.BytesFreed)
				deletedCount++
			}
		}
		m.AddBytesFreed(freed)
		m.IncDeletions(deletedCount)
		m.IncScans()
		metrics.BytesFreedTotal.Add(float64(freed))
		metrics.DeletionsTotal.WithLabelValues("succeeded").Add(float64(deletedCount))
		metrics.CircuitState.Set(float64(exec.CircuitState()))

		m.SetLastScan(model.LastScanSummary{
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
			Candidates: len(candidates),
			Deleted:    int(deletedCount),
		})

		finEv := seq.New(events.ScanFinished)
		finEv.Bytes = freed
		emit(finEv)

		walkDuration := time.Since(startedAt)
		for _, path := range selectedPaths {
			roots.recordOutcome(path, len(candidates), freed, walkDuration, startedAt)
		}

		log.Info("scan complete",
			zap.Int("candidates", len(candidates)),
			zap.Uint64("deleted", deletedCount),
			zap.String("freed", humanize.Bytes(freed)),
			zap.Duration("duration", time.Since(startedAt)),
		)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-forceScan:
			runScan(0, false)
		case d := <-decisions:
			runScan(d.BatchSize, d.Unbounded)
		}
		if hb != nil {
			hb.Beat()
		}
	}
}

// runBallastWorker periodically verifies ballast pool integrity and
// replenishes missing or corrupt files up to the pool's intended count.
// Files go missing either through releaseBallast (the monitor's
// response to pressure) or when a scan deletes a ballast file directly
// (it scores like any other temp-directory artifact). The worker runs
// every ballast.replenish_cooldown_minutes whatever the current
// pressure level; it does not wait for the mount to return to Green.
func runBallastWorker(
	ctx context.Context,
	pools map[string]*poolHandle,
	cfg **config.Config,
	log *zap.Logger,
	seq *events.Sequencer,
	emit func(events.Event),
	metrics *observability.Metrics,
) error {
	ticker := time.NewTicker(time.Duration((*cfg).Ballast.ReplenishCooldownMins) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for mountID, h := range pools {
				h.mu.Lock()
				corrupt, verr := h.pool.Verify(h.files)
				if verr != nil {
					log.Warn("ballast: verify failed", zap.String("mount", mountID), zap.Error(verr))
					h.mu.Unlock()
					continue
				}

				corruptIdx := make(map[uint32]bool, len(corrupt))
				for _, f := range corrupt {
					corruptIdx[f.Index] = true
				}
				intact := h.files[:0:0]
				present := make(map[uint32]bool, len(h.files))
				for _, f := range h.files {
					if corruptIdx[f.Index] {
						continue
					}
					intact = append(intact, f)
					present[f.Index] = true
				}

				shortfall := h.fileCount - len(intact)
				if shortfall > 0 {
					for idx := uint32(0); idx < uint32(h.fileCount) && shortfall > 0; idx++ {
						if present[idx] {
							continue
						}
						replenished, rerr := h.pool.Replenish(idx)
						if rerr != nil {
							log.Error("ballast: replenish failed", zap.String("mount", mountID), zap.Uint32("index", idx), zap.Error(rerr))
							continue
						}
						intact = append(intact, replenished)
						shortfall--

						rev := seq.New(events.BallastReplenished)
						rev.Mount = mountID
						emit(rev)
					}
					log.Info("ballast: replenished pool", zap.String("mount", mountID), zap.Int("present", len(intact)))
				}

				h.files = intact
				metrics.BallastPresentFiles.WithLabelValues(h.mountPath).Set(float64(len(intact)))
				h.mu.Unlock()
			}
		}
	}
}

func runStatePublisher(ctx context.Context, pub *state.Publisher, m *model.Model, startedAt time.Time, period time.Duration, log *zap.Logger) {
	if period <= 0 {
		period = 2 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := state.BuildSnapshot(m, os.Getpid(), startedAt)
			if err := pub.Publish(snap); err != nil {
				log.Warn("state publish failed", zap.Error(err))
			}
		}
	}
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
