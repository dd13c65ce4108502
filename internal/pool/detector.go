package pool

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Severity classifies a detector finding.
type Severity uint8

const (
	SeverityNone Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "NONE"
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// DetectorConfig tunes the deadlock detector thresholds.
type DetectorConfig struct {
	CheckInterval           time.Duration
	AllSleepThreshold       time.Duration // CRITICAL: all asleep with queued work
	MajoritySleepThreshold  time.Duration // WARNING: majority asleep with backlog
	SingleStuckThreshold    time.Duration // WARNING: one worker stuck non-sleeping
	MajorityThreshold       float64       // fraction of workers counting as majority
	MaxQueueSizeBeforeAlert int64
	ConsecutiveGrowthLimit  int // ERROR once queue grows this many checks in a row
	EnableAutoDump          bool
	EnableAutoRecovery      bool
	DumpDirectory           string
	MaxConsecutiveWarnings  int
}

// DefaultDetectorConfig matches the documented thresholds: 1s cadence, 2s
// all-sleep, 5s majority-sleep, 30s single-stuck.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		CheckInterval:           time.Second,
		AllSleepThreshold:       2 * time.Second,
		MajoritySleepThreshold:  5 * time.Second,
		SingleStuckThreshold:    30 * time.Second,
		MajorityThreshold:       0.5,
		MaxQueueSizeBeforeAlert: 64,
		ConsecutiveGrowthLimit:  5,
		EnableAutoDump:          true,
		EnableAutoRecovery:      true,
		DumpDirectory:           ".",
		MaxConsecutiveWarnings:  10,
	}
}

// Report is what the detector hands to callbacks and the dump writer.
type Report struct {
	Severity      Severity
	Reason        string
	At            time.Time
	QueuedTotal   int64
	Sleeping      int
	Active        int
	StuckWorkers  []int
	GrowthStreak  int
}

// DeadlockDetector watches the pool on a fixed cadence, classifies
// severity, and drives recovery: safety broadcast, rate-limited dump,
// forced wake-up, registered callbacks.
type DeadlockDetector struct {
	pool *Pool
	cfg  DetectorConfig

	mu        sync.Mutex
	callbacks []func(Report)

	lastQueued    int64
	growthStreak  int
	warningStreak int
	lastDumpAt    time.Time
	allSleepSince time.Time

	checks     atomic.Uint64
	warnings   atomic.Uint64
	errors     atomic.Uint64
	criticals  atomic.Uint64
	dumps      atomic.Uint64
	recoveries atomic.Uint64
	lastReport atomic.Pointer[Report]

	stopCh  chan struct{}
	stopped sync.Once
	enabled atomic.Bool
}

// NewDeadlockDetector creates a detector bound to p. Call Start to begin
// checking.
func NewDeadlockDetector(p *Pool, cfg DetectorConfig) *DeadlockDetector {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	return &DeadlockDetector{
		pool:   p,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// OnReport registers a callback fired on every ERROR or CRITICAL finding.
func (d *DeadlockDetector) OnReport(fn func(Report)) {
	d.mu.Lock()
	d.callbacks = append(d.callbacks, fn)
	d.mu.Unlock()
}

// Start launches the detector goroutine.
func (d *DeadlockDetector) Start() {
	d.enabled.Store(true)
	go d.run()
}

// Stop halts the detector. Idempotent.
func (d *DeadlockDetector) Stop() {
	d.stopped.Do(func() { close(d.stopCh) })
}

// Enabled reports whether checks are running.
func (d *DeadlockDetector) Enabled() bool { return d.enabled.Load() }

// SetEnabled pauses or resumes classification without killing the loop.
func (d *DeadlockDetector) SetEnabled(on bool) { d.enabled.Store(on) }

func (d *DeadlockDetector) run() {
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if d.enabled.Load() {
				d.check()
			}
		case <-d.stopCh:
			return
		}
	}
}

// check is one detector cycle: safety broadcast, then classification.
func (d *DeadlockDetector) check() {
	d.checks.Add(1)

	// Safety broadcast: bump every sleeper's epoch at least once per
	// check so a lost notification can never park the pool forever.
	d.pool.WakeAll()

	if !d.pool.created.Load() {
		return
	}

	queued := d.pool.queuedTotal()
	snaps := d.pool.WorkerSnapshots()

	sleeping, active := 0, 0
	var stuck []int
	for _, s := range snaps {
		switch s.State {
		case StateIdleSleeping:
			sleeping++
		case StateTerminated, StateShuttingDown:
		default:
			active++
			if s.StateAge >= d.cfg.SingleStuckThreshold {
				stuck = append(stuck, s.ID)
			}
		}
	}

	// Queue growth streak.
	if queued > d.lastQueued && queued >= d.cfg.MaxQueueSizeBeforeAlert {
		d.growthStreak++
	} else if queued <= d.lastQueued {
		d.growthStreak = 0
	}
	d.lastQueued = queued

	// All-sleep window tracking.
	allAsleep := sleeping == len(snaps) && len(snaps) > 0 && queued > 0
	if allAsleep {
		if d.allSleepSince.IsZero() {
			d.allSleepSince = time.Now()
		}
	} else {
		d.allSleepSince = time.Time{}
	}

	rep := Report{
		At:           time.Now(),
		QueuedTotal:  queued,
		Sleeping:     sleeping,
		Active:       active,
		StuckWorkers: stuck,
		GrowthStreak: d.growthStreak,
	}

	majority := float64(sleeping) >= d.cfg.MajorityThreshold*float64(len(snaps))
	switch {
	case allAsleep && time.Since(d.allSleepSince) >= d.cfg.AllSleepThreshold:
		rep.Severity = SeverityCritical
		rep.Reason = "all workers sleeping with queued tasks"
	case len(stuck) > 0 && d.growthStreak >= d.cfg.ConsecutiveGrowthLimit:
		rep.Severity = SeverityError
		rep.Reason = "stuck workers with sustained queue growth"
	case len(stuck) > 0:
		rep.Severity = SeverityWarning
		rep.Reason = "worker stuck in non-sleeping state"
	case majority && queued >= d.cfg.MaxQueueSizeBeforeAlert &&
		d.majoritySleepAge(snaps) >= d.cfg.MajoritySleepThreshold:
		rep.Severity = SeverityWarning
		rep.Reason = "majority sleeping with queue above alert threshold"
	case d.growthStreak > 0 && active > 0:
		rep.Severity = SeverityInfo
		rep.Reason = "queue growing but workers active"
	default:
		rep.Severity = SeverityNone
	}

	d.lastReport.Store(&rep)
	d.react(rep, snaps)
}

// majoritySleepAge is the minimum state age among sleeping workers, i.e.
// how long the majority has been asleep at least.
func (d *DeadlockDetector) majoritySleepAge(snaps []WorkerSnapshot) time.Duration {
	min := time.Duration(-1)
	for _, s := range snaps {
		if s.State != StateIdleSleeping {
			continue
		}
		if min < 0 || s.StateAge < min {
			min = s.StateAge
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

func (d *DeadlockDetector) react(rep Report, snaps []WorkerSnapshot) {
	switch rep.Severity {
	case SeverityNone:
		d.warningStreak = 0
		return
	case SeverityInfo:
		return
	case SeverityWarning:
		d.warnings.Add(1)
		d.warningStreak++
		if d.warningStreak <= d.cfg.MaxConsecutiveWarnings {
			slog.Warn("threadpool health", "reason", rep.Reason,
				"queued", rep.QueuedTotal, "sleeping", rep.Sleeping, "stuck", rep.StuckWorkers)
		}
		return
	case SeverityError:
		d.errors.Add(1)
	case SeverityCritical:
		d.criticals.Add(1)
	}

	slog.Error("threadpool deadlock condition", "severity", rep.Severity.String(),
		"reason", rep.Reason, "queued", rep.QueuedTotal,
		"sleeping", rep.Sleeping, "active", rep.Active)

	if d.cfg.EnableAutoDump && time.Since(d.lastDumpAt) >= time.Minute {
		d.lastDumpAt = time.Now()
		if path, err := d.WriteDump(rep, snaps); err != nil {
			slog.Error("deadlock dump failed", "error", err)
		} else {
			d.dumps.Add(1)
			slog.Info("deadlock dump written", "path", path)
		}
	}

	if d.cfg.EnableAutoRecovery {
		d.pool.WakeAll()
		d.recoveries.Add(1)
	}

	d.mu.Lock()
	cbs := make([]func(Report), len(d.callbacks))
	copy(cbs, d.callbacks)
	d.mu.Unlock()
	for _, cb := range cbs {
		cb(rep)
	}
}

// DetectorStats is the counters section of the dump and the `threadpool
// deadlock` command.
type DetectorStats struct {
	Checks     uint64
	Warnings   uint64
	Errors     uint64
	Criticals  uint64
	Dumps      uint64
	Recoveries uint64
	Last       *Report
}

// Stats snapshots the detector counters.
func (d *DeadlockDetector) Stats() DetectorStats {
	return DetectorStats{
		Checks:     d.checks.Load(),
		Warnings:   d.warnings.Load(),
		Errors:     d.errors.Load(),
		Criticals:  d.criticals.Load(),
		Dumps:      d.dumps.Load(),
		Recoveries: d.recoveries.Load(),
		Last:       d.lastReport.Load(),
	}
}
