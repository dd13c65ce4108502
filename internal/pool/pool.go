package pool

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls pool sizing and behavior. Zero values are filled in by
// normalize; a pool never runs with fewer than four workers, so a task
// that blocks on another task's future cannot exhaust the pool on small
// hosts.
type Config struct {
	NumThreads         int
	MaxQueueSize       int64
	EnableWorkStealing bool
	EnableCPUAffinity  bool
	MaxStealAttempts   int
	WorkerSleepTime    time.Duration
	ShutdownTimeout    time.Duration
	WaitForPending     bool
}

const minWorkers = 4

// DefaultConfig sizes the pool from hardware concurrency.
func DefaultConfig() Config {
	return Config{
		NumThreads:         runtime.NumCPU(),
		MaxQueueSize:       8192,
		EnableWorkStealing: true,
		MaxStealAttempts:   8,
		WorkerSleepTime:    100 * time.Millisecond,
		ShutdownTimeout:    5 * time.Second,
		WaitForPending:     true,
	}
}

func (c Config) normalize() Config {
	if c.NumThreads < minWorkers {
		c.NumThreads = minWorkers
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 8192
	}
	if c.MaxStealAttempts <= 0 {
		c.MaxStealAttempts = 8
	}
	if c.WorkerSleepTime <= 0 {
		c.WorkerSleepTime = 100 * time.Millisecond
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Pool is the work-stealing executor. Workers are created lazily on the
// first Enqueue so an idle host pays nothing for a configured pool.
type Pool struct {
	cfg     Config
	workers []*worker

	createMu sync.Mutex
	created  atomic.Bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64

	queuedByPriority [numPriorities]atomic.Int64
	submittedByPrio  [numPriorities]atomic.Uint64
	peakQueue        atomic.Int64
	nextWorker       atomic.Uint64

	stopCh   chan struct{}
	shutdown atomic.Bool
	wg       sync.WaitGroup

	startedAt time.Time
}

// New records configuration and defers worker creation.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:       cfg.normalize(),
		stopCh:    make(chan struct{}),
		startedAt: time.Now(),
	}
}

// ensureWorkers lazily creates and starts the workers. Double-checked:
// the atomic flag makes the hot path a single load.
func (p *Pool) ensureWorkers() {
	if p.created.Load() {
		return
	}
	p.createMu.Lock()
	defer p.createMu.Unlock()
	if p.created.Load() {
		return
	}

	p.workers = make([]*worker, p.cfg.NumThreads)
	cores := runtime.NumCPU()
	for i := range p.workers {
		core := -1
		if p.cfg.EnableCPUAffinity {
			core = i % cores
		}
		p.workers[i] = newWorker(i, p, core)
	}
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *worker) {
			defer p.wg.Done()
			w.run()
		}(w)
	}
	p.created.Store(true)
	slog.Info("thread pool started",
		"workers", len(p.workers),
		"max_queue", p.cfg.MaxQueueSize,
		"stealing", p.cfg.EnableWorkStealing,
	)
}

func (p *Pool) stopping() bool { return p.shutdown.Load() }

// Enqueue submits fn at the given priority. The counters are advanced
// before the push and rolled back on rejection: completed can never
// overtake submitted, so a waiter seeing submitted==completed knows no
// pushed task is still live.
func (p *Pool) Enqueue(prio Priority, fn func() error) error {
	if p.shutdown.Load() {
		return ErrPoolClosed
	}
	if !prio.Valid() {
		prio = Normal
	}
	p.ensureWorkers()

	t := &task{run: fn, priority: prio, submittedAt: time.Now()}

	p.submitted.Add(1)
	p.submittedByPrio[prio].Add(1)
	p.queuedByPriority[prio].Add(1)

	target := p.pickWorker()
	if !target.deques[prio].push(t) {
		// One alternate before giving up.
		alt := p.workers[(target.id+1)%len(p.workers)]
		if !alt.deques[prio].push(t) {
			p.submitted.Add(^uint64(0))
			p.submittedByPrio[prio].Add(^uint64(0))
			p.queuedByPriority[prio].Add(-1)
			p.rejected.Add(1)
			return ErrQueueFull
		}
		target = alt
	}

	if total := p.queuedTotal(); total > p.peakQueue.Load() {
		p.peakQueue.Store(total)
	}

	p.wakeForSubmit(target)
	return nil
}

// pickWorker chooses the least-loaded worker, falling back to round-robin
// among ties.
func (p *Pool) pickWorker() *worker {
	best := p.workers[int(p.nextWorker.Add(1))%len(p.workers)]
	bestLoad := best.queuedTotal()
	for _, w := range p.workers {
		if load := w.queuedTotal(); load < bestLoad {
			best, bestLoad = w, load
		}
	}
	return best
}

// wakeForSubmit wakes the chosen worker plus a few peers. Waking extra
// sleepers tolerates the race where the chosen worker is mid-shutdown of
// its scan and another will actually pick the task up. When the backlog
// exceeds twice the pool size, everyone is woken.
func (p *Pool) wakeForSubmit(target *worker) {
	target.wake()

	k := len(p.workers) / 4
	if k < 2 {
		k = 2
	}
	if k > 4 {
		k = 4
	}
	for i := 1; i <= k; i++ {
		p.workers[(target.id+i)%len(p.workers)].wake()
	}

	if p.queuedTotal() > int64(2*len(p.workers)) {
		p.WakeAll()
	}
}

// WakeAll bumps every worker's epoch. Used by the deadlock detector as a
// safety broadcast and during shutdown.
func (p *Pool) WakeAll() {
	if !p.created.Load() {
		return
	}
	for _, w := range p.workers {
		w.wake()
	}
}

// queuedTotal sums the per-priority queued counters.
func (p *Pool) queuedTotal() int64 {
	var n int64
	for i := range p.queuedByPriority {
		n += p.queuedByPriority[i].Load()
	}
	if n < 0 {
		return 0
	}
	return n
}

// WaitForCompletion blocks until every submitted task has completed or the
// timeout elapses. The timeout is capped at 15s so a stuck pool cannot
// trip the host watchdog.
func (p *Pool) WaitForCompletion(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if timeout > 15*time.Second {
		timeout = 15 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.submitted.Load() == p.completed.Load() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return p.submitted.Load() == p.completed.Load()
}

// Shutdown stops the pool. Workers drain their deques when WaitForPending
// is set, otherwise exit at the next loop check. Tasks still queued after
// the join timeout are counted, not executed.
func (p *Pool) Shutdown() {
	if p.shutdown.Swap(true) {
		return
	}
	close(p.stopCh)
	p.WakeAll()

	if !p.created.Load() {
		return
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
		slog.Error("thread pool shutdown timed out", "timeout", p.cfg.ShutdownTimeout)
	}

	if remaining := p.submitted.Load() - p.completed.Load(); remaining > 0 {
		slog.Warn("tasks abandoned at shutdown", "count", remaining)
	}
	slog.Info("thread pool stopped",
		"submitted", p.submitted.Load(),
		"completed", p.completed.Load(),
		"failed", p.failed.Load(),
	)
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers        int
	ActiveWorkers  int
	SleepingWorkers int
	Submitted      uint64
	Completed      uint64
	Failed         uint64
	Rejected       uint64
	InFlight       int64
	Queued         [numPriorities]int64
	QueuedTotal    int64
	PeakQueue      int64
	AvgLatency     time.Duration
	P95Latency     time.Duration
	MaxLatency     time.Duration
	Steals         uint64
	Wakes          uint64
	SpuriousWakes  uint64
	Throughput     float64 // tasks/s since start
	Uptime         time.Duration
}

// SnapshotStats aggregates worker diagnostics into a Stats.
func (p *Pool) SnapshotStats() Stats {
	s := Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		PeakQueue: p.peakQueue.Load(),
		Uptime:    time.Since(p.startedAt),
	}
	s.InFlight = int64(s.Submitted) - int64(s.Completed)
	for i := range p.queuedByPriority {
		s.Queued[i] = p.queuedByPriority[i].Load()
		s.QueuedTotal += s.Queued[i]
	}
	if !p.created.Load() {
		return s
	}

	s.Workers = len(p.workers)
	var sumLatency time.Duration
	var latN int
	for _, w := range p.workers {
		st := w.diag.currentState()
		if st == StateIdleSleeping {
			s.SleepingWorkers++
		} else if st != StateTerminated {
			s.ActiveWorkers++
		}
		s.Steals += w.diag.steals.Load()
		s.Wakes += w.diag.wakes.Load()
		s.SpuriousWakes += w.diag.spuriousWakes.Load()
		if m := w.diag.latencyTotal.Mean(); m > 0 {
			sumLatency += m
			latN++
		}
		if mx := w.diag.latencyTotal.Max(); mx > s.MaxLatency {
			s.MaxLatency = mx
		}
		if p95 := w.diag.latencyTotal.Quantile(0.95); p95 > s.P95Latency {
			s.P95Latency = p95
		}
	}
	if latN > 0 {
		s.AvgLatency = sumLatency / time.Duration(latN)
	}
	if up := s.Uptime.Seconds(); up > 0 {
		s.Throughput = float64(s.Completed) / up
	}
	return s
}

// WorkerSnapshots returns per-worker diagnostics, ordered by id.
func (p *Pool) WorkerSnapshots() []WorkerSnapshot {
	if !p.created.Load() {
		return nil
	}
	out := make([]WorkerSnapshot, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.snapshot())
	}
	return out
}

// SetTrace toggles per-task trace logging on one worker. Returns false for
// an unknown id.
func (p *Pool) SetTrace(workerID int, on bool) bool {
	if !p.created.Load() || workerID < 0 || workerID >= len(p.workers) {
		return false
	}
	p.workers[workerID].traceOn.Store(on)
	return true
}

// Config returns the normalized configuration.
func (p *Pool) Config() Config { return p.cfg }
