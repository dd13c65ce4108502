package pool

import (
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"
)

// worker owns one deque per priority and runs the steal loop. No worker
// outlives its pool.
type worker struct {
	id      int
	pool    *Pool
	deques  [numPriorities]*deque
	rng     *rand.Rand
	core    int // requested CPU core, -1 when affinity is disabled
	diag    *workerDiag
	traceOn atomic.Bool

	// Wake protocol: wakeEpoch is bumped on every Wake; wakeCh carries the
	// notification. A sleeper that captured epoch e treats any observed
	// epoch > e as a wake, so a notification racing the sleep entry is
	// never lost.
	wakeEpoch atomic.Uint64
	wakeCh    chan struct{}
	sleeping  atomic.Bool
}

func newWorker(id int, p *Pool, core int) *worker {
	w := &worker{
		id:     id,
		pool:   p,
		rng:    rand.New(rand.NewSource(int64(id)*7919 + 1)),
		core:   core,
		diag:   newWorkerDiag(),
		wakeCh: make(chan struct{}, 1),
	}
	for i := range w.deques {
		w.deques[i] = newDeque(p.cfg.MaxQueueSize)
	}
	return w
}

// wake bumps the epoch and posts a notification. Safe from any goroutine.
func (w *worker) wake() {
	w.wakeEpoch.Add(1)
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
	w.diag.wakes.Add(1)
}

// queuedTotal is the worker's own view of its queue depth.
func (w *worker) queuedTotal() int64 {
	var n int64
	for i := range w.deques {
		n += w.deques[i].size()
	}
	return n
}

// hasWorkVisible reports whether any deque in the pool (its own first)
// appears non-empty. Consulted before sleeping so a task pushed between
// the steal sweep and the sleep entry is noticed.
func (w *worker) hasWorkVisible() bool {
	if w.queuedTotal() > 0 {
		return true
	}
	for _, peer := range w.pool.workers {
		if peer != w && peer.queuedTotal() > 0 {
			return true
		}
	}
	return false
}

// run is the worker main loop: own queues high→low, then steal, then
// re-check visibility, then sleep under the epoch protocol.
func (w *worker) run() {
	w.diag.setState(StateCheckingQueues)
	for {
		if w.pool.stopping() {
			break
		}

		if t, ok := w.popOwn(); ok {
			w.execute(t)
			continue
		}

		if w.pool.cfg.EnableWorkStealing && len(w.pool.workers) > 1 {
			w.diag.setState(StateStealing)
			if t, ok := w.stealWork(); ok {
				w.execute(t)
				w.diag.setState(StateCheckingQueues)
				continue
			}
			w.diag.setState(StateCheckingQueues)
		}

		if w.hasWorkVisible() {
			continue
		}

		if !w.sleep() {
			break // shutdown observed
		}
	}

	w.diag.setState(StateShuttingDown)
	if w.pool.cfg.WaitForPending {
		w.drain()
	}
	w.diag.setState(StateTerminated)
}

// popOwn scans the owner deques in priority order.
func (w *worker) popOwn() (*task, bool) {
	for p := 0; p < numPriorities; p++ {
		if t, ok := w.deques[p].pop(); ok {
			w.pool.queuedByPriority[p].Add(-1)
			return t, true
		}
	}
	return nil, false
}

// stealWork makes up to MaxStealAttempts passes over random victims,
// biased toward higher priorities. A contended steal is retried a bounded
// number of times on the same victim, then the scan moves on so a hot
// victim cannot pin the thief.
func (w *worker) stealWork() (*task, bool) {
	peers := w.pool.workers
	attempts := w.pool.cfg.MaxStealAttempts
	for i := 0; i < attempts; i++ {
		victim := peers[w.rng.Intn(len(peers))]
		if victim == w {
			continue
		}
		w.diag.stealAttempts.Add(1)

		// Priority-biased deque choice: 50% CRITICAL/HIGH, else uniform.
		p := Priority(w.rng.Intn(numPriorities))
		if w.rng.Intn(2) == 0 {
			p = Priority(w.rng.Intn(2))
		}

		contended := false
		for retry := 0; retry < 3; retry++ {
			t, res := victim.deques[p].steal()
			if res == stealOK {
				w.pool.queuedByPriority[p].Add(-1)
				w.diag.steals.Add(1)
				return t, true
			}
			if res != stealRetry {
				break
			}
			contended = true
		}
		if contended {
			// Contention means work exists somewhere; spend the attempt
			// but keep scanning other victims.
			continue
		}

		// Sweep the victim's other deques before moving on.
		for q := 0; q < numPriorities; q++ {
			if t, res := victim.deques[q].steal(); res == stealOK {
				w.pool.queuedByPriority[q].Add(-1)
				w.diag.steals.Add(1)
				return t, true
			}
		}
	}
	return nil, false
}

// sleep parks the worker until a wake arrives, the sleep timeout elapses,
// or shutdown starts. Returns false on shutdown. The epoch captured before
// the final visibility check guarantees that a Wake racing the park is
// observed rather than lost.
func (w *worker) sleep() bool {
	epoch := w.wakeEpoch.Load()
	if w.hasWorkVisible() {
		return true
	}

	w.diag.setState(StateIdleSleeping)
	w.diag.setWaitLocation(&WaitLocation{
		Function: "worker.sleep",
		File:     "internal/pool/worker.go",
		WaitType: "wake-signal",
		Timeout:  w.pool.cfg.WorkerSleepTime,
		Since:    time.Now(),
	})
	w.sleeping.Store(true)
	defer func() {
		w.sleeping.Store(false)
		w.diag.setWaitLocation(nil)
		w.diag.setState(StateCheckingQueues)
	}()

	timer := time.NewTimer(w.pool.cfg.WorkerSleepTime)
	defer timer.Stop()

	// Epoch advanced between capture and here: the wake already happened.
	if w.wakeEpoch.Load() != epoch {
		return true
	}

	select {
	case <-w.wakeCh:
		return true
	case <-timer.C:
		if w.wakeEpoch.Load() == epoch {
			w.diag.spuriousWakes.Add(1)
		}
		return true
	case <-w.pool.stopCh:
		return false
	}
}

// execute runs one task with timestamps, failure accounting, and latency
// recording.
func (w *worker) execute(t *task) {
	w.diag.setState(StateExecuting)
	t.startedAt = time.Now()
	w.diag.latencyQueue.record(t.startedAt.Sub(t.submittedAt))

	err := t.run()

	t.completedAt = time.Now()
	w.diag.latencyExec.record(t.completedAt.Sub(t.startedAt))
	w.diag.latencyTotal.record(t.completedAt.Sub(t.submittedAt))
	w.diag.tasksExecuted.Add(1)
	if err != nil {
		w.diag.recordFailure(err.Error())
		w.pool.failed.Add(1)
		slog.Warn("task failed", "worker", w.id, "priority", t.priority.String(), "error", err)
	}
	if w.traceOn.Load() {
		slog.Info("task trace",
			"worker", w.id,
			"priority", t.priority.String(),
			"queue_wait", t.startedAt.Sub(t.submittedAt),
			"exec", t.completedAt.Sub(t.startedAt),
		)
	}
	w.pool.completed.Add(1)
	w.diag.setState(StateCheckingQueues)
}

// drain runs remaining local tasks during shutdown.
func (w *worker) drain() {
	for {
		t, ok := w.popOwn()
		if !ok {
			return
		}
		w.execute(t)
	}
}

// snapshot captures the worker's diagnostics for dumps and commands.
func (w *worker) snapshot() WorkerSnapshot {
	s := WorkerSnapshot{
		ID:            w.id,
		State:         w.diag.currentState(),
		StateAge:      w.diag.stateAge(),
		TasksExecuted: w.diag.tasksExecuted.Load(),
		TasksFailed:   w.diag.tasksFailed.Load(),
		Steals:        w.diag.steals.Load(),
		StealAttempts: w.diag.stealAttempts.Load(),
		Wakes:         w.diag.wakes.Load(),
		SpuriousWakes: w.diag.spuriousWakes.Load(),
		AvgLatency:    w.diag.latencyTotal.Mean(),
		MaxLatency:    w.diag.latencyTotal.Max(),
		P95Latency:    w.diag.latencyTotal.Quantile(0.95),
		WaitLocation:  w.diag.waitLocation(),
		TraceEnabled:  w.traceOn.Load(),
	}
	for i := range w.deques {
		s.QueueSizes[i] = w.deques[i].size()
	}
	if f := w.diag.lastTaskFailed.Load(); f != nil {
		s.LastFailure = *f
	}
	return s
}
