package pool

import (
	"sync"
	"sync/atomic"
	"time"
)

// WorkerState is the coarse phase a worker loop is in. Transitions are
// recorded in a bounded history for the deadlock dump.
type WorkerState uint8

const (
	StateCreated WorkerState = iota
	StateCheckingQueues
	StateExecuting
	StateStealing
	StateIdleSleeping
	StateShuttingDown
	StateTerminated

	numWorkerStates = 7
)

func (s WorkerState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateCheckingQueues:
		return "CHECKING_QUEUES"
	case StateExecuting:
		return "EXECUTING"
	case StateStealing:
		return "STEALING"
	case StateIdleSleeping:
		return "IDLE_SLEEPING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// stateTransition is one entry in a worker's bounded transition history.
type stateTransition struct {
	From WorkerState
	To   WorkerState
	At   time.Time
}

const transitionHistorySize = 100

// latencyHistogram is a fixed-bucket histogram with atomic counters, safe
// for one writer and many readers.
type latencyHistogram struct {
	bounds []time.Duration
	counts []atomic.Uint64
	sum    atomic.Int64 // nanoseconds
	max    atomic.Int64
	n      atomic.Uint64
}

// Bucket bounds cover the span from sub-100µs bot updates out to stuck
// multi-second tasks.
var defaultLatencyBounds = []time.Duration{
	50 * time.Microsecond,
	100 * time.Microsecond,
	250 * time.Microsecond,
	500 * time.Microsecond,
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
}

func newLatencyHistogram() *latencyHistogram {
	return &latencyHistogram{
		bounds: defaultLatencyBounds,
		counts: make([]atomic.Uint64, len(defaultLatencyBounds)+1),
	}
}

func (h *latencyHistogram) record(d time.Duration) {
	i := 0
	for i < len(h.bounds) && d > h.bounds[i] {
		i++
	}
	h.counts[i].Add(1)
	h.sum.Add(int64(d))
	h.n.Add(1)
	for {
		cur := h.max.Load()
		if int64(d) <= cur || h.max.CompareAndSwap(cur, int64(d)) {
			break
		}
	}
}

// Mean returns the average recorded latency, zero when empty.
func (h *latencyHistogram) Mean() time.Duration {
	n := h.n.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(h.sum.Load() / int64(n))
}

// Max returns the largest recorded latency.
func (h *latencyHistogram) Max() time.Duration {
	return time.Duration(h.max.Load())
}

// Count returns the number of samples.
func (h *latencyHistogram) Count() uint64 { return h.n.Load() }

// Quantile estimates the q-quantile (0..1) from bucket upper bounds. Good
// enough for dashboards; not an exact order statistic.
func (h *latencyHistogram) Quantile(q float64) time.Duration {
	n := h.n.Load()
	if n == 0 {
		return 0
	}
	target := uint64(q * float64(n))
	var seen uint64
	for i := range h.counts {
		seen += h.counts[i].Load()
		if seen > target {
			if i < len(h.bounds) {
				return h.bounds[i]
			}
			return h.Max()
		}
	}
	return h.Max()
}

// WaitLocation records where a worker is blocked, for dump output.
type WaitLocation struct {
	Function string
	File     string
	Line     int
	WaitType string
	Timeout  time.Duration
	Since    time.Time
}

// workerDiag is the per-worker diagnostics record consulted by the
// deadlock detector and the continuous logger.
type workerDiag struct {
	state        atomic.Int32
	stateEnterNs atomic.Int64
	stateTimeNs  [numWorkerStates]atomic.Int64

	mu          sync.Mutex
	transitions []stateTransition
	waitLoc     *WaitLocation

	// End-to-end (submit→complete), execution, and queue-wait latencies.
	latencyTotal *latencyHistogram
	latencyExec  *latencyHistogram
	latencyQueue *latencyHistogram

	tasksExecuted  atomic.Uint64
	tasksFailed    atomic.Uint64
	steals         atomic.Uint64
	stealAttempts  atomic.Uint64
	wakes          atomic.Uint64
	spuriousWakes  atomic.Uint64
	lastTaskFailed atomic.Pointer[string]
}

func newWorkerDiag() *workerDiag {
	d := &workerDiag{
		transitions:  make([]stateTransition, 0, transitionHistorySize),
		latencyTotal: newLatencyHistogram(),
		latencyExec:  newLatencyHistogram(),
		latencyQueue: newLatencyHistogram(),
	}
	d.stateEnterNs.Store(time.Now().UnixNano())
	return d
}

func (d *workerDiag) currentState() WorkerState {
	return WorkerState(d.state.Load())
}

// stateAge is how long the worker has been in its current state.
func (d *workerDiag) stateAge() time.Duration {
	return time.Duration(time.Now().UnixNano() - d.stateEnterNs.Load())
}

func (d *workerDiag) setState(to WorkerState) {
	now := time.Now()
	from := WorkerState(d.state.Load())
	if from == to {
		return
	}
	enter := d.stateEnterNs.Load()
	d.stateTimeNs[from].Add(now.UnixNano() - enter)
	d.state.Store(int32(to))
	d.stateEnterNs.Store(now.UnixNano())

	d.mu.Lock()
	if len(d.transitions) >= transitionHistorySize {
		copy(d.transitions, d.transitions[1:])
		d.transitions = d.transitions[:transitionHistorySize-1]
	}
	d.transitions = append(d.transitions, stateTransition{From: from, To: to, At: now})
	d.mu.Unlock()
}

func (d *workerDiag) setWaitLocation(loc *WaitLocation) {
	d.mu.Lock()
	d.waitLoc = loc
	d.mu.Unlock()
}

func (d *workerDiag) waitLocation() *WaitLocation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitLoc
}

func (d *workerDiag) transitionHistory() []stateTransition {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]stateTransition, len(d.transitions))
	copy(out, d.transitions)
	return out
}

func (d *workerDiag) recordFailure(cause string) {
	d.tasksFailed.Add(1)
	d.lastTaskFailed.Store(&cause)
}

// WorkerSnapshot is an exported view of one worker's diagnostics.
type WorkerSnapshot struct {
	ID            int
	State         WorkerState
	StateAge      time.Duration
	QueueSizes    [numPriorities]int64
	TasksExecuted uint64
	TasksFailed   uint64
	Steals        uint64
	StealAttempts uint64
	Wakes         uint64
	SpuriousWakes uint64
	AvgLatency    time.Duration
	MaxLatency    time.Duration
	P95Latency    time.Duration
	WaitLocation  *WaitLocation
	LastFailure   string
	TraceEnabled  bool
}
