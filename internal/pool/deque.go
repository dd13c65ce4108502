package pool

import (
	"sync"
	"sync/atomic"
)

// stealResult distinguishes an empty deque from a lost CAS race. The
// difference matters to the wake logic: a thief that lost a race must not
// conclude the victim has no work.
type stealResult uint8

const (
	stealOK stealResult = iota
	stealEmpty
	stealRetry
)

const (
	dequeInitialCap = 64
	dequeMaxCap     = 1 << 16
)

// deque is a Chase–Lev work-stealing deque. Bottom operations (push, pop)
// serialise on a small mutex because submitting goroutines push directly
// into the target worker's deque; steals stay lock-free on a CAS at the
// top. The last-element pop still contends with stealers via the top CAS.
type deque struct {
	top    atomic.Int64
	bottom atomic.Int64
	buf    atomic.Pointer[dequeBuffer]
	botMu  sync.Mutex
	maxCap int64
}

type dequeBuffer struct {
	mask  int64 // capacity-1; capacity is a power of two
	slots []atomic.Pointer[task]
}

func newDequeBuffer(capacity int64) *dequeBuffer {
	return &dequeBuffer{
		mask:  capacity - 1,
		slots: make([]atomic.Pointer[task], capacity),
	}
}

func (b *dequeBuffer) capacity() int64 { return b.mask + 1 }

func (b *dequeBuffer) get(i int64) *task {
	return b.slots[i&b.mask].Load()
}

func (b *dequeBuffer) put(i int64, t *task) {
	b.slots[i&b.mask].Store(t)
}

func newDeque(maxCap int64) *deque {
	if maxCap < dequeInitialCap {
		maxCap = dequeInitialCap
	}
	d := &deque{maxCap: maxCap}
	d.buf.Store(newDequeBuffer(dequeInitialCap))
	return d
}

// size is the owner's (or an observer's) view of the element count. It can
// be momentarily stale but never negative by more than a concurrent pop.
func (d *deque) size() int64 {
	b := d.bottom.Load()
	t := d.top.Load()
	if b < t {
		return 0
	}
	return b - t
}

// push appends at the bottom. Returns false once the hard capacity cap is
// reached. The slot store happens before the bottom increment, so a
// stealer that observes the new bottom sees the task.
func (d *deque) push(t *task) bool {
	d.botMu.Lock()
	defer d.botMu.Unlock()

	b := d.bottom.Load()
	top := d.top.Load()
	buf := d.buf.Load()

	if b-top >= buf.capacity() {
		if buf.capacity() >= d.maxCap {
			return false
		}
		buf = d.grow(buf, b, top)
	}

	buf.put(b, t)
	d.bottom.Store(b + 1)
	return true
}

// grow doubles the buffer, copying the live range. Called with botMu held,
// so it serialises with other bottom operations only; in-flight stealers
// keep reading the old buffer, whose live slots are unchanged.
func (d *deque) grow(old *dequeBuffer, bottom, top int64) *dequeBuffer {
	next := newDequeBuffer(old.capacity() * 2)
	for i := top; i < bottom; i++ {
		next.put(i, old.get(i))
	}
	d.buf.Store(next)
	return next
}

// pop removes from the bottom. When exactly one element remains the owner
// races stealers with a CAS on top; the owner wins iff the CAS succeeds.
func (d *deque) pop() (*task, bool) {
	d.botMu.Lock()
	defer d.botMu.Unlock()

	b := d.bottom.Load() - 1
	buf := d.buf.Load()
	d.bottom.Store(b)

	t := d.top.Load()
	size := b - t
	if size < 0 {
		// Deque was empty; restore bottom.
		d.bottom.Store(t)
		return nil, false
	}

	item := buf.get(b)
	if size > 0 {
		return item, true
	}

	// Last element: contend with stealers.
	won := d.top.CompareAndSwap(t, t+1)
	d.bottom.Store(t + 1)
	if !won {
		return nil, false
	}
	return item, true
}

// steal removes from the top. Any worker. The top read is the
// linearisation point; a failed CAS means another thief (or the owner's
// last-element pop) got there first.
func (d *deque) steal() (*task, stealResult) {
	t := d.top.Load()
	b := d.bottom.Load()
	if b-t <= 0 {
		return nil, stealEmpty
	}

	buf := d.buf.Load()
	item := buf.get(t)
	if !d.top.CompareAndSwap(t, t+1) {
		return nil, stealRetry
	}
	return item, stealOK
}
