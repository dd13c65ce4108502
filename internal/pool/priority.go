// Package pool provides the work-stealing thread pool that runs bot AI
// update tasks, together with its diagnostics and deadlock detection.
package pool

// Priority is a soft scheduling tier. CRITICAL has the tightest latency
// budget; IDLE runs only when nothing else is queued.
type Priority uint8

const (
	Critical Priority = iota
	High
	Normal
	Low
	Idle

	numPriorities = 5
)

// String returns the priority name used in logs, dumps and CSV output.
func (p Priority) String() string {
	switch p {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	case Low:
		return "LOW"
	case Idle:
		return "IDLE"
	}
	return "UNKNOWN"
}

// Valid reports whether p is one of the five defined tiers.
func (p Priority) Valid() bool {
	return p < numPriorities
}
