package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WriteDump writes the sectioned ASCII diagnostic file for a detector
// report and returns the path. File name format:
// threadpool_deadlock_YYYYMMDD_HHMMSS.txt
func (d *DeadlockDetector) WriteDump(rep Report, snaps []WorkerSnapshot) (string, error) {
	name := fmt.Sprintf("threadpool_deadlock_%s.txt", rep.At.Format("20060102_150405"))
	path := filepath.Join(d.cfg.DumpDirectory, name)

	var b strings.Builder
	stats := d.pool.SnapshotStats()
	cfg := d.pool.Config()

	section := func(title string) {
		b.WriteString("\n")
		b.WriteString(strings.Repeat("=", 72))
		b.WriteString("\n  ")
		b.WriteString(title)
		b.WriteString("\n")
		b.WriteString(strings.Repeat("=", 72))
		b.WriteString("\n")
	}

	section("Summary")
	fmt.Fprintf(&b, "Time:        %s\n", rep.At.Format(time.RFC3339))
	fmt.Fprintf(&b, "Severity:    %s\n", rep.Severity)
	fmt.Fprintf(&b, "Reason:      %s\n", rep.Reason)
	fmt.Fprintf(&b, "Workers:     %d (%d active, %d sleeping)\n",
		stats.Workers, rep.Active, rep.Sleeping)
	fmt.Fprintf(&b, "Queued:      %d (growth streak %d)\n", rep.QueuedTotal, rep.GrowthStreak)

	section("Details")
	fmt.Fprintf(&b, "Submitted:   %d\n", stats.Submitted)
	fmt.Fprintf(&b, "Completed:   %d\n", stats.Completed)
	fmt.Fprintf(&b, "In flight:   %d\n", stats.InFlight)
	fmt.Fprintf(&b, "Failed:      %d\n", stats.Failed)
	fmt.Fprintf(&b, "Rejected:    %d\n", stats.Rejected)
	fmt.Fprintf(&b, "Peak queue:  %d\n", stats.PeakQueue)
	fmt.Fprintf(&b, "Avg latency: %s\n", stats.AvgLatency)
	fmt.Fprintf(&b, "P95 latency: %s\n", stats.P95Latency)
	fmt.Fprintf(&b, "Max latency: %s\n", stats.MaxLatency)
	for p := Priority(0); p < numPriorities; p++ {
		fmt.Fprintf(&b, "Queued %-9s %d\n", p.String()+":", stats.Queued[p])
	}

	section("Worker issues")
	if len(rep.StuckWorkers) == 0 {
		b.WriteString("No stuck workers.\n")
	}
	for _, id := range rep.StuckWorkers {
		s := snaps[id]
		fmt.Fprintf(&b, "Worker %d stuck in %s for %s", id, s.State, s.StateAge.Round(time.Millisecond))
		if s.WaitLocation != nil {
			fmt.Fprintf(&b, " at %s (%s, timeout %s, since %s)",
				s.WaitLocation.Function, s.WaitLocation.WaitType,
				s.WaitLocation.Timeout, s.WaitLocation.Since.Format(time.RFC3339))
		}
		b.WriteString("\n")
	}

	section("Per-worker reports")
	for _, s := range snaps {
		fmt.Fprintf(&b, "\n--- worker %d ---\n", s.ID)
		fmt.Fprintf(&b, "state:          %s (for %s)\n", s.State, s.StateAge.Round(time.Millisecond))
		fmt.Fprintf(&b, "executed:       %d (failed %d)\n", s.TasksExecuted, s.TasksFailed)
		fmt.Fprintf(&b, "steals:         %d/%d attempts\n", s.Steals, s.StealAttempts)
		fmt.Fprintf(&b, "wakes:          %d (%d spurious)\n", s.Wakes, s.SpuriousWakes)
		fmt.Fprintf(&b, "latency:        avg %s p95 %s max %s\n", s.AvgLatency, s.P95Latency, s.MaxLatency)
		fmt.Fprintf(&b, "queues:         ")
		for p := Priority(0); p < numPriorities; p++ {
			fmt.Fprintf(&b, "%s=%d ", p, s.QueueSizes[p])
		}
		b.WriteString("\n")
		if s.LastFailure != "" {
			fmt.Fprintf(&b, "last failure:   %s\n", s.LastFailure)
		}
		w := d.pool.workers[s.ID]
		hist := w.diag.transitionHistory()
		n := len(hist)
		if n > 10 {
			hist = hist[n-10:]
		}
		for _, tr := range hist {
			fmt.Fprintf(&b, "  %s  %s -> %s\n", tr.At.Format("15:04:05.000"), tr.From, tr.To)
		}
	}

	section("Pool config")
	fmt.Fprintf(&b, "NumThreads:         %d\n", cfg.NumThreads)
	fmt.Fprintf(&b, "MaxQueueSize:       %d\n", cfg.MaxQueueSize)
	fmt.Fprintf(&b, "EnableWorkStealing: %v\n", cfg.EnableWorkStealing)
	fmt.Fprintf(&b, "EnableCPUAffinity:  %v\n", cfg.EnableCPUAffinity)
	fmt.Fprintf(&b, "MaxStealAttempts:   %d\n", cfg.MaxStealAttempts)
	fmt.Fprintf(&b, "WorkerSleepTime:    %s\n", cfg.WorkerSleepTime)
	fmt.Fprintf(&b, "ShutdownTimeout:    %s\n", cfg.ShutdownTimeout)

	section("Detector stats")
	ds := d.Stats()
	fmt.Fprintf(&b, "Checks:     %d\n", ds.Checks)
	fmt.Fprintf(&b, "Warnings:   %d\n", ds.Warnings)
	fmt.Fprintf(&b, "Errors:     %d\n", ds.Errors)
	fmt.Fprintf(&b, "Criticals:  %d\n", ds.Criticals)
	fmt.Fprintf(&b, "Dumps:      %d\n", ds.Dumps)
	fmt.Fprintf(&b, "Recoveries: %d\n", ds.Recoveries)

	if err := os.MkdirAll(d.cfg.DumpDirectory, 0o755); err != nil {
		return "", fmt.Errorf("create dump dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write dump: %w", err)
	}
	return path, nil
}
