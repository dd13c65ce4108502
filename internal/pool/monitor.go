package pool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// MonitorConfig tunes the continuous diagnostic logger.
type MonitorConfig struct {
	Interval           time.Duration
	CSVPath            string
	JSONPath           string
	DashboardPath      string
	MaxTimelineEntries int
	MaxCSVSizeBytes    int64
	MaxRotatedFiles    int
	EnableCSV          bool
	EnableJSON         bool
	EnableDashboard    bool
}

// DefaultMonitorConfig samples once per second into the working directory.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:           time.Second,
		CSVPath:            "threadpool_metrics.csv",
		JSONPath:           "threadpool_metrics.json",
		DashboardPath:      "threadpool_dashboard.txt",
		MaxTimelineEntries: 300,
		MaxCSVSizeBytes:    16 << 20,
		MaxRotatedFiles:    5,
		EnableCSV:          true,
		EnableJSON:         true,
		EnableDashboard:    true,
	}
}

// csvHeader is the stable 26-column schema. Append-only: readers key on
// column names, so the order must never change.
var csvHeader = []string{
	"timestamp", "uptime_ms",
	"workers_total", "workers_active", "workers_sleeping",
	"tasks_submitted", "tasks_completed", "tasks_failed", "tasks_rejected",
	"tasks_in_flight",
	"queued_total", "queued_critical", "queued_high", "queued_normal",
	"queued_low", "queued_idle", "peak_queue_size",
	"throughput_per_sec",
	"avg_latency_us", "p95_latency_us", "max_latency_us",
	"steals_total", "wakes_total", "spurious_wakes_total",
	"detector_severity", "detector_checks",
}

// sample is one JSON timeline entry.
type sample struct {
	Timestamp     time.Time `json:"timestamp"`
	Workers       int       `json:"workers"`
	Active        int       `json:"active"`
	Sleeping      int       `json:"sleeping"`
	Submitted     uint64    `json:"submitted"`
	Completed     uint64    `json:"completed"`
	Failed        uint64    `json:"failed"`
	InFlight      int64     `json:"in_flight"`
	QueuedTotal   int64     `json:"queued_total"`
	Throughput    float64   `json:"throughput_per_sec"`
	AvgLatencyUS  int64     `json:"avg_latency_us"`
	P95LatencyUS  int64     `json:"p95_latency_us"`
	Severity      string    `json:"detector_severity"`
}

// Monitor is the continuous diagnostic logger: CSV, JSON, and a dashboard
// text file, sampled on a fixed cadence on its own goroutine.
type Monitor struct {
	pool     *Pool
	detector *DeadlockDetector
	cfg      MonitorConfig

	mu       sync.Mutex
	timeline []sample
	csvFile  *os.File
	csvSize  int64

	stopCh  chan struct{}
	stopped sync.Once
	running bool
}

// NewMonitor wires a monitor to the pool and (optionally) the detector.
func NewMonitor(p *Pool, det *DeadlockDetector, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxTimelineEntries <= 0 {
		cfg.MaxTimelineEntries = 300
	}
	return &Monitor{pool: p, detector: det, cfg: cfg, stopCh: make(chan struct{})}
}

// Start launches the sampling goroutine.
func (m *Monitor) Start() error {
	if m.cfg.EnableCSV {
		if err := m.openCSV(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	go m.run()
	return nil
}

// Stop halts sampling and closes the CSV stream. Idempotent.
func (m *Monitor) Stop() {
	m.stopped.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		if m.csvFile != nil {
			m.csvFile.Close()
			m.csvFile = nil
		}
		m.running = false
		m.mu.Unlock()
	})
}

// Running reports whether the monitor is sampling.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sampleOnce()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) sampleOnce() {
	stats := m.pool.SnapshotStats()
	sev := SeverityNone
	var checks uint64
	if m.detector != nil {
		ds := m.detector.Stats()
		checks = ds.Checks
		if ds.Last != nil {
			sev = ds.Last.Severity
		}
	}

	now := time.Now()
	s := sample{
		Timestamp:    now,
		Workers:      stats.Workers,
		Active:       stats.ActiveWorkers,
		Sleeping:     stats.SleepingWorkers,
		Submitted:    stats.Submitted,
		Completed:    stats.Completed,
		Failed:       stats.Failed,
		InFlight:     stats.InFlight,
		QueuedTotal:  stats.QueuedTotal,
		Throughput:   stats.Throughput,
		AvgLatencyUS: stats.AvgLatency.Microseconds(),
		P95LatencyUS: stats.P95Latency.Microseconds(),
		Severity:     sev.String(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.timeline = append(m.timeline, s)
	if len(m.timeline) > m.cfg.MaxTimelineEntries {
		m.timeline = m.timeline[len(m.timeline)-m.cfg.MaxTimelineEntries:]
	}

	if m.cfg.EnableCSV && m.csvFile != nil {
		row := fmt.Sprintf("%s,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%.2f,%d,%d,%d,%d,%d,%d,%s,%d\n",
			now.Format(time.RFC3339), stats.Uptime.Milliseconds(),
			stats.Workers, stats.ActiveWorkers, stats.SleepingWorkers,
			stats.Submitted, stats.Completed, stats.Failed, stats.Rejected,
			stats.InFlight,
			stats.QueuedTotal, stats.Queued[Critical], stats.Queued[High],
			stats.Queued[Normal], stats.Queued[Low], stats.Queued[Idle],
			stats.PeakQueue,
			stats.Throughput,
			stats.AvgLatency.Microseconds(), stats.P95Latency.Microseconds(),
			stats.MaxLatency.Microseconds(),
			stats.Steals, stats.Wakes, stats.SpuriousWakes,
			sev.String(), checks,
		)
		if n, err := m.csvFile.WriteString(row); err == nil {
			m.csvSize += int64(n)
			if m.cfg.MaxCSVSizeBytes > 0 && m.csvSize >= m.cfg.MaxCSVSizeBytes {
				m.rotateCSVLocked()
			}
		}
	}

	if m.cfg.EnableJSON {
		m.writeJSONLocked(s)
	}
	if m.cfg.EnableDashboard {
		m.writeDashboardLocked(stats, sev)
	}
}

func (m *Monitor) openCSV() error {
	f, err := os.OpenFile(m.cfg.CSVPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open metrics csv: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat metrics csv: %w", err)
	}
	m.mu.Lock()
	m.csvFile = f
	m.csvSize = info.Size()
	if m.csvSize == 0 {
		n, _ := f.WriteString(strings.Join(csvHeader, ",") + "\n")
		m.csvSize += int64(n)
	}
	m.mu.Unlock()
	return nil
}

// rotateCSVLocked shifts threadpool_metrics.csv.N files up and starts a
// fresh stream. Called with mu held.
func (m *Monitor) rotateCSVLocked() {
	m.csvFile.Close()
	m.csvFile = nil

	for i := m.cfg.MaxRotatedFiles - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", m.cfg.CSVPath, i), fmt.Sprintf("%s.%d", m.cfg.CSVPath, i+1))
	}
	os.Rename(m.cfg.CSVPath, m.cfg.CSVPath+".1")

	f, err := os.OpenFile(m.cfg.CSVPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		slog.Error("csv rotation failed", "error", err)
		return
	}
	n, _ := f.WriteString(strings.Join(csvHeader, ",") + "\n")
	m.csvFile = f
	m.csvSize = int64(n)
}

// writeJSONLocked overwrites the JSON file with the current sample plus
// the bounded timeline. Called with mu held.
func (m *Monitor) writeJSONLocked(cur sample) {
	doc := struct {
		Current  sample   `json:"current"`
		Timeline []sample `json:"timeline"`
	}{Current: cur, Timeline: m.timeline}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	tmp := m.cfg.JSONPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, m.cfg.JSONPath)
}

// writeDashboardLocked renders the live text dashboard. Called with mu held.
func (m *Monitor) writeDashboardLocked(stats Stats, sev Severity) {
	var b strings.Builder
	fmt.Fprintf(&b, "THREAD POOL DASHBOARD  %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "workers %d | active %d | sleeping %d | severity %s\n",
		stats.Workers, stats.ActiveWorkers, stats.SleepingWorkers, sev)
	fmt.Fprintf(&b, "submitted %d | completed %d | failed %d | in-flight %d\n",
		stats.Submitted, stats.Completed, stats.Failed, stats.InFlight)
	fmt.Fprintf(&b, "queued %d (peak %d) | throughput %.1f/s\n",
		stats.QueuedTotal, stats.PeakQueue, stats.Throughput)
	fmt.Fprintf(&b, "latency avg %s | p95 %s | max %s\n",
		stats.AvgLatency, stats.P95Latency, stats.MaxLatency)
	for _, w := range m.pool.WorkerSnapshots() {
		fmt.Fprintf(&b, "  w%-3d %-16s q=%-4d exec=%-8d steal=%d\n",
			w.ID, w.State, w.QueueSizes[Critical]+w.QueueSizes[High]+w.QueueSizes[Normal]+w.QueueSizes[Low]+w.QueueSizes[Idle],
			w.TasksExecuted, w.Steals)
	}
	os.WriteFile(m.cfg.DashboardPath, []byte(b.String()), 0o644)
}
