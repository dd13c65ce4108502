// Package config loads and validates the daemon configuration. Every
// engine subsystem is tuned from here; packages keep their own Config
// structs and this package converts into them so nothing below the
// composition root imports yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/demand"
	"github.com/travsart/botpop/internal/pid"
	"github.com/travsart/botpop/internal/pool"
	"github.com/travsart/botpop/internal/population"
	"github.com/travsart/botpop/internal/protect"
	"github.com/travsart/botpop/internal/retire"
)

// Config is the root of the YAML file. Intervals are expressed in the
// unit the key names (ms, seconds, minutes, hours, days) so the file
// stays readable without duration-string parsing.
type Config struct {
	Log        Log        `yaml:"log"`
	Database   Database   `yaml:"database"`
	Metrics    Metrics    `yaml:"metrics"`
	Pool       Pool       `yaml:"thread_pool"`
	Detector   Detector   `yaml:"deadlock_detector"`
	Monitor    Monitor    `yaml:"metrics_logger"`
	Flow       Flow       `yaml:"flow"`
	Population Population `yaml:"population"`
	Protection Protection `yaml:"protection"`
	Retirement Retirement `yaml:"retirement"`
	Demand     Demand     `yaml:"demand"`
	PID        PID        `yaml:"pid"`
}

type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

type Database struct {
	Path            string `yaml:"path"`
	SyncIntervalSec int    `yaml:"sync_interval_seconds"`
}

type Metrics struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type Pool struct {
	NumThreads         int   `yaml:"num_threads"`
	MaxQueueSize       int64 `yaml:"max_queue_size"`
	EnableWorkStealing bool  `yaml:"enable_work_stealing"`
	EnableCPUAffinity  bool  `yaml:"enable_cpu_affinity"`
	MaxStealAttempts   int   `yaml:"max_steal_attempts"`
	WorkerSleepTimeMs  int   `yaml:"worker_sleep_time_ms"`
	ShutdownTimeoutMs  int   `yaml:"shutdown_timeout_ms"`
	WaitForPending     bool  `yaml:"wait_for_pending"`
}

type Detector struct {
	Enabled                  bool    `yaml:"enabled"`
	CheckIntervalMs          int     `yaml:"check_interval_ms"`
	AllSleepThresholdMs      int     `yaml:"all_sleep_threshold_ms"`
	MajoritySleepThresholdMs int     `yaml:"majority_sleep_threshold_ms"`
	SingleStuckThresholdMs   int     `yaml:"single_stuck_threshold_ms"`
	MajorityThreshold        float64 `yaml:"majority_threshold"`
	MaxQueueSizeBeforeAlert  int64   `yaml:"max_queue_size_before_alert"`
	ConsecutiveGrowthLimit   int     `yaml:"consecutive_growth_limit"`
	EnableAutoDump           bool    `yaml:"enable_auto_dump"`
	EnableAutoRecovery       bool    `yaml:"enable_auto_recovery"`
	DumpDirectory            string  `yaml:"dump_directory"`
	MaxConsecutiveWarnings   int     `yaml:"max_consecutive_warnings"`
}

type Monitor struct {
	Enabled            bool   `yaml:"enabled"`
	IntervalMs         int    `yaml:"interval_ms"`
	CSVPath            string `yaml:"csv_path"`
	JSONPath           string `yaml:"json_path"`
	DashboardPath      string `yaml:"dashboard_path"`
	MaxTimelineEntries int    `yaml:"max_timeline_entries"`
	MaxCSVSizeBytes    int64  `yaml:"max_csv_size_bytes"`
	MaxRotatedFiles    int    `yaml:"max_rotated_files"`
	EnableCSV          bool   `yaml:"enable_csv"`
	EnableJSON         bool   `yaml:"enable_json"`
	EnableDashboard    bool   `yaml:"enable_dashboard"`
}

// Flow bounds the raw transition history kept for offline analysis; the
// rolling statistics themselves are unbounded.
type Flow struct {
	HistoryDays int `yaml:"history_days"`
}

// Population holds the overall size target and the per-bracket split.
// Percentages must sum to 100 within rounding.
type Population struct {
	Total               int64   `yaml:"total"`
	StartingPct         float64 `yaml:"starting_pct"`
	ChromieTimePct      float64 `yaml:"chromie_time_pct"`
	DragonflightPct     float64 `yaml:"dragonflight_pct"`
	TheWarWithinPct     float64 `yaml:"the_war_within_pct"`
	AnalysisIntervalSec int     `yaml:"analysis_interval_seconds"`
	ReportIntervalSec   int     `yaml:"report_interval_seconds"`
	RebalanceDeviation  float64 `yaml:"rebalance_deviation"`
}

type Protection struct {
	InteractionWindowHours int                `yaml:"interaction_window_hours"`
	Weights                map[string]float64 `yaml:"weights"`
	DisabledReasons        []string           `yaml:"disabled_reasons"`
}

type Retirement struct {
	Enabled                bool    `yaml:"enabled"`
	CoolingPeriodDays      int     `yaml:"cooling_period_days"`
	MaxPerHour             int     `yaml:"max_per_hour"`
	MaxPerDay              int     `yaml:"max_per_day"`
	PeakHourStart          int     `yaml:"peak_hour_start"`
	PeakHourEnd            int     `yaml:"peak_hour_end"`
	AvoidPeakHours         bool    `yaml:"avoid_peak_hours"`
	GracefulExitTimeoutSec int     `yaml:"graceful_exit_timeout_seconds"`
	OverpopulationWeight   float64 `yaml:"overpopulation_weight"`
	TimeInBracketWeight    float64 `yaml:"time_in_bracket_weight"`
	PlaytimeWeight         float64 `yaml:"playtime_weight"`
	InteractionWeight      float64 `yaml:"interaction_weight"`
	MinOverpopulation      float64 `yaml:"min_overpopulation"`
	MinPlaytimeMinutes     int     `yaml:"min_playtime_minutes"`
	PersistToDatabase      bool    `yaml:"persist_to_database"`
	DBSyncIntervalSec      int     `yaml:"db_sync_interval_seconds"`
}

type Demand struct {
	PlayerProximityWeight   float64 `yaml:"player_proximity_weight"`
	BracketDeficitWeight    float64 `yaml:"bracket_deficit_weight"`
	QuestHubBonus           float64 `yaml:"quest_hub_bonus"`
	FlowPredictionWeight    float64 `yaml:"flow_prediction_weight"`
	MinDeficitForSpawn      int64   `yaml:"min_deficit_for_spawn"`
	MinUrgencyForSpawn      float64 `yaml:"min_urgency_for_spawn"`
	PrioritizePlayerZones   bool    `yaml:"prioritize_player_zones"`
	AvoidOverpopulatedZones bool    `yaml:"avoid_overpopulated_zones"`
	MaxBotsPerZone          int     `yaml:"max_bots_per_zone"`
	RecalculateIntervalSec  int     `yaml:"recalculate_interval_seconds"`
	FlowWindowMinutes       int     `yaml:"flow_window_minutes"`
	MaxPendingRequests      int     `yaml:"max_pending_requests"`
}

type PID struct {
	Kp                  float64 `yaml:"kp"`
	Ki                  float64 `yaml:"ki"`
	Kd                  float64 `yaml:"kd"`
	Deadband            float64 `yaml:"deadband"`
	OutputMin           float64 `yaml:"output_min"`
	OutputMax           float64 `yaml:"output_max"`
	IntegralLimit       float64 `yaml:"integral_limit"`
	DerivativeSmoothing float64 `yaml:"derivative_smoothing"`
}

// Default mirrors each subsystem's shipped defaults so a missing file
// still yields a runnable daemon.
func Default() Config {
	pc := pool.DefaultConfig()
	dc := pool.DefaultDetectorConfig()
	mc := pool.DefaultMonitorConfig()
	rc := retire.DefaultConfig()
	dm := demand.DefaultConfig()
	tn := pid.DefaultTuning()
	pp := population.DefaultConfig()

	return Config{
		Log:      Log{Level: "info", Format: "text"},
		Database: Database{Path: "botpop.db", SyncIntervalSec: 300},
		Metrics:  Metrics{Enabled: true, ListenAddr: ":9090"},
		Pool: Pool{
			NumThreads:         pc.NumThreads,
			MaxQueueSize:       pc.MaxQueueSize,
			EnableWorkStealing: pc.EnableWorkStealing,
			EnableCPUAffinity:  pc.EnableCPUAffinity,
			MaxStealAttempts:   pc.MaxStealAttempts,
			WorkerSleepTimeMs:  int(pc.WorkerSleepTime / time.Millisecond),
			ShutdownTimeoutMs:  int(pc.ShutdownTimeout / time.Millisecond),
			WaitForPending:     pc.WaitForPending,
		},
		Detector: Detector{
			Enabled:                  true,
			CheckIntervalMs:          int(dc.CheckInterval / time.Millisecond),
			AllSleepThresholdMs:      int(dc.AllSleepThreshold / time.Millisecond),
			MajoritySleepThresholdMs: int(dc.MajoritySleepThreshold / time.Millisecond),
			SingleStuckThresholdMs:   int(dc.SingleStuckThreshold / time.Millisecond),
			MajorityThreshold:        dc.MajorityThreshold,
			MaxQueueSizeBeforeAlert:  dc.MaxQueueSizeBeforeAlert,
			ConsecutiveGrowthLimit:   dc.ConsecutiveGrowthLimit,
			EnableAutoDump:           dc.EnableAutoDump,
			EnableAutoRecovery:       dc.EnableAutoRecovery,
			DumpDirectory:            dc.DumpDirectory,
			MaxConsecutiveWarnings:   dc.MaxConsecutiveWarnings,
		},
		Monitor: Monitor{
			Enabled:            false,
			IntervalMs:         int(mc.Interval / time.Millisecond),
			CSVPath:            mc.CSVPath,
			JSONPath:           mc.JSONPath,
			DashboardPath:      mc.DashboardPath,
			MaxTimelineEntries: mc.MaxTimelineEntries,
			MaxCSVSizeBytes:    mc.MaxCSVSizeBytes,
			MaxRotatedFiles:    mc.MaxRotatedFiles,
			EnableCSV:          mc.EnableCSV,
			EnableJSON:         mc.EnableJSON,
			EnableDashboard:    mc.EnableDashboard,
		},
		Flow: Flow{HistoryDays: 30},
		Population: Population{
			Total:               1000,
			StartingPct:         10,
			ChromieTimePct:      40,
			DragonflightPct:     25,
			TheWarWithinPct:     25,
			AnalysisIntervalSec: int(pp.AnalysisInterval / time.Second),
			ReportIntervalSec:   int(pp.ReportInterval / time.Second),
			RebalanceDeviation:  pp.RebalanceDeviation,
		},
		Protection: Protection{
			InteractionWindowHours: 24,
		},
		Retirement: Retirement{
			Enabled:                rc.Enabled,
			CoolingPeriodDays:      rc.CoolingPeriodDays,
			MaxPerHour:             rc.MaxPerHour,
			MaxPerDay:              rc.MaxPerDay,
			PeakHourStart:          rc.PeakHourStart,
			PeakHourEnd:            rc.PeakHourEnd,
			AvoidPeakHours:         rc.AvoidPeakHours,
			GracefulExitTimeoutSec: int(rc.GracefulExitTimeout / time.Second),
			OverpopulationWeight:   rc.OverpopulationWeight,
			TimeInBracketWeight:    rc.TimeInBracketWeight,
			PlaytimeWeight:         rc.PlaytimeWeight,
			InteractionWeight:      rc.InteractionWeight,
			MinOverpopulation:      rc.MinOverpopulation,
			MinPlaytimeMinutes:     rc.MinPlaytimeMinutes,
			PersistToDatabase:      rc.PersistToDatabase,
			DBSyncIntervalSec:      int(rc.DBSyncInterval / time.Second),
		},
		Demand: Demand{
			PlayerProximityWeight:   dm.PlayerProximityWeight,
			BracketDeficitWeight:    dm.BracketDeficitWeight,
			QuestHubBonus:           dm.QuestHubBonus,
			FlowPredictionWeight:    dm.FlowPredictionWeight,
			MinDeficitForSpawn:      dm.MinDeficitForSpawn,
			MinUrgencyForSpawn:      dm.MinUrgencyForSpawn,
			PrioritizePlayerZones:   dm.PrioritizePlayerZones,
			AvoidOverpopulatedZones: dm.AvoidOverpopulatedZones,
			MaxBotsPerZone:          dm.MaxBotsPerZone,
			RecalculateIntervalSec:  int(dm.RecalculateInterval / time.Second),
			FlowWindowMinutes:       int(dm.FlowWindow / time.Minute),
			MaxPendingRequests:      dm.MaxPendingRequests,
		},
		PID: PID{
			Kp:                  tn.Kp,
			Ki:                  tn.Ki,
			Kd:                  tn.Kd,
			Deadband:            tn.Deadband,
			OutputMin:           tn.OutputMin,
			OutputMax:           tn.OutputMax,
			IntegralLimit:       tn.IntegralLimit,
			DerivativeSmoothing: tn.DerivativeSmoothing,
		},
	}
}

// Load reads path and overlays it on Default. A missing file is fatal;
// the daemon should not run on silent defaults when a path was given.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects out-of-range values, naming the offending key.
// Validation failures are fatal at startup.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path: must not be empty")
	}
	if c.Pool.NumThreads < 0 {
		return fmt.Errorf("thread_pool.num_threads: must be >= 0, got %d", c.Pool.NumThreads)
	}
	if c.Pool.MaxQueueSize <= 0 {
		return fmt.Errorf("thread_pool.max_queue_size: must be positive, got %d", c.Pool.MaxQueueSize)
	}
	if c.Detector.MajorityThreshold <= 0 || c.Detector.MajorityThreshold > 1 {
		return fmt.Errorf("deadlock_detector.majority_threshold: must be in (0,1], got %g", c.Detector.MajorityThreshold)
	}
	if c.Flow.HistoryDays <= 0 {
		return fmt.Errorf("flow.history_days: must be positive, got %d", c.Flow.HistoryDays)
	}
	if c.Population.Total <= 0 {
		return fmt.Errorf("population.total: must be positive, got %d", c.Population.Total)
	}
	sum := c.Population.StartingPct + c.Population.ChromieTimePct +
		c.Population.DragonflightPct + c.Population.TheWarWithinPct
	if sum < 99.5 || sum > 100.5 {
		return fmt.Errorf("population: bracket percentages must sum to 100, got %g", sum)
	}
	if c.Population.RebalanceDeviation <= 0 || c.Population.RebalanceDeviation >= 1 {
		return fmt.Errorf("population.rebalance_deviation: must be in (0,1), got %g", c.Population.RebalanceDeviation)
	}
	for _, name := range c.Protection.DisabledReasons {
		if _, ok := reasonBits[name]; !ok {
			return fmt.Errorf("protection.disabled_reasons: unknown reason %q", name)
		}
	}
	if c.Retirement.CoolingPeriodDays < 0 {
		return fmt.Errorf("retirement.cooling_period_days: must be >= 0, got %d", c.Retirement.CoolingPeriodDays)
	}
	if c.Retirement.MaxPerHour < 0 || c.Retirement.MaxPerDay < 0 {
		return fmt.Errorf("retirement.max_per_hour/max_per_day: must be >= 0")
	}
	if c.Retirement.PeakHourStart < 0 || c.Retirement.PeakHourStart > 23 {
		return fmt.Errorf("retirement.peak_hour_start: must be in [0,23], got %d", c.Retirement.PeakHourStart)
	}
	if c.Retirement.PeakHourEnd < 0 || c.Retirement.PeakHourEnd > 23 {
		return fmt.Errorf("retirement.peak_hour_end: must be in [0,23], got %d", c.Retirement.PeakHourEnd)
	}
	if c.Demand.MaxBotsPerZone <= 0 {
		return fmt.Errorf("demand.max_bots_per_zone: must be positive, got %d", c.Demand.MaxBotsPerZone)
	}
	if c.Demand.MaxPendingRequests <= 0 {
		return fmt.Errorf("demand.max_pending_requests: must be positive, got %d", c.Demand.MaxPendingRequests)
	}
	if c.PID.OutputMin >= c.PID.OutputMax {
		return fmt.Errorf("pid.output_min: must be below pid.output_max")
	}
	if c.PID.DerivativeSmoothing <= 0 || c.PID.DerivativeSmoothing > 1 {
		return fmt.Errorf("pid.derivative_smoothing: must be in (0,1], got %g", c.PID.DerivativeSmoothing)
	}
	return nil
}

var reasonBits = map[string]protect.Reason{
	"InGuild":          protect.InGuild,
	"OnFriendList":     protect.OnFriendList,
	"InPlayerGroup":    protect.InPlayerGroup,
	"RecentInteract":   protect.RecentInteract,
	"HasActiveMail":    protect.HasActiveMail,
	"HasActiveAuction": protect.HasActiveAuction,
	"ManualProtect":    protect.ManualProtect,
}

func (p Pool) PoolConfig() pool.Config {
	return pool.Config{
		NumThreads:         p.NumThreads,
		MaxQueueSize:       p.MaxQueueSize,
		EnableWorkStealing: p.EnableWorkStealing,
		EnableCPUAffinity:  p.EnableCPUAffinity,
		MaxStealAttempts:   p.MaxStealAttempts,
		WorkerSleepTime:    time.Duration(p.WorkerSleepTimeMs) * time.Millisecond,
		ShutdownTimeout:    time.Duration(p.ShutdownTimeoutMs) * time.Millisecond,
		WaitForPending:     p.WaitForPending,
	}
}

func (d Detector) DetectorConfig() pool.DetectorConfig {
	return pool.DetectorConfig{
		CheckInterval:           time.Duration(d.CheckIntervalMs) * time.Millisecond,
		AllSleepThreshold:       time.Duration(d.AllSleepThresholdMs) * time.Millisecond,
		MajoritySleepThreshold:  time.Duration(d.MajoritySleepThresholdMs) * time.Millisecond,
		SingleStuckThreshold:    time.Duration(d.SingleStuckThresholdMs) * time.Millisecond,
		MajorityThreshold:       d.MajorityThreshold,
		MaxQueueSizeBeforeAlert: d.MaxQueueSizeBeforeAlert,
		ConsecutiveGrowthLimit:  d.ConsecutiveGrowthLimit,
		EnableAutoDump:          d.EnableAutoDump,
		EnableAutoRecovery:      d.EnableAutoRecovery,
		DumpDirectory:           d.DumpDirectory,
		MaxConsecutiveWarnings:  d.MaxConsecutiveWarnings,
	}
}

func (m Monitor) MonitorConfig() pool.MonitorConfig {
	return pool.MonitorConfig{
		Interval:           time.Duration(m.IntervalMs) * time.Millisecond,
		CSVPath:            m.CSVPath,
		JSONPath:           m.JSONPath,
		DashboardPath:      m.DashboardPath,
		MaxTimelineEntries: m.MaxTimelineEntries,
		MaxCSVSizeBytes:    m.MaxCSVSizeBytes,
		MaxRotatedFiles:    m.MaxRotatedFiles,
		EnableCSV:          m.EnableCSV,
		EnableJSON:         m.EnableJSON,
		EnableDashboard:    m.EnableDashboard,
	}
}

// BracketTargets converts the percentage split into tier targets.
func (p Population) BracketTargets() bracket.TierTargets {
	return bracket.TierTargets{
		bracket.Starting:     p.StartingPct,
		bracket.ChromieTime:  p.ChromieTimePct,
		bracket.Dragonflight: p.DragonflightPct,
		bracket.TheWarWithin: p.TheWarWithinPct,
	}
}

func (p Population) ControllerConfig() population.Config {
	return population.Config{
		AnalysisInterval:   time.Duration(p.AnalysisIntervalSec) * time.Second,
		ReportInterval:     time.Duration(p.ReportIntervalSec) * time.Second,
		RebalanceDeviation: p.RebalanceDeviation,
	}
}

func (p Protection) RegistryConfig() protect.Config {
	var disabled protect.Reason
	for _, name := range p.DisabledReasons {
		disabled |= reasonBits[name]
	}
	return protect.Config{
		InteractionWindow: time.Duration(p.InteractionWindowHours) * time.Hour,
		Weights:           p.Weights,
		DisabledReasons:   disabled,
	}
}

func (r Retirement) ManagerConfig() retire.Config {
	return retire.Config{
		Enabled:              r.Enabled,
		CoolingPeriodDays:    r.CoolingPeriodDays,
		MaxPerHour:           r.MaxPerHour,
		MaxPerDay:            r.MaxPerDay,
		PeakHourStart:        r.PeakHourStart,
		PeakHourEnd:          r.PeakHourEnd,
		AvoidPeakHours:       r.AvoidPeakHours,
		GracefulExitTimeout:  time.Duration(r.GracefulExitTimeoutSec) * time.Second,
		OverpopulationWeight: r.OverpopulationWeight,
		TimeInBracketWeight:  r.TimeInBracketWeight,
		PlaytimeWeight:       r.PlaytimeWeight,
		InteractionWeight:    r.InteractionWeight,
		MinOverpopulation:    r.MinOverpopulation,
		MinPlaytimeMinutes:   r.MinPlaytimeMinutes,
		PersistToDatabase:    r.PersistToDatabase,
		DBSyncInterval:       time.Duration(r.DBSyncIntervalSec) * time.Second,
	}
}

func (d Demand) CalculatorConfig() demand.Config {
	return demand.Config{
		PlayerProximityWeight:   d.PlayerProximityWeight,
		BracketDeficitWeight:    d.BracketDeficitWeight,
		QuestHubBonus:           d.QuestHubBonus,
		FlowPredictionWeight:    d.FlowPredictionWeight,
		MinDeficitForSpawn:      d.MinDeficitForSpawn,
		MinUrgencyForSpawn:      d.MinUrgencyForSpawn,
		PrioritizePlayerZones:   d.PrioritizePlayerZones,
		AvoidOverpopulatedZones: d.AvoidOverpopulatedZones,
		MaxBotsPerZone:          d.MaxBotsPerZone,
		RecalculateInterval:     time.Duration(d.RecalculateIntervalSec) * time.Second,
		FlowWindow:              time.Duration(d.FlowWindowMinutes) * time.Minute,
		MaxPendingRequests:      d.MaxPendingRequests,
	}
}

func (p PID) Tuning() pid.Tuning {
	return pid.Tuning{
		Kp:                  p.Kp,
		Ki:                  p.Ki,
		Kd:                  p.Kd,
		Deadband:            p.Deadband,
		OutputMin:           p.OutputMin,
		OutputMax:           p.OutputMax,
		IntegralLimit:       p.IntegralLimit,
		DerivativeSmoothing: p.DerivativeSmoothing,
	}
}
