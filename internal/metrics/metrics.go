// Package metrics exposes engine state to Prometheus. Everything is
// collected at scrape time from the live subsystems, so there is no
// push path to keep in sync with the engine's own counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/demand"
	"github.com/travsart/botpop/internal/flow"
	"github.com/travsart/botpop/internal/pool"
	"github.com/travsart/botpop/internal/population"
	"github.com/travsart/botpop/internal/retire"
)

// Collector snapshots the engine on every scrape.
type Collector struct {
	pool      *pool.Pool
	brackets  *bracket.Set
	calc      *demand.Calculator
	predictor *flow.Predictor
	retire    *retire.Manager
	ctrl      *population.Controller

	poolWorkers   *prometheus.Desc
	poolActive    *prometheus.Desc
	poolSleeping  *prometheus.Desc
	poolSubmitted *prometheus.Desc
	poolCompleted *prometheus.Desc
	poolFailed    *prometheus.Desc
	poolRejected  *prometheus.Desc
	poolQueued    *prometheus.Desc
	poolSteals    *prometheus.Desc
	poolLatency   *prometheus.Desc

	bracketCurrent *prometheus.Desc
	bracketTarget  *prometheus.Desc
	bracketDev     *prometheus.Desc

	demandPending *prometheus.Desc
	demandRecalcs *prometheus.Desc

	flowResidents  *prometheus.Desc
	flowConfidence *prometheus.Desc

	retireQueued    *prometheus.Desc
	retireCompleted *prometheus.Desc
	retireCancelled *prometheus.Desc
	retireSkips     *prometheus.Desc

	ctrlTicks   *prometheus.Desc
	ctrlSpawned *prometheus.Desc
	ctrlRetired *prometheus.Desc
}

// NewCollector wires the subsystems to collect from. Any nil subsystem
// is simply skipped at scrape time.
func NewCollector(p *pool.Pool, b *bracket.Set, c *demand.Calculator, f *flow.Predictor, r *retire.Manager, ctrl *population.Controller) *Collector {
	tier := []string{"tier"}
	return &Collector{
		pool:      p,
		brackets:  b,
		calc:      c,
		predictor: f,
		retire:    r,
		ctrl:      ctrl,

		poolWorkers:   prometheus.NewDesc("botpop_pool_workers", "Configured worker count.", nil, nil),
		poolActive:    prometheus.NewDesc("botpop_pool_workers_active", "Workers currently running tasks.", nil, nil),
		poolSleeping:  prometheus.NewDesc("botpop_pool_workers_sleeping", "Workers parked waiting for work.", nil, nil),
		poolSubmitted: prometheus.NewDesc("botpop_pool_tasks_submitted_total", "Tasks accepted into the pool.", nil, nil),
		poolCompleted: prometheus.NewDesc("botpop_pool_tasks_completed_total", "Tasks finished, success or failure.", nil, nil),
		poolFailed:    prometheus.NewDesc("botpop_pool_tasks_failed_total", "Tasks that returned an error.", nil, nil),
		poolRejected:  prometheus.NewDesc("botpop_pool_tasks_rejected_total", "Submissions refused at the queue cap.", nil, nil),
		poolQueued:    prometheus.NewDesc("botpop_pool_tasks_queued", "Tasks waiting, by priority.", []string{"priority"}, nil),
		poolSteals:    prometheus.NewDesc("botpop_pool_steals_total", "Successful work-steal operations.", nil, nil),
		poolLatency:   prometheus.NewDesc("botpop_pool_task_latency_seconds", "Task latency aggregates.", []string{"stat"}, nil),

		bracketCurrent: prometheus.NewDesc("botpop_bracket_bots", "Current bot count per level bracket.", tier, nil),
		bracketTarget:  prometheus.NewDesc("botpop_bracket_target", "Target bot count per level bracket.", tier, nil),
		bracketDev:     prometheus.NewDesc("botpop_bracket_deviation", "Relative deviation from target per bracket.", tier, nil),

		demandPending: prometheus.NewDesc("botpop_demand_pending_requests", "Spawn requests waiting to be consumed.", nil, nil),
		demandRecalcs: prometheus.NewDesc("botpop_demand_recalculations_total", "Completed demand recalculations.", nil, nil),

		flowResidents:  prometheus.NewDesc("botpop_flow_residents", "Bots tracked by the flow predictor, per bracket.", tier, nil),
		flowConfidence: prometheus.NewDesc("botpop_flow_confidence", "Flow prediction confidence per bracket.", tier, nil),

		retireQueued:    prometheus.NewDesc("botpop_retire_queued", "Bots in the retirement pipeline.", nil, nil),
		retireCompleted: prometheus.NewDesc("botpop_retire_completed_total", "Bots fully retired.", nil, nil),
		retireCancelled: prometheus.NewDesc("botpop_retire_cancelled_total", "Retirements cancelled, rescues included.", nil, nil),
		retireSkips:     prometheus.NewDesc("botpop_retire_forced_stage_skips_total", "Exit stages abandoned after repeated failures.", nil, nil),

		ctrlTicks:   prometheus.NewDesc("botpop_controller_ticks_total", "Completed analysis cycles.", nil, nil),
		ctrlSpawned: prometheus.NewDesc("botpop_controller_spawns_total", "Spawn requests dispatched to the pool.", nil, nil),
		ctrlRetired: prometheus.NewDesc("botpop_controller_retirements_total", "Bots queued for retirement by the controller.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolWorkers
	ch <- c.poolActive
	ch <- c.poolSleeping
	ch <- c.poolSubmitted
	ch <- c.poolCompleted
	ch <- c.poolFailed
	ch <- c.poolRejected
	ch <- c.poolQueued
	ch <- c.poolSteals
	ch <- c.poolLatency
	ch <- c.bracketCurrent
	ch <- c.bracketTarget
	ch <- c.bracketDev
	ch <- c.demandPending
	ch <- c.demandRecalcs
	ch <- c.flowResidents
	ch <- c.flowConfidence
	ch <- c.retireQueued
	ch <- c.retireCompleted
	ch <- c.retireCancelled
	ch <- c.retireSkips
	ch <- c.ctrlTicks
	ch <- c.ctrlSpawned
	ch <- c.ctrlRetired
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := prometheus.GaugeValue
	counter := prometheus.CounterValue

	if c.pool != nil {
		st := c.pool.SnapshotStats()
		ch <- prometheus.MustNewConstMetric(c.poolWorkers, gauge, float64(st.Workers))
		ch <- prometheus.MustNewConstMetric(c.poolActive, gauge, float64(st.ActiveWorkers))
		ch <- prometheus.MustNewConstMetric(c.poolSleeping, gauge, float64(st.SleepingWorkers))
		ch <- prometheus.MustNewConstMetric(c.poolSubmitted, counter, float64(st.Submitted))
		ch <- prometheus.MustNewConstMetric(c.poolCompleted, counter, float64(st.Completed))
		ch <- prometheus.MustNewConstMetric(c.poolFailed, counter, float64(st.Failed))
		ch <- prometheus.MustNewConstMetric(c.poolRejected, counter, float64(st.Rejected))
		ch <- prometheus.MustNewConstMetric(c.poolSteals, counter, float64(st.Steals))
		for prio, n := range st.Queued {
			ch <- prometheus.MustNewConstMetric(c.poolQueued, gauge, float64(n), pool.Priority(prio).String())
		}
		ch <- prometheus.MustNewConstMetric(c.poolLatency, gauge, st.AvgLatency.Seconds(), "avg")
		ch <- prometheus.MustNewConstMetric(c.poolLatency, gauge, st.P95Latency.Seconds(), "p95")
		ch <- prometheus.MustNewConstMetric(c.poolLatency, gauge, st.MaxLatency.Seconds(), "max")
	}

	if c.brackets != nil {
		for _, b := range c.brackets.All() {
			name := b.Tier.String()
			ch <- prometheus.MustNewConstMetric(c.bracketCurrent, gauge, float64(b.Current()), name)
			ch <- prometheus.MustNewConstMetric(c.bracketTarget, gauge, float64(b.Target()), name)
			ch <- prometheus.MustNewConstMetric(c.bracketDev, gauge, b.Deviation(), name)
		}
	}

	if c.calc != nil {
		ch <- prometheus.MustNewConstMetric(c.demandPending, gauge, float64(c.calc.PendingCount()))
		ch <- prometheus.MustNewConstMetric(c.demandRecalcs, counter, float64(c.calc.Recalculations()))
	}

	if c.predictor != nil && c.brackets != nil {
		for _, b := range c.brackets.All() {
			name := b.Tier.String()
			ch <- prometheus.MustNewConstMetric(c.flowResidents, gauge, float64(c.predictor.ResidentCount(b.Tier)), name)
			ch <- prometheus.MustNewConstMetric(c.flowConfidence, gauge, c.predictor.Confidence(b.Tier), name)
		}
	}

	if c.retire != nil {
		st := c.retire.Stats()
		ch <- prometheus.MustNewConstMetric(c.retireQueued, gauge, float64(st.Queued))
		ch <- prometheus.MustNewConstMetric(c.retireCompleted, counter, float64(st.Completed))
		ch <- prometheus.MustNewConstMetric(c.retireCancelled, counter, float64(st.Cancelled))
		ch <- prometheus.MustNewConstMetric(c.retireSkips, counter, float64(st.ForceSkips))
	}

	if c.ctrl != nil {
		st := c.ctrl.Stats()
		ch <- prometheus.MustNewConstMetric(c.ctrlTicks, counter, float64(st.Ticks))
		ch <- prometheus.MustNewConstMetric(c.ctrlSpawned, counter, float64(st.Spawned))
		ch <- prometheus.MustNewConstMetric(c.ctrlRetired, counter, float64(st.Retired))
	}
}

// Handler registers the collector on a fresh registry and returns the
// /metrics handler for it. Go runtime metrics ride along.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
