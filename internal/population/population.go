// Package population is the orchestrator: on each analysis tick it feeds
// bracket populations through the PID loops, queues retirements for
// overpopulated brackets, publishes spawn requests for underpopulated
// ones, and keeps a bounded decision history for introspection.
package population

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/travsart/botpop/internal/activity"
	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/demand"
	"github.com/travsart/botpop/internal/flow"
	"github.com/travsart/botpop/internal/host"
	"github.com/travsart/botpop/internal/pid"
	"github.com/travsart/botpop/internal/pool"
	"github.com/travsart/botpop/internal/protect"
	"github.com/travsart/botpop/internal/retire"
)

// DecisionKind labels one controller decision.
type DecisionKind int

const (
	DecisionSpawn DecisionKind = iota
	DecisionRetire
	DecisionCancel
	DecisionSkip
	DecisionRebalance
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionSpawn:
		return "SPAWN"
	case DecisionRetire:
		return "RETIRE"
	case DecisionCancel:
		return "CANCEL"
	case DecisionSkip:
		return "SKIP"
	case DecisionRebalance:
		return "REBALANCE"
	default:
		return fmt.Sprintf("DecisionKind(%d)", int(k))
	}
}

// Decision is one entry of the bounded history.
type Decision struct {
	At    time.Time
	Kind  DecisionKind
	Tier  bracket.Tier
	Count int
	Note  string
}

const decisionHistorySize = 100

// Config tunes the orchestrator cadences.
type Config struct {
	AnalysisInterval   time.Duration // default 60s
	ReportInterval     time.Duration // default 5m
	RebalanceDeviation float64       // forced rebalance threshold, default 0.10
}

// DefaultConfig matches the shipped defaults.
func DefaultConfig() Config {
	return Config{
		AnalysisInterval:   time.Minute,
		ReportInterval:     5 * time.Minute,
		RebalanceDeviation: 0.10,
	}
}

// Spawner creates one bot from a spawn request. The composition root
// wires this to the lifecycle factory.
type Spawner func(req demand.SpawnRequest) error

// Controller ties the population subsystems together.
type Controller struct {
	cfg      Config
	log      *slog.Logger
	clock    host.Clock
	brackets *bracket.Set
	registry *protect.Registry
	predictor *flow.Predictor
	tracker  *activity.Tracker
	calc     *demand.Calculator
	pid      *pid.Controller
	retire   *retire.Manager
	pool     *pool.Pool
	spawn    Spawner
	players  host.PlayerRegistry

	mu         sync.Mutex
	decisions  []Decision
	lastReport time.Time
	tierOf     map[uuid.UUID]bracket.Tier
	ticks      uint64
	spawned    uint64
	retired    uint64
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Clock     host.Clock
	Brackets  *bracket.Set
	Registry  *protect.Registry
	Predictor *flow.Predictor
	Tracker   *activity.Tracker
	Calc      *demand.Calculator
	PID       *pid.Controller
	Retire    *retire.Manager
	Pool      *pool.Pool
	Spawn     Spawner
	Players   host.PlayerRegistry
	Log       *slog.Logger
}

// NewController wires the orchestrator.
func NewController(cfg Config, d Deps) *Controller {
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = time.Minute
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 5 * time.Minute
	}
	if cfg.RebalanceDeviation <= 0 {
		cfg.RebalanceDeviation = 0.10
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:       cfg,
		log:       log.With("component", "population"),
		clock:     d.Clock,
		brackets:  d.Brackets,
		registry:  d.Registry,
		predictor: d.Predictor,
		tracker:   d.Tracker,
		calc:      d.Calc,
		pid:       d.PID,
		retire:    d.Retire,
		pool:      d.Pool,
		spawn:     d.Spawn,
		players:   d.Players,
		tierOf:    make(map[uuid.UUID]bracket.Tier),
	}
}

// Run drives the analysis loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.AnalysisInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				c.Tick()
			}
		}
	})
	return g.Wait()
}

// Tick runs one analysis pass.
func (c *Controller) Tick() {
	c.mu.Lock()
	c.ticks++
	c.mu.Unlock()

	c.tracker.EvictStale()
	c.registry.Decay()

	if c.calc.Due() {
		c.calc.Recalculate()
	}

	for _, b := range c.brackets.All() {
		rec := c.pid.Recommend(b.Tier, b.Target(), b.Current())

		switch {
		case rec.Retires > 0:
			c.handleRetires(b, rec.Retires)
		case rec.Spawns > 0:
			c.handleSpawns(b, rec.Spawns)
		}
	}

	c.retire.Tick()
	c.maybeReport()
}

func (c *Controller) handleRetires(b *bracket.Bracket, n int) {
	if b.WithinTolerance() {
		c.record(Decision{Kind: DecisionSkip, Tier: b.Tier, Count: n,
			Note: "within tolerance"})
		return
	}
	if !c.retire.CanProcessMore() {
		c.record(Decision{Kind: DecisionSkip, Tier: b.Tier, Count: n,
			Note: "retirement rate limited"})
		return
	}

	overpop := 0.0
	if t := b.Target(); t > 0 {
		overpop = float64(b.Current()-t) / float64(t)
	}

	// Rank the unprotected candidates by retirement priority, highest
	// first, and queue the top n.
	type ranked struct {
		guid  uuid.UUID
		score float64
	}
	var eligible []ranked
	for _, st := range c.registry.RetirementCandidates(b, n*2) {
		info, ok := c.players.Bot(st.GUID)
		if !ok || !c.retire.Eligible(info, overpop) {
			continue
		}
		hours := 0.0
		if d, ok := c.predictor.TimeInBracket(st.GUID); ok {
			hours = d.Hours()
		}
		eligible = append(eligible, ranked{
			guid:  st.GUID,
			score: c.retire.PriorityScore(st, info, overpop, hours),
		})
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score > eligible[j].score
		}
		return eligible[i].guid.String() < eligible[j].guid.String()
	})

	queued := 0
	for _, cand := range eligible {
		if queued >= n {
			break
		}
		if err := c.retire.Queue(cand.guid, fmt.Sprintf("overpopulation in %s", b.Tier)); err != nil {
			continue
		}
		queued++
	}
	if queued > 0 {
		c.mu.Lock()
		c.retired += uint64(queued)
		c.mu.Unlock()
		c.record(Decision{Kind: DecisionRetire, Tier: b.Tier, Count: queued})
	} else {
		c.record(Decision{Kind: DecisionSkip, Tier: b.Tier, Count: n,
			Note: "no eligible candidates"})
	}
}

func (c *Controller) handleSpawns(b *bracket.Bracket, n int) {
	reqs := c.calc.PendingSpawnRequests(n)
	if len(reqs) == 0 {
		c.record(Decision{Kind: DecisionSkip, Tier: b.Tier, Count: n,
			Note: "no pending spawn requests"})
		return
	}

	accepted := 0
	for _, req := range reqs {
		req := req
		err := c.pool.Enqueue(pool.Normal, func() error {
			return c.spawn(req)
		})
		if err != nil {
			c.record(Decision{Kind: DecisionCancel, Tier: req.Tier, Count: 1,
				Note: "pool rejected spawn task"})
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return
	}
	c.mu.Lock()
	c.spawned += uint64(accepted)
	c.mu.Unlock()
	c.record(Decision{Kind: DecisionSpawn, Tier: b.Tier, Count: accepted})
}

// maybeReport logs the 5-minute status report and forces a rebalance of
// any bracket deviating past the threshold.
func (c *Controller) maybeReport() {
	now := c.clock.Now()
	c.mu.Lock()
	if now.Sub(c.lastReport) < c.cfg.ReportInterval {
		c.mu.Unlock()
		return
	}
	c.lastReport = now
	spawned, retired := c.spawned, c.retired
	c.mu.Unlock()

	total := c.brackets.TotalCurrent()
	c.log.Info("population status",
		"total", humanize.Comma(total),
		"target", humanize.Comma(c.brackets.TotalPopulation()),
		"spawned", humanize.Comma(int64(spawned)),
		"retired", humanize.Comma(int64(retired)),
		"retire_stats", fmt.Sprintf("%+v", c.retire.Stats()))

	for _, b := range c.brackets.All() {
		dev := b.Deviation()
		c.log.Info("bracket status", "tier", b.Tier,
			"current", b.Current(), "target", b.Target(),
			"deviation", fmt.Sprintf("%.1f%%", dev*100))

		if dev > c.cfg.RebalanceDeviation || dev < -c.cfg.RebalanceDeviation {
			c.record(Decision{Kind: DecisionRebalance, Tier: b.Tier,
				Note: fmt.Sprintf("deviation %.1f%%", dev*100)})
			c.calc.Recalculate()
			rec := c.pid.Recommend(b.Tier, b.Target(), b.Current())
			if rec.Spawns > 0 {
				c.handleSpawns(b, rec.Spawns)
			} else if rec.Retires > 0 {
				c.handleRetires(b, rec.Retires)
			}
		}
	}
}

func (c *Controller) record(d Decision) {
	d.At = c.clock.Now()
	c.mu.Lock()
	c.decisions = append(c.decisions, d)
	if len(c.decisions) > decisionHistorySize {
		c.decisions = c.decisions[len(c.decisions)-decisionHistorySize:]
	}
	c.mu.Unlock()
}

// Decisions returns the bounded history, oldest first.
func (c *Controller) Decisions() []Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Decision(nil), c.decisions...)
}

// OnBotCreated registers a freshly ACTIVE bot with every subsystem.
func (c *Controller) OnBotCreated(guid uuid.UUID, level int) {
	b := c.brackets.ForLevel(level)
	if b == nil {
		return
	}
	b.Add(1)
	c.registry.OnBotCreated(guid, level)
	c.predictor.OnBracketEntered(guid, b.Tier)
	c.mu.Lock()
	c.tierOf[guid] = b.Tier
	c.mu.Unlock()
}

// OnBotDeleted removes a bot from every subsystem.
func (c *Controller) OnBotDeleted(guid uuid.UUID) {
	c.mu.Lock()
	tier, ok := c.tierOf[guid]
	delete(c.tierOf, guid)
	c.mu.Unlock()
	if ok {
		c.brackets.ByTier(tier).Add(-1)
	}
	c.registry.OnBotDeleted(guid)
	c.predictor.Forget(guid)
}

// OnBotLeveledUp moves a bot between brackets when a boundary is crossed.
func (c *Controller) OnBotLeveledUp(guid uuid.UUID, newLevel int) {
	nb := c.brackets.ForLevel(newLevel)
	if nb == nil {
		return
	}
	c.registry.OnBotLeveledUp(guid, newLevel)

	c.mu.Lock()
	old, ok := c.tierOf[guid]
	if !ok || old == nb.Tier {
		c.mu.Unlock()
		return
	}
	c.tierOf[guid] = nb.Tier
	c.mu.Unlock()

	c.brackets.ByTier(old).Add(-1)
	nb.Add(1)
	c.predictor.OnBracketExited(guid, old)
	c.predictor.OnBracketEntered(guid, nb.Tier)
}

// OnPlayerLogin feeds the activity tracker.
func (c *Controller) OnPlayerLogin(info host.PlayerInfo) {
	c.tracker.Observe(info)
}

// OnPlayerLogout drops the player immediately.
func (c *Controller) OnPlayerLogout(id host.PlayerID) {
	c.tracker.Remove(id)
}

// Stats is a point-in-time orchestrator summary.
type Stats struct {
	Ticks   uint64
	Spawned uint64
	Retired uint64
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Ticks: c.ticks, Spawned: c.spawned, Retired: c.retired}
}
