// Package demand turns bracket deficits, predicted flow, and live player
// activity into concrete spawn requests: how many bots each bracket
// needs, at what level, and in which zone.
package demand

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/travsart/botpop/internal/activity"
	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/flow"
	"github.com/travsart/botpop/internal/host"
)

// Config tunes deficit weighting and zone selection.
type Config struct {
	PlayerProximityWeight   float64
	BracketDeficitWeight    float64
	QuestHubBonus           float64
	FlowPredictionWeight    float64
	MinDeficitForSpawn      int64
	MinUrgencyForSpawn      float64
	PrioritizePlayerZones   bool
	AvoidOverpopulatedZones bool
	MaxBotsPerZone          int
	RecalculateInterval     time.Duration
	FlowWindow              time.Duration
	MaxPendingRequests      int
}

// DefaultConfig matches the shipped defaults.
func DefaultConfig() Config {
	return Config{
		PlayerProximityWeight:   2.0,
		BracketDeficitWeight:    1.0,
		QuestHubBonus:           5.0,
		FlowPredictionWeight:    1.0,
		MinDeficitForSpawn:      1,
		MinUrgencyForSpawn:      0.05,
		PrioritizePlayerZones:   true,
		AvoidOverpopulatedZones: true,
		MaxBotsPerZone:          20,
		RecalculateInterval:     30 * time.Second,
		FlowWindow:              30 * time.Minute,
		MaxPendingRequests:      200,
	}
}

// BracketDemand is the computed need of one bracket.
type BracketDemand struct {
	Tier             bracket.Tier
	Deficit          int64
	EffectiveDeficit int64
	Urgency          float64
	PlayersPresent   int
}

// SpawnRequest asks the orchestrator to create one bot.
type SpawnRequest struct {
	Tier      bracket.Tier
	Level     int
	ZoneID    uint32
	MapID     uint32
	Priority  float64
	Reason    string
	CreatedAt time.Time
}

// Calculator recomputes bracket demand on a cadence and queues spawn
// requests for the orchestrator to drain.
type Calculator struct {
	cfg        Config
	clock      host.Clock
	brackets   *bracket.Set
	predictor  *flow.Predictor
	tracker    *activity.Tracker
	zones      host.ZoneProvider
	botsInZone func(zoneID uint32) int

	mu         sync.Mutex
	rng        *rand.Rand
	demands    [bracket.NumTiers]BracketDemand
	pending    []SpawnRequest
	lastRecalc time.Time
	recalcs    uint64
}

// NewCalculator wires the calculator. botsInZone reports current bot
// density per zone (nil means zero everywhere).
func NewCalculator(cfg Config, clock host.Clock, brackets *bracket.Set,
	predictor *flow.Predictor, tracker *activity.Tracker,
	zones host.ZoneProvider, botsInZone func(uint32) int, seed int64) *Calculator {

	if botsInZone == nil {
		botsInZone = func(uint32) int { return 0 }
	}
	return &Calculator{
		cfg:        cfg,
		clock:      clock,
		brackets:   brackets,
		predictor:  predictor,
		tracker:    tracker,
		zones:      zones,
		botsInZone: botsInZone,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Due reports whether the recompute cadence has elapsed.
func (c *Calculator) Due() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Now().Sub(c.lastRecalc) >= c.cfg.RecalculateInterval
}

// Recalculate recomputes every bracket's demand and refreshes the
// pending request queue.
func (c *Calculator) Recalculate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastRecalc = c.clock.Now()
	c.recalcs++
	c.pending = c.pending[:0]

	for t := bracket.Tier(0); t < bracket.NumTiers; t++ {
		d := c.computeDemand(t)
		c.demands[t] = d
		c.queueRequests(d)
	}

	sort.SliceStable(c.pending, func(i, j int) bool {
		return c.pending[i].Priority > c.pending[j].Priority
	})
	if len(c.pending) > c.cfg.MaxPendingRequests {
		c.pending = c.pending[:c.cfg.MaxPendingRequests]
	}
}

func (c *Calculator) computeDemand(t bracket.Tier) BracketDemand {
	b := c.brackets.ByTier(t)
	deficit := b.Deficit()

	pred := c.predictor.PredictFlow(t, c.cfg.FlowWindow)
	flowTerm := c.cfg.FlowPredictionWeight * float64(pred.Outflow-pred.Inflow)
	effective := deficit + int64(flowTerm)

	players := c.tracker.PlayersInBracket(t)

	var urgency float64
	if target := b.Target(); target > 0 && effective > 0 {
		urgency = float64(effective) / float64(target)
		if players > 0 {
			urgency *= 1.25
		}
		if urgency > 1 {
			urgency = 1
		}
	}

	return BracketDemand{
		Tier:             t,
		Deficit:          deficit,
		EffectiveDeficit: effective,
		Urgency:          urgency,
		PlayersPresent:   players,
	}
}

func (c *Calculator) queueRequests(d BracketDemand) {
	if d.EffectiveDeficit < c.cfg.MinDeficitForSpawn || d.Urgency < c.cfg.MinUrgencyForSpawn {
		return
	}
	b := c.brackets.ByTier(d.Tier)
	now := c.clock.Now()

	for i := int64(0); i < d.EffectiveDeficit; i++ {
		level := c.sampleLevel(b)
		zone, ok := c.pickZone(level)
		req := SpawnRequest{
			Tier:      d.Tier,
			Level:     level,
			Priority:  d.Urgency,
			Reason:    "bracket deficit",
			CreatedAt: now,
		}
		if ok {
			req.ZoneID = zone.ID
			req.MapID = zone.MapID
		}
		c.pending = append(c.pending, req)
	}
}

// sampleLevel picks a level uniformly inside the bracket, leaving the
// upper boundary to the next tier.
func (c *Calculator) sampleLevel(b *bracket.Bracket) int {
	span := b.MaxLevel - b.MinLevel
	if span <= 0 {
		return b.MinLevel
	}
	return b.MinLevel + c.rng.Intn(span)
}

// pickZone scores every zone covering the level and returns the best.
// Scoring favours zones with nearby players and quest hubs, and penalises
// or skips zones already dense with bots.
func (c *Calculator) pickZone(level int) (host.Zone, bool) {
	candidates := c.zones.ZonesForLevel(level)
	if len(candidates) == 0 {
		return host.Zone{}, false
	}

	best := -1
	bestScore := 0.0
	for i, z := range candidates {
		bots := c.botsInZone(z.ID)
		if c.cfg.AvoidOverpopulatedZones && c.cfg.MaxBotsPerZone > 0 && bots >= c.cfg.MaxBotsPerZone {
			continue
		}

		players := c.tracker.PlayersInZone(z.ID)
		score := c.cfg.PlayerProximityWeight * float64(players)
		if z.QuestHub {
			score += c.cfg.QuestHubBonus
		}
		if c.cfg.MaxBotsPerZone > 0 {
			score -= float64(bots) / float64(c.cfg.MaxBotsPerZone)
		}
		if c.cfg.PrioritizePlayerZones && players == 0 {
			score *= 0.5
		}

		if best == -1 || score > bestScore || (score == bestScore && z.ID < candidates[best].ID) {
			best, bestScore = i, score
		}
	}
	if best == -1 {
		// Everything is saturated; fall back to the least crowded zone.
		for i, z := range candidates {
			if best == -1 || c.botsInZone(z.ID) < c.botsInZone(candidates[best].ID) {
				best = i
			}
		}
	}
	return candidates[best], true
}

// Demand returns the last computed demand for a bracket.
func (c *Calculator) Demand(t bracket.Tier) BracketDemand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.demands[t]
}

// PendingSpawnRequests pops up to n requests, highest priority first.
func (c *Calculator) PendingSpawnRequests(n int) []SpawnRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.pending) {
		n = len(c.pending)
	}
	out := make([]SpawnRequest, n)
	copy(out, c.pending[:n])
	c.pending = c.pending[n:]
	return out
}

// PendingCount reports the queue depth without draining it.
func (c *Calculator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Recalculations reports how many recompute passes have run.
func (c *Calculator) Recalculations() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recalcs
}
