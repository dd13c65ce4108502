package population

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fixture struct {
	clock    *host.FakeClock
	fake     *host.Fake
	set      *bracket.Set
	registry *protect.Registry
	mgr      *retire.Manager
	pool     *pool.Pool
	ctrl     *Controller

	mu      sync.Mutex
	spawned []demand.SpawnRequest
}

func newFixture(t *testing.T, targets bracket.TierTargets, total int64) *fixture {
	t.Helper()

	clock := host.NewFakeClock(time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	fake := host.NewFake()
	set, err := bracket.NewSet(total, targets)
	require.NoError(t, err)

	registry := protect.NewRegistry(clock, protect.Config{})
	predictor := flow.NewPredictor(clock, set)
	tracker := activity.NewTracker(clock, set, 0)
	calc := demand.NewCalculator(demand.DefaultConfig(), clock, set, predictor, tracker, fake, nil, 1)

	retireCfg := retire.DefaultConfig()
	retireCfg.CoolingPeriodDays = 0
	retireCfg.AvoidPeakHours = false
	retireCfg.MinPlaytimeMinutes = 0
	retireCfg.MinOverpopulation = 0
	mgr := retire.NewManager(retireCfg, fake.Host(clock), registry, nil, nil)

	p := pool.New(pool.Config{NumThreads: 4, MaxQueueSize: 1024})
	t.Cleanup(p.Shutdown)

	f := &fixture{clock: clock, fake: fake, set: set, registry: registry, mgr: mgr, pool: p}
	f.ctrl = NewController(DefaultConfig(), Deps{
		Clock:     clock,
		Brackets:  set,
		Registry:  registry,
		Predictor: predictor,
		Tracker:   tracker,
		Calc:      calc,
		PID:       pid.NewController(pid.DefaultTuning()),
		Retire:    mgr,
		Pool:      p,
		Players:   fake,
		Spawn: func(req demand.SpawnRequest) error {
			f.mu.Lock()
			f.spawned = append(f.spawned, req)
			f.mu.Unlock()
			return nil
		},
		Log: nil,
	})
	return f
}

func (f *fixture) spawnedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func evenTargets() bracket.TierTargets {
	return bracket.TierTargets{
		bracket.Starting:     25,
		bracket.ChromieTime:  25,
		bracket.Dragonflight: 25,
		bracket.TheWarWithin: 25,
	}
}

// addBot registers a bot with the host and the controller at a level.
func (f *fixture) addBot(level int) uuid.UUID {
	guid := uuid.New()
	f.fake.BotsByGUID[guid] = host.BotInfo{GUID: guid, Level: level}
	f.ctrl.OnBotCreated(guid, level)
	return guid
}

func TestTickSpawnsForDeficitBrackets(t *testing.T) {
	f := newFixture(t, evenTargets(), 100)
	// Everything empty: every bracket is under target.

	f.ctrl.Tick()
	require.True(t, f.pool.WaitForCompletion(5*time.Second))

	assert.Greater(t, f.spawnedCount(), 0)

	var sawSpawn bool
	for _, d := range f.ctrl.Decisions() {
		if d.Kind == DecisionSpawn {
			sawSpawn = true
			assert.Greater(t, d.Count, 0)
		}
	}
	assert.True(t, sawSpawn)
}

func TestTickQueuesRetirementsForOverpopulatedBracket(t *testing.T) {
	f := newFixture(t, evenTargets(), 100)

	// Fill every bracket to target, then overfill Starting well past the
	// ±15% tolerance.
	for tier := bracket.Tier(0); tier < bracket.NumTiers; tier++ {
		f.set.ByTier(tier).SetCurrent(f.set.ByTier(tier).Target())
	}
	var bots []uuid.UUID
	for i := 0; i < 15; i++ {
		bots = append(bots, f.addBot(5))
	}
	// addBot bumped Starting by 15: current 40 vs target 25 (+60%).

	f.ctrl.Tick()

	stats := f.mgr.Stats()
	assert.Greater(t, stats.Completed+uint64(stats.Queued)+uint64(stats.Exiting), uint64(0))

	var sawRetire bool
	for _, d := range f.ctrl.Decisions() {
		if d.Kind == DecisionRetire && d.Tier == bracket.Starting {
			sawRetire = true
		}
	}
	assert.True(t, sawRetire)
	_ = bots
}

func TestRetirementPrefersHighestPriorityScore(t *testing.T) {
	f := newFixture(t, evenTargets(), 100)

	// Veteran entered the bracket 100 hours before the newcomer: its
	// time-in-bracket term dominates the ranking.
	veteran := f.addBot(5)
	f.clock.Advance(100 * time.Hour)
	newcomer := f.addBot(5)

	f.set.ByTier(bracket.Starting).SetCurrent(40)

	f.ctrl.handleRetires(f.set.ByTier(bracket.Starting), 1)

	_, ok := f.mgr.Candidate(veteran)
	assert.True(t, ok, "veteran should be queued first")
	_, ok = f.mgr.Candidate(newcomer)
	assert.False(t, ok, "newcomer should be spared while capacity lasts")
}

func TestWithinToleranceSkipsRetirement(t *testing.T) {
	f := newFixture(t, evenTargets(), 100)

	for tier := bracket.Tier(0); tier < bracket.NumTiers; tier++ {
		f.set.ByTier(tier).SetCurrent(f.set.ByTier(tier).Target())
	}
	// +12% on Starting: outside the PID deadband, inside ±15% tolerance.
	f.set.ByTier(bracket.Starting).SetCurrent(28)

	f.ctrl.Tick()

	assert.Equal(t, uint64(0), f.mgr.Stats().Completed)
	var sawSkip bool
	for _, d := range f.ctrl.Decisions() {
		if d.Kind == DecisionSkip && d.Tier == bracket.Starting {
			sawSkip = true
			assert.Equal(t, "within tolerance", d.Note)
		}
		assert.NotEqual(t, DecisionRetire, d.Kind)
	}
	assert.True(t, sawSkip)
}

func TestProtectedBotsNeverQueued(t *testing.T) {
	f := newFixture(t, evenTargets(), 100)

	for tier := bracket.Tier(0); tier < bracket.NumTiers; tier++ {
		f.set.ByTier(tier).SetCurrent(f.set.ByTier(tier).Target())
	}
	var bots []uuid.UUID
	for i := 0; i < 15; i++ {
		bots = append(bots, f.addBot(5))
	}
	for _, g := range bots {
		f.registry.SetManualProtect(g, true)
	}

	f.ctrl.Tick()

	s := f.mgr.Stats()
	assert.Equal(t, uint64(0), s.Completed)
	assert.Equal(t, 0, s.Queued)
}

func TestDecisionHistoryBounded(t *testing.T) {
	f := newFixture(t, evenTargets(), 100)

	for i := 0; i < decisionHistorySize+50; i++ {
		f.ctrl.record(Decision{Kind: DecisionSkip, Note: "filler"})
	}
	ds := f.ctrl.Decisions()
	assert.Len(t, ds, decisionHistorySize)
}

func TestBotLifecycleHooksMoveBracketCounts(t *testing.T) {
	f := newFixture(t, evenTargets(), 100)

	guid := f.addBot(5)
	assert.Equal(t, int64(1), f.set.ByTier(bracket.Starting).Current())

	// Levels within the bracket do not move counts.
	f.ctrl.OnBotLeveledUp(guid, 8)
	assert.Equal(t, int64(1), f.set.ByTier(bracket.Starting).Current())

	// Crossing into ChromieTime moves the count and records a transition.
	f.clock.Advance(2 * time.Hour)
	f.ctrl.OnBotLeveledUp(guid, 11)
	assert.Equal(t, int64(0), f.set.ByTier(bracket.Starting).Current())
	assert.Equal(t, int64(1), f.set.ByTier(bracket.ChromieTime).Current())

	f.ctrl.OnBotDeleted(guid)
	assert.Equal(t, int64(0), f.set.ByTier(bracket.ChromieTime).Current())
}

func TestPlayerHooksFeedTracker(t *testing.T) {
	f := newFixture(t, evenTargets(), 100)

	f.ctrl.OnPlayerLogin(host.PlayerInfo{ID: 7, Level: 5, ZoneID: 12})
	f.ctrl.OnPlayerLogout(7)

	// Next tick should see nothing to weight urgency up with.
	f.ctrl.Tick()
	assert.Equal(t, uint64(1), f.ctrl.Stats().Ticks)
}

func TestForcedRebalanceOnLargeDeviation(t *testing.T) {
	f := newFixture(t, evenTargets(), 100)

	for tier := bracket.Tier(0); tier < bracket.NumTiers; tier++ {
		f.set.ByTier(tier).SetCurrent(f.set.ByTier(tier).Target())
	}
	// Starting 40% under target: far past the 10% rebalance threshold.
	f.set.ByTier(bracket.Starting).SetCurrent(15)

	// First tick establishes lastReport; the report runs on the first
	// pass because lastReport starts at zero.
	f.ctrl.Tick()

	var sawRebalance bool
	for _, d := range f.ctrl.Decisions() {
		if d.Kind == DecisionRebalance && d.Tier == bracket.Starting {
			sawRebalance = true
		}
	}
	assert.True(t, sawRebalance)
}
