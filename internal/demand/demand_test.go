package demand

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travsart/botpop/internal/activity"
	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/flow"
	"github.com/travsart/botpop/internal/host"
)

type fixture struct {
	clock     *host.FakeClock
	set       *bracket.Set
	predictor *flow.Predictor
	tracker   *activity.Tracker
	fake      *host.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := host.NewFakeClock(time.Unix(1_700_000_000, 0))
	set, err := bracket.NewSet(100, bracket.TierTargets{
		bracket.Starting:     25,
		bracket.ChromieTime:  25,
		bracket.Dragonflight: 25,
		bracket.TheWarWithin: 25,
	})
	require.NoError(t, err)
	fake := host.NewFake()
	return &fixture{
		clock:     clock,
		set:       set,
		predictor: flow.NewPredictor(clock, set),
		tracker:   activity.NewTracker(clock, set, 0),
		fake:      fake,
	}
}

func (f *fixture) calculator(cfg Config, botsInZone func(uint32) int) *Calculator {
	return NewCalculator(cfg, f.clock, f.set, f.predictor, f.tracker, f.fake, botsInZone, 1)
}

// fill sets every tier except the listed ones to its target so only the
// bracket under test produces demand.
func (f *fixture) fill(except ...bracket.Tier) {
	for t := bracket.Tier(0); t < bracket.NumTiers; t++ {
		skip := false
		for _, e := range except {
			if t == e {
				skip = true
			}
		}
		if !skip {
			f.set.ByTier(t).SetCurrent(f.set.ByTier(t).Target())
		}
	}
}

func TestDeficitAndUrgency(t *testing.T) {
	f := newFixture(t)
	f.fill(bracket.Starting)
	f.set.ByTier(bracket.Starting).SetCurrent(20) // target 25, deficit 5

	c := f.calculator(DefaultConfig(), nil)
	c.Recalculate()

	d := c.Demand(bracket.Starting)
	assert.Equal(t, int64(5), d.Deficit)
	assert.Equal(t, int64(5), d.EffectiveDeficit)
	assert.InDelta(t, 0.2, d.Urgency, 1e-9)
}

func TestUrgencyWeightedUpWhenPlayersPresent(t *testing.T) {
	f := newFixture(t)
	f.fill(bracket.Starting)
	f.set.ByTier(bracket.Starting).SetCurrent(20)
	f.tracker.Observe(host.PlayerInfo{ID: 1, Level: 5, ZoneID: 40})

	c := f.calculator(DefaultConfig(), nil)
	c.Recalculate()

	d := c.Demand(bracket.Starting)
	assert.Equal(t, 1, d.PlayersPresent)
	assert.InDelta(t, 0.25, d.Urgency, 1e-9) // 0.2 * 1.25
}

func TestUrgencyClampedToOne(t *testing.T) {
	f := newFixture(t)
	f.fill(bracket.Starting)
	f.set.ByTier(bracket.Starting).SetCurrent(0) // full deficit

	c := f.calculator(DefaultConfig(), nil)
	c.Recalculate()

	assert.Equal(t, 1.0, c.Demand(bracket.Starting).Urgency)
}

func TestEffectiveDeficitIncludesPredictedFlow(t *testing.T) {
	f := newFixture(t)
	f.fill()
	f.set.ByTier(bracket.Starting).SetCurrent(25) // zero raw deficit

	// Teach the predictor a 1h mean, then park three bots past it.
	for i := 0; i < 5; i++ {
		g := uuid.New()
		f.predictor.OnBracketEntered(g, bracket.Starting)
		f.clock.Advance(time.Hour)
		f.predictor.OnBracketExited(g, bracket.Starting)
	}
	for i := 0; i < 3; i++ {
		f.predictor.OnBracketEntered(uuid.New(), bracket.Starting)
	}
	f.clock.Advance(time.Hour)

	c := f.calculator(DefaultConfig(), nil)
	c.Recalculate()

	d := c.Demand(bracket.Starting)
	assert.Equal(t, int64(0), d.Deficit)
	assert.Equal(t, int64(3), d.EffectiveDeficit) // three predicted leavers
}

func TestEmptyBracketProducesFullDeficitRequests(t *testing.T) {
	f := newFixture(t)
	f.fill(bracket.ChromieTime)
	f.set.ByTier(bracket.ChromieTime).SetCurrent(0)

	c := f.calculator(DefaultConfig(), nil)
	c.Recalculate()

	assert.Equal(t, 25, c.PendingCount())
	reqs := c.PendingSpawnRequests(100)
	require.Len(t, reqs, 25)
	for _, r := range reqs {
		assert.Equal(t, bracket.ChromieTime, r.Tier)
		assert.GreaterOrEqual(t, r.Level, 10)
		assert.Less(t, r.Level, 60)
		assert.Equal(t, "bracket deficit", r.Reason)
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestBelowMinimumsProducesNoRequests(t *testing.T) {
	f := newFixture(t)
	f.fill(bracket.Starting)
	f.set.ByTier(bracket.Starting).SetCurrent(24) // deficit 1, urgency 0.04

	cfg := DefaultConfig()
	cfg.MinDeficitForSpawn = 2
	c := f.calculator(cfg, nil)
	c.Recalculate()

	assert.Equal(t, 0, c.PendingCount())
}

func TestPendingDrainsHighestPriorityFirst(t *testing.T) {
	f := newFixture(t)
	f.fill(bracket.Starting, bracket.ChromieTime)
	f.set.ByTier(bracket.Starting).SetCurrent(0)     // urgency 1.0
	f.set.ByTier(bracket.ChromieTime).SetCurrent(20) // urgency 0.2

	c := f.calculator(DefaultConfig(), nil)
	c.Recalculate()

	first := c.PendingSpawnRequests(1)
	require.Len(t, first, 1)
	assert.Equal(t, bracket.Starting, first[0].Tier)
	assert.Equal(t, 1.0, first[0].Priority)
}

func TestZoneScoringPrefersPlayersAndQuestHubs(t *testing.T) {
	f := newFixture(t)
	f.fill(bracket.Starting)
	f.set.ByTier(bracket.Starting).SetCurrent(23)
	f.fake.ZoneList = []host.Zone{
		{ID: 10, MapID: 0, MinLevel: 1, MaxLevel: 10},
		{ID: 11, MapID: 0, MinLevel: 1, MaxLevel: 10, QuestHub: true},
		{ID: 12, MapID: 1, MinLevel: 1, MaxLevel: 10},
	}
	// Two players in the plain zone 12: proximity (2*2=4) beats hub bonus
	// halved for emptiness (5*0.5=2.5).
	f.tracker.Observe(host.PlayerInfo{ID: 1, Level: 5, ZoneID: 12})
	f.tracker.Observe(host.PlayerInfo{ID: 2, Level: 6, ZoneID: 12})

	c := f.calculator(DefaultConfig(), nil)
	c.Recalculate()

	reqs := c.PendingSpawnRequests(1)
	require.Len(t, reqs, 1)
	assert.Equal(t, uint32(12), reqs[0].ZoneID)
	assert.Equal(t, uint32(1), reqs[0].MapID)
}

func TestOverpopulatedZonesSkipped(t *testing.T) {
	f := newFixture(t)
	f.fill(bracket.Starting)
	f.set.ByTier(bracket.Starting).SetCurrent(23)
	f.fake.ZoneList = []host.Zone{
		{ID: 10, MinLevel: 1, MaxLevel: 10, QuestHub: true},
		{ID: 11, MinLevel: 1, MaxLevel: 10},
	}

	cfg := DefaultConfig()
	cfg.MaxBotsPerZone = 5
	c := f.calculator(cfg, func(zoneID uint32) int {
		if zoneID == 10 {
			return 5 // saturated hub
		}
		return 0
	})
	c.Recalculate()

	reqs := c.PendingSpawnRequests(1)
	require.Len(t, reqs, 1)
	assert.Equal(t, uint32(11), reqs[0].ZoneID)
}

func TestAllZonesSaturatedFallsBackToLeastCrowded(t *testing.T) {
	f := newFixture(t)
	f.fill(bracket.Starting)
	f.set.ByTier(bracket.Starting).SetCurrent(23)
	f.fake.ZoneList = []host.Zone{
		{ID: 10, MinLevel: 1, MaxLevel: 10},
		{ID: 11, MinLevel: 1, MaxLevel: 10},
	}

	cfg := DefaultConfig()
	cfg.MaxBotsPerZone = 5
	c := f.calculator(cfg, func(zoneID uint32) int {
		if zoneID == 10 {
			return 9
		}
		return 6
	})
	c.Recalculate()

	reqs := c.PendingSpawnRequests(1)
	require.Len(t, reqs, 1)
	assert.Equal(t, uint32(11), reqs[0].ZoneID)
}

func TestDueRespectsCadence(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.RecalculateInterval = 30 * time.Second
	c := f.calculator(cfg, nil)

	require.True(t, c.Due()) // never ran
	c.Recalculate()
	assert.False(t, c.Due())
	f.clock.Advance(29 * time.Second)
	assert.False(t, c.Due())
	f.clock.Advance(time.Second)
	assert.True(t, c.Due())
	assert.Equal(t, uint64(1), c.Recalculations())
}
