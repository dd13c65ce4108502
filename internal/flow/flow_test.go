package flow

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/host"
)

func testSet(t *testing.T) *bracket.Set {
	t.Helper()
	set, err := bracket.NewSet(100, bracket.TierTargets{
		bracket.Starting:     25,
		bracket.ChromieTime:  25,
		bracket.Dragonflight: 25,
		bracket.TheWarWithin: 25,
	})
	require.NoError(t, err)
	return set
}

func TestRollingStatsWelford(t *testing.T) {
	var s RollingStats
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.add(v)
	}
	assert.Equal(t, int64(8), s.N)
	assert.InDelta(t, 5.0, s.Mean, 1e-9)
	assert.InDelta(t, 2.138, s.StdDev(), 0.001)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 9.0, s.Max)
}

func TestRollingStatsRestoreRoundTrip(t *testing.T) {
	var s RollingStats
	for _, v := range []float64{100, 200, 300} {
		s.add(v)
	}
	r := RestoreStats(s.N, s.Mean, s.M2(), s.Min, s.Max)
	assert.Equal(t, s.N, r.N)
	assert.InDelta(t, s.Mean, r.Mean, 1e-9)
	assert.InDelta(t, s.StdDev(), r.StdDev(), 1e-9)
}

func TestExitWithoutEntryIgnored(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	p := NewPredictor(clock, testSet(t))

	p.OnBracketExited(uuid.New(), bracket.Starting)
	assert.Equal(t, int64(0), p.Stats(bracket.Starting).N)
}

func TestReentryReplacesResidency(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	p := NewPredictor(clock, testSet(t))

	guid := uuid.New()
	p.OnBracketEntered(guid, bracket.Starting)
	clock.Advance(time.Hour)
	p.OnBracketEntered(guid, bracket.Starting)
	clock.Advance(30 * time.Minute)
	p.OnBracketExited(guid, bracket.Starting)

	// Only the second residency counts.
	assert.InDelta(t, (30 * time.Minute).Seconds(), p.Stats(bracket.Starting).Mean, 0.01)
}

func TestTransitionSinkReceivesClosedResidencies(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	p := NewPredictor(clock, testSet(t))

	type recorded struct {
		guid uuid.UUID
		tier bracket.Tier
		dur  time.Duration
		at   time.Time
	}
	var got []recorded
	p.SetTransitionSink(func(guid uuid.UUID, tier bracket.Tier, dur time.Duration, at time.Time) {
		got = append(got, recorded{guid, tier, dur, at})
	})

	guid := uuid.New()
	p.OnBracketEntered(guid, bracket.Starting)
	clock.Advance(2 * time.Hour)
	p.OnBracketExited(guid, bracket.Starting)

	// Exits without a matching entry never reach the sink.
	p.OnBracketExited(uuid.New(), bracket.Starting)

	require.Len(t, got, 1)
	assert.Equal(t, guid, got[0].guid)
	assert.Equal(t, bracket.Starting, got[0].tier)
	assert.Equal(t, 2*time.Hour, got[0].dur)
	assert.Equal(t, clock.Now(), got[0].at)
}

func TestForgetDropsResidencyWithoutSample(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	p := NewPredictor(clock, testSet(t))

	guid := uuid.New()
	p.OnBracketEntered(guid, bracket.Starting)
	p.Forget(guid)
	clock.Advance(time.Hour)
	p.OnBracketExited(guid, bracket.Starting)

	assert.Equal(t, int64(0), p.Stats(bracket.Starting).N)
	assert.Equal(t, 0, p.ResidentCount(bracket.Starting))
}

func TestConfidenceGrowsWithSamplesShrinksWithVariance(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))

	steady := NewPredictor(clock, testSet(t))
	for i := 0; i < 20; i++ {
		guid := uuid.New()
		steady.OnBracketEntered(guid, bracket.Starting)
		clock.Advance(time.Hour)
		steady.OnBracketExited(guid, bracket.Starting)
	}

	noisy := NewPredictor(clock, testSet(t))
	for i := 0; i < 20; i++ {
		guid := uuid.New()
		noisy.OnBracketEntered(guid, bracket.Starting)
		if i%2 == 0 {
			clock.Advance(10 * time.Minute)
		} else {
			clock.Advance(3 * time.Hour)
		}
		noisy.OnBracketExited(guid, bracket.Starting)
	}

	few := NewPredictor(clock, testSet(t))
	guid := uuid.New()
	few.OnBracketEntered(guid, bracket.Starting)
	clock.Advance(time.Hour)
	few.OnBracketExited(guid, bracket.Starting)

	cSteady := steady.PredictFlow(bracket.Starting, time.Minute).Confidence
	cNoisy := noisy.PredictFlow(bracket.Starting, time.Minute).Confidence
	cFew := few.PredictFlow(bracket.Starting, time.Minute).Confidence

	assert.Greater(t, cSteady, cNoisy)
	assert.Greater(t, cSteady, cFew)
}

func TestPredictFlowNoDataIsZeroConfidence(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	p := NewPredictor(clock, testSet(t))

	pred := p.PredictFlow(bracket.Starting, 30*time.Minute)
	assert.Equal(t, 0, pred.Outflow)
	assert.Equal(t, 0.0, pred.Confidence)
}

func TestInflowComesFromLowerBracket(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	p := NewPredictor(clock, testSet(t))

	// Establish a 1h mean for Starting.
	for i := 0; i < 5; i++ {
		guid := uuid.New()
		p.OnBracketEntered(guid, bracket.Starting)
		clock.Advance(time.Hour)
		p.OnBracketExited(guid, bracket.Starting)
	}

	// Three bots sitting in Starting at 55 minutes: all due within 10m.
	for i := 0; i < 3; i++ {
		p.OnBracketEntered(uuid.New(), bracket.Starting)
	}
	clock.Advance(55 * time.Minute)

	pred := p.PredictFlow(bracket.ChromieTime, 10*time.Minute)
	assert.Equal(t, 3, pred.Inflow)
	assert.Equal(t, 0, pred.Outflow)
	assert.Equal(t, 3, pred.Net)
	assert.Equal(t, time.Duration(0), pred.TimeToEmpty)
}

func TestTimeToEmptyWhenDraining(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	set := testSet(t)
	p := NewPredictor(clock, set)

	for i := 0; i < 5; i++ {
		guid := uuid.New()
		p.OnBracketEntered(guid, bracket.Starting)
		clock.Advance(time.Hour)
		p.OnBracketExited(guid, bracket.Starting)
	}

	set.ByTier(bracket.Starting).SetCurrent(10)
	for i := 0; i < 2; i++ {
		p.OnBracketEntered(uuid.New(), bracket.Starting)
	}
	clock.Advance(time.Hour)

	pred := p.PredictFlow(bracket.Starting, 30*time.Minute)
	require.Equal(t, 2, pred.Outflow)
	require.Equal(t, -2, pred.Net)
	// 10 residents leaving 2 per 30m window.
	assert.Equal(t, 150*time.Minute, pred.TimeToEmpty)
}

func TestBotsLikelyToLeaveSortedMostOverdueFirst(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	p := NewPredictor(clock, testSet(t))

	for i := 0; i < 5; i++ {
		guid := uuid.New()
		p.OnBracketEntered(guid, bracket.Starting)
		clock.Advance(time.Hour)
		p.OnBracketExited(guid, bracket.Starting)
	}

	old := uuid.New()
	p.OnBracketEntered(old, bracket.Starting)
	clock.Advance(30 * time.Minute)
	young := uuid.New()
	p.OnBracketEntered(young, bracket.Starting)
	fresh := uuid.New()
	p.OnBracketEntered(fresh, bracket.Starting)
	clock.Advance(25 * time.Minute)

	// old: 55m elapsed, young/fresh: 25m. Window 10m reaches only old.
	leavers := p.BotsLikelyToLeave(bracket.Starting, 10*time.Minute)
	require.Len(t, leavers, 1)
	assert.Equal(t, old, leavers[0].GUID)

	// Window 40m reaches everyone; old is most overdue.
	leavers = p.BotsLikelyToLeave(bracket.Starting, 40*time.Minute)
	require.Len(t, leavers, 3)
	assert.Equal(t, old, leavers[0].GUID)
	assert.Greater(t, leavers[0].Excess, leavers[1].Excess)
}

// Ten bots level through Starting in roughly two hours; a later cohort at
// 1h45m should show heavy outflow over the next half hour.
func TestStartingBracketFlowScenario(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1_700_000_000, 0))
	p := NewPredictor(clock, testSet(t))

	base := 2 * time.Hour
	offsets := []time.Duration{
		-12 * time.Minute, -9 * time.Minute, -6 * time.Minute, -3 * time.Minute, 0,
		3 * time.Minute, 5 * time.Minute, 8 * time.Minute, 10 * time.Minute, 12 * time.Minute,
	}

	start := clock.Now()
	cohort := make([]uuid.UUID, len(offsets))
	for i := range cohort {
		cohort[i] = uuid.New()
		p.OnBracketEntered(cohort[i], bracket.Starting)
	}
	for i, off := range offsets {
		clock.Set(start.Add(base + off))
		p.OnBracketExited(cohort[i], bracket.Starting)
	}

	stats := p.Stats(bracket.Starting)
	require.Equal(t, int64(10), stats.N)
	assert.InDelta(t, base.Seconds(), stats.Mean, 60)

	// Second cohort, observed 15 minutes before the learned mean.
	second := clock.Now()
	for i := 0; i < 10; i++ {
		p.OnBracketEntered(uuid.New(), bracket.Starting)
	}
	clock.Set(second.Add(time.Hour + 45*time.Minute))

	pred := p.PredictFlow(bracket.Starting, 30*time.Minute)
	assert.GreaterOrEqual(t, pred.Outflow, 5, fmt.Sprintf("prediction: %+v", pred))
	assert.GreaterOrEqual(t, pred.Confidence, 0.8)
}
