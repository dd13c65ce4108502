package pid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travsart/botpop/internal/bracket"
)

func TestProportionalResponse(t *testing.T) {
	c := NewController(Tuning{Kp: 0.5, Deadband: 0, OutputMin: -100, OutputMax: 100, DerivativeSmoothing: 1})

	// 20% under target.
	out := c.Update(bracket.Starting, 100, 80)
	assert.InDelta(t, 10.0, out, 1e-9)

	// 20% over target on a fresh loop.
	out = c.Update(bracket.ChromieTime, 100, 120)
	assert.InDelta(t, -10.0, out, 1e-9)
}

func TestDeadbandSuppressesSmallErrors(t *testing.T) {
	c := NewController(DefaultTuning())

	// 1% error is inside the 2% deadband.
	assert.Equal(t, 0.0, c.Update(bracket.Starting, 100, 99))
	// The integral must not accumulate while inside the band.
	assert.Equal(t, 0.0, c.Integral(bracket.Starting))
}

func TestIntegralAccumulatesOnPersistentError(t *testing.T) {
	c := NewController(Tuning{Ki: 0.1, Deadband: 0, OutputMin: -100, OutputMax: 100, DerivativeSmoothing: 1, IntegralLimit: 1000})

	// Constant 10% error: output grows each cycle on the integral term.
	var prev float64
	for i := 0; i < 5; i++ {
		out := c.Update(bracket.Starting, 100, 90)
		assert.Greater(t, out, prev)
		prev = out
	}
	assert.InDelta(t, 50.0, c.Integral(bracket.Starting), 1e-9)
}

func TestIntegralClampPreventsWindup(t *testing.T) {
	tn := Tuning{Ki: 1, Deadband: 0, OutputMin: -100, OutputMax: 100, DerivativeSmoothing: 1, IntegralLimit: 25}
	c := NewController(tn)

	for i := 0; i < 50; i++ {
		c.Update(bracket.Starting, 100, 50)
	}
	assert.Equal(t, 25.0, c.Integral(bracket.Starting))
}

func TestOutputClamping(t *testing.T) {
	c := NewController(Tuning{Kp: 10, Deadband: 0, OutputMin: -5, OutputMax: 8, DerivativeSmoothing: 1})

	assert.Equal(t, 8.0, c.Update(bracket.Starting, 100, 0))
	assert.Equal(t, -5.0, c.Update(bracket.ChromieTime, 100, 200))
}

func TestDerivativeSmoothing(t *testing.T) {
	tn := Tuning{Kd: 1, Deadband: 0, OutputMin: -100, OutputMax: 100, DerivativeSmoothing: 0.5}
	c := NewController(tn)

	// First cycle has no derivative history: output 0.
	assert.Equal(t, 0.0, c.Update(bracket.Starting, 100, 90))

	// Error jumps 10% -> 30%: raw derivative 20, smoothed to 10.
	out := c.Update(bracket.Starting, 100, 70)
	assert.InDelta(t, 10.0, out, 1e-9)
}

func TestTargetChangeReinitialisesLoop(t *testing.T) {
	c := NewController(Tuning{Ki: 1, Deadband: 0, OutputMin: -1000, OutputMax: 1000, DerivativeSmoothing: 1, IntegralLimit: 1000})

	for i := 0; i < 5; i++ {
		c.Update(bracket.Starting, 100, 50)
	}
	require.NotZero(t, c.Integral(bracket.Starting))

	c.Update(bracket.Starting, 200, 50)
	// Only the first post-change cycle's error remains.
	assert.InDelta(t, 75.0, c.Integral(bracket.Starting), 1e-9)
}

func TestResetClearsState(t *testing.T) {
	c := NewController(DefaultTuning())
	c.Update(bracket.Starting, 100, 50)
	require.NotZero(t, c.Integral(bracket.Starting))
	c.Reset(bracket.Starting)
	assert.Zero(t, c.Integral(bracket.Starting))
}

func TestRecommendRoundsToWholeBots(t *testing.T) {
	c := NewController(Tuning{Kp: 0.3, Deadband: 0, OutputMin: -100, OutputMax: 100, DerivativeSmoothing: 1})

	rec := c.Recommend(bracket.Starting, 100, 80) // output 6
	assert.Equal(t, 6, rec.Spawns)
	assert.Equal(t, 0, rec.Retires)

	rec = c.Recommend(bracket.ChromieTime, 100, 110) // output -3
	assert.Equal(t, 0, rec.Spawns)
	assert.Equal(t, 3, rec.Retires)
}

// Bracket balancing: deficit brackets get spawns proportional to their
// relative shortfall, a bracket inside tolerance gets no retirements
// forced on it by the controller output sign.
func TestBracketBalancingScenario(t *testing.T) {
	c := NewController(DefaultTuning())

	targets := map[bracket.Tier][2]int64{
		bracket.Starting:     {75, 80},
		bracket.ChromieTime:  {225, 200},
		bracket.Dragonflight: {100, 80},
		bracket.TheWarWithin: {100, 80},
	}

	recs := make(map[bracket.Tier]Recommendation)
	for tier, tc := range targets {
		recs[tier] = c.Recommend(tier, tc[0], tc[1])
	}

	// Dragonflight and TheWarWithin carry the largest relative deficit.
	assert.Greater(t, recs[bracket.Dragonflight].Spawns, recs[bracket.ChromieTime].Spawns)
	assert.Greater(t, recs[bracket.TheWarWithin].Spawns, recs[bracket.ChromieTime].Spawns)
	assert.Equal(t, recs[bracket.Dragonflight].Spawns, recs[bracket.TheWarWithin].Spawns)

	// ChromieTime is under target: spawns, never retirements.
	assert.Greater(t, recs[bracket.ChromieTime].Spawns, 0)
	assert.Equal(t, 0, recs[bracket.ChromieTime].Retires)

	// Starting is mildly over target: small negative output.
	assert.Greater(t, recs[bracket.Starting].Retires, 0)
	assert.LessOrEqual(t, recs[bracket.Starting].Retires, 3)

	// Aggregate stays inside the output cap per bracket.
	total := 0
	for _, r := range recs {
		assert.LessOrEqual(t, r.Output, DefaultTuning().OutputMax)
		assert.GreaterOrEqual(t, r.Output, DefaultTuning().OutputMin)
		total += r.Spawns
	}
	assert.LessOrEqual(t, total, 3*int(DefaultTuning().OutputMax))
}
