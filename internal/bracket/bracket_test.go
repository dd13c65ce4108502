package bracket

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetNormalisesTargetsTo100(t *testing.T) {
	// Deliberately un-normalised inputs.
	s, err := NewSet(1000, TierTargets{
		Starting:     30,
		ChromieTime:  90,
		Dragonflight: 40,
		TheWarWithin: 40,
	})
	require.NoError(t, err)

	var sum float64
	for _, b := range s.All() {
		sum += b.TargetPct
	}
	assert.InDelta(t, 100.0, sum, 0.01)
	assert.Equal(t, int64(150), s.ByTier(Starting).Target())
	assert.Equal(t, int64(450), s.ByTier(ChromieTime).Target())
}

func TestNewSetRejectsBadInput(t *testing.T) {
	_, err := NewSet(0, TierTargets{Starting: 25, ChromieTime: 25, Dragonflight: 25, TheWarWithin: 25})
	assert.Error(t, err)

	_, err = NewSet(100, TierTargets{Starting: 25})
	assert.Error(t, err)

	_, err = NewSet(100, TierTargets{Starting: -5, ChromieTime: 40, Dragonflight: 40, TheWarWithin: 25})
	assert.Error(t, err)
}

func TestForLevelBoundaryBelongsToLowerTier(t *testing.T) {
	s, err := NewSet(100, TierTargets{Starting: 25, ChromieTime: 25, Dragonflight: 25, TheWarWithin: 25})
	require.NoError(t, err)

	assert.Equal(t, Starting, s.ForLevel(10).Tier)
	assert.Equal(t, ChromieTime, s.ForLevel(11).Tier)
	assert.Equal(t, Dragonflight, s.ForLevel(65).Tier)
	assert.Equal(t, TheWarWithin, s.ForLevel(80).Tier)
	assert.Nil(t, s.ForLevel(81))
}

func TestDeviationAndTolerance(t *testing.T) {
	s, err := NewSet(400, TierTargets{Starting: 25, ChromieTime: 25, Dragonflight: 25, TheWarWithin: 25})
	require.NoError(t, err)
	b := s.ByTier(Starting) // target 100

	b.SetCurrent(100)
	assert.True(t, b.WithinTolerance())
	assert.Zero(t, b.Deviation())

	b.SetCurrent(115)
	assert.True(t, b.WithinTolerance(), "exactly +15% is inside the band")

	b.SetCurrent(116)
	assert.False(t, b.WithinTolerance())
	assert.InDelta(t, 0.16, b.Deviation(), 1e-9)

	b.SetCurrent(80)
	assert.Equal(t, int64(20), b.Deficit())
	assert.False(t, b.WithinTolerance())
}

func TestEmptyBracketReportsFullDeficit(t *testing.T) {
	s, err := NewSet(400, TierTargets{Starting: 25, ChromieTime: 25, Dragonflight: 25, TheWarWithin: 25})
	require.NoError(t, err)
	b := s.ByTier(TheWarWithin)
	assert.Equal(t, b.Target(), b.Deficit())
	assert.True(t, math.Abs(b.Deviation()+1) < 1e-9, "deviation is -100%")
}

func TestCountersAreIndependentPerBracket(t *testing.T) {
	s, err := NewSet(400, TierTargets{Starting: 25, ChromieTime: 25, Dragonflight: 25, TheWarWithin: 25})
	require.NoError(t, err)
	s.ByTier(Starting).Add(3)
	s.ByTier(ChromieTime).Add(5)
	assert.Equal(t, int64(3), s.ByTier(Starting).Current())
	assert.Equal(t, int64(5), s.ByTier(ChromieTime).Current())
	assert.Equal(t, int64(8), s.TotalCurrent())
}
