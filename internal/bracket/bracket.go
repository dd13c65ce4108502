// Package bracket models level brackets: contiguous level ranges tagged
// with an expansion tier, each carrying a population target and a live
// count. Brackets are immutable after load; only their counters move.
package bracket

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Tier is the coarse expansion category a bracket belongs to.
type Tier uint8

const (
	Starting Tier = iota
	ChromieTime
	Dragonflight
	TheWarWithin

	NumTiers = 4
)

func (t Tier) String() string {
	switch t {
	case Starting:
		return "Starting"
	case ChromieTime:
		return "ChromieTime"
	case Dragonflight:
		return "Dragonflight"
	case TheWarWithin:
		return "TheWarWithin"
	}
	return "Unknown"
}

// Tolerance is the fixed deviation band around a bracket target within
// which no corrective action is taken.
const Tolerance = 0.15

// Bracket is one contiguous level range. TargetPct is its share of the
// total population after normalisation.
type Bracket struct {
	Tier      Tier
	MinLevel  int
	MaxLevel  int
	TargetPct float64
	target    atomic.Int64
	current   atomic.Int64
}

// Contains reports whether the level falls in this bracket.
func (b *Bracket) Contains(level int) bool {
	return level >= b.MinLevel && level <= b.MaxLevel
}

// Target is the absolute population target.
func (b *Bracket) Target() int64 { return b.target.Load() }

// Current is the live population count.
func (b *Bracket) Current() int64 { return b.current.Load() }

// Add adjusts the live count by delta (negative on bot removal).
func (b *Bracket) Add(delta int64) { b.current.Add(delta) }

// SetCurrent overwrites the live count; used when reconciling against a
// full world scan.
func (b *Bracket) SetCurrent(n int64) { b.current.Store(n) }

// Deficit is target − current; positive means underpopulated.
func (b *Bracket) Deficit() int64 { return b.Target() - b.Current() }

// Deviation is the signed relative distance from target, 0 when the
// target is zero.
func (b *Bracket) Deviation() float64 {
	t := b.Target()
	if t == 0 {
		return 0
	}
	return float64(b.Current()-t) / float64(t)
}

// WithinTolerance reports whether the bracket is inside the ±15% band.
func (b *Bracket) WithinTolerance() bool {
	return math.Abs(b.Deviation()) <= Tolerance
}

func (b *Bracket) String() string {
	return fmt.Sprintf("%s[%d-%d]", b.Tier, b.MinLevel, b.MaxLevel)
}

// Set is the immutable collection of brackets covering all levels.
type Set struct {
	brackets []*Bracket
	totalPop int64
}

// TierTargets maps each tier to its configured target percentage. Values
// are normalised so the four tiers sum to 100.
type TierTargets map[Tier]float64

// DefaultLevelRanges is the bracket layout per tier used when the host
// supplies none.
var DefaultLevelRanges = map[Tier][2]int{
	Starting:     {1, 10},
	ChromieTime:  {10, 60},
	Dragonflight: {60, 70},
	TheWarWithin: {70, 80},
}

// NewSet builds the bracket set from tier targets and a total population,
// normalising percentages to sum to 100.
func NewSet(totalPopulation int64, targets TierTargets) (*Set, error) {
	if totalPopulation <= 0 {
		return nil, fmt.Errorf("total population must be positive, got %d", totalPopulation)
	}

	var sum float64
	for t := Tier(0); t < NumTiers; t++ {
		pct, ok := targets[t]
		if !ok || pct < 0 {
			return nil, fmt.Errorf("missing or negative target for tier %s", t)
		}
		sum += pct
	}
	if sum <= 0 {
		return nil, fmt.Errorf("tier targets sum to %v", sum)
	}

	s := &Set{totalPop: totalPopulation}
	for t := Tier(0); t < NumTiers; t++ {
		rng := DefaultLevelRanges[t]
		pct := targets[t] / sum * 100
		b := &Bracket{
			Tier:      t,
			MinLevel:  rng[0],
			MaxLevel:  rng[1],
			TargetPct: pct,
		}
		b.target.Store(int64(math.Round(float64(totalPopulation) * pct / 100)))
		s.brackets = append(s.brackets, b)
	}
	return s, nil
}

// All returns the brackets in tier order.
func (s *Set) All() []*Bracket { return s.brackets }

// ByTier returns the bracket for a tier.
func (s *Set) ByTier(t Tier) *Bracket { return s.brackets[t] }

// ForLevel returns the bracket containing the level, or nil. Boundary
// levels belong to the lower tier (a level-10 bot is still Starting until
// it gains a level past the boundary).
func (s *Set) ForLevel(level int) *Bracket {
	for _, b := range s.brackets {
		if b.Contains(level) {
			return b
		}
	}
	return nil
}

// TotalPopulation is the configured pool-wide target.
func (s *Set) TotalPopulation() int64 { return s.totalPop }

// TotalCurrent sums the live counts.
func (s *Set) TotalCurrent() int64 {
	var n int64
	for _, b := range s.brackets {
		n += b.Current()
	}
	return n
}
