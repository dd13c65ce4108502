// Package flow tracks how long bots spend in each level bracket and
// predicts near-term inflow and outflow per bracket from the observed
// transition durations.
package flow

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/host"
)

const recentBufferSize = 1000

// RollingStats is an incremental mean/variance accumulator (Welford) with
// min/max, persisted across restarts.
type RollingStats struct {
	N    int64
	Mean float64 // seconds
	m2   float64
	Min  float64
	Max  float64
}

func (r *RollingStats) add(seconds float64) {
	r.N++
	if r.N == 1 {
		r.Min, r.Max = seconds, seconds
	} else {
		if seconds < r.Min {
			r.Min = seconds
		}
		if seconds > r.Max {
			r.Max = seconds
		}
	}
	delta := seconds - r.Mean
	r.Mean += delta / float64(r.N)
	r.m2 += delta * (seconds - r.Mean)
}

// StdDev is the sample standard deviation, zero below two samples.
func (r *RollingStats) StdDev() float64 {
	if r.N < 2 {
		return 0
	}
	return math.Sqrt(r.m2 / float64(r.N-1))
}

// M2 exposes the raw second moment for persistence round-trips.
func (r *RollingStats) M2() float64 { return r.m2 }

// RestoreStats rebuilds a RollingStats from persisted fields.
func RestoreStats(n int64, mean, m2, min, max float64) RollingStats {
	return RollingStats{N: n, Mean: mean, m2: m2, Min: min, Max: max}
}

// Prediction is the outcome of PredictFlow for one bracket and window.
type Prediction struct {
	Outflow     int     // bots expected to leave within the window
	Inflow      int     // expected arrivals from the adjacent lower bracket
	Net         int     // inflow − outflow
	TimeToEmpty time.Duration // zero when the bracket is not draining
	Confidence  float64 // 0..1
}

type residency struct {
	tier      bracket.Tier
	enteredAt time.Time
}

// TransitionSink receives each closed residency for durable storage.
type TransitionSink func(guid uuid.UUID, tier bracket.Tier, duration time.Duration, at time.Time)

// Predictor records bracket entries and exits and answers flow queries.
// Coarse locking: transitions are rare relative to task throughput.
type Predictor struct {
	clock    host.Clock
	brackets *bracket.Set
	sink     TransitionSink

	mu       sync.Mutex
	resident map[uuid.UUID]residency
	stats    [bracket.NumTiers]RollingStats
	recent   [bracket.NumTiers][]time.Duration
}

// NewPredictor builds a predictor over the bracket set.
func NewPredictor(clock host.Clock, brackets *bracket.Set) *Predictor {
	return &Predictor{
		clock:    clock,
		brackets: brackets,
		resident: make(map[uuid.UUID]residency),
	}
}

// OnBracketEntered records a bot arriving in a bracket. Re-entry replaces
// the previous residency without recording a transition.
func (p *Predictor) OnBracketEntered(guid uuid.UUID, tier bracket.Tier) {
	p.mu.Lock()
	p.resident[guid] = residency{tier: tier, enteredAt: p.clock.Now()}
	p.mu.Unlock()
}

// SetTransitionSink installs a callback invoked for every recorded
// transition, outside the predictor lock. Install before use; not safe
// to swap concurrently with OnBracketExited.
func (p *Predictor) SetTransitionSink(fn TransitionSink) {
	p.sink = fn
}

// OnBracketExited closes the bot's residency and folds the duration into
// the bracket statistics. Unknown bots are ignored.
func (p *Predictor) OnBracketExited(guid uuid.UUID, tier bracket.Tier) {
	now := p.clock.Now()
	p.mu.Lock()

	res, ok := p.resident[guid]
	if !ok || res.tier != tier {
		p.mu.Unlock()
		return
	}
	delete(p.resident, guid)

	d := now.Sub(res.enteredAt)
	p.stats[tier].add(d.Seconds())
	buf := append(p.recent[tier], d)
	if len(buf) > recentBufferSize {
		buf = buf[len(buf)-recentBufferSize:]
	}
	p.recent[tier] = buf
	p.mu.Unlock()

	if p.sink != nil {
		p.sink(guid, tier, d, now)
	}
}

// Forget drops a bot's residency without recording a transition (bot
// deleted mid-bracket).
func (p *Predictor) Forget(guid uuid.UUID) {
	p.mu.Lock()
	delete(p.resident, guid)
	p.mu.Unlock()
}

// TimeInBracket reports how long the bot has been resident in its
// current bracket. False when the bot is untracked.
func (p *Predictor) TimeInBracket(guid uuid.UUID) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.resident[guid]
	if !ok {
		return 0, false
	}
	return p.clock.Now().Sub(res.enteredAt), true
}

// AvgTimeInTier returns the observed mean residency.
func (p *Predictor) AvgTimeInTier(tier bracket.Tier) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.stats[tier].Mean * float64(time.Second))
}

// Stats returns a copy of the bracket's rolling statistics.
func (p *Predictor) Stats(tier bracket.Tier) RollingStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats[tier]
}

// Restore installs persisted statistics for a tier.
func (p *Predictor) Restore(tier bracket.Tier, stats RollingStats) {
	p.mu.Lock()
	p.stats[tier] = stats
	p.mu.Unlock()
}

// confidence grows with sample count and shrinks with relative variance.
func confidence(s *RollingStats) float64 {
	if s.N == 0 || s.Mean <= 0 {
		return 0
	}
	sampleFactor := float64(s.N) / float64(s.N+1)
	cv := s.StdDev() / s.Mean
	variancePenalty := 1 - cv
	if variancePenalty < 0 {
		variancePenalty = 0
	}
	c := sampleFactor * variancePenalty
	if c > 1 {
		c = 1
	}
	return c
}

// Confidence reports how trustworthy the tier's timing statistics are.
func (p *Predictor) Confidence(tier bracket.Tier) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return confidence(&p.stats[tier])
}

// PredictFlow estimates movement for one bracket over the window: outflow
// from residents whose age plus the window reaches the observed mean,
// inflow from the adjacent lower bracket's predicted outflow.
func (p *Predictor) PredictFlow(tier bracket.Tier, window time.Duration) Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()

	pred := Prediction{
		Outflow:    p.outflowLocked(tier, window),
		Confidence: confidence(&p.stats[tier]),
	}
	if tier > 0 {
		pred.Inflow = p.outflowLocked(tier-1, window)
	}
	pred.Net = pred.Inflow - pred.Outflow

	if pred.Net < 0 {
		current := p.brackets.ByTier(tier).Current()
		drainPerWindow := float64(-pred.Net)
		if drainPerWindow > 0 && current > 0 {
			windows := float64(current) / drainPerWindow
			pred.TimeToEmpty = time.Duration(windows * float64(window))
		}
	}
	return pred
}

func (p *Predictor) outflowLocked(tier bracket.Tier, window time.Duration) int {
	s := p.stats[tier]
	if s.N == 0 {
		return 0
	}
	mean := time.Duration(s.Mean * float64(time.Second))
	now := p.clock.Now()
	count := 0
	for _, res := range p.resident {
		if res.tier != tier {
			continue
		}
		if now.Sub(res.enteredAt)+window >= mean {
			count++
		}
	}
	return count
}

// Leaver pairs a bot with how far past the bracket mean it will be at the
// end of the window.
type Leaver struct {
	GUID   uuid.UUID
	Excess time.Duration
}

// BotsLikelyToLeave lists residents expected to leave within the window,
// most overdue first.
func (p *Predictor) BotsLikelyToLeave(tier bracket.Tier, window time.Duration) []Leaver {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats[tier]
	if s.N == 0 {
		return nil
	}
	mean := time.Duration(s.Mean * float64(time.Second))
	now := p.clock.Now()

	var out []Leaver
	for guid, res := range p.resident {
		if res.tier != tier {
			continue
		}
		if excess := now.Sub(res.enteredAt) + window - mean; excess >= 0 {
			out = append(out, Leaver{GUID: guid, Excess: excess})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Excess != out[j].Excess {
			return out[i].Excess > out[j].Excess
		}
		return out[i].GUID.String() < out[j].GUID.String()
	})
	return out
}

// ResidentCount reports how many bots are currently tracked in the tier.
func (p *Predictor) ResidentCount(tier bracket.Tier) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, res := range p.resident {
		if res.tier == tier {
			n++
		}
	}
	return n
}
