// Package pid holds the per-bracket discrete PID loops that smooth
// spawn and retirement rates. Error is the bracket's deviation from
// target in percent, so loops with different target sizes share one
// tuning.
package pid

import (
	"math"
	"sync"

	"github.com/travsart/botpop/internal/bracket"
)

// Tuning is the shared gain set for every bracket loop.
type Tuning struct {
	Kp       float64
	Ki       float64
	Kd       float64
	Deadband float64 // percent of target; errors inside produce no output

	OutputMin float64 // most negative output (retirements per cycle)
	OutputMax float64 // most positive output (spawns per cycle)

	IntegralLimit       float64 // anti-windup clamp on the accumulated error
	DerivativeSmoothing float64 // EMA alpha in (0,1]; 1 disables smoothing
}

// DefaultTuning matches the shipped controller configuration.
func DefaultTuning() Tuning {
	return Tuning{
		Kp:                  0.3,
		Ki:                  0.05,
		Kd:                  0.1,
		Deadband:            2,
		OutputMin:           -10,
		OutputMax:           30,
		IntegralLimit:       100,
		DerivativeSmoothing: 0.5,
	}
}

// Recommendation is one loop's output converted to whole bots.
type Recommendation struct {
	Spawns  int
	Retires int
	Output  float64
}

type loop struct {
	target        int64
	integral      float64
	prevErr       float64
	smoothedDeriv float64
	initialized   bool
}

// Controller runs one PID loop per bracket tier.
type Controller struct {
	mu     sync.Mutex
	tuning Tuning
	loops  [bracket.NumTiers]loop
}

// NewController builds a controller with the given tuning.
func NewController(t Tuning) *Controller {
	if t.DerivativeSmoothing <= 0 || t.DerivativeSmoothing > 1 {
		t.DerivativeSmoothing = 0.5
	}
	if t.IntegralLimit <= 0 {
		t.IntegralLimit = 100
	}
	return &Controller{tuning: t}
}

// Update feeds one cycle's (target, current) into the tier's loop and
// returns the clamped output. A target change re-initialises the loop.
func (c *Controller) Update(tier bracket.Tier, target, current int64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := &c.loops[tier]
	if l.target != target {
		*l = loop{target: target}
	}
	if target <= 0 {
		return 0
	}

	err := 100 * float64(target-current) / float64(target)
	if math.Abs(err) <= c.tuning.Deadband {
		l.prevErr = err
		l.initialized = true
		return 0
	}

	l.integral += err
	if l.integral > c.tuning.IntegralLimit {
		l.integral = c.tuning.IntegralLimit
	} else if l.integral < -c.tuning.IntegralLimit {
		l.integral = -c.tuning.IntegralLimit
	}

	var raw float64
	if l.initialized {
		raw = err - l.prevErr
	}
	alpha := c.tuning.DerivativeSmoothing
	l.smoothedDeriv = alpha*raw + (1-alpha)*l.smoothedDeriv

	l.prevErr = err
	l.initialized = true

	out := c.tuning.Kp*err + c.tuning.Ki*l.integral + c.tuning.Kd*l.smoothedDeriv
	if out > c.tuning.OutputMax {
		out = c.tuning.OutputMax
	} else if out < c.tuning.OutputMin {
		out = c.tuning.OutputMin
	}
	return out
}

// Recommend converts the loop output into whole spawns or retirements.
func (c *Controller) Recommend(tier bracket.Tier, target, current int64) Recommendation {
	out := c.Update(tier, target, current)
	rec := Recommendation{Output: out}
	if out > 0 {
		rec.Spawns = int(math.Round(out))
	} else if out < 0 {
		rec.Retires = int(math.Round(-out))
	}
	return rec
}

// Reset clears one tier's loop state.
func (c *Controller) Reset(tier bracket.Tier) {
	c.mu.Lock()
	c.loops[tier] = loop{}
	c.mu.Unlock()
}

// ResetAll clears every loop, used when the population target changes.
func (c *Controller) ResetAll() {
	c.mu.Lock()
	c.loops = [bracket.NumTiers]loop{}
	c.mu.Unlock()
}

// Integral exposes a loop's accumulated error for diagnostics.
func (c *Controller) Integral(tier bracket.Tier) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loops[tier].integral
}
