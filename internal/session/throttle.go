package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Throttle limits how fast a session opens streams. A backpressure signal
// halves the rate down to a floor; each quiet cooldown period doubles it
// back towards the ceiling.
type Throttle struct {
	clk      clock.Clock
	limiter  *rate.Limiter
	max      float64
	min      float64
	cooldown time.Duration
	onChange func(perSecond float64)

	mu         sync.Mutex
	current    float64
	lastChange time.Time
	backedOff  bool
}

// NewThrottle returns a throttle running at max streams per second.
func NewThrottle(clk clock.Clock, max, min float64, burst int, cooldown time.Duration) *Throttle {
	if clk == nil {
		clk = clock.New()
	}
	if min > max {
		min = max
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		clk:      clk,
		limiter:  rate.NewLimiter(rate.Limit(max), burst),
		max:      max,
		min:      min,
		cooldown: cooldown,
		current:  max,
	}
}

// OnChange registers fn to be called with the new rate after every change.
func (t *Throttle) OnChange(fn func(perSecond float64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Rate returns the current rate in streams per second.
func (t *Throttle) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Wait blocks until a new stream may be opened.
func (t *Throttle) Wait(ctx context.Context) error {
	t.recover()
	return t.limiter.Wait(ctx)
}

// Backoff halves the rate, never going below the floor.
func (t *Throttle) Backoff() {
	t.mu.Lock()
	next := t.current / 2
	if next < t.min {
		next = t.min
	}
	t.backedOff = true
	t.lastChange = t.clk.Now()
	fn := t.setLocked(next)
	t.mu.Unlock()

	if fn != nil {
		fn(next)
	}
}

func (t *Throttle) recover() {
	t.mu.Lock()
	if !t.backedOff || t.clk.Since(t.lastChange) < t.cooldown {
		t.mu.Unlock()
		return
	}
	next := t.current * 2
	if next >= t.max {
		next = t.max
		t.backedOff = false
	}
	t.lastChange = t.clk.Now()
	fn := t.setLocked(next)
	t.mu.Unlock()

	if fn != nil {
		fn(next)
	}
}

func (t *Throttle) setLocked(perSecond float64) func(float64) {
	if perSecond == t.current {
		return nil
	}
	t.current = perSecond
	t.limiter.SetLimit(rate.Limit(perSecond))
	return t.onChange
}
