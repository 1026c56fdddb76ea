package stream

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultLeakDelay is how long a stream may sit on received headers without
// anyone consuming its payload before a leak warning is emitted.
const DefaultLeakDelay = 10 * time.Second

// Watchdog is a one-shot timer that calls fire if it is not disarmed within
// its delay. It never touches the stream it watches.
type Watchdog struct {
	clk   clock.Clock
	delay time.Duration
	fire  func()

	mu    sync.Mutex
	timer *clock.Timer
	gen   uint64
}

// NewWatchdog returns a disarmed watchdog. A non-positive delay selects
// DefaultLeakDelay.
func NewWatchdog(clk clock.Clock, delay time.Duration, fire func()) *Watchdog {
	if clk == nil {
		clk = clock.New()
	}
	if delay <= 0 {
		delay = DefaultLeakDelay
	}
	return &Watchdog{clk: clk, delay: delay, fire: fire}
}

// Delay returns the configured delay.
func (w *Watchdog) Delay() time.Duration {
	return w.delay
}

// Arm starts the timer, replacing any timer already running.
func (w *Watchdog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = w.clk.AfterFunc(w.delay, func() { w.expire(gen) })
}

// Disarm cancels the timer. It is a no-op when nothing is armed.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		return
	}
	w.timer.Stop()
	w.timer = nil
	// A callback that already started must see a stale generation.
	w.gen++
}

// Armed reports whether the timer is running.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.timer == nil {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()

	if w.fire != nil {
		w.fire()
	}
}
