// Package resize turns layout changes of a terminal surface into character
// grid updates for the remote pty.
//
// A Negotiator debounces layout signals, measures the surface once the signals
// go quiet, and forwards the grid only when it differs from the last one sent.
// Measurement failures are retried a bounded number of times with a linear
// backoff and then dropped; the next layout signal corrects a missed resize.
package resize

import (
	"context"
	"sync"
	"time"

	"pkt.systems/flashssh/schema"
	"pkt.systems/pslog"
)

// Fitter measures a surface and returns the grid that fills it.
type Fitter interface {
	Fit() (schema.Grid, error)
}

// FitFunc adapts a function to Fitter.
type FitFunc func() (schema.Grid, error)

// Fit implements Fitter.
func (f FitFunc) Fit() (schema.Grid, error) {
	return f()
}

// SendFunc receives a grid that differs from the previously sent one.
type SendFunc func(grid schema.Grid)

// Config controls debounce and retry timing.
type Config struct {
	Debounce  time.Duration
	Retries   int
	Backoff   time.Duration
	Scheduler Scheduler
	Logger    pslog.Logger
}

// Negotiator debounces and de-duplicates resize requests for one pane.
type Negotiator struct {
	mu    sync.Mutex
	cfg   Config
	fit   Fitter
	send  SendFunc
	log   pslog.Logger
	timer Timer
	retry Timer

	gen         uint64
	needFit     bool
	observed    schema.Grid
	hasObserved bool
	last        schema.Grid
	stopped     bool
}

// New constructs a Negotiator. Zero timing values fall back to the defaults.
func New(cfg Config, fit Fitter, send SendFunc) *Negotiator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = schema.DefaultDebounce
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = schema.DefaultRetryBackoff
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = SystemScheduler()
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Negotiator{cfg: cfg, fit: fit, send: send, log: log}
}

// Trigger records a layout signal (container resize, window resize, mount)
// and restarts the debounce window.
func (n *Negotiator) Trigger() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.needFit = true
	n.restartLocked()
}

// Observe records the grid the surface reports for itself. It is committed
// through the same de-duplication on the next debounce fire unless a layout
// signal asks for a fresh measurement.
func (n *Negotiator) Observe(grid schema.Grid) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.observed = grid
	n.hasObserved = true
	n.restartLocked()
}

// Invalidate forgets the last sent grid so the next measurement is forwarded
// even when unchanged. Used when the remote pty is recreated.
func (n *Negotiator) Invalidate() {
	n.mu.Lock()
	n.last = schema.Grid{}
	n.mu.Unlock()
}

// Last returns the last grid forwarded to the backend.
func (n *Negotiator) Last() schema.Grid {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}

// Stop cancels pending timers. Callbacks that race with Stop are no-ops.
func (n *Negotiator) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	n.gen++
	n.cancelLocked()
}

func (n *Negotiator) restartLocked() {
	n.gen++
	n.cancelLocked()
	gen := n.gen
	n.timer = n.cfg.Scheduler.AfterFunc(n.cfg.Debounce, func() { n.fire(gen) })
}

func (n *Negotiator) cancelLocked() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	if n.retry != nil {
		n.retry.Stop()
		n.retry = nil
	}
}

func (n *Negotiator) fire(gen uint64) {
	n.mu.Lock()
	if n.stopped || gen != n.gen {
		n.mu.Unlock()
		return
	}
	n.timer = nil
	var grid schema.Grid
	var ok bool
	if n.needFit {
		n.needFit = false
		n.hasObserved = false
		grid, ok = n.attemptLocked(gen, 0)
	} else if n.hasObserved {
		n.hasObserved = false
		grid, ok = n.commitLocked(n.observed)
	}
	n.mu.Unlock()
	if ok {
		n.send(grid)
	}
}

func (n *Negotiator) retryFire(gen uint64, attempt int) {
	n.mu.Lock()
	if n.stopped || gen != n.gen {
		n.mu.Unlock()
		return
	}
	n.retry = nil
	grid, ok := n.attemptLocked(gen, attempt)
	n.mu.Unlock()
	if ok {
		n.send(grid)
	}
}

func (n *Negotiator) attemptLocked(gen uint64, attempt int) (schema.Grid, bool) {
	grid, err := n.fit.Fit()
	if err != nil {
		if attempt < n.cfg.Retries {
			delay := n.cfg.Backoff * time.Duration(attempt+1)
			n.log.Trace("resize fit retry", "attempt", attempt+1, "delay_ms", delay.Milliseconds(), "err", err)
			next := attempt + 1
			n.retry = n.cfg.Scheduler.AfterFunc(delay, func() { n.retryFire(gen, next) })
			return schema.Grid{}, false
		}
		n.log.Debug("resize fit failed", "attempts", attempt+1, "err", err)
		return schema.Grid{}, false
	}
	return n.commitLocked(grid)
}

func (n *Negotiator) commitLocked(grid schema.Grid) (schema.Grid, bool) {
	if !grid.Valid() {
		n.log.Trace("resize skipped", "reason", "layout not ready", "cols", grid.Cols, "rows", grid.Rows)
		return schema.Grid{}, false
	}
	if grid == n.last {
		return schema.Grid{}, false
	}
	n.last = grid
	return grid, true
}
