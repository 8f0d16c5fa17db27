package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/flashssh/internal/echocapture"
	"pkt.systems/flashssh/internal/logx"
	"pkt.systems/flashssh/internal/resize"
	"pkt.systems/flashssh/schema"
	"pkt.systems/pslog"
)

// PaneConfig describes the binding between a session and a rendering surface.
type PaneConfig struct {
	ID       schema.SessionID
	Surface  Surface
	Fitter   resize.Fitter
	Backend  Backend
	Terminal schema.TerminalConfig
	// Sink receives captured command output. Nil disables capture.
	Sink      echocapture.Sink
	Scheduler resize.Scheduler
	Logger    pslog.Logger
	// Context scopes backend calls made on behalf of the pane.
	Context context.Context
}

// Pane is the active binding of a session id to a surface. It owns the
// surface, the resize negotiator and the command trace.
type Pane struct {
	id      schema.SessionID
	ctx     context.Context
	backend Backend
	log     pslog.Logger
	nego    *resize.Negotiator
	parser  *echocapture.Parser

	mu      sync.Mutex
	surface Surface
	owner   *Demux
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// NewPane validates the config and performs the initial fit.
func NewPane(cfg PaneConfig) (*Pane, error) {
	if err := schema.ValidateSessionID(cfg.ID); err != nil {
		return nil, err
	}
	if cfg.Surface == nil {
		return nil, errors.New("surface is required")
	}
	if cfg.Fitter == nil {
		return nil, errors.New("fitter is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("backend is required")
	}
	term, err := schema.NormalizeTerminalConfig(cfg.Terminal)
	if err != nil {
		return nil, err
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	p := &Pane{
		id:      cfg.ID,
		ctx:     ctx,
		backend: cfg.Backend,
		log:     logx.ForSession(logger, cfg.ID),
		surface: cfg.Surface,
	}
	p.nego = resize.New(resize.Config{
		Debounce:  term.Debounce,
		Retries:   term.FitRetries,
		Backoff:   term.RetryBackoff,
		Scheduler: cfg.Scheduler,
		Logger:    p.log,
	}, cfg.Fitter, p.sendResize)
	p.parser = echocapture.New(echocapture.Config{
		Enabled: term.AutoCopyCatOutput && cfg.Sink != nil,
		Verb:    term.CaptureVerb,
		Sink:    cfg.Sink,
		Notify:  p.writeLocked,
		Logger:  p.log,
	})
	p.nego.Trigger()
	return p, nil
}

// ID returns the session id the pane is bound to.
func (p *Pane) ID() schema.SessionID {
	return p.id
}

// Grid returns the last grid sent to the backend.
func (p *Pane) Grid() schema.Grid {
	return p.nego.Last()
}

// Closed reports whether the pane was torn down.
func (p *Pane) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// SetCapture toggles clipboard capture for the pane.
func (p *Pane) SetCapture(enabled bool) {
	p.parser.SetEnabled(enabled)
}

// Input forwards keystrokes to the backend verbatim after the capture parser
// has seen them.
func (p *Pane) Input(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return schema.ErrPaneClosed
	}
	p.parser.ObserveInput(data)
	p.mu.Unlock()
	if err := p.backend.SendInput(p.ctx, p.id, data); err != nil {
		return fmt.Errorf("send input: %w", err)
	}
	return nil
}

// Deliver writes backend output to the surface. The capture parser observes
// the bytes but never alters them.
func (p *Pane) Deliver(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.writeLocked(p.parser.ObserveOutput(data))
}

// WriteMessage writes a local message into the pane.
func (p *Pane) WriteMessage(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.writeLocked([]byte(msg))
}

func (p *Pane) writeLocked(data []byte) {
	if len(data) == 0 {
		return
	}
	if _, err := p.surface.Write(data); err != nil {
		p.log.Debug("pane write failed", "err", err)
	}
}

// Layout signals that the surface's container changed size.
func (p *Pane) Layout() {
	p.nego.Trigger()
}

// SurfaceResized reports the grid the surface computed for itself.
func (p *Pane) SurfaceResized(grid schema.Grid) {
	p.nego.Observe(grid)
}

// Connected re-sends the current grid to a freshly created remote pty.
func (p *Pane) Connected() {
	p.nego.Invalidate()
	p.nego.Trigger()
}

func (p *Pane) sendResize(grid schema.Grid) {
	if err := schema.ValidateGrid(grid); err != nil {
		p.log.Debug("pane resize skipped", "cols", grid.Cols, "rows", grid.Rows, "err", err)
		return
	}
	if err := p.backend.Resize(p.ctx, p.id, grid.Cols, grid.Rows); err != nil {
		p.log.Warn("pane resize failed", "cols", grid.Cols, "rows", grid.Rows, "err", err)
		return
	}
	p.log.Debug("pane resized", "cols", grid.Cols, "rows", grid.Rows)
}

// Close unregisters the pane, cancels pending resize work and disposes the
// surface. Every step runs even when an earlier one fails. Close is
// idempotent and returns the same result on every call.
func (p *Pane) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		errs = append(errs, cleanupStep("unregister", func() error {
			p.mu.Lock()
			owner := p.owner
			p.mu.Unlock()
			if owner != nil {
				owner.unregisterIf(p.id, p)
			}
			return nil
		}))
		errs = append(errs, cleanupStep("cancel resize", func() error {
			p.nego.Stop()
			return nil
		}))
		errs = append(errs, cleanupStep("dispose surface", func() error {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.closed = true
			return p.surface.Dispose()
		}))
		p.closeErr = errors.Join(errs...)
		if p.closeErr != nil {
			p.log.Warn("pane close failed", "err", p.closeErr)
		} else {
			p.log.Debug("pane closed")
		}
	})
	return p.closeErr
}

func cleanupStep(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
