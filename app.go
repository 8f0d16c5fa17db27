// Package flashssh composes the session machine, the output demultiplexer and
// the SSH backend into an application that surfaces can open panes on.
package flashssh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/flashssh/core"
	"pkt.systems/flashssh/internal/appconfig"
	"pkt.systems/flashssh/internal/clipboard"
	"pkt.systems/flashssh/internal/eventbus"
	"pkt.systems/flashssh/internal/hosts"
	"pkt.systems/flashssh/internal/logx"
	"pkt.systems/flashssh/internal/resize"
	"pkt.systems/flashssh/internal/sshkeys"
	"pkt.systems/flashssh/schema"
	"pkt.systems/flashssh/sshclient"
	"pkt.systems/pslog"
)

// App owns the event bus, the session table and the pane arena.
type App struct {
	cfg      appconfig.Config
	terminal schema.TerminalConfig
	log      pslog.Logger

	bus     *eventbus.Bus
	machine *core.Machine
	demux   *core.Demux
	backend core.Backend
	hosts   *hosts.Store
	keys    *sshkeys.Store
	sink    clipboard.Sink
	last    *clipboard.Last

	detach    []func()
	closeOnce sync.Once
	closeErr  error
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	logger  pslog.Logger
	backend core.Backend
	sink    clipboard.Sink
	noSink  bool
}

// WithLogger sets the application logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBackend replaces the SSH backend.
func WithBackend(backend core.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithClipboard sets the sink that receives every capture. By default the
// host clipboard is used when available.
func WithClipboard(sink clipboard.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithoutSystemClipboard keeps captures inside the application.
func WithoutSystemClipboard() Option {
	return func(o *options) { o.noSink = true }
}

// New builds an App from configuration.
func New(cfg appconfig.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	terminal, err := cfg.TerminalSettings()
	if err != nil {
		return nil, fmt.Errorf("terminal config: %w", err)
	}
	hostStore, err := hosts.NewStoreWithLogger(cfg.HostsFile, log)
	if err != nil {
		return nil, err
	}
	keyStore, err := sshkeys.NewStoreWithLogger(cfg.Keys.StorePath, cfg.Keys.Dir, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		terminal: terminal,
		log:      log,
		bus:      eventbus.New(log),
		demux:    core.NewDemux(log),
		hosts:    hostStore,
		keys:     keyStore,
		last:     &clipboard.Last{},
	}
	sinks := clipboard.Multi{a.last}
	switch {
	case o.sink != nil:
		sinks = append(sinks, o.sink)
	case !o.noSink && clipboard.Available():
		sinks = append(sinks, clipboard.System())
	}
	a.sink = sinks

	a.backend = o.backend
	if a.backend == nil {
		backend, err := sshclient.New(sshclient.Config{
			Hosts:          hostStore,
			Keys:           keyStore,
			Events:         a.bus,
			Term:           cfg.Terminal.Term,
			Timeout:        cfg.ConnectTimeout(),
			KnownHosts:     cfg.SSH.KnownHosts,
			StrictHostKeys: cfg.SSH.StrictHostKeys,
			Logger:         log,
		})
		if err != nil {
			return nil, err
		}
		a.backend = backend
	}
	machine, err := core.NewMachine(core.MachineDeps{Backend: a.backend, Panes: a.demux, Logger: log})
	if err != nil {
		return nil, err
	}
	a.machine = machine
	// The demux subscribes first so the closed message lands before release.
	a.detach = append(a.detach, a.demux.Attach(a.bus), a.machine.Attach(a.bus))
	return a, nil
}

// PaneOptions describes a surface opening a pane.
type PaneOptions struct {
	Surface core.Surface
	Fitter  resize.Fitter
	// Sink receives captures from this pane in addition to the app sink.
	Sink clipboard.Sink
	// Name labels the surface in logs.
	Name string
}

// Open binds a pane for the host referenced by id or name and connects it.
// When the session is already live the pane attaches to it instead. The
// channel yields the connect result once.
func (a *App) Open(ctx context.Context, ref string, opts PaneOptions) (*core.Pane, <-chan error, error) {
	host, err := a.hosts.Find(ref)
	if err != nil {
		return nil, nil, err
	}
	log := logx.WithHost(logx.ForSession(a.log, host.ID), host)
	if opts.Name != "" {
		log = log.With("surface", opts.Name)
	}
	sink := a.sink
	if opts.Sink != nil {
		sink = clipboard.Multi{a.sink, opts.Sink}
	}
	// Panes outlive the request that opened them.
	paneCtx := logx.ContextWithSessionLogger(context.WithoutCancel(ctx), log, host.ID)
	pane, err := core.NewPane(core.PaneConfig{
		ID:       host.ID,
		Surface:  opts.Surface,
		Fitter:   opts.Fitter,
		Backend:  a.backend,
		Terminal: a.terminal,
		Sink:     sink,
		Logger:   log,
		Context:  paneCtx,
	})
	if err != nil {
		return nil, nil, err
	}
	a.demux.RegisterPane(pane)

	if a.machine.Status(host.ID).Active() {
		log.Info("pane attached to live session")
		_ = a.machine.Select(host.ID)
		pane.Connected()
		done := make(chan error)
		close(done)
		return pane, done, nil
	}
	result, err := a.machine.Connect(paneCtx, host.Info())
	if err != nil {
		_ = a.demux.Release(host.ID)
		return nil, nil, err
	}
	return pane, result, nil
}

// Connect starts a session for the host without binding a pane. Output
// produced before a pane attaches is dropped.
func (a *App) Connect(ctx context.Context, ref string) (schema.SessionID, <-chan error, error) {
	host, err := a.hosts.Find(ref)
	if err != nil {
		return "", nil, err
	}
	ctx = logx.ContextWithSession(context.WithoutCancel(ctx), host.ID)
	result, err := a.machine.Connect(ctx, host.Info())
	if err != nil {
		return host.ID, nil, err
	}
	return host.ID, result, nil
}

// Disconnect closes the session for id. The pane stays bound until the
// backend reports the close.
func (a *App) Disconnect(ctx context.Context, id schema.SessionID) {
	a.machine.Disconnect(ctx, id)
}

// DeleteHost removes the host profile, its stored key and any live session.
func (a *App) DeleteHost(ctx context.Context, id schema.HostID) error {
	if err := a.hosts.Delete(id); err != nil {
		return err
	}
	a.machine.ProfileDeleted(ctx, id)
	if err := a.keys.RemoveKey(id); err != nil {
		a.log.Warn("host key cleanup failed", "host_id", id, "err", err)
	}
	return nil
}

// LastCapture returns the most recent clipboard capture and the capture count.
func (a *App) LastCapture() (string, int) {
	return a.last.Text()
}

// ListHosts returns the stored host profiles.
func (a *App) ListHosts() ([]schema.HostProfile, error) {
	return a.hosts.List()
}

// Sessions returns the session status table.
func (a *App) Sessions() []schema.Session {
	return a.machine.Sessions()
}

// OnChange registers a session status listener.
func (a *App) OnChange(fn core.ChangeFunc) func() {
	return a.machine.OnChange(fn)
}

// Machine exposes the session table.
func (a *App) Machine() *core.Machine { return a.machine }

// Demux exposes the pane arena.
func (a *App) Demux() *core.Demux { return a.demux }

// Hosts exposes the host profile store.
func (a *App) Hosts() *hosts.Store { return a.hosts }

// Keys exposes the encrypted key store.
func (a *App) Keys() *sshkeys.Store { return a.keys }

// Bus exposes the event bus.
func (a *App) Bus() *eventbus.Bus { return a.bus }

// Config returns the configuration the app was built with.
func (a *App) Config() appconfig.Config { return a.cfg }

// Close disconnects every session and disposes every pane.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		for _, session := range a.machine.Sessions() {
			a.machine.Disconnect(context.Background(), session.ID)
		}
		if err := a.demux.CloseAll(); err != nil {
			errs = append(errs, err)
		}
		for _, off := range a.detach {
			off()
		}
		if closer, ok := a.backend.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.bus.Close()
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
