package core

import (
	"context"
	"sync"

	"pkt.systems/flashssh/internal/eventbus"
	"pkt.systems/flashssh/internal/logx"
	"pkt.systems/flashssh/schema"
	"pkt.systems/pslog"
)

// Demux routes backend events to the pane bound to each session id.
type Demux struct {
	mu     sync.Mutex
	panes  map[schema.SessionID]*Pane
	logger pslog.Logger
}

// NewDemux constructs an empty demultiplexer.
func NewDemux(logger pslog.Logger) *Demux {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Demux{panes: make(map[schema.SessionID]*Pane), logger: logger}
}

// RegisterPane binds the pane to its session id. A pane previously bound to
// the id is closed.
func (d *Demux) RegisterPane(p *Pane) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.owner = d
	p.mu.Unlock()

	d.mu.Lock()
	prev := d.panes[p.id]
	d.panes[p.id] = p
	d.mu.Unlock()

	log := logx.ForSession(d.logger, p.id)
	if prev != nil && prev != p {
		log.Debug("demux pane replaced")
		if err := prev.Close(); err != nil {
			log.Warn("demux previous pane close failed", "err", err)
		}
		return
	}
	log.Debug("demux pane registered")
}

// Unregister removes the binding without closing the pane.
func (d *Demux) Unregister(id schema.SessionID) *Pane {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.panes[id]
	delete(d.panes, id)
	return p
}

func (d *Demux) unregisterIf(id schema.SessionID, p *Pane) {
	d.mu.Lock()
	if d.panes[id] == p {
		delete(d.panes, id)
	}
	d.mu.Unlock()
}

// Release unregisters and closes the pane bound to the id, if any.
func (d *Demux) Release(id schema.SessionID) error {
	p := d.Unregister(id)
	if p == nil {
		return nil
	}
	return p.Close()
}

// Pane returns the pane bound to the id.
func (d *Demux) Pane(id schema.SessionID) (*Pane, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.panes[id]
	return p, ok
}

// Len returns the number of bound panes.
func (d *Demux) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.panes)
}

// CloseAll releases every bound pane.
func (d *Demux) CloseAll() error {
	d.mu.Lock()
	ids := make([]schema.SessionID, 0, len(d.panes))
	for id := range d.panes {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	var first error
	for _, id := range ids {
		if err := d.Release(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OnData delivers bytes to the bound pane. Data for an unbound id is dropped.
func (d *Demux) OnData(id schema.SessionID, data []byte) {
	p, ok := d.Pane(id)
	if !ok {
		logx.ForSession(d.logger, id).Trace("demux data dropped", "bytes", len(data))
		return
	}
	p.Deliver(data)
}

// OnConnected lets the bound pane push its grid to the new remote pty.
func (d *Demux) OnConnected(id schema.SessionID) {
	if p, ok := d.Pane(id); ok {
		p.Connected()
	}
}

// OnClosed writes the closed notice into the bound pane.
func (d *Demux) OnClosed(id schema.SessionID) {
	if p, ok := d.Pane(id); ok {
		p.WriteMessage(ClosedMessage)
	}
}

// OnError writes the failure into the bound pane.
func (d *Demux) OnError(id schema.SessionID, msg string) {
	if p, ok := d.Pane(id); ok {
		p.WriteMessage(ErrorMessage(msg))
	}
}

// Attach subscribes the demultiplexer to backend events. Attach it before the
// state machine so messages reach a pane before it is released.
func (d *Demux) Attach(bus *eventbus.Bus) func() {
	offs := []func(){
		bus.Subscribe(schema.EventConnected, func(ev schema.Event) { d.OnConnected(ev.ID) }),
		bus.Subscribe(schema.EventData, func(ev schema.Event) { d.OnData(ev.ID, ev.Data) }),
		bus.Subscribe(schema.EventClosed, func(ev schema.Event) { d.OnClosed(ev.ID) }),
		bus.Subscribe(schema.EventError, func(ev schema.Event) { d.OnError(ev.ID, ev.Msg) }),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}
