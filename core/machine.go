package core

import (
	"context"
	"errors"
	"sort"
	"sync"

	"pkt.systems/flashssh/internal/eventbus"
	"pkt.systems/flashssh/internal/logx"
	"pkt.systems/flashssh/schema"
	"pkt.systems/pslog"
)

// MachineDeps captures dependencies of the connection state machine.
type MachineDeps struct {
	Backend Backend
	Panes   PaneReleaser
	Logger  pslog.Logger
}

// ChangeFunc observes a status transition. An absent status is reported as
// schema.StatusAbsent.
type ChangeFunc func(id schema.SessionID, from, to schema.Status)

type sessionEntry struct {
	info   schema.SessionInfo
	status schema.Status
}

type connectAttempt struct {
	gen    uint64
	info   schema.SessionInfo
	cancel context.CancelFunc
}

// Machine owns the session status table and the active selection.
type Machine struct {
	backend Backend
	panes   PaneReleaser
	logger  pslog.Logger

	mu        sync.Mutex
	sessions  map[schema.SessionID]*sessionEntry
	attempts  map[schema.SessionID]connectAttempt
	gen       uint64
	active    schema.SessionID
	listeners []ChangeFunc
	refresh   []func()
}

// NewMachine constructs a state machine.
func NewMachine(deps MachineDeps) (*Machine, error) {
	if deps.Backend == nil {
		return nil, errors.New("backend is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Machine{
		backend:  deps.Backend,
		panes:    deps.Panes,
		logger:   logger,
		sessions: make(map[schema.SessionID]*sessionEntry),
		attempts: make(map[schema.SessionID]connectAttempt),
	}, nil
}

// SetPanes installs the pane releaser after construction.
func (m *Machine) SetPanes(panes PaneReleaser) {
	m.mu.Lock()
	m.panes = panes
	m.mu.Unlock()
}

// OnChange registers a status listener and returns a function removing it.
func (m *Machine) OnChange(fn ChangeFunc) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	idx := len(m.listeners) - 1
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.listeners[idx] = nil
			m.mu.Unlock()
		})
	}
}

// OnRefresh registers a callback run after a session closes or disconnects,
// for dependents such as host lists that show usage.
func (m *Machine) OnRefresh(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.refresh = append(m.refresh, fn)
	m.mu.Unlock()
}

// Connect marks the session connecting, selects it, and starts the backend
// connect in the background. The returned channel yields the backend result
// once and is then closed.
func (m *Machine) Connect(ctx context.Context, info schema.SessionInfo) (<-chan error, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	if err := schema.ValidateSessionID(info.ID); err != nil {
		return nil, err
	}
	log := logx.ForSession(m.logger, info.ID)

	m.mu.Lock()
	from := schema.StatusAbsent
	if current, ok := m.sessions[info.ID]; ok {
		from = current.status
	}
	if from.Active() {
		m.mu.Unlock()
		log.Debug("session connect refused", "status", from)
		return nil, schema.ErrAlreadyConnecting
	}
	m.sessions[info.ID] = &sessionEntry{info: info, status: schema.StatusConnecting}
	if prior, ok := m.attempts[info.ID]; ok {
		prior.cancel()
	}
	m.gen++
	attemptCtx, cancel := context.WithCancel(ctx)
	attempt := connectAttempt{gen: m.gen, info: info, cancel: cancel}
	m.attempts[info.ID] = attempt
	m.active = info.ID
	m.mu.Unlock()

	log.Info("session connect start", "name", info.DisplayName)
	m.notify(info.ID, from, schema.StatusConnecting)

	result := make(chan error, 1)
	go func() {
		err := m.backend.Connect(attemptCtx, info.ID)
		cancel()
		m.connectDone(attempt, err)
		result <- err
		close(result)
	}()
	return result, nil
}

func (m *Machine) connectDone(attempt connectAttempt, err error) {
	id := attempt.info.ID
	log := logx.ForSession(m.logger, id)
	m.mu.Lock()
	current, ok := m.attempts[id]
	if !ok || current.gen != attempt.gen {
		m.mu.Unlock()
		log.Debug("session connect result ignored", "reason", "superseded", "err", err)
		return
	}
	delete(m.attempts, id)
	if err == nil {
		m.mu.Unlock()
		return
	}
	from := schema.StatusAbsent
	if entry, ok := m.sessions[id]; ok {
		from = entry.status
	}
	m.sessions[id] = &sessionEntry{info: attempt.info, status: schema.StatusError}
	m.mu.Unlock()

	log.Warn("session connect rejected", "err", err)
	m.notify(id, from, schema.StatusError)
}

// OnConnected moves a connecting session to connected.
func (m *Machine) OnConnected(id schema.SessionID) {
	m.mu.Lock()
	entry, ok := m.sessions[id]
	if !ok || entry.status != schema.StatusConnecting {
		m.mu.Unlock()
		return
	}
	entry.status = schema.StatusConnected
	m.mu.Unlock()
	logx.ForSession(m.logger, id).Info("session connected")
	m.notify(id, schema.StatusConnecting, schema.StatusConnected)
}

// OnClosed removes the session, releases its pane and refreshes dependents.
// A closed event for an absent session only repeats the idempotent release.
func (m *Machine) OnClosed(id schema.SessionID) {
	m.mu.Lock()
	m.abandonLocked(id)
	from, existed := m.removeLocked(id)
	panes := m.panes
	m.mu.Unlock()

	log := logx.ForSession(m.logger, id)
	if panes != nil {
		if err := panes.Release(id); err != nil {
			log.Warn("session pane release failed", "err", err)
		}
	}
	if !existed {
		return
	}
	log.Info("session closed")
	m.runRefresh()
	m.notify(id, from, schema.StatusAbsent)
}

// OnError removes the session entry and deselects it. The pane stays bound so
// the diagnostic text remains readable.
func (m *Machine) OnError(id schema.SessionID, msg string) {
	m.mu.Lock()
	from, existed := m.removeLocked(id)
	m.mu.Unlock()
	if !existed {
		return
	}
	logx.ForSession(m.logger, id).Warn("session error", "msg", msg)
	m.notify(id, from, schema.StatusAbsent)
}

// Disconnect tears the session down. Backend failures are logged and the
// local state is cleared regardless.
func (m *Machine) Disconnect(ctx context.Context, id schema.SessionID) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logx.ForSession(m.logger, id)
	m.mu.Lock()
	m.abandonLocked(id)
	m.mu.Unlock()
	if err := m.backend.Disconnect(ctx, id); err != nil {
		if errors.Is(err, schema.ErrSessionNotFound) {
			log.Debug("session disconnect skipped", "reason", "not found")
		} else {
			log.Warn("session disconnect failed", "err", err)
		}
	}
	m.mu.Lock()
	m.abandonLocked(id)
	from, existed := m.removeLocked(id)
	m.mu.Unlock()
	if !existed {
		return
	}
	log.Info("session disconnected")
	m.runRefresh()
	m.notify(id, from, schema.StatusAbsent)
}

// ProfileDeleted closes any live session for a deleted host profile and
// releases its pane.
func (m *Machine) ProfileDeleted(ctx context.Context, id schema.SessionID) {
	m.Disconnect(ctx, id)
	m.mu.Lock()
	panes := m.panes
	m.mu.Unlock()
	if panes == nil {
		return
	}
	if err := panes.Release(id); err != nil {
		logx.ForSession(m.logger, id).Warn("session pane release failed", "err", err)
	}
}

// abandonLocked cancels an in-flight connect for id so its result is dropped
// and the backend tears down whatever it opened.
func (m *Machine) abandonLocked(id schema.SessionID) {
	if attempt, ok := m.attempts[id]; ok {
		attempt.cancel()
		delete(m.attempts, id)
	}
}

func (m *Machine) removeLocked(id schema.SessionID) (schema.Status, bool) {
	entry, ok := m.sessions[id]
	if !ok {
		return schema.StatusAbsent, false
	}
	delete(m.sessions, id)
	if m.active == id {
		m.active = ""
	}
	return entry.status, true
}

// Attach subscribes the machine to backend events and returns a function that
// removes the subscriptions.
func (m *Machine) Attach(bus *eventbus.Bus) func() {
	offs := []func(){
		bus.Subscribe(schema.EventConnected, func(ev schema.Event) { m.OnConnected(ev.ID) }),
		bus.Subscribe(schema.EventClosed, func(ev schema.Event) { m.OnClosed(ev.ID) }),
		bus.Subscribe(schema.EventError, func(ev schema.Event) { m.OnError(ev.ID, ev.Msg) }),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// Status returns the status of a session, StatusAbsent when unknown.
func (m *Machine) Status(id schema.SessionID) schema.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.sessions[id]; ok {
		return entry.status
	}
	return schema.StatusAbsent
}

// Sessions returns a snapshot of the status table ordered by display name.
func (m *Machine) Sessions() []schema.Session {
	m.mu.Lock()
	out := make([]schema.Session, 0, len(m.sessions))
	for id, entry := range m.sessions {
		out = append(out, schema.Session{
			ID:          id,
			DisplayName: entry.info.DisplayName,
			AccentColor: entry.info.AccentColor,
			Status:      entry.status,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Active returns the selected session id, empty when nothing is selected.
func (m *Machine) Active() schema.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Select makes a known session active. An empty id clears the selection.
func (m *Machine) Select(id schema.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		m.active = ""
		return nil
	}
	if _, ok := m.sessions[id]; !ok {
		return schema.ErrSessionNotFound
	}
	m.active = id
	return nil
}

func (m *Machine) notify(id schema.SessionID, from, to schema.Status) {
	if from == to {
		return
	}
	m.mu.Lock()
	listeners := append([]ChangeFunc(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(id, from, to)
		}
	}
}

func (m *Machine) runRefresh() {
	m.mu.Lock()
	refresh := append([]func(){}, m.refresh...)
	m.mu.Unlock()
	for _, fn := range refresh {
		fn()
	}
}
