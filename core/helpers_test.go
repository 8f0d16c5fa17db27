package core

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/flashssh/internal/resize"
	"pkt.systems/flashssh/schema"
)

type resizeCall struct {
	id   schema.SessionID
	cols int
	rows int
}

type fakeBackend struct {
	mu          sync.Mutex
	connectFn   func(ctx context.Context, id schema.SessionID) error
	connects    []schema.SessionID
	disconnects []schema.SessionID
	inputs      [][]byte
	resizes     []resizeCall
	live        map[schema.SessionID]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{live: make(map[schema.SessionID]bool)}
}

func (b *fakeBackend) Connect(ctx context.Context, id schema.SessionID) error {
	b.mu.Lock()
	b.connects = append(b.connects, id)
	fn := b.connectFn
	b.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, id); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.live[id] = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Disconnect(_ context.Context, id schema.SessionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnects = append(b.disconnects, id)
	if !b.live[id] {
		return schema.ErrSessionNotFound
	}
	delete(b.live, id)
	return nil
}

func (b *fakeBackend) SendInput(_ context.Context, _ schema.SessionID, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs = append(b.inputs, append([]byte(nil), data...))
	return nil
}

func (b *fakeBackend) Resize(_ context.Context, id schema.SessionID, cols, rows int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resizes = append(b.resizes, resizeCall{id: id, cols: cols, rows: rows})
	return nil
}

func (b *fakeBackend) Resizes() []resizeCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]resizeCall(nil), b.resizes...)
}

type fakeSurface struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	disposed   int
	disposeErr error
}

func (s *fakeSurface) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *fakeSurface) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed++
	return s.disposeErr
}

func (s *fakeSurface) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *fakeSurface) Disposed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// manualScheduler queues callbacks until the test runs them.
type manualScheduler struct {
	mu      sync.Mutex
	pending []*manualTimer
}

type manualTimer struct {
	s       *manualScheduler
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (s *manualScheduler) AfterFunc(_ time.Duration, f func()) resize.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, fn: f}
	s.pending = append(s.pending, t)
	return t
}

// RunAll fires every live callback, including those scheduled while running.
func (s *manualScheduler) RunAll() {
	for {
		s.mu.Lock()
		var next *manualTimer
		for len(s.pending) > 0 {
			t := s.pending[0]
			s.pending = s.pending[1:]
			if !t.stopped {
				t.stopped = true
				next = t
				break
			}
		}
		s.mu.Unlock()
		if next == nil {
			return
		}
		next.fn()
	}
}

func fixedFit(cols, rows int) resize.FitFunc {
	return func() (schema.Grid, error) { return schema.Grid{Cols: cols, Rows: rows}, nil }
}

func newTestPane(id schema.SessionID, backend Backend, surface *fakeSurface, sched resize.Scheduler) *Pane {
	p, err := NewPane(PaneConfig{
		ID:        id,
		Surface:   surface,
		Fitter:    fixedFit(80, 24),
		Backend:   backend,
		Terminal:  schema.DefaultTerminalConfig(),
		Scheduler: sched,
	})
	if err != nil {
		panic(err)
	}
	return p
}

func waitResult(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		return errors.New("timed out waiting for connect result")
	}
}
