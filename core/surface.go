package core

import (
	"io"
	"sync"
)

// WriterSurface renders a pane on a terminal byte stream and signals when
// the pane releases it.
type WriterSurface struct {
	mu   sync.Mutex
	out  io.Writer
	done chan struct{}
	once sync.Once
}

// NewWriterSurface wraps out.
func NewWriterSurface(out io.Writer) *WriterSurface {
	return &WriterSurface{out: out, done: make(chan struct{})}
}

// Write implements Surface. Writes after Dispose are dropped.
func (s *WriterSurface) Write(p []byte) (int, error) {
	select {
	case <-s.done:
		return len(p), nil
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(p)
}

// Dispose implements Surface.
func (s *WriterSurface) Dispose() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Done is closed once the pane released the surface.
func (s *WriterSurface) Done() <-chan struct{} {
	return s.done
}
