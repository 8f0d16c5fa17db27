// Package clipboard provides capture sinks for text extracted from a pane.
package clipboard

import (
	"errors"
	"sync"

	"github.com/atotto/clipboard"
)

// Sink receives captured text.
type Sink interface {
	Copy(text string) error
}

// Func adapts a function to Sink.
type Func func(text string) error

// Copy implements Sink.
func (f Func) Copy(text string) error {
	return f(text)
}

type system struct {
	mu sync.Mutex
}

// System returns a sink that writes to the host clipboard.
func System() Sink {
	return &system{}
}

// Available reports whether a host clipboard utility is usable.
func Available() bool {
	return !clipboard.Unsupported
}

func (s *system) Copy(text string) error {
	if clipboard.Unsupported {
		return ErrUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return clipboard.WriteAll(text)
}

// ErrUnsupported indicates no clipboard utility was found on the host.
var ErrUnsupported = errors.New("clipboard unsupported on this host")

// Multi fans captured text out to every sink and joins their errors.
type Multi []Sink

// Copy implements Sink.
func (m Multi) Copy(text string) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Copy(text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Last keeps the most recent capture in memory.
type Last struct {
	mu   sync.Mutex
	text string
	n    int
}

// Copy implements Sink.
func (l *Last) Copy(text string) error {
	l.mu.Lock()
	l.text = text
	l.n++
	l.mu.Unlock()
	return nil
}

// Text returns the most recent capture and how many captures were seen.
func (l *Last) Text() (string, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.text, l.n
}
