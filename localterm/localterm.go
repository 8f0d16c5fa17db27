// Package localterm renders a pane on the controlling terminal.
package localterm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	flashssh "pkt.systems/flashssh"
	"pkt.systems/flashssh/core"
	"pkt.systems/flashssh/schema"
	"pkt.systems/pslog"
)

// DetachKey (Ctrl-]) ends the local session.
const DetachKey = 0x1d

const exitPrompt = "\r\nPress any key to exit.\r\n"

// Fitter measures a terminal file descriptor.
type Fitter struct {
	FD int
}

// Fit implements resize.Fitter.
func (f Fitter) Fit() (schema.Grid, error) {
	cols, rows, err := term.GetSize(f.FD)
	if err != nil {
		return schema.Grid{}, fmt.Errorf("%w: %v", schema.ErrLayoutNotReady, err)
	}
	return schema.Grid{Cols: cols, Rows: rows}, nil
}

// Opener opens panes and closes sessions. *flashssh.App satisfies it.
type Opener interface {
	Open(ctx context.Context, ref string, opts flashssh.PaneOptions) (*core.Pane, <-chan error, error)
	Disconnect(ctx context.Context, id schema.SessionID)
}

// Options selects the terminal files.
type Options struct {
	In     *os.File
	Out    *os.File
	Logger pslog.Logger
}

// Attach opens ref on the local terminal and relays keystrokes until the user
// detaches with Ctrl-] or presses a key after the session ended. A rejected
// connect is returned as the error.
func Attach(ctx context.Context, app Opener, ref string, opts Options) error {
	in, out := opts.In, opts.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}

	inFD := int(in.Fd())
	if term.IsTerminal(inFD) {
		state, err := term.MakeRaw(inFD)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer func() { _ = term.Restore(inFD, state) }()
	}

	surface := core.NewWriterSurface(out)
	pane, result, err := app.Open(ctx, ref, flashssh.PaneOptions{
		Surface: surface,
		Fitter:  Fitter{FD: int(out.Fd())},
		Name:    "local",
	})
	if err != nil {
		return err
	}
	id := pane.ID()
	stopResize := notifyResize(pane.Layout)
	defer stopResize()

	keys := make(chan []byte)
	stop := make(chan struct{})
	defer close(stop)
	go readKeys(in, keys, stop)

	done := surface.Done()
	var failed error
	ended := false
	for {
		select {
		case <-ctx.Done():
			app.Disconnect(context.Background(), id)
			return ctx.Err()
		case err, ok := <-result:
			result = nil
			if ok && err != nil {
				failed = err
				ended = true
				pane.WriteMessage(exitPrompt)
			}
		case <-done:
			done = nil
			ended = true
		case data, ok := <-keys:
			if !ok {
				app.Disconnect(context.Background(), id)
				return failed
			}
			if ended {
				return failed
			}
			if i := bytes.IndexByte(data, DetachKey); i >= 0 {
				if i > 0 {
					_ = pane.Input(data[:i])
				}
				log.Info("local terminal detached", "session", id)
				app.Disconnect(ctx, id)
				return nil
			}
			if err := pane.Input(data); err != nil {
				if errors.Is(err, schema.ErrPaneClosed) {
					ended = true
					continue
				}
				log.Warn("local terminal input failed", "session", id, "err", err)
			}
		}
	}
}

func readKeys(in io.Reader, keys chan<- []byte, stop <-chan struct{}) {
	defer close(keys)
	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case keys <- data:
			case <-stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}
