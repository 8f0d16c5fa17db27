package sshserver

import (
	"sync"

	gliderssh "github.com/gliderlabs/ssh"

	"pkt.systems/flashssh/schema"
)

// windowFitter reports the last window size the client sent.
type windowFitter struct {
	mu   sync.Mutex
	grid schema.Grid
}

func (f *windowFitter) set(win gliderssh.Window) {
	f.mu.Lock()
	f.grid = schema.Grid{Cols: win.Width, Rows: win.Height}
	f.mu.Unlock()
}

func (f *windowFitter) Fit() (schema.Grid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.grid.Valid() {
		return schema.Grid{}, schema.ErrLayoutNotReady
	}
	return f.grid, nil
}
