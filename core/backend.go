package core

import (
	"context"
	"io"

	"pkt.systems/flashssh/schema"
)

// Backend owns the transport and shell process for each session. Results of
// Connect that arrive after the call returns are reported on the event bus.
type Backend interface {
	Connect(ctx context.Context, id schema.SessionID) error
	Disconnect(ctx context.Context, id schema.SessionID) error
	SendInput(ctx context.Context, id schema.SessionID, data []byte) error
	Resize(ctx context.Context, id schema.SessionID, cols, rows int) error
}

// Surface renders a pane's byte stream. Escape sequences are interpreted by
// the surface, never by core.
type Surface interface {
	io.Writer
	Dispose() error
}

// PaneReleaser tears down the pane bound to a session id.
type PaneReleaser interface {
	Release(id schema.SessionID) error
}
