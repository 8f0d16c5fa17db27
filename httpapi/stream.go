package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	flashssh "pkt.systems/flashssh"
	"pkt.systems/flashssh/internal/logx"
	"pkt.systems/flashssh/schema"
	"pkt.systems/pslog"
)

const (
	maxFrameSize = 1 << 20
	writeTimeout = 5 * time.Second

	statusSurfaceClosed websocket.StatusCode = 4000
	statusOpenFailed    websocket.StatusCode = 4004
)

// Frame is a JSON control message on a pane stream. Binary frames carry raw
// terminal bytes in both directions.
type Frame struct {
	Type string `json:"type"`
	// geometry: the pixel size of the browser terminal element.
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	// resize: the grid the browser terminal already settled on.
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`
	// clipboard: captured command output.
	Text string `json:"text,omitempty"`
	// status: session lifecycle updates.
	Status string `json:"status,omitempty"`
	Label  string `json:"label,omitempty"`
	Error  string `json:"error,omitempty"`
}

// socketSurface renders a pane over a websocket and doubles as the pane's
// browser clipboard sink.
type socketSurface struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
	mu     sync.Mutex
	once   sync.Once
}

func (s *socketSurface) Write(p []byte) (int, error) {
	if err := s.send(websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Dispose stops writes and closes the socket, which ends the read loop.
func (s *socketSurface) Dispose() error {
	s.once.Do(func() {
		s.cancel()
		go func() { _ = s.conn.Close(statusSurfaceClosed, "session closed") }()
	})
	return nil
}

func (s *socketSurface) Copy(text string) error {
	return s.sendFrame(Frame{Type: "clipboard", Text: text})
}

func (s *socketSurface) sendFrame(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.send(websocket.MessageText, data)
}

func (s *socketSurface) send(kind websocket.MessageType, data []byte) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, kind, data)
}

// geometryFitter converts the browser's pixel geometry to a grid with the
// configured font metrics.
type geometryFitter struct {
	mu            sync.Mutex
	width, height float64
	cellW, cellH  float64
}

func (f *geometryFitter) set(width, height float64) {
	f.mu.Lock()
	f.width, f.height = width, height
	f.mu.Unlock()
}

func (f *geometryFitter) Fit() (schema.Grid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.width <= 0 || f.height <= 0 {
		return schema.Grid{}, schema.ErrLayoutNotReady
	}
	cellW, cellH := f.cellW, f.cellH
	if cellW <= 0 || cellH <= 0 {
		def := schema.DefaultTerminalConfig()
		cellW, cellH = def.CellWidth, def.CellHeight
	}
	return schema.Grid{
		Cols: int(math.Floor(f.width / cellW)),
		Rows: int(math.Floor(f.height / cellH)),
	}, nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "id")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		pslog.Ctx(r.Context()).Warn("pane stream accept failed", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	surface := &socketSurface{ctx: ctx, cancel: cancel, conn: conn}
	fitter := &geometryFitter{cellW: s.cfg.CellWidth, cellH: s.cfg.CellHeight}

	pane, result, err := s.app.Open(ctx, ref, flashssh.PaneOptions{
		Surface: surface,
		Fitter:  fitter,
		Sink:    surface,
		Name:    "web",
	})
	if err != nil {
		_ = conn.Close(statusOpenFailed, err.Error())
		return
	}
	id := pane.ID()
	log := logx.WithSessionSurface(ctx, id, "web")
	defer func() {
		if err := pane.Close(); err != nil {
			log.Warn("pane stream close failed", "err", err)
		}
	}()

	unsubscribe := s.app.OnChange(func(changed schema.SessionID, _, to schema.Status) {
		if changed != id {
			return
		}
		_ = surface.sendFrame(Frame{Type: "status", Status: to.String(), Label: to.Label()})
	})
	defer unsubscribe()

	go func() {
		select {
		case err, ok := <-result:
			if ok && err != nil {
				_ = surface.sendFrame(Frame{Type: "status", Status: schema.StatusError.String(), Label: schema.StatusError.Label(), Error: err.Error()})
			}
		case <-ctx.Done():
		}
	}()

	log.Info("pane stream attached")
	for {
		kind, data, err := conn.Read(r.Context())
		if err != nil {
			break
		}
		if kind == websocket.MessageBinary {
			if err := pane.Input(data); err != nil {
				if errors.Is(err, schema.ErrPaneClosed) {
					break
				}
				log.Debug("pane stream input failed", "err", err)
			}
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug("pane stream frame ignored", "err", err)
			continue
		}
		switch frame.Type {
		case "geometry":
			fitter.set(frame.Width, frame.Height)
			pane.Layout()
		case "resize":
			pane.SurfaceResized(schema.Grid{Cols: frame.Cols, Rows: frame.Rows})
		default:
			log.Debug("pane stream frame ignored", "type", frame.Type)
		}
	}

	if ctx.Err() == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	log.Info("pane stream detached")
}
