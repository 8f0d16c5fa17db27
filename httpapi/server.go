// Package httpapi serves host and session endpoints and browser pane streams.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	flashssh "pkt.systems/flashssh"
	"pkt.systems/flashssh/core"
	"pkt.systems/flashssh/internal/version"
	"pkt.systems/flashssh/schema"
)

// App is the application surface the server drives. *flashssh.App satisfies it.
type App interface {
	Open(ctx context.Context, ref string, opts flashssh.PaneOptions) (*core.Pane, <-chan error, error)
	Connect(ctx context.Context, ref string) (schema.SessionID, <-chan error, error)
	Disconnect(ctx context.Context, id schema.SessionID)
	ListHosts() ([]schema.HostProfile, error)
	Sessions() []schema.Session
	OnChange(fn core.ChangeFunc) func()
	LastCapture() (string, int)
}

// Server serves the HTTP API and UI.
type Server struct {
	cfg      Config
	app      App
	basePath string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, app App) *Server {
	def := schema.DefaultTerminalConfig()
	if cfg.CellWidth <= 0 {
		cfg.CellWidth = def.CellWidth
	}
	if cfg.CellHeight <= 0 {
		cfg.CellHeight = def.CellHeight
	}
	return &Server{cfg: cfg, app: app, basePath: normalizeBasePath(cfg.BasePath)}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleIndex)
	r.Handle("/assets/*", http.StripPrefix("/assets/", http.FileServer(http.FS(assetsFS))))
	r.Route("/api", func(r chi.Router) {
		r.Get("/version", s.handleVersion)
		r.Get("/hosts", s.handleHosts)
		r.Get("/sessions", s.handleSessions)
		r.Post("/sessions/{id}/connect", s.handleConnect)
		r.Post("/sessions/{id}/disconnect", s.handleDisconnect)
		r.Get("/sessions/{id}/stream", s.handleStream)
		r.Get("/clipboard", s.handleClipboard)
	})

	if s.basePath == "" {
		return withRequestLogging(r)
	}
	root := chi.NewRouter()
	root.Mount(s.basePath, r)
	root.Get(s.basePath, func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, s.basePath+"/", http.StatusTemporaryRedirect)
	})
	return withRequestLogging(root)
}

const baseHrefPlaceholder = "<!-- BASE_HREF -->"

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(assetsFS, "index.html")
	if err != nil {
		http.Error(w, "index not found", http.StatusInternalServerError)
		return
	}
	replacement := ""
	if s.basePath != "" {
		replacement = fmt.Sprintf(`<base href="%s/" />`, html.EscapeString(s.basePath))
	}
	data = bytes.ReplaceAll(data, []byte(baseHrefPlaceholder), []byte(replacement))
	http.ServeContent(w, r, "index.html", time.Time{}, bytes.NewReader(data))
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

func (s *Server) handleHosts(w http.ResponseWriter, _ *http.Request) {
	hosts, err := s.app.ListHosts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.app.Sessions()
	if sessions == nil {
		sessions = []schema.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type connectResponse struct {
	ID     schema.SessionID `json:"id"`
	Status string           `json:"status"`
	Error  string           `json:"error,omitempty"`
}

// handleConnect starts a session and waits for the backend verdict.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id, result, err := s.app.Connect(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, schema.ErrHostNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, schema.ErrAlreadyConnecting):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
		return
	}
	select {
	case err := <-result:
		if err != nil {
			writeJSON(w, http.StatusBadGateway, connectResponse{ID: id, Status: schema.StatusError.String(), Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, connectResponse{ID: id, Status: "accepted"})
	case <-r.Context().Done():
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := schema.SessionID(chi.URLParam(r, "id"))
	if err := schema.ValidateSessionID(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.app.Disconnect(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClipboard(w http.ResponseWriter, _ *http.Request) {
	text, count := s.app.LastCapture()
	writeJSON(w, http.StatusOK, map[string]any{"text": text, "count": count})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
