package httpapi

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	flashssh "pkt.systems/flashssh"
	"pkt.systems/flashssh/internal/appconfig"
	"pkt.systems/flashssh/internal/eventbus"
	"pkt.systems/flashssh/schema"
)

type fakeBackend struct {
	mu      sync.Mutex
	bus     *eventbus.Bus
	fail    error
	live    map[schema.SessionID]bool
	inputs  []string
	resizes []schema.Grid
}

func (b *fakeBackend) Connect(_ context.Context, id schema.SessionID) error {
	b.mu.Lock()
	fail := b.fail
	if fail == nil {
		b.live[id] = true
	}
	b.mu.Unlock()
	if fail != nil {
		b.bus.Error(id, fail.Error())
		return fail
	}
	b.bus.Connected(id)
	b.bus.Data(id, []byte("welcome\r\n"))
	return nil
}

func (b *fakeBackend) Disconnect(_ context.Context, id schema.SessionID) error {
	b.mu.Lock()
	live := b.live[id]
	delete(b.live, id)
	b.mu.Unlock()
	if !live {
		return schema.ErrSessionNotFound
	}
	b.bus.Closed(id)
	return nil
}

func (b *fakeBackend) SendInput(_ context.Context, _ schema.SessionID, data []byte) error {
	b.mu.Lock()
	b.inputs = append(b.inputs, string(data))
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Resize(_ context.Context, _ schema.SessionID, cols, rows int) error {
	b.mu.Lock()
	b.resizes = append(b.resizes, schema.Grid{Cols: cols, Rows: rows})
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) setFail(err error) {
	b.mu.Lock()
	b.fail = err
	b.mu.Unlock()
}

func (b *fakeBackend) Inputs() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.inputs, "")
}

func (b *fakeBackend) Resizes() []schema.Grid {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]schema.Grid(nil), b.resizes...)
}

type testEnv struct {
	app     *flashssh.App
	backend *fakeBackend
	server  *httptest.Server
	host    schema.HostProfile
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	appCfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	dir := t.TempDir()
	appCfg.StateDir = dir
	appCfg.HostsFile = filepath.Join(dir, "hosts.yaml")
	appCfg.Keys.StorePath = filepath.Join(dir, "keys", "keys.bundle")
	appCfg.Keys.Dir = filepath.Join(dir, "keys", "hosts")
	appCfg.Terminal.DebounceMS = 1

	backend := &fakeBackend{live: make(map[schema.SessionID]bool)}
	app, err := flashssh.New(appCfg, flashssh.WithBackend(backend), flashssh.WithoutSystemClipboard())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	backend.bus = app.Bus()
	host, err := app.Hosts().Add(schema.HostProfile{Name: "web", Host: "10.0.0.5", User: "ops"})
	if err != nil {
		t.Fatalf("add host: %v", err)
	}
	server := httptest.NewServer(NewServer(cfg, app).Handler())
	t.Cleanup(func() {
		server.Close()
		_ = app.Close()
	})
	return &testEnv{app: app, backend: backend, server: server, host: host}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
