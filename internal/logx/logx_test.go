package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/flashssh/schema"
	"pkt.systems/pslog"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithHostAddsFields(t *testing.T) {
	capture := &logCapture{}
	log := WithHost(newCaptureLogger(capture), schema.HostProfile{Name: "prod", Host: "10.0.0.5"})
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["host"] != "prod" {
		t.Fatalf("expected host field, got %+v", entry)
	}
	if entry["addr"] != "10.0.0.5" {
		t.Fatalf("expected addr field, got %+v", entry)
	}
}

func TestWithSessionSurfaceAddsFields(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	log := WithSessionSurface(ctx, "web", "local")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["session"] != "web" {
		t.Fatalf("expected session field, got %+v", entry)
	}
	if entry["surface"] != "local" {
		t.Fatalf("expected surface field, got %+v", entry)
	}
}

func TestWithSessionSkipsDuplicateMarker(t *testing.T) {
	capture := &logCapture{}
	logger := newCaptureLogger(capture).With("session", "web")
	ctx := ContextWithSessionLogger(context.Background(), logger, "web")
	WithSession(ctx, "web").Info("hello")

	line := capture.buf.String()
	if n := bytes.Count([]byte(line), []byte(`"session"`)); n != 1 {
		t.Fatalf("expected a single session field, got %d in %q", n, line)
	}
}

func TestCopyContextFields(t *testing.T) {
	src := ContextWithSurface(ContextWithSession(context.Background(), "db"), "web")
	dst := CopyContextFields(context.Background(), src)
	if dst.Value(sessionKey) != schema.SessionID("db") || dst.Value(surfaceKey) != "web" {
		t.Fatalf("expected markers copied")
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
