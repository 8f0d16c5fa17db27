package sshclient

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"pkt.systems/flashssh/schema"
)

type hostTable struct {
	mu      sync.Mutex
	hosts   map[schema.HostID]schema.HostProfile
	touched map[schema.HostID]int
}

func newHostTable(hosts ...schema.HostProfile) *hostTable {
	t := &hostTable{hosts: make(map[schema.HostID]schema.HostProfile), touched: make(map[schema.HostID]int)}
	for _, h := range hosts {
		t.hosts[h.ID] = h
	}
	return t
}

func (t *hostTable) Get(id schema.HostID) (schema.HostProfile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.hosts[id]
	if !ok {
		return schema.HostProfile{}, schema.ErrHostNotFound
	}
	return h, nil
}

func (t *hostTable) Touch(id schema.HostID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touched[id]++
	return nil
}

func (t *hostTable) Touched(id schema.HostID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.touched[id]
}

type keyTable map[schema.HostID]ssh.Signer

func (k keyTable) Signer(id schema.HostID) (ssh.Signer, bool, error) {
	s, ok := k[id]
	return s, ok, nil
}

type recorder struct {
	mu        sync.Mutex
	data      strings.Builder
	connected int
	closed    int
	errors    []string
	changed   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{changed: make(chan struct{}, 1)}
}

func (r *recorder) signal() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *recorder) Connected(schema.SessionID) {
	r.mu.Lock()
	r.connected++
	r.mu.Unlock()
	r.signal()
}

func (r *recorder) Data(_ schema.SessionID, data []byte) {
	r.mu.Lock()
	r.data.Write(data)
	r.mu.Unlock()
	r.signal()
}

func (r *recorder) Closed(schema.SessionID) {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
	r.signal()
}

func (r *recorder) Error(_ schema.SessionID, msg string) {
	r.mu.Lock()
	r.errors = append(r.errors, msg)
	r.mu.Unlock()
	r.signal()
}

func (r *recorder) Output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.String()
}

func (r *recorder) Errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errors...)
}

func (r *recorder) Counts() (connected, closed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.closed
}

func (r *recorder) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-r.changed:
		case <-deadline:
			t.Fatalf("timed out waiting for %s; output %q errors %v", what, r.Output(), r.Errors())
		}
	}
}

func (r *recorder) waitOutput(t *testing.T, substr string) {
	t.Helper()
	r.waitFor(t, fmt.Sprintf("output %q", substr), func() bool {
		return strings.Contains(r.Output(), substr)
	})
}

// testServer runs an in-process shell that reports its pty, echoes input and
// exits on "exit".
func testServer(t *testing.T, configure func(*gliderssh.Server)) (string, int) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	server := &gliderssh.Server{Handler: echoShell}
	if configure != nil {
		configure(server)
	}
	server.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(func() { _ = server.Close() })

	host, portText, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portText)
	return host, port
}

func echoShell(s gliderssh.Session) {
	pty, winCh, isPty := s.Pty()
	if !isPty {
		_, _ = io.WriteString(s, "no pty\r\n")
		_ = s.Exit(1)
		return
	}
	_, _ = fmt.Fprintf(s, "pty %s %dx%d\r\n", pty.Term, pty.Window.Width, pty.Window.Height)
	go func() {
		for win := range winCh {
			_, _ = fmt.Fprintf(s, "window %dx%d\r\n", win.Width, win.Height)
		}
	}()
	buf := make([]byte, 1024)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			text := string(buf[:n])
			if strings.Contains(text, "exit") {
				_ = s.Exit(0)
				return
			}
			_, _ = io.WriteString(s, "echo:"+text)
		}
		if err != nil {
			return
		}
	}
}

func passwordOnly(password string) func(*gliderssh.Server) {
	return func(s *gliderssh.Server) {
		s.PasswordHandler = func(_ gliderssh.Context, given string) bool {
			return given == password
		}
	}
}

func newTestBackend(t *testing.T, hosts *hostTable, events *recorder, keys KeySource) *Backend {
	t.Helper()
	backend, err := New(Config{
		Hosts:   hosts,
		Keys:    keys,
		Events:  events,
		Timeout: 5 * time.Second,
		HomeDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func pemEncode(block *pem.Block) []byte {
	return pem.EncodeToMemory(block)
}
