package sshclient

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"pkt.systems/flashssh/schema"
)

func TestPasswordSessionLifecycle(t *testing.T) {
	addr, port := testServer(t, passwordOnly("hunter2"))
	hosts := newHostTable(schema.HostProfile{ID: "web", Name: "web", Host: addr, Port: port, User: "ops", Password: "hunter2"})
	events := newRecorder()
	backend := newTestBackend(t, hosts, events, nil)

	if err := backend.Connect(context.Background(), "web"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if connected, _ := events.Counts(); connected != 1 {
		t.Fatalf("expected connected event, got %d", connected)
	}
	if hosts.Touched("web") != 1 {
		t.Fatalf("expected usage to be recorded")
	}
	events.waitOutput(t, "pty xterm-256color 200x40")
	out := events.Output()
	if !strings.Contains(out, "Connecting to ops@") || !strings.Contains(out, "Auth: password + keyboard-interactive") {
		t.Fatalf("expected connection diagnostics, got %q", out)
	}

	if err := backend.SendInput(context.Background(), "web", []byte("hello")); err != nil {
		t.Fatalf("send input: %v", err)
	}
	events.waitOutput(t, "echo:hello")

	if err := backend.Resize(context.Background(), "web", 120, 30); err != nil {
		t.Fatalf("resize: %v", err)
	}
	events.waitOutput(t, "window 120x30")
	if err := backend.Resize(context.Background(), "web", 0, 30); !errors.Is(err, schema.ErrInvalidGrid) {
		t.Fatalf("expected ErrInvalidGrid, got %v", err)
	}
	if err := backend.Resize(context.Background(), "web", 1001, 30); !errors.Is(err, schema.ErrInvalidGrid) {
		t.Fatalf("expected ErrInvalidGrid for oversized grid, got %v", err)
	}

	if err := backend.SendInput(context.Background(), "web", []byte("exit\r")); err != nil {
		t.Fatalf("send exit: %v", err)
	}
	events.waitFor(t, "closed", func() bool {
		_, closed := events.Counts()
		return closed == 1
	})
	if !strings.Contains(events.Output(), "Connection closed") {
		t.Fatalf("expected closed notice, got %q", events.Output())
	}
	if backend.Live("web") {
		t.Fatalf("expected session removed after remote exit")
	}
}

func TestWrongPasswordReportsAuthFailure(t *testing.T) {
	addr, port := testServer(t, passwordOnly("right"))
	hosts := newHostTable(schema.HostProfile{ID: "web", Host: addr, Port: port, User: "ops", Password: "wrong"})
	events := newRecorder()
	backend := newTestBackend(t, hosts, events, nil)

	if err := backend.Connect(context.Background(), "web"); err == nil {
		t.Fatalf("expected connect error")
	}
	errs := events.Errors()
	if len(errs) != 1 || !strings.Contains(errs[0], "Authentication failed") {
		t.Fatalf("expected auth diagnostic, got %v", errs)
	}
	if hosts.Touched("web") != 0 {
		t.Fatalf("expected no usage update on failure")
	}
	if connected, _ := events.Counts(); connected != 0 {
		t.Fatalf("expected no connected event")
	}
}

func TestConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	hosts := newHostTable(schema.HostProfile{ID: "web", Host: "127.0.0.1", Port: port, Password: "x"})
	events := newRecorder()
	backend := newTestBackend(t, hosts, events, nil)
	if err := backend.Connect(context.Background(), "web"); err == nil {
		t.Fatalf("expected connect error")
	}
	errs := events.Errors()
	if len(errs) != 1 || !strings.Contains(errs[0], "Connection refused") {
		t.Fatalf("expected refused diagnostic, got %v", errs)
	}
}

func TestNoAuthMethod(t *testing.T) {
	hosts := newHostTable(schema.HostProfile{ID: "web", Host: "127.0.0.1", Port: 22})
	events := newRecorder()
	backend := newTestBackend(t, hosts, events, nil)
	if err := backend.Connect(context.Background(), "web"); !errors.Is(err, schema.ErrNoAuthMethod) {
		t.Fatalf("expected ErrNoAuthMethod, got %v", err)
	}
	errs := events.Errors()
	if len(errs) != 1 || !strings.Contains(errs[0], "No authentication method available") {
		t.Fatalf("expected diagnostic, got %v", errs)
	}
}

func TestUnknownHostProfile(t *testing.T) {
	events := newRecorder()
	backend := newTestBackend(t, newHostTable(), events, nil)
	if err := backend.Connect(context.Background(), "ghost"); !errors.Is(err, schema.ErrHostNotFound) {
		t.Fatalf("expected ErrHostNotFound, got %v", err)
	}
	if len(events.Errors()) != 1 {
		t.Fatalf("expected a diagnostic for the missing profile")
	}
}

func TestKeyboardInteractiveVerificationCode(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "flashssh", AccountName: "ops"})
	if err != nil {
		t.Fatalf("totp generate: %v", err)
	}
	addr, port := testServer(t, func(s *gliderssh.Server) {
		s.KeyboardInteractiveHandler = func(ctx gliderssh.Context, challenge ssh.KeyboardInteractiveChallenge) bool {
			answers, err := challenge(ctx.User(), "", []string{"Password: ", "Verification code: "}, []bool{false, false})
			if err != nil || len(answers) != 2 {
				return false
			}
			return answers[0] == "pw" && totp.Validate(answers[1], key.Secret())
		}
	})
	hosts := newHostTable(schema.HostProfile{ID: "mfa", Host: addr, Port: port, User: "ops", Password: "pw", TOTPSecret: key.Secret()})
	events := newRecorder()
	backend := newTestBackend(t, hosts, events, nil)
	if err := backend.Connect(context.Background(), "mfa"); err != nil {
		t.Fatalf("connect: %v (errors %v)", err, events.Errors())
	}
	events.waitOutput(t, "pty xterm-256color")
}

func TestStoredKeyAuth(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	addr, port := testServer(t, func(s *gliderssh.Server) {
		s.PublicKeyHandler = func(_ gliderssh.Context, key gliderssh.PublicKey) bool {
			return gliderssh.KeysEqual(key, signer.PublicKey())
		}
	})
	hosts := newHostTable(schema.HostProfile{ID: "k", Host: addr, Port: port, User: "ops"})
	events := newRecorder()
	backend := newTestBackend(t, hosts, events, keyTable{"k": signer})
	if err := backend.Connect(context.Background(), "k"); err != nil {
		t.Fatalf("connect: %v (errors %v)", err, events.Errors())
	}
	if !strings.Contains(events.Output(), "Auth: stored key") {
		t.Fatalf("expected stored key label, got %q", events.Output())
	}
}

func TestIdentityFileAndUnreadableKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	signer, _ := ssh.NewSignerFromKey(priv)
	path := filepath.Join(t.TempDir(), "id_test")
	if err := os.WriteFile(path, pemEncode(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	addr, port := testServer(t, func(s *gliderssh.Server) {
		s.PublicKeyHandler = func(_ gliderssh.Context, key gliderssh.PublicKey) bool {
			return gliderssh.KeysEqual(key, signer.PublicKey())
		}
	})
	hosts := newHostTable(
		schema.HostProfile{ID: "good", Host: addr, Port: port, IdentityFile: path},
		schema.HostProfile{ID: "bad", Host: addr, Port: port, IdentityFile: path + ".missing", Password: "nope"},
	)
	events := newRecorder()
	backend := newTestBackend(t, hosts, events, nil)
	if err := backend.Connect(context.Background(), "good"); err != nil {
		t.Fatalf("connect with identity file: %v (errors %v)", err, events.Errors())
	}
	if err := backend.Connect(context.Background(), "bad"); err == nil {
		t.Fatalf("expected auth failure for bad key")
	}
	if !strings.Contains(events.Output(), "Cannot read key") {
		t.Fatalf("expected key warning in the pane, got %q", events.Output())
	}
}

func TestDisconnect(t *testing.T) {
	addr, port := testServer(t, passwordOnly("pw"))
	hosts := newHostTable(schema.HostProfile{ID: "web", Host: addr, Port: port, Password: "pw"})
	events := newRecorder()
	backend := newTestBackend(t, hosts, events, nil)
	if err := backend.Connect(context.Background(), "web"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := backend.Disconnect(context.Background(), "web"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !strings.Contains(events.Output(), "Disconnected") {
		t.Fatalf("expected disconnected notice, got %q", events.Output())
	}
	if err := backend.Disconnect(context.Background(), "web"); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := backend.SendInput(context.Background(), "web", []byte("x")); err != nil {
		t.Fatalf("expected input for a gone session to be dropped, got %v", err)
	}
	if err := backend.Resize(context.Background(), "web", 80, 24); err != nil {
		t.Fatalf("expected resize for a gone session to be ignored, got %v", err)
	}
	// The relay must not publish a second closed event.
	time.Sleep(50 * time.Millisecond)
	if _, closed := events.Counts(); closed != 1 {
		t.Fatalf("expected exactly one closed event, got %d", closed)
	}
}

func TestReconnectReplacesSession(t *testing.T) {
	addr, port := testServer(t, passwordOnly("pw"))
	hosts := newHostTable(schema.HostProfile{ID: "web", Host: addr, Port: port, Password: "pw"})
	events := newRecorder()
	backend := newTestBackend(t, hosts, events, nil)
	for i := 0; i < 2; i++ {
		if err := backend.Connect(context.Background(), "web"); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if _, closed := events.Counts(); closed != 0 {
		t.Fatalf("expected replaced session to close silently, got %d closed events", closed)
	}
	if !backend.Live("web") {
		t.Fatalf("expected the new session live")
	}
}

func TestFriendlyError(t *testing.T) {
	host := schema.HostProfile{Host: "db.internal", Port: 2222}
	cases := []struct {
		err  error
		want string
	}{
		{errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain"), "Authentication failed"},
		{errors.New("dial tcp 10.0.0.1:2222: connect: connection refused"), "Connection refused on db.internal:2222"},
		{&net.DNSError{Err: "no such host", Name: "db.internal"}, "Host unreachable: 'db.internal'"},
		{errors.New("dial tcp: connect: no route to host"), "Host unreachable"},
		{os.ErrDeadlineExceeded, "blocking port 2222"},
		{&knownhosts.KeyError{Want: []knownhosts.KnownKey{{}}}, "Host key mismatch"},
		{errors.New("something odd"), "something odd"},
	}
	for _, tc := range cases {
		if got := friendlyError(tc.err, host); !strings.Contains(got, tc.want) {
			t.Fatalf("error %v: expected %q in %q", tc.err, tc.want, got)
		}
	}
}

func TestAsksForCode(t *testing.T) {
	for _, q := range []string{"Verification code: ", "OTP:", "Enter token"} {
		if !asksForCode(q) {
			t.Fatalf("expected %q to ask for a code", q)
		}
	}
	if asksForCode("Password: ") {
		t.Fatalf("password prompt is not a code prompt")
	}
}

func TestHostKeyCallback(t *testing.T) {
	dir := t.TempDir()
	backend := &Backend{cfg: Config{KnownHosts: filepath.Join(dir, "missing")}}
	if _, err := backend.hostKeyCallback(); err != nil {
		t.Fatalf("expected missing known_hosts to be tolerated, got %v", err)
	}
	backend.cfg.StrictHostKeys = true
	if _, err := backend.hostKeyCallback(); err == nil {
		t.Fatalf("expected strict mode to require known_hosts")
	}

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, _ := ssh.NewSignerFromKey(priv)
	_, other, _ := ed25519.GenerateKey(rand.Reader)
	otherSigner, _ := ssh.NewSignerFromKey(other)
	path := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize("127.0.0.1:2222")}, signer.PublicKey())
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	remote := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2222}

	backend.cfg = Config{KnownHosts: path}
	check, err := backend.hostKeyCallback()
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if err := check("127.0.0.1:2222", remote, signer.PublicKey()); err != nil {
		t.Fatalf("expected known key accepted, got %v", err)
	}
	if err := check("127.0.0.1:2222", remote, otherSigner.PublicKey()); err == nil {
		t.Fatalf("expected changed key refused")
	}
	unknown := &net.TCPAddr{IP: net.ParseIP("127.0.0.2"), Port: 22}
	if err := check("127.0.0.2:22", unknown, otherSigner.PublicKey()); err != nil {
		t.Fatalf("expected unknown host accepted when not strict, got %v", err)
	}
}

func slowPassword(password string, delay time.Duration) func(*gliderssh.Server) {
	return func(s *gliderssh.Server) {
		s.PasswordHandler = func(_ gliderssh.Context, given string) bool {
			time.Sleep(delay)
			return given == password
		}
	}
}

func TestDisconnectDuringConnectAbandonsShell(t *testing.T) {
	addr, port := testServer(t, slowPassword("hunter2", 300*time.Millisecond))
	hosts := newHostTable(schema.HostProfile{ID: "web", Host: addr, Port: port, User: "ops", Password: "hunter2"})
	events := newRecorder()
	backend := newTestBackend(t, hosts, events, nil)

	result := make(chan error, 1)
	go func() { result <- backend.Connect(context.Background(), "web") }()
	events.waitOutput(t, "Auth: password")
	time.Sleep(100 * time.Millisecond)

	if err := backend.Disconnect(context.Background(), "web"); err != nil {
		t.Fatalf("expected disconnect of a pending connect to succeed, got %v", err)
	}
	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for connect to return")
	}
	if backend.Live("web") {
		t.Fatalf("expected no shell after disconnect during connect")
	}
	if connected, _ := events.Counts(); connected != 0 {
		t.Fatalf("expected no connected event, got %d", connected)
	}
	if errs := events.Errors(); len(errs) != 0 {
		t.Fatalf("expected no error diagnostics for an abandoned connect, got %v", errs)
	}
	if hosts.Touched("web") != 0 {
		t.Fatalf("expected no usage update")
	}
	if err := backend.Disconnect(context.Background(), "web"); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound once nothing is pending, got %v", err)
	}
}

func TestCancelledContextAbandonsConnect(t *testing.T) {
	addr, port := testServer(t, slowPassword("hunter2", 300*time.Millisecond))
	hosts := newHostTable(schema.HostProfile{ID: "web", Host: addr, Port: port, User: "ops", Password: "hunter2"})
	events := newRecorder()
	backend := newTestBackend(t, hosts, events, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	if err := backend.Connect(ctx, "web"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if backend.Live("web") {
		t.Fatalf("expected no shell after cancelled connect")
	}
	if connected, _ := events.Counts(); connected != 0 {
		t.Fatalf("expected no connected event, got %d", connected)
	}
}
