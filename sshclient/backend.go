// Package sshclient implements the session backend over SSH.
package sshclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"pkt.systems/flashssh/internal/logx"
	"pkt.systems/flashssh/schema"
	"pkt.systems/pslog"
)

const (
	// DefaultTerm is the TERM requested for remote ptys.
	DefaultTerm = "xterm-256color"
	// DefaultTimeout bounds dial and handshake.
	DefaultTimeout = 15 * time.Second

	initialRows = 40
	initialCols = 200
	ptySpeed    = 38400
	relayBuffer = 32 * 1024

	closedNotice       = "\r\n\x1b[90m─── Connection closed ───\x1b[0m\r\n"
	disconnectedNotice = "\r\n\x1b[90m─── Disconnected ───\x1b[0m\r\n"
)

// HostSource resolves host profiles and records usage.
type HostSource interface {
	Get(id schema.HostID) (schema.HostProfile, error)
	Touch(id schema.HostID) error
}

// KeySource provides per-host client keys.
type KeySource interface {
	Signer(id schema.HostID) (ssh.Signer, bool, error)
}

// Events receives backend notifications. *eventbus.Bus satisfies it.
type Events interface {
	Connected(id schema.SessionID)
	Data(id schema.SessionID, data []byte)
	Closed(id schema.SessionID)
	Error(id schema.SessionID, msg string)
}

// Config wires the backend.
type Config struct {
	Hosts          HostSource
	Keys           KeySource
	Events         Events
	Term           string
	Timeout        time.Duration
	KnownHosts     string
	StrictHostKeys bool
	// HomeDir is searched for default identities. Empty uses the user's home.
	HomeDir string
	Now     func() time.Time
	Logger  pslog.Logger
}

type conn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	once    sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		_ = c.session.Close()
		_ = c.client.Close()
	})
}

type pendingConnect struct {
	cancel context.CancelFunc
}

// Backend opens one SSH shell per session id.
type Backend struct {
	cfg Config
	log pslog.Logger

	mu       sync.Mutex
	sessions map[schema.SessionID]*conn
	pending  map[schema.SessionID]*pendingConnect
}

// New constructs a Backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Hosts == nil {
		return nil, errors.New("host source is required")
	}
	if cfg.Events == nil {
		return nil, errors.New("event sink is required")
	}
	if cfg.Term == "" {
		cfg.Term = DefaultTerm
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Backend{
		cfg:      cfg,
		log:      log,
		sessions: make(map[schema.SessionID]*conn),
		pending:  make(map[schema.SessionID]*pendingConnect),
	}, nil
}

// Connect dials the host profile with the session id and starts a shell.
// Failures are reported to the pane before the error is returned. Cancelling
// ctx, or a Disconnect for id, abandons the attempt and closes anything it
// opened.
func (b *Backend) Connect(ctx context.Context, id schema.SessionID) error {
	if err := schema.ValidateSessionID(id); err != nil {
		return err
	}
	ctx, attempt := b.begin(ctx, id)
	defer b.finish(id, attempt)
	host, err := b.cfg.Hosts.Get(id)
	if err != nil {
		if errors.Is(err, schema.ErrHostNotFound) {
			b.cfg.Events.Error(id, "Host profile not found.")
		}
		return fmt.Errorf("load host: %w", err)
	}
	log := logx.WithHost(logx.ForSession(b.log, id), host)

	if prior := b.take(id); prior != nil {
		log.Debug("ssh replacing live session")
		prior.close()
	}

	addr := net.JoinHostPort(host.Host, strconv.Itoa(host.Port))
	user := host.User
	if user == "" {
		user = schema.DefaultSSHUser
	}
	b.info(id, fmt.Sprintf("  Connecting to %s@%s …", user, addr))

	auth, labels := b.authMethods(id, host)
	if len(auth) == 0 {
		b.cfg.Events.Error(id, "No authentication method available.\r\n  → Add a password, or ensure ~/.ssh/id_rsa (or id_ed25519) exists.")
		log.Warn("ssh connect rejected", "reason", "no auth method")
		return schema.ErrNoAuthMethod
	}
	b.info(id, "  Auth: "+joinLabels(labels))

	hostKeys, err := b.hostKeyCallback()
	if err != nil {
		b.cfg.Events.Error(id, "Cannot load known hosts: "+err.Error())
		log.Warn("ssh known hosts failed", "err", err)
		return err
	}
	clientConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         b.cfg.Timeout,
	}

	started := time.Now()
	client, err := b.dial(ctx, addr, clientConfig)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("ssh connect cancelled", "duration", time.Since(started))
			return ctx.Err()
		}
		b.cfg.Events.Error(id, friendlyError(err, host))
		log.Warn("ssh dial failed", "err", err, "duration", time.Since(started))
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	c, err := b.openShell(client)
	if err != nil {
		_ = client.Close()
		if ctx.Err() != nil {
			log.Info("ssh connect cancelled", "duration", time.Since(started))
			return ctx.Err()
		}
		b.cfg.Events.Error(id, err.Error())
		log.Warn("ssh shell failed", "err", err)
		return err
	}

	// Checked under the lock Disconnect takes, so a cancel either lands
	// before the store or finds the stored shell.
	b.mu.Lock()
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		c.close()
		log.Info("ssh connect cancelled", "duration", time.Since(started))
		return err
	}
	b.sessions[id] = c
	b.mu.Unlock()

	if err := b.cfg.Hosts.Touch(id); err != nil {
		log.Warn("ssh usage update failed", "err", err)
	}
	log.Info("ssh connected", "duration", time.Since(started))
	b.cfg.Events.Connected(id)

	go b.relay(id, c, log)
	return nil
}

func (b *Backend) openShell(client *ssh.Client) (*conn, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: ptySpeed,
		ssh.TTY_OP_OSPEED: ptySpeed,
	}
	if err := session.RequestPty(b.cfg.Term, initialRows, initialCols, modes); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return &conn{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}

func (b *Backend) relay(id schema.SessionID, c *conn, log pslog.Logger) {
	buf := make([]byte, relayBuffer)
	for {
		n, err := c.stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			b.cfg.Events.Data(id, chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("ssh relay ended", "err", err)
			}
			break
		}
	}
	if !b.remove(id, c) {
		return
	}
	c.close()
	log.Info("ssh session closed")
	b.cfg.Events.Data(id, []byte(closedNotice))
	b.cfg.Events.Closed(id)
}

func (b *Backend) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	defer stop()
	_ = netConn.SetDeadline(time.Now().Add(cfg.Timeout))
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	_ = netConn.SetDeadline(time.Time{})
	return ssh.NewClient(clientConn, chans, reqs), nil
}

// Disconnect closes the live session for id and abandons a connect still in
// flight for it.
func (b *Backend) Disconnect(ctx context.Context, id schema.SessionID) error {
	b.mu.Lock()
	attempt := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if attempt != nil {
		attempt.cancel()
	}
	c := b.take(id)
	if c == nil {
		if attempt != nil {
			logx.WithSession(ctx, id).Info("ssh connect abandoned")
			return nil
		}
		return schema.ErrSessionNotFound
	}
	c.close()
	logx.WithSession(ctx, id).Info("ssh disconnected")
	b.cfg.Events.Data(id, []byte(disconnectedNotice))
	b.cfg.Events.Closed(id)
	return nil
}

// SendInput writes keystrokes to the remote shell. Input for a session
// without a live shell is dropped.
func (b *Backend) SendInput(_ context.Context, id schema.SessionID, data []byte) error {
	c := b.lookup(id)
	if c == nil || len(data) == 0 {
		return nil
	}
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Resize changes the remote pty window. Window-change failures are logged only.
func (b *Backend) Resize(ctx context.Context, id schema.SessionID, cols, rows int) error {
	if err := schema.ValidateGrid(schema.Grid{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize %dx%d: %w", cols, rows, err)
	}
	c := b.lookup(id)
	if c == nil {
		return nil
	}
	if err := c.session.WindowChange(rows, cols); err != nil {
		logx.WithSession(ctx, id).Warn("ssh window change failed", "cols", cols, "rows", rows, "err", err)
	}
	return nil
}

// Live reports whether id has an open shell.
func (b *Backend) Live(id schema.SessionID) bool {
	return b.lookup(id) != nil
}

// Close tears down every session without publishing events.
func (b *Backend) Close() error {
	b.mu.Lock()
	for id, attempt := range b.pending {
		attempt.cancel()
		delete(b.pending, id)
	}
	conns := make([]*conn, 0, len(b.sessions))
	for id, c := range b.sessions {
		conns = append(conns, c)
		delete(b.sessions, id)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return nil
}

func (b *Backend) begin(ctx context.Context, id schema.SessionID) (context.Context, *pendingConnect) {
	ctx, cancel := context.WithCancel(ctx)
	attempt := &pendingConnect{cancel: cancel}
	b.mu.Lock()
	if prior := b.pending[id]; prior != nil {
		prior.cancel()
	}
	b.pending[id] = attempt
	b.mu.Unlock()
	return ctx, attempt
}

func (b *Backend) finish(id schema.SessionID, attempt *pendingConnect) {
	b.mu.Lock()
	if b.pending[id] == attempt {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	attempt.cancel()
}

func (b *Backend) lookup(id schema.SessionID) *conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[id]
}

func (b *Backend) take(id schema.SessionID) *conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.sessions[id]
	delete(b.sessions, id)
	return c
}

func (b *Backend) remove(id schema.SessionID, c *conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[id] != c {
		return false
	}
	delete(b.sessions, id)
	return true
}

func (b *Backend) info(id schema.SessionID, msg string) {
	b.cfg.Events.Data(id, []byte(fmt.Sprintf("\x1b[90m%s\x1b[0m\r\n", msg)))
}
