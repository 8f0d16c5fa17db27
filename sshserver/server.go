// Package sshserver exposes host profiles over SSH: the login name selects the
// profile and the client's terminal becomes the pane surface.
package sshserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/ssh"

	flashssh "pkt.systems/flashssh"
	"pkt.systems/flashssh/core"
	"pkt.systems/flashssh/internal/logx"
	"pkt.systems/flashssh/schema"
	"pkt.systems/pslog"
)

// DetachKey (Ctrl-]) leaves the gateway without closing the remote session.
const DetachKey = 0x1d

const exitPrompt = "\r\nPress any key to exit.\r\n"

// Opener opens panes and closes sessions. *flashssh.App satisfies it.
type Opener interface {
	Open(ctx context.Context, ref string, opts flashssh.PaneOptions) (*core.Pane, <-chan error, error)
	Disconnect(ctx context.Context, id schema.SessionID)
}

// Server is the SSH gateway.
type Server struct {
	Config
	Listener net.Listener
	App      Opener
	logger   pslog.Logger
}

type authContextKey string

const loginPubKeyOK authContextKey = "login-pubkey-ok"

// ListenAndServe starts the gateway and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	if s.App == nil {
		return errors.New("ssh gateway needs an app")
	}
	if strings.TrimSpace(s.AuthorizedKeys) == "" {
		return errors.New("ssh gateway needs an authorized_keys file")
	}
	signer, err := EnsureHostKey(s.HostKeyPath)
	if err != nil {
		return err
	}

	server := &gliderssh.Server{
		Addr:                       s.Addr,
		Handler:                    s.handleSession,
		PublicKeyHandler:           s.handlePublicKey,
		KeyboardInteractiveHandler: s.handleKeyboardInteractive,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("ssh gateway listening", "addr", s.Addr)

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, gliderssh.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// authorized reports whether key is listed in the authorized_keys file. The
// file is read on every attempt so edits apply without a restart.
func (s *Server) authorized(key ssh.PublicKey) (bool, error) {
	data, err := os.ReadFile(s.AuthorizedKeys)
	if err != nil {
		return false, err
	}
	want := key.Marshal()
	for len(data) > 0 {
		allowed, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			break
		}
		if bytes.Equal(allowed.Marshal(), want) {
			return true, nil
		}
		data = rest
	}
	return false, nil
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.logger.With("user", ctx.User(), "remote", remoteAddr(ctx), "fingerprint", ssh.FingerprintSHA256(key))
	ok, err := s.authorized(key)
	if err != nil {
		log.Warn("ssh pubkey rejected", "err", err)
		return false
	}
	if !ok {
		log.Warn("ssh pubkey rejected", "reason", "no matching key")
		return false
	}
	if strings.TrimSpace(s.TOTPSecret) == "" {
		log.Info("ssh pubkey accepted")
		return true
	}
	// Defer to keyboard-interactive for the verification code.
	ctx.SetValue(loginPubKeyOK, true)
	log.Debug("ssh pubkey accepted, verification code pending")
	return false
}

func (s *Server) handleKeyboardInteractive(ctx gliderssh.Context, challenger ssh.KeyboardInteractiveChallenge) bool {
	if ctx.Value(loginPubKeyOK) != true || strings.TrimSpace(s.TOTPSecret) == "" {
		return false
	}
	log := s.logger.With("user", ctx.User(), "remote", remoteAddr(ctx))
	answers, err := challenger(ctx.User(), "", []string{"Verification code: "}, []bool{false})
	if err != nil {
		log.Warn("ssh totp rejected", "reason", "challenge failed", "err", err)
		return false
	}
	if len(answers) != 1 {
		log.Warn("ssh totp rejected", "reason", "invalid answer count", "count", len(answers))
		return false
	}
	if !totp.Validate(strings.TrimSpace(answers[0]), strings.TrimSpace(s.TOTPSecret)) {
		log.Warn("ssh totp rejected", "reason", "invalid code")
		return false
	}
	log.Info("ssh totp accepted")
	return true
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	ref := sess.User()
	log := s.logger.With("user", ref, "remote", sess.RemoteAddr().String())
	pty, winCh, ok := sess.Pty()
	if !ok {
		log.Info("ssh session rejected", "reason", "pty required")
		_, _ = io.WriteString(sess, "pty required\n")
		_ = sess.Exit(1)
		return
	}
	ctx := logx.ContextWithSurface(pslog.ContextWithLogger(sess.Context(), log), "ssh")

	surface := core.NewWriterSurface(sess)
	fitter := &windowFitter{}
	fitter.set(pty.Window)
	pane, result, err := s.App.Open(ctx, ref, flashssh.PaneOptions{
		Surface: surface,
		Fitter:  fitter,
		Name:    "ssh",
	})
	if err != nil {
		log.Info("ssh session rejected", "err", err)
		_, _ = io.WriteString(sess, err.Error()+"\r\n")
		_ = sess.Exit(1)
		return
	}
	log = log.With("session", pane.ID())
	log.Info("ssh session opened", "term", pty.Term)
	code := s.relay(ctx, sess, pane, result, surface, fitter, winCh, log)
	if err := pane.Close(); err != nil {
		log.Warn("ssh pane close failed", "err", err)
	}
	_ = sess.Exit(code)
	log.Info("ssh session closed", "exit", code)
}

func (s *Server) relay(ctx context.Context, sess gliderssh.Session, pane *core.Pane, result <-chan error, surface *core.WriterSurface, fitter *windowFitter, winCh <-chan gliderssh.Window, log pslog.Logger) int {
	keys := make(chan []byte)
	stop := make(chan struct{})
	defer close(stop)
	go readKeys(sess, keys, stop)

	done := surface.Done()
	code := 0
	ended := false
	for {
		select {
		case <-ctx.Done():
			return code
		case win, ok := <-winCh:
			if !ok {
				winCh = nil
				continue
			}
			fitter.set(win)
			pane.Layout()
		case err, ok := <-result:
			result = nil
			if ok && err != nil {
				code = 1
				ended = true
				pane.WriteMessage(exitPrompt)
			}
		case <-done:
			done = nil
			ended = true
		case data, ok := <-keys:
			if !ok || ended {
				return code
			}
			if i := bytes.IndexByte(data, DetachKey); i >= 0 {
				if i > 0 {
					_ = pane.Input(data[:i])
				}
				log.Info("ssh session detached")
				return code
			}
			if err := pane.Input(data); err != nil {
				if errors.Is(err, schema.ErrPaneClosed) {
					ended = true
					continue
				}
				log.Warn("ssh session input failed", "err", err)
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
