package sshclient

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"pkt.systems/flashssh/core"
	"pkt.systems/flashssh/internal/appconfig"
	"pkt.systems/flashssh/schema"
)

var defaultIdentities = []string{"id_ed25519", "id_rsa", "id_ecdsa", "id_dsa"}

// authMethods builds the client auth chain for a profile. Key problems are
// shown in the pane and the remaining methods are still tried.
func (b *Backend) authMethods(id schema.SessionID, host schema.HostProfile) ([]ssh.AuthMethod, []string) {
	var methods []ssh.AuthMethod
	var labels []string

	if host.Password != "" {
		methods = append(methods, ssh.Password(host.Password))
		labels = append(labels, "password")
	}
	if host.Password != "" || host.TOTPSecret != "" {
		methods = append(methods, ssh.KeyboardInteractive(b.challenge(host)))
		labels = append(labels, "keyboard-interactive")
	}

	var signers []ssh.Signer
	if host.IdentityFile != "" {
		path := appconfig.ExpandPath(host.IdentityFile)
		signer, err := loadSigner(path)
		if err != nil {
			b.cfg.Events.Data(id, []byte(core.ErrorMessage(fmt.Sprintf("Cannot read key %s: %v", host.IdentityFile, err))))
		} else {
			signers = append(signers, signer)
			labels = append(labels, "key "+host.IdentityFile)
		}
	}
	if b.cfg.Keys != nil {
		signer, ok, err := b.cfg.Keys.Signer(id)
		switch {
		case err != nil:
			b.cfg.Events.Data(id, []byte(core.ErrorMessage("Cannot load stored key: "+err.Error())))
		case ok:
			signers = append(signers, signer)
			labels = append(labels, "stored key")
		}
	}
	if host.IdentityFile == "" && host.Password == "" {
		if found := b.defaultSigners(); len(found) > 0 {
			signers = append(signers, found...)
			labels = append(labels, "default keys")
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	return methods, labels
}

func (b *Backend) challenge(host schema.HostProfile) ssh.KeyboardInteractiveChallenge {
	return func(_, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i, question := range questions {
			if host.TOTPSecret != "" && asksForCode(question) {
				code, err := totp.GenerateCode(host.TOTPSecret, b.cfg.Now())
				if err != nil {
					return nil, fmt.Errorf("generate verification code: %w", err)
				}
				answers[i] = code
				continue
			}
			answers[i] = host.Password
		}
		return answers, nil
	}
}

func asksForCode(question string) bool {
	q := strings.ToLower(question)
	for _, hint := range []string{"verification code", "one-time", "otp", "token", "authenticator", "2fa"} {
		if strings.Contains(q, hint) {
			return true
		}
	}
	return false
}

func (b *Backend) defaultSigners() []ssh.Signer {
	home := b.cfg.HomeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return nil
		}
	}
	var out []ssh.Signer
	for _, name := range defaultIdentities {
		// Missing and passphrase-protected keys are skipped.
		signer, err := loadSigner(filepath.Join(home, ".ssh", name))
		if err == nil {
			out = append(out, signer)
		}
	}
	return out
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

func (b *Backend) hostKeyCallback() (ssh.HostKeyCallback, error) {
	path := b.cfg.KnownHosts
	if path == "" {
		if b.cfg.StrictHostKeys {
			return nil, errors.New("strict host key checking needs a known_hosts file")
		}
		return ssh.InsecureIgnoreHostKey(), nil
	}
	check, err := knownhosts.New(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !b.cfg.StrictHostKeys {
			return ssh.InsecureIgnoreHostKey(), nil
		}
		return nil, err
	}
	if b.cfg.StrictHostKeys {
		return check, nil
	}
	// Unknown hosts are accepted; a changed key is still refused.
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return nil
		}
		return err
	}, nil
}

func friendlyError(err error, host schema.HostProfile) string {
	addr := net.JoinHostPort(host.Host, fmt.Sprint(host.Port))
	msg := err.Error()
	lower := strings.ToLower(msg)

	var keyErr *knownhosts.KeyError
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &keyErr):
		if len(keyErr.Want) > 0 {
			return fmt.Sprintf("Host key mismatch for %s. The remote key changed; check known_hosts.", addr)
		}
		return fmt.Sprintf("Unknown host key for %s. Add it to known_hosts first.", addr)
	case strings.Contains(lower, "unable to authenticate") || strings.Contains(lower, "no supported methods remain"):
		return "Authentication failed. Check your username and password/key.\r\n  Server response: " + msg
	case strings.Contains(lower, "connection refused"):
		return fmt.Sprintf("Connection refused on %s. Is SSH running on that host/port?", addr)
	case errors.As(err, &dnsErr) || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "network is unreachable") || strings.Contains(lower, "no route to host"):
		return fmt.Sprintf("Host unreachable: '%s'. Check the hostname/IP.", host.Host)
	case errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) ||
		strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return fmt.Sprintf("Connection timed out to %s. The host may be offline or a firewall is blocking port %d.", host.Host, host.Port)
	default:
		return msg
	}
}

func joinLabels(labels []string) string {
	return strings.Join(labels, " + ")
}
