package sshkeys

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"pkt.systems/flashssh/internal/persist"
	"pkt.systems/flashssh/schema"
	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const (
	// KeyTypeEd25519 requests Ed25519 key generation.
	KeyTypeEd25519 = "ed25519"
	// KeyTypeRSA requests RSA key generation.
	KeyTypeRSA = "rsa"
	// DefaultRSABits is the default RSA key size in bits.
	DefaultRSABits   = 3072
	privateKeyFile   = "id.enc"
	publicKeyFile    = "id.pub"
	descriptorPrefix = "flashssh:hostkey:"
)

// Store keeps per-host client keys encrypted at rest. Each host gets its own
// data key derived from the store's root key.
type Store struct {
	storePath string
	keyDir    string
	log       pslog.Logger
}

// NewStore initializes the key store and ensures the root key exists.
func NewStore(storePath, keyDir string) (*Store, error) {
	return NewStoreWithLogger(storePath, keyDir, nil)
}

// NewStoreWithLogger initializes the key store with logging.
func NewStoreWithLogger(storePath, keyDir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(storePath) == "" {
		return nil, fmt.Errorf("ssh key store path is required")
	}
	if strings.TrimSpace(keyDir) == "" {
		return nil, fmt.Errorf("ssh key directory is required")
	}
	if err := EnsureKeyStoreWithLogger(storePath, logger); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("ssh_key_store", storePath, "ssh_key_dir", keyDir)
	}
	return &Store{storePath: storePath, keyDir: keyDir, log: logger}, nil
}

// GenerateKey creates or replaces the client key for a host and returns the
// public key in authorized_keys format.
func (s *Store) GenerateKey(id schema.HostID, keyType string, bits int) (string, error) {
	if err := schema.ValidateSessionID(id); err != nil {
		return "", err
	}
	priv, err := newPrivateKey(keyType, bits)
	if err != nil {
		s.warn("ssh key generate failed", id, err)
		return "", err
	}
	exists, err := s.HasKey(id)
	if err != nil {
		return "", err
	}
	return s.store(id, priv, exists)
}

// ImportKey encrypts an existing unencrypted private key for a host.
func (s *Store) ImportKey(id schema.HostID, pemBytes []byte) (string, error) {
	if err := schema.ValidateSessionID(id); err != nil {
		return "", err
	}
	priv, err := ssh.ParseRawPrivateKey(pemBytes)
	if err != nil {
		s.warn("ssh key import failed", id, err)
		return "", fmt.Errorf("parse private key: %w", err)
	}
	if ptr, ok := priv.(*ed25519.PrivateKey); ok {
		priv = *ptr
	}
	exists, err := s.HasKey(id)
	if err != nil {
		return "", err
	}
	return s.store(id, priv, exists)
}

// HasKey reports whether a key is stored for the host.
func (s *Store) HasKey(id schema.HostID) (bool, error) {
	info, err := os.Stat(s.privateKeyPath(id))
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	s.warn("ssh key stat failed", id, err)
	return false, err
}

// RemoveKey deletes the stored key for a host. Missing keys are not an error.
func (s *Store) RemoveKey(id schema.HostID) error {
	dir := s.hostDir(id)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		s.warn("ssh key remove failed", id, err)
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		s.warn("ssh key remove failed", id, err)
		return err
	}
	if s.log != nil {
		s.log.Info("ssh key removed", "host_id", id)
	}
	return nil
}

// Signer returns the host's key as an ssh.Signer. The boolean is false when
// no key is stored.
func (s *Store) Signer(id schema.HostID) (ssh.Signer, bool, error) {
	priv, err := s.LoadPrivateKey(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, false, err
	}
	return signer, true, nil
}

// LoadPrivateKey decrypts and parses the host's private key.
func (s *Store) LoadPrivateKey(id schema.HostID) (crypto.PrivateKey, error) {
	path := s.privateKeyPath(id)
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		s.warn("ssh key load failed", id, err)
		return nil, err
	}
	defer func() { _ = file.Close() }()
	material, root, err := s.material(id, false)
	if err != nil {
		return nil, err
	}
	reader, err := kryptograf.New(root).DecryptReader(file, material)
	if err != nil {
		s.warn("ssh key load failed", id, err)
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	plain, err := io.ReadAll(reader)
	if err != nil {
		s.warn("ssh key load failed", id, err)
		return nil, err
	}
	priv, err := ssh.ParseRawPrivateKey(plain)
	if err != nil {
		s.warn("ssh key load failed", id, err)
		return nil, err
	}
	if s.log != nil {
		s.log.Debug("ssh key load ok", "host_id", id)
	}
	return priv, nil
}

// LoadPublicKey returns the host's public key in authorized_keys format.
func (s *Store) LoadPublicKey(id schema.HostID) (string, error) {
	data, err := os.ReadFile(s.publicKeyPath(id))
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		s.warn("ssh key public load failed", id, err)
		return "", err
	}
	signer, ok, err := s.Signer(id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", os.ErrNotExist
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

func newPrivateKey(keyType string, bits int) (crypto.PrivateKey, error) {
	switch strings.ToLower(strings.TrimSpace(keyType)) {
	case "", KeyTypeEd25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	case KeyTypeRSA:
		if bits == 0 {
			bits = DefaultRSABits
		}
		if bits < 2048 {
			return nil, fmt.Errorf("rsa bits must be at least 2048")
		}
		return rsa.GenerateKey(rand.Reader, bits)
	default:
		return nil, fmt.Errorf("unsupported ssh key type %q", keyType)
	}
}

func (s *Store) store(id schema.HostID, priv crypto.PrivateKey, rotate bool) (string, error) {
	block, err := ssh.MarshalPrivateKey(priv, "flashssh:"+string(id))
	if err != nil {
		s.warn("ssh key write failed", id, err)
		return "", err
	}
	material, root, err := s.material(id, rotate)
	if err != nil {
		return "", err
	}
	var sealed bytes.Buffer
	writer, err := kryptograf.New(root).EncryptWriter(&sealed, material)
	if err != nil {
		s.warn("ssh key write failed", id, err)
		return "", err
	}
	if _, err := writer.Write(pem.EncodeToMemory(block)); err != nil {
		_ = writer.Close()
		s.warn("ssh key write failed", id, err)
		return "", err
	}
	if err := writer.Close(); err != nil {
		s.warn("ssh key write failed", id, err)
		return "", err
	}
	if err := persist.WriteFile(s.privateKeyPath(id), sealed.Bytes(), 0o600, s.log); err != nil {
		return "", err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		s.warn("ssh key write failed", id, err)
		return "", err
	}
	pub := ssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := persist.WriteFile(s.publicKeyPath(id), pub, 0o644, s.log); err != nil {
		return "", err
	}
	if s.log != nil {
		action := "generated"
		if rotate {
			action = "rotated"
		}
		s.log.Info("ssh key write ok", "host_id", id, "type", signer.PublicKey().Type(), "action", action)
	}
	return strings.TrimSpace(string(pub)), nil
}

func (s *Store) material(id schema.HostID, rotate bool) (keymgmt.Material, keymgmt.RootKey, error) {
	store, err := keymgmt.LoadProto(s.storePath)
	if err != nil {
		s.warn("ssh key material load failed", id, err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		s.warn("ssh key material load failed", id, err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	name := descriptorPrefix + string(id)
	var material keymgmt.Material
	if rotate {
		material, err = keymgmt.MintDEK(root, []byte(name))
		if err == nil {
			err = store.SetDescriptor(name, material.Descriptor)
		}
	} else {
		material, err = store.EnsureDescriptor(name, root, []byte(name))
	}
	if err != nil {
		s.warn("ssh key material update failed", id, err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	if err := store.Commit(); err != nil {
		s.warn("ssh key material commit failed", id, err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	return material, root, nil
}

func (s *Store) warn(msg string, id schema.HostID, err error) {
	if s.log != nil {
		s.log.Warn(msg, "host_id", id, "err", err)
	}
}

func (s *Store) hostDir(id schema.HostID) string {
	return filepath.Join(s.keyDir, string(id))
}

func (s *Store) privateKeyPath(id schema.HostID) string {
	return filepath.Join(s.hostDir(id), privateKeyFile)
}

func (s *Store) publicKeyPath(id schema.HostID) string {
	return filepath.Join(s.hostDir(id), publicKeyFile)
}
