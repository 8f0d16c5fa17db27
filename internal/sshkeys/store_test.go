package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"pkt.systems/flashssh/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "keys.bundle"), filepath.Join(dir, "keys"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStoreGenerateLoadRotate(t *testing.T) {
	store := newTestStore(t)

	pub, err := store.GenerateKey("web", KeyTypeEd25519, 0)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if !strings.HasPrefix(pub, "ssh-ed25519") {
		t.Fatalf("expected ed25519 pub key, got %q", pub)
	}

	signer, ok, err := store.Signer("web")
	if err != nil || !ok {
		t.Fatalf("signer: ok=%v err=%v", ok, err)
	}
	derived := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	if derived != pub {
		t.Fatalf("public key mismatch")
	}

	pub2, err := store.GenerateKey("web", KeyTypeRSA, 2048)
	if err != nil {
		t.Fatalf("rotate key: %v", err)
	}
	if !strings.HasPrefix(pub2, "ssh-rsa") {
		t.Fatalf("expected rsa pub key, got %q", pub2)
	}
	loaded, err := store.LoadPublicKey("web")
	if err != nil || loaded != pub2 {
		t.Fatalf("expected rotated public key, got %q err=%v", loaded, err)
	}
}

func TestStoreKeyIsEncryptedAtRest(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GenerateKey("db", KeyTypeEd25519, 0); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	data, err := os.ReadFile(store.privateKeyPath("db"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), "PRIVATE KEY") {
		t.Fatalf("expected sealed key material on disk")
	}
}

func TestStoreImportKey(t *testing.T) {
	store := newTestStore(t)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	pub, err := store.ImportKey("db", pem.EncodeToMemory(block))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	signer, _ := ssh.NewSignerFromKey(priv)
	if pub != strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))) {
		t.Fatalf("imported public key mismatch")
	}
	if _, err := store.ImportKey("db", []byte("garbage")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestStoreRemoveKey(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GenerateKey("bob", KeyTypeEd25519, 0); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := store.RemoveKey("bob"); err != nil {
		t.Fatalf("remove key: %v", err)
	}
	if err := store.RemoveKey("bob"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if _, err := store.LoadPrivateKey("bob"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist after removal, got %v", err)
	}
	if _, ok, err := store.Signer("bob"); ok || err != nil {
		t.Fatalf("expected no signer, got ok=%v err=%v", ok, err)
	}
}

func TestStoreRejectsBadInput(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GenerateKey("", KeyTypeEd25519, 0); !errors.Is(err, schema.ErrInvalidSession) {
		t.Fatalf("expected invalid id, got %v", err)
	}
	if _, err := store.GenerateKey("web", "dsa", 0); err == nil {
		t.Fatalf("expected unsupported type error")
	}
	if _, err := store.GenerateKey("web", KeyTypeRSA, 1024); err == nil {
		t.Fatalf("expected short rsa key error")
	}
}
