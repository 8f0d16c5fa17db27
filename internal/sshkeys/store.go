package sshkeys

import (
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

// EnsureKeyStore creates the key bundle at path with a root key if missing.
func EnsureKeyStore(path string) error {
	return EnsureKeyStoreWithLogger(path, nil)
}

// EnsureKeyStoreWithLogger creates the key bundle with logging.
func EnsureKeyStoreWithLogger(path string, logger pslog.Logger) error {
	if path == "" {
		return fmt.Errorf("ssh key store path is required")
	}
	fail := func(err error) error {
		if logger != nil {
			logger.Warn("ssh key store ensure failed", "path", path, "err", err)
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fail(err)
	}
	bundle, err := keymgmt.LoadProto(path)
	if err != nil {
		return fail(err)
	}
	if _, err := bundle.EnsureRootKey(); err != nil {
		return fail(err)
	}
	if err := bundle.Commit(); err != nil {
		return fail(err)
	}
	if logger != nil {
		logger.Debug("ssh key store ensure ok", "path", path)
	}
	return nil
}
