package persist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"pkt.systems/pslog"
)

// WriteFile replaces path with data through a synced temporary file in the
// same directory, so readers never observe a partial file.
func WriteFile(path string, data []byte, perm os.FileMode, log pslog.Logger) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("path is required")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		warn(log, path, err)
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		warn(log, path, err)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		warn(log, path, err)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		warn(log, path, err)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		warn(log, path, err)
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		_ = os.Remove(tmp.Name())
		warn(log, path, err)
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		warn(log, path, err)
		return err
	}
	if log != nil {
		log.Trace("persist write ok", "path", path, "bytes", len(data))
	}
	return nil
}

func warn(log pslog.Logger, path string, err error) {
	if log != nil {
		log.Warn("persist write failed", "path", path, "err", err)
	}
}

// FileState identifies a version of a file on disk.
type FileState struct {
	modTime time.Time
	size    int64
	inode   uint64
	dev     uint64
}

// StateOf returns the state of the file at path.
func StateOf(path string) (FileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileState{}, err
	}
	state := FileState{
		modTime: info.ModTime(),
		size:    info.Size(),
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		state.inode = uint64(stat.Ino)
		state.dev = uint64(stat.Dev)
	}
	return state, nil
}

// Equal reports whether both states describe the same file version.
func (s FileState) Equal(other FileState) bool {
	return s.size == other.size &&
		s.modTime.Equal(other.modTime) &&
		s.inode == other.inode &&
		s.dev == other.dev
}
