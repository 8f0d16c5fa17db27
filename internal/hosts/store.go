// Package hosts stores the host profiles sessions are opened for.
package hosts

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"pkt.systems/flashssh/internal/persist"
	"pkt.systems/flashssh/schema"
	"pkt.systems/pslog"
)

type fileDocument struct {
	Hosts []schema.HostProfile `yaml:"hosts"`
}

// Store keeps host profiles in a YAML file. External edits to the file are
// picked up on the next call.
type Store struct {
	path      string
	mu        sync.RWMutex
	hosts     map[schema.HostID]schema.HostProfile
	fileState persist.FileState
	log       pslog.Logger
	now       func() time.Time
}

// NewStore opens the store at path.
func NewStore(path string) (*Store, error) {
	return NewStoreWithLogger(path, nil)
}

// NewStoreWithLogger opens the store at path, creating an empty file if
// needed.
func NewStoreWithLogger(path string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("hosts file path is required")
	}
	if logger != nil {
		logger = logger.With("hosts_file", path)
	}
	store := &Store{
		path:  path,
		hosts: make(map[schema.HostID]schema.HostProfile),
		log:   logger,
		now:   time.Now,
	}
	if err := store.ensureFile(); err != nil {
		return nil, err
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// List returns all profiles, most recently used first, then by name.
func (s *Store) List() ([]schema.HostProfile, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]schema.HostProfile, 0, len(s.hosts))
	for _, host := range s.hosts {
		out = append(out, host)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUsed.Equal(out[j].LastUsed) {
			return out[i].LastUsed.After(out[j].LastUsed)
		}
		if out[i].Name != out[j].Name {
			return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get returns the profile with the id.
func (s *Store) Get(id schema.HostID) (schema.HostProfile, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return schema.HostProfile{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	host, ok := s.hosts[id]
	if !ok {
		return schema.HostProfile{}, schema.ErrHostNotFound
	}
	return host, nil
}

// Find resolves a profile by id, then by case-insensitive name.
func (s *Store) Find(ref string) (schema.HostProfile, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return schema.HostProfile{}, schema.ErrHostNotFound
	}
	if host, err := s.Get(schema.HostID(ref)); err == nil {
		return host, nil
	} else if !errors.Is(err, schema.ErrHostNotFound) {
		return schema.HostProfile{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var match schema.HostProfile
	found := 0
	for _, host := range s.hosts {
		if strings.EqualFold(host.Name, ref) {
			match = host
			found++
		}
	}
	switch found {
	case 0:
		return schema.HostProfile{}, schema.ErrHostNotFound
	case 1:
		return match, nil
	default:
		return schema.HostProfile{}, fmt.Errorf("host name %q is ambiguous", ref)
	}
}

// Add stores a new profile with a generated id.
func (s *Store) Add(host schema.HostProfile) (schema.HostProfile, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return schema.HostProfile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	normalized, err := schema.NormalizeHost(host, len(s.hosts))
	if err != nil {
		return schema.HostProfile{}, err
	}
	normalized.ID = schema.HostID(uuid.NewString())
	normalized.LastUsed = time.Time{}
	normalized.UseCount = 0
	s.hosts[normalized.ID] = normalized
	if err := s.saveLocked(); err != nil {
		delete(s.hosts, normalized.ID)
		if s.log != nil {
			s.log.Warn("hosts add failed", "host", normalized.Name, "err", err)
		}
		return schema.HostProfile{}, err
	}
	if s.log != nil {
		s.log.Info("hosts added", "id", normalized.ID, "host", normalized.Name)
	}
	return normalized, nil
}

// Update replaces an existing profile. Usage statistics are preserved.
func (s *Store) Update(host schema.HostProfile) (schema.HostProfile, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return schema.HostProfile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.hosts[host.ID]
	if !ok {
		return schema.HostProfile{}, schema.ErrHostNotFound
	}
	normalized, err := schema.NormalizeHost(host, len(s.hosts))
	if err != nil {
		return schema.HostProfile{}, err
	}
	normalized.LastUsed = current.LastUsed
	normalized.UseCount = current.UseCount
	s.hosts[host.ID] = normalized
	if err := s.saveLocked(); err != nil {
		s.hosts[host.ID] = current
		if s.log != nil {
			s.log.Warn("hosts update failed", "id", host.ID, "err", err)
		}
		return schema.HostProfile{}, err
	}
	if s.log != nil {
		s.log.Info("hosts updated", "id", host.ID)
	}
	return normalized, nil
}

// SetTOTPSecret stores the verification-code secret for a profile.
func (s *Store) SetTOTPSecret(id schema.HostID, secret string) error {
	return s.mutate(id, "hosts totp update", func(host *schema.HostProfile) {
		host.TOTPSecret = strings.TrimSpace(secret)
	})
}

// Delete removes a profile.
func (s *Store) Delete(id schema.HostID) error {
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.hosts[id]
	if !ok {
		return schema.ErrHostNotFound
	}
	delete(s.hosts, id)
	if err := s.saveLocked(); err != nil {
		s.hosts[id] = current
		if s.log != nil {
			s.log.Warn("hosts delete failed", "id", id, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Info("hosts deleted", "id", id)
	}
	return nil
}

// Touch records a successful connection.
func (s *Store) Touch(id schema.HostID) error {
	now := s.now()
	return s.mutate(id, "hosts touch", func(host *schema.HostProfile) {
		host.LastUsed = now
		host.UseCount++
	})
}

func (s *Store) mutate(id schema.HostID, op string, fn func(*schema.HostProfile)) error {
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.hosts[id]
	if !ok {
		return schema.ErrHostNotFound
	}
	next := current
	fn(&next)
	s.hosts[id] = next
	if err := s.saveLocked(); err != nil {
		s.hosts[id] = current
		if s.log != nil {
			s.log.Warn(op+" failed", "id", id, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Debug(op+" ok", "id", id)
	}
	return nil
}

// Tags returns the distinct tags across all profiles, sorted.
func (s *Store) Tags() ([]string, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	seen := make(map[string]struct{})
	for _, host := range s.hosts {
		for _, tag := range host.Tags {
			tag = strings.TrimSpace(tag)
			if tag != "" {
				seen[tag] = struct{}{}
			}
		}
	}
	s.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ensureFile() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		if s.log != nil {
			s.log.Warn("hosts store init failed", "err", err)
		}
		return err
	}
	data, err := yaml.Marshal(fileDocument{Hosts: []schema.HostProfile{}})
	if err != nil {
		return err
	}
	if err := persist.WriteFile(s.path, data, 0o600, s.log); err != nil {
		return err
	}
	if s.log != nil {
		s.log.Info("hosts store initialized")
	}
	return nil
}

func (s *Store) saveLocked() error {
	ids := make([]string, 0, len(s.hosts))
	for id := range s.hosts {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	doc := fileDocument{Hosts: make([]schema.HostProfile, 0, len(ids))}
	for _, id := range ids {
		doc.Hosts = append(doc.Hosts, s.hosts[schema.HostID(id)])
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := persist.WriteFile(s.path, data, 0o600, s.log); err != nil {
		return err
	}
	if state, err := persist.StateOf(s.path); err == nil {
		s.fileState = state
	} else if s.log != nil {
		s.log.Warn("hosts store save failed to stat", "err", err)
	}
	if s.log != nil {
		s.log.Debug("hosts store save ok", "hosts", len(doc.Hosts))
	}
	return nil
}

func (s *Store) refreshIfNeeded() error {
	latest, err := persist.StateOf(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("hosts store stat failed", "err", err)
		}
		return err
	}
	s.mu.RLock()
	current := s.fileState
	s.mu.RUnlock()
	if current.Equal(latest) {
		return nil
	}
	return s.loadFromDisk()
}

func (s *Store) loadFromDisk() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("hosts store load failed", "err", err)
		}
		return err
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		if s.log != nil {
			s.log.Warn("hosts store load failed", "err", err)
		}
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	state, err := persist.StateOf(s.path)
	if err != nil {
		return err
	}
	next := make(map[schema.HostID]schema.HostProfile, len(doc.Hosts))
	for i, host := range doc.Hosts {
		if err := schema.ValidateSessionID(host.ID); err != nil {
			return fmt.Errorf("host %d: %w", i, err)
		}
		normalized, err := schema.NormalizeHost(host, i)
		if err != nil {
			return fmt.Errorf("host %s: %w", host.ID, err)
		}
		next[host.ID] = normalized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts = next
	s.fileState = state
	if s.log != nil {
		s.log.Debug("hosts store load ok", "hosts", len(next))
	}
	return nil
}
