// Package credstore holds the active provider configuration and optionally
// persists it to a YAML file readable only by the owner.
package credstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// ErrNotConfigured is returned by Get when no provider has been configured.
var ErrNotConfigured = errors.New("no provider configured")

// fileMode is applied to the persisted file; it carries secrets.
const fileMode = 0o600

// Store is safe for concurrent use. Set replaces the whole configuration;
// callers never see a partially updated value.
type Store struct {
	path string

	mu  sync.RWMutex
	cfg *provider.Config
}

// document is the on-disk shape.
type document struct {
	Version  int             `yaml:"version"`
	Provider provider.Config `yaml:"provider"`
}

// New returns an in-memory store, or a file-backed one when path is set.
// An existing file is loaded immediately.
func New(path string) (*Store, error) {
	s := &Store{path: path}
	if path == "" {
		return s, nil
	}
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

// Path returns the backing file, or "" for in-memory stores.
func (s *Store) Path() string { return s.path }

// Get returns a copy of the active configuration.
func (s *Store) Get() (provider.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return provider.Config{}, ErrNotConfigured
	}
	return clone(*s.cfg), nil
}

// Configured reports whether a configuration is present.
func (s *Store) Configured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg != nil
}

// Set replaces the active configuration and persists it. On a write failure
// the previous configuration stays active.
func (s *Store) Set(cfg provider.Config) error {
	c := clone(cfg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		if err := save(s.path, c); err != nil {
			return err
		}
	}
	s.cfg = &c
	return nil
}

// Clear forgets the active configuration and removes the backing file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove credentials file: %w", err)
		}
	}
	s.cfg = nil
	return nil
}

func clone(cfg provider.Config) provider.Config {
	creds := make(map[string]string, len(cfg.Credentials))
	for k, v := range cfg.Credentials {
		creds[k] = v
	}
	return provider.Config{Type: cfg.Type, Credentials: creds}
}

func load(path string) (*provider.Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse credentials file %s: %w", path, err)
	}
	if doc.Provider.Type == "" {
		return nil, nil
	}
	if err := doc.Provider.Validate(); err != nil {
		return nil, fmt.Errorf("credentials file %s: %w", path, err)
	}
	cfg := clone(doc.Provider)
	return &cfg, nil
}

// save writes through a temp file in the same directory and renames it into place.
func save(path string, cfg provider.Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	data, err := yaml.Marshal(document{Version: 1, Provider: cfg})
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	return nil
}
