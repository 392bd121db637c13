package config

import (
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mappaturasmd/mappatura/internal/backend"
)

// Store is the live configuration shared by the agent's components. It is
// passed explicitly; nothing reaches it through package state.
type Store struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current AppConfig

	subMu       sync.Mutex
	subscribers []func(AppConfig)
}

var _ backend.Settings = (*Store)(nil)

// Open loads path (see Load) and wraps the result.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultFileName
	}
	cfg, err := Load(path, logger)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, logger: logger, current: cfg}, nil
}

// NewStore wraps cfg without a backing file; Update then only changes memory.
func NewStore(cfg AppConfig) *Store {
	cfg.Migrate()
	return &Store{logger: zap.NewNop(), current: cfg}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Snapshot() AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies fn to a copy, migrates it, writes it out and then makes it
// current. Subscribers see the new value.
func (s *Store) Update(fn func(*AppConfig)) error {
	s.mu.Lock()
	next := s.current
	fn(&next)
	next.Migrate()
	if s.path != "" {
		if err := Save(s.path, next); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	changed := next != s.current
	s.current = next
	s.mu.Unlock()

	if changed {
		s.notify(next)
	}
	return nil
}

// Subscribe registers fn for every applied change. fn runs on the goroutine
// that made the change.
func (s *Store) Subscribe(fn func(AppConfig)) {
	if fn == nil {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) notify(cfg AppConfig) {
	s.subMu.Lock()
	subs := append([]func(AppConfig){}, s.subscribers...)
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
}

// replace installs cfg read from disk without writing it back.
func (s *Store) replace(cfg AppConfig) bool {
	s.mu.Lock()
	changed := cfg != s.current
	s.current = cfg
	s.mu.Unlock()
	if changed {
		s.notify(cfg)
	}
	return changed
}

// ResolvePath makes a relative data file path relative to the config file.
func (s *Store) ResolvePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) || s.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(s.path), p)
}

func (s *Store) EndpointURL() string {
	return backend.NormalizeURL(s.Snapshot().EndpointURL)
}

func (s *Store) BearerToken() string {
	return strings.TrimSpace(s.Snapshot().BearerToken)
}

func (s *Store) SessionCode() string {
	return strings.TrimSpace(s.Snapshot().SessionCode)
}
