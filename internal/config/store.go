package config

import (
	"errors"
	"sync"
)

// Store holds the live Config shared by the supervisor tick, the heartbeat
// goroutines and the command interpreter. Readers take a Snapshot, which is
// a private copy and therefore stable for the duration of one tick.
type Store struct {
	mu   sync.RWMutex
	cfg  Config
	path string
}

func NewStore(cfg Config, path string) *Store {
	return &Store{cfg: cfg.Clone(), path: path}
}

func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Update applies fn to a copy and commits it only when fn succeeds and the
// result validates, so a failed command never leaves a partial mutation.
func (s *Store) Update(fn func(*Config) error) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg.Clone()
	if err := fn(&next); err != nil {
		return s.cfg.Clone(), err
	}
	if err := next.Validate(); err != nil {
		return s.cfg.Clone(), err
	}
	s.cfg = next
	return next.Clone(), nil
}

func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// Save persists the current config to the path the store was loaded from.
func (s *Store) Save() error {
	s.mu.RLock()
	cfg := s.cfg.Clone()
	path := s.path
	s.mu.RUnlock()
	if path == "" {
		return errors.New("no config path set")
	}
	return Save(path, cfg)
}
