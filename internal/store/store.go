// Package store contains the in-memory environment store.
// It is designed to be thread-safe for concurrent access.
package store

import (
	"sort"
	"sync"
)

// Environment is a flat set of variable names to values.
type Environment map[string]string

// Clone returns an independent copy of the environment.
func (e Environment) Clone() Environment {
	out := make(Environment, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Keys returns the variable names in sorted order.
func (e Environment) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot maps environment names to their variables.
type Snapshot map[string]Environment

// Clone deep-copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for name, env := range s {
		out[name] = env.Clone()
	}
	return out
}

// Names returns the environment names in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store is a thread-safe in-memory map of environments.
// A single RWMutex covers every read and write, so replacing an
// environment is atomic as seen by readers.
type Store struct {
	mu   sync.RWMutex
	envs Snapshot
}

// New initializes and returns a new empty Store.
func New() *Store {
	return &Store{
		envs: make(Snapshot),
	}
}

// Get retrieves a copy of the named environment.
func (s *Store) Get(name string) (Environment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.envs[name]
	if !ok {
		return nil, false
	}
	return env.Clone(), true
}

// Names returns the sorted list of environment names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.envs.Names()
}

// Put inserts or fully replaces the named environment. Last writer wins.
func (s *Store) Put(name string, env Environment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs[name] = env.Clone()
}

// Delete removes the named environment and reports whether it existed.
func (s *Store) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.envs[name]
	delete(s.envs, name)
	return ok
}

// Snapshot returns a deep copy of every environment.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.envs.Clone()
}

// Replace swaps in a whole new set of environments.
func (s *Store) Replace(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = snap.Clone()
}

// Update runs fn on a copy of the current environments while holding the
// write lock, then installs whatever fn returns. If fn fails the store is
// left untouched. Readers block for the duration of fn.
func (s *Store) Update(fn func(current Snapshot) (Snapshot, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.envs.Clone())
	if err != nil {
		return err
	}
	if next == nil {
		next = make(Snapshot)
	}
	s.envs = next
	return nil
}
