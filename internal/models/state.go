package models

import (
	"sync"

	"github.com/mountebank-testing/mbengine/internal/util"
)

// ImposterState is the mutable map shared by every extension call of one imposter
type ImposterState struct {
	mu     sync.Mutex
	values map[string]interface{}
}

// NewImposterState creates an empty state
func NewImposterState() *ImposterState {
	return &ImposterState{values: make(map[string]interface{})}
}

// With runs fn while holding the state lock so extension code never races on the map
func (s *ImposterState) With(fn func(values map[string]interface{}) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.values)
}

// Snapshot returns a deep copy of the current values
func (s *ImposterState) Snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return util.CloneMap(s.values)
}

// Clear drops all values
func (s *ImposterState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]interface{})
}
