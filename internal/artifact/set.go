package artifact

import (
	"slices"
	"sync"
)

// Set records the artifact paths already reported for a job.
// It only grows.
type Set struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{paths: make(map[string]struct{})}
}

// Add inserts p and reports whether it was not present before.
func (s *Set) Add(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.paths[p]; ok {
		return false
	}
	s.paths[p] = struct{}{}
	return true
}

// Has reports whether p has been recorded.
func (s *Set) Has(p string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.paths[p]
	return ok
}

// Len returns the number of recorded paths.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.paths)
}

// Sorted returns a snapshot of the recorded paths in lexical order.
func (s *Set) Sorted() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	s.mu.RUnlock()

	slices.Sort(out)
	return out
}
