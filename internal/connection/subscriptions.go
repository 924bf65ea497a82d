package connection

import (
	"sort"
	"sync"
)

// Subscriptions remembers which groups each subscribe request resolved to,
// keyed by the request's canonical lookup. Unsubscribing with the same lookup
// leaves those groups even after the instances changed or were deleted.
// The zero value is ready to use.
type Subscriptions struct {
	mu    sync.Mutex
	byKey map[string]map[string]struct{}
}

// Add records that key resolved to groups. Repeated calls merge.
func (s *Subscriptions) Add(key string, groups []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byKey == nil {
		s.byKey = make(map[string]map[string]struct{})
	}
	set, ok := s.byKey[key]
	if !ok {
		set = make(map[string]struct{}, len(groups))
		s.byKey[key] = set
	}
	for _, g := range groups {
		set[g] = struct{}{}
	}
}

// Release forgets key and returns, sorted, the groups it recorded that no
// other key still holds. ok is false when key was never recorded.
func (s *Subscriptions) Release(key string) (groups []string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.byKey[key]
	if !ok {
		return nil, false
	}
	delete(s.byKey, key)

	for g := range set {
		if !s.heldLocked(g) {
			groups = append(groups, g)
		}
	}
	sort.Strings(groups)
	return groups, true
}

// Forget strips groups from every recorded key.
func (s *Subscriptions) Forget(groups []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, set := range s.byKey {
		for _, g := range groups {
			delete(set, g)
		}
	}
}

// Len returns the number of recorded keys.
func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

func (s *Subscriptions) heldLocked(group string) bool {
	for _, set := range s.byKey {
		if _, ok := set[group]; ok {
			return true
		}
	}
	return false
}
