package comm

import (
	"sort"
	"strings"
	"sync"
)

// GuardSet holds the ordered set of guard public keys (compressed secp256k1,
// lowercase hex). Guard indexes are positions in the sorted key list, so
// every guard that knows the same membership derives the same indexing.
type GuardSet struct {
	mu   sync.RWMutex
	keys []string
}

// NewGuardSet creates a guard set from the given public keys. Keys are
// normalized to lowercase and sorted.
func NewGuardSet(keys []string) *GuardSet {
	s := &GuardSet{}
	s.keys = normalize(keys)
	return s
}

// Update replaces the membership with a new key set. Returns true when the
// ordered set actually changed.
func (s *GuardSet) Update(keys []string) bool {
	next := normalize(keys)

	s.mu.Lock()
	defer s.mu.Unlock()
	if equal(s.keys, next) {
		return false
	}
	s.keys = next
	return true
}

// IndexOf resolves a public key to its guard index.
func (s *GuardSet) IndexOf(pub string) (int, bool) {
	pub = strings.ToLower(pub)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, k := range s.keys {
		if k == pub {
			return i, true
		}
	}
	return 0, false
}

// KeyAt returns the public key at the given guard index.
func (s *GuardSet) KeyAt(index int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.keys) {
		return "", false
	}
	return s.keys[index], true
}

// Contains reports whether the public key belongs to the current membership.
func (s *GuardSet) Contains(pub string) bool {
	_, ok := s.IndexOf(pub)
	return ok
}

// Size returns the number of guards in the current membership.
func (s *GuardSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Keys returns a copy of the ordered key list.
func (s *GuardSet) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
