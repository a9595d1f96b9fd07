// Package seen keeps the bounded per-channel set of message ids already
// processed, and uses it to tell new feed messages from old ones.
package seen

import (
	"encoding/json"
	"sort"

	"tgrelay/internal/feed"
)

// Set is a bounded, ordered set of message ids, oldest first.
// Eviction drops from the front.
type Set struct {
	ids   []string
	index map[string]struct{}
}

// NewSet builds a set from ids in order, ignoring duplicates and empty ids.
func NewSet(ids ...string) *Set {
	s := &Set{index: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Decode parses a persisted JSON array of ids.
func Decode(b []byte) (*Set, error) {
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return nil, err
	}
	return NewSet(ids...), nil
}

// Encode serializes the set as a JSON array, oldest first.
func (s *Set) Encode() ([]byte, error) {
	ids := s.ids
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

func (s *Set) Len() int { return len(s.ids) }

func (s *Set) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Add appends id if absent and reports whether it was added.
func (s *Set) Add(id string) bool {
	if id == "" || s.Contains(id) {
		return false
	}
	s.ids = append(s.ids, id)
	s.index[id] = struct{}{}
	return true
}

// IDs returns a copy of the ids, oldest first.
func (s *Set) IDs() []string {
	return append([]string(nil), s.ids...)
}

// SortByFeedOrder reorders the ids by their numeric post sequence when every
// id carries one. Otherwise insertion order is kept.
func (s *Set) SortByFeedOrder() {
	seqs := make(map[string]int64, len(s.ids))
	for _, id := range s.ids {
		n, ok := feed.Sequence(id)
		if !ok {
			return
		}
		seqs[id] = n
	}
	sort.SliceStable(s.ids, func(i, j int) bool { return seqs[s.ids[i]] < seqs[s.ids[j]] })
}

// Truncate evicts the oldest ids until at most capacity remain.
// It returns the number of evicted ids.
func (s *Set) Truncate(capacity int) int {
	if capacity < 0 {
		capacity = 0
	}
	n := len(s.ids) - capacity
	if n <= 0 {
		return 0
	}
	for _, id := range s.ids[:n] {
		delete(s.index, id)
	}
	s.ids = append([]string(nil), s.ids[n:]...)
	return n
}
