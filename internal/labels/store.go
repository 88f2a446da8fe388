package labels

import (
	"sort"

	"github.com/ppiankov/factorcanon/internal/model"
)

// RawLabel is a distinct factor text
type RawLabel struct {
	Key     string // Comparison key (see Key)
	Display string // Casing of the first occurrence
}

// Lookup reports whether a label key already has a canonical group.
// The canonical mapping satisfies it.
type Lookup interface {
	Has(key string) bool
}

// Store is the working set of distinct labels drawn from a record set
type Store struct {
	labels map[string]RawLabel
	order  []string // keys in first-seen order
}

// NewStore builds a label store from records. Records with an empty
// factor contribute nothing.
func NewStore(records []model.FactorRecord) *Store {
	s := &Store{labels: make(map[string]RawLabel)}
	for _, rec := range records {
		s.add(rec.Factor)
	}
	return s
}

func (s *Store) add(raw string) {
	key := Key(raw)
	if key == "" {
		return
	}
	if _, ok := s.labels[key]; ok {
		return
	}
	s.labels[key] = RawLabel{Key: key, Display: Display(raw)}
	s.order = append(s.order, key)
}

// Count returns the number of distinct labels
func (s *Store) Count() int {
	return len(s.labels)
}

// Lookup returns the stored label for a raw string
func (s *Store) Lookup(raw string) (RawLabel, bool) {
	l, ok := s.labels[Key(raw)]
	return l, ok
}

// Labels returns every distinct label in first-seen order
func (s *Store) Labels() []RawLabel {
	out := make([]RawLabel, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.labels[key])
	}
	return out
}

// Pending returns the labels that have no canonical group yet.
// It is recomputed on every call. The result is sorted by key so that
// sub-batch composition is reproducible; callers must not rely on order.
func (s *Store) Pending(mapped Lookup) []RawLabel {
	var out []RawLabel
	for _, key := range s.order {
		if mapped != nil && mapped.Has(key) {
			continue
		}
		out = append(out, s.labels[key])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
