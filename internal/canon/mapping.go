// Package canon holds the canonical mapping from raw factor labels to
// canonical group names.
//
// The mapping is append-only: once a label has a group it is a seed and its
// group never changes, and groups are never renamed or removed. All writes
// go through a Pass, which serializes staging and publishes the whole pass
// at once on Commit, so readers only ever observe fully merged passes.
package canon

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/factorcanon/internal/labels"
)

// Entry is one label → group assignment with its provenance
type Entry struct {
	Label      string    `json:"label"` // Display form
	Key        string    `json:"key"`
	Group      string    `json:"group"` // Group display name
	GroupKey   string    `json:"group_key"`
	Pass       int       `json:"pass"`
	RunID      string    `json:"run_id"`
	Source     string    `json:"source"` // provider/model that proposed it
	AssignedAt time.Time `json:"assigned_at"`
}

// Group is a canonical group and its current members
type Group struct {
	Name        string   `json:"name"`
	Key         string   `json:"key"`
	Members     []string `json:"members"` // Member label display forms, assignment order
	CreatedPass int      `json:"created_pass"`
	CreatedRun  string   `json:"created_run"`
}

// GroupRef identifies a group created by a commit
type GroupRef struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// Commit is the unit of persistence: everything one pass added
type Commit struct {
	Version   int        `json:"version"`
	Pass      int        `json:"pass"`
	RunID     string     `json:"run_id"`
	NewGroups []GroupRef `json:"new_groups"`
	Entries   []Entry    `json:"entries"`
}

// Empty reports whether the commit adds nothing
func (c Commit) Empty() bool {
	return len(c.Entries) == 0
}

// Mapping is the authoritative label → group map
type Mapping struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	groups     map[string]*Group
	groupOrder []string
	version    int
}

// New returns an empty mapping
func New() *Mapping {
	return &Mapping{
		entries: make(map[string]Entry),
		groups:  make(map[string]*Group),
	}
}

// Has reports whether a label key is already mapped (i.e. is a seed)
func (m *Mapping) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[key]
	return ok
}

// GroupOf returns the canonical group of a raw label
func (m *Mapping) GroupOf(label string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[labels.Key(label)]
	if !ok {
		return "", false
	}
	return e.Group, true
}

// Entry returns the assignment and provenance for a raw label
func (m *Mapping) Entry(label string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[labels.Key(label)]
	return e, ok
}

// MembersOf returns the member labels of a group, matched by normalized name
func (m *Mapping) MembersOf(group string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[labels.GroupKey(group)]
	if !ok {
		return nil
	}
	return append([]string(nil), g.Members...)
}

// AllGroups returns a copy of every group in creation order
func (m *Mapping) AllGroups() []Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Group, 0, len(m.groupOrder))
	for _, key := range m.groupOrder {
		g := *m.groups[key]
		g.Members = append([]string(nil), g.Members...)
		out = append(out, g)
	}
	return out
}

// GroupNames returns group names in creation order
func (m *Mapping) GroupNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.groupOrder))
	for _, key := range m.groupOrder {
		out = append(out, m.groups[key].Name)
	}
	return out
}

// Entries returns every assignment sorted by label key
func (m *Mapping) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the size of the mapping's domain
func (m *Mapping) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Version returns the number of committed non-empty passes
func (m *Mapping) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Snapshot returns an independent copy of the committed state
func (m *Mapping) Snapshot() *Mapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := New()
	for k, e := range m.entries {
		s.entries[k] = e
	}
	for k, g := range m.groups {
		cp := *g
		cp.Members = append([]string(nil), g.Members...)
		s.groups[k] = &cp
	}
	s.groupOrder = append([]string(nil), m.groupOrder...)
	s.version = m.version
	return s
}

// Apply replays a persisted commit. Entries that are already present with
// the same group are skipped, so replaying is idempotent; an entry that
// would change an existing assignment is rejected.
func (m *Mapping) Apply(c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(c)
}

func (m *Mapping) apply(c Commit) error {
	for _, e := range c.Entries {
		if prev, ok := m.entries[e.Key]; ok && prev.GroupKey != e.GroupKey {
			return fmt.Errorf("commit %d: label %q already mapped to %q, refusing remap to %q",
				c.Version, prev.Label, prev.Group, e.Group)
		}
	}
	for _, ref := range c.NewGroups {
		if _, ok := m.groups[ref.Key]; ok {
			continue
		}
		m.groups[ref.Key] = &Group{Name: ref.Name, Key: ref.Key, CreatedPass: c.Pass, CreatedRun: c.RunID}
		m.groupOrder = append(m.groupOrder, ref.Key)
	}
	for _, e := range c.Entries {
		if _, ok := m.entries[e.Key]; ok {
			continue
		}
		g, ok := m.groups[e.GroupKey]
		if !ok {
			return fmt.Errorf("commit %d: label %q references unknown group %q", c.Version, e.Label, e.Group)
		}
		e.Group = g.Name
		m.entries[e.Key] = e
		g.Members = append(g.Members, e.Label)
	}
	if c.Version > m.version {
		m.version = c.Version
	}
	return nil
}
