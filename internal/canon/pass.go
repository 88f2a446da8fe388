package canon

import (
	"fmt"
	"sync"
	"time"

	"github.com/ppiankov/factorcanon/internal/labels"
)

// DiagnosticKind classifies a non-fatal merge anomaly
type DiagnosticKind string

const (
	// DiagnosticGroupNameCollision: the oracle assigned a label that is already a seed.
	// The seed mapping is kept.
	DiagnosticGroupNameCollision DiagnosticKind = "group_name_collision"

	// DiagnosticConflict: the same label was assigned to different groups within one pass.
	// The later merge wins.
	DiagnosticConflict DiagnosticKind = "conflict"

	// DiagnosticInvalid: empty label or group name.
	DiagnosticInvalid DiagnosticKind = "invalid"
)

// Diagnostic records a merge anomaly
type Diagnostic struct {
	Kind     DiagnosticKind `json:"kind"`
	Label    string         `json:"label"`
	Existing string         `json:"existing,omitempty"` // Group the label already had
	Proposed string         `json:"proposed"`           // Group the oracle proposed
	Pass     int            `json:"pass"`
	Source   string         `json:"source,omitempty"`
}

func (d Diagnostic) String() string {
	switch d.Kind {
	case DiagnosticGroupNameCollision:
		return fmt.Sprintf("pass %d: seed %q stays in %q (oracle proposed %q)", d.Pass, d.Label, d.Existing, d.Proposed)
	case DiagnosticConflict:
		return fmt.Sprintf("pass %d: %q reassigned from %q to %q within pass", d.Pass, d.Label, d.Existing, d.Proposed)
	default:
		return fmt.Sprintf("pass %d: invalid assignment %q -> %q", d.Pass, d.Label, d.Proposed)
	}
}

// Pass stages the assignments of one convergence pass.
// Stage may be called from several goroutines; calls are serialized.
type Pass struct {
	m      *Mapping
	number int
	runID  string
	now    func() time.Time

	mu          sync.Mutex
	staged      map[string]Entry
	stagedOrder []string
	newGroups   map[string]string // key -> display name, first occurrence wins
	groupOrder  []string
	diags       []Diagnostic
	done        bool
}

// BeginPass opens a staging area for pass number n of run runID.
// Only one pass should be open at a time.
func (m *Mapping) BeginPass(n int, runID string) *Pass {
	return &Pass{
		m:         m,
		number:    n,
		runID:     runID,
		now:       time.Now,
		staged:    make(map[string]Entry),
		newGroups: make(map[string]string),
	}
}

// Number returns the pass number
func (p *Pass) Number() int {
	return p.number
}

// Stage merges one oracle assignment into the pass.
// It returns the group display name the label was staged under, or a
// diagnostic when the assignment was skipped or overrode an earlier one.
func (p *Pass) Stage(label, group, source string) (string, *Diagnostic) {
	labelKey, groupKey := labels.Key(label), labels.GroupKey(group)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return "", nil
	}
	if labelKey == "" || groupKey == "" {
		return "", p.record(Diagnostic{Kind: DiagnosticInvalid, Label: label, Proposed: group, Pass: p.number, Source: source})
	}

	p.m.mu.RLock()
	seed, isSeed := p.m.entries[labelKey]
	existing, groupExists := p.m.groups[groupKey]
	p.m.mu.RUnlock()

	if isSeed {
		return "", p.record(Diagnostic{
			Kind:     DiagnosticGroupNameCollision,
			Label:    seed.Label,
			Existing: seed.Group,
			Proposed: labels.Display(group),
			Pass:     p.number,
			Source:   source,
		})
	}

	var name string
	switch {
	case groupExists:
		name = existing.Name
	default:
		if staged, ok := p.newGroups[groupKey]; ok {
			name = staged
		} else {
			name = labels.Display(group)
			p.newGroups[groupKey] = name
			p.groupOrder = append(p.groupOrder, groupKey)
		}
	}

	var diag *Diagnostic
	if prev, ok := p.staged[labelKey]; ok {
		if prev.GroupKey == groupKey {
			return name, nil
		}
		diag = p.record(Diagnostic{
			Kind:     DiagnosticConflict,
			Label:    prev.Label,
			Existing: prev.Group,
			Proposed: name,
			Pass:     p.number,
			Source:   source,
		})
	} else {
		p.stagedOrder = append(p.stagedOrder, labelKey)
	}

	display := labels.Display(label)
	if prev, ok := p.staged[labelKey]; ok {
		display = prev.Label
	}
	p.staged[labelKey] = Entry{
		Label:      display,
		Key:        labelKey,
		Group:      name,
		GroupKey:   groupKey,
		Pass:       p.number,
		RunID:      p.runID,
		Source:     source,
		AssignedAt: p.now().UTC(),
	}
	return name, diag
}

func (p *Pass) record(d Diagnostic) *Diagnostic {
	p.diags = append(p.diags, d)
	return &d
}

// Staged returns the number of labels staged so far
func (p *Pass) Staged() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.staged)
}

// Diagnostics returns the anomalies recorded during the pass
func (p *Pass) Diagnostics() []Diagnostic {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Diagnostic(nil), p.diags...)
}

// Commit publishes the staged assignments. Groups whose every staged
// member was reassigned elsewhere are not created. An empty pass leaves
// the mapping and its version untouched. Commit is safe to call once;
// later calls return an empty commit.
func (p *Pass) Commit() (Commit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || len(p.staged) == 0 {
		p.done = true
		return Commit{Pass: p.number, RunID: p.runID}, nil
	}
	p.done = true

	used := make(map[string]bool, len(p.staged))
	entries := make([]Entry, 0, len(p.staged))
	for _, key := range p.stagedOrder {
		e := p.staged[key]
		used[e.GroupKey] = true
		entries = append(entries, e)
	}
	var refs []GroupRef
	for _, key := range p.groupOrder {
		if used[key] {
			refs = append(refs, GroupRef{Name: p.newGroups[key], Key: key})
		}
	}

	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	c := Commit{
		Version:   p.m.version + 1,
		Pass:      p.number,
		RunID:     p.runID,
		NewGroups: refs,
		Entries:   entries,
	}
	if err := p.m.apply(c); err != nil {
		return Commit{}, err
	}
	return c, nil
}
