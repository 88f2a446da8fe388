package canon

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func commitPass(t *testing.T, m *Mapping, n int, assignments [][2]string) Commit {
	t.Helper()
	p := m.BeginPass(n, "run-test")
	for _, a := range assignments {
		p.Stage(a[0], a[1], "mock")
	}
	c, err := p.Commit()
	if err != nil {
		t.Fatalf("commit pass %d: %v", n, err)
	}
	return c
}

func TestPass_WorkedExample(t *testing.T) {
	m := New()
	commitPass(t, m, 1, [][2]string{
		{"GreenSpace", "GreenSpace"},
		{"Green area", "GreenSpace"},
		{"Park", "greenspace "},
		{"traffic noise", "TrafficNoise"},
	})

	groups := m.AllGroups()
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d: %+v", len(groups), groups)
	}
	if diff := cmp.Diff([]string{"GreenSpace", "Green area", "Park"}, m.MembersOf("greenspace")); diff != "" {
		t.Errorf("GreenSpace members mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"traffic noise"}, m.MembersOf("TrafficNoise")); diff != "" {
		t.Errorf("TrafficNoise members mismatch (-want +got):\n%s", diff)
	}
	if g, _ := m.GroupOf("PARK"); g != "GreenSpace" {
		t.Errorf("GroupOf(PARK) = %q, want display form of first occurrence", g)
	}
	if m.Version() != 1 {
		t.Errorf("expected version 1, got %d", m.Version())
	}
}

func TestPass_SeedNeverOverwritten(t *testing.T) {
	m := New()
	commitPass(t, m, 1, [][2]string{{"Park", "GreenSpace"}})

	p := m.BeginPass(2, "run-test")
	_, diag := p.Stage("park", "Recreation", "mock")
	if diag == nil || diag.Kind != DiagnosticGroupNameCollision {
		t.Fatalf("expected collision diagnostic, got %+v", diag)
	}
	if diag.Existing != "GreenSpace" || diag.Proposed != "Recreation" {
		t.Errorf("unexpected diagnostic contents: %+v", diag)
	}
	c, err := p.Commit()
	if err != nil {
		t.Fatal(err)
	}
	if !c.Empty() {
		t.Errorf("expected empty commit, got %+v", c)
	}

	if g, _ := m.GroupOf("Park"); g != "GreenSpace" {
		t.Errorf("seed changed group to %q", g)
	}
	if len(m.AllGroups()) != 1 {
		t.Errorf("rejected assignment must not create a group")
	}
	if m.Version() != 1 {
		t.Errorf("empty pass must not bump version, got %d", m.Version())
	}
}

func TestPass_LastMergeWinsWithinPass(t *testing.T) {
	m := New()
	commitPass(t, m, 1, [][2]string{{"tree", "Vegetation"}, {"car", "Traffic"}})

	p := m.BeginPass(2, "run-test")
	p.Stage("shrubs", "Vegetation", "a")
	if _, diag := p.Stage("Shrubs", "Traffic", "b"); diag == nil || diag.Kind != DiagnosticConflict {
		t.Fatalf("expected conflict diagnostic, got %+v", diag)
	}
	if _, err := p.Commit(); err != nil {
		t.Fatal(err)
	}

	if g, _ := m.GroupOf("shrubs"); g != "Traffic" {
		t.Errorf("expected last merge to win, got %q", g)
	}
	if e, _ := m.Entry("SHRUBS"); e.Label != "shrubs" || e.Source != "b" {
		t.Errorf("expected first display form and last source, got %+v", e)
	}
}

func TestPass_OrphanedNewGroupNotCreated(t *testing.T) {
	m := New()
	p := m.BeginPass(1, "run-test")
	p.Stage("bench", "StreetFurniture", "a")
	p.Stage("bench", "Seating", "b")
	if _, err := p.Commit(); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"Seating"}, m.GroupNames()); diff != "" {
		t.Errorf("group names mismatch (-want +got):\n%s", diff)
	}
}

func TestPass_InvalidAssignment(t *testing.T) {
	m := New()
	p := m.BeginPass(1, "run-test")
	if _, diag := p.Stage("  ", "Group", "x"); diag == nil || diag.Kind != DiagnosticInvalid {
		t.Errorf("expected invalid diagnostic for empty label, got %+v", diag)
	}
	if _, diag := p.Stage("label", "", "x"); diag == nil || diag.Kind != DiagnosticInvalid {
		t.Errorf("expected invalid diagnostic for empty group, got %+v", diag)
	}
	if p.Staged() != 0 {
		t.Errorf("invalid assignments must not be staged")
	}
}

func TestPass_ConcurrentStageNoDuplicateGroups(t *testing.T) {
	m := New()
	p := m.BeginPass(1, "run-test")

	variants := []string{"GreenSpace", "greenspace", " GREENSPACE ", "Green\tSpace"}
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.Stage(fmt.Sprintf("label %d", i), variants[i%len(variants)], "mock")
		}(i)
	}
	wg.Wait()

	if _, err := p.Commit(); err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]bool)
	for _, g := range m.AllGroups() {
		if seen[g.Key] {
			t.Fatalf("duplicate normalized group %q", g.Key)
		}
		seen[g.Key] = true
	}
	if len(seen) != 1 {
		t.Errorf("expected 1 group, got %d: %v", len(seen), m.GroupNames())
	}
	if m.Len() != 64 {
		t.Errorf("expected 64 mapped labels, got %d", m.Len())
	}
}

func TestPass_SpacedGroupNameJoinsExistingGroup(t *testing.T) {
	m := New()
	commitPass(t, m, 1, [][2]string{{"Park", "GreenSpace"}})
	commitPass(t, m, 2, [][2]string{{"lawn", "Green Space"}})

	if diff := cmp.Diff([]string{"GreenSpace"}, m.GroupNames()); diff != "" {
		t.Errorf("group names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Park", "lawn"}, m.MembersOf("green space")); diff != "" {
		t.Errorf("members mismatch (-want +got):\n%s", diff)
	}
}

func TestPass_InvisibleUntilCommit(t *testing.T) {
	m := New()
	p := m.BeginPass(1, "run-test")
	p.Stage("crowding", "Crowding", "mock")

	if m.Has("crowding") || m.Len() != 0 {
		t.Error("staged assignment visible before commit")
	}
	if _, err := p.Commit(); err != nil {
		t.Fatal(err)
	}
	if !m.Has("crowding") {
		t.Error("assignment missing after commit")
	}

	again, err := p.Commit()
	if err != nil || !again.Empty() {
		t.Errorf("second commit should be empty, got %+v, %v", again, err)
	}
}

func TestMapping_MonotonicAcrossPasses(t *testing.T) {
	m := New()
	sizes := []int{m.Len()}
	commitPass(t, m, 1, [][2]string{{"a", "A"}, {"b", "B"}})
	sizes = append(sizes, m.Len())
	commitPass(t, m, 2, [][2]string{{"a", "B"}, {"c", "A"}})
	sizes = append(sizes, m.Len())
	commitPass(t, m, 3, nil)
	sizes = append(sizes, m.Len())

	for i := 1; i < len(sizes); i++ {
		if sizes[i] < sizes[i-1] {
			t.Fatalf("mapping shrank: %v", sizes)
		}
	}
	if g, _ := m.GroupOf("a"); g != "A" {
		t.Errorf("seed a moved to %q", g)
	}
}

func TestMapping_ApplyReplayIdempotent(t *testing.T) {
	src := New()
	c1 := commitPass(t, src, 1, [][2]string{{"Park", "GreenSpace"}, {"noise", "Noise"}})
	c2 := commitPass(t, src, 2, [][2]string{{"lawn", "greenspace"}})

	dst := New()
	for _, c := range []Commit{c1, c2, c1, c2} {
		if err := dst.Apply(c); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}

	if diff := cmp.Diff(src.Entries(), dst.Entries()); diff != "" {
		t.Errorf("replayed entries mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(src.AllGroups(), dst.AllGroups()); diff != "" {
		t.Errorf("replayed groups mismatch (-want +got):\n%s", diff)
	}
	if dst.Version() != 2 {
		t.Errorf("expected version 2, got %d", dst.Version())
	}
}

func TestMapping_ApplyRejectsRemap(t *testing.T) {
	m := New()
	commitPass(t, m, 1, [][2]string{{"Park", "GreenSpace"}})

	bad := Commit{
		Version:   2,
		NewGroups: []GroupRef{{Name: "Leisure", Key: "leisure"}},
		Entries:   []Entry{{Label: "Park", Key: "park", Group: "Leisure", GroupKey: "leisure"}},
	}
	if err := m.Apply(bad); err == nil {
		t.Fatal("expected remap to be rejected")
	}
	if g, _ := m.GroupOf("park"); g != "GreenSpace" {
		t.Errorf("remap leaked: %q", g)
	}
}

func TestMapping_SnapshotIndependent(t *testing.T) {
	m := New()
	commitPass(t, m, 1, [][2]string{{"a", "A"}})
	snap := m.Snapshot()
	commitPass(t, m, 2, [][2]string{{"b", "A"}})

	if snap.Len() != 1 || len(snap.MembersOf("A")) != 1 {
		t.Errorf("snapshot observed later pass: len=%d members=%v", snap.Len(), snap.MembersOf("A"))
	}
}
