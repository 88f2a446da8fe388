// Package materialize writes the canonical group tables for a mapping
// snapshot and a record set.
package materialize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/factorcanon/internal/canon"
	"github.com/ppiankov/factorcanon/internal/labels"
	"github.com/ppiankov/factorcanon/internal/model"
)

// Output file names under Options.Dir
const (
	GroupsDir       = "groups"
	MasterFile      = "groups.csv"
	OutcomeSummary  = "group_outcome_summary.csv"
	GroupNamesFile  = "group_names.txt"
	MappingFile     = "mapping.csv"
	defaultParallel = 4
)

var recordHeader = []string{
	"group", "factor", "outcome_raw", "outcome", "direction",
	"source_id", "title", "citation", "doi", "notes", "bin", "row",
}

// Options controls where and how tables are written
type Options struct {
	Dir      string
	Parallel int // concurrent file writes
	Logger   *zap.Logger
}

// Summary describes what was written
type Summary struct {
	Groups          int
	MappedRecords   int
	UnmappedRecords int
	UnmappedLabels  []string // distinct display forms, sorted by key
	Files           []string // written paths, sorted
}

type outputFile struct {
	path  string
	write func(path string) error
}

// groupTable is one group with the records that map to it
type groupTable struct {
	group   canon.Group
	slug    string
	records []model.FactorRecord
}

// Materialize writes every output table for m and records. Records whose
// label is not in m are excluded and counted.
func Materialize(ctx context.Context, m *canon.Mapping, records []model.FactorRecord, opts Options) (*Summary, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("materialize")

	snap := m.Snapshot()
	tables, byKey := buildTables(snap)

	sum := &Summary{Groups: len(tables)}
	unmapped := make(map[string]string)
	for _, rec := range records {
		e, ok := snap.Entry(rec.Factor)
		if !ok {
			sum.UnmappedRecords++
			if key := labels.Key(rec.Factor); key != "" {
				if _, seen := unmapped[key]; !seen {
					unmapped[key] = labels.Display(rec.Factor)
				}
			}
			continue
		}
		t := byKey[e.GroupKey]
		t.records = append(t.records, rec)
		sum.MappedRecords++
	}
	sum.UnmappedLabels = sortedValues(unmapped)

	groupsDir := filepath.Join(opts.Dir, GroupsDir)
	if err := resetDir(groupsDir); err != nil {
		return nil, err
	}

	files := []outputFile{
		{filepath.Join(opts.Dir, MasterFile), func(p string) error { return writeMaster(p, tables) }},
		{filepath.Join(opts.Dir, OutcomeSummary), func(p string) error { return writeOutcomeSummary(p, tables) }},
		{filepath.Join(opts.Dir, GroupNamesFile), func(p string) error { return writeGroupNames(p, tables) }},
		{filepath.Join(opts.Dir, MappingFile), func(p string) error { return writeMapping(p, snap.Entries()) }},
	}
	for _, t := range tables {
		files = append(files, outputFile{
			path:  filepath.Join(groupsDir, t.slug+".csv"),
			write: func(p string) error { return writeGroupTable(p, t) },
		})
	}

	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = defaultParallel
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return f.write(f.path)
		})
		sum.Files = append(sum.Files, f.path)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(sum.Files)

	logger.Info("materialized group tables",
		zap.String("dir", opts.Dir),
		zap.Int("groups", sum.Groups),
		zap.Int("mapped_records", sum.MappedRecords),
		zap.Int("unmapped_records", sum.UnmappedRecords))

	return sum, nil
}

// buildTables orders groups by case-folded name and assigns unique slugs
// in that order.
func buildTables(m *canon.Mapping) ([]*groupTable, map[string]*groupTable) {
	groups := m.AllGroups()
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Key != groups[j].Key {
			return groups[i].Key < groups[j].Key
		}
		return groups[i].Name < groups[j].Name
	})

	used := make(map[string]bool)
	tables := make([]*groupTable, 0, len(groups))
	byKey := make(map[string]*groupTable, len(groups))
	for _, g := range groups {
		t := &groupTable{group: g, slug: uniqueSlug(Slug(g.Name), used)}
		tables = append(tables, t)
		byKey[g.Key] = t
	}
	return tables, byKey
}

// Slug turns a group name into a file-name-safe token
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(labels.Display(name)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "group"
	}
	return s
}

func uniqueSlug(slug string, used map[string]bool) string {
	candidate := slug
	for n := 2; used[candidate]; n++ {
		candidate = slug + "-" + strconv.Itoa(n)
	}
	used[candidate] = true
	return candidate
}

func sortedValues(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}

// resetDir creates dir and removes CSV files left by an earlier run, whose
// slugs may no longer match.
func resetDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	stale, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return err
	}
	for _, p := range stale {
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("remove stale table: %w", err)
		}
	}
	return nil
}
