// Package memstore is an in-memory Store used by tests and dry runs
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ppiankov/factorcanon/internal/canon"
	"github.com/ppiankov/factorcanon/internal/store"
)

type memStore struct {
	mu      sync.Mutex
	commits map[int]canon.Commit
	runs    map[string]store.Run
}

// New returns an empty in-memory store
func New() store.Store {
	return &memStore{
		commits: make(map[int]canon.Commit),
		runs:    make(map[string]store.Run),
	}
}

func (s *memStore) Load(ctx context.Context) (*canon.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := make([]int, 0, len(s.commits))
	for v := range s.commits {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	m := canon.New()
	for _, v := range versions {
		if err := m.Apply(s.commits[v]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (s *memStore) Append(ctx context.Context, c canon.Commit) error {
	if c.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commits[c.Version]; ok {
		return nil
	}
	s.commits[c.Version] = c
	return nil
}

func (s *memStore) BeginRun(ctx context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.Status == "" {
		run.Status = store.RunRunning
	}
	s.runs[run.ID] = run
	return nil
}

func (s *memStore) FinishRun(ctx context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memStore) Runs(ctx context.Context) ([]store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *memStore) Close() error {
	return nil
}
