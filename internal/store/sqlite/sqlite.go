package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/ppiankov/factorcanon/internal/canon"
	"github.com/ppiankov/factorcanon/internal/store"
)

// sqliteStore implements store.Store on a single SQLite file.
// A sibling ".lock" file enforces one writer process at a time.
type sqliteStore struct {
	db   *sql.DB
	lock *flock.Flock
}

// Open opens (or creates) the mapping database at path with WAL mode enabled.
// It fails with store.ErrLocked if another process has the database open.
func Open(ctx context.Context, path string) (store.Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, store.ErrLocked)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	// One connection keeps transactions and pragmas on the same handle
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	return &sqliteStore{db: db, lock: lock}, nil
}

// Close closes the database and releases the lock
func (s *sqliteStore) Close() error {
	err := s.db.Close()
	if uerr := s.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// initSchema creates tables if they don't exist. Triggers make the
// mapping tables append-only at the database level.
func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS canonical_groups (
	key TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	pass INTEGER NOT NULL,
	run_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS label_mappings (
	label_key TEXT PRIMARY KEY,
	label TEXT NOT NULL,
	group_key TEXT NOT NULL,
	version INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	pass INTEGER NOT NULL,
	run_id TEXT NOT NULL,
	source TEXT,
	assigned_at TEXT NOT NULL,
	FOREIGN KEY(group_key) REFERENCES canonical_groups(key)
);

CREATE INDEX IF NOT EXISTS idx_label_mappings_version ON label_mappings(version, seq);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	status TEXT NOT NULL,
	provider TEXT,
	model TEXT,
	passes INTEGER DEFAULT 0,
	resolved INTEGER DEFAULT 0,
	unresolved INTEGER DEFAULT 0
);

CREATE TRIGGER IF NOT EXISTS label_mappings_no_update BEFORE UPDATE ON label_mappings
BEGIN SELECT RAISE(ABORT, 'label_mappings is append-only'); END;

CREATE TRIGGER IF NOT EXISTS label_mappings_no_delete BEFORE DELETE ON label_mappings
BEGIN SELECT RAISE(ABORT, 'label_mappings is append-only'); END;

CREATE TRIGGER IF NOT EXISTS canonical_groups_no_update BEFORE UPDATE ON canonical_groups
BEGIN SELECT RAISE(ABORT, 'canonical_groups is append-only'); END;

CREATE TRIGGER IF NOT EXISTS canonical_groups_no_delete BEFORE DELETE ON canonical_groups
BEGIN SELECT RAISE(ABORT, 'canonical_groups is append-only'); END;
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *sqliteStore) Append(ctx context.Context, c canon.Commit) (err error) {
	if c.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, g := range c.NewGroups {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO canonical_groups(key, name, version, seq, pass, run_id)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO NOTHING`,
			g.Key, g.Name, c.Version, i, c.Pass, c.RunID); err != nil {
			return fmt.Errorf("insert group %q: %w", g.Name, err)
		}
	}
	for i, e := range c.Entries {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO label_mappings(label_key, label, group_key, version, seq, pass, run_id, source, assigned_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(label_key) DO NOTHING`,
			e.Key, e.Label, e.GroupKey, c.Version, i, e.Pass, e.RunID, e.Source,
			e.AssignedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert mapping %q: %w", e.Label, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Load(ctx context.Context) (*canon.Mapping, error) {
	commits := make(map[int]*canon.Commit)
	commitFor := func(version int) *canon.Commit {
		c, ok := commits[version]
		if !ok {
			c = &canon.Commit{Version: version}
			commits[version] = c
		}
		return c
	}

	groupRows, err := s.db.QueryContext(ctx, `
SELECT key, name, version, pass, run_id FROM canonical_groups ORDER BY version, seq`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	names := make(map[string]string)
	for groupRows.Next() {
		var ref canon.GroupRef
		var version, pass int
		var runID string
		if err := groupRows.Scan(&ref.Key, &ref.Name, &version, &pass, &runID); err != nil {
			groupRows.Close()
			return nil, err
		}
		c := commitFor(version)
		c.Pass, c.RunID = pass, runID
		c.NewGroups = append(c.NewGroups, ref)
		names[ref.Key] = ref.Name
	}
	groupRows.Close()
	if err := groupRows.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT label_key, label, group_key, version, pass, run_id, COALESCE(source, ''), assigned_at
FROM label_mappings ORDER BY version, seq`)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e canon.Entry
		var version int
		var assignedAt string
		if err := rows.Scan(&e.Key, &e.Label, &e.GroupKey, &version, &e.Pass, &e.RunID, &e.Source, &assignedAt); err != nil {
			return nil, err
		}
		e.Group = names[e.GroupKey]
		if t, err := time.Parse(time.RFC3339Nano, assignedAt); err == nil {
			e.AssignedAt = t
		}
		c := commitFor(version)
		c.Pass, c.RunID = e.Pass, e.RunID
		c.Entries = append(c.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	versions := make([]int, 0, len(commits))
	for v := range commits {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	m := canon.New()
	for _, v := range versions {
		if err := m.Apply(*commits[v]); err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
	}
	return m, nil
}

func (s *sqliteStore) BeginRun(ctx context.Context, run store.Run) error {
	if run.Status == "" {
		run.Status = store.RunRunning
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(id, started_at, status, provider, model) VALUES(?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC().Format(time.RFC3339Nano), run.Status, run.Provider, run.Model)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

func (s *sqliteStore) FinishRun(ctx context.Context, run store.Run) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET finished_at = ?, status = ?, passes = ?, resolved = ?, unresolved = ? WHERE id = ?`,
		run.FinishedAt.UTC().Format(time.RFC3339Nano), run.Status, run.Passes, run.Resolved, run.Unresolved, run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: unknown run %s", run.ID)
	}
	return nil
}

func (s *sqliteStore) Runs(ctx context.Context) ([]store.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, started_at, COALESCE(finished_at, ''), status, COALESCE(provider, ''), COALESCE(model, ''),
       passes, resolved, unresolved
FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Run
	for rows.Next() {
		var r store.Run
		var started, finished string
		if err := rows.Scan(&r.ID, &started, &finished, &r.Status, &r.Provider, &r.Model,
			&r.Passes, &r.Resolved, &r.Unresolved); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished != "" {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
