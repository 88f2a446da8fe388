// Package converge drives the oracle over the pending labels, pass after
// pass, until every label has a canonical group or progress stops.
package converge

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/ppiankov/factorcanon/internal/canon"
	"github.com/ppiankov/factorcanon/internal/labels"
	"github.com/ppiankov/factorcanon/internal/metrics"
	"github.com/ppiankov/factorcanon/internal/model"
	"github.com/ppiankov/factorcanon/internal/oracle"
	"github.com/ppiankov/factorcanon/internal/store"
	"github.com/ppiankov/factorcanon/internal/worker"
)

// ErrUnresolved fails a run that must resolve every label
var ErrUnresolved = errors.New("unresolved labels remain")

// UnresolvedLabelsWarning lists the labels a run gave up on
type UnresolvedLabelsWarning struct {
	Labels []string
	Count  int
}

func (w *UnresolvedLabelsWarning) Error() string {
	const shown = 10
	list := w.Labels
	suffix := ""
	if len(list) > shown {
		list = list[:shown]
		suffix = fmt.Sprintf(", ... (%d more)", len(w.Labels)-shown)
	}
	return fmt.Sprintf("%d label(s) left unresolved: %s%s", w.Count, strings.Join(list, ", "), suffix)
}

// StopReason explains why the loop ended
type StopReason string

const (
	StopConverged StopReason = "converged"
	StopStalled   StopReason = "stalled"
	StopExhausted StopReason = "retries_exhausted"
	StopMaxPasses StopReason = "max_passes"
	StopCancelled StopReason = "cancelled"
)

func (r StopReason) runStatus() string {
	switch r {
	case StopConverged:
		return store.RunConverged
	case StopStalled:
		return store.RunStalled
	case StopCancelled:
		return store.RunCancelled
	default:
		return store.RunIncomplete
	}
}

// Config bounds the loop
type Config struct {
	MaxBatchSize          int
	StallLimit            int
	MaxRetries            int
	Concurrency           int
	SeedSize              int
	MaxPasses             int
	GroupExamples         int
	RequireFullResolution bool
}

// ConfigFromModel converts the oracle section of the application config
func ConfigFromModel(c model.OracleConfig) Config {
	return Config{
		MaxBatchSize:          c.MaxBatchSize,
		StallLimit:            c.StallLimit,
		MaxRetries:            c.MaxRetries,
		Concurrency:           c.Concurrency,
		SeedSize:              c.SeedSize,
		MaxPasses:             c.MaxPasses,
		GroupExamples:         c.GroupExamples,
		RequireFullResolution: c.RequireFullResolution,
	}
}

// Options carries the loop's collaborators. Every field is optional.
type Options struct {
	Store    store.Store
	Limiter  *worker.Limiter
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Provider string // recorded on the run
	Model    string
}

// Result summarizes one run
type Result struct {
	RunID       string
	Passes      int
	Resolved    int      // labels mapped during this run
	Unresolved  []string // display forms, sorted by key
	StopReason  StopReason
	Diagnostics []canon.Diagnostic
	Warning     *UnresolvedLabelsWarning
}

// Loop is the convergence loop. It is the only writer of the mapping it is
// given.
type Loop struct {
	oracle    oracle.Oracle
	processor *worker.BatchProcessor
	cfg       Config
	opts      Options
	logger    *zap.Logger

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// New creates a loop around o
func New(o oracle.Oracle, cfg Config, opts Options) *Loop {
	if cfg.StallLimit <= 0 {
		cfg.StallLimit = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		oracle:    o,
		processor: worker.NewBatchProcessor(o, opts.Limiter, cfg.Concurrency, cfg.MaxBatchSize),
		cfg:       cfg,
		opts:      opts,
		logger:    logger.Named("converge"),
		entropy:   ulid.Monotonic(rand.Reader, 0),
		now:       time.Now,
	}
}

func (l *Loop) newRunID() string {
	l.idMu.Lock()
	defer l.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(l.now()), l.entropy).String()
}

// Run resolves the pending labels of ls into m. Oracle failures never
// abort the run. When ctx ends, the sub-batches that already returned are
// committed and persisted before Run returns ctx.Err().
func (l *Loop) Run(ctx context.Context, m *canon.Mapping, ls *labels.Store) (*Result, error) {
	res := &Result{RunID: l.newRunID()}
	run := store.Run{
		ID:        res.RunID,
		StartedAt: l.now(),
		Provider:  l.opts.Provider,
		Model:     l.opts.Model,
	}
	if l.opts.Store != nil {
		if err := l.opts.Store.BeginRun(ctx, run); err != nil {
			return nil, err
		}
	}

	log := l.logger.With(zap.String("run_id", res.RunID), zap.String("source", l.oracle.Source()))
	log.Info("run started", zap.Int("labels", ls.Count()), zap.Int("mapped", m.Len()), zap.Int("groups", len(m.AllGroups())))

	attempts := make(map[string]int)
	abandoned := make(map[string]bool)
	stalls := 0

	for {
		pending := l.pending(m, ls, abandoned)
		l.opts.Metrics.SetPending(len(pending))

		if len(pending) == 0 {
			if len(abandoned) == 0 {
				res.StopReason = StopConverged
			} else {
				res.StopReason = StopExhausted
			}
			break
		}
		if ctx.Err() != nil {
			res.StopReason = StopCancelled
			break
		}
		if res.Passes >= l.cfg.MaxPasses {
			res.StopReason = StopMaxPasses
			break
		}

		res.Passes++
		resolved, err := l.pass(ctx, res, m, pending, attempts, abandoned, log)
		if err != nil {
			l.finish(run, res, store.RunFailed, m, ls)
			return res, err
		}
		res.Resolved += resolved

		if ctx.Err() != nil {
			res.StopReason = StopCancelled
			break
		}
		if resolved == 0 {
			stalls++
			if stalls >= l.cfg.StallLimit {
				res.StopReason = StopStalled
				break
			}
		} else {
			stalls = 0
		}
	}

	unresolved := ls.Pending(m)
	for _, label := range unresolved {
		res.Unresolved = append(res.Unresolved, label.Display)
	}
	if len(res.Unresolved) > 0 {
		res.Warning = &UnresolvedLabelsWarning{Labels: res.Unresolved, Count: len(res.Unresolved)}
	}

	log.Info("run finished",
		zap.String("stop_reason", string(res.StopReason)),
		zap.Int("passes", res.Passes),
		zap.Int("resolved", res.Resolved),
		zap.Int("unresolved", len(res.Unresolved)),
		zap.Int("diagnostics", len(res.Diagnostics)))

	status := res.StopReason.runStatus()
	var err error
	switch {
	case res.StopReason == StopCancelled:
		err = ctx.Err()
	case res.Warning != nil && l.cfg.RequireFullResolution:
		status = store.RunFailed
		err = fmt.Errorf("%w: %w", ErrUnresolved, res.Warning)
	}
	l.finish(run, res, status, m, ls)
	return res, err
}

func (l *Loop) pending(m *canon.Mapping, ls *labels.Store, abandoned map[string]bool) []labels.RawLabel {
	all := ls.Pending(m)
	out := all[:0:0]
	for _, label := range all {
		if !abandoned[label.Key] {
			out = append(out, label)
		}
	}
	return out
}

// pass runs one pass and returns the number of labels it mapped
func (l *Loop) pass(ctx context.Context, res *Result, m *canon.Mapping, pending []labels.RawLabel,
	attempts map[string]int, abandoned map[string]bool, log *zap.Logger) (int, error) {
	n := res.Passes
	groups := l.hints(m)

	// Labels that already failed go out alone, so one label the oracle
	// cannot handle never holds back the labels batched with it.
	var fresh, retry []labels.RawLabel
	for _, label := range pending {
		if attempts[label.Key] > 0 {
			retry = append(retry, label)
		} else {
			fresh = append(fresh, label)
		}
	}

	var batches [][]labels.RawLabel
	if len(groups) == 0 && l.cfg.SeedSize > 0 {
		seed := fresh
		if size := l.seedSize(); len(seed) > size {
			seed = seed[:size]
		}
		if len(seed) > 0 {
			batches = append(batches, seed)
		}
		log.Debug("seed pass", zap.Int("pass", n), zap.Int("labels", len(seed)), zap.Int("retries", len(retry)))
	} else {
		batches = worker.Chunk(fresh, l.processor.BatchSize())
		log.Debug("pass dispatched", zap.Int("pass", n), zap.Int("pending", len(pending)), zap.Int("groups", len(groups)))
	}
	batches = append(batches, worker.Chunk(retry, 1)...)
	results := l.processor.Dispatch(ctx, batches, groups)

	source := l.oracle.Source()
	p := m.BeginPass(n, res.RunID)
	for _, r := range results {
		l.opts.Metrics.ObserveOracleCall(outcome(r.Err), r.Duration)
		if r.Err != nil {
			log.Warn("sub-batch failed",
				zap.Int("pass", n), zap.Int("batch", r.Index), zap.Int("labels", len(r.Labels)), zap.Error(r.Err))
		}

		for _, label := range r.Labels {
			a, ok := r.Assignments[label.Key]
			staged := false
			if ok {
				name, diag := p.Stage(label.Display, a.Group, source)
				staged = name != ""
				if diag != nil {
					l.opts.Metrics.Diagnostic(string(diag.Kind))
					log.Warn("merge diagnostic", zap.Stringer("diagnostic", diag))
				}
			}
			if staged {
				continue
			}
			attempts[label.Key]++
			if attempts[label.Key] >= l.cfg.MaxRetries {
				abandoned[label.Key] = true
				log.Info("label abandoned", zap.String("label", label.Display), zap.Int("attempts", attempts[label.Key]))
			}
		}
	}

	res.Diagnostics = append(res.Diagnostics, p.Diagnostics()...)
	c, err := p.Commit()
	if err != nil {
		return 0, fmt.Errorf("commit pass %d: %w", n, err)
	}
	if l.opts.Store != nil && !c.Empty() {
		// Completed work is persisted even when ctx has ended
		if err := l.opts.Store.Append(context.WithoutCancel(ctx), c); err != nil {
			return 0, fmt.Errorf("persist pass %d: %w", n, err)
		}
	}

	resolved := len(c.Entries)
	l.opts.Metrics.PassCommitted(resolved)
	log.Info("pass committed",
		zap.Int("pass", n),
		zap.Int("version", m.Version()),
		zap.Int("sub_batches", len(results)),
		zap.Int("resolved", resolved),
		zap.Int("new_groups", len(c.NewGroups)))
	return resolved, nil
}

// seedSize caps the seed sub-batch at the batch size
func (l *Loop) seedSize() int {
	return min(l.cfg.SeedSize, l.processor.BatchSize())
}

// hints lists the current groups in creation order, so "Group N" in a reply
// is stable across the sub-batches of a pass
func (l *Loop) hints(m *canon.Mapping) []oracle.GroupHint {
	groups := m.AllGroups()
	out := make([]oracle.GroupHint, 0, len(groups))
	for _, g := range groups {
		examples := g.Members
		if l.cfg.GroupExamples >= 0 && len(examples) > l.cfg.GroupExamples {
			examples = examples[:l.cfg.GroupExamples]
		}
		out = append(out, oracle.GroupHint{Name: g.Name, Examples: examples})
	}
	return out
}

func (l *Loop) finish(run store.Run, res *Result, status string, m *canon.Mapping, ls *labels.Store) {
	if l.opts.Store == nil {
		return
	}
	run.FinishedAt = l.now()
	run.Status = status
	run.Passes = res.Passes
	run.Resolved = res.Resolved
	run.Unresolved = len(ls.Pending(m))
	if err := l.opts.Store.FinishRun(context.Background(), run); err != nil {
		l.logger.Warn("failed to record run outcome", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func outcome(err error) string {
	var perr *oracle.ParseError
	var terr *oracle.TimeoutError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &terr):
		return metrics.OutcomeTimeout
	case errors.As(err, &perr):
		if perr.Partial() {
			return metrics.OutcomePartial
		}
		return metrics.OutcomeParse
	default:
		return metrics.OutcomeError
	}
}
