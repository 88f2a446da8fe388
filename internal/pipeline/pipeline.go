package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/factorcanon/internal/cache"
	"github.com/ppiankov/factorcanon/internal/canon"
	"github.com/ppiankov/factorcanon/internal/converge"
	"github.com/ppiankov/factorcanon/internal/labels"
	"github.com/ppiankov/factorcanon/internal/llm"
	"github.com/ppiankov/factorcanon/internal/materialize"
	"github.com/ppiankov/factorcanon/internal/metrics"
	"github.com/ppiankov/factorcanon/internal/model"
	"github.com/ppiankov/factorcanon/internal/oracle"
	"github.com/ppiankov/factorcanon/internal/records"
	"github.com/ppiankov/factorcanon/internal/store"
	"github.com/ppiankov/factorcanon/internal/worker"
)

// Pipeline reads factor records, canonicalizes their labels against the
// persisted mapping and writes the group tables
type Pipeline struct {
	config  *model.Config
	store   store.Store
	oracle  oracle.Oracle // nil when only materializing
	limiter *worker.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Options carries optional collaborators
type Options struct {
	Oracle  oracle.Oracle
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// NewPipeline creates a pipeline over an open store
func NewPipeline(cfg *model.Config, st store.Store, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		config:  cfg,
		store:   st,
		oracle:  opts.Oracle,
		limiter: worker.NewLimiter(cfg.Oracle.RequestsPerSecond, cfg.Oracle.Burst),
		metrics: opts.Metrics,
		logger:  logger,
	}
}

// NewOracle builds the configured oracle: an LLM provider, wrapped in the
// response cache when caching is enabled
func NewOracle(cfg *model.Config, logger *zap.Logger) (oracle.Oracle, error) {
	provider, err := llm.NewProvider(llm.ConfigFromModel(cfg.LLM))
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}

	var o oracle.Oracle = oracle.NewLLMOracle(provider, oracle.Options{
		Model:         cfg.LLM.Model,
		Timeout:       cfg.Oracle.Timeout(),
		GroupExamples: cfg.Oracle.GroupExamples,
		MaxTokens:     cfg.LLM.MaxTokens,
		Logger:        logger,
	})

	if cfg.Cache.Enabled {
		c := cache.NewLayeredCache(cfg.Cache.MemoryTTL, cfg.Cache.Dir, cfg.Cache.DiskTTL)
		o = oracle.NewCachedOracle(o, c, cfg.Cache.DiskTTL)
	}
	return o, nil
}

// Report summarizes a pipeline run
type Report struct {
	Inputs      []string
	Records     int
	Labels      int
	Groups      int
	Mapped      int // labels with a group after the run
	Converge    *converge.Result
	Materialize *materialize.Summary
	Duration    time.Duration
}

// LoadRecords reads every input table
func (p *Pipeline) LoadRecords(paths []string) ([]model.FactorRecord, error) {
	recs, err := records.ReadFiles(paths, records.Options{LabelColumn: p.config.Input.LabelColumn})
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	p.logger.Info("records loaded", zap.Int("files", len(paths)), zap.Int("records", len(recs)))
	return recs, nil
}

// Canonicalize runs the convergence loop over the labels in recs, starting
// from the persisted mapping. The returned mapping includes every pass
// committed before an error.
func (p *Pipeline) Canonicalize(ctx context.Context, recs []model.FactorRecord) (*converge.Result, *canon.Mapping, error) {
	if p.oracle == nil {
		return nil, nil, errors.New("canonicalize: no oracle configured")
	}
	m, err := p.store.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load mapping: %w", err)
	}

	loop := converge.New(p.oracle, converge.ConfigFromModel(p.config.Oracle), converge.Options{
		Store:    p.store,
		Limiter:  p.limiter,
		Metrics:  p.metrics,
		Logger:   p.logger,
		Provider: p.config.LLM.Provider,
		Model:    p.config.LLM.Model,
	})
	res, err := loop.Run(ctx, m, labels.NewStore(recs))
	return res, m, err
}

// Materialize writes the group tables for the persisted mapping
func (p *Pipeline) Materialize(ctx context.Context, recs []model.FactorRecord) (*materialize.Summary, error) {
	m, err := p.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	return p.materialize(ctx, m, recs)
}

func (p *Pipeline) materialize(ctx context.Context, m *canon.Mapping, recs []model.FactorRecord) (*materialize.Summary, error) {
	sum, err := materialize.Materialize(ctx, m.Snapshot(), recs, materialize.Options{
		Dir:    p.config.Output.Dir,
		Logger: p.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("materialize: %w", err)
	}
	p.metrics.SetUnmapped(sum.UnmappedRecords)
	return sum, nil
}

// Run canonicalizes and then materializes. Tables are written even when
// labels remain unresolved; a run that fails require_full_resolution still
// returns its report alongside the error.
func (p *Pipeline) Run(ctx context.Context, paths []string) (*Report, error) {
	start := time.Now()
	recs, err := p.LoadRecords(paths)
	if err != nil {
		return nil, err
	}
	ls := labels.NewStore(recs)

	report := &Report{Inputs: paths, Records: len(recs), Labels: ls.Count()}
	res, m, runErr := p.Canonicalize(ctx, recs)
	report.Converge = res
	if runErr != nil && !errors.Is(runErr, converge.ErrUnresolved) {
		return report, runErr
	}

	sum, err := p.materialize(ctx, m, recs)
	if err != nil {
		return report, err
	}
	report.Materialize = sum
	report.Groups = len(m.AllGroups())
	report.Mapped = m.Len()
	report.Duration = time.Since(start)

	if err := p.WriteMetrics(); err != nil {
		p.logger.Warn("failed to write metrics file", zap.Error(err))
	}
	return report, runErr
}

// WriteMetrics writes the metrics textfile if one is configured
func (p *Pipeline) WriteMetrics() error {
	path := p.config.Output.MetricsFile
	if path == "" || p.metrics == nil {
		return nil
	}
	if !filepath.IsAbs(path) && filepath.Dir(path) == "." {
		path = filepath.Join(p.config.Output.Dir, path)
	}
	return p.metrics.WriteFile(path)
}
