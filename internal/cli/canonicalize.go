package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/factorcanon/internal/converge"
	"github.com/ppiankov/factorcanon/internal/labels"
	"github.com/ppiankov/factorcanon/internal/metrics"
	"github.com/ppiankov/factorcanon/internal/model"
	"github.com/ppiankov/factorcanon/internal/pipeline"
)

var (
	llmProvider string
	llmModel    string
	outputDir   string
	labelColumn string
	metricsFile string
	noCache     bool
	requireAll  bool
	batchSize   int
	concurrency int
	runTimeout  time.Duration
	showSummary bool
)

// canonicalizeCmd assigns groups to every new label
var canonicalizeCmd = &cobra.Command{
	Use:   "canonicalize <records.csv>...",
	Short: "Assign canonical groups to the factor labels in the given tables",
	Long: `Canonicalize reads factor records, collects the distinct labels that have
no canonical group yet and asks the configured language model to group
them, pass after pass, until every label is resolved or progress stops.

Existing assignments are never changed. The mapping is stored in the
database given by --db (default: store.path).

Example:
  factorcanon canonicalize stress_positive.csv stress_negative.csv
  factorcanon canonicalize bins/*.csv --llm-provider ollama --llm-model llama3`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, args, stepCanonicalize)
	},
}

// materializeCmd writes group tables from the stored mapping
var materializeCmd = &cobra.Command{
	Use:   "materialize <records.csv>...",
	Short: "Write per-group and master tables from the stored mapping",
	Long: `Materialize writes one CSV table per canonical group, the master group
table, the outcome summary and the group name list. Records whose label has
no group are left out and counted. No language model is called.

Example:
  factorcanon materialize bins/*.csv --output-dir ./groups-out`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, args, stepMaterialize)
	},
}

// runCmd canonicalizes and materializes in one go
var runCmd = &cobra.Command{
	Use:   "run <records.csv>...",
	Short: "Canonicalize labels and write the group tables",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, args, stepCanonicalize|stepMaterialize)
	},
}

type step int

const (
	stepCanonicalize step = 1 << iota
	stepMaterialize
)

func init() {
	for _, cmd := range []*cobra.Command{canonicalizeCmd, materializeCmd, runCmd} {
		rootCmd.AddCommand(cmd)
		cmd.Flags().StringVar(&labelColumn, "label-column", "", "column holding the factor label (default: input.label_column)")
		cmd.Flags().StringVar(&outputDir, "output-dir", "", "output directory for tables (default: output.dir)")
		cmd.Flags().DurationVar(&runTimeout, "timeout", 0, "overall time limit (0 = none)")
		cmd.Flags().BoolVar(&showSummary, "summary", true, "print a summary table to stderr")
	}
	for _, cmd := range []*cobra.Command{canonicalizeCmd, runCmd} {
		cmd.Flags().StringVar(&llmProvider, "llm-provider", "", "LLM provider (openai, anthropic, ollama, gemini)")
		cmd.Flags().StringVar(&llmModel, "llm-model", "", "LLM model name")
		cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file")
		cmd.Flags().BoolVar(&noCache, "no-cache", false, "disable the oracle response cache")
		cmd.Flags().BoolVar(&requireAll, "require-full-resolution", false, "fail if any label is left without a group")
		cmd.Flags().IntVar(&batchSize, "batch-size", 0, "labels per oracle call (default: oracle.max_batch_size)")
		cmd.Flags().IntVar(&concurrency, "concurrency", 0, "oracle calls in flight (default: oracle.concurrency)")
	}
}

// applyFlags overrides config values with flags the user actually set
func applyFlags(cmd *cobra.Command, cfg *model.Config) {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("label-column") {
		cfg.Input.LabelColumn = labelColumn
	}
	if changed("output-dir") {
		cfg.Output.Dir = outputDir
	}
	if changed("llm-provider") {
		cfg.LLM.Provider = llmProvider
		cfg.LLM.APIKey = ""
		applyProviderEnv(&cfg.LLM)
	}
	if changed("llm-model") {
		cfg.LLM.Model = llmModel
	}
	if changed("metrics-file") {
		cfg.Output.MetricsFile = metricsFile
	}
	if changed("no-cache") {
		cfg.Cache.Enabled = !noCache
	}
	if changed("require-full-resolution") {
		cfg.Oracle.RequireFullResolution = requireAll
	}
	if changed("batch-size") {
		cfg.Oracle.MaxBatchSize = batchSize
	}
	if changed("concurrency") {
		cfg.Oracle.Concurrency = concurrency
	}
}

func runPipeline(cmd *cobra.Command, inputs []string, steps step) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if runTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, runTimeout)
		defer tcancel()
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	opts := pipeline.Options{Logger: logger, Metrics: metrics.New()}
	if steps&stepCanonicalize != 0 {
		o, err := pipeline.NewOracle(cfg, logger)
		if err != nil {
			return err
		}
		opts.Oracle = o
		if verbose {
			fmt.Fprintf(os.Stderr, "Oracle: %s (batch %d, concurrency %d)\n", o.Source(), cfg.Oracle.MaxBatchSize, cfg.Oracle.Concurrency)
		}
	}
	p := pipeline.NewPipeline(cfg, st, opts)

	var report *pipeline.Report
	switch steps {
	case stepCanonicalize | stepMaterialize:
		report, err = p.Run(ctx, inputs)

	case stepCanonicalize:
		report, err = canonicalizeOnly(ctx, p, inputs)

	case stepMaterialize:
		report, err = materializeOnly(ctx, p, inputs)
	}

	if report != nil && showSummary {
		fmt.Fprintln(os.Stderr)
		pipeline.RenderSummary(os.Stderr, report)
	}
	if err != nil {
		if errors.Is(err, converge.ErrUnresolved) {
			return fmt.Errorf("run failed: %w (set oracle.require_full_resolution=false to accept)", err)
		}
		return fmt.Errorf("run failed: %w", err)
	}
	return nil
}

func canonicalizeOnly(ctx context.Context, p *pipeline.Pipeline, inputs []string) (*pipeline.Report, error) {
	start := time.Now()
	recs, err := p.LoadRecords(inputs)
	if err != nil {
		return nil, err
	}
	res, m, err := p.Canonicalize(ctx, recs)
	report := &pipeline.Report{Inputs: inputs, Records: len(recs), Converge: res, Duration: time.Since(start)}
	report.Labels = labelCount(recs)
	if m != nil {
		report.Groups, report.Mapped = len(m.AllGroups()), m.Len()
	}
	if werr := p.WriteMetrics(); werr != nil {
		logger.Warn("failed to write metrics file", zap.Error(werr))
	}
	return report, err
}

func materializeOnly(ctx context.Context, p *pipeline.Pipeline, inputs []string) (*pipeline.Report, error) {
	start := time.Now()
	recs, err := p.LoadRecords(inputs)
	if err != nil {
		return nil, err
	}
	sum, err := p.Materialize(ctx, recs)
	if err != nil {
		return nil, err
	}
	return &pipeline.Report{
		Inputs:      inputs,
		Records:     len(recs),
		Labels:      labelCount(recs),
		Groups:      sum.Groups,
		Materialize: sum,
		Duration:    time.Since(start),
	}, nil
}

func labelCount(recs []model.FactorRecord) int {
	return labels.NewStore(recs).Count()
}
