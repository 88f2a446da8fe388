package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/factorcanon/internal/llm"
)

// Options configures an LLMOracle
type Options struct {
	Model         string        // overrides the provider's configured model
	Timeout       time.Duration // per-call deadline; zero disables it
	GroupExamples int           // example members listed per group
	MaxTokens     int
	Logger        *zap.Logger
}

// LLMOracle asks a language model to categorize labels
type LLMOracle struct {
	provider llm.Provider
	opts     Options
	source   string
	logger   *zap.Logger
}

// NewLLMOracle wraps provider. model is recorded in provenance only and
// may be empty.
func NewLLMOracle(provider llm.Provider, opts Options) *LLMOracle {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMOracle{
		provider: provider,
		opts:     opts,
		source:   llm.SourceName(provider, opts.Model),
		logger:   logger.Named("oracle"),
	}
}

// Source returns provider/model
func (o *LLMOracle) Source() string {
	return o.source
}

// Classify sends one sub-batch to the provider and parses the reply
func (o *LLMOracle) Classify(ctx context.Context, req Request) (map[string]Assignment, error) {
	if len(req.Labels) == 0 {
		return map[string]Assignment{}, nil
	}

	callCtx := ctx
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	resp, err := o.provider.Complete(callCtx, llm.CompletionRequest{
		System:    systemPrompt,
		Prompt:    buildPrompt(req, o.opts.GroupExamples),
		Model:     o.opts.Model,
		MaxTokens: o.opts.MaxTokens,
	})
	if err != nil {
		// Only our own deadline counts as a timeout; parent cancellation is passed through
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{After: o.opts.Timeout, Err: err}
		}
		return nil, fmt.Errorf("%s: %w", o.source, err)
	}

	out, err := parseReply(resp.Text, req)
	if err != nil {
		o.logger.Debug("unusable oracle reply",
			zap.Int("labels", len(req.Labels)),
			zap.Int("parsed", len(out)),
			zap.Error(err),
			zap.String("reply", excerpt(resp.Text)))
	}
	return out, err
}
