package worker

import (
	"context"
	"sort"
	"time"

	"github.com/ppiankov/factorcanon/internal/labels"
	"github.com/ppiankov/factorcanon/internal/oracle"
)

// ClassifyJob sends one sub-batch to the oracle
type ClassifyJob struct {
	Index   int
	Request oracle.Request
	Oracle  oracle.Oracle
	Limiter *Limiter
}

// Execute waits for a rate limit token and calls the oracle
func (j *ClassifyJob) Execute(ctx context.Context) Result {
	res := &ClassifyResult{Index: j.Index, Labels: j.Request.Labels}

	if j.Limiter != nil {
		if err := j.Limiter.Wait(ctx, j.Oracle.Source()); err != nil {
			res.Err = err
			return res
		}
	}

	start := time.Now()
	res.Assignments, res.Err = j.Oracle.Classify(ctx, j.Request)
	res.Duration = time.Since(start)
	return res
}

// ClassifyResult is the outcome of one sub-batch. Assignments may be
// non-empty alongside a partial *oracle.ParseError.
type ClassifyResult struct {
	Index       int
	Labels      []labels.RawLabel
	Assignments map[string]oracle.Assignment
	Err         error
	Duration    time.Duration
}

// GetError returns the error from the classify result
func (r *ClassifyResult) GetError() error {
	return r.Err
}

// BatchProcessor chunks pending labels and classifies the chunks concurrently
type BatchProcessor struct {
	oracle      oracle.Oracle
	limiter     *Limiter
	concurrency int
	batchSize   int
}

// NewBatchProcessor creates a new batch processor. limiter may be nil.
func NewBatchProcessor(o oracle.Oracle, limiter *Limiter, concurrency, batchSize int) *BatchProcessor {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &BatchProcessor{
		oracle:      o,
		limiter:     limiter,
		concurrency: concurrency,
		batchSize:   batchSize,
	}
}

// Chunk splits items into consecutive slices of at most size elements
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

// Dispatch classifies caller-built sub-batches. A sub-batch larger than
// the configured size is split, so no request ever exceeds it. Every
// sub-batch sees the same group vocabulary. Results are returned ordered
// by sub-batch index; sub-batches never started because ctx ended are
// absent.
func (b *BatchProcessor) Dispatch(ctx context.Context, batches [][]labels.RawLabel, groups []oracle.GroupHint) []*ClassifyResult {
	var chunks [][]labels.RawLabel
	for _, batch := range batches {
		chunks = append(chunks, Chunk(batch, b.batchSize)...)
	}
	return b.run(ctx, chunks, groups)
}

// BatchSize returns the largest sub-batch the processor sends
func (b *BatchProcessor) BatchSize() int {
	return b.batchSize
}

func (b *BatchProcessor) run(ctx context.Context, chunks [][]labels.RawLabel, groups []oracle.GroupHint) []*ClassifyResult {
	if len(chunks) == 0 {
		return []*ClassifyResult{}
	}

	workers := b.concurrency
	if workers > len(chunks) {
		workers = len(chunks)
	}
	pool := NewPool(ctx, workers)
	pool.Start()

	for i, chunk := range chunks {
		ok := pool.Submit(&ClassifyJob{
			Index:   i,
			Request: oracle.Request{Labels: chunk, Groups: groups},
			Oracle:  b.oracle,
			Limiter: b.limiter,
		})
		if !ok {
			break
		}
	}

	results := pool.Wait()

	out := make([]*ClassifyResult, 0, len(results))
	for _, r := range results {
		out = append(out, r.(*ClassifyResult))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
