package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/metrics"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/statsd"
)

// BatchCoordinatorOptions groups dependencies for BatchCoordinator.
type BatchCoordinatorOptions struct {
	Executor *Executor // Required
	Limit    int       // Optional: max items in flight; <= 0 runs every item at once
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// BatchCoordinator fans a set of named operations out through the executor.
type BatchCoordinator struct {
	exec    *Executor
	limit   int
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewBatchCoordinator constructs a BatchCoordinator.
func NewBatchCoordinator(opts BatchCoordinatorOptions) (*BatchCoordinator, error) {
	if opts.Executor == nil {
		return nil, errors.New("Executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchCoordinator{
		exec:    opts.Executor,
		limit:   opts.Limit,
		logger:  logger.With("component", "batch"),
		metrics: opts.Metrics,
	}, nil
}

// Executor returns the executor items run through.
func (b *BatchCoordinator) Executor() *Executor { return b.exec }

// BatchItem is one named operation in a batch. OnDone, when set, is called once after
// the item's executor call returns, whether it succeeded, failed or was served from cache.
type BatchItem[T any] struct {
	Name   string
	Op     Operation[T]
	Opts   []CallOption
	OnDone func(err error)
}

// BatchResult is the outcome of the item at Index in the input.
type BatchResult[T any] struct {
	Index int
	Name  string
	Value T
	Err   error
}

// OK reports whether the item succeeded.
func (r BatchResult[T]) OK() bool { return r.Err == nil }

// BatchError reports the first failed item, by input order, of a batch that did not tolerate errors.
type BatchError struct {
	Index  int
	Name   string
	Failed int
	Total  int
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch item %d (%s) failed, %d/%d items failed: %v", e.Index, e.Name, e.Failed, e.Total, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// RunBatch runs every item concurrently and waits for all of them. A failing item never
// cancels the others. A panicking item is recorded as an internal error on its own result.
// Results line up with items by index.
//
// With continueOnError false, a *BatchError carrying the first failure in input order is
// returned alongside the full result set once every item has finished.
func RunBatch[T any](
	ctx context.Context,
	b *BatchCoordinator,
	name string,
	items []BatchItem[T],
	continueOnError bool,
) ([]BatchResult[T], error) {
	if b == nil {
		return nil, errors.New("batch coordinator is required")
	}

	start := b.exec.clock.Now()
	results := make([]BatchResult[T], len(items))

	// Plain group without a derived context: a failed item must not cancel its siblings.
	var g errgroup.Group
	if b.limit > 0 {
		g.SetLimit(b.limit)
	}
	for i, item := range items {
		results[i] = BatchResult[T]{Index: i, Name: item.Name}
		g.Go(func() error {
			results[i].Value, results[i].Err = runItem(ctx, b, item)
			if item.OnDone != nil {
				item.OnDone(results[i].Err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var first *BatchError
	failed := 0
	for i := range results {
		if results[i].Err == nil {
			continue
		}
		failed++
		if first == nil {
			first = &BatchError{Index: i, Name: results[i].Name, Err: results[i].Err}
		}
	}

	metrics.EmitBatch(b.metrics, name, len(items), failed, b.exec.clock.Since(start))
	b.logger.DebugContext(ctx, "batch finished", "batch", name, "items", len(items), "failed", failed)

	if first == nil || continueOnError {
		return results, nil
	}
	first.Failed = failed
	first.Total = len(items)
	return results, first
}

func runItem[T any](ctx context.Context, b *BatchCoordinator, item BatchItem[T]) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.ErrorContext(ctx, "batch item panicked", "item", item.Name, "panic", p)
			var zero T
			v, err = zero, apperrors.Internalf("batch item %s panicked: %v", item.Name, p)
		}
	}()
	return Execute(ctx, b.exec, item.Name, item.Op, item.Opts...)
}

// Values returns the values of successful results in input order.
func Values[T any](results []BatchResult[T]) []T {
	out := make([]T, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Value)
		}
	}
	return out
}
