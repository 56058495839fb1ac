package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/retry"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/metrics"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/statsd"
)

// ExecutorOptions groups dependencies for Executor.
type ExecutorOptions struct {
	Policy     retry.Policy      // Optional: zero fields fall back to retry.DefaultPolicy
	Classifier retry.Classifier  // Optional: defaults to retry.DefaultClassifier
	Cache      *core.ResultCache // Optional: enables WithCache on calls
	Clock      quartz.Clock      // Optional: defaults to the real clock
	Logger     *slog.Logger      // Optional: structured logger
	Metrics    statsd.Sink       // Optional: call metrics
}

// Executor runs operations against unreliable dependencies with classified retries,
// exponential backoff and an optional result cache.
type Executor struct {
	policy     retry.Policy
	classifier retry.Classifier
	cache      *core.ResultCache
	clock      quartz.Clock
	logger     *slog.Logger
	metrics    statsd.Sink
}

// NewExecutor constructs an Executor.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	policy, err := retry.NewPolicy(opts.Policy)
	if err != nil {
		return nil, fmt.Errorf("executor policy: %w", err)
	}

	classifier := opts.Classifier
	if classifier == nil {
		classifier = retry.DefaultClassifier()
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		policy:     policy,
		classifier: classifier,
		cache:      opts.Cache,
		clock:      clock,
		logger:     logger.With("component", "executor"),
		metrics:    opts.Metrics,
	}, nil
}

// MustNewExecutor constructs an Executor and panics on error.
func MustNewExecutor(opts ExecutorOptions) *Executor {
	e, err := NewExecutor(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create Executor: %v", err))
	}
	return e
}

// Policy returns the default policy applied to calls.
func (e *Executor) Policy() retry.Policy { return e.policy }

// Cache returns the configured result cache, or nil.
func (e *Executor) Cache() *core.ResultCache { return e.cache }

// CallOption overrides executor defaults for a single call.
type CallOption func(*callConfig)

type callConfig struct {
	policy     retry.Policy
	classifier retry.Classifier
	cached     bool
	params     any
	ttl        time.Duration
	onRetry    func(retry.Attempt)
}

// WithPolicy replaces the backoff policy for one call. Zero fields fall back to defaults.
func WithPolicy(p retry.Policy) CallOption {
	return func(c *callConfig) { c.policy = p.WithDefaults() }
}

// WithMaxRetries sets the total number of attempts for one call.
func WithMaxRetries(n int) CallOption {
	return func(c *callConfig) {
		if n > 0 {
			c.policy.MaxRetries = n
		}
	}
}

// WithCache looks up params in the result cache before calling the operation and
// stores a successful result for ttl. A zero ttl uses the cache default.
func WithCache(params any, ttl time.Duration) CallOption {
	return func(c *callConfig) {
		c.cached = true
		c.params = params
		c.ttl = ttl
	}
}

// WithClassifier replaces the error classifier for one call.
func WithClassifier(cl retry.Classifier) CallOption {
	return func(c *callConfig) {
		if cl != nil {
			c.classifier = cl
		}
	}
}

// OnRetry registers a hook called after each failed attempt that will be retried.
func OnRetry(fn func(retry.Attempt)) CallOption {
	return func(c *callConfig) { c.onRetry = fn }
}

// Operation is a unit of work run by the executor. It receives the caller's context.
type Operation[T any] func(ctx context.Context) (T, error)

// Execute runs op until it succeeds, fails with a Terminal error, or runs out of attempts.
//
// Terminal failures return *retry.NonRetryableError immediately. Exhausted budgets return
// *retry.ExhaustedRetriesError wrapping the last failure. Cancellation during a backoff wait
// returns the context error; an attempt in flight is never interrupted by the executor.
func Execute[T any](ctx context.Context, e *Executor, name string, op Operation[T], opts ...CallOption) (T, error) {
	var zero T
	if e == nil {
		return zero, errors.New("executor is required")
	}
	if op == nil {
		return zero, fmt.Errorf("%s: operation is required", name)
	}

	cfg := callConfig{policy: e.policy, classifier: e.classifier}
	for _, opt := range opts {
		opt(&cfg)
	}

	start := e.clock.Now()
	log := e.logger.With("operation", name)

	if cfg.cached {
		if v, ok := cacheLookup[T](ctx, e, log, name, cfg.params); ok {
			metrics.EmitCall(e.metrics, metrics.CallMetric{Operation: name, Outcome: metrics.OutcomeCacheHit})
			return v, nil
		}
	}

	finish := func(outcome string, attempts int, err error) {
		metrics.EmitCall(e.metrics, metrics.CallMetric{
			Operation: name,
			Outcome:   outcome,
			Attempts:  attempts,
			Duration:  e.clock.Since(start),
			Err:       err,
		})
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			finish(metrics.OutcomeCanceled, attempt-1, err)
			return zero, fmt.Errorf("%s: before attempt %d: %w", name, attempt, err)
		}

		v, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.InfoContext(ctx, "operation succeeded after retry", "attempt", attempt)
			} else {
				log.DebugContext(ctx, "operation succeeded", "attempt", attempt)
			}
			if cfg.cached {
				cacheStore(ctx, e, log, name, cfg.params, v, cfg.ttl)
			}
			finish(metrics.OutcomeSuccess, attempt, nil)
			return v, nil
		}

		class := cfg.classifier.Classify(err)
		if class == retry.Terminal {
			log.WarnContext(ctx, "operation failed with non-retryable error", "attempt", attempt, "error", err)
			finish(metrics.OutcomeTerminal, attempt, err)
			return zero, &retry.NonRetryableError{Name: name, Attempt: attempt, Err: err}
		}

		if attempt >= cfg.policy.MaxRetries {
			log.WarnContext(ctx, "operation exhausted retries", "attempts", attempt, "error", err)
			finish(metrics.OutcomeExhausted, attempt, err)
			return zero, &retry.ExhaustedRetriesError{Name: name, Attempts: attempt, Err: err}
		}

		delay := cfg.policy.Delay(attempt, cfg.policy.Jitter())
		log.DebugContext(ctx, "operation failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		metrics.EmitRetry(e.metrics, name, attempt, string(class), delay)
		if cfg.onRetry != nil {
			cfg.onRetry(retry.Attempt{Number: attempt, Delay: delay, Err: err})
		}

		if werr := e.wait(ctx, delay); werr != nil {
			finish(metrics.OutcomeCanceled, attempt, err)
			return zero, fmt.Errorf("%s: canceled after attempt %d (last error: %v): %w", name, attempt, err, werr)
		}
	}
}

// wait blocks for d on the executor clock or until ctx is done.
func (e *Executor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := e.clock.NewTimer(d, "executor", "backoff")
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cacheLookup[T any](ctx context.Context, e *Executor, log *slog.Logger, name string, params any) (T, bool) {
	var v T
	if e.cache == nil {
		return v, false
	}
	hit, err := e.cache.Get(ctx, name, params, &v)
	if err != nil {
		log.WarnContext(ctx, "result cache lookup failed", "error", err)
		return v, false
	}
	if hit {
		log.DebugContext(ctx, "result cache hit")
	}
	return v, hit
}

func cacheStore(ctx context.Context, e *Executor, log *slog.Logger, name string, params, value any, ttl time.Duration) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, name, params, value, ttl); err != nil {
		log.WarnContext(ctx, "result cache store failed", "error", err)
	}
}
