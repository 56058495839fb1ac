package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
)

const (
	opSessionAcquire      = "session.acquire"
	defaultReleaseTimeout = 10 * time.Second
)

// ResourceAcquisitionError is returned when a session could not be obtained.
type ResourceAcquisitionError struct {
	Resource string
	Err      error
}

func (e *ResourceAcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Resource, e.Err)
}

func (e *ResourceAcquisitionError) Unwrap() error { return e.Err }

// SessionManagerOptions groups dependencies for SessionManager.
type SessionManagerOptions struct {
	Provider       core.SessionProvider // Required
	Executor       *Executor            // Required: retries transient acquisition failures
	ReleaseTimeout time.Duration        // Optional: bound on Release after the caller's context ends
	Logger         *slog.Logger
}

// SessionManager hands out one exclusive session per operation.
type SessionManager struct {
	provider       core.SessionProvider
	exec           *Executor
	releaseTimeout time.Duration
	logger         *slog.Logger
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(opts SessionManagerOptions) (*SessionManager, error) {
	if opts.Provider == nil {
		return nil, errors.New("SessionProvider is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("Executor is required")
	}
	timeout := opts.ReleaseTimeout
	if timeout <= 0 {
		timeout = defaultReleaseTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		provider:       opts.Provider,
		exec:           opts.Executor,
		releaseTimeout: timeout,
		logger:         logger.With("component", "session_manager"),
	}, nil
}

// WithSession acquires a fresh session, runs fn with it and releases it on every exit
// path, including panics and cancellation. Release failures are logged, not returned.
func WithSession[T any](ctx context.Context, m *SessionManager, fn func(ctx context.Context, s core.Session) (T, error)) (T, error) {
	var zero T
	if m == nil {
		return zero, errors.New("session manager is required")
	}

	sess, err := Execute(ctx, m.exec, opSessionAcquire, m.provider.Acquire)
	if err != nil {
		return zero, &ResourceAcquisitionError{Resource: "session", Err: err}
	}
	if sess == nil {
		return zero, &ResourceAcquisitionError{Resource: "session", Err: errors.New("provider returned no session")}
	}

	id := sess.ID()
	m.logger.DebugContext(ctx, "session acquired", "session_id", id)
	defer m.release(ctx, sess, id)

	return fn(ctx, sess)
}

func (m *SessionManager) release(ctx context.Context, sess core.Session, id string) {
	// The caller's context may already be canceled; release still has to run.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.releaseTimeout)
	defer cancel()

	if err := m.provider.Release(rctx, sess); err != nil {
		m.logger.WarnContext(ctx, "session release failed", "session_id", id, "error", err)
		return
	}
	m.logger.DebugContext(ctx, "session released", "session_id", id)
}
