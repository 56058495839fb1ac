// Package retry holds the pure pieces of the resilient call path: the backoff
// policy, error classification and the error types surfaced to callers.
package retry

import (
	"errors"
	"math/rand/v2"
	"time"
)

const (
	// DefaultBaseDelay is the delay before the second attempt.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps any single backoff wait.
	DefaultMaxDelay = 30 * time.Second
	// DefaultMaxRetries is the total number of attempts made per call.
	DefaultMaxRetries = 3
	// DefaultJitterCeiling bounds the random jitter added to every delay.
	DefaultJitterCeiling = 100 * time.Millisecond
)

var (
	// ErrInvalidBaseDelay indicates a non-positive base delay.
	ErrInvalidBaseDelay = errors.New("base delay must be positive")
	// ErrInvalidMaxDelay indicates a max delay below the base delay.
	ErrInvalidMaxDelay = errors.New("max delay must be >= base delay")
	// ErrInvalidMaxRetries indicates fewer than one attempt.
	ErrInvalidMaxRetries = errors.New("max retries must be at least 1")
	// ErrInvalidJitter indicates a negative jitter ceiling.
	ErrInvalidJitter = errors.New("jitter ceiling must not be negative")
)

// Policy describes exponential backoff with bounded jitter.
// MaxRetries counts total attempts, so MaxRetries=3 means one call plus two retries.
type Policy struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxRetries    int
	JitterCeiling time.Duration
}

// DefaultPolicy returns the policy used when callers do not override it.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
		MaxRetries:    DefaultMaxRetries,
		JitterCeiling: DefaultJitterCeiling,
	}
}

// NewPolicy fills zero fields from DefaultPolicy and validates the result.
func NewPolicy(p Policy) (Policy, error) {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// WithDefaults returns a copy of p with zero fields replaced by defaults.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.BaseDelay == 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = max(d.MaxDelay, p.BaseDelay)
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.JitterCeiling == 0 {
		p.JitterCeiling = d.JitterCeiling
	}
	return p
}

// Validate reports the first invalid field.
func (p Policy) Validate() error {
	switch {
	case p.BaseDelay <= 0:
		return ErrInvalidBaseDelay
	case p.MaxDelay < p.BaseDelay:
		return ErrInvalidMaxDelay
	case p.MaxRetries < 1:
		return ErrInvalidMaxRetries
	case p.JitterCeiling < 0:
		return ErrInvalidJitter
	}
	return nil
}

// Delay returns min(BaseDelay*2^(attempt-1) + jitter, MaxDelay) for a 1-based attempt.
// Shifts that would overflow saturate to MaxDelay.
func (p Policy) Delay(attempt int, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if jitter < 0 {
		jitter = 0
	}

	shift := attempt - 1
	// 2^62 ns is ~146 years; anything beyond already exceeds any sane MaxDelay.
	if shift >= 62 || p.BaseDelay > p.MaxDelay>>shift {
		return p.MaxDelay
	}

	d := p.BaseDelay<<shift + jitter
	if d > p.MaxDelay || d < 0 {
		return p.MaxDelay
	}
	return d
}

// Jitter draws a uniform value in [0, JitterCeiling].
func (p Policy) Jitter() time.Duration {
	if p.JitterCeiling <= 0 {
		return 0
	}
	return rand.N(p.JitterCeiling + 1)
}

// Attempt records one failed try within a single resilient call.
type Attempt struct {
	Number int
	Delay  time.Duration
	Err    error
}
