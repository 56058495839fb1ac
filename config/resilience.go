package config

import "time"

// ResilienceConfig holds executor and batch defaults for outbound calls.
type ResilienceConfig struct {
	// MaxRetries is the total number of attempts per call, including the first.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"3"`
	// BaseDelay is the delay before the second attempt; it doubles per attempt.
	BaseDelay time.Duration `env:"BASE_DELAY" envDefault:"1s"`
	// MaxDelay caps any single backoff wait.
	MaxDelay time.Duration `env:"MAX_DELAY" envDefault:"30s"`
	// JitterCeiling is the upper bound of the random delay added to each wait.
	JitterCeiling time.Duration `env:"JITTER_CEILING" envDefault:"100ms"`
	// BatchConcurrency limits in-flight items per batch; 0 means unbounded.
	BatchConcurrency int `env:"BATCH_CONCURRENCY" envDefault:"0"`
}

// Sanitize applies guardrails to resilience configuration values.
func (r *ResilienceConfig) Sanitize() {
	if r.MaxRetries < 1 {
		r.MaxRetries = 1
	}
	if r.MaxRetries > 10 {
		r.MaxRetries = 10
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = time.Second
	}
	if r.MaxDelay < r.BaseDelay {
		r.MaxDelay = r.BaseDelay
	}
	if r.JitterCeiling < 0 {
		r.JitterCeiling = 0
	}
	if r.BatchConcurrency < 0 {
		r.BatchConcurrency = 0
	}
}
