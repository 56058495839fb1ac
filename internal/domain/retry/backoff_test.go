package retry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicy(t *testing.T) {
	t.Run("zero value gets defaults", func(t *testing.T) {
		p, err := NewPolicy(Policy{})
		require.NoError(t, err)
		assert.Equal(t, DefaultPolicy(), p)
	})

	t.Run("partial override keeps explicit fields", func(t *testing.T) {
		p, err := NewPolicy(Policy{BaseDelay: 10 * time.Millisecond, MaxRetries: 5})
		require.NoError(t, err)
		assert.Equal(t, 10*time.Millisecond, p.BaseDelay)
		assert.Equal(t, DefaultMaxDelay, p.MaxDelay)
		assert.Equal(t, 5, p.MaxRetries)
	})

	tests := []struct {
		name   string
		policy Policy
		want   error
	}{
		{name: "negative base", policy: Policy{BaseDelay: -time.Second}, want: ErrInvalidBaseDelay},
		{name: "max below base", policy: Policy{BaseDelay: time.Minute, MaxDelay: time.Second}, want: ErrInvalidMaxDelay},
		{name: "negative retries", policy: Policy{MaxRetries: -1}, want: ErrInvalidMaxRetries},
		{name: "negative jitter", policy: Policy{JitterCeiling: -time.Millisecond}, want: ErrInvalidJitter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPolicy(tt.policy)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxRetries: 3, JitterCeiling: 100 * time.Millisecond}

	tests := []struct {
		name    string
		attempt int
		jitter  time.Duration
		want    time.Duration
	}{
		{name: "first attempt", attempt: 1, want: time.Second},
		{name: "second attempt doubles", attempt: 2, want: 2 * time.Second},
		{name: "third attempt", attempt: 3, jitter: 50 * time.Millisecond, want: 4*time.Second + 50*time.Millisecond},
		{name: "capped at max", attempt: 6, want: 30 * time.Second},
		{name: "fifth attempt with jitter", attempt: 5, jitter: 100 * time.Millisecond, want: 16*time.Second + 100*time.Millisecond},
		{name: "huge attempt saturates", attempt: 200, want: 30 * time.Second},
		{name: "zero attempt treated as first", attempt: 0, want: time.Second},
		{name: "negative jitter ignored", attempt: 1, jitter: -time.Second, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Delay(tt.attempt, tt.jitter))
		})
	}
}

func TestPolicy_DelayNearOverflow(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Duration(math.MaxInt64), MaxRetries: 3}
	d := p.Delay(40, time.Millisecond)
	assert.Positive(t, d)
	assert.LessOrEqual(t, d, p.MaxDelay)
}

func TestPolicy_Jitter(t *testing.T) {
	p := DefaultPolicy()
	for range 1000 {
		j := p.Jitter()
		require.GreaterOrEqual(t, j, time.Duration(0))
		require.LessOrEqual(t, j, p.JitterCeiling)
	}

	assert.Zero(t, Policy{}.Jitter())
}
