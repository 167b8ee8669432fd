package propagation

import (
	"testing"
	"time"

	"github.com/openfroyo/provisio/pkg/engine"
)

func TestBackoff(t *testing.T) {
	exp := engine.RetryPolicy{
		MaxAttempts: 5,
		Backoff:     engine.BackoffExponential,
		Initial:     time.Second,
		Max:         10 * time.Second,
		Multiplier:  2,
	}
	fixed := exp
	fixed.Backoff = engine.BackoffFixed

	tests := []struct {
		name    string
		policy  engine.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{name: "exponential first", policy: exp, attempt: 1, want: time.Second},
		{name: "exponential third", policy: exp, attempt: 3, want: 4 * time.Second},
		{name: "exponential capped", policy: exp, attempt: 10, want: 10 * time.Second},
		{name: "attempt below one", policy: exp, attempt: 0, want: time.Second},
		{name: "fixed", policy: fixed, attempt: 4, want: time.Second},
		{name: "defaults", policy: engine.RetryPolicy{}, attempt: 2, want: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Backoff(tt.policy, tt.attempt); got != tt.want {
				t.Errorf("Backoff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoffRandomStaysInRange(t *testing.T) {
	policy := engine.RetryPolicy{
		Backoff:    engine.BackoffRandom,
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2,
	}
	for i := 0; i < 100; i++ {
		got := Backoff(policy, 3)
		if got < time.Second || got > 4*time.Second {
			t.Fatalf("Backoff() = %v, want within [1s, 4s]", got)
		}
	}
}

func TestWithRetryDefaults(t *testing.T) {
	p := withRetryDefaults(engine.RetryPolicy{Initial: time.Hour, Max: time.Second, Multiplier: 0.5})
	if p.Max != time.Hour {
		t.Errorf("Max = %v, want raised to Initial", p.Max)
	}
	if p.Multiplier != engine.DefaultRetryPolicy().Multiplier {
		t.Errorf("Multiplier = %v, want default", p.Multiplier)
	}
	if p.MaxAttempts != engine.DefaultRetryPolicy().MaxAttempts {
		t.Errorf("MaxAttempts = %d, want default", p.MaxAttempts)
	}
}
