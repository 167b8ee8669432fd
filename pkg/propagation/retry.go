package propagation

import (
	"math"
	"math/rand"
	"time"

	"github.com/openfroyo/provisio/pkg/engine"
)

// Backoff returns the delay before re-attempt number attempt+1, given that
// attempt attempts (at least one) already failed.
//
// FIXED waits Initial every time. EXPONENTIAL waits Initial*Multiplier^(attempt-1)
// capped at Max. RANDOM picks uniformly between Initial and the exponential delay.
func Backoff(policy engine.RetryPolicy, attempt int) time.Duration {
	policy = withRetryDefaults(policy)
	if attempt < 1 {
		attempt = 1
	}

	exp := float64(policy.Initial) * math.Pow(policy.Multiplier, float64(attempt-1))
	if exp > float64(policy.Max) || math.IsInf(exp, 0) {
		exp = float64(policy.Max)
	}
	delay := time.Duration(exp)

	switch policy.Backoff {
	case engine.BackoffFixed:
		return policy.Initial
	case engine.BackoffRandom:
		spread := delay - policy.Initial
		if spread <= 0 {
			return policy.Initial
		}
		return policy.Initial + time.Duration(rand.Int63n(int64(spread)+1))
	default:
		return delay
	}
}

// withRetryDefaults fills unset policy fields from engine.DefaultRetryPolicy.
func withRetryDefaults(p engine.RetryPolicy) engine.RetryPolicy {
	d := engine.DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Backoff == "" {
		p.Backoff = d.Backoff
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}
