package engine

import "time"

// Config is the engine's view of its configuration surface: everything
// RequestBuilder, TransportClient and RetryPolicy need, read once at
// startup and passed down as a plain value (never a global).
type Config struct {
	APIEndpoint string
	APIKey      string
	Model       string

	Temperature        *float64
	TopP               *float64
	TopK               *int
	RepetitionPenalty  *float64
	MaxTokens          *int

	HTTPTimeout       time.Duration
	StreamingTimeout  time.Duration
	EnableStreaming   bool

	EnableExponentialWaitRetry bool
	RetryInitialDelay          time.Duration
	RetryMaxDelay              time.Duration
	RetryFixedDelay            time.Duration
	RetryMaxAttempts           int

	TrustUsageInfoPromptTokens bool
	YOLOMode                   bool
}

// TransportRetryPolicy derives a RetryPolicy from the config's retry
// knobs, matching spec.md §4.1's base delays (2s general, 10s
// rate-limited, or a configurable fixed delay when exponential backoff is
// disabled) and §6's env surface.
//
// RetryInitialDelay only overrides the exponential-mode base when it was
// explicitly set (LoadEnv leaves it at its zero value unless
// RETRY_INITIAL_DELAY is present) — a default baked in here instead of at
// the config layer so it can never silently clobber the rate-limited 10s
// base back down to 2s.
func (c Config) TransportRetryPolicy(rateLimited bool) RetryPolicy {
	fixed := !c.EnableExponentialWaitRetry

	var base time.Duration
	if fixed {
		base = c.RetryFixedDelay
		if base <= 0 {
			base = 10 * time.Second
		}
	} else {
		base = 2 * time.Second
		if rateLimited {
			base = 10 * time.Second
		}
		if c.RetryInitialDelay > 0 {
			base = c.RetryInitialDelay
		}
	}

	maxDelay := c.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 64 * time.Second
	}
	return RetryPolicy{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: base,
		MaxDelay:     maxDelay,
		Multiplier:   2,
		Fixed:        fixed,
		Jitter:       !fixed,
	}
}
