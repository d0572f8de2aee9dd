package sentry_gateway

import (
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy decides whether a failed delivery is repeated and how long to
// wait before the next attempt
type RetryPolicy struct {
	config *RetryConfig
	logger *zap.Logger
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(config *RetryConfig, logger *zap.Logger) *RetryPolicy {
	return &RetryPolicy{
		config: config,
		logger: logger,
	}
}

// ShouldRetry reports whether another attempt follows the given failed one
func (rp *RetryPolicy) ShouldRetry(attempt int, err *SendError) bool {
	if !err.Retryable() {
		return false
	}

	if attempt >= rp.config.MaxAttempts {
		if rp.config.MaxAttempts > 1 {
			rp.logger.Error("Event exceeded max delivery attempts",
				zap.Int("attempts", attempt),
				zap.Int("max_attempts", rp.config.MaxAttempts),
				zap.Error(err))
		}
		return false
	}

	return true
}

// CalculateBackoff calculates the backoff duration after the given attempt
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	if attempt <= 1 {
		return rp.config.InitialBackoff
	}

	// exponential backoff with +/-25% jitter
	backoff := float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt-1))
	backoff += backoff * 0.25 * (2*rand.Float64() - 1)

	duration := time.Duration(backoff)
	if duration > rp.config.MaxBackoff {
		duration = rp.config.MaxBackoff
	}

	return duration
}
