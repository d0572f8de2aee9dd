package sentry_gateway

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

const (
	categoryAll   = "all"
	categoryError = "error"

	defaultRetryAfter = 60 * time.Second
)

// RateLimiter tracks the Sentry rate limits reported in response headers
type RateLimiter struct {
	mu         sync.RWMutex
	rateLimits map[string]time.Time // category -> disabled until
	logger     *zap.Logger
	now        func() time.Time
}

// NewRateLimiter creates a new rate limiter instance
func NewRateLimiter(logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		rateLimits: make(map[string]time.Time),
		logger:     logger,
		now:        time.Now,
	}
}

// eventCategory maps an event onto its Sentry data category
func eventCategory(event *sentry.Event) string {
	if event.Type == "transaction" || event.Type == "check_in" {
		return event.Type
	}
	return categoryError
}

// IsRateLimited checks if the given category is currently rate limited
func (rl *RateLimiter) IsRateLimited(category string) bool {
	return rl.GetDisabledUntil(category).After(rl.now())
}

// GetDisabledUntil returns the time until which the category is disabled,
// the zero time when it is not.
func (rl *RateLimiter) GetDisabledUntil(category string) time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	disabledUntil := rl.rateLimits[category]
	if global := rl.rateLimits[categoryAll]; global.After(disabledUntil) {
		disabledUntil = global
	}

	if !disabledUntil.After(rl.now()) {
		return time.Time{}
	}
	return disabledUntil
}

// HandleRateLimitHeaders processes Sentry rate limit headers
func (rl *RateLimiter) HandleRateLimitHeaders(headers http.Header) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if rateLimits := headers.Get("X-Sentry-Rate-Limits"); rateLimits != "" {
		rl.parseRateLimitHeader(rateLimits, now)
		return
	}

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		rl.parseRetryAfterHeader(retryAfter, now)
	}
}

// parseRateLimitHeader parses the X-Sentry-Rate-Limits header
// Format: "retry_after:categories:scope:reason_code:namespaces"
func (rl *RateLimiter) parseRateLimitHeader(header string, now time.Time) {
	for _, limit := range strings.Split(header, ",") {
		parts := strings.Split(strings.TrimSpace(limit), ":")
		if len(parts) < 2 {
			continue
		}

		retryAfter := defaultRetryAfter
		if seconds, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err == nil {
			retryAfter = time.Duration(seconds * float64(time.Second))
		} else {
			rl.logger.Warn("Failed to parse retry_after from rate limit header", zap.String("value", parts[0]))
		}
		disabledUntil := now.Add(retryAfter)

		categories := strings.Split(strings.TrimSpace(parts[1]), ";")
		for _, category := range categories {
			category = normalizeCategory(strings.TrimSpace(category))
			if current, ok := rl.rateLimits[category]; ok && current.After(disabledUntil) {
				continue
			}

			rl.rateLimits[category] = disabledUntil
			rl.logger.Warn("Rate limit applied",
				zap.String("category", category),
				zap.Time("disabled_until", disabledUntil))
		}
	}
}

// parseRetryAfterHeader parses the Retry-After header, given either in
// seconds or as an HTTP date
func (rl *RateLimiter) parseRetryAfterHeader(header string, now time.Time) {
	header = strings.TrimSpace(header)

	disabledUntil := now.Add(defaultRetryAfter)
	if seconds, err := strconv.Atoi(header); err == nil {
		disabledUntil = now.Add(time.Duration(seconds) * time.Second)
	} else if date, err := http.ParseTime(header); err == nil && date.After(now) {
		disabledUntil = date
	} else {
		rl.logger.Warn("Failed to parse Retry-After header, using default", zap.String("header", header))
	}

	rl.rateLimits[categoryAll] = disabledUntil
	rl.logger.Warn("Global rate limit applied via Retry-After header",
		zap.Time("disabled_until", disabledUntil))
}

// normalizeCategory converts envelope item types to Sentry data categories
func normalizeCategory(category string) string {
	switch category {
	case "":
		return categoryAll
	case "event":
		return categoryError
	case "log":
		return "log_item"
	default:
		return category
	}
}

// CleanupExpired removes expired rate limits
func (rl *RateLimiter) CleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for category, disabledUntil := range rl.rateLimits {
		if !disabledUntil.After(now) {
			delete(rl.rateLimits, category)
		}
	}
}

// GetStatus returns a copy of the active rate limits
func (rl *RateLimiter) GetStatus() map[string]time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	status := make(map[string]time.Time, len(rl.rateLimits))
	for category, disabledUntil := range rl.rateLimits {
		status[category] = disabledUntil
	}
	return status
}
