package sentry_gateway

import (
	"math"
	"strings"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// LogTimeLayout is the layout of the log_time extra variable
const LogTimeLayout = "2006-01-02 15:04:05"

// MessageCapturer is the part of the gateway the log route needs
type MessageCapturer interface {
	CaptureMessage(message string, params []any, opts *CaptureOptions, stack bool, ectx *EventContext) (Result, error)
}

// LogRoute sends flushed log entries to Sentry as messages
type LogRoute struct {
	capturer   MessageCapturer
	log        *zap.Logger
	levels     map[string]struct{}
	categories []string
}

// LogRouteOption customizes the log route
type LogRouteOption func(*LogRoute)

// WithLevels limits the route to the given levels
func WithLevels(levels ...string) LogRouteOption {
	return func(r *LogRoute) {
		for _, level := range levels {
			r.levels[strings.ToLower(strings.TrimSpace(level))] = struct{}{}
		}
	}
}

// WithCategories limits the route to the given categories. A category
// ending with "*" matches every category with that prefix.
func WithCategories(categories ...string) LogRouteOption {
	return func(r *LogRoute) {
		for _, category := range categories {
			r.categories = append(r.categories, strings.TrimSpace(category))
		}
	}
}

// NewLogRoute creates a log route reporting to capturer
func NewLogRoute(capturer MessageCapturer, log *zap.Logger, opts ...LogRouteOption) (*LogRoute, error) {
	const op = errors.Op("sentry_log_route_init")

	if capturer == nil {
		return nil, referenceError(op, "log route")
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &LogRoute{
		capturer: capturer,
		log:      log,
		levels:   make(map[string]struct{}),
	}
	for _, fn := range opts {
		fn(r)
	}

	return r, nil
}

// Process captures the entries in order. A failing entry is logged and
// does not stop the rest of the batch.
func (r *LogRoute) Process(entries []LogEntry) []EntryResult {
	results := make([]EntryResult, len(entries))

	for i, entry := range entries {
		if !r.accepts(entry) {
			results[i] = EntryResult{Skipped: true}
			continue
		}

		result, err := r.capturer.CaptureMessage(entry.Message, nil, &CaptureOptions{
			Level: entry.Level,
			Extra: map[string]any{
				"message":  entry.Message,
				"level":    entry.Level,
				"category": entry.Category,
				"log_time": FormatLogTime(entry.Timestamp),
			},
		}, false, nil)

		if err != nil {
			r.log.Error("Failed to capture log entry",
				zap.Int("index", i),
				zap.String("level", entry.Level),
				zap.String("category", entry.Category),
				zap.Error(err))
		}

		results[i] = EntryResult{Result: result, Err: err}
	}

	return results
}

func (r *LogRoute) accepts(entry LogEntry) bool {
	if len(r.levels) > 0 {
		if _, ok := r.levels[strings.ToLower(entry.Level)]; !ok {
			return false
		}
	}

	if len(r.categories) == 0 {
		return true
	}

	for _, category := range r.categories {
		if prefix, ok := strings.CutSuffix(category, "*"); ok {
			if strings.HasPrefix(entry.Category, prefix) {
				return true
			}
		} else if category == entry.Category {
			return true
		}
	}

	return false
}

// FormatLogTime formats a Unix timestamp in seconds as local time,
// dropping the fractional part.
func FormatLogTime(timestamp float64) string {
	return time.Unix(int64(math.Floor(timestamp)), 0).Local().Format(LogTimeLayout)
}
