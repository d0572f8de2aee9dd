package sentry_gateway

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/getsentry/sentry-go"
)

// EventProcessor rewrites an event before it is sent, returning nil drops it
type EventProcessor func(event *sentry.Event) *sentry.Event

const sanitizedMask = "********"

var (
	sensitiveKeyRegex    = regexp.MustCompile(`(?i)(authorization|password|passwd|secret|password_confirmation|card_number|auth_pw)`)
	creditCardValueRegex = regexp.MustCompile(`^(?:\d[ -]*?){13,16}$`)
)

var processors = map[string]EventProcessor{
	"sanitize":         sanitizeEvent,
	"strip_stacktrace": stripStacktrace,
	"remove_cookies":   removeCookies,
}

// processorChain resolves processor names into a sentry BeforeSend hook
func processorChain(names []string) (func(*sentry.Event, *sentry.EventHint) *sentry.Event, error) {
	if len(names) == 0 {
		return nil, nil
	}

	chain := make([]EventProcessor, 0, len(names))
	for _, name := range names {
		processor, ok := processors[name]
		if !ok {
			return nil, fmt.Errorf("unknown event processor %q", name)
		}
		chain = append(chain, processor)
	}

	return func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
		for _, processor := range chain {
			if event = processor(event); event == nil {
				return nil
			}
		}
		return event
	}, nil
}

// sanitizeEvent masks passwords, secrets and card numbers
func sanitizeEvent(event *sentry.Event) *sentry.Event {
	event.Extra = sanitizeMap(event.Extra)

	for name, values := range event.Contexts {
		event.Contexts[name] = sanitizeMap(values)
	}

	for key, value := range event.Tags {
		if sensitiveKeyRegex.MatchString(key) || creditCardValueRegex.MatchString(value) {
			event.Tags[key] = sanitizedMask
		}
	}

	return event
}

// sanitizeMap returns a sanitized copy, nested maps are shared with the
// configuration and must not be written to.
func sanitizeMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}

	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = sanitizeValue(key, value)
	}
	return out
}

func sanitizeValue(key string, value any) any {
	if sensitiveKeyRegex.MatchString(key) {
		return sanitizedMask
	}

	switch v := value.(type) {
	case string:
		if creditCardValueRegex.MatchString(v) {
			return sanitizedMask
		}
	case map[string]any:
		return sanitizeMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeValue("", item)
		}
		return out
	}

	return value
}

func stripStacktrace(event *sentry.Event) *sentry.Event {
	for i := range event.Exception {
		event.Exception[i].Stacktrace = nil
	}
	for i := range event.Threads {
		event.Threads[i].Stacktrace = nil
	}
	return event
}

// removeCookies drops request cookies and the Cookie header
func removeCookies(event *sentry.Event) *sentry.Event {
	if event.Request == nil {
		return event
	}

	event.Request.Cookies = ""
	for name := range event.Request.Headers {
		if strings.EqualFold(name, "Cookie") {
			delete(event.Request.Headers, name)
		}
	}

	return event
}
