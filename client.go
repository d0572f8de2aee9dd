package sentry_gateway

import (
	stderrors "errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Event levels understood by the gateway.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelFatal   = "fatal"
)

const maxErrorDepth = 10

// ReportingClient serializes events and transmits them to Sentry. An empty
// event id with a nil error means the client dropped the event.
type ReportingClient interface {
	CaptureException(exception error, opts CaptureOptions, logger string, ectx *EventContext) (string, error)
	CaptureMessage(message string, params []any, opts CaptureOptions, stack bool, ectx *EventContext) (string, error)
	CaptureQuery(query, level, engine string) (string, error)
	Flush(timeout time.Duration) bool
	Close()
}

// ClientFactory builds the reporting client from a configuration whose
// Options already hold the gateway defaults.
type ClientFactory func(cfg *Config, log *zap.Logger) (ReportingClient, error)

// eventTransport is a synchronous transport which remembers why an event
// could not be delivered.
type eventTransport interface {
	sentry.Transport
	TakeError(id sentry.EventID) error
	Close()
}

// stackTracer is implemented by errors which know where they happened
type stackTracer interface {
	Stacktrace() *sentry.Stacktrace
}

// SentryClient is the ReportingClient backed by sentry-go
type SentryClient struct {
	client    *sentry.Client
	transport eventTransport
	options   ClientOptions
	exclude   map[string]struct{}
	log       *zap.Logger
}

var _ ReportingClient = (*SentryClient)(nil)

// package path used to drop the gateway's own frames from stack traces
var gatewayModule = reflect.TypeOf(Gateway{}).PkgPath()

// NewSentryClient builds a sentry-go client delivering through HTTPTransport
func NewSentryClient(cfg *Config, log *zap.Logger) (ReportingClient, error) {
	transport, err := NewHTTPTransport(&cfg.Transport, &cfg.Retry, cfg.DSN, log.Named("transport"))
	if err != nil {
		return nil, err
	}

	return newSentryClient(cfg, transport, log)
}

func newSentryClient(cfg *Config, transport eventTransport, log *zap.Logger) (*SentryClient, error) {
	names := slices.Clone(cfg.Options.Processors)
	if !cfg.Options.SendStackTrace() {
		names = append(names, "strip_stacktrace")
	}
	beforeSend, err := processorChain(names)
	if err != nil {
		return nil, err
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Debug:       cfg.Debug,
		ServerName:  cfg.Options.ServerName,
		Environment: cfg.Environment,
		Transport:   transport,
		BeforeSend:  beforeSend,
	})
	if err != nil {
		return nil, err
	}

	exclude := make(map[string]struct{}, len(cfg.Options.Exclude))
	for _, name := range cfg.Options.Exclude {
		exclude[name] = struct{}{}
	}

	return &SentryClient{
		client:    client,
		transport: transport,
		options:   cfg.Options,
		exclude:   exclude,
		log:       log,
	}, nil
}

func (c *SentryClient) CaptureException(exception error, opts CaptureOptions, logger string, ectx *EventContext) (string, error) {
	if name, ok := c.excluded(exception); ok {
		c.log.Debug("Exception type is excluded", zap.String("type", name))
		return "", nil
	}

	event := c.newEvent(opts, logger, ectx, LevelError)
	event.Message = exception.Error()
	event.Exception = c.exceptions(exception)

	return c.capture(event, &sentry.EventHint{OriginalException: exception})
}

func (c *SentryClient) CaptureMessage(message string, params []any, opts CaptureOptions, stack bool, ectx *EventContext) (string, error) {
	event := c.newEvent(opts, "", ectx, LevelInfo)
	event.Message = message
	if len(params) > 0 {
		event.Message = fmt.Sprintf(message, params...)
		// group formatted messages by their template
		event.Fingerprint = []string{message}
	}

	if stack || c.options.AutoLogStacks {
		event.Threads = []sentry.Thread{{
			Stacktrace: c.shift(sentry.NewStacktrace()),
			Current:    true,
		}}
	}

	return c.capture(event, &sentry.EventHint{})
}

func (c *SentryClient) CaptureQuery(query, level, engine string) (string, error) {
	event := c.newEvent(CaptureOptions{Level: level}, "", nil, LevelInfo)
	event.Message = query
	event.Contexts["query"] = sentry.Context{
		"query":  query,
		"engine": engine,
	}

	return c.capture(event, &sentry.EventHint{})
}

func (c *SentryClient) Flush(timeout time.Duration) bool {
	return c.client.Flush(timeout)
}

func (c *SentryClient) Close() {
	c.transport.Close()
}

// RateLimiter returns the rate limiter of the HTTP transport, nil for other transports
func (c *SentryClient) RateLimiter() *RateLimiter {
	if t, ok := c.transport.(*HTTPTransport); ok {
		return t.GetRateLimiter()
	}
	return nil
}

func (c *SentryClient) capture(event *sentry.Event, hint *sentry.EventHint) (string, error) {
	id := c.client.CaptureEvent(event, hint, sentry.NewScope())
	if id == nil {
		return "", nil
	}

	if err := c.transport.TakeError(*id); err != nil {
		return "", err
	}

	return string(*id), nil
}

func (c *SentryClient) newEvent(opts CaptureOptions, logger string, ectx *EventContext, level string) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = eventLevel(level)
	if opts.Level != "" {
		event.Level = eventLevel(opts.Level)
	}

	event.Logger = c.options.Logger
	if logger != "" {
		event.Logger = logger
	}

	event.Transaction = opts.Culprit

	event.Tags = make(map[string]string, len(c.options.Tags)+1)
	maps.Copy(event.Tags, c.options.Tags)
	if c.options.Site != "" {
		event.Tags["site"] = c.options.Site
	}

	event.Extra = make(map[string]any, len(opts.Extra))
	maps.Copy(event.Extra, opts.Extra)

	if ectx != nil {
		maps.Copy(event.Tags, ectx.Tags)
		for name, values := range ectx.Contexts {
			event.Contexts[name] = sentry.Context(values)
		}
		if len(ectx.User) > 0 {
			event.User = sentry.User{
				ID:        ectx.User["id"],
				Email:     ectx.User["email"],
				Username:  ectx.User["username"],
				IPAddress: ectx.User["ip_address"],
			}
		}
	}

	return event
}

// exceptions converts an error chain into Sentry exceptions, the outermost
// error last.
func (c *SentryClient) exceptions(err error) []sentry.Exception {
	var chain []sentry.Exception

	for depth := 0; err != nil && depth < maxErrorDepth; depth++ {
		exception := sentry.Exception{
			Type:  typeName(err),
			Value: err.Error(),
		}

		if tracer, ok := err.(stackTracer); ok {
			exception.Stacktrace = tracer.Stacktrace()
		} else if depth == 0 {
			exception.Stacktrace = sentry.ExtractStacktrace(err)
			if exception.Stacktrace == nil {
				exception.Stacktrace = c.shift(sentry.NewStacktrace())
			}
		}

		chain = append(chain, exception)
		err = stderrors.Unwrap(err)
	}

	// Sentry expects the innermost error first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	return chain
}

// shift drops the trailing frames belonging to the gateway itself
func (c *SentryClient) shift(stacktrace *sentry.Stacktrace) *sentry.Stacktrace {
	if stacktrace == nil || !c.options.ShiftVars {
		return stacktrace
	}

	frames := stacktrace.Frames
	for len(frames) > 0 && strings.HasPrefix(frames[len(frames)-1].Module, gatewayModule) {
		frames = frames[:len(frames)-1]
	}
	stacktrace.Frames = frames

	return stacktrace
}

// excluded walks the error chain looking for a type listed in Exclude
func (c *SentryClient) excluded(err error) (string, bool) {
	if len(c.exclude) == 0 {
		return "", false
	}

	for ; err != nil; err = stderrors.Unwrap(err) {
		name := typeName(err)
		short := name[strings.LastIndex(name, ".")+1:]
		for _, candidate := range []string{name, strings.TrimPrefix(name, "*"), short} {
			if _, ok := c.exclude[candidate]; ok {
				return name, true
			}
		}
	}

	return "", false
}

func typeName(err error) string {
	if named, ok := err.(interface{ TypeName() string }); ok {
		return named.TypeName()
	}
	return reflect.TypeOf(err).String()
}

func eventLevel(level string) sentry.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return sentry.LevelDebug
	case "warning", "warn":
		return sentry.LevelWarning
	case "error":
		return sentry.LevelError
	case "fatal", "critical", "alert", "emergency", "panic", "dpanic":
		return sentry.LevelFatal
	default:
		return sentry.LevelInfo
	}
}
