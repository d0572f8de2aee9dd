package sentry_gateway

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// Sentry limits.
const (
	MaxMessageLength  = 2048
	MaxTagKeyLength   = 32
	MaxTagValueLength = 200
	MaxCulpritLength  = 200
)

// DefaultLoggerName is used when no logger name is configured
const DefaultLoggerName = "generic"

const (
	kindException = "exception"
	kindMessage   = "message"
	kindQuery     = "query"
)

// Reporter is the capture API the gateway exposes to adapters and other plugins
type Reporter interface {
	CaptureException(exception error, opts *CaptureOptions, logger string, ectx *EventContext) (Result, error)
	CaptureMessage(message string, params []any, opts *CaptureOptions, stack bool, ectx *EventContext) (Result, error)
	CaptureQuery(query, level, engine string) (Result, error)
}

// Gateway validates, enriches and gates events before handing them to the
// reporting client. It is immutable after construction and safe for
// concurrent use as long as the reporting client is.
type Gateway struct {
	environment string
	enabled     bool
	debug       bool
	extra       map[string]any
	options     ClientOptions

	client  ReportingClient
	log     *zap.Logger
	metrics *metricsCollector
}

var _ Reporter = (*Gateway)(nil)

// GatewayOption customizes gateway construction
type GatewayOption func(*gatewayOptions)

type gatewayOptions struct {
	factory ClientFactory
	client  ReportingClient
	metrics *metricsCollector
}

// WithClientFactory overrides how the reporting client is built
func WithClientFactory(factory ClientFactory) GatewayOption {
	return func(o *gatewayOptions) {
		o.factory = factory
	}
}

// WithClient uses an already constructed reporting client
func WithClient(client ReportingClient) GatewayOption {
	return func(o *gatewayOptions) {
		o.client = client
	}
}

func withMetrics(metrics *metricsCollector) GatewayOption {
	return func(o *gatewayOptions) {
		o.metrics = metrics
	}
}

// NewGateway builds the gateway and its single reporting client. cfg is
// expected to have defaults applied.
func NewGateway(cfg *Config, log *zap.Logger, opts ...GatewayOption) (*Gateway, error) {
	const op = errors.Op("sentry_gateway_init")

	o := &gatewayOptions{factory: NewSentryClient}
	for _, fn := range opts {
		fn(o)
	}
	if o.metrics == nil {
		o.metrics = newMetricsCollector()
	}
	if log == nil {
		log = zap.NewNop()
	}

	g := &Gateway{
		environment: cfg.Environment,
		enabled:     cfg.IsEnvironmentEnabled(),
		debug:       cfg.Debug,
		extra:       cloneExtra(cfg.ExtraVariables),
		options:     deriveOptions(cfg),
		log:         log,
		metrics:     o.metrics,
	}

	if err := checkTags(op, KindConfiguration, g.options.Tags); err != nil {
		return nil, err
	}

	if o.client != nil {
		g.client = o.client
		return g, nil
	}

	derived := *cfg
	derived.Options = g.options
	client, err := o.factory(&derived, log)
	if err != nil {
		return nil, g.redact(op, "failed to create client", KindConfiguration, err)
	}
	g.client = client

	return g, nil
}

// deriveOptions overlays configured client options on top of the gateway defaults
func deriveOptions(cfg *Config) ClientOptions {
	options := cfg.Options
	options.Exclude = slices.Clone(cfg.Options.Exclude)
	options.Processors = slices.Clone(cfg.Options.Processors)
	if options.Logger == "" {
		options.Logger = DefaultLoggerName
	}

	options.Tags = map[string]string{
		"environment": cfg.Environment,
		"go_version":  runtime.Version(),
	}
	maps.Copy(options.Tags, cfg.Options.Tags)

	return options
}

// CaptureException logs an exception to Sentry
func (g *Gateway) CaptureException(exception error, opts *CaptureOptions, logger string, ectx *EventContext) (Result, error) {
	const op = errors.Op("sentry_gateway_capture_exception")

	if !g.enabled {
		g.metrics.IncSuppressedEvents(kindException)
		return NotCaptured, nil
	}

	if exception == nil {
		g.metrics.IncRejectedEvents(kindException)
		return NotCaptured, validationError(op, "cannot capture a nil exception")
	}

	options, err := g.processOptions(op, opts, ectx)
	if err != nil {
		g.metrics.IncRejectedEvents(kindException)
		return NotCaptured, err
	}

	eventID, err := g.client.CaptureException(exception, options, logger, ectx)
	return g.finish(op, kindException, eventID, err)
}

// CaptureMessage logs a message to Sentry. Messages longer than
// MaxMessageLength are rejected whether or not the environment is enabled.
func (g *Gateway) CaptureMessage(message string, params []any, opts *CaptureOptions, stack bool, ectx *EventContext) (Result, error) {
	const op = errors.Op("sentry_gateway_capture_message")

	if len(message) > MaxMessageLength {
		g.metrics.IncRejectedEvents(kindMessage)
		return NotCaptured, validationError(op, "cannot send messages that contain more than %d characters", MaxMessageLength)
	}

	if !g.enabled {
		g.metrics.IncSuppressedEvents(kindMessage)
		return NotCaptured, nil
	}

	options, err := g.processOptions(op, opts, ectx)
	if err != nil {
		g.metrics.IncRejectedEvents(kindMessage)
		return NotCaptured, err
	}

	eventID, err := g.client.CaptureMessage(message, params, options, stack, ectx)
	return g.finish(op, kindMessage, eventID, err)
}

// CaptureQuery logs a query to Sentry
func (g *Gateway) CaptureQuery(query, level, engine string) (Result, error) {
	const op = errors.Op("sentry_gateway_capture_query")

	if !g.enabled {
		g.metrics.IncSuppressedEvents(kindQuery)
		return NotCaptured, nil
	}

	if level == "" {
		level = LevelInfo
	}

	eventID, err := g.client.CaptureQuery(query, level, engine)
	return g.finish(op, kindQuery, eventID, err)
}

// Environment returns the active environment name
func (g *Gateway) Environment() string {
	return g.environment
}

// EnvironmentEnabled reports whether events are sent in the active environment
func (g *Gateway) EnvironmentEnabled() bool {
	return g.enabled
}

// Options returns the derived client options
func (g *Gateway) Options() ClientOptions {
	return g.options
}

// Close flushes buffered events and releases the reporting client
func (g *Gateway) Close(ctx context.Context) error {
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	flushed := g.client.Flush(timeout)
	g.client.Close()

	if !flushed {
		g.log.Warn("Not all events were flushed before close", zap.Duration("timeout", timeout))
		return fmt.Errorf("sentry gateway: flush timed out after %s", timeout)
	}
	return nil
}

// processOptions validates per-call input and merges the configured extra
// variables with the per-call ones, per-call values win.
func (g *Gateway) processOptions(op errors.Op, opts *CaptureOptions, ectx *EventContext) (CaptureOptions, error) {
	var options CaptureOptions
	if opts != nil {
		options = *opts
	}

	if len(options.Culprit) > MaxCulpritLength {
		return options, validationError(op, "cannot send culprits that contain more than %d characters", MaxCulpritLength)
	}

	if ectx != nil {
		if err := checkTags(op, KindValidation, ectx.Tags); err != nil {
			return options, err
		}
	}

	options.Extra = mergeExtra(g.extra, options.Extra)
	return options, nil
}

func (g *Gateway) finish(op errors.Op, kind string, eventID string, err error) (Result, error) {
	if err != nil {
		g.metrics.IncFailedEvents(kind)
		return NotCaptured, g.redact(op, "failed to log "+kind, KindTransmission, err)
	}

	if eventID == "" {
		g.metrics.IncDroppedEvents(kind)
		g.log.Debug("Event dropped by reporting client", zap.String("kind", kind))
		return NotCaptured, nil
	}

	g.metrics.IncCapturedEvents(kind)
	g.log.Info(fmt.Sprintf("%s logged to Sentry with event id: %s", kind, eventID),
		zap.String("event_id", eventID),
		zap.String("kind", kind))

	return captured(eventID), nil
}

// redact writes the underlying failure to the diagnostic log and returns
// an error which carries its detail only in debug mode.
func (g *Gateway) redact(op errors.Op, message string, kind Kind, cause error) error {
	code := ErrorCode(cause)

	g.log.Error(cause.Error(),
		zap.String("op", string(op)),
		zap.Int("code", code))

	e := &Error{Op: op, Kind: kind, Code: code, Message: message}
	if g.debug {
		e.Message = message + ": " + cause.Error()
		e.Err = cause
	}
	return e
}

func checkTags(op errors.Op, kind Kind, tags map[string]string) error {
	for key, value := range tags {
		if len(key) > MaxTagKeyLength {
			return &Error{Op: op, Kind: kind, Message: fmt.Sprintf(
				"tag keys may not contain more than %d characters: %q", MaxTagKeyLength, key)}
		}
		if len(value) > MaxTagValueLength {
			return &Error{Op: op, Kind: kind, Message: fmt.Sprintf(
				"tag values may not contain more than %d characters: tag %q", MaxTagValueLength, key)}
		}
	}
	return nil
}

// mergeExtra returns a new map holding base overlaid with override. Nested
// maps are merged recursively; neither input is modified.
func mergeExtra(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	maps.Copy(out, base)

	for key, value := range override {
		if baseMap, ok := out[key].(map[string]any); ok {
			if overrideMap, ok := value.(map[string]any); ok {
				out[key] = mergeExtra(baseMap, overrideMap)
				continue
			}
		}
		out[key] = value
	}

	return out
}

func cloneExtra(extra map[string]any) map[string]any {
	out := make(map[string]any, len(extra))
	for key, value := range extra {
		if nested, ok := value.(map[string]any); ok {
			value = cloneExtra(nested)
		}
		out[key] = value
	}
	return out
}
