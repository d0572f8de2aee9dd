package sentry_gateway

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/endure/v2/dep"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// Plugin represents the main plugin structure
type Plugin struct {
	config       *Config
	logger       *zap.Logger
	metrics      *metricsCollector
	gateway      *Gateway
	errorHandler *ErrorHandler
	logRoute     *LogRoute

	// Lifecycle
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Configurer interface for config plugin
type Configurer interface {
	UnmarshalKey(name string, out interface{}) error
	Has(name string) bool
}

// Logger interface for logger plugin
type Logger interface {
	NamedLogger(name string) *zap.Logger
}

// Init initializes the plugin
func (p *Plugin) Init(cfg Configurer, log Logger) error {
	const op = errors.Op("sentry_gateway_init")

	if !cfg.Has(PluginName) {
		return errors.E(op, errors.Disabled)
	}

	config := &Config{}
	if err := cfg.UnmarshalKey(PluginName, config); err != nil {
		return errors.E(op, err)
	}

	config.InitDefaults()
	if err := config.Validate(); err != nil {
		return errors.E(op, err)
	}

	if !config.Enabled {
		return errors.E(op, errors.Disabled)
	}

	p.config = config
	p.logger = log.NamedLogger(PluginName)
	p.metrics = newMetricsCollector()

	gateway, err := NewGateway(config, p.logger, withMetrics(p.metrics))
	if err != nil {
		return errors.E(op, err)
	}
	p.gateway = gateway

	p.errorHandler, err = NewErrorHandler(gateway, p.logger.Named("error_handler"), WithMask(*config.ErrorHandler.Mask))
	if err != nil {
		return errors.E(op, err)
	}

	p.logRoute, err = NewLogRoute(gateway, p.logger.Named("log_route"),
		WithLevels(config.LogRoute.Levels...),
		WithCategories(config.LogRoute.Categories...))
	if err != nil {
		return errors.E(op, err)
	}

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.logger.Info("Sentry gateway plugin initialized",
		zap.String("environment", config.Environment),
		zap.Bool("environment_enabled", gateway.EnvironmentEnabled()),
		zap.Bool("dsn_configured", config.DSN != ""),
		zap.Bool("debug", config.Debug))

	return nil
}

// Serve starts the plugin
func (p *Plugin) Serve() chan error {
	errCh := make(chan error, 1)

	if p.config == nil {
		errCh <- errors.E(errors.Op("sentry_gateway_serve"), "plugin not initialized")
		return errCh
	}

	go func() {
		defer close(p.doneCh)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go p.cleanupRoutine(ctx)

		p.logger.Info("Sentry gateway plugin started")

		<-p.stopCh
		p.logger.Info("Sentry gateway plugin stopping")
	}()

	return errCh
}

// Stop captures a pending fatal error, flushes the client and stops the plugin
func (p *Plugin) Stop(ctx context.Context) error {
	if p.stopCh != nil {
		p.stopOnce.Do(func() {
			close(p.stopCh)
		})
	}

	select {
	case <-p.doneCh:
	case <-ctx.Done():
		p.logger.Warn("Plugin stop timed out")
		return ctx.Err()
	}

	// errors are logged by the handler
	_, _ = p.errorHandler.Shutdown()

	if err := p.gateway.Close(ctx); err != nil {
		p.logger.Error("Error closing gateway", zap.Error(err))
		return err
	}

	p.logger.Info("Sentry gateway plugin stopped")
	return nil
}

// Name returns the plugin name
func (p *Plugin) Name() string {
	return PluginName
}

// RPC returns the RPC interface
func (p *Plugin) RPC() interface{} {
	return NewRPC(p, p.logger.Named("rpc"))
}

// Provides returns the dependencies this plugin provides
func (p *Plugin) Provides() []*dep.Out {
	return []*dep.Out{
		dep.Bind((*Reporter)(nil), p.Reporter),
	}
}

// Reporter returns the gateway to other plugins
func (p *Plugin) Reporter() Reporter {
	return p.gateway
}

// ErrorHandler returns the error handler adapter
func (p *Plugin) ErrorHandler() *ErrorHandler {
	return p.errorHandler
}

// LogRoute returns the log route adapter
func (p *Plugin) LogRoute() *LogRoute {
	return p.logRoute
}

// MetricsCollector implements the metrics plugin collector provider
func (p *Plugin) MetricsCollector() []prometheus.Collector {
	return []prometheus.Collector{p.metrics}
}

// GetMetrics returns the current gateway counters
func (p *Plugin) GetMetrics() *GatewayMetrics {
	if p.metrics == nil {
		return &GatewayMetrics{}
	}
	return p.metrics.Snapshot()
}

// cleanupRoutine removes expired rate limits
func (p *Plugin) cleanupRoutine(ctx context.Context) {
	limited, ok := p.gateway.client.(interface{ RateLimiter() *RateLimiter })
	if !ok || limited.RateLimiter() == nil {
		return
	}

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limited.RateLimiter().CleanupExpired()
		}
	}
}
