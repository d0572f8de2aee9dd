package sentry_gateway

import (
	"bytes"
	"compress/gzip"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

const userAgent = "roadrunner-sentry-gateway/1.0.0"

var jsonConfig = sonic.ConfigStd

// SendError describes why an event could not be delivered
type SendError struct {
	// HTTP status code, 0 when no response was received
	StatusCode int
	Message    string
	RateLimit  bool
	Err        error
}

func (e *SendError) Error() string {
	return e.Message
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Code returns the HTTP status code of the failed delivery
func (e *SendError) Code() int {
	return e.StatusCode
}

// Retryable reports whether the delivery may succeed when repeated
func (e *SendError) Retryable() bool {
	return !e.RateLimit && (e.StatusCode == 0 || e.StatusCode >= 500)
}

// HTTPTransport delivers events to Sentry synchronously. Delivery failures
// are kept per event until the client takes them.
type HTTPTransport struct {
	config      *TransportConfig
	dsn         *DSN
	client      *http.Client
	logger      *zap.Logger
	rateLimiter *RateLimiter
	retry       *RetryPolicy

	mu       sync.Mutex
	failures map[sentry.EventID]error
}

var _ sentry.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a new HTTP transport, an empty DSN yields a
// dry-run transport which only logs events.
func NewHTTPTransport(config *TransportConfig, retry *RetryConfig, dsnStr string, logger *zap.Logger) (*HTTPTransport, error) {
	t := &HTTPTransport{
		config:      config,
		logger:      logger,
		rateLimiter: NewRateLimiter(logger),
		retry:       NewRetryPolicy(retry, logger),
		failures:    make(map[sentry.EventID]error),
	}

	if dsnStr == "" {
		logger.Warn("No DSN configured, events will be logged but not transmitted")
		return t, nil
	}

	dsn, err := ParseDSN(dsnStr)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}
	t.dsn = dsn

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: config.ConnectTimeout,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.SSLVerify != nil && !*config.SSLVerify,
		},
	}

	if config.Proxy != "" {
		proxyURL, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	t.client = &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}

	return t, nil
}

// Configure implements sentry.Transport
func (t *HTTPTransport) Configure(sentry.ClientOptions) {}

// SendEvent implements sentry.Transport
func (t *HTTPTransport) SendEvent(event *sentry.Event) {
	if err := t.deliver(event); err != nil {
		t.mu.Lock()
		t.failures[event.EventID] = err
		t.mu.Unlock()
	}
}

// Flush implements sentry.Transport, delivery is synchronous so there is
// never anything left to flush.
func (t *HTTPTransport) Flush(time.Duration) bool {
	return true
}

// Close closes idle connections
func (t *HTTPTransport) Close() {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
}

// TakeError returns and forgets the delivery failure of the given event
func (t *HTTPTransport) TakeError(id sentry.EventID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err, ok := t.failures[id]
	if !ok {
		return nil
	}
	delete(t.failures, id)
	return err
}

// GetRateLimiter returns the rate limiter
func (t *HTTPTransport) GetRateLimiter() *RateLimiter {
	return t.rateLimiter
}

func (t *HTTPTransport) deliver(event *sentry.Event) error {
	if t.dsn == nil {
		t.logger.Info("Dry-run: would send event",
			zap.String("event_id", string(event.EventID)),
			zap.String("level", string(event.Level)),
			zap.String("message", event.Message))
		return nil
	}

	category := eventCategory(event)
	if t.rateLimiter.IsRateLimited(category) {
		disabledUntil := t.rateLimiter.GetDisabledUntil(category)
		t.logger.Warn("Event rate limited",
			zap.String("event_id", string(event.EventID)),
			zap.String("category", category),
			zap.Time("disabled_until", disabledUntil))

		return &SendError{
			StatusCode: http.StatusTooManyRequests,
			RateLimit:  true,
			Message:    fmt.Sprintf("rate limited until %s", disabledUntil.Format(time.RFC3339)),
		}
	}

	body, err := t.createEnvelope(event)
	if err != nil {
		return &SendError{Message: err.Error(), Err: err}
	}

	for attempt := 1; ; attempt++ {
		err := t.post(event, body)
		if err == nil {
			return nil
		}
		if !t.retry.ShouldRetry(attempt, err) {
			return err
		}

		backoff := t.retry.CalculateBackoff(attempt)
		t.logger.Debug("Retrying event delivery",
			zap.String("event_id", string(event.EventID)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		time.Sleep(backoff)
	}
}

func (t *HTTPTransport) post(event *sentry.Event, body []byte) *SendError {
	req, err := t.createRequest(body)
	if err != nil {
		return &SendError{Message: err.Error(), Err: err}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Error("HTTP request failed",
			zap.String("event_id", string(event.EventID)),
			zap.Error(err))
		return &SendError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.logger.Warn("Failed to read response body",
			zap.String("event_id", string(event.EventID)),
			zap.Error(err))
	}

	t.rateLimiter.HandleRateLimitHeaders(resp.Header)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &SendError{StatusCode: resp.StatusCode, RateLimit: true, Message: "rate limited by server"}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		t.logger.Debug("Event sent successfully",
			zap.String("event_id", string(event.EventID)),
			zap.Int("status_code", resp.StatusCode))
		return nil
	}

	t.logger.Error("Event send failed",
		zap.String("event_id", string(event.EventID)),
		zap.Int("status_code", resp.StatusCode),
		zap.String("response", string(respBody)))

	return &SendError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(respBody)),
	}
}

func (t *HTTPTransport) createRequest(envelope []byte) (*http.Request, error) {
	var body io.Reader = bytes.NewReader(envelope)
	compress := t.config.Compression != nil && *t.config.Compression

	if compress {
		var buf bytes.Buffer
		gzipWriter := gzip.NewWriter(&buf)
		if _, err := gzipWriter.Write(envelope); err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		if err := gzipWriter.Close(); err != nil {
			return nil, fmt.Errorf("failed to close gzip writer: %w", err)
		}
		body = &buf
	}

	req, err := http.NewRequest(http.MethodPost, t.dsn.EnvelopeURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-sentry-envelope")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Sentry-Auth", t.dsn.AuthHeader(time.Now()))
	if compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	return req, nil
}

// createEnvelope encodes the event as a single item Sentry envelope
func (t *HTTPTransport) createEnvelope(event *sentry.Event) ([]byte, error) {
	payload, err := jsonConfig.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}

	header, err := jsonConfig.Marshal(map[string]any{
		"event_id": event.EventID,
		"sent_at":  time.Now().UTC().Format(time.RFC3339Nano),
		"dsn":      t.dsn.String,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope header: %w", err)
	}

	itemType := event.Type
	if itemType == "" {
		itemType = "event"
	}
	itemHeader, err := jsonConfig.Marshal(map[string]any{
		"type":   itemType,
		"length": len(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode item header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(header) + len(itemHeader) + len(payload) + 3)
	buf.Write(header)
	buf.WriteByte('\n')
	buf.Write(itemHeader)
	buf.WriteByte('\n')
	buf.Write(payload)
	buf.WriteByte('\n')

	return buf.Bytes(), nil
}
