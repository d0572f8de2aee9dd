package sentry_gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) CaptureException(exception error, opts CaptureOptions, logger string, ectx *EventContext) (string, error) {
	args := m.Called(exception, opts, logger, ectx)
	return args.String(0), args.Error(1)
}

func (m *MockClient) CaptureMessage(message string, params []any, opts CaptureOptions, stack bool, ectx *EventContext) (string, error) {
	args := m.Called(message, params, opts, stack, ectx)
	return args.String(0), args.Error(1)
}

func (m *MockClient) CaptureQuery(query, level, engine string) (string, error) {
	args := m.Called(query, level, engine)
	return args.String(0), args.Error(1)
}

func (m *MockClient) Flush(timeout time.Duration) bool {
	args := m.Called(timeout)
	return args.Bool(0)
}

func (m *MockClient) Close() {
	m.Called()
}

func testConfig(environment string) *Config {
	cfg := &Config{Enabled: true, Environment: environment}
	cfg.InitDefaults()
	return cfg
}

func newTestGateway(t *testing.T, cfg *Config, client ReportingClient) (*Gateway, *observer.ObservedLogs) {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	g, err := NewGateway(cfg, zap.New(core), WithClient(client))
	require.NoError(t, err)

	return g, logs
}

func TestGateway_CaptureMessage(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		client := new(MockClient)
		g, logs := newTestGateway(t, testConfig("production"), client)

		client.On("CaptureMessage", "disk full", []any(nil), mock.Anything, false, (*EventContext)(nil)).
			Return("abc123", nil)

		result, err := g.CaptureMessage("disk full", nil, nil, false, nil)

		require.NoError(t, err)
		assert.True(t, result.Captured)
		assert.Equal(t, "abc123", result.EventID)

		info := logs.FilterLevelExact(zapcore.InfoLevel)
		require.Equal(t, 1, info.Len())
		assert.Equal(t, "message logged to Sentry with event id: abc123", info.All()[0].Message)
		client.AssertExpectations(t)
	})

	t.Run("Too long", func(t *testing.T) {
		message := strings.Repeat("x", MaxMessageLength+1)

		for _, env := range []string{"production", "dev"} {
			client := new(MockClient)
			g, _ := newTestGateway(t, testConfig(env), client)

			result, err := g.CaptureMessage(message, nil, nil, false, nil)

			require.Error(t, err)
			assert.True(t, IsKind(err, KindValidation), env)
			assert.Equal(t, NotCaptured, result)
			client.AssertNotCalled(t, "CaptureMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		}
	})

	t.Run("Length counts bytes", func(t *testing.T) {
		client := new(MockClient)
		g, _ := newTestGateway(t, testConfig("production"), client)

		ascii := strings.Repeat("a", MaxMessageLength)
		client.On("CaptureMessage", ascii, mock.Anything, mock.Anything, false, mock.Anything).Return("id", nil)

		_, err := g.CaptureMessage(ascii, nil, nil, false, nil)
		require.NoError(t, err)

		_, err = g.CaptureMessage(strings.Repeat("é", MaxMessageLength/2+1), nil, nil, false, nil)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindValidation))
		client.AssertNumberOfCalls(t, "CaptureMessage", 1)
	})

	t.Run("Culprit too long", func(t *testing.T) {
		client := new(MockClient)
		g, _ := newTestGateway(t, testConfig("production"), client)

		_, err := g.CaptureMessage("hello", nil, &CaptureOptions{Culprit: strings.Repeat("c", MaxCulpritLength+1)}, false, nil)

		assert.True(t, IsKind(err, KindValidation))
		client.AssertNotCalled(t, "CaptureMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Per-call tag too long", func(t *testing.T) {
		client := new(MockClient)
		g, _ := newTestGateway(t, testConfig("production"), client)

		ectx := &EventContext{Tags: map[string]string{strings.Repeat("k", MaxTagKeyLength+1): "v"}}
		_, err := g.CaptureMessage("hello", nil, nil, false, ectx)

		assert.True(t, IsKind(err, KindValidation))
	})

	t.Run("Dropped by client", func(t *testing.T) {
		client := new(MockClient)
		g, logs := newTestGateway(t, testConfig("production"), client)

		client.On("CaptureMessage", "hello", mock.Anything, mock.Anything, false, mock.Anything).Return("", nil)

		result, err := g.CaptureMessage("hello", nil, nil, false, nil)

		require.NoError(t, err)
		assert.Equal(t, NotCaptured, result)
		assert.Equal(t, 0, logs.FilterLevelExact(zapcore.InfoLevel).Len())
		assert.Equal(t, uint64(1), g.metrics.Snapshot().EventsDropped)
	})
}

func TestGateway_EnvironmentGating(t *testing.T) {
	client := new(MockClient)
	g, logs := newTestGateway(t, testConfig("dev"), client)

	result, err := g.CaptureException(errors.New("boom"), nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, NotCaptured, result)

	result, err = g.CaptureMessage("hello", nil, nil, false, nil)
	require.NoError(t, err)
	assert.Equal(t, NotCaptured, result)

	result, err = g.CaptureQuery("SELECT 1", "", "")
	require.NoError(t, err)
	assert.Equal(t, NotCaptured, result)

	assert.False(t, g.EnvironmentEnabled())
	assert.Empty(t, client.Calls)
	assert.Equal(t, 0, logs.Len())
	assert.Equal(t, uint64(3), g.metrics.Snapshot().EventsSuppressed)
}

func TestGateway_CaptureException(t *testing.T) {
	t.Run("Merges extra variables", func(t *testing.T) {
		cfg := testConfig("production")
		cfg.ExtraVariables = map[string]any{"a": 1, "b": 2}

		client := new(MockClient)
		g, _ := newTestGateway(t, cfg, client)

		boom := errors.New("boom")
		expected := CaptureOptions{Culprit: "App::run", Extra: map[string]any{"a": 1, "b": 3, "c": 4}}
		client.On("CaptureException", boom, expected, "app", (*EventContext)(nil)).Return("id-1", nil)

		result, err := g.CaptureException(boom, &CaptureOptions{
			Culprit: "App::run",
			Extra:   map[string]any{"b": 3, "c": 4},
		}, "app", nil)

		require.NoError(t, err)
		assert.Equal(t, "id-1", result.EventID)
		assert.Equal(t, map[string]any{"a": 1, "b": 2}, g.extra)
		client.AssertExpectations(t)
	})

	t.Run("Nil exception", func(t *testing.T) {
		client := new(MockClient)
		g, _ := newTestGateway(t, testConfig("production"), client)

		_, err := g.CaptureException(nil, nil, "", nil)

		assert.True(t, IsKind(err, KindValidation))
		assert.Empty(t, client.Calls)
	})
}

func TestGateway_CaptureQuery(t *testing.T) {
	t.Run("Default level", func(t *testing.T) {
		client := new(MockClient)
		g, _ := newTestGateway(t, testConfig("production"), client)

		client.On("CaptureQuery", "SELECT 1", LevelInfo, "mysql").Return("q-1", nil)

		result, err := g.CaptureQuery("SELECT 1", "", "mysql")

		require.NoError(t, err)
		assert.Equal(t, "q-1", result.EventID)
		client.AssertExpectations(t)
	})

	t.Run("Failure is redacted", func(t *testing.T) {
		client := new(MockClient)
		g, logs := newTestGateway(t, testConfig("production"), client)

		client.On("CaptureQuery", "SELECT 1", LevelInfo, "").
			Return("", &SendError{StatusCode: 503, Message: "connection reset"})

		result, err := g.CaptureQuery("SELECT 1", "", "")

		require.Error(t, err)
		assert.Equal(t, NotCaptured, result)
		assert.Equal(t, "failed to log query", err.Error())
		assert.True(t, IsKind(err, KindTransmission))
		assert.Equal(t, 503, ErrorCode(err))
		assert.Nil(t, errors.Unwrap(err))

		sink := logs.FilterMessage("connection reset")
		require.Equal(t, 1, sink.Len())
		assert.Equal(t, zapcore.ErrorLevel, sink.All()[0].Level)
	})

	t.Run("Failure in debug mode", func(t *testing.T) {
		cfg := testConfig("production")
		cfg.Debug = true

		client := new(MockClient)
		g, _ := newTestGateway(t, cfg, client)

		cause := &SendError{StatusCode: 503, Message: "connection reset"}
		client.On("CaptureQuery", "SELECT 1", LevelInfo, "").Return("", cause)

		_, err := g.CaptureQuery("SELECT 1", "", "")

		require.Error(t, err)
		assert.Equal(t, "failed to log query: connection reset", err.Error())
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 503, ErrorCode(err))
	})
}

func TestNewGateway(t *testing.T) {
	t.Run("Tag key too long", func(t *testing.T) {
		cfg := testConfig("production")
		cfg.Options.Tags = map[string]string{strings.Repeat("k", MaxTagKeyLength+1): "v"}

		_, err := NewGateway(cfg, nil, WithClient(new(MockClient)))

		assert.True(t, IsKind(err, KindConfiguration))
	})

	t.Run("Tag value too long", func(t *testing.T) {
		cfg := testConfig("production")
		cfg.Options.Tags = map[string]string{"release": strings.Repeat("v", MaxTagValueLength+1)}

		_, err := NewGateway(cfg, nil, WithClient(new(MockClient)))

		assert.True(t, IsKind(err, KindConfiguration))
	})

	t.Run("Derived options", func(t *testing.T) {
		cfg := testConfig("production")
		cfg.Options.Tags = map[string]string{"environment": "custom", "release": "1.2.3"}

		var received *Config
		g, err := NewGateway(cfg, nil, WithClientFactory(func(cfg *Config, _ *zap.Logger) (ReportingClient, error) {
			received = cfg
			return new(MockClient), nil
		}))

		require.NoError(t, err)
		require.NotNil(t, received)
		assert.Equal(t, "custom", g.Options().Tags["environment"])
		assert.Equal(t, "1.2.3", g.Options().Tags["release"])
		assert.Contains(t, g.Options().Tags, "go_version")
		assert.Equal(t, DefaultLoggerName, received.Options.Logger)
		assert.Equal(t, g.Options().Tags, received.Options.Tags)
	})

	t.Run("Factory failure", func(t *testing.T) {
		_, err := NewGateway(testConfig("production"), nil, WithClientFactory(func(*Config, *zap.Logger) (ReportingClient, error) {
			return nil, errors.New("bad dsn")
		}))

		assert.True(t, IsKind(err, KindConfiguration))
		assert.Equal(t, "failed to create client", err.Error())
	})
}

func TestGateway_Close(t *testing.T) {
	client := new(MockClient)
	g, _ := newTestGateway(t, testConfig("production"), client)

	client.On("Flush", mock.Anything).Return(true)
	client.On("Close").Return()

	assert.NoError(t, g.Close(context.Background()))
	client.AssertExpectations(t)
}

func TestGateway_ConcurrentCapture(t *testing.T) {
	cfg := testConfig("production")
	cfg.ExtraVariables = map[string]any{"shared": map[string]any{"a": 1}}

	client := new(MockClient)
	g, _ := newTestGateway(t, cfg, client)

	client.On("CaptureMessage", mock.Anything, mock.Anything, mock.Anything, false, mock.Anything).Return("id", nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.CaptureMessage(fmt.Sprintf("message %d", i), nil, &CaptureOptions{
				Extra: map[string]any{"shared": map[string]any{"b": i}},
			}, false, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(50), g.metrics.Snapshot().EventsCaptured)
	assert.Equal(t, map[string]any{"shared": map[string]any{"a": 1}}, g.extra)
}

func TestMergeExtra(t *testing.T) {
	base := map[string]any{"a": 1, "b": 2}
	override := map[string]any{"b": 3, "c": 4}

	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, mergeExtra(base, override))
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, base)

	nested := mergeExtra(
		map[string]any{"user": map[string]any{"id": 1, "name": "a"}},
		map[string]any{"user": map[string]any{"name": "b"}},
	)
	assert.Equal(t, map[string]any{"user": map[string]any{"id": 1, "name": "b"}}, nested)
}
