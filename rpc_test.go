package sentry_gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRPC(t *testing.T, client *MockClient) *RPC {
	t.Helper()

	g, _ := newTestGateway(t, testConfig("production"), client)

	handler, err := NewErrorHandler(g, nil)
	require.NoError(t, err)
	route, err := NewLogRoute(g, nil, WithLevels("error"))
	require.NoError(t, err)

	p := &Plugin{gateway: g, errorHandler: handler, logRoute: route, logger: zap.NewNop()}
	return NewRPC(p, zap.NewNop())
}

func TestRPC_CaptureMessage(t *testing.T) {
	client := new(MockClient)
	rpc := newTestRPC(t, client)

	client.On("CaptureMessage", "user %d signed up", []any{float64(5)}, mock.Anything, true, mock.Anything).Return("evt", nil)

	var resp CaptureResponse
	require.NoError(t, rpc.CaptureMessage(&MessageRequest{Message: "user %d signed up", Params: []any{float64(5)}, Stack: true}, &resp))

	assert.Equal(t, CaptureResponse{Captured: true, EventID: "evt"}, resp)
}

func TestRPC_CaptureException(t *testing.T) {
	client := new(MockClient)
	rpc := newTestRPC(t, client)

	client.On("CaptureException", mock.MatchedBy(func(err error) bool {
		return typeName(err) == "InvalidArgumentException"
	}), mock.Anything, "app", mock.Anything).Return("evt", nil)

	var resp CaptureResponse
	err := rpc.CaptureException(&ExceptionRequest{
		Exception: RemoteException{Class: "InvalidArgumentException", Message: "bad id"},
		Logger:    "app",
	}, &resp)

	require.NoError(t, err)
	assert.True(t, resp.Captured)
	client.AssertExpectations(t)
}

func TestRPC_CaptureQuery_Failure(t *testing.T) {
	client := new(MockClient)
	rpc := newTestRPC(t, client)

	client.On("CaptureQuery", "SELECT 1", LevelInfo, "").Return("", &SendError{Message: "connection reset"})

	var resp CaptureResponse
	require.NoError(t, rpc.CaptureQuery(&QueryRequest{Query: "SELECT 1"}, &resp))

	assert.False(t, resp.Captured)
	assert.Equal(t, "failed to log query", resp.Error)
}

func TestRPC_HandleError(t *testing.T) {
	client := new(MockClient)
	rpc := newTestRPC(t, client)

	client.On("CaptureException", mock.Anything, mock.Anything, "", mock.Anything).Return("evt", nil)

	var resp CaptureResponse
	require.NoError(t, rpc.HandleError(&NormalizedError{Message: "Division by zero", Severity: SeverityWarning, File: "/a.php", Line: 1}, &resp))

	assert.Equal(t, "evt", resp.EventID)
	assert.Nil(t, rpc.plugin.errorHandler.LastError())
}

func TestRPC_Shutdown(t *testing.T) {
	client := new(MockClient)
	rpc := newTestRPC(t, client)

	client.On("CaptureException", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("fatal", nil)

	var resp CaptureResponse
	require.NoError(t, rpc.Shutdown(&NormalizedError{}, &resp))
	assert.False(t, resp.Captured)

	require.NoError(t, rpc.Shutdown(&NormalizedError{Message: "Notice", Severity: SeverityNotice}, &resp))
	assert.False(t, resp.Captured)

	for i := 0; i < 2; i++ {
		require.NoError(t, rpc.Shutdown(&NormalizedError{Message: "Out of memory", Severity: SeverityError}, &resp))
		assert.Equal(t, "fatal", resp.EventID)
	}

	client.AssertNumberOfCalls(t, "CaptureException", 2)
}

func TestRPC_Shutdown_NotReportedAgainOnStop(t *testing.T) {
	client := new(MockClient)
	rpc := newTestRPC(t, client)

	client.On("CaptureException", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("fatal", nil)

	var resp CaptureResponse
	require.NoError(t, rpc.Shutdown(&NormalizedError{Message: "Out of memory", Severity: SeverityError}, &resp))
	assert.True(t, resp.Captured)

	result, err := rpc.plugin.errorHandler.Shutdown()
	require.NoError(t, err)
	assert.Equal(t, NotCaptured, result)

	client.AssertNumberOfCalls(t, "CaptureException", 1)
}

func TestRPC_ProcessLogs(t *testing.T) {
	client := new(MockClient)
	rpc := newTestRPC(t, client)

	client.On("CaptureMessage", "first", mock.Anything, mock.Anything, false, mock.Anything).Return("id-1", nil)
	client.On("CaptureMessage", "third", mock.Anything, mock.Anything, false, mock.Anything).Return("id-3", nil)

	var resp []*CaptureResponse
	require.NoError(t, rpc.ProcessLogs(&LogsRequest{Entries: []LogEntry{
		{Message: "first", Level: "error"},
		{Message: "second", Level: "info"},
		{Message: "third", Level: "error"},
	}}, &resp))

	require.Len(t, resp, 3)
	assert.Equal(t, "id-1", resp[0].EventID)
	assert.False(t, resp[1].Captured)
	assert.Equal(t, "id-3", resp[2].EventID)

	require.NoError(t, rpc.ProcessLogs(&LogsRequest{}, &resp))
	assert.Empty(t, resp)
}
