package sentry_gateway

import (
	"go.uber.org/zap"
)

// RPC provides RPC methods for PHP workers
type RPC struct {
	plugin *Plugin
	logger *zap.Logger
}

// ExceptionRequest reports an exception thrown by a worker
type ExceptionRequest struct {
	Exception RemoteException `json:"exception"`
	Options   *CaptureOptions `json:"options,omitempty"`
	Logger    string          `json:"logger,omitempty"`
	Context   *EventContext   `json:"context,omitempty"`
}

// MessageRequest reports a message
type MessageRequest struct {
	Message string          `json:"message"`
	Params  []any           `json:"params,omitempty"`
	Options *CaptureOptions `json:"options,omitempty"`
	Stack   bool            `json:"stack,omitempty"`
	Context *EventContext   `json:"context,omitempty"`
}

// QueryRequest reports a database query
type QueryRequest struct {
	Query  string `json:"query"`
	Level  string `json:"level,omitempty"`
	Engine string `json:"engine,omitempty"`
}

// LogsRequest carries a batch of flushed log entries
type LogsRequest struct {
	Entries []LogEntry `json:"entries"`
}

// CaptureResponse is the outcome of a single capture
type CaptureResponse struct {
	Captured bool   `json:"captured"`
	EventID  string `json:"event_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewRPC creates a new RPC instance
func NewRPC(plugin *Plugin, logger *zap.Logger) *RPC {
	return &RPC{
		plugin: plugin,
		logger: logger,
	}
}

// CaptureException logs an exception to Sentry
func (r *RPC) CaptureException(req *ExceptionRequest, resp *CaptureResponse) error {
	r.logger.Debug("Received exception via RPC", zap.String("class", req.Exception.Class))

	exception := req.Exception
	result, err := r.plugin.gateway.CaptureException(&exception, req.Options, req.Logger, req.Context)
	*resp = newCaptureResponse(result, err)
	return nil
}

// CaptureMessage logs a message to Sentry
func (r *RPC) CaptureMessage(req *MessageRequest, resp *CaptureResponse) error {
	r.logger.Debug("Received message via RPC", zap.Int("length", len(req.Message)))

	result, err := r.plugin.gateway.CaptureMessage(req.Message, req.Params, req.Options, req.Stack, req.Context)
	*resp = newCaptureResponse(result, err)
	return nil
}

// CaptureQuery logs a query to Sentry
func (r *RPC) CaptureQuery(req *QueryRequest, resp *CaptureResponse) error {
	r.logger.Debug("Received query via RPC", zap.String("engine", req.Engine))

	result, err := r.plugin.gateway.CaptureQuery(req.Query, req.Level, req.Engine)
	*resp = newCaptureResponse(result, err)
	return nil
}

// HandleError passes a worker runtime error to the error handler
func (r *RPC) HandleError(req *NormalizedError, resp *CaptureResponse) error {
	result, err := r.plugin.errorHandler.HandleError(req.Severity, req.Message, req.File, req.Line)
	*resp = newCaptureResponse(result, err)
	return nil
}

// HandleException passes an uncaught worker exception to the error handler
func (r *RPC) HandleException(req *ExceptionRequest, resp *CaptureResponse) error {
	exception := req.Exception
	result, err := r.plugin.errorHandler.HandleException(&exception)
	*resp = newCaptureResponse(result, err)
	return nil
}

// Shutdown reports the last error of a worker which is shutting down. Every
// worker shuts down on its own, so the fatal check runs once per call and
// the error is not kept for the plugin's own shutdown.
func (r *RPC) Shutdown(req *NormalizedError, resp *CaptureResponse) error {
	if req.Severity == 0 {
		*resp = CaptureResponse{}
		return nil
	}

	lastError := *req
	result, err := r.plugin.errorHandler.CaptureFatal(&lastError)
	*resp = newCaptureResponse(result, err)
	return nil
}

// ProcessLogs routes a batch of worker log entries to Sentry
func (r *RPC) ProcessLogs(req *LogsRequest, resp *[]*CaptureResponse) error {
	if len(req.Entries) == 0 {
		*resp = []*CaptureResponse{}
		return nil
	}

	r.logger.Debug("Received batch of log entries via RPC", zap.Int("count", len(req.Entries)))

	results := r.plugin.logRoute.Process(req.Entries)
	responses := make([]*CaptureResponse, len(results))
	for i, result := range results {
		response := newCaptureResponse(result.Result, result.Err)
		responses[i] = &response
	}

	*resp = responses
	return nil
}

func newCaptureResponse(result Result, err error) CaptureResponse {
	response := CaptureResponse{
		Captured: result.Captured,
		EventID:  result.EventID,
	}
	if err != nil {
		response.Error = err.Error()
	}
	return response
}
