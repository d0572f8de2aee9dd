package sentry_gateway

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/getsentry/sentry-go"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// Severity is a PHP error level
type Severity int

const (
	SeverityError Severity = 1 << iota
	SeverityWarning
	SeverityParse
	SeverityNotice
	SeverityCoreError
	SeverityCoreWarning
	SeverityCompileError
	SeverityCompileWarning
	SeverityUserError
	SeverityUserWarning
	SeverityUserNotice
	SeverityStrict
	SeverityRecoverableError
	SeverityDeprecated
	SeverityUserDeprecated

	SeverityAll Severity = 32767
)

var severityNames = map[Severity]string{
	SeverityError:            "E_ERROR",
	SeverityWarning:          "E_WARNING",
	SeverityParse:            "E_PARSE",
	SeverityNotice:           "E_NOTICE",
	SeverityCoreError:        "E_CORE_ERROR",
	SeverityCoreWarning:      "E_CORE_WARNING",
	SeverityCompileError:     "E_COMPILE_ERROR",
	SeverityCompileWarning:   "E_COMPILE_WARNING",
	SeverityUserError:        "E_USER_ERROR",
	SeverityUserWarning:      "E_USER_WARNING",
	SeverityUserNotice:       "E_USER_NOTICE",
	SeverityStrict:           "E_STRICT",
	SeverityRecoverableError: "E_RECOVERABLE_ERROR",
	SeverityDeprecated:       "E_DEPRECATED",
	SeverityUserDeprecated:   "E_USER_DEPRECATED",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("E_UNKNOWN(%d)", int(s))
}

// fatalSeverities are the errors which bypass the error callback and can
// only be seen at shutdown
const fatalSeverities = SeverityError | SeverityParse | SeverityCoreError | SeverityCoreWarning |
	SeverityCompileError | SeverityCompileWarning | SeverityStrict

// IsFatal reports whether s is one of the shutdown-only severities
func (s Severity) IsFatal() bool {
	return s != 0 && s&fatalSeverities == s
}

// NormalizedError is a runtime error raised by the host
type NormalizedError struct {
	Message  string   `json:"message"`
	Severity Severity `json:"type"`
	File     string   `json:"file"`
	Line     int      `json:"line"`
}

func (e *NormalizedError) Error() string {
	return e.Message
}

// TypeName is the exception type reported to Sentry
func (e *NormalizedError) TypeName() string {
	return e.Severity.String()
}

func (e *NormalizedError) Stacktrace() *sentry.Stacktrace {
	if e.File == "" {
		return nil
	}
	return &sentry.Stacktrace{Frames: []sentry.Frame{{
		Filename: e.File,
		AbsPath:  e.File,
		Lineno:   e.Line,
		InApp:    true,
	}}}
}

// StackFrame is a single frame of a remote exception trace, newest first
type StackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
	Class    string `json:"class"`
}

// RemoteException is an exception thrown by a PHP worker
type RemoteException struct {
	Class    string           `json:"class"`
	Message  string           `json:"message"`
	Code     int              `json:"code"`
	File     string           `json:"file"`
	Line     int              `json:"line"`
	Trace    []StackFrame     `json:"trace"`
	Previous *RemoteException `json:"previous,omitempty"`
}

func (e *RemoteException) Error() string {
	return e.Message
}

func (e *RemoteException) Unwrap() error {
	if e.Previous == nil {
		return nil
	}
	return e.Previous
}

// TypeName is the exception class name
func (e *RemoteException) TypeName() string {
	if e.Class == "" {
		return "Exception"
	}
	return e.Class
}

func (e *RemoteException) Stacktrace() *sentry.Stacktrace {
	frames := make([]sentry.Frame, 0, len(e.Trace)+1)
	for i := len(e.Trace) - 1; i >= 0; i-- {
		frame := e.Trace[i]
		frames = append(frames, sentry.Frame{
			Function: frame.Function,
			Module:   frame.Class,
			Filename: frame.File,
			AbsPath:  frame.File,
			Lineno:   frame.Line,
			InApp:    true,
		})
	}
	if e.File != "" {
		frames = append(frames, sentry.Frame{Filename: e.File, AbsPath: e.File, Lineno: e.Line, InApp: true})
	}
	if len(frames) == 0 {
		return nil
	}
	return &sentry.Stacktrace{Frames: frames}
}

// ExceptionCapturer is the part of the gateway the error handler needs
type ExceptionCapturer interface {
	CaptureException(exception error, opts *CaptureOptions, logger string, ectx *EventContext) (Result, error)
}

// Fallback is the host's own error handling, always invoked after capture
type Fallback interface {
	HandleError(err *NormalizedError)
	HandleException(err error)
}

// ErrorHandler forwards host errors, uncaught exceptions and fatal errors
// seen at shutdown to the gateway. Capture is best effort: failures are
// logged and the fallback always runs.
type ErrorHandler struct {
	capturer ExceptionCapturer
	fallback Fallback
	mask     Severity
	log      *zap.Logger

	last     atomic.Pointer[NormalizedError]
	shutdown sync.Once
}

// ErrorHandlerOption customizes the error handler
type ErrorHandlerOption func(*ErrorHandler)

// WithFallback sets the host handler invoked after every capture
func WithFallback(fallback Fallback) ErrorHandlerOption {
	return func(h *ErrorHandler) {
		h.fallback = fallback
	}
}

// WithMask sets the error reporting mask
func WithMask(mask Severity) ErrorHandlerOption {
	return func(h *ErrorHandler) {
		h.mask = mask
	}
}

// NewErrorHandler creates an error handler reporting to capturer
func NewErrorHandler(capturer ExceptionCapturer, log *zap.Logger, opts ...ErrorHandlerOption) (*ErrorHandler, error) {
	const op = errors.Op("sentry_error_handler_init")

	if capturer == nil {
		return nil, referenceError(op, "error handler")
	}
	if log == nil {
		log = zap.NewNop()
	}

	h := &ErrorHandler{
		capturer: capturer,
		mask:     SeverityAll,
		log:      log,
	}
	for _, fn := range opts {
		fn(h)
	}

	return h, nil
}

// HandleError handles a runtime error. It is captured when its severity is
// part of the error reporting mask. Errors seen here went through the error
// callback and are never reported again at shutdown.
func (h *ErrorHandler) HandleError(severity Severity, message, file string, line int) (Result, error) {
	err := &NormalizedError{Message: message, Severity: severity, File: file, Line: line}

	result := NotCaptured
	var captureErr error
	if h.mask&severity != 0 {
		result, captureErr = h.capture(err)
	}

	if h.fallback != nil {
		h.fallback.HandleError(err)
	}

	return result, captureErr
}

// HandleException handles an uncaught exception
func (h *ErrorHandler) HandleException(exception error) (Result, error) {
	result, err := h.capture(exception)

	if h.fallback != nil {
		h.fallback.HandleException(exception)
	}

	return result, err
}

// SetLastError records the last error which bypassed the error callback,
// the one Shutdown inspects
func (h *ErrorHandler) SetLastError(err *NormalizedError) {
	h.last.Store(err)
}

// LastError returns the pending last error, nil once it has been reported
func (h *ErrorHandler) LastError() *NormalizedError {
	return h.last.Load()
}

// CaptureFatal captures err when its severity is a fatal one. When err is
// the pending last error it is cleared, so Shutdown does not report it again.
func (h *ErrorHandler) CaptureFatal(err *NormalizedError) (Result, error) {
	if err == nil || !err.Severity.IsFatal() {
		return NotCaptured, nil
	}
	h.last.CompareAndSwap(err, nil)
	return h.capture(err)
}

// Shutdown captures the last error if it was fatal. Only the first call
// has any effect.
func (h *ErrorHandler) Shutdown() (Result, error) {
	result := NotCaptured
	var err error

	h.shutdown.Do(func() {
		result, err = h.CaptureFatal(h.last.Load())
	})

	return result, err
}

// Recover captures a panic as an uncaught exception and panics again. It
// must be deferred directly.
func (h *ErrorHandler) Recover() {
	if r := recover(); r != nil {
		h.HandleException(panicError(r))
		panic(r)
	}
}

func (h *ErrorHandler) capture(exception error) (Result, error) {
	result, err := h.capturer.CaptureException(exception, nil, "", nil)
	if err != nil {
		h.log.Error("Failed to capture error",
			zap.String("error_type", typeName(exception)),
			zap.Error(err))
	}
	return result, err
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", r)
}
