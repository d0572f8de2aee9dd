package sentry_gateway

import (
	stderrors "errors"
	"fmt"

	"github.com/roadrunner-server/errors"
)

// Kind classifies gateway errors.
type Kind uint8

const (
	KindUndefined Kind = iota
	// KindConfiguration marks invalid tags or a client that could not be built.
	KindConfiguration
	// KindValidation marks an event rejected before any network attempt.
	KindValidation
	// KindTransmission marks a failure reported by the reporting client.
	KindTransmission
	// KindReference marks an adapter wired without a gateway.
	KindReference
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindValidation:
		return "validation"
	case KindTransmission:
		return "transmission"
	case KindReference:
		return "reference"
	default:
		return "undefined"
	}
}

// Error is returned by the gateway and its adapters
type Error struct {
	Op      errors.Op
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err carries a gateway error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrorCode returns the code carried by err, 0 when it has none.
func ErrorCode(err error) int {
	var coder interface{ Code() int }
	if stderrors.As(err, &coder) {
		return coder.Code()
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return 0
}

func configurationError(op errors.Op, format string, args ...any) *Error {
	return &Error{Op: op, Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

func validationError(op errors.Op, format string, args ...any) *Error {
	return &Error{Op: op, Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func referenceError(op errors.Op, component string) *Error {
	return &Error{Op: op, Kind: KindReference, Message: fmt.Sprintf("%s requires a sentry gateway", component)}
}
