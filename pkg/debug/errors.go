package debug

import (
	"fmt"
)

// ErrorKind classifies debug protocol failures. The classification decides both the
// JSON-RPC error code and whether the session survives the failure, so it is kept as
// an explicit table here rather than derived from the underlying error values.
type ErrorKind int

const (
	// KindInternal covers engine and storage failures. The session stays open.
	KindInternal ErrorKind = iota
	// KindUnauthorized covers failed authorization. The session is terminated after
	// the error is delivered.
	KindUnauthorized
	// KindConflict covers state conflicts, such as a worker already attached to
	// another session. The session is terminated after the error is delivered.
	KindConflict
	// KindValidation covers precondition failures on an otherwise well-formed
	// request. The session stays open.
	KindValidation
	// KindInactiveSession covers operations issued before connect. The session
	// stays open.
	KindInactiveSession
	// KindInvalidParams covers unparseable or malformed request parameters. The
	// session stays open.
	KindInvalidParams
	// KindMethodNotFound covers unknown JSON-RPC methods. The session stays open.
	KindMethodNotFound
)

// JSON-RPC 2.0 error codes. The -320xx range holds the application-level codes.
const (
	codeInvalidParams   = -32602
	codeMethodNotFound  = -32601
	codeInternal        = -32603
	codeUnauthorized    = -32001
	codeConflict        = -32002
	codeInactiveSession = -32003
	codeValidation      = -32004
)

// Error is a classified debug protocol error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RPCCode returns the JSON-RPC error code of this error's kind.
func (e *Error) RPCCode() int {
	switch e.Kind {
	case KindUnauthorized:
		return codeUnauthorized
	case KindConflict:
		return codeConflict
	case KindValidation:
		return codeValidation
	case KindInactiveSession:
		return codeInactiveSession
	case KindInvalidParams:
		return codeInvalidParams
	case KindMethodNotFound:
		return codeMethodNotFound
	default:
		return codeInternal
	}
}

// TerminatesSession reports whether the session must be torn down after this error
// was delivered. Only trust faults terminate a session; protocol and validation
// faults fail a single request.
func (e *Error) TerminatesSession() bool {
	return e.Kind == KindUnauthorized || e.Kind == KindConflict
}

func Internalf(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

func Unauthorizedf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func InvalidParamsf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func ErrInactiveSession() *Error {
	return &Error{Kind: KindInactiveSession, Message: "no worker connected to this session"}
}

func ErrMethodNotFound(method string) *Error {
	return &Error{Kind: KindMethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
}
