// Package clienterr defines the error taxonomy shared by the codec, the
// transport, the resilience coordinator and the mutation engine.
//
// Every failure a caller can observe is an *Error carrying a Kind. Kinds form
// a shallow hierarchy: the network kinds (Timeout, ConnectionFailure,
// DNSResolution, SSLCertificate, ServerError) are all children of Network, so
// a caller scoping rollback to Network also matches a Timeout.
//
// This package imports nothing internal.
package clienterr

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes client errors.
type Kind string

const (
	// KindMalformedValue indicates wire text that cannot be decoded.
	KindMalformedValue Kind = "MALFORMED_VALUE"

	// KindUnsupportedValueType indicates a value the codec cannot encode.
	KindUnsupportedValueType Kind = "UNSUPPORTED_VALUE_TYPE"

	// KindRemoteFunction indicates the backend function itself reported an error.
	KindRemoteFunction Kind = "REMOTE_FUNCTION_ERROR"

	// KindArgument indicates the call arguments were rejected.
	KindArgument Kind = "ARGUMENT_ERROR"

	// KindNetwork is the parent of every transport-level failure.
	KindNetwork Kind = "NETWORK_ERROR"

	// KindTimeout indicates the request deadline passed before a response.
	KindTimeout Kind = "TIMEOUT"

	// KindConnectionFailure indicates the connection could not be made or was reset.
	KindConnectionFailure Kind = "CONNECTION_FAILURE"

	// KindDNSResolution indicates the host name could not be resolved.
	KindDNSResolution Kind = "DNS_RESOLUTION"

	// KindSSLCertificate indicates TLS verification failed.
	KindSSLCertificate Kind = "SSL_CERTIFICATE"

	// KindServerError indicates a non-success HTTP status.
	KindServerError Kind = "SERVER_ERROR"

	// KindCircuitOpen is raised by the circuit breaker without calling the endpoint.
	KindCircuitOpen Kind = "CIRCUIT_OPEN"

	// KindCancelled indicates the caller cancelled the operation.
	KindCancelled Kind = "CANCELLED"
)

var parents = map[Kind]Kind{
	KindTimeout:           KindNetwork,
	KindConnectionFailure: KindNetwork,
	KindDNSResolution:     KindNetwork,
	KindSSLCertificate:    KindNetwork,
	KindServerError:       KindNetwork,
}

// Kinds lists every defined kind.
var Kinds = []Kind{
	KindMalformedValue,
	KindUnsupportedValueType,
	KindRemoteFunction,
	KindArgument,
	KindNetwork,
	KindTimeout,
	KindConnectionFailure,
	KindDNSResolution,
	KindSSLCertificate,
	KindServerError,
	KindCircuitOpen,
	KindCancelled,
}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Parent returns the enclosing kind, or "" for a root kind.
func (k Kind) Parent() Kind {
	return parents[k]
}

// Is reports whether k equals target or is a more specific kind of it.
func (k Kind) Is(target Kind) bool {
	for cur := k; cur != ""; cur = cur.Parent() {
		if cur == target {
			return true
		}
	}
	return false
}

// Error is the single error type surfaced to callers.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Message is a human-readable description.
	Message string

	// StatusCode is the HTTP status for KindServerError and KindArgument.
	StatusCode int

	// Data is the structured payload a remote function attached to its
	// error, decoded as a wire.Value. Nil when absent.
	Data any

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status=%d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind, so errors.Is(err, ErrCircuitOpen)
// holds for any circuit-open error regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t.Message != "" {
		return false
	}
	return e.Kind.Is(t.Kind)
}

// Sentinels for errors.Is comparisons. They match by kind (including child kinds).
var (
	ErrMalformedValue       = &Error{Kind: KindMalformedValue}
	ErrUnsupportedValueType = &Error{Kind: KindUnsupportedValueType}
	ErrRemoteFunction       = &Error{Kind: KindRemoteFunction}
	ErrArgument             = &Error{Kind: KindArgument}
	ErrNetwork              = &Error{Kind: KindNetwork}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrConnectionFailure    = &Error{Kind: KindConnectionFailure}
	ErrServerError          = &Error{Kind: KindServerError}
	ErrCircuitOpen          = &Error{Kind: KindCircuitOpen}
	ErrCancelled            = &Error{Kind: KindCancelled}
)

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Server creates a KindServerError for an HTTP status.
func Server(status int, message string) *Error {
	return &Error{Kind: KindServerError, Message: message, StatusCode: status}
}

// Cancelled converts the caller's context error into a KindCancelled error.
// An expired caller deadline is still CANCELLED, with the deadline kept as
// the cause; only a per-request timeout is KindTimeout.
func Cancelled(cause error) *Error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return Wrap(KindCancelled, cause, "deadline exceeded")
	}
	return Wrap(KindCancelled, cause, "operation cancelled")
}

// KindOf extracts the kind of err. Plain context errors are mapped to
// KindCancelled/KindTimeout; anything else unknown reports "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ""
}

// StatusOf returns the HTTP status attached to err, or 0.
func StatusOf(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}

// IsRetryable reports whether err is worth another attempt: timeouts,
// connection failures and server errors with a 5xx or 429 status.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindConnectionFailure:
		return true
	case KindServerError:
		status := StatusOf(err)
		return status == 429 || (status >= 500 && status <= 599)
	}
	return false
}

// IsServiceImpacting reports whether err should count against a circuit
// breaker. It is the same set as IsRetryable; DNS and TLS failures are
// configuration problems rather than overload and do not trip the breaker.
func IsServiceImpacting(err error) bool {
	return IsRetryable(err)
}

// IsCircuitOpen reports whether err was raised by an open circuit breaker.
func IsCircuitOpen(err error) bool {
	return KindOf(err) == KindCircuitOpen
}

// IsCancelled reports whether err is a caller cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// IsRemoteFunction reports whether the backend function itself failed.
func IsRemoteFunction(err error) bool {
	return KindOf(err) == KindRemoteFunction
}
