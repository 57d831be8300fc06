// Package toolgate holds the error taxonomy shared by the gateway, router,
// registry and rate limiter. Errors are goa service errors so that the kind
// travels with the error value and can be rendered for clients without
// leaking internal detail.
package toolgate

import (
	"errors"
	"fmt"

	goa "goa.design/goa/v3/pkg"
)

// Error kinds. These strings are the machine-readable kind reported to
// clients in failed tool results.
const (
	KindAuthRejected      = "auth_rejected"
	KindProtocolMalformed = "protocol_malformed"
	KindToolUnavailable   = "tool_unavailable"
	KindToolCallTimeout   = "tool_call_timeout"
	KindRateLimited       = "rate_limited"
	KindNotFound          = "not_found"
	KindInvalidArguments  = "invalid_arguments"
	KindToolError         = "tool_error"
	KindInternal          = "internal"
)

// MakeAuthRejected builds an auth_rejected error. The message is never shown
// to the peer; bindings reply with a generic rejection.
func MakeAuthRejected(err error) *goa.ServiceError {
	return goa.NewServiceError(err, KindAuthRejected, false, false, false)
}

// MakeProtocolMalformed builds a protocol_malformed error.
func MakeProtocolMalformed(err error) *goa.ServiceError {
	return goa.NewServiceError(err, KindProtocolMalformed, false, false, false)
}

// MakeToolUnavailable builds a tool_unavailable error.
func MakeToolUnavailable(err error) *goa.ServiceError {
	return goa.NewServiceError(err, KindToolUnavailable, false, false, false)
}

// MakeToolCallTimeout builds a tool_call_timeout error.
func MakeToolCallTimeout(err error) *goa.ServiceError {
	return goa.NewServiceError(err, KindToolCallTimeout, true, false, false)
}

// MakeRateLimited builds a rate_limited error.
func MakeRateLimited(err error) *goa.ServiceError {
	return goa.NewServiceError(err, KindRateLimited, false, true, false)
}

// MakeNotFound builds a not_found error.
func MakeNotFound(err error) *goa.ServiceError {
	return goa.NewServiceError(err, KindNotFound, false, false, false)
}

// MakeInvalidArguments builds an invalid_arguments error.
func MakeInvalidArguments(err error) *goa.ServiceError {
	return goa.NewServiceError(err, KindInvalidArguments, false, false, false)
}

// MakeInternal builds an internal fault.
func MakeInternal(err error) *goa.ServiceError {
	return goa.NewServiceError(err, KindInternal, false, false, true)
}

// Errorf is a shorthand for wrapping a formatted message in the given maker.
func Errorf(maker func(error) *goa.ServiceError, format string, args ...any) *goa.ServiceError {
	return maker(fmt.Errorf(format, args...))
}

// FromKind rebuilds an error of the given kind, e.g. after it crossed the
// message bus.
func FromKind(kind, message string) error {
	var maker func(error) *goa.ServiceError
	switch kind {
	case KindAuthRejected:
		maker = MakeAuthRejected
	case KindProtocolMalformed:
		maker = MakeProtocolMalformed
	case KindToolUnavailable:
		maker = MakeToolUnavailable
	case KindToolCallTimeout:
		maker = MakeToolCallTimeout
	case KindRateLimited:
		maker = MakeRateLimited
	case KindNotFound:
		maker = MakeNotFound
	case KindInvalidArguments:
		maker = MakeInvalidArguments
	case KindToolError:
		return goa.NewServiceError(errors.New(message), KindToolError, false, false, false)
	default:
		maker = MakeInternal
	}
	return maker(errors.New(message))
}

// Kind returns the machine-readable kind of err. Errors that are not goa
// service errors are reported as internal.
func Kind(err error) string {
	var se *goa.ServiceError
	if errors.As(err, &se) && se.Name != "" {
		return se.Name
	}
	return KindInternal
}

// Message returns the human-readable message of err.
func Message(err error) string {
	var se *goa.ServiceError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind string) bool {
	return err != nil && Kind(err) == kind
}
