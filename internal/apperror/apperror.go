// Package apperror defines the stable error taxonomy shared by the Gateway
// and Tool Server. Every error that can reach a client carries a Kind; the
// middleware pipeline's error handler stage and the Gateway's and Admin
// Surface's HTTP error responders read it to pick the response code.
package apperror

import "fmt"

// Kind is a stable, externally-meaningful error category. Kinds never change
// meaning across releases; new kinds are additive.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindAuthentication     Kind = "authentication_error"
	KindAuthorization      Kind = "authorization_error"
	KindRateLimit          Kind = "rate_limit_error"
	KindNotFound           Kind = "not_found_error"
	KindRetriever          Kind = "retriever_error"
	KindGateway            Kind = "gateway_error"
	KindServiceUnavailable Kind = "service_unavailable_error"
	KindInternal           Kind = "internal_error"
)

// rpcInfo carries the JSON-RPC code and HTTP status associated with a Kind.
type rpcInfo struct {
	Code   int
	Status int
}

var taxonomy = map[Kind]rpcInfo{
	KindValidation:         {Code: -32602, Status: 400},
	KindAuthentication:     {Code: -32040, Status: 401},
	KindAuthorization:      {Code: -32041, Status: 403},
	KindRateLimit:          {Code: -32045, Status: 429},
	KindNotFound:           {Code: -32601, Status: 404},
	KindRetriever:          {Code: -32603, Status: 502},
	KindGateway:            {Code: -32603, Status: 502},
	KindServiceUnavailable: {Code: -32000, Status: 503},
	KindInternal:           {Code: -32603, Status: 500},
}

// RPCCode returns the JSON-RPC error code for a Kind, defaulting to the
// InternalError code for unrecognized kinds.
func (k Kind) RPCCode() int {
	if info, ok := taxonomy[k]; ok {
		return info.Code
	}
	return taxonomy[KindInternal].Code
}

// HTTPStatus returns the transport status for a Kind.
func (k Kind) HTTPStatus() int {
	if info, ok := taxonomy[k]; ok {
		return info.Status
	}
	return taxonomy[KindInternal].Status
}

// Error is the structured error type carried through the core. Message is
// the stable, user-visible string; Cause holds the internal detail that is
// logged but never serialized to a client.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	// Reason is an optional machine-readable sub-code (e.g. "role_insufficient",
	// "resource_forbidden") surfaced in the JSON-RPC error's data field.
	Reason string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error that preserves an internal cause for logging.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithReason attaches a machine-readable reason code and returns the receiver.
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// As reports whether err is (or wraps) an *Error and returns it.
func As(err error) (*Error, bool) {
	var target *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			return ae, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return target, false
}
