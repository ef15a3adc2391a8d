// Package gwerrors carries the gateway's error taxonomy: every error that
// crosses a component boundary is one of these five kinds, so the HTTP and
// MCP-channel surfacing layers have exactly one place that maps kind → wire
// shape instead of re-deriving it at each call site.
package gwerrors

import (
	"errors"
	"fmt"

	"github.com/latticemcp/gateway/internal/mcp"
)

// Kind is one of the taxonomy's five buckets.
type Kind int

const (
	Transport Kind = iota
	Protocol
	Authorisation
	Dispatch
	Internal
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Authorisation:
		return "authorisation"
	case Dispatch:
		return "dispatch"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a taxonomy Kind and the MCP JSON-RPC
// error code it should be reported as, should it surface on the MCP channel.
type Error struct {
	Kind Kind
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, code int, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: cause}
}

// TransportError: HTTP framing, JSON decode, SSE disconnect.
func TransportError(msg string, cause error) *Error {
	return newErr(Transport, mcp.ParseError, msg, cause)
}

// ProtocolError: malformed MCP frame, unknown method, namespacing violation.
func ProtocolError(msg string, cause error) *Error {
	return newErr(Protocol, mcp.InvalidRequest, msg, cause)
}

// AuthorisationError: RBAC deny, missing/invalid JWT.
func AuthorisationError(msg string) *Error {
	return newErr(Authorisation, mcp.InvalidRequest, msg, nil)
}

// DispatchError: unknown target, upstream dial/spawn failure, upstream call failure.
func DispatchError(msg string, cause error) *Error {
	return newErr(Dispatch, mcp.InternalError, msg, cause)
}

// InternalErr: invariant violations, treated as bugs. Named InternalErr (not
// Internal) to avoid colliding with the Kind constant of the same name.
func InternalErr(msg string, cause error) *Error {
	return newErr(Internal, mcp.InternalError, msg, cause)
}

// As is a thin re-export of errors.As for callers that only have this
// package imported.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// ToJSONRPCError renders e as the JSON-RPC error object to attach to a
// downstream MCP response.
func (e *Error) ToJSONRPCError() *mcp.JSONRPCError {
	return &mcp.JSONRPCError{Code: e.Code, Message: e.Error()}
}

// HTTPStatus maps a Kind to the HTTP status this gateway uses when the
// error surfaces on the plain HTTP layer rather than the MCP channel
// (§7 "Propagation policy").
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case Authorisation:
		return 400
	case Transport, Protocol:
		return 400
	case Dispatch:
		return 502
	default:
		return 500
	}
}
