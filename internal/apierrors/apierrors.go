// Package apierrors defines the structured error taxonomy shared by the
// gateway's HTTP surface and the runner connector's WebSocket close frames.
//
// Every error that crosses a process boundary is a {group, code, message}
// triple. The group determines how the error is surfaced: an HTTP status for
// the gateway's JSON envelope, or a "<group>.<code>" close reason for the
// runner WebSocket.
package apierrors

import "fmt"

// Group classifies an Error for transport-specific rendering.
type Group string

const (
	GroupAPI Group = "api"
	GroupWS  Group = "ws"
)

// Error is the wire-level error shape: {group, code, message}.
type Error struct {
	Group   Group  `json:"group"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Group, e.Code, e.Message)
}

// HTTPStatus maps an api.* error code to the HTTP status the gateway's REST
// surface returns, per the error envelope contract.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case "not_found":
		return 404
	case "forbidden":
		return 403
	case "invalid_token", "unauthorized":
		return 401
	case "bad_request":
		return 400
	default:
		return 500
	}
}

// CloseReason renders a ws.* error as the "<group>.<code>" string carried in
// a WebSocket close frame's reason field.
func (e *Error) CloseReason() string {
	return fmt.Sprintf("%s.%s", e.Group, e.Code)
}

func apiErr(code, msg string) *Error { return &Error{Group: GroupAPI, Code: code, Message: msg} }
func wsErr(code, msg string) *Error  { return &Error{Group: GroupWS, Code: code, Message: msg} }

// NotFound builds an api.not_found error.
func NotFound(msg string) *Error { return apiErr("not_found", msg) }

// Forbidden builds an api.forbidden error.
func Forbidden(msg string) *Error { return apiErr("forbidden", msg) }

// InvalidToken builds an api.invalid_token error.
func InvalidToken(msg string) *Error { return apiErr("invalid_token", msg) }

// Unauthorized builds an api.unauthorized error.
func Unauthorized(msg string) *Error { return apiErr("unauthorized", msg) }

// BadRequest builds an api.bad_request error.
func BadRequest(msg string) *Error { return apiErr("bad_request", msg) }

// Internal builds an api.internal_error error.
func Internal(msg string) *Error { return apiErr("internal_error", msg) }

// Close-frame reasons for the runner WebSocket (spec §6). ws.eviction is
// reserved in the taxonomy for a control-plane-initiated force-disconnect;
// this repo's only in-scope eviction path is the new-connection-replaces-old
// case (invariant I1), which spec §3 names explicitly as
// NewRunnerConnected, so no constructor for ws.eviction exists here -- see
// DESIGN.md.
var (
	ErrNewRunnerConnected     = wsErr("new_runner_connected", "a newer connection replaced this one")
	ErrConnectionClosed       = wsErr("connection_closed", "connection closed")
	ErrTimedOutWaitingForInit = wsErr("timed_out_waiting_for_init", "timed out waiting for init frame")
	ErrInvalidInitialPacket   = wsErr("invalid_initial_packet", "first frame was not a valid init")
	ErrInvalidPacket          = wsErr("invalid_packet", "malformed frame")
	ErrInvalidURL             = wsErr("invalid_url", "missing or malformed query parameters")
)

// DeveloperError indicates a bug: an endpoint that never called auth() or
// skip_auth(). It is surfaced as a debug-visible string, never mistaken for a
// security boundary (spec §4.5).
type DeveloperError struct {
	Detail string
}

func (e *DeveloperError) Error() string {
	return fmt.Sprintf("developer error: %s", e.Detail)
}
