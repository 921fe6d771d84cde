// Package kv implements the runner connector's inline KV passthrough (spec
// §4.4 step 5.a "KV request" bullet, supplemented per SPEC_FULL.md §4.9).
//
// The KV request/response envelope is JSON, not the BARE-style wire codec
// used for tunnel frames: this is not a hot-path forwarding concern (the
// connector parses and executes it inline, unlike tunnel data which is
// forwarded opaquely), so there is no zero-copy requirement to honor.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request is one KV operation issued by a runner.
type Request struct {
	ActorID   string          `json:"actor_id"`
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args"`
}

// Response is the versioned KV reply sent back on the same WebSocket.
type Response struct {
	Version int             `json:"version"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// OwnershipChecker validates that an actor is owned by the runner issuing
// the request. Backed by the out-of-scope placement/workflow engine.
type OwnershipChecker interface {
	ActorBelongsToRunner(ctx context.Context, actorID, runnerID string) (bool, error)
}

// Store executes a KV operation against the out-of-scope actor KV storage
// layer.
type Store interface {
	Execute(ctx context.Context, actorID, operation string, args json.RawMessage) (json.RawMessage, error)
}

// Handler ties ownership validation and storage execution together. Any
// error here is returned as an error string next to the response payload
// (which is then nil), never as a connection drop (spec §4.4 / §7
// "Application" errors).
type Handler struct {
	Ownership OwnershipChecker
	Store     Store
}

// Handle decodes req, validates ownership, executes the op, and returns the
// response payload plus a KV error string (empty on success).
func (h *Handler) Handle(ctx context.Context, runnerID string, reqPayload []byte) (respPayload []byte, kvErr string) {
	var req Request
	if err := json.Unmarshal(reqPayload, &req); err != nil {
		return nil, fmt.Sprintf("malformed kv request: %v", err)
	}

	owned, err := h.Ownership.ActorBelongsToRunner(ctx, req.ActorID, runnerID)
	if err != nil {
		return nil, fmt.Sprintf("ownership check failed: %v", err)
	}
	if !owned {
		return nil, fmt.Sprintf("actor %s is not owned by runner %s", req.ActorID, runnerID)
	}

	result, err := h.Store.Execute(ctx, req.ActorID, req.Operation, req.Args)
	if err != nil {
		return nil, err.Error()
	}

	resp := Response{Version: 1, Result: result}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Sprintf("failed to encode kv response: %v", err)
	}
	return data, ""
}
