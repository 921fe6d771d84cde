// Package gatewayhttp implements the gateway's HTTP/WS ingress: it accepts
// external client traffic, resolves the owning runner for the requested
// actor, and proxies the request through gatewaystate.State as a tunneled
// TunnelMessage sequence (spec §1 items 1-4).
package gatewayhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rivet-gg/pegboard-tunnel/internal/apierrors"
	"github.com/rivet-gg/pegboard-tunnel/internal/gatewaystate"
	"github.com/rivet-gg/pegboard-tunnel/internal/subjects"
	"github.com/rivet-gg/pegboard-tunnel/internal/wire"
)

// ActorRouter resolves which runner currently owns actorID. Backed by the
// out-of-scope workflow engine's placement table.
type ActorRouter interface {
	ResolveRunner(ctx context.Context, actorID string) (runnerID string, err error)
}

// requestEnvelope is the JSON body carried inside a TMHTTPRequest frame's
// Payload. This is not the hot-path wire codec (that's internal/wire's
// binary framing for the TunnelMessage envelope itself) -- it's the
// application payload the envelope opaquely carries, so plain JSON is a
// fine fit, matching internal/kv's choice for the same reason.
type requestEnvelope struct {
	Method string      `json:"method"`
	Path   string      `json:"path"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body,omitempty"`
}

// responseEnvelope is the JSON body carried inside a TMHTTPResponse frame's
// Payload.
type responseEnvelope struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
}

// Handler proxies inbound HTTP requests through the tunnel to the runner
// that owns the requested actor.
type Handler struct {
	State        *gatewaystate.State
	Router       ActorRouter
	ActorIDOf    func(*http.Request) string
	ReplyTimeout time.Duration
}

func (h *Handler) replyTimeout() time.Duration {
	if h.ReplyTimeout <= 0 {
		return 30 * time.Second
	}
	return h.ReplyTimeout
}

// ServeHTTP implements the gateway's generic actor-proxy endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actorID := h.ActorIDOf(r)
	if actorID == "" {
		writeAPIError(w, apierrors.BadRequest("could not determine target actor"))
		return
	}

	runnerID, err := h.Router.ResolveRunner(r.Context(), actorID)
	if err != nil {
		writeAPIError(w, apierrors.NotFound("actor has no live runner"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeAPIError(w, apierrors.BadRequest("failed to read request body"))
		return
	}

	reqEnv := requestEnvelope{Method: r.Method, Path: r.URL.Path, Header: r.Header, Body: body}
	payload, err := json.Marshal(reqEnv)
	if err != nil {
		writeAPIError(w, apierrors.Internal("failed to encode request"))
		return
	}

	requestID, deliveries, err := h.State.StartInFlightRequest(subjects.RunnerReceiver(runnerID))
	if err != nil {
		writeAPIError(w, apierrors.Internal("failed to allocate request"))
		return
	}
	defer h.State.CloseRequest(requestID)

	ctx, cancel := context.WithTimeout(r.Context(), h.replyTimeout())
	defer cancel()

	if err := h.State.SendMessage(ctx, requestID, wire.TMHTTPRequest, payload); err != nil {
		writeAPIError(w, apierrors.Internal("failed to forward request"))
		return
	}

	h.pumpResponse(ctx, w, deliveries)
}

// pumpResponse reads delivery items until a terminal frame arrives, writing
// the response head on the first TMHTTPResponse and each chunk's bytes as
// they arrive (spec §4.1 TunnelMessageKind variants).
func (h *Handler) pumpResponse(ctx context.Context, w http.ResponseWriter, deliveries <-chan gatewaystate.DeliveryItem) {
	headWritten := false
	for {
		select {
		case <-ctx.Done():
			if !headWritten {
				writeAPIError(w, apierrors.Internal("timed out waiting for runner response"))
			}
			return

		case item, ok := <-deliveries:
			if !ok {
				return
			}
			if item.Kind == gatewaystate.DeliveryTimeout {
				if !headWritten {
					writeAPIError(w, apierrors.Internal("ack timed out"))
				}
				return
			}

			msg := item.Body
			switch msg.BodyKind {
			case wire.TMHTTPResponse:
				var resp responseEnvelope
				if err := json.Unmarshal(msg.Payload, &resp); err != nil {
					writeAPIError(w, apierrors.Internal("malformed response from runner"))
					return
				}
				for k, vs := range resp.Header {
					for _, v := range vs {
						w.Header().Add(k, v)
					}
				}
				w.WriteHeader(resp.Status)
				headWritten = true
				if !msg.Stream {
					return
				}

			case wire.TMResponseChunk:
				if !headWritten {
					w.WriteHeader(http.StatusOK)
					headWritten = true
				}
				_, _ = io.Copy(w, bytes.NewReader(msg.Payload))
				if msg.Finish {
					return
				}

			case wire.TMResponseAbort:
				if !headWritten {
					writeAPIError(w, apierrors.Internal(string(msg.Payload)))
				}
				return
			}
		}
	}
}

func writeAPIError(w http.ResponseWriter, e *apierrors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(e)
}
