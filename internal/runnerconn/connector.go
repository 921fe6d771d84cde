// Package runnerconn terminates one runner's WebSocket and runs the three
// supervised loops described in spec §4.4: client->broker, broker->client,
// and ping. It enforces the handshake protocol, the single-connection-per-
// runner invariant (I1), and the tunnel_active_requests bookkeeping that
// drives gateway_reply_to stripping (P2).
package runnerconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/rivet-gg/pegboard-tunnel/internal/allocation"
	"github.com/rivet-gg/pegboard-tunnel/internal/apierrors"
	"github.com/rivet-gg/pegboard-tunnel/internal/broker"
	"github.com/rivet-gg/pegboard-tunnel/internal/kv"
	"github.com/rivet-gg/pegboard-tunnel/internal/metrics"
	"github.com/rivet-gg/pegboard-tunnel/internal/subjects"
	"github.com/rivet-gg/pegboard-tunnel/internal/wire"
	"github.com/rivet-gg/pegboard-tunnel/internal/wsconn"
)

// Defaults per spec §4.4 / §5.
const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultPingInterval     = 3 * time.Second
)

// ConnectParams are the three mandatory query parameters on the runner
// WebSocket URL (spec §6).
type ConnectParams struct {
	ProtocolVersion wire.Version
	Namespace       string
	RunnerKey       string
}

// ParseConnectParams validates the runner WebSocket URL's query string.
// Missing or malformed parameters map to ws.invalid_url (spec §4.4 step 1).
func ParseConnectParams(r *http.Request) (ConnectParams, *apierrors.Error) {
	q := r.URL.Query()

	versionStr := q.Get("protocol_version")
	namespace := q.Get("namespace")
	runnerKey := q.Get("runner_key")

	if versionStr == "" || namespace == "" || runnerKey == "" {
		return ConnectParams{}, apierrors.ErrInvalidURL
	}

	v, err := strconv.ParseUint(versionStr, 10, 16)
	if err != nil {
		return ConnectParams{}, apierrors.ErrInvalidURL
	}

	return ConnectParams{
		ProtocolVersion: wire.Version(v),
		Namespace:       namespace,
		RunnerKey:       runnerKey,
	}, nil
}

// Identity is what the control plane assigns a runner during handshake
// (spec §3 "Runner Connection").
type Identity struct {
	RunnerID   string
	WorkflowID string
}

// IdentityResolver maps (namespace, runner_key, init frame) to a runner
// identity. Backed by the out-of-scope control plane / workflow engine.
type IdentityResolver interface {
	Resolve(ctx context.Context, namespace, runnerKey string, init *wire.Frame) (Identity, error)
}

// Deps bundles the runner connector's collaborators.
type Deps struct {
	Broker           broker.Client
	Allocation       *allocation.Index
	Notifier         allocation.WorkflowNotifier
	KV               *kv.Handler
	IdentityResolver IdentityResolver
	Logger           *slog.Logger

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.HandshakeTimeout <= 0 {
		d.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if d.PingInterval <= 0 {
		d.PingInterval = DefaultPingInterval
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = allocation.NoopNotifier{}
	}
	return d
}

var errEvicted = errors.New("runnerconn: evicted by a newer connection")

// Connector holds one accepted runner WebSocket's live state.
type Connector struct {
	deps    Deps
	params  ConnectParams
	id      Identity
	conn    *websocket.Conn
	logger  *slog.Logger
	sendMu  sync.Mutex
	lastRTT atomic.Int64 // nanoseconds

	activeMu sync.Mutex
	active   map[wire.RequestID]string // request_id -> gateway_reply_to
}

// Serve runs the full setup sequence and then blocks until the connection
// terminates (spec §4.4). handle must be Unaccepted; Serve accepts it.
func Serve(ctx context.Context, handle *wsconn.Handle, params ConnectParams, deps Deps) error {
	deps = deps.withDefaults()

	conn, err := handle.Accept()
	if err != nil {
		return fmt.Errorf("runnerconn: accept: %w", err)
	}

	init, err := readInitWithTimeout(conn, params.ProtocolVersion, deps.HandshakeTimeout)
	if err != nil {
		reason := apierrors.ErrInvalidInitialPacket
		if errors.Is(err, errHandshakeTimeout) {
			reason = apierrors.ErrTimedOutWaitingForInit
		}
		metrics.HandshakeFailures.WithLabelValues(reason.Code).Inc()
		writeCloseAndDrop(conn, reason)
		return err
	}

	id, err := deps.IdentityResolver.Resolve(ctx, params.Namespace, params.RunnerKey, init)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues(apierrors.ErrInvalidInitialPacket.Code).Inc()
		writeCloseAndDrop(conn, apierrors.ErrInvalidInitialPacket)
		return fmt.Errorf("runnerconn: resolve identity: %w", err)
	}

	logger := deps.Logger.With(
		slog.String("runner_id", id.RunnerID),
		slog.String("workflow_id", id.WorkflowID),
	)

	// Evict any previous connector for this runner_id (invariant I1) before
	// we subscribe ourselves, per the broker-as-coordination-point design.
	evictFrame := &wire.Frame{Kind: wire.KindEvict}
	evictData, err := wire.EncodeVersioned(evictFrame, wire.CurrentVersion)
	if err != nil {
		return fmt.Errorf("runnerconn: encode evict: %w", err)
	}
	subject := subjects.RunnerReceiver(id.RunnerID)
	if err := deps.Broker.Publish(ctx, subject, evictData); err != nil {
		logger.Warn("runnerconn: failed to publish eviction notice", slog.String("error", err.Error()))
	}

	sub, err := deps.Broker.Subscribe(ctx, subject)
	if err != nil {
		writeCloseAndDrop(conn, apierrors.ErrConnectionClosed)
		return fmt.Errorf("runnerconn: subscribe: %w", err)
	}
	defer sub.Close()

	c := &Connector{
		deps:   deps,
		params: params,
		id:     id,
		conn:   conn,
		logger: logger,
		active: make(map[wire.RequestID]string),
	}

	logger.Info("runner connector established")
	metrics.ConnectedRunners.Inc()
	defer func() {
		metrics.ConnectedRunners.Dec()
		deps.Allocation.MarkIneligible(id.RunnerID)
		_ = conn.Close()
		logger.Info("runner connector closed")
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.clientToBroker(gctx) })
	g.Go(func() error { return c.brokerToClient(gctx, sub) })
	g.Go(func() error { return c.pingLoop(gctx) })

	return g.Wait()
}

var errHandshakeTimeout = errors.New("runnerconn: timed out waiting for init")

func readInitWithTimeout(conn *websocket.Conn, v wire.Version, timeout time.Duration) (*wire.Frame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
			return nil, errHandshakeTimeout
		}
		return nil, fmt.Errorf("runnerconn: reading init: %w", err)
	}

	frame, err := wire.Decode(data, v)
	if err != nil {
		return nil, fmt.Errorf("runnerconn: decoding init: %w", err)
	}
	if frame.Kind != wire.KindInit {
		return nil, fmt.Errorf("runnerconn: first frame was kind 0x%02x, not init", frame.Kind)
	}
	return frame, nil
}

func writeCloseAndDrop(conn *websocket.Conn, reason *apierrors.Error) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason.CloseReason())
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

func (c *Connector) send(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// closeWithReason delivers a structured close frame and drops the
// connection, serialized against send through sendMu -- unlike the
// package-level writeCloseAndDrop (only ever used pre-handshake, before any
// other goroutine can be writing to conn), this runs after the connector's
// three supervised loops have started and must not race c.send.
func (c *Connector) closeWithReason(reason *apierrors.Error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason.CloseReason())
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	_ = c.conn.Close()
}

// clientToBroker reads frames off the runner WebSocket and dispatches by
// kind (spec §4.4 step 5.a).
func (c *Connector) clientToBroker(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := wire.Decode(data, c.params.ProtocolVersion)
		if err != nil {
			c.logger.Warn("runnerconn: invalid packet from runner", slog.String("error", err.Error()))
			// Deliver a structured close frame before returning, same as
			// every other protocol violation (spec §7): Serve's deferred
			// cleanup only calls conn.Close(), which would otherwise drop
			// the connection with no reason string at all.
			c.closeWithReason(apierrors.ErrInvalidPacket)
			return fmt.Errorf("%w: %v", apierrors.ErrInvalidPacket, err)
		}

		switch frame.Kind {
		case wire.KindPing:
			sentAt := time.Unix(0, frame.PingSentUnixNano)
			c.lastRTT.Store(int64(time.Since(sentAt)))

		case wire.KindKVRequest:
			c.handleKVRequest(ctx, frame.KVPayload)

		case wire.KindTunnelMessage:
			c.forwardToGateway(ctx, frame.Tunnel)

		case wire.KindInit, wire.KindEvents, wire.KindAckCommands, wire.KindStopping:
			kindName := kindLabel(frame.Kind)
			if err := c.deps.Notifier.ForwardSignal(c.id.WorkflowID, kindName, frame.KVPayload); err != nil {
				c.logger.Warn("runnerconn: failed to forward signal",
					slog.String("kind", kindName), slog.String("error", err.Error()))
			}

		default:
			c.logger.Debug("runnerconn: ignoring unexpected frame kind from runner")
		}
	}
}

func kindLabel(k wire.Kind) string {
	switch k {
	case wire.KindInit:
		return "init"
	case wire.KindEvents:
		return "events"
	case wire.KindAckCommands:
		return "ack_commands"
	case wire.KindStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (c *Connector) handleKVRequest(ctx context.Context, payload []byte) {
	if c.deps.KV == nil {
		return
	}
	respPayload, kvErr := c.deps.KV.Handle(ctx, c.id.RunnerID, payload)
	respFrame := &wire.Frame{Kind: wire.KindKVResponse, KVPayload: respPayload, KVError: kvErr}
	data, err := wire.Encode(respFrame, c.params.ProtocolVersion)
	if err != nil {
		c.logger.Error("runnerconn: failed to encode kv response", slog.String("error", err.Error()))
		return
	}
	if err := c.send(data); err != nil {
		c.logger.Warn("runnerconn: failed to send kv response", slog.String("error", err.Error()))
	}
}

// forwardToGateway publishes a tunnel frame from the runner onto the
// gateway_reply_to subject recorded when the frame's companion request was
// first opened. Terminal frames remove the bookkeeping entry first (spec
// §4.4 step 5.a).
func (c *Connector) forwardToGateway(ctx context.Context, msg wire.TunnelMessage) {
	c.activeMu.Lock()
	replyTo, ok := c.active[msg.RequestID]
	if ok && msg.Terminal() {
		delete(c.active, msg.RequestID)
	}
	c.activeMu.Unlock()

	if !ok {
		c.logger.Debug("runnerconn: tunnel message for unknown request id, dropping",
			slog.String("request_id", msg.RequestID.String()))
		return
	}

	envelope := &wire.Frame{Kind: wire.KindGatewayEnvelope, Tunnel: msg}
	data, err := wire.EncodeVersioned(envelope, wire.CurrentVersion)
	if err != nil {
		c.logger.Error("runnerconn: failed to encode gateway envelope", slog.String("error", err.Error()))
		return
	}
	if err := c.deps.Broker.Publish(ctx, replyTo, data); err != nil {
		c.logger.Warn("runnerconn: failed to publish to gateway", slog.String("error", err.Error()))
	}
}

// brokerToClient reads frames off this runner's broker subscription and
// relays them over the WebSocket, stripping gateway_reply_to and installing
// tunnel_active_requests bookkeeping per P2.
func (c *Connector) brokerToClient(ctx context.Context, sub broker.Subscription) error {
	for {
		raw, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		frame, _, err := wire.DecodeVersioned(raw)
		if err != nil {
			c.logger.Warn("runnerconn: malformed frame from broker", slog.String("error", err.Error()))
			continue
		}

		if frame.Kind == wire.KindEvict {
			c.logger.Info("runnerconn: evicted by a newer connection")
			metrics.Evictions.Inc()
			c.closeWithReason(apierrors.ErrNewRunnerConnected)
			return errEvicted
		}

		if frame.Kind != wire.KindTunnelMessage && frame.Kind != wire.KindGatewayEnvelope {
			continue
		}

		msg := frame.Tunnel
		if msg.GatewayReplyTo != "" {
			c.activeMu.Lock()
			c.active[msg.RequestID] = msg.GatewayReplyTo
			c.activeMu.Unlock()
			msg.GatewayReplyTo = "" // stripped before serialization (P2)
		}
		if msg.Terminal() {
			c.activeMu.Lock()
			delete(c.active, msg.RequestID)
			c.activeMu.Unlock()
		}

		out := &wire.Frame{Kind: wire.KindClientTunnel, Tunnel: msg}
		data, err := wire.Encode(out, c.params.ProtocolVersion)
		if err != nil {
			c.logger.Error("runnerconn: failed to encode client tunnel frame", slog.String("error", err.Error()))
			continue
		}
		if err := c.send(data); err != nil {
			return err
		}
	}
}

// pingLoop refreshes the allocation index with the last observed RTT every
// PingInterval and calls PullQueuedActors when the update makes the runner
// eligible again (spec §4.4 step 5.c). It does not check whether the
// runner's workflow is still live.
func (c *Connector) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.deps.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rtt := time.Duration(c.lastRTT.Load())
			becameEligible := c.deps.Allocation.UpdateRTT(c.id.RunnerID, rtt, time.Now())
			if becameEligible {
				if err := c.deps.Notifier.PullQueuedActors(c.id.RunnerID); err != nil {
					c.logger.Warn("runnerconn: failed to pull queued actors", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// ActiveRequestCount reports the number of request ids this connector is
// currently tracking. Test and metrics helper.
func (c *Connector) ActiveRequestCount() int {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	return len(c.active)
}
