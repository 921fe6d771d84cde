package runnerconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rivet-gg/pegboard-tunnel/internal/allocation"
	"github.com/rivet-gg/pegboard-tunnel/internal/apierrors"
	"github.com/rivet-gg/pegboard-tunnel/internal/broker"
	"github.com/rivet-gg/pegboard-tunnel/internal/wire"
	"github.com/rivet-gg/pegboard-tunnel/internal/wsconn"
)

type stubResolver struct {
	id  Identity
	err error
}

func (s stubResolver) Resolve(context.Context, string, string, *wire.Frame) (Identity, error) {
	return s.id, s.err
}

// newTestServer starts an httptest server that upgrades every request to a
// runner connector using Serve, and returns a dialed client connection.
func newTestServer(t *testing.T, b broker.Client, deps Deps) (*websocket.Conn, *httptest.Server) {
	t.Helper()

	upgrader := &websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params, apiErr := ParseConnectParams(r)
		if apiErr != nil {
			http.Error(w, apiErr.Error(), http.StatusBadRequest)
			return
		}
		handle := wsconn.New(upgrader, w, r, nil)
		deps.Broker = b
		_ = Serve(context.Background(), handle, params, deps)
	}))

	wsURL := "ws" + srv.URL[len("http"):] + "?protocol_version=1&namespace=ns&runner_key=rk"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, srv
}

func sendFrame(t *testing.T, conn *websocket.Conn, f *wire.Frame) {
	t.Helper()
	data, err := wire.Encode(f, wire.CurrentVersion)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recvFrame(t *testing.T, conn *websocket.Conn) *wire.Frame {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := wire.Decode(data, wire.CurrentVersion)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func newTestDeps(resolver IdentityResolver) Deps {
	return Deps{
		Allocation:       allocation.NewIndex(),
		IdentityResolver: resolver,
		HandshakeTimeout: time.Second,
		PingInterval:     50 * time.Millisecond,
	}
}

// TestGatewayReplyToStrippedAndActiveRequestTracked covers P2: the
// broker->client path strips gateway_reply_to before it reaches the runner
// and records the mapping in the active-request table.
func TestGatewayReplyToStrippedAndActiveRequestTracked(t *testing.T) {
	t.Parallel()

	fake := broker.NewFake()
	deps := newTestDeps(stubResolver{id: Identity{RunnerID: "runner-1", WorkflowID: "wf-1"}})
	conn, srv := newTestServer(t, fake, deps)
	defer srv.Close()
	defer conn.Close()

	sendFrame(t, conn, &wire.Frame{Kind: wire.KindInit, InitRunnerKey: "rk", InitNamespace: "ns"})

	var reqID wire.RequestID
	copy(reqID[:], "0123456789abcdef")

	envelope, err := wire.EncodeVersioned(&wire.Frame{
		Kind: wire.KindTunnelMessage,
		Tunnel: wire.TunnelMessage{
			RequestID:      reqID,
			GatewayReplyTo: "gateway.receiver.gw-1",
			BodyKind:       wire.TMHTTPRequest,
		},
	}, wire.CurrentVersion)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	if err := fake.Publish(context.Background(), "runner.receiver.runner-1", envelope); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f := recvFrame(t, conn)
	if f.Kind != wire.KindClientTunnel {
		t.Fatalf("kind = %v, want KindClientTunnel", f.Kind)
	}
	if f.Tunnel.GatewayReplyTo != "" {
		t.Fatalf("gateway_reply_to leaked to runner: %q", f.Tunnel.GatewayReplyTo)
	}

	// The recorded mapping routes the runner's reply to the stripped subject.
	gwSub, err := fake.Subscribe(context.Background(), "gateway.receiver.gw-1")
	if err != nil {
		t.Fatalf("subscribe gateway: %v", err)
	}
	defer gwSub.Close()
	sendFrame(t, conn, &wire.Frame{
		Kind:   wire.KindTunnelMessage,
		Tunnel: wire.TunnelMessage{RequestID: reqID, BodyKind: wire.TMHTTPResponse},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := gwSub.Next(ctx)
	if err != nil {
		t.Fatalf("gateway recv: %v", err)
	}
	reply, _, err := wire.DecodeVersioned(raw)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Kind != wire.KindGatewayEnvelope || reply.Tunnel.RequestID != reqID {
		t.Fatalf("reply = kind %v request %v, want gateway envelope for %v", reply.Kind, reply.Tunnel.RequestID, reqID)
	}
}

// TestSecondConnectionEvictsFirst covers P5/S3: a newer connector for the
// same runner_id closes the earlier one with ws.new_runner_connected.
func TestSecondConnectionEvictsFirst(t *testing.T) {
	t.Parallel()

	fake := broker.NewFake()
	deps := newTestDeps(stubResolver{id: Identity{RunnerID: "runner-evict", WorkflowID: "wf-1"}})

	upgrader := &websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params, apiErr := ParseConnectParams(r)
		if apiErr != nil {
			http.Error(w, apiErr.Error(), http.StatusBadRequest)
			return
		}
		d := deps
		d.Broker = fake
		_ = Serve(context.Background(), wsconn.New(upgrader, w, r, nil), params, d)
	}))
	defer srv.Close()

	dial := func() *websocket.Conn {
		wsURL := "ws" + srv.URL[len("http"):] + "?protocol_version=1&namespace=ns&runner_key=rk"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		return conn
	}

	first := dial()
	defer first.Close()
	sendFrame(t, first, &wire.Frame{Kind: wire.KindInit, InitRunnerKey: "rk", InitNamespace: "ns"})
	time.Sleep(50 * time.Millisecond) // let the first connector subscribe

	second := dial()
	defer second.Close()
	sendFrame(t, second, &wire.Frame{Kind: wire.KindInit, InitRunnerKey: "rk", InitNamespace: "ns"})

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	if err == nil {
		t.Fatal("expected first connection to be closed by eviction")
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %T: %v", err, err)
	}
	if closeErr.Text != apierrors.ErrNewRunnerConnected.CloseReason() {
		t.Fatalf("close reason = %q, want %q", closeErr.Text, apierrors.ErrNewRunnerConnected.CloseReason())
	}
}

// TestBadInitClosesWithInvalidInitialPacket covers S4.
func TestBadInitClosesWithInvalidInitialPacket(t *testing.T) {
	t.Parallel()

	fake := broker.NewFake()
	deps := newTestDeps(stubResolver{id: Identity{RunnerID: "runner-bad", WorkflowID: "wf-1"}})
	conn, srv := newTestServer(t, fake, deps)
	defer srv.Close()
	defer conn.Close()

	sendFrame(t, conn, &wire.Frame{Kind: wire.KindPing, PingSentUnixNano: 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %T: %v", err, err)
	}
	if closeErr.Text != apierrors.ErrInvalidInitialPacket.CloseReason() {
		t.Fatalf("close reason = %q, want %q", closeErr.Text, apierrors.ErrInvalidInitialPacket.CloseReason())
	}
}

// TestMidStreamMalformedFrameClosesWithInvalidPacket covers the protocol
// error path distinct from S4: a runner that completes the handshake but
// later sends a malformed frame is closed with a structured ws.invalid_packet
// reason, not just silently dropped (spec §7).
func TestMidStreamMalformedFrameClosesWithInvalidPacket(t *testing.T) {
	t.Parallel()

	fake := broker.NewFake()
	deps := newTestDeps(stubResolver{id: Identity{RunnerID: "runner-garbage", WorkflowID: "wf-1"}})
	conn, srv := newTestServer(t, fake, deps)
	defer srv.Close()
	defer conn.Close()

	sendFrame(t, conn, &wire.Frame{Kind: wire.KindInit, InitRunnerKey: "rk", InitNamespace: "ns"})

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %T: %v", err, err)
	}
	if closeErr.Text != apierrors.ErrInvalidPacket.CloseReason() {
		t.Fatalf("close reason = %q, want %q", closeErr.Text, apierrors.ErrInvalidPacket.CloseReason())
	}
}

// TestParseConnectParamsRejectsMissingFields covers the URL-validation edge
// case (ws.invalid_url).
func TestParseConnectParamsRejectsMissingFields(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/connect?protocol_version=1&namespace=ns", nil)
	_, apiErr := ParseConnectParams(r)
	if apiErr == nil {
		t.Fatal("expected invalid_url error for missing runner_key")
	}
	if apiErr.Code != "invalid_url" {
		t.Fatalf("code = %q, want invalid_url", apiErr.Code)
	}
}

func TestParseConnectParamsAccepts(t *testing.T) {
	t.Parallel()

	u := &url.URL{Path: "/connect", RawQuery: "protocol_version=1&namespace=ns&runner_key=rk"}
	r := &http.Request{URL: u}
	params, apiErr := ParseConnectParams(r)
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if params.ProtocolVersion != 1 || params.Namespace != "ns" || params.RunnerKey != "rk" {
		t.Fatalf("unexpected params: %+v", params)
	}
}
