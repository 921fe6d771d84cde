package gatewaystate

import (
	"context"
	"testing"
	"time"

	"github.com/rivet-gg/pegboard-tunnel/internal/broker"
	"github.com/rivet-gg/pegboard-tunnel/internal/wire"
)

const testRunnerSubject = "runner.R1"
const testGatewaySubject = "gw.G"

func newTestState(t *testing.T, cfg Config) (*State, *broker.Fake, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := broker.NewFake()
	s, err := New(ctx, b, testGatewaySubject, cfg, nil)
	if err != nil {
		cancel()
		t.Fatalf("New: %v", err)
	}
	return s, b, cancel
}

// TestHappyPathRequest exercises the gateway half of S1: the first publish
// carries gateway_reply_to, the ack clears the pending entry, and the
// delivery queue receives the terminal response message.
func TestHappyPathRequest(t *testing.T) {
	t.Parallel()

	s, b, cancel := newTestState(t, Config{})
	defer cancel()

	reqID, deliveryCh, err := s.StartInFlightRequest(testRunnerSubject)
	if err != nil {
		t.Fatalf("StartInFlightRequest: %v", err)
	}

	runnerSub, err := b.Subscribe(context.Background(), testRunnerSubject)
	if err != nil {
		t.Fatalf("subscribe runner: %v", err)
	}

	if err := s.SendMessage(context.Background(), reqID, wire.TMHTTPRequest, []byte("req")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// Runner observes the frame and learns gateway_reply_to was set (first publish).
	raw, err := runnerSub.Next(context.Background())
	if err != nil {
		t.Fatalf("runner recv: %v", err)
	}
	frame, _, err := wire.DecodeVersioned(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Tunnel.GatewayReplyTo != testGatewaySubject {
		t.Fatalf("gateway_reply_to = %q, want %q", frame.Tunnel.GatewayReplyTo, testGatewaySubject)
	}
	msgID := frame.Tunnel.MessageID

	// Runner replies with an ack for M1.
	ackFrame := &wire.Frame{Kind: wire.KindTunnelAck, AckMessageID: msgID}
	ackData, _ := wire.EncodeVersioned(ackFrame, wire.CurrentVersion)
	if err := b.Publish(context.Background(), testGatewaySubject, ackData); err != nil {
		t.Fatalf("publish ack: %v", err)
	}

	waitForCondition(t, func() bool { return s.PendingCount() == 0 })

	// Runner then sends a terminal response frame wrapped as a gateway envelope.
	respFrame := &wire.Frame{
		Kind: wire.KindGatewayEnvelope,
		Tunnel: wire.TunnelMessage{
			RequestID: reqID,
			MessageID: msgID,
			BodyKind:  wire.TMHTTPResponse,
			Stream:    false,
			Payload:   []byte("resp"),
		},
	}
	respData, _ := wire.EncodeVersioned(respFrame, wire.CurrentVersion)
	if err := b.Publish(context.Background(), testGatewaySubject, respData); err != nil {
		t.Fatalf("publish response: %v", err)
	}

	select {
	case item := <-deliveryCh:
		if item.Kind != DeliveryMessage || !item.Body.Terminal() {
			t.Fatalf("expected terminal message delivery, got %+v", item)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

// TestAckTimeout exercises P1/S2: an unacknowledged message produces exactly
// one Timeout delivery within one GC interval, and the pending table empties.
func TestAckTimeout(t *testing.T) {
	t.Parallel()

	s, _, cancel := newTestState(t, Config{MessageAckTimeout: 10 * time.Millisecond, GCInterval: 20 * time.Millisecond})
	defer cancel()

	reqID, deliveryCh, err := s.StartInFlightRequest(testRunnerSubject)
	if err != nil {
		t.Fatalf("StartInFlightRequest: %v", err)
	}
	if err := s.SendMessage(context.Background(), reqID, wire.TMHTTPRequest, []byte("req")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case item := <-deliveryCh:
		if item.Kind != DeliveryTimeout {
			t.Fatalf("expected Timeout delivery, got %+v", item)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Timeout delivery")
	}

	waitForCondition(t, func() bool { return s.PendingCount() == 0 })
}

// TestOpenedFlipsOnceAndStripsReplyToAfter exercises P3.
func TestOpenedFlipsOnceAndStripsReplyToAfter(t *testing.T) {
	t.Parallel()

	s, b, cancel := newTestState(t, Config{})
	defer cancel()

	reqID, _, err := s.StartInFlightRequest(testRunnerSubject)
	if err != nil {
		t.Fatalf("StartInFlightRequest: %v", err)
	}

	sub, err := b.Subscribe(context.Background(), testRunnerSubject)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := s.SendMessage(context.Background(), reqID, wire.TMHTTPRequest, []byte("1")); err != nil {
		t.Fatalf("SendMessage 1: %v", err)
	}
	if err := s.SendMessage(context.Background(), reqID, wire.TMWebSocketMsg, []byte("2")); err != nil {
		t.Fatalf("SendMessage 2: %v", err)
	}

	first := decodeNext(t, sub)
	second := decodeNext(t, sub)

	if first.Tunnel.GatewayReplyTo == "" {
		t.Fatal("first publish must carry gateway_reply_to")
	}
	if second.Tunnel.GatewayReplyTo != "" {
		t.Fatal("subsequent publish must omit gateway_reply_to")
	}
}

// TestCloseRequestReapsInFlight verifies GC removes InFlightRequests whose
// consumer dropped the queue.
func TestCloseRequestReapsInFlight(t *testing.T) {
	t.Parallel()

	s, _, cancel := newTestState(t, Config{GCInterval: 10 * time.Millisecond})
	defer cancel()

	reqID, _, err := s.StartInFlightRequest(testRunnerSubject)
	if err != nil {
		t.Fatalf("StartInFlightRequest: %v", err)
	}
	s.CloseRequest(reqID)

	waitForCondition(t, func() bool { return s.InFlightCount() == 0 })
}

func decodeNext(t *testing.T, sub broker.Subscription) *wire.Frame {
	t.Helper()
	raw, err := sub.Next(context.Background())
	if err != nil {
		t.Fatalf("sub.Next: %v", err)
	}
	f, _, err := wire.DecodeVersioned(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
