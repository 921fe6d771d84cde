// Package gatewaystate implements the gateway's per-process shared state:
// the in-flight request table, the pending-ack table, the broker receiver
// loop, and the garbage collector, exactly as specified in spec §4.3.
//
// Lock ordering (spec §5) is in-flight -> pending-messages; code in this
// package never acquires them in reverse, and never holds either lock across
// a broker publish or a channel send to a slow consumer.
package gatewaystate

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rivet-gg/pegboard-tunnel/internal/broker"
	"github.com/rivet-gg/pegboard-tunnel/internal/metrics"
	"github.com/rivet-gg/pegboard-tunnel/internal/wire"
)

// Defaults per spec §4.3 / §5.
const (
	DefaultMessageAckTimeout = 5 * time.Second
	DefaultGCInterval        = 60 * time.Second
	DefaultDeliveryQueueCap  = 128
)

// DeliveryKind discriminates what a DeliveryItem carries.
type DeliveryKind int

const (
	DeliveryMessage DeliveryKind = iota
	DeliveryTimeout
)

// DeliveryItem is one item consumed off an InFlightRequest's delivery queue.
type DeliveryItem struct {
	Kind DeliveryKind
	Body wire.TunnelMessage // valid when Kind == DeliveryMessage
}

// inFlightRequest is the gateway-side bookkeeping for one logical request
// (spec §3 InFlightRequest). opened is guarded by the request's own mu, so
// SendMessage can flip it without holding the table lock across the publish.
type inFlightRequest struct {
	id              wire.RequestID
	receiverSubject string // immutable for the request's lifetime

	mu     sync.Mutex
	opened bool
	queue  chan DeliveryItem
	closed bool
}

// pendingMessage is the gateway-side ack-tracking record (spec §3).
type pendingMessage struct {
	requestID   wire.RequestID
	sendInstant time.Time
}

// Config holds the gateway's tunable timeouts and buffer sizes.
type Config struct {
	MessageAckTimeout time.Duration
	GCInterval        time.Duration
	DeliveryQueueCap  int
}

func (c Config) withDefaults() Config {
	if c.MessageAckTimeout <= 0 {
		c.MessageAckTimeout = DefaultMessageAckTimeout
	}
	if c.GCInterval <= 0 {
		c.GCInterval = DefaultGCInterval
	}
	if c.DeliveryQueueCap <= 0 {
		c.DeliveryQueueCap = DefaultDeliveryQueueCap
	}
	return c
}

// State is the gateway's shared state: in-flight requests keyed by request
// id, pending acks keyed by message id, a receiver loop, and a GC loop.
type State struct {
	cfg    Config
	broker broker.Client
	logger *slog.Logger

	selfSubject string // this gateway's receiver subject

	inFlightMu sync.Mutex
	inFlight   map[wire.RequestID]*inFlightRequest

	pendingMu sync.Mutex
	pending   map[wire.MessageID]*pendingMessage
}

// New constructs a State bound to selfSubject (this gateway's receiver
// subject) and starts its background receiver and GC loops. Callers should
// cancel ctx to stop both loops during shutdown.
func New(ctx context.Context, b broker.Client, selfSubject string, cfg Config, logger *slog.Logger) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &State{
		cfg:         cfg.withDefaults(),
		broker:      b,
		logger:      logger,
		selfSubject: selfSubject,
		inFlight:    make(map[wire.RequestID]*inFlightRequest),
		pending:     make(map[wire.MessageID]*pendingMessage),
	}

	sub, err := b.Subscribe(ctx, selfSubject)
	if err != nil {
		return nil, err
	}

	go s.receiverLoop(ctx, sub)
	go s.gcLoop(ctx)

	return s, nil
}

func newRequestID() (wire.RequestID, error) {
	var id wire.RequestID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

func newMessageID() (wire.MessageID, error) {
	var id wire.MessageID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// ErrRequestNotFound is returned by SendMessage when the request id is
// unknown (already garbage-collected or never created).
var ErrRequestNotFound = errors.New("gatewaystate: request not found")

// StartInFlightRequest allocates a fresh request id bound to
// receiverSubject (the runner-owned subject this request will publish to)
// and returns the consumer end of its bounded delivery queue.
func (s *State) StartInFlightRequest(receiverSubject string) (wire.RequestID, <-chan DeliveryItem, error) {
	id, err := newRequestID()
	if err != nil {
		return id, nil, err
	}

	req := &inFlightRequest{
		id:              id,
		receiverSubject: receiverSubject,
		queue:           make(chan DeliveryItem, s.cfg.DeliveryQueueCap),
	}

	s.inFlightMu.Lock()
	s.inFlight[id] = req
	s.inFlightMu.Unlock()
	metrics.InFlightRequests.Inc()

	return id, req.queue, nil
}

// SendMessage publishes one outbound frame for requestID, implementing the
// four steps of spec §4.3 in order: look up + flip `opened`, register the
// pending ack, build the frame, publish.
func (s *State) SendMessage(ctx context.Context, requestID wire.RequestID, bodyKind wire.TunnelMessageKind, payload []byte) error {
	// Step 1: under the in-flight lock, look up the request; then, under the
	// request's own lock, capture its receiver subject and whether this is
	// the first publish.
	s.inFlightMu.Lock()
	req, ok := s.inFlight[requestID]
	s.inFlightMu.Unlock()
	if !ok {
		return ErrRequestNotFound
	}

	req.mu.Lock()
	firstPublish := !req.opened
	req.opened = true
	receiverSubject := req.receiverSubject
	req.mu.Unlock()

	// Step 2: register the pending-ack record under a fresh message id.
	msgID, err := newMessageID()
	if err != nil {
		return err
	}
	s.pendingMu.Lock()
	s.pending[msgID] = &pendingMessage{requestID: requestID, sendInstant: time.Now()}
	s.pendingMu.Unlock()
	metrics.PendingAcks.Inc()

	// Step 3: build the frame. gateway_reply_to is populated only on the
	// first publish for this request (invariant I3).
	replyTo := ""
	if firstPublish {
		replyTo = s.selfSubject
	}
	frame := &wire.Frame{
		Kind: wire.KindTunnelMessage,
		Tunnel: wire.TunnelMessage{
			RequestID:      requestID,
			MessageID:      msgID,
			GatewayReplyTo: replyTo,
			BodyKind:       bodyKind,
			Payload:        payload,
		},
	}
	data, err := wire.EncodeVersioned(frame, wire.CurrentVersion)
	if err != nil {
		return err
	}

	// Step 4: publish. A failure here does not roll back the pending entry;
	// the GC reaps it after MessageAckTimeout, per spec.
	if err := s.broker.Publish(ctx, receiverSubject, data); err != nil {
		s.logger.Warn("gatewaystate: publish failed, awaiting ack timeout",
			slog.String("request_id", requestID.String()),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// receiverLoop consumes frames arriving on this gateway's own receiver
// subject and demultiplexes them by request id (spec §4.3 receiver loop).
func (s *State) receiverLoop(ctx context.Context, sub broker.Subscription) {
	defer sub.Close()
	for {
		raw, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("gatewaystate: receiver loop error", slog.String("error", err.Error()))
			continue
		}

		frame, _, err := wire.DecodeVersioned(raw)
		if err != nil {
			s.logger.Warn("gatewaystate: dropping malformed frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Kind {
		case wire.KindTunnelAck:
			s.handleAck(frame.AckMessageID)
		case wire.KindGatewayEnvelope, wire.KindTunnelMessage:
			s.handleInboundTunnelMessage(ctx, frame.Tunnel)
		default:
			s.logger.Debug("gatewaystate: skipping unexpected frame kind")
		}
	}
}

func (s *State) handleAck(msgID wire.MessageID) {
	s.pendingMu.Lock()
	_, ok := s.pending[msgID]
	if ok {
		delete(s.pending, msgID)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.logger.Debug("gatewaystate: ack for unknown message id", slog.String("message_id", msgID.String()))
		return
	}
	metrics.PendingAcks.Dec()
}

func (s *State) handleInboundTunnelMessage(ctx context.Context, msg wire.TunnelMessage) {
	s.inFlightMu.Lock()
	req, ok := s.inFlight[msg.RequestID]
	s.inFlightMu.Unlock()

	if ok {
		// Non-blocking enqueue: drop silently if the consumer has closed the
		// queue, and drop with a warning if the queue is full.
		req.mu.Lock()
		closed := req.closed
		req.mu.Unlock()
		if !closed {
			select {
			case req.queue <- DeliveryItem{Kind: DeliveryMessage, Body: msg}:
			default:
				s.logger.Warn("gatewaystate: delivery queue full, dropping frame",
					slog.String("request_id", msg.RequestID.String()))
			}
		}
	}

	// Publish an independent ack back to the owning runner, fire-and-forget.
	go s.sendAck(ctx, msg)
}

func (s *State) sendAck(ctx context.Context, msg wire.TunnelMessage) {
	s.inFlightMu.Lock()
	req, ok := s.inFlight[msg.RequestID]
	s.inFlightMu.Unlock()
	if !ok {
		return
	}

	ackFrame := &wire.Frame{Kind: wire.KindTunnelAck, AckMessageID: msg.MessageID}
	data, err := wire.EncodeVersioned(ackFrame, wire.CurrentVersion)
	if err != nil {
		s.logger.Error("gatewaystate: failed to encode ack", slog.String("error", err.Error()))
		return
	}
	if err := s.broker.Publish(ctx, req.receiverSubject, data); err != nil {
		s.logger.Warn("gatewaystate: failed to publish ack", slog.String("error", err.Error()))
	}
}

// CloseRequest marks requestID's delivery queue as done, closing the
// channel so the GC loop reaps the InFlightRequest on its next pass.
func (s *State) CloseRequest(requestID wire.RequestID) {
	s.inFlightMu.Lock()
	req, ok := s.inFlight[requestID]
	s.inFlightMu.Unlock()
	if !ok {
		return
	}
	req.mu.Lock()
	if !req.closed {
		req.closed = true
		close(req.queue)
	}
	req.mu.Unlock()
}

// gcLoop runs every GCInterval, reaping timed-out pending acks (P1/S2) and
// InFlightRequests whose consumer has gone away.
func (s *State) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapPending()
			s.reapInFlight()
		}
	}
}

func (s *State) reapPending() {
	now := time.Now()

	s.pendingMu.Lock()
	var expired []struct {
		msgID wire.MessageID
		reqID wire.RequestID
	}
	for msgID, pm := range s.pending {
		if now.Sub(pm.sendInstant) > s.cfg.MessageAckTimeout {
			expired = append(expired, struct {
				msgID wire.MessageID
				reqID wire.RequestID
			}{msgID, pm.requestID})
			delete(s.pending, msgID)
		}
	}
	s.pendingMu.Unlock()

	for range expired {
		metrics.PendingAcks.Dec()
		metrics.AckTimeouts.Inc()
	}

	for _, x := range expired {
		s.inFlightMu.Lock()
		req, ok := s.inFlight[x.reqID]
		s.inFlightMu.Unlock()
		if !ok {
			continue
		}
		req.mu.Lock()
		closed := req.closed
		req.mu.Unlock()
		if closed {
			continue
		}
		// try_send: the GC must never stall on a slow consumer.
		select {
		case req.queue <- DeliveryItem{Kind: DeliveryTimeout}:
		default:
		}
	}
}

func (s *State) reapInFlight() {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	for id, req := range s.inFlight {
		req.mu.Lock()
		closed := req.closed
		req.mu.Unlock()
		if closed {
			delete(s.inFlight, id)
			metrics.InFlightRequests.Dec()
		}
	}
}

// PendingCount reports the number of outstanding pending-ack entries. Test
// and metrics helper.
func (s *State) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// InFlightCount reports the number of live in-flight requests. Test and
// metrics helper.
func (s *State) InFlightCount() int {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	return len(s.inFlight)
}
