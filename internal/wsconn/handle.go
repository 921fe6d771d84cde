// Package wsconn implements the pending-upgrade WebSocket handle described
// in spec §4.2: a mutex-guarded three-state machine (Unaccepted ->
// Accepting -> Split) that lets a caller reject a connection with a
// structured close frame before the HTTP upgrade has even completed,
// without racing the accept.
package wsconn

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// State is the handle's position in its monotonic state machine (I5).
type State int

const (
	Unaccepted State = iota
	Accepting
	Split
)

func (s State) String() string {
	switch s {
	case Unaccepted:
		return "unaccepted"
	case Accepting:
		return "accepting"
	case Split:
		return "split"
	default:
		return "unknown"
	}
}

// ErrNotUnaccepted is returned by Accept when the handle has already left
// the Unaccepted state.
var ErrNotUnaccepted = errors.New("wsconn: handle is not in the unaccepted state")

// Upgrader performs the actual HTTP -> WebSocket upgrade. Satisfied by
// *websocket.Upgrader; abstracted so tests can substitute a stub.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
}

// Handle wraps one pending-upgrade connection. Operations are serialized by
// mu so accept() and accept_and_send() can be composed atomically (I5).
type Handle struct {
	mu       sync.Mutex
	state    State
	upgrader Upgrader
	w        http.ResponseWriter
	r        *http.Request
	header   http.Header
	conn     *websocket.Conn

	sendMu sync.Mutex // serializes concurrent senders once Split
}

// New creates an Unaccepted handle bound to one HTTP upgrade request.
func New(upgrader Upgrader, w http.ResponseWriter, r *http.Request, responseHeader http.Header) *Handle {
	return &Handle{
		upgrader: upgrader,
		w:        w,
		r:        r,
		header:   responseHeader,
	}
}

// State returns the handle's current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Accept transitions Unaccepted -> Accepting -> Split and returns the
// upgraded connection. Fails if the handle is not Unaccepted.
func (h *Handle) Accept() (*websocket.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acceptLocked()
}

// acceptLocked performs the upgrade. Caller must hold mu.
func (h *Handle) acceptLocked() (*websocket.Conn, error) {
	if h.state != Unaccepted {
		return nil, ErrNotUnaccepted
	}
	h.state = Accepting

	conn, err := h.upgrader.Upgrade(h.w, h.r, h.header)
	if err != nil {
		// Upgrade failed; the handle stays unusable but we don't roll the
		// state back to Unaccepted -- the HTTP hijack has already been
		// attempted and can't be retried.
		return nil, err
	}
	h.conn = conn
	h.state = Split
	return conn, nil
}

// Send writes a message frame. Permitted only in Split (I5); in any other
// state it returns an error without writing.
func (h *Handle) Send(messageType int, data []byte) error {
	h.mu.Lock()
	conn := h.conn
	state := h.state
	h.mu.Unlock()

	if state != Split {
		return errors.New("wsconn: send is only permitted once split")
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

// AcceptAndSend atomically accepts (if needed) then sends one frame. This is
// how the connector delivers a structured close-frame error to a client that
// has not yet completed the upgrade, without racing a concurrent Accept.
func (h *Handle) AcceptAndSend(messageType int, data []byte) error {
	h.mu.Lock()
	if h.state == Unaccepted {
		if _, err := h.acceptLocked(); err != nil {
			h.mu.Unlock()
			return err
		}
	}
	conn := h.conn
	state := h.state
	h.mu.Unlock()

	if state != Split {
		return errors.New("wsconn: handle never reached split state")
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

// CloseWithReason sends a structured close frame (group.code reason string)
// and tears down the connection, using AcceptAndSend so the error path works
// even pre-upgrade.
func (h *Handle) CloseWithReason(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	err := h.AcceptAndSend(websocket.CloseMessage, msg)

	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return err
}
