package core

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	dialTimeout  = 5 * time.Second
	readTimeout  = 30 * time.Second
	writeTimeout = 30 * time.Second
)

// Handler processes an inbound Message and optionally returns a response to
// write back on the same connection.
type Handler func(msg Message) *Message

// Transport is the length-prefixed, stream-socket request/response layer
// described in spec.md §4.1. Modeled on the teacher's Node (libp2p host +
// stream multiplexing) but generalized to a plain net.Listener accept loop
// and net.Dial client, because the spec's framing/timeout contract and
// explicit Non-goal of NAT traversal don't fit libp2p's stream/multiaddr
// model (see DESIGN.md "Dropped teacher dependencies").
type Transport struct {
	log      *logrus.Logger
	registry *PeerRegistry

	mu       sync.RWMutex
	handlers map[MessageType]Handler

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool
}

// NewTransport creates a Transport that marks peers active/inactive in reg
// on successful/failed outbound exchanges.
func NewTransport(reg *PeerRegistry, log *logrus.Logger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{
		log:      log,
		registry: reg,
		handlers: make(map[MessageType]Handler),
	}
}

// RegisterHandler installs the handler for a message type. Handlers must be
// safe for concurrent invocation (spec.md §4.1 concurrency contract); the
// handler map itself is populated during init and read-only thereafter, so
// registration should complete before Start.
func (t *Transport) RegisterHandler(typ MessageType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[typ] = h
}

func (t *Transport) handlerFor(typ MessageType) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[typ]
	return h, ok
}

// Start binds the listen socket and begins the accept loop. Each accepted
// connection is served on its own goroutine (spec.md §4.1 "Each accepted
// connection is handled on its own worker").
func (t *Transport) Start(bindHost string, bindPort int) error {
	addr := net.JoinHostPort(bindHost, strconv.Itoa(bindPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	t.listener = ln
	t.stopCh = make(chan struct{})
	t.log.WithFields(logrus.Fields{"addr": addr}).Info("transport listening")

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Addr returns the bound listen address, or nil if Start has not been
// called. Useful when Start was given port 0 and the OS chose a port.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Stop closes the listen socket (causing Accept to fail) and returns
// without waiting for in-flight handlers to finish, per spec.md §5
// "Cancellation".
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		t.closed.Store(true)
		if t.stopCh != nil {
			close(t.stopCh)
		}
		if t.listener != nil {
			_ = t.listener.Close()
		}
	})
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.log.WithError(err).Warn("transport: accept failed")
				return
			}
		}
		go t.serveConn(conn)
	}
}

func (t *Transport) serveConn(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	raw, err := readFrame(conn)
	if err != nil {
		t.log.WithError(err).Debug("transport: read inbound frame failed")
		return
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		t.log.WithError(err).Warn("transport: malformed inbound frame")
		return
	}
	if t.registry != nil {
		t.registry.MarkActive(msg.FromPeerID)
	}

	handler, ok := t.handlerFor(msg.Type)
	if !ok {
		t.log.WithError(ErrHandlerNotFound).WithField("type", msg.Type).Warn("transport: no handler registered")
		if ExpectsResponse(msg.Type) {
			t.writeErrorResponse(conn, msg.Type, ErrHandlerNotFound)
		}
		return
	}

	resp := handler(msg)
	if resp == nil {
		return
	}
	respRaw, err := encodeMessage(*resp)
	if err != nil {
		t.log.WithError(err).Error("transport: encode response failed")
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeFrame(conn, respRaw); err != nil {
		t.log.WithError(err).Debug("transport: write response failed")
	}
}

// writeErrorResponse replies to a request with no registered handler using
// the existing success/error payload convention (e.g. FILE_RESPONSE), so the
// failure is observable by the caller's Send instead of silently dropping
// the connection.
func (t *Transport) writeErrorResponse(conn net.Conn, typ MessageType, cause error) {
	raw, err := encodeMessage(Message{
		Type:    typ,
		Payload: map[string]any{"success": false, "error": cause.Error()},
	})
	if err != nil {
		t.log.WithError(err).Error("transport: encode error response failed")
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeFrame(conn, raw); err != nil {
		t.log.WithError(err).Debug("transport: write error response failed")
	}
}

// Send dials dest, writes message, and — if message.Type is in
// RESPONSE-EXPECTING (spec.md §6) — reads and returns the response frame.
// Any failure marks dest inactive in the registry and returns a nil
// response with a non-nil error; on success dest is marked active. Returns
// ErrTransportClosed if the transport has already been stopped, and
// ErrHandlerNotFound if dest had no handler registered for message.Type.
func (t *Transport) Send(dest PeerRecord, message Message) (*Message, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	addr := net.JoinHostPort(dest.Host, strconv.Itoa(dest.Port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		if t.registry != nil {
			t.registry.MarkInactive(dest.ID)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	defer conn.Close()

	raw, err := encodeMessage(message)
	if err != nil {
		return nil, fmt.Errorf("transport: encode request: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeFrame(conn, raw); err != nil {
		if t.registry != nil {
			t.registry.MarkInactive(dest.ID)
		}
		return nil, fmt.Errorf("transport: write request to %s: %w", addr, err)
	}

	if !ExpectsResponse(message.Type) {
		if t.registry != nil {
			t.registry.MarkActive(dest.ID)
		}
		return nil, nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	respRaw, err := readFrame(conn)
	if err != nil {
		if t.registry != nil {
			t.registry.MarkInactive(dest.ID)
		}
		return nil, fmt.Errorf("transport: read response from %s: %w", addr, err)
	}
	resp, err := decodeMessage(respRaw)
	if err != nil {
		if t.registry != nil {
			t.registry.MarkInactive(dest.ID)
		}
		return nil, fmt.Errorf("transport: decode response from %s: %w", addr, err)
	}
	if resp.Type == message.Type {
		if success, ok := resp.Payload["success"].(bool); ok && !success {
			if errStr, _ := resp.Payload["error"].(string); errStr == ErrHandlerNotFound.Error() {
				if t.registry != nil {
					t.registry.MarkInactive(dest.ID)
				}
				return nil, ErrHandlerNotFound
			}
		}
	}
	if t.registry != nil {
		t.registry.MarkActive(dest.ID)
	}
	return &resp, nil
}

// Broadcast submits one independent fire-and-forget send to every peer
// currently marked active. Per-peer failures do not affect other peers and
// there is no ordering guarantee across peers (spec.md §4.1, §5).
func (t *Transport) Broadcast(message Message) {
	if t.registry == nil {
		return
	}
	for _, p := range t.registry.ActivePeers() {
		peer := p
		go func() {
			if _, err := t.Send(peer, message); err != nil {
				t.log.WithError(err).WithField("peer", peer.ID).Debug("broadcast: send failed")
			}
		}()
	}
}
