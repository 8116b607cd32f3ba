package core

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"
)

func startTestTransport(t *testing.T, tr *Transport) int {
	t.Helper()
	if err := tr.Start("127.0.0.1", 0); err != nil {
		t.Fatalf("transport.Start: %v", err)
	}
	t.Cleanup(tr.Stop)
	_, portStr, err := net.SplitHostPort(tr.Addr().String())
	if err != nil {
		t.Fatalf("split listener addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse listener port: %v", err)
	}
	return port
}

func TestTransportSendReceiveRoundTrip(t *testing.T) {
	serverRegistry := newTestRegistry("server")
	server := NewTransport(serverRegistry, nil)

	var gotPing bool
	server.RegisterHandler(MsgPing, func(msg Message) *Message {
		gotPing = true
		return &Message{Type: MsgPong, FromPeerID: "server"}
	})
	port := startTestTransport(t, server)

	clientRegistry := newTestRegistry("client")
	clientRegistry.Add(PeerRecord{ID: "server", Host: "127.0.0.1", Port: port})
	client := NewTransport(clientRegistry, nil)

	dest, _ := clientRegistry.Get("server")
	resp, err := client.Send(dest, Message{Type: MsgPing, FromPeerID: "client"})
	if err != nil {
		t.Fatalf("client.Send: %v", err)
	}
	if resp == nil || resp.Type != MsgPong {
		t.Fatalf("expected a PONG response, got %+v", resp)
	}
	if !gotPing {
		t.Fatalf("server handler should have observed the PING")
	}
	if p, _ := clientRegistry.Get("server"); !p.Active {
		t.Fatalf("peer should be marked active after a successful exchange")
	}
}

func TestTransportSendNoResponseForFireAndForget(t *testing.T) {
	serverRegistry := newTestRegistry("server")
	server := NewTransport(serverRegistry, nil)
	received := make(chan struct{}, 1)
	server.RegisterHandler(MsgLedgerEntry, func(msg Message) *Message {
		received <- struct{}{}
		return nil
	})
	port := startTestTransport(t, server)

	clientRegistry := newTestRegistry("client")
	client := NewTransport(clientRegistry, nil)

	resp, err := client.Send(PeerRecord{ID: "server", Host: "127.0.0.1", Port: port}, Message{
		Type:       MsgLedgerEntry,
		FromPeerID: "client",
	})
	if err != nil {
		t.Fatalf("client.Send: %v", err)
	}
	if resp != nil {
		t.Fatalf("fire-and-forget message types should not return a response")
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatalf("server handler never ran")
	}
}

func TestTransportSendMarksPeerInactiveOnDialFailure(t *testing.T) {
	clientRegistry := newTestRegistry("client")
	clientRegistry.Add(PeerRecord{ID: "nobody", Host: "127.0.0.1", Port: 1})
	client := NewTransport(clientRegistry, nil)

	dest, _ := clientRegistry.Get("nobody")
	if _, err := client.Send(dest, Message{Type: MsgPing, FromPeerID: "client"}); err == nil {
		t.Fatalf("expected an error dialing a closed port")
	}
	if p, _ := clientRegistry.Get("nobody"); p.Active {
		t.Fatalf("peer should be marked inactive after a dial failure")
	}
}

func TestTransportBroadcastReachesAllActivePeers(t *testing.T) {
	serverARegistry := newTestRegistry("a")
	serverA := NewTransport(serverARegistry, nil)
	receivedA := make(chan struct{}, 1)
	serverA.RegisterHandler(MsgLedgerEntry, func(msg Message) *Message {
		receivedA <- struct{}{}
		return nil
	})
	portA := startTestTransport(t, serverA)

	serverBRegistry := newTestRegistry("b")
	serverB := NewTransport(serverBRegistry, nil)
	receivedB := make(chan struct{}, 1)
	serverB.RegisterHandler(MsgLedgerEntry, func(msg Message) *Message {
		receivedB <- struct{}{}
		return nil
	})
	portB := startTestTransport(t, serverB)

	broadcasterRegistry := newTestRegistry("broadcaster")
	broadcasterRegistry.Add(PeerRecord{ID: "a", Host: "127.0.0.1", Port: portA})
	broadcasterRegistry.Add(PeerRecord{ID: "b", Host: "127.0.0.1", Port: portB})
	broadcasterRegistry.MarkActive("a")
	broadcasterRegistry.MarkActive("b")
	broadcaster := NewTransport(broadcasterRegistry, nil)

	broadcaster.Broadcast(Message{Type: MsgLedgerEntry, FromPeerID: "broadcaster"})

	for _, ch := range []chan struct{}{receivedA, receivedB} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("broadcast did not reach all active peers")
		}
	}
}

func TestTransportStopIsIdempotent(t *testing.T) {
	registry := newTestRegistry("server")
	server := NewTransport(registry, nil)
	startTestTransport(t, server)
	server.Stop()
	server.Stop()
}

func TestTransportSendAfterStopReturnsErrTransportClosed(t *testing.T) {
	registry := newTestRegistry("client")
	client := NewTransport(registry, nil)
	client.Stop()

	if _, err := client.Send(PeerRecord{ID: "x", Host: "127.0.0.1", Port: 1}, Message{Type: MsgPing, FromPeerID: "client"}); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Send after Stop = %v, want ErrTransportClosed", err)
	}
}

func TestTransportSendReturnsErrHandlerNotFound(t *testing.T) {
	serverRegistry := newTestRegistry("server")
	server := NewTransport(serverRegistry, nil)
	port := startTestTransport(t, server)

	clientRegistry := newTestRegistry("client")
	client := NewTransport(clientRegistry, nil)

	dest := PeerRecord{ID: "server", Host: "127.0.0.1", Port: port}
	if _, err := client.Send(dest, Message{Type: MsgPing, FromPeerID: "client"}); !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("Send(unregistered type) = %v, want ErrHandlerNotFound", err)
	}
}
