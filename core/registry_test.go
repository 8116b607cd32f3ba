package core

import (
	"errors"
	"testing"
	"time"
)

func newTestRegistry(self NodeID) *PeerRegistry {
	return NewPeerRegistry(self, nil)
}

func TestPeerRegistryAddSelfIsNoop(t *testing.T) {
	r := newTestRegistry("self")
	if wasNew, err := r.Add(PeerRecord{ID: "self", Host: "h", Port: 1}); wasNew || !errors.Is(err, ErrSelfPeer) {
		t.Fatalf("Add(self) = (%v, %v), want (false, ErrSelfPeer)", wasNew, err)
	}
	if _, ok := r.Get("self"); ok {
		t.Fatalf("self should never be registered")
	}
}

func TestPeerRegistryAddNewThenRefresh(t *testing.T) {
	r := newTestRegistry("self")
	if wasNew, err := r.Add(PeerRecord{ID: "p1", Host: "h", Port: 1}); !wasNew || err != nil {
		t.Fatalf("first add of unknown peer = (%v, %v), want (true, nil)", wasNew, err)
	}
	if wasNew, err := r.Add(PeerRecord{ID: "p1", Host: "h", Port: 1}); wasNew || err != nil {
		t.Fatalf("re-add of known peer = (%v, %v), want (false, nil)", wasNew, err)
	}
	if n := len(r.AllPeers()); n != 1 {
		t.Fatalf("expected 1 peer, got %d", n)
	}
}

func TestPeerRegistryMarkActiveInactive(t *testing.T) {
	r := newTestRegistry("self")
	r.Add(PeerRecord{ID: "p1", Host: "h", Port: 1})

	r.MarkInactive("p1")
	if r.ActiveCount() != 0 {
		t.Fatalf("expected 0 active peers after MarkInactive")
	}

	r.MarkActive("p1")
	if r.ActiveCount() != 1 {
		t.Fatalf("expected 1 active peer after MarkActive")
	}
	if got := len(r.ActivePeers()); got != 1 {
		t.Fatalf("ActivePeers length = %d, want 1", got)
	}
}

func TestPeerRegistryEvictsStalePeers(t *testing.T) {
	r := newTestRegistry("self")
	r.Add(PeerRecord{ID: "stale", Host: "h", Port: 1})

	r.mu.Lock()
	r.peers["stale"].LastSeenMillis = NowMillis() - (PeerTimeout.Milliseconds() + 1000)
	r.mu.Unlock()

	r.evictOnce()

	if _, ok := r.Get("stale"); ok {
		t.Fatalf("stale peer should have been evicted")
	}
}

func TestPeerRegistryRemove(t *testing.T) {
	r := newTestRegistry("self")
	r.Add(PeerRecord{ID: "p1", Host: "h", Port: 1})
	r.Remove("p1")
	if _, ok := r.Get("p1"); ok {
		t.Fatalf("peer should be removed")
	}
}

func TestPeerRegistryStartStop(t *testing.T) {
	r := newTestRegistry("self")
	r.Start()
	time.Sleep(10 * time.Millisecond)
	r.Stop()
}
