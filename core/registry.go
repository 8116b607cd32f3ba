package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PeerTimeout is the default interval after which a silent peer is evicted
// (spec.md §3 "PeerRecord").
const PeerTimeout = 5 * time.Minute

// peerEvictionInterval is how often the background eviction task runs
// (spec.md §4.2).
const peerEvictionInterval = 60 * time.Second

// PeerRegistry is an in-memory, concurrency-safe map of known peers with
// liveness state and periodic eviction of stale entries. Modeled on the
// teacher's Node.peers map (core/common_structs.go) and PeerManagement
// (core/peer_management.go), generalized from a libp2p peer table to a
// plain (id -> PeerRecord) map keyed by the spec's opaque NodeID.
type PeerRegistry struct {
	mu       sync.RWMutex
	selfID   NodeID
	peers    map[NodeID]*PeerRecord
	timeout  time.Duration
	log      *logrus.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPeerRegistry creates a registry for the given local peer id. The
// eviction task is not started until Start is called.
func NewPeerRegistry(selfID NodeID, log *logrus.Logger) *PeerRegistry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PeerRegistry{
		selfID:  selfID,
		peers:   make(map[NodeID]*PeerRecord),
		timeout: PeerTimeout,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// Add registers or refreshes a peer. Adding the local peer id is rejected
// with ErrSelfPeer (self-exclusion, spec.md §4.2), checked with errors.Is at
// call sites; adding an already-known peer refreshes its lastSeenMillis and
// returns (false, nil); adding a genuinely new peer returns (true, nil) and
// logs a PEER_JOIN record.
func (r *PeerRegistry) Add(p PeerRecord) (bool, error) {
	if p.ID == r.selfID {
		return false, ErrSelfPeer
	}
	now := NowMillis()
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.peers[p.ID]; ok {
		existing.LastSeenMillis = now
		existing.Host = p.Host
		existing.Port = p.Port
		return false, nil
	}

	rec := p
	rec.LastSeenMillis = now
	rec.Active = true
	r.peers[p.ID] = &rec
	r.log.WithFields(logrus.Fields{"event": "PEER_JOIN", "peer": p.ID, "addr": p.Host}).Info("peer joined registry")
	return true, nil
}

// Get returns the peer record for id, if known.
func (r *PeerRegistry) Get(id NodeID) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *p, true
}

// Remove deletes a peer record unconditionally.
func (r *PeerRegistry) Remove(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// ActivePeers returns a snapshot of all peers currently marked active.
func (r *PeerRegistry) ActivePeers() []PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerRecord, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Active {
			out = append(out, *p)
		}
	}
	return out
}

// AllPeers returns a snapshot of every known peer, active or not.
func (r *PeerRegistry) AllPeers() []PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerRecord, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// MarkActive flips a peer to active and refreshes its lastSeenMillis, called
// on any successful outbound or inbound contact (spec.md §3).
func (r *PeerRegistry) MarkActive(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.Active = true
		p.LastSeenMillis = NowMillis()
	}
}

// MarkInactive flips a peer to inactive, called on send failure.
func (r *PeerRegistry) MarkInactive(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.Active = false
	}
}

// ActiveCount returns the number of peers currently marked active.
func (r *PeerRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.peers {
		if p.Active {
			n++
		}
	}
	return n
}

// Start launches the background eviction task (spec.md §4.2: every 60s,
// remove any PeerRecord with now-lastSeenMillis > PEER_TIMEOUT).
func (r *PeerRegistry) Start() {
	r.wg.Add(1)
	go r.evictLoop()
}

// Stop halts the eviction task and waits for its goroutine to exit, which
// includes letting an in-flight eviction cycle finish.
func (r *PeerRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *PeerRegistry) evictLoop() {
	defer r.wg.Done()
	t := time.NewTicker(peerEvictionInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.evictOnce()
		}
	}
}

func (r *PeerRegistry) evictOnce() {
	now := NowMillis()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.peers {
		if now-p.LastSeenMillis > r.timeout.Milliseconds() {
			delete(r.peers, id)
			r.log.WithFields(logrus.Fields{"event": "PEER_EVICT", "peer": id}).Info("peer evicted: stale")
		}
	}
}
