// Package core implements the three coupled subsystems of a swarm node:
// the chunked content store, the peer overlay/transport, and the
// hash-chained action ledger. Mirrors the teacher's convention of housing
// the domain model and its subsystems in one cohesive package.
package core

import (
	"net"
	"time"
)

// NodeID is a short opaque peer identifier, stable for the process lifetime.
type NodeID string

// PeerRecord tracks a known peer's liveness state.
type PeerRecord struct {
	ID             NodeID
	Host           string
	Port           int
	LastSeenMillis int64
	Active         bool

	// Conn is not set by the registry or the transport in this package: the
	// transport dials a fresh connection per request, and the registry never
	// keeps connections open between requests.
	Conn net.Conn `json:"-"`
}

// CacheChunk is one fixed-size slice of a file, content-addressed by the
// parent file's SHA-256 fingerprint and the chunk's 0-based index.
type CacheChunk struct {
	FileHash        string
	ChunkID         int
	TotalChunks     int
	Data            []byte
	OwnerPeerID     NodeID
	TimestampMillis int64
}

// ActionType enumerates the cache-affecting events recorded in the ledger.
type ActionType string

const (
	ActionCachePut ActionType = "CACHE_PUT"
	ActionCacheGet ActionType = "CACHE_GET"
	ActionCacheHit ActionType = "CACHE_HIT"
)

// Action is an immutable record of one cache-affecting event.
type Action struct {
	Type            ActionType
	FileHash        string
	ChunkID         int
	PeerID          NodeID
	TimestampMillis int64
}

// Block is an immutable batch of actions linked to its predecessor by hash.
type Block struct {
	BlockID         string
	PreviousHash    string
	TimestampMillis int64
	CreatorPeerID   NodeID
	Actions         []Action
	BlockHash       string
	Signature       []byte `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// MessageType enumerates the wire protocol's message kinds (spec.md §6).
type MessageType string

const (
	MsgJoin                MessageType = "JOIN"
	MsgJoinResponse        MessageType = "JOIN_RESPONSE"
	MsgPeerList            MessageType = "PEER_LIST"
	MsgFileRequest         MessageType = "FILE_REQUEST"
	MsgFileResponse        MessageType = "FILE_RESPONSE"
	MsgLedgerSync          MessageType = "LEDGER_SYNC"
	MsgLedgerSyncResponse  MessageType = "LEDGER_SYNC_RESPONSE"
	MsgLedgerEntry         MessageType = "LEDGER_ENTRY"
	MsgPing                MessageType = "PING"
	MsgPong                MessageType = "PONG"
)

// responseExpecting holds the message types that block on a reply frame
// when dialed (spec.md §4.1).
var responseExpecting = map[MessageType]bool{
	MsgJoin:        true,
	MsgFileRequest: true,
	MsgLedgerSync:  true,
	MsgPing:        true,
}

// ExpectsResponse reports whether sending a message of type t should wait
// for a response frame on the same connection.
func ExpectsResponse(t MessageType) bool { return responseExpecting[t] }

// Message is the envelope carried over the framed transport. Payload values
// are opaque to the transport itself; handlers type-assert what they need.
type Message struct {
	Type       MessageType
	FromPeerID NodeID
	Payload    map[string]any
}

// NowMillis returns the current wall-clock time in epoch milliseconds. Ledger
// and registry state is keyed off this rather than monotonic time because it
// must survive a process restart and compare across peers.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
