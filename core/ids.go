package core

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// blockIDSeq orders block identifiers created within the same millisecond.
var blockIDSeq atomic.Uint64

// sortableMillis zero-pads a millisecond timestamp to 19 digits (enough for
// any int64) so block-file names sort lexicographically in insertion order.
func sortableMillis(nowMillis int64) string {
	return fmt.Sprintf("%019d", nowMillis)
}

// NewPeerID generates a short opaque peer identifier, stable for the process
// lifetime (spec.md §3 "Peer identity"). Grounded on the teacher's use of
// uuid.New() for content and listing identifiers (content_node_impl.go,
// storage.go CreateListing).
func NewPeerID() NodeID {
	return NodeID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// NewBlockID generates an opaque, lexicographically-sortable block
// identifier. A millisecond timestamp prefix followed by a zero-padded
// per-process sequence number keeps on-disk block files sorted by insertion
// order (spec.md §6 "On-disk block file"), including blocks created within
// the same millisecond; a uuid suffix keeps identifiers unique across nodes.
func NewBlockID(nowMillis int64) string {
	return sortableMillis(nowMillis) + "-" + fmt.Sprintf("%020d", blockIDSeq.Add(1)) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
