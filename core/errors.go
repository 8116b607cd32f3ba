package core

import "errors"

// Sentinel errors checked with errors.Is at call sites, grounded on the
// teacher's utils.Wrap + sentinel-error convention (pkg/utils/errors.go).
var (
	ErrSelfPeer         = errors.New("core: cannot add self as peer")
	ErrChunkNotFound    = errors.New("core: chunk not found")
	ErrFileNotFound     = errors.New("core: no chunks for file")
	ErrBlockExists      = errors.New("core: block already exists")
	ErrNoPredecessor    = errors.New("core: block predecessor not found in chain")
	ErrBadBlockHash     = errors.New("core: block hash does not match contents")
	ErrNoActivePeers    = errors.New("core: no active peers available")
	ErrFetchIncomplete  = errors.New("core: one or more chunks could not be fetched")
	ErrIncompleteChunks = errors.New("core: not all chunks present for assembly")
	ErrTransportClosed  = errors.New("core: transport is stopped")
	ErrHandlerNotFound  = errors.New("core: no handler registered for message type")
)
