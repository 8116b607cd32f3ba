package core

import (
	cidpkg "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// diagnosticCID derives a CIDv1 for a chunk's compressed bytes, purely for
// operator-facing logs (e.g. "cached chunk cid=bafk...") — it is never used
// as the canonical lookup key, which remains (fileHash, chunkId) per
// spec.md §3. Grounded on the teacher's Storage.Pin (core/storage.go),
// which derives the same kind of CIDv1 from a SHA-256 multihash.
func diagnosticCID(archived []byte) string {
	sum, err := mh.Sum(archived, mh.SHA2_256, -1)
	if err != nil {
		return ""
	}
	return cidpkg.NewCidV1(cidpkg.Raw, sum).String()
}
