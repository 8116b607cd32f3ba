package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func newTestChunkStore(t *testing.T, ledger *Ledger) *ChunkStore {
	t.Helper()
	cs, err := NewChunkStore(t.TempDir(), ledger, nil)
	if err != nil {
		t.Fatalf("NewChunkStore: %v", err)
	}
	return cs
}

func TestChunkStorePutGetRoundTrip(t *testing.T) {
	l := newTestLedger(t, 100)
	cs := newTestChunkStore(t, l)

	data := []byte("chunk payload bytes")
	if !cs.PutChunk("hash1", 0, 3, data, "peerA") {
		t.Fatalf("PutChunk should succeed")
	}
	got, err := cs.GetChunk("hash1", 0)
	if err != nil {
		t.Fatalf("GetChunk should find the stored chunk: %v", err)
	}
	if string(got.Data) != string(data) {
		t.Fatalf("chunk data mismatch: got %q", got.Data)
	}
	if got.TotalChunks != 3 {
		t.Fatalf("TotalChunks = %d, want 3", got.TotalChunks)
	}
}

func TestChunkStorePutEmitsCachePutAction(t *testing.T) {
	l := newTestLedger(t, 100)
	cs := newTestChunkStore(t, l)

	cs.PutChunk("h", 0, 1, []byte("x"), "")
	cur := l.CurrentBlock()
	if len(cur.Actions) != 1 || cur.Actions[0].Type != ActionCachePut {
		t.Fatalf("expected exactly one CACHE_PUT action, got %+v", cur.Actions)
	}
}

func TestChunkStoreGetEmitsCacheHitAction(t *testing.T) {
	l := newTestLedger(t, 100)
	cs := newTestChunkStore(t, l)
	cs.PutChunk("h", 0, 1, []byte("x"), "")

	if _, err := cs.GetChunk("h", 0); err != nil {
		t.Fatalf("GetChunk should find the chunk: %v", err)
	}
	cur := l.CurrentBlock()
	hits := 0
	for _, a := range cur.Actions {
		if a.Type == ActionCacheHit {
			hits++
		}
	}
	if hits != 1 {
		t.Fatalf("expected exactly one CACHE_HIT action, got %d", hits)
	}
}

func TestChunkStoreGetMissingReturnsErrChunkNotFound(t *testing.T) {
	cs := newTestChunkStore(t, newTestLedger(t, 100))
	if _, err := cs.GetChunk("missing", 0); !errors.Is(err, ErrChunkNotFound) {
		t.Fatalf("GetChunk(missing) = %v, want ErrChunkNotFound", err)
	}
}

func TestChunkStoreIngestAssembleRoundTrip(t *testing.T) {
	l := newTestLedger(t, 1000)
	cs := newTestChunkStore(t, l)

	size := 2_500_000
	data := make([]byte, size)
	rand.New(rand.NewSource(1)).Read(data)

	srcPath := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(srcPath, data, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	hash, err := cs.IngestFile(srcPath)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	wantHash := sha256.Sum256(data)
	if hash != hex.EncodeToString(wantHash[:]) {
		t.Fatalf("fingerprint mismatch")
	}
	if cs.ChunkCount() != 3 {
		t.Fatalf("ChunkCount() = %d, want 3 for a 2,500,000-byte file", cs.ChunkCount())
	}

	outPath := filepath.Join(t.TempDir(), "out.bin")
	if err := cs.AssembleFile(hash, outPath); err != nil {
		t.Fatalf("AssembleFile should succeed: %v", err)
	}
	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	outHash := sha256.Sum256(out)
	if hex.EncodeToString(outHash[:]) != hash {
		t.Fatalf("assembled file hash mismatch")
	}

	putCount, getCount := 0, 0
	for _, a := range l.CurrentBlock().Actions {
		if a.FileHash != hash {
			continue
		}
		switch a.Type {
		case ActionCachePut:
			putCount++
		case ActionCacheGet:
			getCount++
		}
	}
	if putCount != 3 {
		t.Fatalf("expected 3 CACHE_PUT actions for %s, got %d", hash, putCount)
	}
	if getCount != 3 {
		t.Fatalf("expected 3 CACHE_GET actions for %s, got %d", hash, getCount)
	}
}

func TestChunkStoreAssembleMissingChunkFails(t *testing.T) {
	l := newTestLedger(t, 100)
	cs := newTestChunkStore(t, l)
	cs.PutChunk("h", 0, 2, []byte("only chunk 0"), "")

	if err := cs.AssembleFile("h", filepath.Join(t.TempDir(), "out.bin")); !errors.Is(err, ErrIncompleteChunks) {
		t.Fatalf("AssembleFile(missing chunk) = %v, want ErrIncompleteChunks", err)
	}
}

func TestChunkStoreWarmLoadRecoversTotalChunks(t *testing.T) {
	dir := t.TempDir()
	l := newTestLedger(t, 100)
	cs, err := NewChunkStore(dir, l, nil)
	if err != nil {
		t.Fatalf("NewChunkStore: %v", err)
	}
	cs.PutChunk("h", 0, 2, []byte("chunk 0"), "")
	cs.PutChunk("h", 1, 2, []byte("chunk 1"), "")

	reloaded, err := NewChunkStore(dir, l, nil)
	if err != nil {
		t.Fatalf("reload NewChunkStore: %v", err)
	}
	chunk, ok := reloaded.PeekChunk("h", 0)
	if !ok {
		t.Fatalf("warm-loaded store should contain chunk 0")
	}
	if chunk.TotalChunks != 2 {
		t.Fatalf("warm load should recover totalChunks from the persisted header, got %d", chunk.TotalChunks)
	}
	if err := reloaded.AssembleFile("h", filepath.Join(t.TempDir(), "out.bin")); err != nil {
		t.Fatalf("a cold-started node should be able to assemble from its own cache: %v", err)
	}
}

func TestChunkStoreEvictOlderThan(t *testing.T) {
	l := newTestLedger(t, 100)
	cs := newTestChunkStore(t, l)
	cs.PutChunk("h", 0, 1, []byte("x"), "")

	cs.mu.Lock()
	cs.index[chunkKey("h", 0)].TimestampMillis = NowMillis() - 10_000
	cs.mu.Unlock()

	removed := cs.EvictOlderThan(1000)
	if removed != 1 {
		t.Fatalf("EvictOlderThan should remove 1 chunk, got %d", removed)
	}
	if cs.ChunkCount() != 0 {
		t.Fatalf("ChunkCount() should be 0 after eviction")
	}
}
