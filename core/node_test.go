package core

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"
)

func startTestNode(t *testing.T, bootstrapHost string, bootstrapPort int) *Node {
	t.Helper()
	n, err := NewNode(NodeConfig{
		BindHost:            "127.0.0.1",
		BindPort:            0,
		LedgerDir:           t.TempDir(),
		MaxActionsPerBlock:  100,
		CacheDir:            t.TempDir(),
		FetchWorkerPoolSize: 4,
		BootstrapHost:       bootstrapHost,
		BootstrapPort:       bootstrapPort,
	}, nil)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("node.Start: %v", err)
	}
	t.Cleanup(n.Stop)
	return n
}

func nodePort(t *testing.T, n *Node) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(n.Transport.Addr().String())
	if err != nil {
		t.Fatalf("split node addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse node port: %v", err)
	}
	return port
}

func TestNodeJoinFlowRegistersPeer(t *testing.T) {
	a := startTestNode(t, "", 0)
	portA := nodePort(t, a)

	b := startTestNode(t, "127.0.0.1", portA)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.Registry.ActiveCount() > 0 && b.Registry.ActiveCount() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if a.Registry.ActiveCount() == 0 {
		t.Fatalf("bootstrap node should know about the joining node")
	}
	if b.Registry.ActiveCount() == 0 {
		t.Fatalf("joining node should know about the bootstrap peer")
	}
}

func TestNodeLedgerSyncConvergence(t *testing.T) {
	a := startTestNode(t, "", 0)
	portA := nodePort(t, a)

	// Seal 10 blocks on A, one action per block.
	for i := 0; i < 10; i++ {
		a.Ledger.AddAction(a.Ledger.CreateAction(ActionCachePut, "f", i))
		a.Ledger.SealCurrentBlock()
	}
	if a.Ledger.ChainSize() != 11 { // genesis + 10
		t.Fatalf("node A chain size = %d, want 11", a.Ledger.ChainSize())
	}

	b := startTestNode(t, "127.0.0.1", portA)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Ledger.ChainSize() == a.Ledger.ChainSize() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if b.Ledger.ChainSize() != a.Ledger.ChainSize() {
		t.Fatalf("node B chain size = %d, want %d after sync", b.Ledger.ChainSize(), a.Ledger.ChainSize())
	}
	if !b.Ledger.ValidateChain() {
		t.Fatalf("node B's synced chain should validate")
	}
}

func TestNodeFetchAcrossPeers(t *testing.T) {
	a := startTestNode(t, "", 0)
	portA := nodePort(t, a)

	data := make([]byte, 1_048_577) // 2 chunks
	for i := range data {
		data[i] = byte(i)
	}
	srcPath := t.TempDir() + "/src.bin"
	if err := os.WriteFile(srcPath, data, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	hash, err := a.Store.IngestFile(srcPath)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	b := startTestNode(t, "127.0.0.1", portA)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Registry.ActiveCount() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if b.Registry.ActiveCount() == 0 {
		t.Fatalf("node B never discovered node A")
	}

	outPath := t.TempDir() + "/out.bin"
	if err := b.Fetcher.Fetch(context.Background(), hash, outPath); err != nil {
		t.Fatalf("node B should be able to fetch the file from node A: %v", err)
	}
	if b.Store.ChunkCount() != 2 {
		t.Fatalf("node B should end with 2 cached chunks, got %d", b.Store.ChunkCount())
	}
}

