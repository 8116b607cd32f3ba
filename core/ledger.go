package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultMaxActionsPerBlock is the sealing threshold used when NewLedger is
// given a non-positive value (spec.md §4.3, default 100).
const DefaultMaxActionsPerBlock = 100

const (
	genesisBlockID    = "0"
	genesisPrevHash   = "0"
	blockFileSuffix   = ".block.json"
)

// Signer optionally produces a signature over a block's blockHash. Unwired
// by default; an extension point left open by spec.md §3's `signature?`
// field and §9's open question on block authenticity.
type Signer interface {
	Sign(blockHash string) ([]byte, error)
}

// Verifier optionally checks a block's signature. See Signer.
type Verifier interface {
	Verify(blockHash string, signature []byte) bool
}

// Ledger is the hash-chained append-only action log (spec.md §4.3).
// Grounded on the teacher's Ledger (core/ledger.go: NewLedger/OpenLedger,
// WAL replay, AppendBlock), generalized from a WAL+snapshot model to
// one-file-per-block persistence because spec.md §6 specifies on-disk
// layout as "one file per block ... named so that lexicographic sort
// matches insertion order", not a write-ahead log.
type Ledger struct {
	mu sync.RWMutex

	dir    string
	selfID NodeID
	log    *logrus.Logger

	chain        []Block
	currentBlock Block

	maxActionsPerBlock int

	signer   Signer
	verifier Verifier

	onSealed func(Block)
}

// NewLedger creates or reloads a ledger rooted at dir (spec.md §4.3
// construction sequence). maxActionsPerBlock <= 0 selects
// DefaultMaxActionsPerBlock.
func NewLedger(dir string, selfID NodeID, maxActionsPerBlock int, log *logrus.Logger) (*Ledger, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if maxActionsPerBlock <= 0 {
		maxActionsPerBlock = DefaultMaxActionsPerBlock
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}
	l := &Ledger{dir: dir, selfID: selfID, maxActionsPerBlock: maxActionsPerBlock, log: log}

	if err := l.reload(); err != nil {
		return nil, err
	}

	if len(l.chain) == 0 {
		genesis := Block{
			BlockID:      genesisBlockID,
			PreviousHash: genesisPrevHash,
			Actions:      nil,
		}
		genesis.BlockHash = computeBlockHash(genesis)
		if err := l.persistBlock(genesis); err != nil {
			return nil, fmt.Errorf("ledger: persist genesis: %w", err)
		}
		l.chain = append(l.chain, genesis)
		l.log.WithField("blockId", genesis.BlockID).Info("ledger: genesis block created")
	}

	l.currentBlock = l.freshBlock()
	return l, nil
}

// SetSigner installs an optional Signer used when sealing new blocks.
func (l *Ledger) SetSigner(s Signer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signer = s
}

// SetVerifier installs an optional Verifier consulted during validateBlock
// when a signature is present. Unset by default: signatures are accepted
// without verification unless a Verifier is installed.
func (l *Ledger) SetVerifier(v Verifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verifier = v
}

// OnSealed registers a callback invoked, outside the ledger lock, whenever
// sealCurrentBlock seals a new block. The Node uses this to gossip freshly
// sealed blocks to peers (spec.md §6 LEDGER_ENTRY), mirroring the teacher's
// Replicator broadcast-on-state-change pattern (core/replication.go).
func (l *Ledger) OnSealed(fn func(Block)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSealed = fn
}

func (l *Ledger) freshBlock() Block {
	last := l.chain[len(l.chain)-1]
	return Block{
		BlockID:       NewBlockID(NowMillis()),
		PreviousHash:  last.BlockHash,
		CreatorPeerID: l.selfID,
	}
}

func (l *Ledger) reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("ledger: read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == "" {
			continue
		}
		if len(e.Name()) > len(blockFileSuffix) && e.Name()[len(e.Name())-len(blockFileSuffix):] == blockFileSuffix {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		blk, err := l.readBlockFile(filepath.Join(l.dir, name))
		if err != nil {
			l.log.WithError(err).WithField("file", name).Warn("ledger: skipping unparsable block file")
			continue
		}
		if err := l.validateBlockLocked(blk); err != nil {
			l.log.WithError(err).WithField("file", name).Warn("ledger: skipping block that fails validation on reload")
			continue
		}
		l.chain = append(l.chain, blk)
	}
	return nil
}

func (l *Ledger) readBlockFile(path string) (Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Block{}, fmt.Errorf("read block file: %w", err)
	}
	var blk Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return Block{}, fmt.Errorf("unmarshal block file: %w", err)
	}
	return blk, nil
}

func (l *Ledger) blockPath(blockID string) string {
	safe := blockID
	return filepath.Join(l.dir, safe+blockFileSuffix)
}

func (l *Ledger) persistBlock(blk Block) error {
	data, err := json.MarshalIndent(blk, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	tmp := l.blockPath(blk.BlockID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write block temp file: %w", err)
	}
	if err := os.Rename(tmp, l.blockPath(blk.BlockID)); err != nil {
		return fmt.Errorf("rename block file: %w", err)
	}
	return nil
}

// computeBlockHash implements spec.md §3's exact canonical serialization:
// blockId || previousHash || decimal(timestampMillis) ||
// concat_for_each_action(type || fileHash || peerId || decimal(timestampMillis) || decimal(chunkId))
func computeBlockHash(b Block) string {
	h := sha256.New()
	h.Write([]byte(b.BlockID))
	h.Write([]byte(b.PreviousHash))
	h.Write([]byte(strconv.FormatInt(b.TimestampMillis, 10)))
	for _, a := range b.Actions {
		h.Write([]byte(a.Type))
		h.Write([]byte(a.FileHash))
		h.Write([]byte(a.PeerID))
		h.Write([]byte(strconv.FormatInt(a.TimestampMillis, 10)))
		h.Write([]byte(strconv.Itoa(a.ChunkID)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CreateAction builds a new Action with the current timestamp and this
// ledger's self peer id (spec.md §4.3 `createAction`).
func (l *Ledger) CreateAction(typ ActionType, fileHash string, chunkID int) Action {
	return Action{
		Type:            typ,
		FileHash:        fileHash,
		ChunkID:         chunkID,
		PeerID:          l.selfID,
		TimestampMillis: NowMillis(),
	}
}

// AddAction appends action to the open block, logs it, and seals the block
// if the threshold is reached. Returns true iff a seal occurred.
func (l *Ledger) AddAction(action Action) bool {
	l.mu.Lock()
	l.currentBlock.Actions = append(l.currentBlock.Actions, action)
	l.log.WithFields(logrus.Fields{
		"action":   action.Type,
		"fileHash": action.FileHash,
		"chunkId":  action.ChunkID,
	}).Debug("ledger: action recorded")

	sealed := len(l.currentBlock.Actions) >= l.maxActionsPerBlock
	var blk *Block
	if sealed {
		blk = l.sealCurrentBlockLocked()
	}
	cb := l.onSealed
	l.mu.Unlock()

	if blk != nil && cb != nil {
		cb(*blk)
	}
	return blk != nil
}

// SealCurrentBlock seals the open block if it has any actions, returning the
// sealed block, or nil if there was nothing to seal.
func (l *Ledger) SealCurrentBlock() *Block {
	l.mu.Lock()
	blk := l.sealCurrentBlockLocked()
	cb := l.onSealed
	l.mu.Unlock()

	if blk != nil && cb != nil {
		cb(*blk)
	}
	return blk
}

func (l *Ledger) sealCurrentBlockLocked() *Block {
	if len(l.currentBlock.Actions) == 0 {
		return nil
	}
	blk := l.currentBlock
	blk.TimestampMillis = NowMillis()
	blk.BlockHash = computeBlockHash(blk)

	if l.signer != nil {
		sig, err := l.signer.Sign(blk.BlockHash)
		if err != nil {
			l.log.WithError(err).Warn("ledger: signing failed, sealing unsigned")
		} else {
			blk.Signature = sig
		}
	}

	if err := l.persistBlock(blk); err != nil {
		l.log.WithError(err).Error("ledger: failed to persist sealed block")
		return nil
	}

	l.chain = append(l.chain, blk)
	l.currentBlock = l.freshBlock()
	l.log.WithFields(logrus.Fields{
		"blockId": blk.BlockID,
		"actions": len(blk.Actions),
	}).Info("ledger: block sealed")
	return &blk
}

// AddBlock accepts a peer-originated block (spec.md §4.3 `addBlock`). It
// returns ErrBlockExists for a known blockId, or whatever validateBlockLocked
// rejected it for (ErrBadBlockHash, ErrNoPredecessor), checked with
// errors.Is at call sites (spec.md §7).
func (l *Ledger) AddBlock(blk Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.chain {
		if existing.BlockID == blk.BlockID {
			return ErrBlockExists
		}
	}
	if err := l.validateBlockLocked(blk); err != nil {
		return err
	}
	if err := l.persistBlock(blk); err != nil {
		l.log.WithError(err).WithField("blockId", blk.BlockID).Error("ledger: failed to persist peer block, rolling back")
		return fmt.Errorf("ledger: persist peer block: %w", err)
	}
	l.chain = append(l.chain, blk)
	return nil
}

// ValidateBlock recomputes blk's hash, checks a present signature when a
// Verifier is installed, and checks it has a predecessor somewhere in the
// chain (lenient linkage, spec.md §4.3/§9). Returns ErrBadBlockHash (also
// for a rejected signature) or ErrNoPredecessor, or nil if blk is valid.
func (l *Ledger) ValidateBlock(blk Block) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.validateBlockLocked(blk)
}

func (l *Ledger) validateBlockLocked(blk Block) error {
	if computeBlockHash(blk) != blk.BlockHash {
		return ErrBadBlockHash
	}
	if l.verifier != nil && len(blk.Signature) > 0 && !l.verifier.Verify(blk.BlockHash, blk.Signature) {
		return fmt.Errorf("%w: signature rejected by verifier", ErrBadBlockHash)
	}
	if blk.BlockID == genesisBlockID {
		return nil
	}
	for _, existing := range l.chain {
		if existing.BlockHash == blk.PreviousHash {
			return nil
		}
	}
	return ErrNoPredecessor
}

// ValidateChain is the strict, index-adjacent whole-chain integrity check
// (spec.md §4.3 `validateChain`).
func (l *Ledger) ValidateChain() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, blk := range l.chain {
		if err := l.validateBlockLocked(blk); err != nil {
			return false
		}
		if i > 0 && blk.PreviousHash != l.chain[i-1].BlockHash {
			return false
		}
	}
	return true
}

// GetBlocksSince returns every block after the one whose hash is h, or the
// entire chain if h is not found (spec.md §4.3 `getBlocksSince`).
func (l *Ledger) GetBlocksSince(h string) []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, blk := range l.chain {
		if blk.BlockHash == h {
			out := make([]Block, len(l.chain)-i-1)
			copy(out, l.chain[i+1:])
			return out
		}
	}
	out := make([]Block, len(l.chain))
	copy(out, l.chain)
	return out
}

// LastBlock returns the most recently sealed block.
func (l *Ledger) LastBlock() Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain[len(l.chain)-1]
}

// CurrentBlock returns a snapshot of the open, unsealed block.
func (l *Ledger) CurrentBlock() Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentBlock
}

// ChainSize returns the number of sealed blocks.
func (l *Ledger) ChainSize() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

// Shutdown seals the open block, if it holds any actions, so nothing
// in-memory is lost (spec.md §5 "Cancellation").
func (l *Ledger) Shutdown() {
	l.SealCurrentBlock()
}
