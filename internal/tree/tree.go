// tree.go - Per-origin Merkle tree maintenance over the event log.
//
// One Tree serves every origin: it ingests contiguous transfer events into
// the partitioned node tables, keeps the rolling hash chain in step with the
// tree, snapshots at batch boundaries and answers historical root, chain and
// inclusion-path queries from the nearest snapshot plus node update replay.
// It never rescans from genesis.

package tree

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/veilcash/veilcash/internal/merkle"
	"github.com/veilcash/veilcash/internal/store"
	"github.com/veilcash/veilcash/internal/transfer"
)

var (
	// ErrBeyondHead reports a query for a tree index the origin has not
	// reached.
	ErrBeyondHead = errors.New("tree: index beyond current size")

	// ErrSnapshotMismatch reports a historical reconstruction that
	// disagrees with the snapshot-replayed root for the same index.
	ErrSnapshotMismatch = errors.New("tree: reconstruction does not match snapshot root")
)

// Storage is the slice of the store the tree needs.
type Storage interface {
	store.EventStore
	store.TreeStore
}

// Config sets tree geometry and snapshot cadence.
type Config struct {
	// Height is the tree height; capacity is 2^Height leaves.
	Height int
	// SnapshotEvery writes a snapshot whenever the size reaches a
	// multiple of this many leaves.
	SnapshotEvery int64
	// IngestBatch caps events ingested per IngestAvailable call.
	IngestBatch int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Height: 32, SnapshotEvery: 256, IngestBatch: 512}
}

// Tree maintains the per-origin transfer trees.
type Tree struct {
	cfg   Config
	store Storage
	zero  []transfer.Digest
	log   zerolog.Logger
}

// New creates a Tree over the given storage.
func New(s Storage, cfg Config, log zerolog.Logger) *Tree {
	if cfg.Height <= 0 {
		cfg = DefaultConfig()
	}
	return &Tree{
		cfg:   cfg,
		store: s,
		zero:  merkle.ZeroHashes(cfg.Height),
		log:   log.With().Str("component", "tree").Logger(),
	}
}

// Height returns the configured tree height.
func (t *Tree) Height() int { return t.cfg.Height }

// Head returns the origin's live tip. An origin with no leaves yet gets the
// genesis head: size 0, the empty tree root and a zero chain.
func (t *Tree) Head(ctx context.Context, origin transfer.OriginID) (*store.TreeHead, error) {
	h, err := t.store.TreeHead(ctx, origin)
	if errors.Is(err, store.ErrNotFound) {
		return &store.TreeHead{
			Origin:    origin,
			Size:      0,
			Root:      t.zero[t.cfg.Height],
			HashChain: transfer.ZeroDigest,
		}, nil
	}
	return h, err
}

// currentOrZero reads a live node, substituting the zero-subtree hash.
func (t *Tree) currentOrZero(ctx context.Context, origin transfer.OriginID, level int, index int64) (transfer.Digest, error) {
	h, ok, err := t.store.CurrentNode(ctx, origin, level, index)
	if err != nil {
		return transfer.Digest{}, err
	}
	if !ok {
		return t.zero[level], nil
	}
	return h, nil
}

// nodeAtOrZero reads a node as of a historical size, substituting the
// zero-subtree hash.
func (t *Tree) nodeAtOrZero(ctx context.Context, origin transfer.OriginID, level int, index int64, atSize int64) (transfer.Digest, error) {
	h, ok, err := t.store.NodeAt(ctx, origin, level, index, atSize)
	if err != nil {
		return transfer.Digest{}, err
	}
	if !ok {
		return t.zero[level], nil
	}
	return h, nil
}

// Ingest commits one leaf at leafIndex, which must equal the current size.
// It writes the full node path, advances the rolling chain and snapshots at
// batch boundaries, all in one atomic store mutation. Returns the new head.
func (t *Tree) Ingest(ctx context.Context, origin transfer.OriginID, leafIndex int64, leaf transfer.Digest) (*store.TreeHead, error) {
	head, err := t.Head(ctx, origin)
	if err != nil {
		return nil, err
	}
	if leafIndex != head.Size {
		return nil, fmt.Errorf("%w: leaf %d, tree size %d", store.ErrNonSequential, leafIndex, head.Size)
	}
	if leafIndex >= int64(1)<<uint(t.cfg.Height) {
		return nil, fmt.Errorf("tree: origin %d is full at height %d", origin, t.cfg.Height)
	}

	writes := make([]store.NodeWrite, 0, t.cfg.Height+1)
	oldLeaf, err := t.currentOrZero(ctx, origin, 0, leafIndex)
	if err != nil {
		return nil, err
	}
	writes = append(writes, store.NodeWrite{Level: 0, Index: leafIndex, OldHash: oldLeaf, NewHash: leaf})

	cur := leaf
	idx := leafIndex
	for lvl := 0; lvl < t.cfg.Height; lvl++ {
		sib, err := t.currentOrZero(ctx, origin, lvl, idx^1)
		if err != nil {
			return nil, err
		}
		var parent transfer.Digest
		if idx&1 == 0 {
			parent = transfer.HashPair(cur, sib)
		} else {
			parent = transfer.HashPair(sib, cur)
		}
		pIdx := idx >> 1
		oldParent, err := t.currentOrZero(ctx, origin, lvl+1, pIdx)
		if err != nil {
			return nil, err
		}
		writes = append(writes, store.NodeWrite{Level: lvl + 1, Index: pIdx, OldHash: oldParent, NewHash: parent})
		cur = parent
		idx = pIdx
	}

	newRoot := cur
	newChain := transfer.ChainNext(head.HashChain, leaf)
	newSize := leafIndex + 1

	mut := &store.LeafMutation{
		LeafIndex: leafIndex,
		Leaf:      leaf,
		Writes:    writes,
		NewRoot:   newRoot,
		NewChain:  newChain,
	}
	if t.cfg.SnapshotEvery > 0 && newSize%t.cfg.SnapshotEvery == 0 {
		mut.Snapshot = &store.Snapshot{
			Origin:    origin,
			TreeIndex: newSize,
			Root:      newRoot,
			HashChain: newChain,
		}
	}
	if err := t.store.ApplyLeaf(ctx, origin, mut); err != nil {
		return nil, err
	}
	return &store.TreeHead{Origin: origin, Size: newSize, Root: newRoot, HashChain: newChain}, nil
}

// IngestAvailable pulls events from the store and ingests them, starting at
// the current tree size and stopping at the event sync cursor's contiguous
// bound. Events beyond the contiguous range are never touched, however many
// are already stored. Returns the number of leaves ingested.
func (t *Tree) IngestAvailable(ctx context.Context, origin transfer.OriginID) (int, error) {
	head, err := t.Head(ctx, origin)
	if err != nil {
		return 0, err
	}
	cursor, err := t.store.SyncState(ctx, origin)
	if err != nil {
		return 0, err
	}
	if cursor.ContiguousIndex < head.Size {
		return 0, nil
	}

	limit := t.cfg.IngestBatch
	available := cursor.ContiguousIndex - head.Size + 1
	if int64(limit) > available {
		limit = int(available)
	}
	events, err := t.store.Events(ctx, origin, head.Size, limit)
	if err != nil {
		return 0, err
	}

	ingested := 0
	next := head.Size
	for _, ev := range events {
		if ev.EventIndex != next {
			return ingested, fmt.Errorf("tree: event gap at index %d inside contiguous range of origin %d", next, origin)
		}
		if _, err := t.Ingest(ctx, origin, ev.EventIndex, ev.Leaf()); err != nil {
			return ingested, err
		}
		ingested++
		next++
	}
	if ingested > 0 {
		t.log.Info().
			Uint32("origin", uint32(origin)).
			Int("leaves", ingested).
			Int64("size", next).
			Msg("ingested leaves")
	}
	return ingested, nil
}

// StateAt returns the root and rolling chain of the tree at a historical
// size, from the nearest snapshot at or below it plus node update replay.
func (t *Tree) StateAt(ctx context.Context, origin transfer.OriginID, treeIndex int64) (root, chain transfer.Digest, err error) {
	head, err := t.Head(ctx, origin)
	if err != nil {
		return transfer.Digest{}, transfer.Digest{}, err
	}
	if treeIndex > head.Size {
		return transfer.Digest{}, transfer.Digest{}, fmt.Errorf("%w: index %d, size %d", ErrBeyondHead, treeIndex, head.Size)
	}
	if treeIndex == head.Size {
		return head.Root, head.HashChain, nil
	}
	if treeIndex == 0 {
		return t.zero[t.cfg.Height], transfer.ZeroDigest, nil
	}

	snap, err := t.store.NearestSnapshot(ctx, origin, treeIndex)
	if errors.Is(err, store.ErrNotFound) {
		snap = &store.Snapshot{Origin: origin, TreeIndex: 0, Root: t.zero[t.cfg.Height], HashChain: transfer.ZeroDigest}
	} else if err != nil {
		return transfer.Digest{}, transfer.Digest{}, err
	}
	if snap.TreeIndex == treeIndex {
		return snap.Root, snap.HashChain, nil
	}

	updates, err := t.store.NodeUpdates(ctx, origin, snap.TreeIndex, treeIndex)
	if err != nil {
		return transfer.Digest{}, transfer.Digest{}, err
	}
	// Every ingested leaf writes exactly one update per level, so a
	// replay span shorter than that has lost history to pruning or
	// corruption.
	if want := (treeIndex - snap.TreeIndex) * int64(t.cfg.Height+1); int64(len(updates)) != want {
		return transfer.Digest{}, transfer.Digest{}, fmt.Errorf(
			"tree: node history of origin %d incomplete between %d and %d (%d updates, want %d)",
			origin, snap.TreeIndex, treeIndex, len(updates), want)
	}
	root = snap.Root
	chain = snap.HashChain
	for _, u := range updates {
		switch u.Level {
		case 0:
			// Leaf writes drive the chain in ingestion order.
			chain = transfer.ChainNext(chain, u.NewHash)
		case t.cfg.Height:
			root = u.NewHash
		}
	}
	return root, chain, nil
}

// RootAt returns the tree root at a historical size.
func (t *Tree) RootAt(ctx context.Context, origin transfer.OriginID, treeIndex int64) (transfer.Digest, error) {
	root, _, err := t.StateAt(ctx, origin, treeIndex)
	return root, err
}

// InclusionPath returns the sibling path of the slot leafIndex in the tree
// of size treeIndex. Slots at or beyond treeIndex prove the zero leaf, which
// is how pre-insertion paths for pending leaves are produced.
func (t *Tree) InclusionPath(ctx context.Context, origin transfer.OriginID, leafIndex, treeIndex int64) (*merkle.Path, error) {
	if leafIndex < 0 || leafIndex >= int64(1)<<uint(t.cfg.Height) {
		return nil, fmt.Errorf("tree: leaf index %d out of range for height %d", leafIndex, t.cfg.Height)
	}
	head, err := t.Head(ctx, origin)
	if err != nil {
		return nil, err
	}
	if treeIndex > head.Size {
		return nil, fmt.Errorf("%w: index %d, size %d", ErrBeyondHead, treeIndex, head.Size)
	}

	siblings := make([]transfer.Digest, t.cfg.Height)
	idx := leafIndex
	for lvl := 0; lvl < t.cfg.Height; lvl++ {
		sib, err := t.nodeAtOrZero(ctx, origin, lvl, idx^1, treeIndex)
		if err != nil {
			return nil, err
		}
		siblings[lvl] = sib
		idx >>= 1
	}
	path := &merkle.Path{Index: leafIndex, Siblings: siblings}

	// Historical paths feed proofs, so validate the reconstruction
	// against the root recovered independently via snapshot replay
	// instead of letting a pruned or corrupt node slip through.
	if treeIndex < head.Size {
		leaf, err := t.LeafAt(ctx, origin, leafIndex, treeIndex)
		if err != nil {
			return nil, err
		}
		root, _, err := t.StateAt(ctx, origin, treeIndex)
		if err != nil {
			return nil, err
		}
		if path.Root(leaf) != root {
			return nil, fmt.Errorf("%w: leaf %d at index %d of origin %d", ErrSnapshotMismatch, leafIndex, treeIndex, origin)
		}
	}
	return path, nil
}

// LeafAt returns the leaf hash stored at leafIndex as of size treeIndex,
// the zero leaf if the slot is beyond the size.
func (t *Tree) LeafAt(ctx context.Context, origin transfer.OriginID, leafIndex, treeIndex int64) (transfer.Digest, error) {
	return t.nodeAtOrZero(ctx, origin, 0, leafIndex, treeIndex)
}

// PruneHistory drops node updates and snapshots older than the last retain
// leaves. The boundary lands on the nearest snapshot at or below
// size-retain, which stays behind as the replay base, so every state at or
// after the boundary remains answerable. Returns the number of rows removed.
func (t *Tree) PruneHistory(ctx context.Context, origin transfer.OriginID, retain int64) (int64, error) {
	head, err := t.Head(ctx, origin)
	if err != nil {
		return 0, err
	}
	cutoff := head.Size - retain
	if cutoff <= 0 {
		return 0, nil
	}
	snap, err := t.store.NearestSnapshot(ctx, origin, cutoff)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if snap.TreeIndex == 0 {
		return 0, nil
	}
	removed, err := t.store.PruneTreeHistory(ctx, origin, snap.TreeIndex)
	if err != nil {
		return 0, fmt.Errorf("tree: prune origin %d: %w", origin, err)
	}
	if removed > 0 {
		t.log.Info().
			Uint32("origin", uint32(origin)).
			Int64("through", snap.TreeIndex).
			Int64("removed", removed).
			Msg("pruned tree history")
	}
	return removed, nil
}
