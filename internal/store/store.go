// store.go - Persistence interfaces and row types for the transfer core.
//
// One Store implementation backs every component: transfer events and sync
// cursors, the per-origin Merkle tables, prover bookkeeping, aggregation
// snapshots and coordination leases. Postgres is the production backend;
// Memory implements identical semantics for tests and single-process runs.
//
// Index convention: a tree_index is a tree SIZE, the number of leaves
// ingested. The update rows written while ingesting leaf L carry
// tree_index L+1, so replaying rows with tree_index <= N reproduces the
// tree that holds exactly N leaves.

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veilcash/veilcash/internal/transfer"
)

var (
	// ErrNotFound marks lookups with no matching row.
	ErrNotFound = errors.New("store: not found")
	// ErrNonSequential rejects a leaf mutation whose index is not the
	// current tree size.
	ErrNonSequential = errors.New("store: leaf index out of sequence")
	// ErrSeqRegression rejects an aggregation snapshot whose sequence does
	// not exceed the last stored one.
	ErrSeqRegression = errors.New("store: aggregation sequence not increasing")
	// ErrStateOrder rejects prover state not satisfying
	// base <= submitted <= compiled.
	ErrStateOrder = errors.New("store: prover state order violated")
)

// SyncState is the per-origin event sync cursor. ContiguousIndex is the
// highest event index such that every index up to it is present, -1 while
// no events are stored. LastSeenContractIndex mirrors the origin contract's
// own transfer counter, -1 before first observation.
type SyncState struct {
	Origin                transfer.OriginID
	ContiguousIndex       int64
	ContiguousBlock       uint64
	LastSyncedBlock       uint64
	LastSeenContractIndex int64
}

// NewSyncState returns the cursor for an origin with nothing synced yet.
func NewSyncState(origin transfer.OriginID) *SyncState {
	return &SyncState{Origin: origin, ContiguousIndex: -1, LastSeenContractIndex: -1}
}

// TreeHead is the live tip of one origin's transfer tree.
type TreeHead struct {
	Origin    transfer.OriginID
	Size      int64
	Root      transfer.Digest
	HashChain transfer.Digest
}

// NodeWrite is one node hash change produced by ingesting a leaf, ordered
// leaf level first.
type NodeWrite struct {
	Level   int
	Index   int64
	OldHash transfer.Digest
	NewHash transfer.Digest
}

// NodeUpdate is one persisted row of the append-only node history.
type NodeUpdate struct {
	Origin    transfer.OriginID
	TreeIndex int64
	Level     int
	Index     int64
	OldHash   transfer.Digest
	NewHash   transfer.Digest
}

// Snapshot pairs the tree root with the rolling hash at one tree index.
type Snapshot struct {
	Origin    transfer.OriginID
	TreeIndex int64
	Root      transfer.Digest
	HashChain transfer.Digest
}

// LeafMutation is the atomic unit of tree growth: every row written while
// ingesting a single leaf. Writes hold one entry per level on the leaf's
// root path.
type LeafMutation struct {
	LeafIndex int64
	Leaf      transfer.Digest
	Writes    []NodeWrite
	NewRoot   transfer.Digest
	NewChain  transfer.Digest
	Snapshot  *Snapshot
}

// ProverState is the single bookkeeping row per origin for the root proof
// pipeline. All indices are tree sizes. Reserved is the reservation taken
// from the settlement layer not yet consumed, nil when none is pending.
type ProverState struct {
	Origin        transfer.OriginID
	BaseIndex     int64
	LastCompiled  int64
	LastSubmitted int64
	Reserved      *Reservation
}

// Reservation names the state a next submission must continue from.
type Reservation struct {
	Index     int64
	HashChain transfer.Digest
}

// Validate checks the state ordering invariant.
func (s *ProverState) Validate() error {
	if s.BaseIndex > s.LastSubmitted || s.LastSubmitted > s.LastCompiled {
		return fmt.Errorf("%w: base=%d submitted=%d compiled=%d",
			ErrStateOrder, s.BaseIndex, s.LastSubmitted, s.LastCompiled)
	}
	return nil
}

// IvcProof is one durable folded proof covering leaves
// [StartIndex, EndIndex). State* fields are the public outputs at EndIndex;
// StepCount includes dummy padding steps, so it can exceed the index range.
type IvcProof struct {
	Origin         transfer.OriginID
	StartIndex     int64
	EndIndex       int64
	StepCount      int
	ProofBytes     []byte
	StateIndex     int64
	StateHashChain transfer.Digest
	StateRoot      transfer.Digest
}

// AggregationSnapshot records one cross-origin broadcast. Leaves[i] is the
// last relayed root of Origins[i], captured at local tree size
// TreeIndices[i].
type AggregationSnapshot struct {
	AggSeq      int64
	Root        transfer.Digest
	Origins     []transfer.OriginID
	Leaves      []transfer.Digest
	TreeIndices []int64
}

// EventStore holds observed transfer events and sync cursors.
type EventStore interface {
	// UpsertEvents inserts events, skipping indices already present.
	// Returns the number actually inserted.
	UpsertEvents(ctx context.Context, events []transfer.Event) (int, error)
	// Events returns up to limit events with EventIndex >= from, ascending.
	Events(ctx context.Context, origin transfer.OriginID, from int64, limit int) ([]transfer.Event, error)
	// EventsByRecipient returns events paying the binding with
	// EventIndex < before, ascending.
	EventsByRecipient(ctx context.Context, origin transfer.OriginID, binding transfer.Digest, before int64) ([]transfer.Event, error)
	// SyncState returns the origin's cursor, a fresh one if absent.
	SyncState(ctx context.Context, origin transfer.OriginID) (*SyncState, error)
	SaveSyncState(ctx context.Context, s *SyncState) error
}

// TreeStore holds the per-origin Merkle tables.
type TreeStore interface {
	// TreeHead returns the live tip, ErrNotFound before the first leaf.
	TreeHead(ctx context.Context, origin transfer.OriginID) (*TreeHead, error)
	// ApplyLeaf commits one leaf mutation atomically. Fails with
	// ErrNonSequential unless m.LeafIndex equals the current size.
	ApplyLeaf(ctx context.Context, origin transfer.OriginID, m *LeafMutation) error
	// CurrentNode returns the live hash of (level, index), false if the
	// node was never written.
	CurrentNode(ctx context.Context, origin transfer.OriginID, level int, index int64) (transfer.Digest, bool, error)
	// NodeAt returns the hash of (level, index) in the tree of size
	// atSize: the recorded pre-image of the first write after atSize,
	// else the live value. False if the node was never written at all.
	NodeAt(ctx context.Context, origin transfer.OriginID, level int, index int64, atSize int64) (transfer.Digest, bool, error)
	// NodeUpdates returns history rows with fromExcl < tree_index <= toIncl
	// in write order.
	NodeUpdates(ctx context.Context, origin transfer.OriginID, fromExcl, toIncl int64) ([]NodeUpdate, error)
	// NearestSnapshot returns the snapshot with the largest
	// tree_index <= maxSize, ErrNotFound if none.
	NearestSnapshot(ctx context.Context, origin transfer.OriginID, maxSize int64) (*Snapshot, error)
	// SnapshotAt returns the snapshot at exactly treeIndex, ErrNotFound if
	// none.
	SnapshotAt(ctx context.Context, origin transfer.OriginID, treeIndex int64) (*Snapshot, error)
	// PruneTreeHistory deletes node updates with tree_index <= throughIndex
	// and snapshots with tree_index < throughIndex. The snapshot at the
	// boundary survives as the replay base for everything after it.
	// Returns the number of rows removed.
	PruneTreeHistory(ctx context.Context, origin transfer.OriginID, throughIndex int64) (int64, error)
}

// PipelineStore holds prover bookkeeping.
type PipelineStore interface {
	// ProverState returns the origin's row, a zeroed one if absent.
	ProverState(ctx context.Context, origin transfer.OriginID) (*ProverState, error)
	// SaveProverState persists the row after validating its ordering.
	SaveProverState(ctx context.Context, s *ProverState) error
	// LatestProof returns the proof with the highest EndIndex,
	// ErrNotFound if none.
	LatestProof(ctx context.Context, origin transfer.OriginID) (*IvcProof, error)
	SaveProof(ctx context.Context, p *IvcProof) error
	// DiscardProofsAbove deletes proofs with EndIndex > boundary and caps
	// LastCompiled at boundary, atomically.
	DiscardProofsAbove(ctx context.Context, origin transfer.OriginID, boundary int64) error
}

// AggregationStore holds broadcast snapshots.
type AggregationStore interface {
	// LatestAggregation returns the highest AggSeq snapshot, ErrNotFound
	// if none.
	LatestAggregation(ctx context.Context) (*AggregationSnapshot, error)
	// SaveAggregation persists a snapshot; its AggSeq must exceed the
	// stored maximum.
	SaveAggregation(ctx context.Context, s *AggregationSnapshot) error
}

// LeaseStore persists TTL coordination leases. Liveness is judged against
// the caller-supplied now so the lease manager owns the clock.
type LeaseStore interface {
	// TryAcquire grants the lease if the key is free or expired at now.
	TryAcquire(ctx context.Context, key, holder string, expiresAt, now time.Time) (bool, error)
	// RenewLease extends the lease if holder still owns it at now.
	RenewLease(ctx context.Context, key, holder string, expiresAt, now time.Time) (bool, error)
	// ReleaseLease drops the lease if holder owns it.
	ReleaseLease(ctx context.Context, key, holder string) (bool, error)
}

// Store is the full persistence surface of the transfer core.
type Store interface {
	EventStore
	TreeStore
	PipelineStore
	AggregationStore
	LeaseStore
	Close() error
}
