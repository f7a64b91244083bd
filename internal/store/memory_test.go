// memory_test.go - Store contract behavior pinned against the memory backend.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/veilcash/veilcash/internal/transfer"
)

func TestUpsertEventsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	events := []transfer.Event{
		{Origin: 1, EventIndex: 0, To: transfer.DigestFromUint64(1), Value: 10},
		{Origin: 1, EventIndex: 1, To: transfer.DigestFromUint64(2), Value: 20},
	}
	n, err := m.UpsertEvents(ctx, events)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = m.UpsertEvents(ctx, events)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	got, err := m.Events(ctx, 1, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(0), got[0].EventIndex)
}

func TestEventsByRecipientFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	binding := transfer.DigestFromUint64(9)
	_, err := m.UpsertEvents(ctx, []transfer.Event{
		{Origin: 1, EventIndex: 2, To: binding, Value: 30},
		{Origin: 1, EventIndex: 0, To: binding, Value: 10},
		{Origin: 1, EventIndex: 1, To: transfer.DigestFromUint64(8), Value: 20},
		{Origin: 1, EventIndex: 5, To: binding, Value: 50},
	})
	require.NoError(t, err)

	got, err := m.EventsByRecipient(ctx, 1, binding, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(0), got[0].EventIndex)
	require.Equal(t, int64(2), got[1].EventIndex)
}

func applyTestLeaf(t *testing.T, m *Memory, origin transfer.OriginID, leafIndex int64, snapshot *Snapshot) {
	t.Helper()
	leaf := transfer.DigestFromUint64(uint64(leafIndex) + 100)
	// An odd leaf overwrites the level-1 node its even sibling created.
	oldParent := transfer.ZeroDigest
	if leafIndex%2 == 1 {
		oldParent = transfer.DigestFromUint64(uint64(leafIndex) - 1 + 200)
	}
	mut := &LeafMutation{
		LeafIndex: leafIndex,
		Leaf:      leaf,
		Writes: []NodeWrite{
			{Level: 0, Index: leafIndex, OldHash: transfer.ZeroDigest, NewHash: leaf},
			{Level: 1, Index: leafIndex >> 1, OldHash: oldParent, NewHash: transfer.DigestFromUint64(uint64(leafIndex) + 200)},
		},
		NewRoot:  transfer.DigestFromUint64(uint64(leafIndex) + 300),
		NewChain: transfer.DigestFromUint64(uint64(leafIndex) + 400),
		Snapshot: snapshot,
	}
	require.NoError(t, m.ApplyLeaf(context.Background(), origin, mut))
}

func TestApplyLeafEnforcesSequence(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.TreeHead(ctx, 1)
	require.ErrorIs(t, err, ErrNotFound)

	// Leaf 1 before leaf 0 must be rejected.
	err = m.ApplyLeaf(ctx, 1, &LeafMutation{LeafIndex: 1})
	require.ErrorIs(t, err, ErrNonSequential)

	applyTestLeaf(t, m, 1, 0, nil)
	applyTestLeaf(t, m, 1, 1, nil)

	// Replaying an already applied index is also non-sequential.
	err = m.ApplyLeaf(ctx, 1, &LeafMutation{LeafIndex: 0})
	require.ErrorIs(t, err, ErrNonSequential)

	head, err := m.TreeHead(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), head.Size)
}

func TestNodeAtReturnsHistoricalVersions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	applyTestLeaf(t, m, 1, 0, nil)
	applyTestLeaf(t, m, 1, 1, nil)

	// Level 1 index 0 was written by both leaves; tree size 1 must see the
	// first version, size 2 the second.
	h1, ok, err := m.NodeAt(ctx, 1, 1, 0, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, transfer.DigestFromUint64(200), h1)

	h2, ok, err := m.NodeAt(ctx, 1, 1, 0, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, transfer.DigestFromUint64(201), h2)

	// At size 0 the node reads as the pre-image the first write recorded.
	h0, ok, err := m.NodeAt(ctx, 1, 1, 0, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, transfer.ZeroDigest, h0)

	// A node no write ever touched stays absent.
	_, ok, err = m.NodeAt(ctx, 1, 1, 5, 2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNearestSnapshot(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	applyTestLeaf(t, m, 1, 0, nil)
	applyTestLeaf(t, m, 1, 1, &Snapshot{Origin: 1, TreeIndex: 2, Root: transfer.DigestFromUint64(301), HashChain: transfer.DigestFromUint64(401)})
	applyTestLeaf(t, m, 1, 2, nil)

	_, err := m.NearestSnapshot(ctx, 1, 1)
	require.ErrorIs(t, err, ErrNotFound)

	s, err := m.NearestSnapshot(ctx, 1, 3)
	require.NoError(t, err)
	require.Equal(t, int64(2), s.TreeIndex)

	exact, err := m.SnapshotAt(ctx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, s.Root, exact.Root)
	_, err = m.SnapshotAt(ctx, 1, 3)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPruneTreeHistoryKeepsBoundary(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	applyTestLeaf(t, m, 1, 0, nil)
	applyTestLeaf(t, m, 1, 1, &Snapshot{Origin: 1, TreeIndex: 2, Root: transfer.DigestFromUint64(301), HashChain: transfer.DigestFromUint64(401)})
	applyTestLeaf(t, m, 1, 2, nil)
	applyTestLeaf(t, m, 1, 3, &Snapshot{Origin: 1, TreeIndex: 4, Root: transfer.DigestFromUint64(303), HashChain: transfer.DigestFromUint64(403)})

	// Pruning through tree index 2 drops the first two leaves' update
	// rows and keeps the boundary snapshot.
	removed, err := m.PruneTreeHistory(ctx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, int64(4), removed)

	updates, err := m.NodeUpdates(ctx, 1, 0, 4)
	require.NoError(t, err)
	require.Len(t, updates, 4)
	require.Equal(t, int64(3), updates[0].TreeIndex)

	_, err = m.SnapshotAt(ctx, 1, 2)
	require.NoError(t, err)

	// Reads at or after the boundary are unchanged.
	h, ok, err := m.NodeAt(ctx, 1, 1, 0, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, transfer.DigestFromUint64(201), h)
	h, ok, err = m.NodeAt(ctx, 1, 1, 1, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, transfer.DigestFromUint64(202), h)

	// A second prune at the next snapshot drops the rest plus the old
	// boundary snapshot.
	removed, err = m.PruneTreeHistory(ctx, 1, 4)
	require.NoError(t, err)
	require.Equal(t, int64(5), removed)

	_, err = m.SnapshotAt(ctx, 1, 2)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.SnapshotAt(ctx, 1, 4)
	require.NoError(t, err)

	h, ok, err = m.NodeAt(ctx, 1, 1, 1, 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, transfer.DigestFromUint64(203), h)
}

func TestProverStateOrderingEnforced(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	s, err := m.ProverState(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(0), s.LastCompiled)

	s.LastCompiled = 5
	s.LastSubmitted = 3
	s.BaseIndex = 1
	require.NoError(t, m.SaveProverState(ctx, s))

	s.LastSubmitted = 6
	require.ErrorIs(t, m.SaveProverState(ctx, s), ErrStateOrder)
}

func TestProofUpsertAndDiscard(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.LatestProof(ctx, 1)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SaveProof(ctx, &IvcProof{Origin: 1, StartIndex: 0, EndIndex: 2, ProofBytes: []byte{1}}))
	require.NoError(t, m.SaveProof(ctx, &IvcProof{Origin: 1, StartIndex: 0, EndIndex: 5, ProofBytes: []byte{2}}))

	latest, err := m.LatestProof(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(5), latest.EndIndex)

	st, _ := m.ProverState(ctx, 1)
	st.LastCompiled = 5
	require.NoError(t, m.SaveProverState(ctx, st))

	require.NoError(t, m.DiscardProofsAbove(ctx, 1, 2))
	latest, err = m.LatestProof(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), latest.EndIndex)

	st, err = m.ProverState(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), st.LastCompiled)
}

func TestAggregationSequenceMustIncrease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	snap := &AggregationSnapshot{AggSeq: 1, Root: transfer.DigestFromUint64(1)}
	require.NoError(t, m.SaveAggregation(ctx, snap))
	require.ErrorIs(t, m.SaveAggregation(ctx, snap), ErrSeqRegression)

	snap.AggSeq = 2
	require.NoError(t, m.SaveAggregation(ctx, snap))

	got, err := m.LatestAggregation(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.AggSeq)
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Unix(1000, 0)

	ok, err := m.TryAcquire(ctx, "tree/1", "a", now.Add(time.Minute), now)
	require.NoError(t, err)
	require.True(t, ok)

	// Second holder loses while the lease is live.
	ok, err = m.TryAcquire(ctx, "tree/1", "b", now.Add(time.Minute), now)
	require.NoError(t, err)
	require.False(t, ok)

	// Holder may re-acquire and renew its own lease.
	ok, err = m.TryAcquire(ctx, "tree/1", "a", now.Add(2*time.Minute), now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.RenewLease(ctx, "tree/1", "a", now.Add(3*time.Minute), now)
	require.NoError(t, err)
	require.True(t, ok)

	// After expiry the other holder wins and renewal by the old one fails.
	later := now.Add(4 * time.Minute)
	ok, err = m.TryAcquire(ctx, "tree/1", "b", later.Add(time.Minute), later)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.RenewLease(ctx, "tree/1", "a", later.Add(time.Minute), later)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = m.ReleaseLease(ctx, "tree/1", "b")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.ReleaseLease(ctx, "tree/1", "b")
	require.NoError(t, err)
	require.False(t, ok)
}
