// aggregate_test.go - Global root aggregation against the settlement sim.

package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/veilcash/veilcash/internal/merkle"
	"github.com/veilcash/veilcash/internal/settlement"
	"github.com/veilcash/veilcash/internal/store"
	"github.com/veilcash/veilcash/internal/transfer"
)

func aggDigest(b byte) transfer.Digest {
	var d transfer.Digest
	d[31] = b
	return d
}

// relay pushes a proven checkpoint and relays it, the way an origin worker
// would after an accepted submission.
func relay(t *testing.T, sim *settlement.Sim, origin transfer.OriginID, root transfer.Digest, index int64) {
	t.Helper()
	sim.SetProvenState(origin, root, index)
	require.NoError(t, sim.RelayRoot(context.Background(), origin, root, index))
}

func newAggFixture(t *testing.T) (*store.Memory, *settlement.Sim, *Aggregator) {
	t.Helper()
	mem := store.NewMemory()
	sim := settlement.NewSim(transfer.ZeroDigest)
	for _, o := range []transfer.OriginID{0, 1, 5} {
		sim.RegisterOrigin(o)
	}
	agg := New(mem, sim, Config{Height: 6, StaleAfter: time.Hour}, zerolog.Nop())
	return mem, sim, agg
}

func TestAggregateBroadcastsCombinedRoot(t *testing.T) {
	ctx := context.Background()
	mem, sim, agg := newAggFixture(t)
	relay(t, sim, 5, aggDigest(0xA5), 7)
	relay(t, sim, 0, aggDigest(0xA0), 3)
	relay(t, sim, 1, aggDigest(0xA1), 4)

	snap, err := agg.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, int64(1), snap.AggSeq)
	require.Equal(t, []transfer.OriginID{0, 1, 5}, snap.Origins)
	require.Equal(t, []int64{3, 4, 7}, snap.TreeIndices)

	// The published root must equal the recombination of the listed
	// leaves with zero padding.
	check := merkle.NewSparse(6)
	for i, o := range snap.Origins {
		require.NoError(t, check.Set(int64(o), snap.Leaves[i]))
	}
	require.Equal(t, check.Root(), snap.Root)

	last, err := sim.LatestBroadcast(ctx)
	require.NoError(t, err)
	require.Equal(t, snap.Root, last.Root)

	stored, err := mem.LatestAggregation(ctx)
	require.NoError(t, err)
	require.Equal(t, snap.AggSeq, stored.AggSeq)
}

func TestAggregateSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	_, sim, agg := newAggFixture(t)
	relay(t, sim, 0, aggDigest(0xA0), 3)

	snap, err := agg.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)

	snap, err = agg.RunOnce(ctx)
	require.NoError(t, err)
	require.Nil(t, snap, "identical relayed set must not be rebroadcast")

	last, err := sim.LatestBroadcast(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), last.AggSeq)
}

func TestAggregateSeqAdvancesOnChange(t *testing.T) {
	ctx := context.Background()
	_, sim, agg := newAggFixture(t)
	relay(t, sim, 0, aggDigest(0xA0), 3)
	relay(t, sim, 5, aggDigest(0xA5), 7)

	first, err := agg.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Origin 0 advances; origin 5 has not relayed since but its last
	// value still contributes.
	relay(t, sim, 0, aggDigest(0xB0), 9)
	second, err := agg.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, first.AggSeq+1, second.AggSeq)
	require.Equal(t, []transfer.Digest{aggDigest(0xB0), aggDigest(0xA5)}, second.Leaves)
	require.NotEqual(t, first.Root, second.Root)
}

func TestAggregateNothingRelayed(t *testing.T) {
	ctx := context.Background()
	_, _, agg := newAggFixture(t)
	snap, err := agg.RunOnce(ctx)
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestAggregateOriginOutOfRange(t *testing.T) {
	ctx := context.Background()
	mem, sim, _ := newAggFixture(t)
	relay(t, sim, 5, aggDigest(0xA5), 7)

	small := New(mem, sim, Config{Height: 2, StaleAfter: time.Hour}, zerolog.Nop())
	_, err := small.RunOnce(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "slots")
}

func TestAggregateSeqHealsAfterStoreLoss(t *testing.T) {
	ctx := context.Background()
	_, sim, agg := newAggFixture(t)
	relay(t, sim, 0, aggDigest(0xA0), 3)
	_, err := agg.RunOnce(ctx)
	require.NoError(t, err)

	// A fresh store must not reuse sequence numbers the settlement layer
	// has already seen.
	rebuilt := New(store.NewMemory(), sim, Config{Height: 6, StaleAfter: time.Hour}, zerolog.Nop())
	relay(t, sim, 0, aggDigest(0xB0), 9)
	snap, err := rebuilt.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, int64(2), snap.AggSeq)
}

func TestSlotPathProvesLeaf(t *testing.T) {
	ctx := context.Background()
	_, sim, agg := newAggFixture(t)
	relay(t, sim, 0, aggDigest(0xA0), 3)
	relay(t, sim, 5, aggDigest(0xA5), 7)

	snap, err := agg.RunOnce(ctx)
	require.NoError(t, err)

	path, err := SlotPath(6, snap, 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), path.Index)
	require.Equal(t, snap.Root, path.Root(aggDigest(0xA5)))

	// Absent slots open to the zero hash.
	path, err = SlotPath(6, snap, 9)
	require.NoError(t, err)
	require.Equal(t, snap.Root, path.Root(transfer.ZeroDigest))
}
