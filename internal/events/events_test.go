// events_test.go - Syncer behavior against the settlement sim.

package events

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/veilcash/veilcash/internal/settlement"
	"github.com/veilcash/veilcash/internal/store"
	"github.com/veilcash/veilcash/internal/transfer"
)

const evOrigin transfer.OriginID = 2

func evDigest(b byte) transfer.Digest {
	var d transfer.Digest
	d[31] = b
	return d
}

// filteredClient hides chosen event indices from the log, standing in for
// an RPC node whose logs lag the contract counter.
type filteredClient struct {
	settlement.Client
	hide map[int64]bool
}

func (c *filteredClient) TransferLog(ctx context.Context, origin transfer.OriginID, fromBlock, toBlock uint64) ([]transfer.Event, error) {
	evs, err := c.Client.TransferLog(ctx, origin, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	kept := make([]transfer.Event, 0, len(evs))
	for _, ev := range evs {
		if !c.hide[ev.EventIndex] {
			kept = append(kept, ev)
		}
	}
	return kept, nil
}

func newEventFixture(t *testing.T, cfg Config) (*store.Memory, *settlement.Sim, *Syncer) {
	t.Helper()
	mem := store.NewMemory()
	sim := settlement.NewSim(transfer.ZeroDigest)
	sim.RegisterOrigin(evOrigin)
	return mem, sim, NewSyncer(mem, sim, cfg, zerolog.Nop())
}

// commitBlocks commits n transfers, each in its own block.
func commitBlocks(t *testing.T, sim *settlement.Sim, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := sim.CommitTransfer(evOrigin, evDigest(0x10), evDigest(byte(i+1)), uint64(10*(i+1)))
		require.NoError(t, err)
		sim.AdvanceBlock(evOrigin, 1)
	}
}

func TestSyncFromScratch(t *testing.T) {
	ctx := context.Background()
	mem, sim, sync := newEventFixture(t, Config{SpanBlocks: 100, ReorgOverlap: 0, ScanBatch: 16})
	commitBlocks(t, sim, 3)

	rep, err := sync.SyncOrigin(ctx, evOrigin)
	require.NoError(t, err)
	require.Equal(t, 3, rep.Inserted)
	require.Equal(t, int64(2), rep.ContiguousIndex)
	require.False(t, rep.Stalled)

	st, err := mem.SyncState(ctx, evOrigin)
	require.NoError(t, err)
	require.Equal(t, int64(2), st.ContiguousIndex)
	require.Equal(t, int64(2), st.LastSeenContractIndex)

	evs, err := mem.Events(ctx, evOrigin, 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	require.Equal(t, uint64(20), evs[1].Value)

	// Re-running the same pass inserts nothing.
	rep, err = sync.SyncOrigin(ctx, evOrigin)
	require.NoError(t, err)
	require.Equal(t, 0, rep.Inserted)
	require.Equal(t, int64(2), rep.ContiguousIndex)
}

func TestSyncBoundedSpans(t *testing.T) {
	ctx := context.Background()
	_, sim, sync := newEventFixture(t, Config{SpanBlocks: 2, ReorgOverlap: 0, MaxSpans: 1, ScanBatch: 16})
	commitBlocks(t, sim, 5)

	// One span covers blocks 1-2 only.
	rep, err := sync.SyncOrigin(ctx, evOrigin)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Inserted)
	require.Equal(t, uint64(2), rep.LastSyncedBlock)
	require.False(t, rep.Stalled, "a pass cut short by MaxSpans is not a stall")

	// Following passes pick up where the cursor stopped.
	rep, err = sync.SyncOrigin(ctx, evOrigin)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Inserted)
	require.Equal(t, uint64(4), rep.LastSyncedBlock)

	rep, err = sync.SyncOrigin(ctx, evOrigin)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Inserted)
	require.Equal(t, int64(4), rep.ContiguousIndex)
}

func TestGapBlocksContiguity(t *testing.T) {
	ctx := context.Background()
	mem, sim, _ := newEventFixture(t, Config{})
	commitBlocks(t, sim, 4)

	flaky := &filteredClient{Client: sim, hide: map[int64]bool{1: true}}
	sync := NewSyncer(mem, flaky, Config{SpanBlocks: 100, ReorgOverlap: 0, ScanBatch: 16}, zerolog.Nop())

	rep, err := sync.SyncOrigin(ctx, evOrigin)
	require.NoError(t, err)
	require.Equal(t, 3, rep.Inserted)
	require.Equal(t, int64(0), rep.ContiguousIndex, "cursor must stop at the hole")
	require.True(t, rep.Stalled)

	// The log catches up; the next pass rewinds past the gap and fills it.
	delete(flaky.hide, 1)
	rep, err = sync.SyncOrigin(ctx, evOrigin)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Inserted)
	require.Equal(t, int64(3), rep.ContiguousIndex)
	require.False(t, rep.Stalled)

	st, err := mem.SyncState(ctx, evOrigin)
	require.NoError(t, err)
	require.Equal(t, int64(3), st.ContiguousIndex)
}

func TestReorgOverlapRescans(t *testing.T) {
	ctx := context.Background()
	_, sim, sync := newEventFixture(t, Config{SpanBlocks: 100, ReorgOverlap: 2, ScanBatch: 16})
	commitBlocks(t, sim, 3)

	rep, err := sync.SyncOrigin(ctx, evOrigin)
	require.NoError(t, err)
	require.Equal(t, 3, rep.Inserted)

	// New event lands; the overlap re-reads old blocks without
	// duplicating anything.
	commitBlocks(t, sim, 1)
	rep, err = sync.SyncOrigin(ctx, evOrigin)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Fetched, "overlap re-reads the prior block")
	require.Equal(t, 1, rep.Inserted)
	require.Equal(t, int64(3), rep.ContiguousIndex)
}

func TestSyncUnknownOrigin(t *testing.T) {
	ctx := context.Background()
	_, _, sync := newEventFixture(t, Config{SpanBlocks: 100})
	_, err := sync.SyncOrigin(ctx, transfer.OriginID(99))
	require.Error(t, err)
}
