// aggregate.go - Cross-origin root aggregation and global broadcast.
//
// The aggregator combines every origin's latest relayed root into one
// fixed-height tree, slot per origin, absent slots padded with the same
// zero-subtree hashes the transfer trees use. It never derives a root on
// its own; it only combines what each origin reported.

package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/veilcash/veilcash/internal/merkle"
	"github.com/veilcash/veilcash/internal/settlement"
	"github.com/veilcash/veilcash/internal/store"
	"github.com/veilcash/veilcash/internal/transfer"
)

// Config tunes one aggregator.
type Config struct {
	// Height of the aggregation tree. Slots = 1 << Height.
	Height int
	// StaleAfter is the relay age past which an origin is flagged as
	// stale. Its last relayed root still contributes.
	StaleAfter time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Height: 6, StaleAfter: 10 * time.Minute}
}

// Aggregator publishes global roots built from relayed per-origin roots.
type Aggregator struct {
	cfg    Config
	store  store.AggregationStore
	client settlement.Client
	log    zerolog.Logger
	now    func() time.Time
}

// New builds an aggregator over the given store and settlement client.
func New(s store.AggregationStore, c settlement.Client, cfg Config, log zerolog.Logger) *Aggregator {
	if cfg.Height == 0 {
		cfg = DefaultConfig()
	}
	return &Aggregator{
		cfg:    cfg,
		store:  s,
		client: c,
		log:    log.With().Str("component", "aggregate").Logger(),
		now:    time.Now,
	}
}

// RunOnce gathers relayed roots, combines them and broadcasts the result.
// Returns nil without broadcasting when no origin has relayed yet or the
// relayed set is unchanged since the last broadcast.
func (a *Aggregator) RunOnce(ctx context.Context) (*store.AggregationSnapshot, error) {
	rels, err := a.client.RelayedRoots(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregate: relayed roots: %w", err)
	}
	if len(rels) == 0 {
		return nil, nil
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].Origin < rels[j].Origin })

	slots := int64(1) << a.cfg.Height
	tree := merkle.NewSparse(a.cfg.Height)
	origins := make([]transfer.OriginID, 0, len(rels))
	leaves := make([]transfer.Digest, 0, len(rels))
	indices := make([]int64, 0, len(rels))
	for _, r := range rels {
		if int64(r.Origin) >= slots {
			return nil, fmt.Errorf("aggregate: origin %d exceeds %d slots", r.Origin, slots)
		}
		if err := tree.Set(int64(r.Origin), r.Root); err != nil {
			return nil, err
		}
		origins = append(origins, r.Origin)
		leaves = append(leaves, r.Root)
		indices = append(indices, r.TreeIndex)
		if age := a.now().Sub(r.RelayedAt); a.cfg.StaleAfter > 0 && age > a.cfg.StaleAfter {
			a.log.Warn().
				Uint32("origin", uint32(r.Origin)).
				Dur("age", age).
				Msg("origin relay is stale, keeping last relayed root")
		}
	}

	seq := int64(1)
	last, err := a.client.LatestBroadcast(ctx)
	switch {
	case err == nil:
		if unchanged(last, origins, leaves, indices) {
			return nil, nil
		}
		seq = last.AggSeq + 1
	case errors.Is(err, settlement.ErrNoBroadcast):
	default:
		return nil, fmt.Errorf("aggregate: latest broadcast: %w", err)
	}
	if prev, err := a.store.LatestAggregation(ctx); err == nil && prev.AggSeq >= seq {
		seq = prev.AggSeq + 1
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	snap := &store.AggregationSnapshot{
		AggSeq:      seq,
		Root:        tree.Root(),
		Origins:     origins,
		Leaves:      leaves,
		TreeIndices: indices,
	}
	if err := a.client.BroadcastGlobalRoot(ctx, &settlement.GlobalBroadcast{
		AggSeq:      snap.AggSeq,
		Root:        snap.Root,
		Origins:     snap.Origins,
		Leaves:      snap.Leaves,
		TreeIndices: snap.TreeIndices,
	}); err != nil {
		return nil, fmt.Errorf("aggregate: broadcast seq %d: %w", seq, err)
	}
	if err := a.store.SaveAggregation(ctx, snap); err != nil {
		return nil, err
	}
	a.log.Info().
		Int64("agg_seq", snap.AggSeq).
		Int("origins", len(origins)).
		Hex("root", snap.Root[:8]).
		Msg("broadcast global root")
	return snap, nil
}

// SlotPath returns the aggregation-tree inclusion path of one origin's
// slot in a snapshot. Withdrawal proofs against a global root extend a
// transfer-tree path with it.
func SlotPath(height int, snap *store.AggregationSnapshot, origin transfer.OriginID) (*merkle.Path, error) {
	tree := merkle.NewSparse(height)
	for i, o := range snap.Origins {
		if err := tree.Set(int64(o), snap.Leaves[i]); err != nil {
			return nil, err
		}
	}
	if tree.Root() != snap.Root {
		return nil, fmt.Errorf("aggregate: snapshot root mismatch at seq %d", snap.AggSeq)
	}
	return tree.Proof(int64(origin))
}

func unchanged(last *settlement.GlobalBroadcast, origins []transfer.OriginID, leaves []transfer.Digest, indices []int64) bool {
	if len(last.Origins) != len(origins) {
		return false
	}
	for i := range origins {
		if last.Origins[i] != origins[i] || last.Leaves[i] != leaves[i] || last.TreeIndices[i] != indices[i] {
			return false
		}
	}
	return true
}
