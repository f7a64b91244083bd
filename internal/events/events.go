// events.go - Per-origin event log synchronization from the settlement layer.
//
// The syncer pulls transfer logs in bounded block spans with a small
// backward overlap for shallow reorgs, inserts them idempotently, and
// advances the contiguous index only while successor indices are present
// without gaps. When the contract's own counter shows entries the logs do
// not, the pass reports a stall instead of skipping ahead.

package events

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/veilcash/veilcash/internal/settlement"
	"github.com/veilcash/veilcash/internal/store"
	"github.com/veilcash/veilcash/internal/transfer"
)

// Config bounds one sync pass.
type Config struct {
	// SpanBlocks is the block span per log query.
	SpanBlocks uint64
	// ReorgOverlap is how many blocks behind the synced tip each pass
	// re-scans.
	ReorgOverlap uint64
	// MaxSpans caps spans pulled per pass, 0 for until caught up.
	MaxSpans int
	// ScanBatch is the page size for the contiguity scan.
	ScanBatch int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{SpanBlocks: 2000, ReorgOverlap: 16, MaxSpans: 0, ScanBatch: 512}
}

// Report summarizes one sync pass.
type Report struct {
	Origin transfer.OriginID
	// Fetched counts events returned by log queries, including ones
	// already stored; Inserted counts new rows.
	Fetched         int
	Inserted        int
	ContiguousIndex int64
	LastSyncedBlock uint64
	// Stalled means the contract counter shows entries the scanned logs
	// do not; the pass completed but the cursor cannot advance past the
	// gap.
	Stalled bool
}

// Syncer pulls one origin's transfer log into the event store.
type Syncer struct {
	cfg    Config
	store  store.EventStore
	client settlement.Client
	log    zerolog.Logger
}

// NewSyncer builds a syncer over the given store and settlement client.
func NewSyncer(s store.EventStore, c settlement.Client, cfg Config, log zerolog.Logger) *Syncer {
	if cfg.SpanBlocks == 0 {
		cfg = DefaultConfig()
	}
	return &Syncer{
		cfg:    cfg,
		store:  s,
		client: c,
		log:    log.With().Str("component", "events").Logger(),
	}
}

// SyncOrigin runs one pass: pull log spans, upsert events, advance the
// contiguous cursor. Events are never invented or reordered.
func (s *Syncer) SyncOrigin(ctx context.Context, origin transfer.OriginID) (*Report, error) {
	st, err := s.store.SyncState(ctx, origin)
	if err != nil {
		return nil, err
	}
	latest, err := s.client.LatestBlock(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("events: latest block of origin %d: %w", origin, err)
	}
	count, err := s.client.TransferCount(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("events: transfer count of origin %d: %w", origin, err)
	}
	st.LastSeenContractIndex = count - 1

	fetched, inserted := 0, 0
	from := s.scanStart(st)
	spans := 0
	for from <= latest {
		if s.cfg.MaxSpans > 0 && spans >= s.cfg.MaxSpans {
			break
		}
		to := min(from+s.cfg.SpanBlocks-1, latest)
		batch, err := s.client.TransferLog(ctx, origin, from, to)
		if err != nil {
			return nil, fmt.Errorf("events: log span %d-%d of origin %d: %w", from, to, origin, err)
		}
		fetched += len(batch)
		if len(batch) > 0 {
			n, err := s.store.UpsertEvents(ctx, batch)
			if err != nil {
				return nil, err
			}
			inserted += n
		}
		st.LastSyncedBlock = to
		from = to + 1
		spans++
	}

	if err := s.advanceContiguous(ctx, st); err != nil {
		return nil, err
	}
	if err := s.store.SaveSyncState(ctx, st); err != nil {
		return nil, err
	}

	rep := &Report{
		Origin:          origin,
		Fetched:         fetched,
		Inserted:        inserted,
		ContiguousIndex: st.ContiguousIndex,
		LastSyncedBlock: st.LastSyncedBlock,
		Stalled:         st.LastSyncedBlock >= latest && st.ContiguousIndex < st.LastSeenContractIndex,
	}
	if rep.Stalled {
		s.log.Warn().
			Uint32("origin", uint32(origin)).
			Int64("contiguous", st.ContiguousIndex).
			Int64("contract", st.LastSeenContractIndex).
			Msg("sync stalled, contract entries not yet visible in logs")
	} else if inserted > 0 {
		s.log.Info().
			Uint32("origin", uint32(origin)).
			Int("inserted", inserted).
			Int64("contiguous", st.ContiguousIndex).
			Uint64("block", st.LastSyncedBlock).
			Msg("synced events")
	}
	return rep, nil
}

// scanStart picks the first block of the pass. A pending gap rewinds to
// just past the last contiguous event's block so the missing entries are
// re-fetched; otherwise the pass continues from the synced tip minus the
// reorg overlap.
func (s *Syncer) scanStart(st *store.SyncState) uint64 {
	start := st.LastSyncedBlock + 1
	if st.ContiguousIndex < st.LastSeenContractIndex {
		start = min(start, st.ContiguousBlock+1)
	}
	if start > s.cfg.ReorgOverlap {
		return start - s.cfg.ReorgOverlap
	}
	return 1
}

// advanceContiguous moves the cursor over stored successor indices until
// the first hole.
func (s *Syncer) advanceContiguous(ctx context.Context, st *store.SyncState) error {
	for {
		batch, err := s.store.Events(ctx, st.Origin, st.ContiguousIndex+1, s.cfg.ScanBatch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		advanced := false
		for _, ev := range batch {
			if ev.EventIndex != st.ContiguousIndex+1 {
				return nil
			}
			st.ContiguousIndex = ev.EventIndex
			st.ContiguousBlock = ev.OriginBlock
			advanced = true
		}
		if !advanced || len(batch) < s.cfg.ScanBatch {
			return nil
		}
	}
}
