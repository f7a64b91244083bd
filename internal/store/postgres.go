// postgres.go - Postgres Store backed by a pgx connection pool.

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veilcash/veilcash/internal/transfer"
)

// Postgres implements Store on a pgxpool.Pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate applies the schema. Safe to run on every start.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertEvents(ctx context.Context, events []transfer.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(
			`INSERT INTO transfer_events (origin_id, event_index, from_digest, to_binding, value, origin_block)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (origin_id, event_index) DO NOTHING`,
			int32(ev.Origin), ev.EventIndex, ev.From[:], ev.To[:], int64(ev.Value), int64(ev.OriginBlock),
		)
	}
	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()
	inserted := 0
	for range events {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("store: insert event: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (p *Postgres) Events(ctx context.Context, origin transfer.OriginID, from int64, limit int) ([]transfer.Event, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := p.pool.Query(ctx,
		`SELECT event_index, from_digest, to_binding, value, origin_block
		 FROM transfer_events
		 WHERE origin_id = $1 AND event_index >= $2
		 ORDER BY event_index
		 LIMIT $3`,
		int32(origin), from, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows, origin)
}

func (p *Postgres) EventsByRecipient(ctx context.Context, origin transfer.OriginID, binding transfer.Digest, before int64) ([]transfer.Event, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT event_index, from_digest, to_binding, value, origin_block
		 FROM transfer_events
		 WHERE origin_id = $1 AND to_binding = $2 AND event_index < $3
		 ORDER BY event_index`,
		int32(origin), binding[:], before)
	if err != nil {
		return nil, fmt.Errorf("store: query events by recipient: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows, origin)
}

func scanEvents(rows pgx.Rows, origin transfer.OriginID) ([]transfer.Event, error) {
	var out []transfer.Event
	for rows.Next() {
		var (
			ev          transfer.Event
			from, to    []byte
			value       int64
			originBlock int64
		)
		if err := rows.Scan(&ev.EventIndex, &from, &to, &value, &originBlock); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.Origin = origin
		ev.Value = uint64(value)
		ev.OriginBlock = uint64(originBlock)
		var err error
		if ev.From, err = transfer.DigestFromBytes(from); err != nil {
			return nil, err
		}
		if ev.To, err = transfer.DigestFromBytes(to); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) SyncState(ctx context.Context, origin transfer.OriginID) (*SyncState, error) {
	s := &SyncState{Origin: origin}
	err := p.pool.QueryRow(ctx,
		`SELECT contiguous_index, contiguous_block, last_synced_block, last_seen_contract_index
		 FROM event_sync_state WHERE origin_id = $1`,
		int32(origin)).Scan(&s.ContiguousIndex, &s.ContiguousBlock, &s.LastSyncedBlock, &s.LastSeenContractIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return NewSyncState(origin), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: query sync state: %w", err)
	}
	return s, nil
}

func (p *Postgres) SaveSyncState(ctx context.Context, s *SyncState) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO event_sync_state (origin_id, contiguous_index, contiguous_block, last_synced_block, last_seen_contract_index)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (origin_id) DO UPDATE SET
		     contiguous_index = EXCLUDED.contiguous_index,
		     contiguous_block = EXCLUDED.contiguous_block,
		     last_synced_block = EXCLUDED.last_synced_block,
		     last_seen_contract_index = EXCLUDED.last_seen_contract_index`,
		int32(s.Origin), s.ContiguousIndex, s.ContiguousBlock, s.LastSyncedBlock, s.LastSeenContractIndex)
	if err != nil {
		return fmt.Errorf("store: save sync state: %w", err)
	}
	return nil
}

func (p *Postgres) TreeHead(ctx context.Context, origin transfer.OriginID) (*TreeHead, error) {
	var (
		h           = &TreeHead{Origin: origin}
		root, chain []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT size, root, hash_chain FROM tree_heads WHERE origin_id = $1`,
		int32(origin)).Scan(&h.Size, &root, &chain)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: query tree head: %w", err)
	}
	if h.Root, err = transfer.DigestFromBytes(root); err != nil {
		return nil, err
	}
	if h.HashChain, err = transfer.DigestFromBytes(chain); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *Postgres) ApplyLeaf(ctx context.Context, origin transfer.OriginID, m *LeafMutation) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin apply leaf: %w", err)
	}
	defer tx.Rollback(ctx)

	var size int64
	err = tx.QueryRow(ctx,
		`SELECT size FROM tree_heads WHERE origin_id = $1 FOR UPDATE`,
		int32(origin)).Scan(&size)
	if errors.Is(err, pgx.ErrNoRows) {
		size = 0
	} else if err != nil {
		return fmt.Errorf("store: lock tree head: %w", err)
	}
	if m.LeafIndex != size {
		return ErrNonSequential
	}

	treeIndex := m.LeafIndex + 1
	for _, w := range m.Writes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO merkle_node_updates (origin_id, tree_index, level, node_index, old_hash, new_hash)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			int32(origin), treeIndex, int32(w.Level), w.Index, w.OldHash[:], w.NewHash[:]); err != nil {
			return fmt.Errorf("store: insert node update: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO merkle_nodes (origin_id, level, node_index, hash, updated_at_index)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (origin_id, level, node_index) DO UPDATE SET
			     hash = EXCLUDED.hash, updated_at_index = EXCLUDED.updated_at_index`,
			int32(origin), int32(w.Level), w.Index, w.NewHash[:], treeIndex); err != nil {
			return fmt.Errorf("store: upsert node: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO tree_heads (origin_id, size, root, hash_chain)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (origin_id) DO UPDATE SET
		     size = EXCLUDED.size, root = EXCLUDED.root, hash_chain = EXCLUDED.hash_chain`,
		int32(origin), treeIndex, m.NewRoot[:], m.NewChain[:]); err != nil {
		return fmt.Errorf("store: upsert tree head: %w", err)
	}
	if m.Snapshot != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO merkle_snapshots (origin_id, tree_index, root, hash_chain)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (origin_id, tree_index) DO NOTHING`,
			int32(origin), m.Snapshot.TreeIndex, m.Snapshot.Root[:], m.Snapshot.HashChain[:]); err != nil {
			return fmt.Errorf("store: insert snapshot: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit apply leaf: %w", err)
	}
	return nil
}

func (p *Postgres) CurrentNode(ctx context.Context, origin transfer.OriginID, level int, index int64) (transfer.Digest, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT hash FROM merkle_nodes
		 WHERE origin_id = $1 AND level = $2 AND node_index = $3`,
		int32(origin), int32(level), index).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return transfer.Digest{}, false, nil
	}
	if err != nil {
		return transfer.Digest{}, false, fmt.Errorf("store: query current node: %w", err)
	}
	d, err := transfer.DigestFromBytes(raw)
	if err != nil {
		return transfer.Digest{}, false, err
	}
	return d, true, nil
}

func (p *Postgres) NodeAt(ctx context.Context, origin transfer.OriginID, level int, index int64, atSize int64) (transfer.Digest, bool, error) {
	// Undo semantics: the value at atSize is the pre-image of the first
	// write after it, the live value if no later write exists. Answers
	// survive pruning of history at or below a snapshot boundary.
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT old_hash FROM merkle_node_updates
		 WHERE origin_id = $1 AND level = $2 AND node_index = $3 AND tree_index > $4
		 ORDER BY tree_index ASC LIMIT 1`,
		int32(origin), int32(level), index, atSize).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		err = p.pool.QueryRow(ctx,
			`SELECT hash FROM merkle_nodes
			 WHERE origin_id = $1 AND level = $2 AND node_index = $3`,
			int32(origin), int32(level), index).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return transfer.Digest{}, false, nil
		}
	}
	if err != nil {
		return transfer.Digest{}, false, fmt.Errorf("store: query node: %w", err)
	}
	d, err := transfer.DigestFromBytes(raw)
	if err != nil {
		return transfer.Digest{}, false, err
	}
	return d, true, nil
}

func (p *Postgres) NodeUpdates(ctx context.Context, origin transfer.OriginID, fromExcl, toIncl int64) ([]NodeUpdate, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT tree_index, level, node_index, old_hash, new_hash
		 FROM merkle_node_updates
		 WHERE origin_id = $1 AND tree_index > $2 AND tree_index <= $3
		 ORDER BY seq`,
		int32(origin), fromExcl, toIncl)
	if err != nil {
		return nil, fmt.Errorf("store: query node updates: %w", err)
	}
	defer rows.Close()

	var out []NodeUpdate
	for rows.Next() {
		var (
			u                NodeUpdate
			level            int32
			oldHash, newHash []byte
		)
		if err := rows.Scan(&u.TreeIndex, &level, &u.Index, &oldHash, &newHash); err != nil {
			return nil, fmt.Errorf("store: scan node update: %w", err)
		}
		u.Origin = origin
		u.Level = int(level)
		if u.OldHash, err = transfer.DigestFromBytes(oldHash); err != nil {
			return nil, err
		}
		if u.NewHash, err = transfer.DigestFromBytes(newHash); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *Postgres) NearestSnapshot(ctx context.Context, origin transfer.OriginID, maxSize int64) (*Snapshot, error) {
	return p.querySnapshot(ctx,
		`SELECT tree_index, root, hash_chain FROM merkle_snapshots
		 WHERE origin_id = $1 AND tree_index <= $2
		 ORDER BY tree_index DESC LIMIT 1`,
		origin, maxSize)
}

func (p *Postgres) SnapshotAt(ctx context.Context, origin transfer.OriginID, treeIndex int64) (*Snapshot, error) {
	return p.querySnapshot(ctx,
		`SELECT tree_index, root, hash_chain FROM merkle_snapshots
		 WHERE origin_id = $1 AND tree_index = $2`,
		origin, treeIndex)
}

func (p *Postgres) querySnapshot(ctx context.Context, sql string, origin transfer.OriginID, arg int64) (*Snapshot, error) {
	var (
		s           = &Snapshot{Origin: origin}
		root, chain []byte
	)
	err := p.pool.QueryRow(ctx, sql, int32(origin), arg).Scan(&s.TreeIndex, &root, &chain)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: query snapshot: %w", err)
	}
	if s.Root, err = transfer.DigestFromBytes(root); err != nil {
		return nil, err
	}
	if s.HashChain, err = transfer.DigestFromBytes(chain); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Postgres) PruneTreeHistory(ctx context.Context, origin transfer.OriginID, throughIndex int64) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin prune: %w", err)
	}
	defer tx.Rollback(ctx)
	updates, err := tx.Exec(ctx,
		`DELETE FROM merkle_node_updates WHERE origin_id = $1 AND tree_index <= $2`,
		int32(origin), throughIndex)
	if err != nil {
		return 0, fmt.Errorf("store: prune updates: %w", err)
	}
	snaps, err := tx.Exec(ctx,
		`DELETE FROM merkle_snapshots WHERE origin_id = $1 AND tree_index < $2`,
		int32(origin), throughIndex)
	if err != nil {
		return 0, fmt.Errorf("store: prune snapshots: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit prune: %w", err)
	}
	return updates.RowsAffected() + snaps.RowsAffected(), nil
}

func (p *Postgres) ProverState(ctx context.Context, origin transfer.OriginID) (*ProverState, error) {
	var (
		s             = &ProverState{Origin: origin}
		reservedIndex *int64
		reservedChain []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT base_index, last_compiled_index, last_submitted_index,
		        pending_reserved_index, pending_reserved_hash_chain
		 FROM root_prover_state WHERE origin_id = $1`,
		int32(origin)).Scan(&s.BaseIndex, &s.LastCompiled, &s.LastSubmitted, &reservedIndex, &reservedChain)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ProverState{Origin: origin}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: query prover state: %w", err)
	}
	if reservedIndex != nil {
		chain, err := transfer.DigestFromBytes(reservedChain)
		if err != nil {
			return nil, err
		}
		s.Reserved = &Reservation{Index: *reservedIndex, HashChain: chain}
	}
	return s, nil
}

func (p *Postgres) SaveProverState(ctx context.Context, s *ProverState) error {
	if err := s.Validate(); err != nil {
		return err
	}
	var (
		reservedIndex *int64
		reservedChain []byte
	)
	if s.Reserved != nil {
		reservedIndex = &s.Reserved.Index
		reservedChain = s.Reserved.HashChain[:]
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO root_prover_state (origin_id, base_index, last_compiled_index, last_submitted_index,
		                                pending_reserved_index, pending_reserved_hash_chain)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (origin_id) DO UPDATE SET
		     base_index = EXCLUDED.base_index,
		     last_compiled_index = EXCLUDED.last_compiled_index,
		     last_submitted_index = EXCLUDED.last_submitted_index,
		     pending_reserved_index = EXCLUDED.pending_reserved_index,
		     pending_reserved_hash_chain = EXCLUDED.pending_reserved_hash_chain`,
		int32(s.Origin), s.BaseIndex, s.LastCompiled, s.LastSubmitted, reservedIndex, reservedChain)
	if err != nil {
		return fmt.Errorf("store: save prover state: %w", err)
	}
	return nil
}

func (p *Postgres) LatestProof(ctx context.Context, origin transfer.OriginID) (*IvcProof, error) {
	var (
		pr          = &IvcProof{Origin: origin}
		chain, root []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT start_index, end_index, step_count, proof_bytes, state_index, state_hash_chain, state_root
		 FROM root_ivc_proofs WHERE origin_id = $1
		 ORDER BY end_index DESC LIMIT 1`,
		int32(origin)).Scan(&pr.StartIndex, &pr.EndIndex, &pr.StepCount, &pr.ProofBytes, &pr.StateIndex, &chain, &root)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: query proof: %w", err)
	}
	if pr.StateHashChain, err = transfer.DigestFromBytes(chain); err != nil {
		return nil, err
	}
	if pr.StateRoot, err = transfer.DigestFromBytes(root); err != nil {
		return nil, err
	}
	return pr, nil
}

func (p *Postgres) SaveProof(ctx context.Context, pr *IvcProof) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO root_ivc_proofs (origin_id, start_index, end_index, step_count, proof_bytes, state_index, state_hash_chain, state_root)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (origin_id, end_index) DO UPDATE SET
		     start_index = EXCLUDED.start_index,
		     step_count = EXCLUDED.step_count,
		     proof_bytes = EXCLUDED.proof_bytes,
		     state_index = EXCLUDED.state_index,
		     state_hash_chain = EXCLUDED.state_hash_chain,
		     state_root = EXCLUDED.state_root`,
		int32(pr.Origin), pr.StartIndex, pr.EndIndex, pr.StepCount, pr.ProofBytes, pr.StateIndex, pr.StateHashChain[:], pr.StateRoot[:])
	if err != nil {
		return fmt.Errorf("store: save proof: %w", err)
	}
	return nil
}

func (p *Postgres) DiscardProofsAbove(ctx context.Context, origin transfer.OriginID, boundary int64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin discard: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx,
		`DELETE FROM root_ivc_proofs WHERE origin_id = $1 AND end_index > $2`,
		int32(origin), boundary); err != nil {
		return fmt.Errorf("store: delete proofs: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE root_prover_state SET last_compiled_index = LEAST(last_compiled_index, $2)
		 WHERE origin_id = $1`,
		int32(origin), boundary); err != nil {
		return fmt.Errorf("store: cap compiled index: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit discard: %w", err)
	}
	return nil
}

func (p *Postgres) LatestAggregation(ctx context.Context) (*AggregationSnapshot, error) {
	var (
		s       = &AggregationSnapshot{}
		root    []byte
		origins []int32
		leaves  [][]byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT agg_seq, root, origin_ids, leaves, tree_indices
		 FROM aggregation_snapshots ORDER BY agg_seq DESC LIMIT 1`).
		Scan(&s.AggSeq, &root, &origins, &leaves, &s.TreeIndices)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: query aggregation: %w", err)
	}
	if s.Root, err = transfer.DigestFromBytes(root); err != nil {
		return nil, err
	}
	s.Origins = make([]transfer.OriginID, len(origins))
	for i, o := range origins {
		s.Origins[i] = transfer.OriginID(o)
	}
	s.Leaves = make([]transfer.Digest, len(leaves))
	for i, l := range leaves {
		if s.Leaves[i], err = transfer.DigestFromBytes(l); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (p *Postgres) SaveAggregation(ctx context.Context, s *AggregationSnapshot) error {
	origins := make([]int32, len(s.Origins))
	for i, o := range s.Origins {
		origins[i] = int32(o)
	}
	leaves := make([][]byte, len(s.Leaves))
	for i := range s.Leaves {
		leaves[i] = s.Leaves[i][:]
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO aggregation_snapshots (agg_seq, root, origin_ids, leaves, tree_indices)
		 SELECT $1, $2, $3, $4, $5
		 WHERE $1 > COALESCE((SELECT MAX(agg_seq) FROM aggregation_snapshots), -1)`,
		s.AggSeq, s.Root[:], origins, leaves, s.TreeIndices)
	if err != nil {
		return fmt.Errorf("store: save aggregation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSeqRegression
	}
	return nil
}

func (p *Postgres) TryAcquire(ctx context.Context, key, holder string, expiresAt, now time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO leases (key, holder, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		 WHERE leases.holder = EXCLUDED.holder OR leases.expires_at <= $4`,
		key, holder, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("store: acquire lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) RenewLease(ctx context.Context, key, holder string, expiresAt, now time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE leases SET expires_at = $3
		 WHERE key = $1 AND holder = $2 AND expires_at > $4`,
		key, holder, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("store: renew lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ReleaseLease(ctx context.Context, key, holder string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM leases WHERE key = $1 AND holder = $2`,
		key, holder)
	if err != nil {
		return false, fmt.Errorf("store: release lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
