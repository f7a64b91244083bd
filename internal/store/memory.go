// memory.go - In-memory Store with the same semantics as the Postgres
// backend. Backs tests and the memory storage driver.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/veilcash/veilcash/internal/transfer"
)

type nodeKey struct {
	level int
	index int64
}

type nodeVersion struct {
	treeIndex int64
	old       transfer.Digest
	new       transfer.Digest
}

type leaseRow struct {
	holder    string
	expiresAt time.Time
}

// Memory is a mutex-guarded Store kept entirely in process memory.
type Memory struct {
	mu        sync.RWMutex
	events    map[transfer.OriginID]map[int64]transfer.Event
	cursors   map[transfer.OriginID]*SyncState
	heads     map[transfer.OriginID]*TreeHead
	nodes     map[transfer.OriginID]map[nodeKey]transfer.Digest
	history   map[transfer.OriginID]map[nodeKey][]nodeVersion
	updates   map[transfer.OriginID][]NodeUpdate
	snapshots map[transfer.OriginID][]Snapshot
	prover    map[transfer.OriginID]*ProverState
	proofs    map[transfer.OriginID][]IvcProof
	aggs      []AggregationSnapshot
	leases    map[string]leaseRow
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events:    make(map[transfer.OriginID]map[int64]transfer.Event),
		cursors:   make(map[transfer.OriginID]*SyncState),
		heads:     make(map[transfer.OriginID]*TreeHead),
		nodes:     make(map[transfer.OriginID]map[nodeKey]transfer.Digest),
		history:   make(map[transfer.OriginID]map[nodeKey][]nodeVersion),
		updates:   make(map[transfer.OriginID][]NodeUpdate),
		snapshots: make(map[transfer.OriginID][]Snapshot),
		prover:    make(map[transfer.OriginID]*ProverState),
		proofs:    make(map[transfer.OriginID][]IvcProof),
		leases:    make(map[string]leaseRow),
	}
}

func (m *Memory) UpsertEvents(_ context.Context, events []transfer.Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, ev := range events {
		byIndex, ok := m.events[ev.Origin]
		if !ok {
			byIndex = make(map[int64]transfer.Event)
			m.events[ev.Origin] = byIndex
		}
		if _, dup := byIndex[ev.EventIndex]; dup {
			continue
		}
		byIndex[ev.EventIndex] = ev
		inserted++
	}
	return inserted, nil
}

func (m *Memory) Events(_ context.Context, origin transfer.OriginID, from int64, limit int) ([]transfer.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byIndex := m.events[origin]
	indices := make([]int64, 0, len(byIndex))
	for idx := range byIndex {
		if idx >= from {
			indices = append(indices, idx)
		}
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	if limit > 0 && len(indices) > limit {
		indices = indices[:limit]
	}
	out := make([]transfer.Event, 0, len(indices))
	for _, idx := range indices {
		out = append(out, byIndex[idx])
	}
	return out, nil
}

func (m *Memory) EventsByRecipient(_ context.Context, origin transfer.OriginID, binding transfer.Digest, before int64) ([]transfer.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []transfer.Event
	for idx, ev := range m.events[origin] {
		if idx < before && ev.To == binding {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventIndex < out[j].EventIndex })
	return out, nil
}

func (m *Memory) SyncState(_ context.Context, origin transfer.OriginID) (*SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.cursors[origin]; ok {
		cp := *s
		return &cp, nil
	}
	return NewSyncState(origin), nil
}

func (m *Memory) SaveSyncState(_ context.Context, s *SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.cursors[s.Origin] = &cp
	return nil
}

func (m *Memory) TreeHead(_ context.Context, origin transfer.OriginID) (*TreeHead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.heads[origin]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *Memory) ApplyLeaf(_ context.Context, origin transfer.OriginID, mut *LeafMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := int64(0)
	if h, ok := m.heads[origin]; ok {
		size = h.Size
	}
	if mut.LeafIndex != size {
		return ErrNonSequential
	}

	treeIndex := mut.LeafIndex + 1
	cur, ok := m.nodes[origin]
	if !ok {
		cur = make(map[nodeKey]transfer.Digest)
		m.nodes[origin] = cur
	}
	hist, ok := m.history[origin]
	if !ok {
		hist = make(map[nodeKey][]nodeVersion)
		m.history[origin] = hist
	}
	for _, w := range mut.Writes {
		key := nodeKey{level: w.Level, index: w.Index}
		cur[key] = w.NewHash
		hist[key] = append(hist[key], nodeVersion{treeIndex: treeIndex, old: w.OldHash, new: w.NewHash})
		m.updates[origin] = append(m.updates[origin], NodeUpdate{
			Origin:    origin,
			TreeIndex: treeIndex,
			Level:     w.Level,
			Index:     w.Index,
			OldHash:   w.OldHash,
			NewHash:   w.NewHash,
		})
	}
	m.heads[origin] = &TreeHead{
		Origin:    origin,
		Size:      treeIndex,
		Root:      mut.NewRoot,
		HashChain: mut.NewChain,
	}
	if mut.Snapshot != nil {
		m.snapshots[origin] = append(m.snapshots[origin], *mut.Snapshot)
	}
	return nil
}

func (m *Memory) CurrentNode(_ context.Context, origin transfer.OriginID, level int, index int64) (transfer.Digest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.nodes[origin][nodeKey{level: level, index: index}]
	return h, ok, nil
}

func (m *Memory) NodeAt(_ context.Context, origin transfer.OriginID, level int, index int64, atSize int64) (transfer.Digest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := nodeKey{level: level, index: index}
	versions := m.history[origin][key]
	// Undo semantics: the value at atSize is the pre-image of the first
	// write after it, the live value if no later write exists. Only
	// history newer than atSize is consulted, so pruning rows at or below
	// a snapshot boundary never changes answers inside the retained
	// window.
	pos := sort.Search(len(versions), func(i int) bool { return versions[i].treeIndex > atSize })
	if pos < len(versions) {
		return versions[pos].old, true, nil
	}
	if h, ok := m.nodes[origin][key]; ok {
		return h, true, nil
	}
	return transfer.Digest{}, false, nil
}

func (m *Memory) NodeUpdates(_ context.Context, origin transfer.OriginID, fromExcl, toIncl int64) ([]NodeUpdate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []NodeUpdate
	for _, u := range m.updates[origin] {
		if u.TreeIndex > fromExcl && u.TreeIndex <= toIncl {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *Memory) PruneTreeHistory(_ context.Context, origin transfer.OriginID, throughIndex int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := int64(0)
	kept := m.updates[origin][:0]
	for _, u := range m.updates[origin] {
		if u.TreeIndex > throughIndex {
			kept = append(kept, u)
		} else {
			removed++
		}
	}
	m.updates[origin] = kept

	for key, versions := range m.history[origin] {
		pos := sort.Search(len(versions), func(i int) bool { return versions[i].treeIndex > throughIndex })
		if pos > 0 {
			m.history[origin][key] = versions[pos:]
		}
	}

	snaps := m.snapshots[origin][:0]
	for _, s := range m.snapshots[origin] {
		if s.TreeIndex >= throughIndex {
			snaps = append(snaps, s)
		} else {
			removed++
		}
	}
	m.snapshots[origin] = snaps
	return removed, nil
}

func (m *Memory) NearestSnapshot(_ context.Context, origin transfer.OriginID, maxSize int64) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := m.snapshots[origin]
	pos := sort.Search(len(snaps), func(i int) bool { return snaps[i].TreeIndex > maxSize })
	if pos == 0 {
		return nil, ErrNotFound
	}
	cp := snaps[pos-1]
	return &cp, nil
}

func (m *Memory) SnapshotAt(_ context.Context, origin transfer.OriginID, treeIndex int64) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.snapshots[origin] {
		if s.TreeIndex == treeIndex {
			cp := s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ProverState(_ context.Context, origin transfer.OriginID) (*ProverState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.prover[origin]; ok {
		cp := *s
		if s.Reserved != nil {
			r := *s.Reserved
			cp.Reserved = &r
		}
		return &cp, nil
	}
	return &ProverState{Origin: origin}, nil
}

func (m *Memory) SaveProverState(_ context.Context, s *ProverState) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	if s.Reserved != nil {
		r := *s.Reserved
		cp.Reserved = &r
	}
	m.prover[s.Origin] = &cp
	return nil
}

func (m *Memory) LatestProof(_ context.Context, origin transfer.OriginID) (*IvcProof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	proofs := m.proofs[origin]
	if len(proofs) == 0 {
		return nil, ErrNotFound
	}
	cp := proofs[len(proofs)-1]
	cp.ProofBytes = append([]byte(nil), cp.ProofBytes...)
	return &cp, nil
}

func (m *Memory) SaveProof(_ context.Context, p *IvcProof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.ProofBytes = append([]byte(nil), p.ProofBytes...)
	proofs := m.proofs[p.Origin]
	// Upsert by EndIndex, keeping ascending order.
	pos := sort.Search(len(proofs), func(i int) bool { return proofs[i].EndIndex >= cp.EndIndex })
	if pos < len(proofs) && proofs[pos].EndIndex == cp.EndIndex {
		proofs[pos] = cp
	} else {
		proofs = append(proofs, IvcProof{})
		copy(proofs[pos+1:], proofs[pos:])
		proofs[pos] = cp
	}
	m.proofs[p.Origin] = proofs
	return nil
}

func (m *Memory) DiscardProofsAbove(_ context.Context, origin transfer.OriginID, boundary int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	proofs := m.proofs[origin]
	kept := proofs[:0]
	for _, p := range proofs {
		if p.EndIndex <= boundary {
			kept = append(kept, p)
		}
	}
	m.proofs[origin] = kept
	if s, ok := m.prover[origin]; ok && s.LastCompiled > boundary {
		s.LastCompiled = boundary
	}
	return nil
}

func (m *Memory) LatestAggregation(_ context.Context) (*AggregationSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.aggs) == 0 {
		return nil, ErrNotFound
	}
	cp := copyAggregation(m.aggs[len(m.aggs)-1])
	return &cp, nil
}

func (m *Memory) SaveAggregation(_ context.Context, s *AggregationSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.aggs) > 0 && s.AggSeq <= m.aggs[len(m.aggs)-1].AggSeq {
		return ErrSeqRegression
	}
	m.aggs = append(m.aggs, copyAggregation(*s))
	return nil
}

func copyAggregation(s AggregationSnapshot) AggregationSnapshot {
	cp := s
	cp.Origins = append([]transfer.OriginID(nil), s.Origins...)
	cp.Leaves = append([]transfer.Digest(nil), s.Leaves...)
	cp.TreeIndices = append([]int64(nil), s.TreeIndices...)
	return cp
}

func (m *Memory) TryAcquire(_ context.Context, key, holder string, expiresAt, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.leases[key]; ok && row.holder != holder && row.expiresAt.After(now) {
		return false, nil
	}
	m.leases[key] = leaseRow{holder: holder, expiresAt: expiresAt}
	return true, nil
}

func (m *Memory) RenewLease(_ context.Context, key, holder string, expiresAt, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.leases[key]
	if !ok || row.holder != holder || !row.expiresAt.After(now) {
		return false, nil
	}
	m.leases[key] = leaseRow{holder: holder, expiresAt: expiresAt}
	return true, nil
}

func (m *Memory) ReleaseLease(_ context.Context, key, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.leases[key]
	if !ok || row.holder != holder {
		return false, nil
	}
	delete(m.leases, key)
	return true, nil
}

func (m *Memory) Close() error { return nil }
