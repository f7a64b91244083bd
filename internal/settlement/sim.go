// sim.go - In-memory settlement layer.
//
// Sim behaves like the contracts would: per-origin append-only transfer logs
// with the contract-side rolling hash and counter, reservation bookkeeping
// that only accepts matching continuations, relayed-root records and global
// broadcasts, and double-claim detection on withdrawals. Proof bytes are
// checked through injectable verifier hooks so the sim works with any
// proving backend, or with none for plumbing tests.

package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veilcash/veilcash/internal/transfer"
)

// RootVerifier checks a root submission's proof against its public
// outputs; from is the checkpoint the submission continues.
type RootVerifier func(sub *RootSubmission, from *Reservation) error

// WithdrawalVerifier checks a withdrawal's proof against its public inputs.
type WithdrawalVerifier func(sub *WithdrawalSubmission) error

type originLedger struct {
	events      []transfer.Event
	chains      []transfer.Digest // chains[i] = rolling hash after i transfers
	block       uint64
	reservation Reservation
	provenRoot  transfer.Digest
	provenIndex int64
	relayed     *RelayedRoot
}

// Sim is a thread-safe in-memory Client.
type Sim struct {
	mu         sync.Mutex
	origins    map[transfer.OriginID]*originLedger
	emptyRoot  transfer.Digest
	broadcasts []GlobalBroadcast
	claimed    map[transfer.Digest]uint64 // binding -> minted total
	now        func() time.Time

	// VerifyRoot and VerifyWithdrawal gate acceptance when set.
	VerifyRoot       RootVerifier
	VerifyWithdrawal WithdrawalVerifier
}

// NewSim creates a settlement sim whose origin contracts are initialized
// with the given empty-tree root.
func NewSim(emptyRoot transfer.Digest) *Sim {
	return &Sim{
		origins:   make(map[transfer.OriginID]*originLedger),
		emptyRoot: emptyRoot,
		claimed:   make(map[transfer.Digest]uint64),
		now:       time.Now,
	}
}

// RegisterOrigin creates the contract state for an origin.
func (s *Sim) RegisterOrigin(origin transfer.OriginID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.origins[origin]; !ok {
		s.origins[origin] = &originLedger{
			block:       1,
			reservation: Reservation{Index: 0, HashChain: transfer.ZeroDigest},
			provenRoot:  s.emptyRoot,
		}
	}
}

func (s *Sim) ledger(origin transfer.OriginID) (*originLedger, error) {
	l, ok := s.origins[origin]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOrigin, origin)
	}
	return l, nil
}

// CommitTransfer appends one transfer to an origin's log, advancing the
// contract-side rolling hash exactly as the off-ledger chain does.
func (s *Sim) CommitTransfer(origin transfer.OriginID, from, to transfer.Digest, value uint64) (transfer.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.ledger(origin)
	if err != nil {
		return transfer.Event{}, err
	}
	ev := transfer.Event{
		Origin:      origin,
		EventIndex:  int64(len(l.events)),
		From:        from,
		To:          to,
		Value:       value,
		OriginBlock: l.block,
	}
	prev := transfer.ZeroDigest
	if n := len(l.chains); n > 0 {
		prev = l.chains[n-1]
	}
	l.events = append(l.events, ev)
	l.chains = append(l.chains, transfer.ChainNext(prev, ev.Leaf()))
	return ev, nil
}

// AdvanceBlock moves an origin's block height forward.
func (s *Sim) AdvanceBlock(origin transfer.OriginID, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.origins[origin]; ok {
		l.block += n
	}
}

// chainAt returns the contract chain after index transfers.
func (l *originLedger) chainAt(index int64) (transfer.Digest, bool) {
	if index == 0 {
		return transfer.ZeroDigest, true
	}
	if index < 0 || index > int64(len(l.chains)) {
		return transfer.Digest{}, false
	}
	return l.chains[index-1], true
}

func (s *Sim) TransferLog(_ context.Context, origin transfer.OriginID, fromBlock, toBlock uint64) ([]transfer.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.ledger(origin)
	if err != nil {
		return nil, err
	}
	var out []transfer.Event
	for _, ev := range l.events {
		if ev.OriginBlock >= fromBlock && ev.OriginBlock <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Sim) TransferCount(_ context.Context, origin transfer.OriginID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.ledger(origin)
	if err != nil {
		return 0, err
	}
	return int64(len(l.events)), nil
}

func (s *Sim) LatestBlock(_ context.Context, origin transfer.OriginID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.ledger(origin)
	if err != nil {
		return 0, err
	}
	return l.block, nil
}

func (s *Sim) Reservation(_ context.Context, origin transfer.OriginID) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.ledger(origin)
	if err != nil {
		return nil, err
	}
	r := l.reservation
	return &r, nil
}

func (s *Sim) SubmitRootProof(_ context.Context, sub *RootSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.ledger(sub.Origin)
	if err != nil {
		return err
	}
	// The proof must continue from the proven checkpoint and land on the
	// contract's own chain, bit for bit.
	if sub.OldRoot != l.provenRoot {
		return fmt.Errorf("%w: old root mismatch", ErrReservationChanged)
	}
	chain, ok := l.chainAt(sub.EndIndex)
	if !ok {
		return fmt.Errorf("%w: end index %d beyond contract log", ErrInvalidProof, sub.EndIndex)
	}
	if sub.HashChain != chain {
		return fmt.Errorf("%w: chain mismatch at index %d", ErrInvalidProof, sub.EndIndex)
	}
	if sub.EndIndex <= l.reservation.Index {
		return fmt.Errorf("%w: end index %d does not advance reservation %d",
			ErrReservationChanged, sub.EndIndex, l.reservation.Index)
	}
	// A halted contract publishes a reservation off its own chain; nothing
	// continues from it until an operator resets it.
	if resChain, ok := l.chainAt(l.reservation.Index); !ok || resChain != l.reservation.HashChain {
		return fmt.Errorf("%w: reservation checkpoint not continuable", ErrReservationChanged)
	}
	if s.VerifyRoot != nil {
		from := l.reservation
		if err := s.VerifyRoot(sub, &from); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProof, err)
		}
	}
	l.provenRoot = sub.NewRoot
	l.provenIndex = sub.EndIndex
	l.reservation = Reservation{Index: sub.EndIndex, HashChain: sub.HashChain}
	return nil
}

// Halt simulates an emergency halt: the reservation is reset to the proven
// checkpoint with a perturbed chain so no pending continuation matches.
func (s *Sim) Halt(origin transfer.OriginID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.origins[origin]
	if !ok {
		return
	}
	l.reservation.HashChain = transfer.HashPair(l.reservation.HashChain, l.provenRoot)
}

// SetReservation overrides an origin's reservation. Operator hook, also
// used to model a competing reservation.
func (s *Sim) SetReservation(origin transfer.OriginID, r Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.origins[origin]; ok {
		l.reservation = r
	}
}

// SetProvenState overrides an origin's proven checkpoint. Operator hook
// for bootstrapping an origin that already carries state.
func (s *Sim) SetProvenState(origin transfer.OriginID, root transfer.Digest, treeIndex int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.origins[origin]; ok {
		l.provenRoot = root
		l.provenIndex = treeIndex
	}
}

// SetClock replaces the sim's time source.
func (s *Sim) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Sim) RelayRoot(_ context.Context, origin transfer.OriginID, root transfer.Digest, treeIndex int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.ledger(origin)
	if err != nil {
		return err
	}
	// Only the proven checkpoint may be relayed.
	if treeIndex != l.provenIndex || root != l.provenRoot {
		return fmt.Errorf("%w: relay of unproven state at index %d", ErrUnknownRoot, treeIndex)
	}
	l.relayed = &RelayedRoot{Origin: origin, Root: root, TreeIndex: treeIndex, RelayedAt: s.now()}
	return nil
}

func (s *Sim) RelayedRoots(_ context.Context) ([]RelayedRoot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RelayedRoot
	for _, l := range s.origins {
		if l.relayed != nil {
			out = append(out, *l.relayed)
		}
	}
	return out, nil
}

func (s *Sim) BroadcastGlobalRoot(_ context.Context, b *GlobalBroadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.broadcasts); n > 0 && b.AggSeq <= s.broadcasts[n-1].AggSeq {
		return fmt.Errorf("settlement: broadcast seq %d not increasing", b.AggSeq)
	}
	cp := *b
	cp.Origins = append([]transfer.OriginID(nil), b.Origins...)
	cp.Leaves = append([]transfer.Digest(nil), b.Leaves...)
	cp.TreeIndices = append([]int64(nil), b.TreeIndices...)
	s.broadcasts = append(s.broadcasts, cp)
	return nil
}

func (s *Sim) LatestBroadcast(_ context.Context) (*GlobalBroadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.broadcasts) == 0 {
		return nil, ErrNoBroadcast
	}
	cp := s.broadcasts[len(s.broadcasts)-1]
	return &cp, nil
}

// knownRoot reports whether root is a proven per-origin root or a broadcast
// global root.
func (s *Sim) knownRoot(root transfer.Digest) bool {
	for _, l := range s.origins {
		if l.provenRoot == root {
			return true
		}
	}
	for i := range s.broadcasts {
		if s.broadcasts[i].Root == root {
			return true
		}
	}
	return false
}

func (s *Sim) SubmitWithdrawal(_ context.Context, sub *WithdrawalSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.knownRoot(sub.RootRef) {
		return ErrUnknownRoot
	}
	if _, done := s.claimed[sub.Binding]; done {
		return ErrAlreadyClaimed
	}
	if s.VerifyWithdrawal != nil {
		if err := s.VerifyWithdrawal(sub); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProof, err)
		}
	}
	s.claimed[sub.Binding] = sub.TotalValue
	return nil
}

// Minted returns the total minted for a binding, false if never claimed.
func (s *Sim) Minted(binding transfer.Digest) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.claimed[binding]
	return v, ok
}
