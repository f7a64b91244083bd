// settlement.go - Boundary to the settlement layer.
//
// The core never talks to a ledger directly; everything it reads or writes
// crosses this interface. Per-origin contracts hold the transfer log, its
// rolling hash and the proven-checkpoint reservation; a global contract
// collects relayed roots and aggregation broadcasts. Sim provides the whole
// surface in memory for tests and local runs.

package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/veilcash/veilcash/internal/transfer"
)

var (
	// ErrReservationChanged rejects a root submission whose continuation
	// point no longer matches the published reservation.
	ErrReservationChanged = errors.New("settlement: reservation changed")
	// ErrInvalidProof rejects a submission that fails verification.
	ErrInvalidProof = errors.New("settlement: invalid proof")
	// ErrUnknownRoot rejects a withdrawal against a root the settlement
	// layer never accepted.
	ErrUnknownRoot = errors.New("settlement: unknown root reference")
	// ErrAlreadyClaimed rejects a second withdrawal for the same binding.
	ErrAlreadyClaimed = errors.New("settlement: binding already claimed")
	// ErrNoBroadcast reports that no global root was broadcast yet.
	ErrNoBroadcast = errors.New("settlement: no global broadcast")
	// ErrUnknownOrigin reports an origin with no registered contract.
	ErrUnknownOrigin = errors.New("settlement: unknown origin")
)

// Reservation is the checkpoint a next root submission must continue from.
type Reservation struct {
	Index     int64
	HashChain transfer.Digest
}

// RootSubmission carries a compiled root-transition proof and its public
// outputs. OldRoot must match the last proven root, EndIndex and HashChain
// the contract's own log at that index.
type RootSubmission struct {
	Origin     transfer.OriginID
	EndIndex   int64
	OldRoot    transfer.Digest
	NewRoot    transfer.Digest
	HashChain  transfer.Digest
	ProofBytes []byte
}

// RelayedRoot is one origin's last root relay as the global contract saw it.
type RelayedRoot struct {
	Origin    transfer.OriginID
	Root      transfer.Digest
	TreeIndex int64
	RelayedAt time.Time
}

// GlobalBroadcast is one aggregation published to every origin.
type GlobalBroadcast struct {
	AggSeq      int64
	Root        transfer.Digest
	Origins     []transfer.OriginID
	Leaves      []transfer.Digest
	TreeIndices []int64
}

// WithdrawalSubmission carries an assembled withdrawal proof. RootRef is
// either a proven per-origin root or a broadcast global root.
type WithdrawalSubmission struct {
	Origin       transfer.OriginID
	RootRef      transfer.Digest
	Binding      transfer.Digest
	TotalValue   uint64
	ProofBytes   []byte
	PublicInputs []transfer.Digest
}

// Client is the full settlement surface used by the core.
type Client interface {
	// TransferLog returns committed transfers with origin blocks in
	// [fromBlock, toBlock], ascending by event index.
	TransferLog(ctx context.Context, origin transfer.OriginID, fromBlock, toBlock uint64) ([]transfer.Event, error)
	// TransferCount returns the origin contract's own transfer counter.
	TransferCount(ctx context.Context, origin transfer.OriginID) (int64, error)
	// LatestBlock returns the origin's current block height.
	LatestBlock(ctx context.Context, origin transfer.OriginID) (uint64, error)
	// Reservation returns the origin's published continuation checkpoint.
	Reservation(ctx context.Context, origin transfer.OriginID) (*Reservation, error)

	// SubmitRootProof submits a compiled root transition. On acceptance
	// the reservation advances to the submission's end state.
	SubmitRootProof(ctx context.Context, sub *RootSubmission) error
	// RelayRoot posts the origin's proven root to the global contract.
	RelayRoot(ctx context.Context, origin transfer.OriginID, root transfer.Digest, treeIndex int64) error

	// RelayedRoots returns every origin's latest relayed root.
	RelayedRoots(ctx context.Context) ([]RelayedRoot, error)
	// BroadcastGlobalRoot publishes one aggregation.
	BroadcastGlobalRoot(ctx context.Context, b *GlobalBroadcast) error
	// LatestBroadcast returns the newest broadcast, ErrNoBroadcast if none.
	LatestBroadcast(ctx context.Context) (*GlobalBroadcast, error)

	// SubmitWithdrawal verifies and settles a withdrawal claim.
	SubmitWithdrawal(ctx context.Context, sub *WithdrawalSubmission) error
}
