// prover.go - Opaque proving primitive for root transitions and withdrawals.
//
// The rest of the system treats proofs as artifacts with public endpoints:
// a Folder absorbs one step witness per committed leaf into a running root
// proof, a WithdrawalProver turns an inclusion witness into a claim proof.
// Two backends implement the contract: Transcript checks every transition
// natively and binds the endpoints into a MiMC accumulator (fast, for tests
// and local runs), Groth16 proves each step in-circuit. Callers never look
// inside Artifact.

package prover

import (
	"context"
	"errors"
	"fmt"

	"github.com/veilcash/veilcash/internal/transfer"
)

var (
	// ErrShortFold rejects finalizing a fold of fewer than two steps.
	ErrShortFold = errors.New("prover: fold needs at least two steps")
	// ErrStepMismatch rejects a step that does not continue the fold's
	// end state.
	ErrStepMismatch = errors.New("prover: step does not continue fold")
	// ErrBadArtifact rejects an artifact that fails verification.
	ErrBadArtifact = errors.New("prover: artifact does not match public outputs")
)

// StepWitness is one root transition: leaf LeafIndex is inserted into the
// tree of exactly that size. Siblings is the slot's path in the
// pre-insertion tree, which proves the zero leaf under PrevRoot and the new
// leaf under NewRoot. A dummy step pads a fold without moving state: all
// endpoints equal and no index is consumed.
type StepWitness struct {
	LeafIndex int64
	Leaf      transfer.Digest
	Siblings  []transfer.Digest
	PrevRoot  transfer.Digest
	NewRoot   transfer.Digest
	PrevChain transfer.Digest
	NewChain  transfer.Digest
	Dummy     bool
}

// RootProof is a folded proof that the tree advanced from its start to its
// end state, one committed leaf per real step.
type RootProof struct {
	Steps      int
	StartIndex int64
	EndIndex   int64
	StartRoot  transfer.Digest
	EndRoot    transfer.Digest
	StartChain transfer.Digest
	EndChain   transfer.Digest
	Artifact   []byte
}

// Folder folds step witnesses into root proofs.
type Folder interface {
	// Fold absorbs one step. A nil prev starts a new fold anchored at the
	// witness's previous state; a dummy step cannot start a fold.
	Fold(ctx context.Context, prev *RootProof, w *StepWitness) (*RootProof, error)
	// VerifyFold checks the artifact against the proof's public endpoints.
	// Folds of fewer than two steps are rejected.
	VerifyFold(ctx context.Context, p *RootProof) error
}

// SubmissionProof rebuilds the public fold a verifier checks: the end
// state comes from the submission, the start state from the checkpoint the
// submission continues. Steps is left for the backend to take from the
// artifact.
func SubmissionProof(artifact []byte, startIndex, endIndex int64, startRoot, endRoot, startChain, endChain transfer.Digest) *RootProof {
	return &RootProof{
		StartIndex: startIndex,
		EndIndex:   endIndex,
		StartRoot:  startRoot,
		EndRoot:    endRoot,
		StartChain: startChain,
		EndChain:   endChain,
		Artifact:   artifact,
	}
}

// DummyStep builds the no-op step continuing from a fold's end state.
func DummyStep(prev *RootProof, pathLen int) *StepWitness {
	return &StepWitness{
		LeafIndex: prev.EndIndex,
		Leaf:      transfer.ZeroDigest,
		Siblings:  make([]transfer.Digest, pathLen),
		PrevRoot:  prev.EndRoot,
		NewRoot:   prev.EndRoot,
		PrevChain: prev.EndChain,
		NewChain:  prev.EndChain,
		Dummy:     true,
	}
}

// WithdrawalStep is one leaf folded into a withdrawal claim. Real steps
// prove inclusion of H(binding, Value) at LeafIndex; dummy steps carry a
// zero value and skip the inclusion check.
type WithdrawalStep struct {
	LeafIndex int64
	Value     uint64
	Siblings  []transfer.Digest
	Dummy     bool
}

// WithdrawalWitness assembles a claim: the recipient proves knowledge of
// the binding's secret and the inclusion of every real step's leaf under
// Root, with values summing to Total plus the blinding delta.
type WithdrawalWitness struct {
	Root     transfer.Digest
	Secret   transfer.Digest
	Binding  transfer.Digest
	Steps    []WithdrawalStep
	Blinding uint64
}

// Total returns the claimable value: real step values minus the blinding
// delta.
func (w *WithdrawalWitness) Total() uint64 {
	var sum uint64
	for _, s := range w.Steps {
		if !s.Dummy {
			sum += s.Value
		}
	}
	return sum - w.Blinding
}

// WithdrawalProof is the assembled claim artifact with its public inputs.
type WithdrawalProof struct {
	Root         transfer.Digest
	Binding      transfer.Digest
	Total        uint64
	PublicInputs []transfer.Digest
	Artifact     []byte
}

// WithdrawalProver proves and verifies withdrawal claims.
type WithdrawalProver interface {
	ProveWithdrawal(ctx context.Context, w *WithdrawalWitness) (*WithdrawalProof, error)
	VerifyWithdrawal(ctx context.Context, p *WithdrawalProof) error
}

// Backend bundles both proving capabilities.
type Backend interface {
	Folder
	WithdrawalProver
}

// publicInputs is the fixed public input layout shared by the backends.
func publicInputs(root, binding transfer.Digest, total uint64) []transfer.Digest {
	return []transfer.Digest{root, binding, transfer.DigestFromUint64(total)}
}

// checkStepContinuity validates that w continues prev, or anchors a new
// fold when prev is nil.
func checkStepContinuity(prev *RootProof, w *StepWitness) error {
	if prev == nil {
		if w.Dummy {
			return fmt.Errorf("%w: fold cannot start with a dummy step", ErrStepMismatch)
		}
		return nil
	}
	if w.PrevRoot != prev.EndRoot || w.PrevChain != prev.EndChain {
		return fmt.Errorf("%w: previous state diverges", ErrStepMismatch)
	}
	if !w.Dummy && w.LeafIndex != prev.EndIndex {
		return fmt.Errorf("%w: leaf %d after end index %d", ErrStepMismatch, w.LeafIndex, prev.EndIndex)
	}
	return nil
}

// advance produces the successor proof shell for a validated step; the
// backend fills Artifact.
func advance(prev *RootProof, w *StepWitness) *RootProof {
	next := &RootProof{}
	if prev == nil {
		next.StartIndex = w.LeafIndex
		next.StartRoot = w.PrevRoot
		next.StartChain = w.PrevChain
		next.EndIndex = w.LeafIndex
	} else {
		*next = *prev
		next.Artifact = nil
	}
	next.Steps++
	next.EndRoot = w.NewRoot
	next.EndChain = w.NewChain
	if !w.Dummy {
		next.EndIndex = w.LeafIndex + 1
	}
	return next
}
