// pipeline_test.go - Compile/submit state machine against the settlement sim.

package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/veilcash/veilcash/internal/merkle"
	"github.com/veilcash/veilcash/internal/prover"
	"github.com/veilcash/veilcash/internal/settlement"
	"github.com/veilcash/veilcash/internal/store"
	"github.com/veilcash/veilcash/internal/transfer"
	"github.com/veilcash/veilcash/internal/tree"
)

const (
	pipeOrigin = transfer.OriginID(1)
	pipeHeight = 8
)

type pipeFixture struct {
	mem  *store.Memory
	tree *tree.Tree
	sim  *settlement.Sim
	back *prover.Transcript
	pipe *Pipeline
}

// newPipeFixture wires a pipeline over the memory store and the settlement
// sim, with the sim verifying every submitted fold through the transcript
// backend.
func newPipeFixture(t *testing.T) *pipeFixture {
	t.Helper()
	mem := store.NewMemory()
	tr := tree.New(mem, tree.Config{Height: pipeHeight, SnapshotEvery: 4, IngestBatch: 64}, zerolog.Nop())
	back := prover.NewTranscript()

	sim := settlement.NewSim(merkle.ZeroHashes(pipeHeight)[pipeHeight])
	sim.RegisterOrigin(pipeOrigin)
	sim.VerifyRoot = func(sub *settlement.RootSubmission, from *settlement.Reservation) error {
		p := prover.SubmissionProof(sub.ProofBytes, from.Index, sub.EndIndex,
			sub.OldRoot, sub.NewRoot, from.HashChain, sub.HashChain)
		return back.VerifyFold(context.Background(), p)
	}

	pipe := New(mem, tr, back, sim, Config{CompileBatch: 64, SubmitRetries: 2}, zerolog.Nop())
	return &pipeFixture{mem: mem, tree: tr, sim: sim, back: back, pipe: pipe}
}

// commitAndIngest commits n transfers on the sim and ingests the same
// leaves locally, keeping contract and tree in lockstep.
func (f *pipeFixture) commitAndIngest(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ev, err := f.sim.CommitTransfer(pipeOrigin,
			transfer.DigestFromUint64(uint64(500+i)),
			transfer.DigestFromUint64(uint64(600+i)),
			uint64(10+i))
		require.NoError(t, err)
		_, err = f.tree.Ingest(ctx, pipeOrigin, ev.EventIndex, ev.Leaf())
		require.NoError(t, err)
	}
}

func TestCompileFoldsNewLeaves(t *testing.T) {
	ctx := context.Background()
	f := newPipeFixture(t)
	f.commitAndIngest(t, 3)

	steps, err := f.pipe.Compile(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Equal(t, 3, steps)

	st, err := f.mem.ProverState(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Equal(t, int64(3), st.LastCompiled)
	require.Equal(t, int64(0), st.LastSubmitted)

	pr, err := f.mem.LatestProof(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Equal(t, int64(0), pr.StartIndex)
	require.Equal(t, int64(3), pr.EndIndex)
	require.Equal(t, 3, pr.StepCount)

	// Nothing new: no fold, no state change.
	steps, err = f.pipe.Compile(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Zero(t, steps)
}

func TestCompileResumesUnsubmittedFold(t *testing.T) {
	ctx := context.Background()
	f := newPipeFixture(t)

	f.commitAndIngest(t, 2)
	_, err := f.pipe.Compile(ctx, pipeOrigin)
	require.NoError(t, err)

	f.commitAndIngest(t, 2)
	steps, err := f.pipe.Compile(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Equal(t, 2, steps)

	pr, err := f.mem.LatestProof(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Equal(t, int64(0), pr.StartIndex)
	require.Equal(t, int64(4), pr.EndIndex)
	require.Equal(t, 4, pr.StepCount)
}

func TestSubmitAcceptedBySettlement(t *testing.T) {
	ctx := context.Background()
	f := newPipeFixture(t)
	f.commitAndIngest(t, 3)

	require.NoError(t, f.pipe.RunOnce(ctx, pipeOrigin))

	st, err := f.mem.ProverState(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Equal(t, int64(3), st.LastSubmitted)
	require.Equal(t, int64(3), st.BaseIndex)
	require.NotNil(t, st.Reserved)
	require.Equal(t, int64(3), st.Reserved.Index)

	res, err := f.sim.Reservation(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Index)

	// The proven root was relayed for aggregation.
	head, err := f.tree.Head(ctx, pipeOrigin)
	require.NoError(t, err)
	relayed, err := f.sim.RelayedRoots(ctx)
	require.NoError(t, err)
	require.Len(t, relayed, 1)
	require.Equal(t, head.Root, relayed[0].Root)
	require.Equal(t, int64(3), relayed[0].TreeIndex)
}

func TestSubmitPadsSingleStep(t *testing.T) {
	ctx := context.Background()
	f := newPipeFixture(t)
	f.commitAndIngest(t, 1)

	require.NoError(t, f.pipe.RunOnce(ctx, pipeOrigin))

	st, err := f.mem.ProverState(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.LastSubmitted)

	// The persisted fold carries the dummy pad.
	pr, err := f.mem.LatestProof(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Equal(t, int64(1), pr.EndIndex)
	require.Equal(t, 2, pr.StepCount)
}

func TestSubmitWithNothingPending(t *testing.T) {
	ctx := context.Background()
	f := newPipeFixture(t)

	submitted, err := f.pipe.Submit(ctx, pipeOrigin)
	require.NoError(t, err)
	require.False(t, submitted)
}

func TestReservationMovedDiscardsAndRecompiles(t *testing.T) {
	ctx := context.Background()
	f := newPipeFixture(t)
	f.commitAndIngest(t, 2)

	// Compile locally but do not submit yet.
	_, err := f.pipe.Compile(ctx, pipeOrigin)
	require.NoError(t, err)

	// A competing worker submits the same range first.
	pr, err := f.mem.LatestProof(ctx, pipeOrigin)
	require.NoError(t, err)
	emptyRoot := merkle.ZeroHashes(pipeHeight)[pipeHeight]
	require.NoError(t, f.sim.SubmitRootProof(ctx, &settlement.RootSubmission{
		Origin:     pipeOrigin,
		EndIndex:   pr.EndIndex,
		OldRoot:    emptyRoot,
		NewRoot:    pr.StateRoot,
		HashChain:  pr.StateHashChain,
		ProofBytes: pr.ProofBytes,
	}))

	// Our submit pass discovers the moved reservation and discards.
	submitted, err := f.pipe.Submit(ctx, pipeOrigin)
	require.NoError(t, err)
	require.False(t, submitted)

	st, err := f.mem.ProverState(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Equal(t, int64(2), st.BaseIndex)
	require.Equal(t, int64(2), st.LastSubmitted)
	require.Equal(t, int64(2), st.LastCompiled)

	// New leaves compile into a fresh fold anchored at the boundary and
	// submit cleanly.
	f.commitAndIngest(t, 2)
	require.NoError(t, f.pipe.RunOnce(ctx, pipeOrigin))

	st, err = f.mem.ProverState(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Equal(t, int64(4), st.LastSubmitted)
	pr, err = f.mem.LatestProof(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Equal(t, int64(2), pr.StartIndex)
	require.Equal(t, int64(4), pr.EndIndex)
}

func TestHaltedReservationReportsDivergence(t *testing.T) {
	ctx := context.Background()
	f := newPipeFixture(t)
	f.commitAndIngest(t, 2)
	require.NoError(t, f.pipe.RunOnce(ctx, pipeOrigin))

	f.sim.Halt(pipeOrigin)
	f.commitAndIngest(t, 1)

	_, err := f.pipe.Compile(ctx, pipeOrigin)
	require.NoError(t, err)
	_, err = f.pipe.Submit(ctx, pipeOrigin)
	require.ErrorIs(t, err, ErrChainDiverged)

	// Nothing moved while halted.
	st, err := f.mem.ProverState(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Equal(t, int64(2), st.LastSubmitted)
	require.Equal(t, int64(3), st.LastCompiled)
}

// failingFolder aborts every fold attempt.
type failingFolder struct{}

func (failingFolder) Fold(context.Context, *prover.RootProof, *prover.StepWitness) (*prover.RootProof, error) {
	return nil, errors.New("primitive unavailable")
}

func (failingFolder) VerifyFold(context.Context, *prover.RootProof) error { return nil }

func TestPrimitiveFailureLeavesNothingPersisted(t *testing.T) {
	ctx := context.Background()
	f := newPipeFixture(t)
	f.commitAndIngest(t, 2)

	broken := New(f.mem, f.tree, failingFolder{}, f.sim, DefaultConfig(), zerolog.Nop())
	_, err := broken.Compile(ctx, pipeOrigin)
	require.Error(t, err)

	_, err = f.mem.LatestProof(ctx, pipeOrigin)
	require.ErrorIs(t, err, store.ErrNotFound)
	st, err := f.mem.ProverState(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Zero(t, st.LastCompiled)

	// The next attempt with a working folder succeeds.
	steps, err := f.pipe.Compile(ctx, pipeOrigin)
	require.NoError(t, err)
	require.Equal(t, 2, steps)
}
