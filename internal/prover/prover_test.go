// prover_test.go - Fold and withdrawal behavior of the proving backends.

package prover

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilcash/veilcash/internal/merkle"
	"github.com/veilcash/veilcash/internal/transfer"
)

const testHeight = 8

// foldFixture drives a reference tree and hash chain to mint step
// witnesses the way the pipeline would.
type foldFixture struct {
	tree  *merkle.Sparse
	chain transfer.Digest
	size  int64
}

func newFoldFixture(t *testing.T) *foldFixture {
	t.Helper()
	return &foldFixture{tree: merkle.NewSparse(testHeight)}
}

// step ingests the next leaf and returns its transition witness. The
// sibling path is taken before insertion, so it opens both roots.
func (f *foldFixture) step(t *testing.T, leaf transfer.Digest) *StepWitness {
	t.Helper()
	path, err := f.tree.Proof(f.size)
	require.NoError(t, err)
	prevRoot := f.tree.Root()
	require.NoError(t, f.tree.Set(f.size, leaf))
	w := &StepWitness{
		LeafIndex: f.size,
		Leaf:      leaf,
		Siblings:  path.Siblings,
		PrevRoot:  prevRoot,
		NewRoot:   f.tree.Root(),
		PrevChain: f.chain,
		NewChain:  transfer.ChainNext(f.chain, leaf),
	}
	f.chain = w.NewChain
	f.size++
	return w
}

func TestTranscriptFoldAdvancesEndpoints(t *testing.T) {
	ctx := context.Background()
	f := newFoldFixture(t)
	tr := NewTranscript()

	var p *RootProof
	var err error
	for i := uint64(1); i <= 3; i++ {
		p, err = tr.Fold(ctx, p, f.step(t, transfer.DigestFromUint64(i)))
		require.NoError(t, err)
	}

	require.Equal(t, 3, p.Steps)
	require.Equal(t, int64(0), p.StartIndex)
	require.Equal(t, int64(3), p.EndIndex)
	require.Equal(t, merkle.ZeroHashes(testHeight)[testHeight], p.StartRoot)
	require.Equal(t, f.tree.Root(), p.EndRoot)
	require.Equal(t, f.chain, p.EndChain)
	require.Equal(t, transfer.ZeroDigest, p.StartChain)
	require.NoError(t, tr.VerifyFold(ctx, p))
}

func TestTranscriptFoldRejectsBadSteps(t *testing.T) {
	ctx := context.Background()
	tr := NewTranscript()

	f := newFoldFixture(t)
	p, err := tr.Fold(ctx, nil, f.step(t, transfer.DigestFromUint64(1)))
	require.NoError(t, err)

	// Tampered new root.
	w := f.step(t, transfer.DigestFromUint64(2))
	good := *w
	w.NewRoot = transfer.DigestFromUint64(99)
	_, err = tr.Fold(ctx, p, w)
	require.ErrorIs(t, err, ErrStepMismatch)

	// Tampered chain.
	w2 := good
	w2.NewChain = transfer.DigestFromUint64(99)
	_, err = tr.Fold(ctx, p, &w2)
	require.ErrorIs(t, err, ErrStepMismatch)

	// Step that does not continue the fold's end state.
	w3 := good
	w3.PrevRoot = transfer.DigestFromUint64(7)
	_, err = tr.Fold(ctx, p, &w3)
	require.ErrorIs(t, err, ErrStepMismatch)

	// The untampered witness still folds.
	_, err = tr.Fold(ctx, p, &good)
	require.NoError(t, err)
}

func TestFoldMinimumTwoSteps(t *testing.T) {
	ctx := context.Background()
	tr := NewTranscript()
	f := newFoldFixture(t)

	p, err := tr.Fold(ctx, nil, f.step(t, transfer.DigestFromUint64(5)))
	require.NoError(t, err)
	require.ErrorIs(t, tr.VerifyFold(ctx, p), ErrShortFold)

	// Padding with a dummy step finalizes without moving state.
	padded, err := tr.Fold(ctx, p, DummyStep(p, testHeight))
	require.NoError(t, err)
	require.Equal(t, 2, padded.Steps)
	require.Equal(t, p.EndIndex, padded.EndIndex)
	require.Equal(t, p.EndRoot, padded.EndRoot)
	require.Equal(t, p.EndChain, padded.EndChain)
	require.NoError(t, tr.VerifyFold(ctx, padded))
}

func TestFoldCannotStartWithDummy(t *testing.T) {
	ctx := context.Background()
	tr := NewTranscript()
	w := &StepWitness{Dummy: true}
	_, err := tr.Fold(ctx, nil, w)
	require.ErrorIs(t, err, ErrStepMismatch)
}

func TestTranscriptRejectsTamperedArtifact(t *testing.T) {
	ctx := context.Background()
	tr := NewTranscript()
	f := newFoldFixture(t)

	p, err := tr.Fold(ctx, nil, f.step(t, transfer.DigestFromUint64(1)))
	require.NoError(t, err)
	p, err = tr.Fold(ctx, p, f.step(t, transfer.DigestFromUint64(2)))
	require.NoError(t, err)

	p.Artifact[0] ^= 0xff
	require.ErrorIs(t, tr.VerifyFold(ctx, p), ErrBadArtifact)
}

// claimFixture holds a tree with a recipient's leaves among others.
type claimFixture struct {
	tree    *merkle.Sparse
	secret  transfer.Digest
	binding transfer.Digest
}

func newClaimFixture(t *testing.T, values map[int64]uint64, size int64) *claimFixture {
	t.Helper()
	secret := transfer.DigestFromUint64(4242)
	binding := transfer.BindingFromSecret(secret)
	other := transfer.BindingFromSecret(transfer.DigestFromUint64(7))

	tree := merkle.NewSparse(testHeight)
	for i := int64(0); i < size; i++ {
		if v, ok := values[i]; ok {
			require.NoError(t, tree.Set(i, transfer.LeafHash(binding, v)))
		} else {
			require.NoError(t, tree.Set(i, transfer.LeafHash(other, uint64(100+i))))
		}
	}
	return &claimFixture{tree: tree, secret: secret, binding: binding}
}

func (f *claimFixture) claimStep(t *testing.T, idx int64, value uint64) WithdrawalStep {
	t.Helper()
	path, err := f.tree.Proof(idx)
	require.NoError(t, err)
	return WithdrawalStep{LeafIndex: idx, Value: value, Siblings: path.Siblings}
}

func dummyClaimStep() WithdrawalStep {
	return WithdrawalStep{Dummy: true, Siblings: make([]transfer.Digest, testHeight)}
}

func TestTranscriptWithdrawalBatched(t *testing.T) {
	ctx := context.Background()
	tr := NewTranscript()
	f := newClaimFixture(t, map[int64]uint64{1: 10, 3: 25, 6: 5}, 8)

	w := &WithdrawalWitness{
		Root:    f.tree.Root(),
		Secret:  f.secret,
		Binding: f.binding,
		Steps: []WithdrawalStep{
			f.claimStep(t, 1, 10),
			dummyClaimStep(),
			f.claimStep(t, 3, 25),
			f.claimStep(t, 6, 5),
			dummyClaimStep(),
		},
	}
	p, err := tr.ProveWithdrawal(ctx, w)
	require.NoError(t, err)
	require.Equal(t, uint64(40), p.Total)
	require.Equal(t, []transfer.Digest{p.Root, p.Binding, transfer.DigestFromUint64(40)}, p.PublicInputs)
	require.NoError(t, tr.VerifyWithdrawal(ctx, p))

	// Tampered total fails.
	p.Total = 41
	require.ErrorIs(t, tr.VerifyWithdrawal(ctx, p), ErrBadArtifact)
}

func TestTranscriptWithdrawalBlinding(t *testing.T) {
	ctx := context.Background()
	tr := NewTranscript()
	f := newClaimFixture(t, map[int64]uint64{2: 50}, 4)

	w := &WithdrawalWitness{
		Root:     f.tree.Root(),
		Secret:   f.secret,
		Binding:  f.binding,
		Steps:    []WithdrawalStep{f.claimStep(t, 2, 50), dummyClaimStep()},
		Blinding: 20,
	}
	p, err := tr.ProveWithdrawal(ctx, w)
	require.NoError(t, err)
	require.Equal(t, uint64(30), p.Total)
	require.NoError(t, tr.VerifyWithdrawal(ctx, p))

	// Blinding beyond the claimed value is rejected.
	w.Blinding = 51
	_, err = tr.ProveWithdrawal(ctx, w)
	require.ErrorIs(t, err, ErrStepMismatch)
}

func TestTranscriptWithdrawalRejects(t *testing.T) {
	ctx := context.Background()
	tr := NewTranscript()
	f := newClaimFixture(t, map[int64]uint64{1: 10, 3: 25}, 6)

	base := func() *WithdrawalWitness {
		return &WithdrawalWitness{
			Root:    f.tree.Root(),
			Secret:  f.secret,
			Binding: f.binding,
			Steps:   []WithdrawalStep{f.claimStep(t, 1, 10), f.claimStep(t, 3, 25)},
		}
	}

	// Wrong secret.
	w := base()
	w.Secret = transfer.DigestFromUint64(1)
	_, err := tr.ProveWithdrawal(ctx, w)
	require.ErrorIs(t, err, ErrStepMismatch)

	// Out-of-order leaves.
	w = base()
	w.Steps[0], w.Steps[1] = w.Steps[1], w.Steps[0]
	_, err = tr.ProveWithdrawal(ctx, w)
	require.ErrorIs(t, err, ErrStepMismatch)

	// Same leaf twice.
	w = base()
	w.Steps[1] = w.Steps[0]
	_, err = tr.ProveWithdrawal(ctx, w)
	require.ErrorIs(t, err, ErrStepMismatch)

	// Dummy step carrying value.
	w = base()
	d := dummyClaimStep()
	d.Value = 1
	w.Steps = append(w.Steps, d)
	_, err = tr.ProveWithdrawal(ctx, w)
	require.ErrorIs(t, err, ErrStepMismatch)

	// Claimed value not in the tree.
	w = base()
	w.Steps[0].Value = 11
	_, err = tr.ProveWithdrawal(ctx, w)
	require.ErrorIs(t, err, ErrStepMismatch)
}

func newTestGroth16(t *testing.T) *Groth16 {
	t.Helper()
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	g, err := NewGroth16(testHeight, "")
	require.NoError(t, err)
	return g
}

func TestGroth16FoldMatchesTranscript(t *testing.T) {
	ctx := context.Background()
	g := newTestGroth16(t)
	tr := NewTranscript()

	fg := newFoldFixture(t)
	ft := newFoldFixture(t)

	var gp, tp *RootProof
	var err error
	for i := uint64(1); i <= 2; i++ {
		gp, err = g.Fold(ctx, gp, fg.step(t, transfer.DigestFromUint64(i)))
		require.NoError(t, err)
		tp, err = tr.Fold(ctx, tp, ft.step(t, transfer.DigestFromUint64(i)))
		require.NoError(t, err)
	}

	// Same public endpoints from both backends.
	require.Equal(t, tp.Steps, gp.Steps)
	require.Equal(t, tp.StartIndex, gp.StartIndex)
	require.Equal(t, tp.EndIndex, gp.EndIndex)
	require.Equal(t, tp.StartRoot, gp.StartRoot)
	require.Equal(t, tp.EndRoot, gp.EndRoot)
	require.Equal(t, tp.StartChain, gp.StartChain)
	require.Equal(t, tp.EndChain, gp.EndChain)

	require.NoError(t, g.VerifyFold(ctx, gp))

	// A dummy pad proves and verifies too.
	padded, err := g.Fold(ctx, gp, DummyStep(gp, testHeight))
	require.NoError(t, err)
	require.NoError(t, g.VerifyFold(ctx, padded))
}

func TestGroth16FoldRejectsTamperedRecord(t *testing.T) {
	ctx := context.Background()
	g := newTestGroth16(t)
	f := newFoldFixture(t)

	p, err := g.Fold(ctx, nil, f.step(t, transfer.DigestFromUint64(1)))
	require.NoError(t, err)
	p, err = g.Fold(ctx, p, f.step(t, transfer.DigestFromUint64(2)))
	require.NoError(t, err)

	// Flip a byte inside the first record's endpoints.
	p.Artifact[4] ^= 0xff
	require.ErrorIs(t, g.VerifyFold(ctx, p), ErrBadArtifact)
}

func TestGroth16Withdrawal(t *testing.T) {
	ctx := context.Background()
	g := newTestGroth16(t)
	f := newClaimFixture(t, map[int64]uint64{2: 50}, 4)

	w := &WithdrawalWitness{
		Root:     f.tree.Root(),
		Secret:   f.secret,
		Binding:  f.binding,
		Steps:    []WithdrawalStep{f.claimStep(t, 2, 50), dummyClaimStep()},
		Blinding: 20,
	}
	p, err := g.ProveWithdrawal(ctx, w)
	require.NoError(t, err)
	require.Equal(t, uint64(30), p.Total)
	require.NoError(t, g.VerifyWithdrawal(ctx, p))

	// A different claimed total no longer verifies.
	p.Total = 50
	require.ErrorIs(t, g.VerifyWithdrawal(ctx, p), ErrBadArtifact)
}
