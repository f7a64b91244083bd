// withdraw.go - Withdrawal claim assembly.
//
// A recipient who knows a binding's secret claims the transfers paid to it
// by proving inclusion of each leaf under a root the settlement layer
// recognizes. Claims against a local proven root use the transfer tree's
// path directly; claims against a broadcast global root extend each path
// with the origin's aggregation slot. Batched claims fold leaves in strict
// index order and are padded with a random number of zero-valued no-op
// steps so the proof shape does not reveal the real batch size.

package withdraw

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/rs/zerolog"

	"github.com/veilcash/veilcash/internal/aggregate"
	"github.com/veilcash/veilcash/internal/merkle"
	"github.com/veilcash/veilcash/internal/prover"
	"github.com/veilcash/veilcash/internal/settlement"
	"github.com/veilcash/veilcash/internal/store"
	"github.com/veilcash/veilcash/internal/transfer"
	"github.com/veilcash/veilcash/internal/tree"
)

var (
	// ErrNothingToClaim reports that no eligible transfer pays the
	// binding below the target root's size.
	ErrNothingToClaim = errors.New("withdraw: no eligible transfers")
	// ErrNotAggregated reports a global claim for an origin absent from
	// the snapshot.
	ErrNotAggregated = errors.New("withdraw: origin not in aggregation snapshot")
)

// Config sets claim geometry and padding.
type Config struct {
	// TreeHeight is the transfer tree height.
	TreeHeight int
	// AggHeight is the aggregation tree height; global claim paths are
	// TreeHeight+AggHeight long.
	AggHeight int
	// MaxBatch caps real leaves folded into one claim.
	MaxBatch int
	// DummyMin and DummyMax bound the random no-op padding of batched
	// claims.
	DummyMin int
	DummyMax int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{TreeHeight: 32, AggHeight: 6, MaxBatch: 16, DummyMin: 1, DummyMax: 3}
}

// Claim is one withdrawal request. Blinding is subtracted from the claimed
// total so the exact leaf sum stays masked.
type Claim struct {
	Origin   transfer.OriginID
	Secret   transfer.Digest
	Blinding uint64
}

// Assembler builds withdrawal submissions from stored events and tree
// paths.
type Assembler struct {
	cfg    Config
	events store.EventStore
	tree   *tree.Tree
	prover prover.WithdrawalProver
	client settlement.Client
	log    zerolog.Logger
	// padCount is swapped in tests for a deterministic count.
	padCount func() int
}

// New builds an assembler over the given stores and prover.
func New(es store.EventStore, t *tree.Tree, p prover.WithdrawalProver, c settlement.Client, cfg Config, log zerolog.Logger) *Assembler {
	if cfg.TreeHeight == 0 {
		cfg = DefaultConfig()
	}
	if cfg.DummyMax < cfg.DummyMin {
		cfg.DummyMax = cfg.DummyMin
	}
	a := &Assembler{
		cfg:    cfg,
		events: es,
		tree:   t,
		prover: p,
		client: c,
		log:    log.With().Str("component", "withdraw").Logger(),
	}
	a.padCount = func() int {
		return a.cfg.DummyMin + rand.IntN(a.cfg.DummyMax-a.cfg.DummyMin+1)
	}
	return a
}

// AssembleLocal builds a claim against an origin's proven root at
// treeIndex. Only events with index strictly below treeIndex are eligible.
func (a *Assembler) AssembleLocal(ctx context.Context, c Claim, root transfer.Digest, treeIndex int64) (*settlement.WithdrawalSubmission, error) {
	binding := transfer.BindingFromSecret(c.Secret)
	steps, err := a.leafSteps(ctx, c.Origin, binding, treeIndex, nil)
	if err != nil {
		return nil, err
	}
	return a.prove(ctx, c, root, binding, steps)
}

// AssembleGlobal builds a claim against a broadcast global root, extending
// each leaf path with the origin's aggregation slot.
func (a *Assembler) AssembleGlobal(ctx context.Context, c Claim, snap *store.AggregationSnapshot) (*settlement.WithdrawalSubmission, error) {
	slot := -1
	for i, o := range snap.Origins {
		if o == c.Origin {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, fmt.Errorf("%w: origin %d at seq %d", ErrNotAggregated, c.Origin, snap.AggSeq)
	}
	treeIndex := snap.TreeIndices[slot]

	// The snapshot's leaf for this origin must be the local tree's root
	// at the recorded size, otherwise paths would be built against a
	// different history.
	localRoot, err := a.tree.RootAt(ctx, c.Origin, treeIndex)
	if err != nil {
		return nil, err
	}
	if localRoot != snap.Leaves[slot] {
		return nil, fmt.Errorf("withdraw: snapshot seq %d disagrees with local tree of origin %d at index %d", snap.AggSeq, c.Origin, treeIndex)
	}

	slotPath, err := aggregate.SlotPath(a.cfg.AggHeight, snap, c.Origin)
	if err != nil {
		return nil, err
	}
	binding := transfer.BindingFromSecret(c.Secret)
	steps, err := a.leafSteps(ctx, c.Origin, binding, treeIndex, slotPath)
	if err != nil {
		return nil, err
	}
	return a.prove(ctx, c, snap.Root, binding, steps)
}

// Submit hands an assembled claim to the settlement layer.
func (a *Assembler) Submit(ctx context.Context, sub *settlement.WithdrawalSubmission) error {
	if err := a.client.SubmitWithdrawal(ctx, sub); err != nil {
		return fmt.Errorf("withdraw: submit claim of origin %d: %w", sub.Origin, err)
	}
	a.log.Info().
		Uint32("origin", uint32(sub.Origin)).
		Uint64("total", sub.TotalValue).
		Hex("binding", sub.Binding[:8]).
		Msg("withdrawal accepted")
	return nil
}

// leafSteps selects the eligible leaves and builds one proof step per
// leaf, paths taken from the tree as of treeIndex. A non-nil slotPath
// lifts each step into the aggregation tree.
func (a *Assembler) leafSteps(ctx context.Context, origin transfer.OriginID, binding transfer.Digest, treeIndex int64, slotPath *merkle.Path) ([]prover.WithdrawalStep, error) {
	evs, err := a.events.EventsByRecipient(ctx, origin, binding, treeIndex)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, fmt.Errorf("%w: origin %d below index %d", ErrNothingToClaim, origin, treeIndex)
	}
	if a.cfg.MaxBatch > 0 && len(evs) > a.cfg.MaxBatch {
		evs = evs[:a.cfg.MaxBatch]
	}

	steps := make([]prover.WithdrawalStep, 0, len(evs))
	for _, ev := range evs {
		path, err := a.tree.InclusionPath(ctx, origin, ev.EventIndex, treeIndex)
		if err != nil {
			return nil, err
		}
		index := ev.EventIndex
		siblings := path.Siblings
		if slotPath != nil {
			index |= slotPath.Index << uint(a.cfg.TreeHeight)
			siblings = append(append(make([]transfer.Digest, 0, len(siblings)+len(slotPath.Siblings)), siblings...), slotPath.Siblings...)
		}
		steps = append(steps, prover.WithdrawalStep{
			LeafIndex: index,
			Value:     ev.Value,
			Siblings:  siblings,
		})
	}
	return steps, nil
}

// prove pads batched claims, runs the prover and shapes the submission.
func (a *Assembler) prove(ctx context.Context, c Claim, root, binding transfer.Digest, steps []prover.WithdrawalStep) (*settlement.WithdrawalSubmission, error) {
	var sum uint64
	for _, s := range steps {
		sum += s.Value
	}
	if c.Blinding > sum {
		return nil, fmt.Errorf("withdraw: blinding %d exceeds claimable %d", c.Blinding, sum)
	}

	leaves := len(steps)
	if leaves > 1 {
		pathLen := len(steps[0].Siblings)
		for i := 0; i < a.padCount(); i++ {
			steps = append(steps, prover.WithdrawalStep{
				Dummy:    true,
				Siblings: make([]transfer.Digest, pathLen),
			})
		}
	}

	proof, err := a.prover.ProveWithdrawal(ctx, &prover.WithdrawalWitness{
		Root:     root,
		Secret:   c.Secret,
		Binding:  binding,
		Steps:    steps,
		Blinding: c.Blinding,
	})
	if err != nil {
		return nil, fmt.Errorf("withdraw: prove claim of origin %d: %w", c.Origin, err)
	}
	a.log.Debug().
		Uint32("origin", uint32(c.Origin)).
		Int("leaves", leaves).
		Int("steps", len(steps)).
		Uint64("total", proof.Total).
		Msg("assembled withdrawal claim")
	return &settlement.WithdrawalSubmission{
		Origin:       c.Origin,
		RootRef:      root,
		Binding:      binding,
		TotalValue:   proof.Total,
		ProofBytes:   proof.Artifact,
		PublicInputs: proof.PublicInputs,
	}, nil
}
