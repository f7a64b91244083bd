// pipeline.go - Root-transition proof pipeline: the compile and submit state machine.
//
// Per origin, compile folds one step proof per ingested leaf into a durable
// running proof; submit hands a finished fold to the settlement layer and
// reconciles local state against the layer's published reservation. The two
// triggers are independent so a slow settlement round never blocks folding.
// A fold is persisted only once complete, and every persisted proof's
// end_index is the continuation point for the next compile pass.

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/veilcash/veilcash/internal/prover"
	"github.com/veilcash/veilcash/internal/settlement"
	"github.com/veilcash/veilcash/internal/store"
	"github.com/veilcash/veilcash/internal/transfer"
	"github.com/veilcash/veilcash/internal/tree"
)

// ErrChainDiverged reports that the settlement layer's published hash
// chain no longer matches the locally reconstructed one, which happens
// after an emergency halt or when local data is corrupt. The pipeline
// stops advancing the origin until an operator intervenes.
var ErrChainDiverged = errors.New("pipeline: settlement hash chain diverged from local state")

// Config bounds one pipeline pass.
type Config struct {
	// CompileBatch caps the leaves folded per compile pass, 0 for no cap.
	CompileBatch int
	// SubmitRetries caps retry attempts for transient submission failures.
	SubmitRetries uint64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{CompileBatch: 256, SubmitRetries: 5}
}

// Pipeline drives the per-origin proof state machine.
type Pipeline struct {
	cfg    Config
	store  store.PipelineStore
	tree   *tree.Tree
	folder prover.Folder
	client settlement.Client
	log    zerolog.Logger
}

// New builds a pipeline over the given tree, folder and settlement client.
func New(s store.PipelineStore, t *tree.Tree, f prover.Folder, c settlement.Client, cfg Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		store:  s,
		tree:   t,
		folder: f,
		client: c,
		log:    log.With().Str("component", "pipeline").Logger(),
	}
}

// Compile folds newly ingested leaves beyond the last compiled index into
// the most recent proof, or starts a fresh fold at the submitted boundary.
// Returns the number of steps folded. A folding failure aborts the attempt
// without persisting anything.
func (p *Pipeline) Compile(ctx context.Context, origin transfer.OriginID) (int, error) {
	head, err := p.tree.Head(ctx, origin)
	if err != nil {
		return 0, err
	}
	st, err := p.store.ProverState(ctx, origin)
	if err != nil {
		return 0, err
	}

	var fold *prover.RootProof
	from := st.LastSubmitted
	latest, err := p.store.LatestProof(ctx, origin)
	switch {
	case err == nil && latest.EndIndex > st.LastSubmitted:
		// Resume the unsubmitted fold.
		if fold, err = p.rootProof(ctx, latest); err != nil {
			return 0, err
		}
		from = latest.EndIndex
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return 0, err
	}
	if from >= head.Size {
		return 0, nil
	}
	limit := head.Size
	if p.cfg.CompileBatch > 0 && from+int64(p.cfg.CompileBatch) < limit {
		limit = from + int64(p.cfg.CompileBatch)
	}

	steps := 0
	for idx := from; idx < limit; idx++ {
		w, err := p.stepWitness(ctx, origin, idx)
		if err != nil {
			return 0, err
		}
		if fold, err = p.folder.Fold(ctx, fold, w); err != nil {
			return 0, fmt.Errorf("pipeline: folding leaf %d of origin %d: %w", idx, origin, err)
		}
		steps++
	}

	if err := p.saveFold(ctx, origin, fold); err != nil {
		return 0, err
	}
	st.LastCompiled = fold.EndIndex
	if err := p.store.SaveProverState(ctx, st); err != nil {
		return 0, err
	}
	p.log.Info().
		Uint32("origin", uint32(origin)).
		Int("steps", steps).
		Int64("start", fold.StartIndex).
		Int64("end", fold.EndIndex).
		Msg("compiled fold")
	return steps, nil
}

// Submit reconciles against the published reservation and, if a finished
// fold extends beyond the submitted boundary, hands it to the settlement
// layer. Returns whether a proof was accepted this pass.
func (p *Pipeline) Submit(ctx context.Context, origin transfer.OriginID) (bool, error) {
	st, err := p.store.ProverState(ctx, origin)
	if err != nil {
		return false, err
	}
	res, err := p.client.Reservation(ctx, origin)
	if err != nil {
		return false, fmt.Errorf("pipeline: reading reservation: %w", err)
	}
	discarded, err := p.reconcile(ctx, origin, st, res)
	if err != nil {
		return false, err
	}
	if discarded {
		// Recompile from the adopted boundary on the next pass.
		return false, nil
	}
	if st.LastCompiled <= st.LastSubmitted {
		return false, nil
	}

	latest, err := p.store.LatestProof(ctx, origin)
	if err != nil {
		return false, fmt.Errorf("pipeline: loading fold for submission: %w", err)
	}
	if latest.EndIndex != st.LastCompiled {
		return false, fmt.Errorf("pipeline: origin %d compiled index %d but latest fold ends at %d",
			origin, st.LastCompiled, latest.EndIndex)
	}
	if latest.StepCount < 2 {
		// The folding primitive cannot finalize a single step; pad with a
		// no-op before submitting.
		if latest, err = p.padFold(ctx, origin, latest); err != nil {
			return false, err
		}
	}

	oldRoot, err := p.tree.RootAt(ctx, origin, latest.StartIndex)
	if err != nil {
		return false, err
	}
	sub := &settlement.RootSubmission{
		Origin:     origin,
		EndIndex:   latest.EndIndex,
		OldRoot:    oldRoot,
		NewRoot:    latest.StateRoot,
		HashChain:  latest.StateHashChain,
		ProofBytes: latest.ProofBytes,
	}
	if err := p.submitWithRetry(ctx, sub); err != nil {
		if errors.Is(err, settlement.ErrReservationChanged) {
			p.log.Warn().
				Uint32("origin", uint32(origin)).
				Int64("end", latest.EndIndex).
				Msg("submission rejected, reservation moved")
			fresh, rerr := p.client.Reservation(ctx, origin)
			if rerr != nil {
				return false, fmt.Errorf("pipeline: re-reading reservation: %w", rerr)
			}
			if _, rerr = p.reconcile(ctx, origin, st, fresh); rerr != nil {
				return false, rerr
			}
			return false, nil
		}
		return false, err
	}

	st.BaseIndex = latest.EndIndex
	st.LastSubmitted = latest.EndIndex
	st.Reserved = &store.Reservation{Index: latest.EndIndex, HashChain: latest.StateHashChain}
	if err := p.store.SaveProverState(ctx, st); err != nil {
		return false, err
	}
	p.log.Info().
		Uint32("origin", uint32(origin)).
		Int64("start", latest.StartIndex).
		Int64("end", latest.EndIndex).
		Msg("root proof accepted")

	// Relay the proven root for the aggregator. Failure here is not fatal;
	// the next accepted submission relays again.
	if err := p.client.RelayRoot(ctx, origin, latest.StateRoot, latest.EndIndex); err != nil {
		p.log.Warn().Uint32("origin", uint32(origin)).Err(err).Msg("root relay failed")
	}
	return true, nil
}

// State returns the origin's prover bookkeeping row.
func (p *Pipeline) State(ctx context.Context, origin transfer.OriginID) (*store.ProverState, error) {
	return p.store.ProverState(ctx, origin)
}

// RunOnce performs one compile pass followed by one submit pass.
func (p *Pipeline) RunOnce(ctx context.Context, origin transfer.OriginID) error {
	if _, err := p.Compile(ctx, origin); err != nil {
		return err
	}
	_, err := p.Submit(ctx, origin)
	return err
}

// reconcile adopts the published reservation. When the reservation index
// moved away from the local submitted boundary, every local fold beyond it
// is stale: the range is discarded and the anchors reset, and compile
// resumes from the adopted boundary. The published chain is verified
// against local state before adoption.
func (p *Pipeline) reconcile(ctx context.Context, origin transfer.OriginID, st *store.ProverState, res *settlement.Reservation) (bool, error) {
	if st.Reserved != nil && st.Reserved.Index == res.Index && st.Reserved.HashChain == res.HashChain {
		return false, nil
	}

	if res.Index == 0 {
		if res.HashChain != transfer.ZeroDigest {
			return false, fmt.Errorf("%w: origin %d at genesis", ErrChainDiverged, origin)
		}
	} else {
		_, chain, err := p.tree.StateAt(ctx, origin, res.Index)
		if errors.Is(err, tree.ErrBeyondHead) {
			return false, fmt.Errorf("pipeline: origin %d reservation at %d is ahead of the local tree: %w",
				origin, res.Index, err)
		}
		if err != nil {
			return false, err
		}
		if chain != res.HashChain {
			return false, fmt.Errorf("%w: origin %d at index %d", ErrChainDiverged, origin, res.Index)
		}
	}

	moved := st.LastSubmitted != res.Index
	if moved {
		p.log.Warn().
			Uint32("origin", uint32(origin)).
			Int64("submitted", st.LastSubmitted).
			Int64("compiled", st.LastCompiled).
			Int64("boundary", res.Index).
			Msg("discarding fold range to published boundary")
		if err := p.store.DiscardProofsAbove(ctx, origin, res.Index); err != nil {
			return false, err
		}
		st.BaseIndex = res.Index
		st.LastSubmitted = res.Index
		st.LastCompiled = res.Index
	}
	st.Reserved = &store.Reservation{Index: res.Index, HashChain: res.HashChain}
	if err := p.store.SaveProverState(ctx, st); err != nil {
		return false, err
	}
	return moved, nil
}

// submitWithRetry retries transient submission failures; settlement
// rejections are permanent.
func (p *Pipeline) submitWithRetry(ctx context.Context, sub *settlement.RootSubmission) error {
	op := func() error {
		err := p.client.SubmitRootProof(ctx, sub)
		if errors.Is(err, settlement.ErrReservationChanged) || errors.Is(err, settlement.ErrInvalidProof) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.cfg.SubmitRetries), ctx))
}

// stepWitness builds the transition witness for one leaf from tree state.
// The sibling path is taken at the pre-insertion size, so it opens the
// empty slot under the previous root and the leaf under the new one.
func (p *Pipeline) stepWitness(ctx context.Context, origin transfer.OriginID, idx int64) (*prover.StepWitness, error) {
	prevRoot, prevChain, err := p.tree.StateAt(ctx, origin, idx)
	if err != nil {
		return nil, err
	}
	newRoot, newChain, err := p.tree.StateAt(ctx, origin, idx+1)
	if err != nil {
		return nil, err
	}
	leaf, err := p.tree.LeafAt(ctx, origin, idx, idx+1)
	if err != nil {
		return nil, err
	}
	path, err := p.tree.InclusionPath(ctx, origin, idx, idx)
	if err != nil {
		return nil, err
	}
	return &prover.StepWitness{
		LeafIndex: idx,
		Leaf:      leaf,
		Siblings:  path.Siblings,
		PrevRoot:  prevRoot,
		NewRoot:   newRoot,
		PrevChain: prevChain,
		NewChain:  newChain,
	}, nil
}

// rootProof rebuilds a fold's public endpoints from its stored row; the
// start state comes from the tree, the end state from the row itself.
func (p *Pipeline) rootProof(ctx context.Context, pr *store.IvcProof) (*prover.RootProof, error) {
	startRoot, startChain, err := p.tree.StateAt(ctx, pr.Origin, pr.StartIndex)
	if err != nil {
		return nil, err
	}
	return &prover.RootProof{
		Steps:      pr.StepCount,
		StartIndex: pr.StartIndex,
		EndIndex:   pr.EndIndex,
		StartRoot:  startRoot,
		EndRoot:    pr.StateRoot,
		StartChain: startChain,
		EndChain:   pr.StateHashChain,
		Artifact:   pr.ProofBytes,
	}, nil
}

// padFold appends one dummy step to a single-step fold and persists the
// replacement row.
func (p *Pipeline) padFold(ctx context.Context, origin transfer.OriginID, pr *store.IvcProof) (*store.IvcProof, error) {
	fold, err := p.rootProof(ctx, pr)
	if err != nil {
		return nil, err
	}
	if fold, err = p.folder.Fold(ctx, fold, prover.DummyStep(fold, p.tree.Height())); err != nil {
		return nil, fmt.Errorf("pipeline: padding fold of origin %d: %w", origin, err)
	}
	if err := p.saveFold(ctx, origin, fold); err != nil {
		return nil, err
	}
	return p.store.LatestProof(ctx, origin)
}

func (p *Pipeline) saveFold(ctx context.Context, origin transfer.OriginID, fold *prover.RootProof) error {
	return p.store.SaveProof(ctx, &store.IvcProof{
		Origin:         origin,
		StartIndex:     fold.StartIndex,
		EndIndex:       fold.EndIndex,
		StepCount:      fold.Steps,
		ProofBytes:     fold.Artifact,
		StateIndex:     fold.EndIndex,
		StateHashChain: fold.EndChain,
		StateRoot:      fold.EndRoot,
	})
}
