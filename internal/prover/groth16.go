// groth16.go - Groth16 proving backend over BN254.
//
// Each fold step is proven by one Groth16 proof of RootStepCircuit; the
// artifact carries the per-step public trace plus proof bytes, so a
// verifier replays the chain of endpoints and checks every proof against
// its step's public inputs. Withdrawal claims are single proofs of
// WithdrawalCircuit, compiled per shape (path length, step count) and
// cached.

package prover

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"

	"github.com/veilcash/veilcash/internal/transfer"
)

// Groth16 is the production backend. Construction compiles and sets up the
// root-step system; withdrawal systems are compiled on first use per shape.
// A non-empty key directory persists proving and verifying keys across
// restarts.
type Groth16 struct {
	height int
	keyDir string

	stepCCS constraint.ConstraintSystem
	stepPK  groth16.ProvingKey
	stepVK  groth16.VerifyingKey

	mu     sync.Mutex
	claims map[claimShape]*claimSystem
}

type claimShape struct {
	pathLen int
	steps   int
}

type claimSystem struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// NewGroth16 builds the backend for trees of the given height. keyDir may
// be empty, in which case keys live only in memory.
func NewGroth16(height int, keyDir string) (*Groth16, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewRootStepCircuit(height))
	if err != nil {
		return nil, fmt.Errorf("prover: compiling root step circuit: %w", err)
	}
	pk, vk, err := setupKeys(ccs, keyDir, "root_step")
	if err != nil {
		return nil, err
	}
	return &Groth16{
		height:  height,
		keyDir:  keyDir,
		stepCCS: ccs,
		stepPK:  pk,
		stepVK:  vk,
		claims:  make(map[claimShape]*claimSystem),
	}, nil
}

// Fold proves the step and appends its record to the artifact.
func (g *Groth16) Fold(ctx context.Context, prev *RootProof, w *StepWitness) (*RootProof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkStepContinuity(prev, w); err != nil {
		return nil, err
	}
	if !w.Dummy && len(w.Siblings) != g.height {
		return nil, fmt.Errorf("prover: witness path length %d, tree height %d", len(w.Siblings), g.height)
	}

	assign := NewRootStepCircuit(g.height)
	assign.PrevRoot = vbig(w.PrevRoot)
	assign.NewRoot = vbig(w.NewRoot)
	assign.PrevChain = vbig(w.PrevChain)
	assign.NewChain = vbig(w.NewChain)
	if w.Dummy {
		assign.Dummy = 1
		assign.LeafIndex = 0
		assign.Leaf = 0
	} else {
		assign.Dummy = 0
		assign.LeafIndex = w.LeafIndex
		assign.Leaf = vbig(w.Leaf)
		for i, sib := range w.Siblings {
			assign.Siblings[i] = vbig(sib)
		}
	}

	wit, err := frontend.NewWitness(assign, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("prover: step witness: %w", err)
	}
	proof, err := groth16.Prove(g.stepCCS, g.stepPK, wit)
	if err != nil {
		return nil, fmt.Errorf("prover: step proof: %w", err)
	}
	var proofBuf bytes.Buffer
	if _, err := proof.WriteTo(&proofBuf); err != nil {
		return nil, fmt.Errorf("prover: step proof marshaling: %w", err)
	}

	var recs []foldRecord
	if prev != nil {
		recs, err = decodeRecords(prev.Artifact)
		if err != nil {
			return nil, err
		}
	}
	recs = append(recs, foldRecord{
		prevRoot:  w.PrevRoot,
		newRoot:   w.NewRoot,
		prevChain: w.PrevChain,
		newChain:  w.NewChain,
		dummy:     w.Dummy,
		proof:     proofBuf.Bytes(),
	})

	next := advance(prev, w)
	next.Artifact = encodeRecords(recs)
	return next, nil
}

// VerifyFold replays the artifact's record chain against the proof's
// public endpoints and verifies every step proof. The step count comes
// from the artifact itself.
func (g *Groth16) VerifyFold(ctx context.Context, p *RootProof) error {
	recs, err := decodeRecords(p.Artifact)
	if err != nil {
		return err
	}
	if len(recs) < 2 {
		return ErrShortFold
	}
	if p.Steps != 0 && len(recs) != p.Steps {
		return fmt.Errorf("%w: %d records for %d steps", ErrBadArtifact, len(recs), p.Steps)
	}

	root, chain := p.StartRoot, p.StartChain
	real := int64(0)
	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.prevRoot != root || rec.prevChain != chain {
			return fmt.Errorf("%w: record %d breaks the endpoint chain", ErrBadArtifact, i)
		}
		if err := g.verifyStepProof(rec); err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrBadArtifact, i, err)
		}
		root, chain = rec.newRoot, rec.newChain
		if !rec.dummy {
			real++
		}
	}
	if root != p.EndRoot || chain != p.EndChain {
		return fmt.Errorf("%w: records end at the wrong state", ErrBadArtifact)
	}
	if real != p.EndIndex-p.StartIndex {
		return fmt.Errorf("%w: %d real steps for index range %d..%d", ErrBadArtifact, real, p.StartIndex, p.EndIndex)
	}
	return nil
}

func (g *Groth16) verifyStepProof(rec foldRecord) error {
	assign := NewRootStepCircuit(g.height)
	assign.PrevRoot = vbig(rec.prevRoot)
	assign.NewRoot = vbig(rec.newRoot)
	assign.PrevChain = vbig(rec.prevChain)
	assign.NewChain = vbig(rec.newChain)
	if rec.dummy {
		assign.Dummy = 1
	} else {
		assign.Dummy = 0
	}
	wit, err := frontend.NewWitness(assign, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("public witness: %w", err)
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(rec.proof)); err != nil {
		return fmt.Errorf("proof unmarshaling: %w", err)
	}
	return groth16.Verify(proof, g.stepVK, wit)
}

// ProveWithdrawal proves the claim with the system matching the witness
// shape.
func (g *Groth16) ProveWithdrawal(ctx context.Context, w *WithdrawalWitness) (*WithdrawalProof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(w.Steps) == 0 {
		return nil, fmt.Errorf("%w: withdrawal needs at least one step", ErrStepMismatch)
	}
	pathLen := len(w.Steps[0].Siblings)
	sys, err := g.claimSystemFor(claimShape{pathLen: pathLen, steps: len(w.Steps)})
	if err != nil {
		return nil, err
	}

	total := w.Total()
	assign := NewWithdrawalCircuit(pathLen, len(w.Steps))
	assign.Root = vbig(w.Root)
	assign.Binding = vbig(w.Binding)
	assign.Total = total
	assign.Secret = vbig(w.Secret)
	assign.Blinding = w.Blinding
	for i, s := range w.Steps {
		if len(s.Siblings) != pathLen {
			return nil, fmt.Errorf("prover: step %d path length %d, expected %d", i, len(s.Siblings), pathLen)
		}
		st := &assign.Steps[i]
		st.Value = s.Value
		if s.Dummy {
			st.Dummy = 1
			st.LeafIndex = 0
		} else {
			st.Dummy = 0
			st.LeafIndex = s.LeafIndex
		}
		for j, sib := range s.Siblings {
			st.Siblings[j] = vbig(sib)
		}
	}

	wit, err := frontend.NewWitness(assign, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("prover: claim witness: %w", err)
	}
	proof, err := groth16.Prove(sys.ccs, sys.pk, wit)
	if err != nil {
		return nil, fmt.Errorf("prover: claim proof: %w", err)
	}
	var proofBuf bytes.Buffer
	if _, err := proof.WriteTo(&proofBuf); err != nil {
		return nil, fmt.Errorf("prover: claim proof marshaling: %w", err)
	}

	artifact := encodeClaim(pathLen, len(w.Steps), proofBuf.Bytes())
	return &WithdrawalProof{
		Root:         w.Root,
		Binding:      w.Binding,
		Total:        total,
		PublicInputs: publicInputs(w.Root, w.Binding, total),
		Artifact:     artifact,
	}, nil
}

// VerifyWithdrawal checks the claim proof against its public inputs.
func (g *Groth16) VerifyWithdrawal(ctx context.Context, p *WithdrawalProof) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pathLen, steps, proofBytes, err := decodeClaim(p.Artifact)
	if err != nil {
		return err
	}
	sys, err := g.claimSystemFor(claimShape{pathLen: pathLen, steps: steps})
	if err != nil {
		return err
	}

	assign := NewWithdrawalCircuit(pathLen, steps)
	assign.Root = vbig(p.Root)
	assign.Binding = vbig(p.Binding)
	assign.Total = p.Total
	wit, err := frontend.NewWitness(assign, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("prover: claim public witness: %w", err)
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return fmt.Errorf("%w: claim proof unmarshaling: %v", ErrBadArtifact, err)
	}
	if err := groth16.Verify(proof, sys.vk, wit); err != nil {
		return fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	return nil
}

func (g *Groth16) claimSystemFor(shape claimShape) (*claimSystem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sys, ok := g.claims[shape]; ok {
		return sys, nil
	}
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewWithdrawalCircuit(shape.pathLen, shape.steps))
	if err != nil {
		return nil, fmt.Errorf("prover: compiling claim circuit %dx%d: %w", shape.pathLen, shape.steps, err)
	}
	pk, vk, err := setupKeys(ccs, g.keyDir, fmt.Sprintf("claim_%d_%d", shape.pathLen, shape.steps))
	if err != nil {
		return nil, err
	}
	sys := &claimSystem{ccs: ccs, pk: pk, vk: vk}
	g.claims[shape] = sys
	return sys, nil
}

// vbig converts a digest to its witness assignment value.
func vbig(d transfer.Digest) *big.Int {
	return new(big.Int).SetBytes(d[:])
}

// Artifact wire format. Fold artifacts are a count followed by records of
// public endpoints, a dummy flag and length-prefixed proof bytes; claim
// artifacts are the circuit shape followed by one proof.

type foldRecord struct {
	prevRoot  transfer.Digest
	newRoot   transfer.Digest
	prevChain transfer.Digest
	newChain  transfer.Digest
	dummy     bool
	proof     []byte
}

func encodeRecords(recs []foldRecord) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(len(recs)))
	for _, rec := range recs {
		buf.Write(rec.prevRoot[:])
		buf.Write(rec.newRoot[:])
		buf.Write(rec.prevChain[:])
		buf.Write(rec.newChain[:])
		if rec.dummy {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		binary.Write(&buf, binary.BigEndian, uint32(len(rec.proof)))
		buf.Write(rec.proof)
	}
	return buf.Bytes()
}

func decodeRecords(b []byte) ([]foldRecord, error) {
	r := bytes.NewReader(b)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: record count: %v", ErrBadArtifact, err)
	}
	recs := make([]foldRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec foldRecord
		for _, d := range []*transfer.Digest{&rec.prevRoot, &rec.newRoot, &rec.prevChain, &rec.newChain} {
			if _, err := io.ReadFull(r, d[:]); err != nil {
				return nil, fmt.Errorf("%w: record %d endpoints: %v", ErrBadArtifact, i, err)
			}
		}
		flag, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: record %d flag: %v", ErrBadArtifact, i, err)
		}
		rec.dummy = flag == 1
		var proofLen uint32
		if err := binary.Read(r, binary.BigEndian, &proofLen); err != nil {
			return nil, fmt.Errorf("%w: record %d proof length: %v", ErrBadArtifact, i, err)
		}
		rec.proof = make([]byte, proofLen)
		if _, err := io.ReadFull(r, rec.proof); err != nil {
			return nil, fmt.Errorf("%w: record %d proof: %v", ErrBadArtifact, i, err)
		}
		recs = append(recs, rec)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadArtifact, r.Len())
	}
	return recs, nil
}

func encodeClaim(pathLen, steps int, proof []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(pathLen))
	binary.Write(&buf, binary.BigEndian, uint32(steps))
	buf.Write(proof)
	return buf.Bytes()
}

func decodeClaim(b []byte) (pathLen, steps int, proof []byte, err error) {
	if len(b) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: claim artifact too short", ErrBadArtifact)
	}
	pathLen = int(binary.BigEndian.Uint32(b[:4]))
	steps = int(binary.BigEndian.Uint32(b[4:8]))
	if pathLen <= 0 || pathLen > 64 || steps <= 0 || steps > 1024 {
		return 0, 0, nil, fmt.Errorf("%w: claim shape %dx%d", ErrBadArtifact, pathLen, steps)
	}
	return pathLen, steps, b[8:], nil
}

// Key persistence.

// SaveProvingKey writes a Groth16 proving key to disk.
func SaveProvingKey(path string, pk groth16.ProvingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = pk.WriteTo(f)
	return err
}

// SaveVerifyingKey writes a Groth16 verifying key to disk.
func SaveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = vk.WriteTo(f)
	return err
}

// LoadProvingKey reads a Groth16 proving key from disk.
func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BN254)
	_, err = pk.ReadFrom(f)
	return pk, err
}

// LoadVerifyingKey reads a Groth16 verifying key from disk.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BN254)
	_, err = vk.ReadFrom(f)
	return vk, err
}

// setupKeys loads keys named after the circuit from dir, or generates them,
// persisting when dir is non-empty.
func setupKeys(ccs constraint.ConstraintSystem, dir, name string) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	if dir != "" {
		pkPath := filepath.Join(dir, name+".pk")
		vkPath := filepath.Join(dir, name+".vk")
		pk, pkErr := LoadProvingKey(pkPath)
		vk, vkErr := LoadVerifyingKey(vkPath)
		if pkErr == nil && vkErr == nil {
			return pk, vk, nil
		}
		pk, vk, err := groth16.Setup(ccs)
		if err != nil {
			return nil, nil, fmt.Errorf("prover: key setup for %s: %w", name, err)
		}
		if err := SaveProvingKey(pkPath, pk); err != nil {
			return nil, nil, fmt.Errorf("prover: saving proving key for %s: %w", name, err)
		}
		if err := SaveVerifyingKey(vkPath, vk); err != nil {
			return nil, nil, fmt.Errorf("prover: saving verifying key for %s: %w", name, err)
		}
		return pk, vk, nil
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, fmt.Errorf("prover: key setup for %s: %w", name, err)
	}
	return pk, vk, nil
}
