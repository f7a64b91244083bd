// circuit.go - Arithmetic circuits for root-transition steps and withdrawal claims.

package prover

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// RootStepCircuit proves one transition of a transfer tree: inserting Leaf
// at LeafIndex turns PrevRoot into NewRoot and absorbs the leaf into the
// hash chain. A dummy step proves nothing moved. The same sibling path
// opens the empty slot under the previous root and the leaf under the new
// one, because inserting at the tree's size leaves every sibling unchanged.
type RootStepCircuit struct {
	// Public inputs
	PrevRoot  frontend.Variable `gnark:",public"`
	NewRoot   frontend.Variable `gnark:",public"`
	PrevChain frontend.Variable `gnark:",public"`
	NewChain  frontend.Variable `gnark:",public"`
	Dummy     frontend.Variable `gnark:",public"`

	// Private inputs
	LeafIndex frontend.Variable
	Leaf      frontend.Variable
	Siblings  []frontend.Variable
}

// NewRootStepCircuit returns a circuit shell sized for the given tree
// height, usable for both compilation and witness assignment.
func NewRootStepCircuit(height int) *RootStepCircuit {
	return &RootStepCircuit{Siblings: make([]frontend.Variable, height)}
}

func (c *RootStepCircuit) Define(api frontend.API) error {
	api.AssertIsBoolean(c.Dummy)

	bits := api.ToBinary(c.LeafIndex, len(c.Siblings))
	emptyRoot := pathRoot(api, 0, bits, c.Siblings)
	fullRoot := pathRoot(api, c.Leaf, bits, c.Siblings)

	// Real steps open the empty slot under the previous root and the leaf
	// under the new one; dummy steps pin the new state to the old.
	api.AssertIsEqual(c.PrevRoot, api.Select(c.Dummy, c.PrevRoot, emptyRoot))
	api.AssertIsEqual(c.NewRoot, api.Select(c.Dummy, c.PrevRoot, fullRoot))

	hasher, _ := mimc.NewMiMC(api)
	hasher.Write(c.PrevChain)
	hasher.Write(c.Leaf)
	chained := hasher.Sum()
	api.AssertIsEqual(c.NewChain, api.Select(c.Dummy, c.PrevChain, chained))

	return nil
}

// ClaimStepCircuit is one leaf of a withdrawal claim. Real steps prove
// inclusion of H(binding, Value) at LeafIndex; dummy steps carry a zero
// value and skip the inclusion check.
type ClaimStepCircuit struct {
	LeafIndex frontend.Variable
	Value     frontend.Variable
	Dummy     frontend.Variable
	Siblings  []frontend.Variable
}

// WithdrawalCircuit proves a claim of Total against Root for the holder of
// Binding's secret. Values of real steps accumulate in strictly increasing
// leaf order; the blinding delta is subtracted from the claimable total so
// a single-leaf claim does not reveal the exact transferred value.
type WithdrawalCircuit struct {
	// Public inputs
	Root    frontend.Variable `gnark:",public"`
	Binding frontend.Variable `gnark:",public"`
	Total   frontend.Variable `gnark:",public"`

	// Private inputs
	Secret   frontend.Variable
	Blinding frontend.Variable
	Steps    []ClaimStepCircuit
}

// NewWithdrawalCircuit returns a circuit shell with the given path length
// and step count. Claims against a per-origin root use the tree height;
// claims against a global root extend the path through the aggregation
// tree.
func NewWithdrawalCircuit(pathLen, steps int) *WithdrawalCircuit {
	c := &WithdrawalCircuit{Steps: make([]ClaimStepCircuit, steps)}
	for i := range c.Steps {
		c.Steps[i].Siblings = make([]frontend.Variable, pathLen)
	}
	return c
}

func (c *WithdrawalCircuit) Define(api frontend.API) error {
	hasher, _ := mimc.NewMiMC(api)
	hasher.Write(c.Secret)
	api.AssertIsEqual(c.Binding, hasher.Sum())

	sum := frontend.Variable(0)
	next := frontend.Variable(0)
	for i := range c.Steps {
		s := &c.Steps[i]
		api.AssertIsBoolean(s.Dummy)
		api.ToBinary(s.Value, 64)
		api.AssertIsEqual(api.Mul(s.Dummy, s.Value), 0)

		hasher.Reset()
		hasher.Write(c.Binding)
		hasher.Write(s.Value)
		leaf := hasher.Sum()

		bits := api.ToBinary(s.LeafIndex, len(s.Siblings))
		included := pathRoot(api, leaf, bits, s.Siblings)
		api.AssertIsEqual(c.Root, api.Select(s.Dummy, c.Root, included))

		// Leaf order is strictly increasing across real steps.
		api.AssertIsLessOrEqual(next, api.Select(s.Dummy, next, s.LeafIndex))
		next = api.Select(s.Dummy, next, api.Add(s.LeafIndex, 1))
		sum = api.Add(sum, api.Select(s.Dummy, 0, s.Value))
	}

	api.ToBinary(c.Blinding, 64)
	api.AssertIsLessOrEqual(c.Blinding, sum)
	api.AssertIsEqual(c.Total, api.Sub(sum, c.Blinding))

	return nil
}

// pathRoot folds a sibling path upward from leaf, reading the direction at
// each level from the index bits, bit clear meaning left child.
func pathRoot(api frontend.API, leaf frontend.Variable, bits, siblings []frontend.Variable) frontend.Variable {
	hasher, _ := mimc.NewMiMC(api)
	cur := leaf
	for i, sib := range siblings {
		left := api.Select(bits[i], sib, cur)
		right := api.Select(bits[i], cur, sib)
		hasher.Reset()
		hasher.Write(left)
		hasher.Write(right)
		cur = hasher.Sum()
	}
	return cur
}
