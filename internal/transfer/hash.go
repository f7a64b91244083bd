// hash.go - MiMC hashing for leaves, tree nodes and the rolling chain.
//
// All commitments use MiMC over the BN254 scalar field, the same permutation
// the proving circuits evaluate in-circuit, so off-ledger state and proof
// public inputs agree byte for byte.

package transfer

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// HashPair computes the parent hash of two sibling nodes, H(left, right).
func HashPair(left, right Digest) Digest {
	h := mimc.NewMiMC()
	h.Write(left[:])
	h.Write(right[:])
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// LeafHash commits one transfer as H(recipientBinding, value).
func LeafHash(binding Digest, value uint64) Digest {
	v := DigestFromUint64(value)
	h := mimc.NewMiMC()
	h.Write(binding[:])
	h.Write(v[:])
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// ChainNext advances the rolling hash by one transfer, H(prev, leaf).
// The genesis chain value is ZeroDigest.
func ChainNext(prev, leaf Digest) Digest {
	return HashPair(prev, leaf)
}

// HashDigests absorbs the digests in order into a fresh MiMC state.
func HashDigests(parts ...Digest) Digest {
	h := mimc.NewMiMC()
	for _, p := range parts {
		h.Write(p[:])
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// BindingFromSecret derives a recipient binding from a withdrawal secret,
// H(secret). The binding appears on-ledger; the secret never does.
func BindingFromSecret(secret Digest) Digest {
	h := mimc.NewMiMC()
	h.Write(secret[:])
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// NewSecret draws a uniformly random field element for use as a withdrawal
// secret or blinding delta.
func NewSecret() (Digest, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return Digest{}, err
	}
	return e.Bytes(), nil
}
