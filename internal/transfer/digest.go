// digest.go - Canonical 32-byte field digests used across the transfer core.
//
// Every hash, root, rolling-chain value and recipient binding in the system is
// a Digest: the big-endian canonical encoding of a BN254 scalar field element.
// Keeping the canonical form everywhere means any Digest can be fed back into
// MiMC or a circuit witness without re-validation.

package transfer

import (
	"encoding/hex"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// DigestLen is the byte length of a Digest.
const DigestLen = fr.Bytes

// Digest is the canonical big-endian encoding of a BN254 scalar field element.
type Digest [DigestLen]byte

// ZeroDigest is the encoding of the zero field element. It doubles as the
// empty-leaf value for zero-subtree padding and as the genesis rolling hash.
var ZeroDigest Digest

// DigestFromElement encodes a field element canonically.
func DigestFromElement(e *fr.Element) Digest {
	return e.Bytes()
}

// DigestFromUint64 encodes v as a field element digest.
func DigestFromUint64(v uint64) Digest {
	var e fr.Element
	e.SetUint64(v)
	return e.Bytes()
}

// DigestFromBytes decodes a canonical 32-byte encoding. It rejects slices of
// the wrong length and values at or above the field modulus, so digests read
// back from storage or the wire are always valid hash and witness inputs.
func DigestFromBytes(b []byte) (Digest, error) {
	if len(b) != DigestLen {
		return Digest{}, fmt.Errorf("transfer: digest must be %d bytes, got %d", DigestLen, len(b))
	}
	var e fr.Element
	if err := e.SetBytesCanonical(b); err != nil {
		return Digest{}, fmt.Errorf("transfer: non-canonical digest: %w", err)
	}
	return e.Bytes(), nil
}

// DigestFromHex decodes a hex string produced by String.
func DigestFromHex(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("transfer: bad digest hex: %w", err)
	}
	return DigestFromBytes(b)
}

// Element decodes the digest into a field element.
func (d Digest) Element() fr.Element {
	var e fr.Element
	e.SetBytes(d[:])
	return e
}

// IsZero reports whether the digest encodes the zero element.
func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}
