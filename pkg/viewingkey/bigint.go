package viewingkey

import "math/big"

// beToBigInt interprets b as a big-endian unsigned integer, the same
// convention the teacher uses when turning wallet amounts into
// ristretto.Scalar values via SetBigInt.
func beToBigInt(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}
