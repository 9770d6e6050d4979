package model

import (
	"crypto/sha256"
	"math/big"
)

var pow256 = new(big.Int).Lsh(big.NewInt(1), 256)

// PowHashDoubleSha256 is the proof-of-work digest for the DoubleSha256
// consensus: sha256(sha256(serialized header)).
func PowHashDoubleSha256(headerBytes []byte) Hash {
	first := sha256.Sum256(headerBytes)
	return Hash(sha256.Sum256(first[:]))
}

// CheckPow reports whether the digest meets the difficulty target
// 2^256 / difficulty.
func CheckPow(digest Hash, difficulty uint64) bool {
	if difficulty == 0 {
		return true
	}
	target := new(big.Int).Div(pow256, new(big.Int).SetUint64(difficulty))
	return new(big.Int).SetBytes(digest[:]).Cmp(target) <= 0
}
