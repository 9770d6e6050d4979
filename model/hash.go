package model

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"

	"github.com/lattice-network/lattice/errors"
)

func errInvalidHashLength(n int) error {
	return errors.NewInvalidArgumentError("invalid hash length: %d", n)
}

// Hash is a 32-byte keccak256 digest.
type Hash [32]byte

var EmptyHash = Hash{}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func NewHashFromSlice(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return Hash{}, errInvalidHashLength(len(b))
	}
	copy(h[:], b)
	return h, nil
}

func NewHashFromString(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	return NewHashFromSlice(b)
}

// HashOf returns the keccak256 digest of the concatenation of the given byte
// slices.
func HashOf(data ...[]byte) Hash {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	var h Hash
	d.Sum(h[:0])
	return h
}
