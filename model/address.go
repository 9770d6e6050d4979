package model

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"math/bits"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"

	"github.com/lattice-network/lattice/errors"
)

// Branch is a full shard id: (chain_id << 16) | shard_size | shard_id, where
// shard_size is a power of two and shard_id < shard_size. It names a shard
// and encodes its topology in-band.
type Branch uint32

func NewBranch(fullShardID uint32) Branch {
	return Branch(fullShardID)
}

func BranchFrom(chainID, shardSize, shardID uint32) Branch {
	return Branch(chainID<<16 | shardSize | shardID)
}

func (b Branch) Value() uint32 {
	return uint32(b)
}

func (b Branch) ChainID() uint32 {
	return uint32(b) >> 16
}

// ShardSize extracts the power-of-two size bit from the low 16 bits.
func (b Branch) ShardSize() uint32 {
	low := uint32(b) & 0xffff
	if low == 0 {
		return 0
	}
	return 1 << (31 - bits.LeadingZeros32(low))
}

func (b Branch) ShardID() uint32 {
	size := b.ShardSize()
	return uint32(b) & 0xffff & (size - 1)
}

func (b Branch) String() string {
	return "0x" + hex.EncodeToString([]byte{byte(b >> 24), byte(b >> 16), byte(b >> 8), byte(b)})
}

// IsNeighbor reports whether cross-shard outputs of b are delivered to
// other. Within one chain two shards are neighbors iff their shard ids
// differ in exactly one bit; across chains iff the shard ids match and the
// chain ids differ in exactly one bit.
func (b Branch) IsNeighbor(other Branch) bool {
	if b == other {
		return false
	}
	if b.ChainID() == other.ChainID() {
		return isP2(b.ShardID() ^ other.ShardID())
	}
	if b.ShardID() == other.ShardID() {
		return isP2(b.ChainID() ^ other.ChainID())
	}
	return false
}

func isP2(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// ShardMask selects a subset of shards by matching the low bits of a full
// shard key against the bits below the mask's highest set bit, mirroring the
// branch encoding. A mask of 0b1 matches every shard.
type ShardMask uint32

func (m ShardMask) ContainsBranch(b Branch) bool {
	return m.ContainsFullShardKey(uint32(b) & 0xffff)
}

func (m ShardMask) ContainsFullShardKey(fullShardKey uint32) bool {
	v := uint32(m)
	if v == 0 {
		return false
	}
	bitMask := (uint32(1) << (31 - bits.LeadingZeros32(v))) - 1
	return (bitMask & fullShardKey) == (v & bitMask)
}

func (m ShardMask) HasOverlap(other ShardMask) bool {
	a, b := uint32(m), uint32(other)
	if a == 0 || b == 0 {
		return false
	}
	maskA := (uint32(1) << (31 - bits.LeadingZeros32(a))) - 1
	maskB := (uint32(1) << (31 - bits.LeadingZeros32(b))) - 1
	common := maskA & maskB
	return (a & common) == (b & common)
}

const RecipientLength = 20

// Recipient is the 20-byte account identifier derived from the keccak256 of
// the account public key.
type Recipient [RecipientLength]byte

func (r Recipient) Bytes() []byte {
	return r[:]
}

func (r Recipient) String() string {
	return "0x" + hex.EncodeToString(r[:])
}

func (r Recipient) IsZero() bool {
	return r == Recipient{}
}

func NewRecipientFromSlice(b []byte) (Recipient, error) {
	var r Recipient
	if len(b) != len(r) {
		return Recipient{}, errors.NewInvalidArgumentError("invalid recipient length: %d", len(b))
	}
	copy(r[:], b)
	return r, nil
}

// Address is a recipient plus a 4-byte full shard key. The shard an address
// lives on is derived by masking the key with the shard's size and chain
// bits.
type Address struct {
	Recipient    Recipient
	FullShardKey uint32
}

func NewAddress(recipient Recipient, fullShardKey uint32) Address {
	return Address{Recipient: recipient, FullShardKey: fullShardKey}
}

func EmptyAddress(fullShardKey uint32) Address {
	return Address{FullShardKey: fullShardKey}
}

func (a Address) IsEmpty() bool {
	return a.Recipient.IsZero()
}

// GetFullShardID maps the address onto a shard of the given size within the
// chain selected by the high 16 bits of the full shard key.
func (a Address) GetFullShardID(shardSize uint32) Branch {
	chainID := a.FullShardKey >> 16
	return BranchFrom(chainID, shardSize, a.FullShardKey&(shardSize-1))
}

// AddressInShard returns the same recipient rehomed to another full shard
// key.
func (a Address) AddressInShard(fullShardKey uint32) Address {
	return Address{Recipient: a.Recipient, FullShardKey: fullShardKey}
}

// AddressInBranch returns the same recipient with the minimal full shard key
// that maps onto the given branch.
func (a Address) AddressInBranch(b Branch) Address {
	key := b.ChainID()<<16 | b.ShardID()
	return Address{Recipient: a.Recipient, FullShardKey: key}
}

func (a Address) Serialize(w io.Writer) error {
	if _, err := w.Write(a.Recipient[:]); err != nil {
		return err
	}
	return WriteUint32(w, a.FullShardKey)
}

func (a *Address) Deserialize(r io.Reader) error {
	if _, err := io.ReadFull(r, a.Recipient[:]); err != nil {
		return err
	}
	var err error
	a.FullShardKey, err = ReadUint32(r)
	return err
}

// Identity is a secp256k1 keypair together with its derived recipient.
type Identity struct {
	key       *secp256k1.PrivateKey
	recipient Recipient
}

func NewIdentityFromKey(key *secp256k1.PrivateKey) *Identity {
	return &Identity{key: key, recipient: PublicKeyToRecipient(key.PubKey())}
}

func CreateRandomIdentity() (*Identity, error) {
	key, err := secp256k1.GeneratePrivateKeyFromRand(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewIdentityFromKey(key), nil
}

func (id *Identity) Key() *secp256k1.PrivateKey {
	return id.key
}

func (id *Identity) Recipient() Recipient {
	return id.recipient
}

func (id *Identity) AddressInShard(fullShardKey uint32) Address {
	return Address{Recipient: id.recipient, FullShardKey: fullShardKey}
}

// PublicKeyToRecipient derives the 20-byte recipient from the uncompressed
// public key, ethereum style: keccak256(pubkey[1:])[12:].
func PublicKeyToRecipient(pub *secp256k1.PublicKey) Recipient {
	d := sha3.NewLegacyKeccak256()
	d.Write(pub.SerializeUncompressed()[1:])
	sum := d.Sum(nil)

	var r Recipient
	copy(r[:], sum[12:])
	return r
}

// RandomRecipient is used by tests and the default coinbase configuration.
func RandomRecipient() Recipient {
	var r Recipient
	_, _ = rand.Read(r[:])
	return r
}
