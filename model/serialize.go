package model

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/big"

	"github.com/lattice-network/lattice/errors"
)

// Wire and storage encoding. All integers are big-endian, variable-length
// lists are prefixed by a uint32 count, byte strings by a uint16 length, and
// monetary amounts are 32-byte unsigned big-endian values.

type Serializable interface {
	Serialize(w io.Writer) error
	Deserialize(r io.Reader) error
}

func SerializeToBytes(s Serializable) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	if err := s.Serialize(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DeserializeFromBytes(b []byte, s Serializable) error {
	r := bytes.NewReader(b)
	if err := s.Deserialize(r); err != nil {
		return err
	}
	if r.Len() != 0 {
		return errors.NewInvalidArgumentError("%d trailing bytes after deserialization", r.Len())
	}
	return nil
}

func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func WriteUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func WriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func WriteHash(w io.Writer, h Hash) error {
	_, err := w.Write(h[:])
	return err
}

func ReadHash(r io.Reader) (Hash, error) {
	var h Hash
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// WriteVarBytes writes a uint16 length prefix followed by the bytes.
func WriteVarBytes(w io.Writer, b []byte) error {
	if len(b) > 0xffff {
		return errors.NewInvalidArgumentError("byte string too long: %d", len(b))
	}
	if err := WriteUint16(w, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func ReadVarBytes(r io.Reader) ([]byte, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// maxListLength caps list count prefixes so that a malformed or hostile
// message cannot make the decoder allocate unbounded memory.
const maxListLength = 1 << 20

func WriteListLength(w io.Writer, n int) error {
	if n > maxListLength {
		return errors.NewInvalidArgumentError("list too long: %d", n)
	}
	return WriteUint32(w, uint32(n))
}

func ReadListLength(r io.Reader) (int, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return 0, err
	}
	if n > maxListLength {
		return 0, errors.NewInvalidArgumentError("list too long: %d", n)
	}
	return int(n), nil
}

func WriteUint32List(w io.Writer, list []uint32) error {
	if err := WriteListLength(w, len(list)); err != nil {
		return err
	}
	for _, v := range list {
		if err := WriteUint32(w, v); err != nil {
			return err
		}
	}
	return nil
}

func ReadUint32List(r io.Reader) ([]uint32, error) {
	n, err := ReadListLength(r)
	if err != nil {
		return nil, err
	}
	list := make([]uint32, n)
	for i := range list {
		if list[i], err = ReadUint32(r); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func WriteHashList(w io.Writer, list []Hash) error {
	if err := WriteListLength(w, len(list)); err != nil {
		return err
	}
	for _, h := range list {
		if err := WriteHash(w, h); err != nil {
			return err
		}
	}
	return nil
}

func ReadHashList(r io.Reader) ([]Hash, error) {
	n, err := ReadListLength(r)
	if err != nil {
		return nil, err
	}
	list := make([]Hash, n)
	for i := range list {
		if list[i], err = ReadHash(r); err != nil {
			return nil, err
		}
	}
	return list, nil
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// WriteBigUint256 writes v as a fixed 32-byte unsigned big-endian value.
func WriteBigUint256(w io.Writer, v *big.Int) error {
	if v == nil {
		v = big.NewInt(0)
	}
	if v.Sign() < 0 || v.Cmp(maxUint256) > 0 {
		return errors.NewInvalidArgumentError("value out of uint256 range: %s", v.String())
	}
	var b [32]byte
	v.FillBytes(b[:])
	_, err := w.Write(b[:])
	return err
}

func ReadBigUint256(r io.Reader) (*big.Int, error) {
	var b [32]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b[:]), nil
}
