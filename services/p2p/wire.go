package p2p

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
)

// Every message on the cluster wire is framed as
//
//	[u32 length][u8 op][u64 rpc_id][payload]
//
// where length covers everything after itself. rpc_id zero marks a one-way
// announcement; a nonzero id correlates a request with its response.

const (
	frameHeaderLength = 1 + 8
	maxFrameLength    = 64 << 20
)

type frame struct {
	op      uint8
	rpcID   uint64
	payload []byte
}

func writeFrame(w io.Writer, op uint8, rpcID uint64, payload model.Serializable) error {
	body := bytes.NewBuffer(nil)
	if err := model.WriteUint8(body, op); err != nil {
		return err
	}
	if err := model.WriteUint64(body, rpcID); err != nil {
		return err
	}
	if payload != nil {
		if err := payload.Serialize(body); err != nil {
			return err
		}
	}

	if body.Len() > maxFrameLength {
		return errors.NewInvalidArgumentError("frame too large: %d", body.Len())
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(body.Len()))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func readFrame(r io.Reader) (*frame, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(r, lengthBytes[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBytes[:])
	if length < frameHeaderLength || length > maxFrameLength {
		return nil, errors.NewPeerViolationError("invalid frame length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return &frame{
		op:      body[0],
		rpcID:   binary.BigEndian.Uint64(body[1:9]),
		payload: body[9:],
	}, nil
}

func decodePayload(f *frame, cmd model.Serializable) error {
	if err := model.DeserializeFromBytes(f.payload, cmd); err != nil {
		return errors.NewPeerViolationError("undecodable payload for op %d", f.op, err)
	}
	return nil
}
