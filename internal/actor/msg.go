package actor

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire layout constants
const (
	// MsgSize is the fixed encoded size of an actor message. Every message
	// buffer handed out by the message pool is exactly this large.
	MsgSize = 128
	// MsgHeaderSize is the size of the fixed header preceding the inline payload
	MsgHeaderSize = 40
	// MaxPayloadSize is the largest inline payload a message can carry
	MaxPayloadSize = MsgSize - MsgHeaderSize
)

// MsgType identifies what an actor message carries
type MsgType uint8

const (
	// MsgTypeCmd is a control command for the destination actor
	MsgTypeCmd MsgType = iota + 1
	// MsgTypeRegst announces that a register (blob buffer) is ready
	MsgTypeRegst
	// MsgTypeEord signals end of register data on a stream
	MsgTypeEord
)

// String returns the string representation of the MsgType
func (t MsgType) String() string {
	switch t {
	case MsgTypeCmd:
		return "cmd"
	case MsgTypeRegst:
		return "regst"
	case MsgTypeEord:
		return "eord"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var (
	ErrShortBuffer     = errors.New("actor: buffer shorter than message size")
	ErrPayloadTooLarge = errors.New("actor: payload exceeds inline capacity")
	ErrUnknownMsgType  = errors.New("actor: unknown message type")
)

// Msg is the payload exchanged between actors living in different worker
// processes. It is encoded into a fixed-size buffer so that it fits in exactly
// one pooled message slot.
type Msg struct {
	Type        MsgType
	Flags       uint8
	SrcActorID  int64
	DstActorID  int64
	RegstDescID int64
	PieceID     int64
	Payload     []byte
}

// Encode writes the message into dst, which must hold at least MsgSize bytes.
// Bytes past the payload are zeroed so stale data from a recycled buffer never
// leaks onto the wire.
func (m *Msg) Encode(dst []byte) error {
	if len(dst) < MsgSize {
		return fmt.Errorf("%w: got %d, need %d", ErrShortBuffer, len(dst), MsgSize)
	}
	if len(m.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(m.Payload), MaxPayloadSize)
	}

	dst[0] = byte(m.Type)
	dst[1] = m.Flags
	binary.LittleEndian.PutUint16(dst[2:4], 0)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(len(m.Payload)))
	binary.LittleEndian.PutUint64(dst[8:16], uint64(m.SrcActorID))
	binary.LittleEndian.PutUint64(dst[16:24], uint64(m.DstActorID))
	binary.LittleEndian.PutUint64(dst[24:32], uint64(m.RegstDescID))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(m.PieceID))
	n := copy(dst[MsgHeaderSize:MsgSize], m.Payload)
	clear(dst[MsgHeaderSize+n : MsgSize])
	return nil
}

// Decode parses a message from src. The returned payload is a copy, so the
// source buffer can be recycled immediately afterwards.
func Decode(src []byte) (Msg, error) {
	if len(src) < MsgSize {
		return Msg{}, fmt.Errorf("%w: got %d, need %d", ErrShortBuffer, len(src), MsgSize)
	}

	msgType := MsgType(src[0])
	switch msgType {
	case MsgTypeCmd, MsgTypeRegst, MsgTypeEord:
	default:
		return Msg{}, fmt.Errorf("%w: %d", ErrUnknownMsgType, src[0])
	}

	payloadLen := binary.LittleEndian.Uint32(src[4:8])
	if payloadLen > MaxPayloadSize {
		return Msg{}, fmt.Errorf("%w: header claims %d bytes", ErrPayloadTooLarge, payloadLen)
	}

	msg := Msg{
		Type:        msgType,
		Flags:       src[1],
		SrcActorID:  int64(binary.LittleEndian.Uint64(src[8:16])),
		DstActorID:  int64(binary.LittleEndian.Uint64(src[16:24])),
		RegstDescID: int64(binary.LittleEndian.Uint64(src[24:32])),
		PieceID:     int64(binary.LittleEndian.Uint64(src[32:40])),
	}
	if payloadLen > 0 {
		msg.Payload = make([]byte, payloadLen)
		copy(msg.Payload, src[MsgHeaderSize:MsgHeaderSize+int(payloadLen)])
	}
	return msg, nil
}
