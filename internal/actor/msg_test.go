package actor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMsgEncodeDecode(t *testing.T) {
	msg := Msg{
		Type:        MsgTypeRegst,
		Flags:       3,
		SrcActorID:  -17,
		DstActorID:  1 << 40,
		RegstDescID: 99,
		PieceID:     7,
		Payload:     []byte("blob-ready"),
	}

	buf := make([]byte, MsgSize)
	require.NoError(t, msg.Encode(buf))

	decoded, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestMsgEncodeClearsStaleBytes(t *testing.T) {
	buf := bytes.Repeat([]byte{0xAB}, MsgSize)
	msg := Msg{Type: MsgTypeCmd, Payload: []byte{1, 2}}
	require.NoError(t, msg.Encode(buf))

	for i := MsgHeaderSize + 2; i < MsgSize; i++ {
		assert.Equal(t, byte(0), buf[i], "byte %d should be zeroed", i)
	}

	decoded, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, decoded.Payload)
}

func TestMsgEncodeErrors(t *testing.T) {
	msg := Msg{Type: MsgTypeCmd}
	err := msg.Encode(make([]byte, MsgSize-1))
	assert.ErrorIs(t, err, ErrShortBuffer)

	msg.Payload = make([]byte, MaxPayloadSize+1)
	err = msg.Encode(make([]byte, MsgSize))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	msg.Payload = make([]byte, MaxPayloadSize)
	assert.NoError(t, msg.Encode(make([]byte, MsgSize)))
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(make([]byte, 10))
	assert.ErrorIs(t, err, ErrShortBuffer)

	buf := make([]byte, MsgSize)
	_, err = Decode(buf)
	assert.ErrorIs(t, err, ErrUnknownMsgType, "zero type is not valid")

	buf[0] = byte(MsgTypeEord)
	buf[4] = 0xFF
	_, err = Decode(buf)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "cmd", MsgTypeCmd.String())
	assert.Equal(t, "regst", MsgTypeRegst.String())
	assert.Equal(t, "eord", MsgTypeEord.String())
	assert.Equal(t, "unknown(42)", MsgType(42).String())
}
