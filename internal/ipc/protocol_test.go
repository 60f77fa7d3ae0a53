package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	payload, err := Encode(&LockRequest{Mode: "keyboard-mouse"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgLock, 7, payload).Write(&buf))
	assert.Equal(t, HeaderSize+len(payload), buf.Len())

	raw := buf.Bytes()
	assert.Equal(t, []byte("KBLK"), raw[0:4])
	assert.Equal(t, uint16(MsgLock), binary.BigEndian.Uint16(raw[6:8]))

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgLock, msg.Header.Type)
	assert.Equal(t, uint32(7), msg.Header.RequestID)
	assert.Equal(t, FlagJSON, msg.Header.Flags)

	var req LockRequest
	require.NoError(t, Decode(msg.Payload, &req))
	assert.Equal(t, "keyboard-mouse", req.Mode)
}

func TestEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgPing, 1, nil).Write(&buf))
	assert.Equal(t, HeaderSize, buf.Len())

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Empty(t, msg.Payload)

	var st StatusResponse
	assert.NoError(t, Decode(msg.Payload, &st))
}

func TestReadHeaderRejects(t *testing.T) {
	header := func(mut func(h *Header)) *bytes.Buffer {
		h := NewMessage(MsgStatus, 1, nil).Header
		mut(&h)
		var buf bytes.Buffer
		require.NoError(t, h.Write(&buf))
		return &buf
	}

	_, err := ReadHeader(header(func(h *Header) { h.Magic = 0x57495043 }))
	assert.True(t, errors.Is(err, ErrBadMagic))

	_, err = ReadHeader(header(func(h *Header) { h.Version = ProtocolVersion + 1 }))
	assert.True(t, errors.Is(err, ErrBadVersion))

	_, err = ReadHeader(header(func(h *Header) { h.Length = MaxPayload + 1 }))
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))

	_, err = ReadHeader(bytes.NewReader([]byte("KBLK")))
	assert.Error(t, err)
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := NewMessage(MsgMetricsResponse, 1, make([]byte, MaxPayload+1)).Write(&buf)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Zero(t, buf.Len())
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "status_response", MsgStatusResponse.String())
	assert.Equal(t, "message(0x0999)", MessageType(0x0999).String())
}

func TestRemoteErrorUnwrap(t *testing.T) {
	for _, sentinel := range []error{ErrUnknownCommand} {
		err := error(&RemoteError{Code: ErrorCode(sentinel), Message: "x"})
		assert.ErrorIs(t, err, sentinel)
	}
	assert.Nil(t, (&RemoteError{Code: CodeInternal}).Unwrap())
	assert.Equal(t, "internal", (&RemoteError{Code: CodeInternal}).Error())
}
