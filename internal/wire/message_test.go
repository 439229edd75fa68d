package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))
	got, err := Decode(bufio.NewReader(&buf))
	require.NoError(t, err)
	return got
}

func TestEncodeDecodeBroadcastOneSend(t *testing.T) {
	got := roundTrip(t, Message{Tag: TagBroadcastOneSend, Payload: []byte("ping")})
	require.Equal(t, TagBroadcastOneSend, got.Tag)
	require.Equal(t, []byte("ping"), got.Payload)
}

func TestEncodeDecodeBroadcastOneRecvWait(t *testing.T) {
	for _, tag := range []Tag{TagBroadcastOneRecv, TagBroadcastOneWait} {
		got := roundTrip(t, Message{Tag: tag})
		require.Equal(t, tag, got.Tag)
		require.Empty(t, got.Payload)
	}
}

func TestEncodeDecodeBroadcastAllRecv(t *testing.T) {
	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	got := roundTrip(t, Message{Tag: TagBroadcastAllRecv, Payloads: payloads})
	require.Equal(t, TagBroadcastAllRecv, got.Tag)
	require.Equal(t, payloads, got.Payloads)
}

func TestEncodeDecodeEmptyPayload(t *testing.T) {
	got := roundTrip(t, Message{Tag: TagBroadcastAllSend, Payload: []byte{}})
	require.Equal(t, TagBroadcastAllSend, got.Tag)
	require.Empty(t, got.Payload)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, MaxMessageSize+1)
	err := Encode(&buf, Message{Tag: TagBroadcastOneSend, Payload: oversized})
	require.Error(t, err)
}

func TestDecodeRejectsOversizedFrameLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	// Declare a frame far larger than the limit; Decode must reject it
	// without trying to read that many bytes.
	oversizedLen := uint32(MaxMessageSize) * 4
	for i := range lenBuf {
		lenBuf[i] = byte(oversizedLen >> (8 * i))
	}

	buf.Write(lenBuf[:])
	_, err := Decode(bufio.NewReader(&buf))
	require.Error(t, err)
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{1, 0, 0, 0, 99}) // frame length 1, unknown tag 99
	_, err := Decode(bufio.NewReader(&buf))
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{10, 0, 0, 0, byte(TagBroadcastOneSend)})
	_, err := Decode(bufio.NewReader(&buf))
	require.Error(t, err)
}
