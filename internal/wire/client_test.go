package wire

import (
	"bufio"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientSendWritesFrame(t *testing.T) {
	outR, outW := io.Pipe()
	client := NewClient(io.MultiReader(), outW, outW)

	done := make(chan error, 1)
	go func() {
		done <- client.Send(Message{Tag: TagBroadcastOneRecv})
	}()

	m, err := Decode(bufio.NewReader(outR))
	require.NoError(t, err)
	require.Equal(t, TagBroadcastOneRecv, m.Tag)
	require.NoError(t, <-done)
}

func TestClientRecvReadsFrame(t *testing.T) {
	inR, inW := io.Pipe()
	client := NewClient(inR, io.Discard, nil)

	go func() {
		_ = Encode(inW, Message{Tag: TagBroadcastOneSend, Payload: []byte("ping")})
	}()

	m, err := client.Recv()
	require.NoError(t, err)
	require.Equal(t, TagBroadcastOneSend, m.Tag)
	require.Equal(t, []byte("ping"), m.Payload)
}

func TestClientRecvSurfacesBrokenPipe(t *testing.T) {
	inR, inW := io.Pipe()
	client := NewClient(inR, io.Discard, nil)
	require.NoError(t, inW.Close())
	_, err := client.Recv()
	require.Error(t, err)
}
