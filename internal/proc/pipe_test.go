package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipeChannelBlocksUntilSenderCloses(t *testing.T) {
	sender, receiver, err := NewPipeChannel()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- receiver.WaitUntilClosed() }()

	select {
	case <-done:
		t.Fatal("receiver returned before sender closed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, sender.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("receiver did not unblock after sender closed")
	}

	require.NoError(t, receiver.Close())
}

func TestPipeChannelIgnoresUnexpectedWrites(t *testing.T) {
	sender, receiver, err := NewPipeChannel()
	require.NoError(t, err)

	_, err = sender.File().Write([]byte("x"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- receiver.WaitUntilClosed() }()

	select {
	case <-done:
		t.Fatal("receiver returned on data alone, before close")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, sender.Close())
	require.NoError(t, <-done)
	require.NoError(t, receiver.Close())
}
