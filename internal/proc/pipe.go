// Package proc provides the process-spawning and cross-process
// synchronisation primitives the switch and node bootstrap sequences are
// built on: a one-shot "closed" signal pipe and a namespace-aware process
// spawner.
package proc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PipeSender is the write end of a readiness pipe. Closing it releases
// whatever is blocked in the matching PipeReceiver's WaitUntilClosed.
type PipeSender struct {
	f *os.File
}

// PipeReceiver is the read end of a readiness pipe.
type PipeReceiver struct {
	f *os.File
}

// NewPipeChannel creates a one-shot signalling pipe: the child blocks on
// WaitUntilClosed until the parent calls Close on the sender. No data ever crosses the
// pipe; EOF is the signal. This is used to make a freshly spawned switch
// child wait until the parent has finished writing its uid/gid maps before
// the child touches anything that depends on them.
func NewPipeChannel() (*PipeSender, *PipeReceiver, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, fmt.Errorf("create pipe channel: %w", err)
	}

	r := os.NewFile(uintptr(fds[0]), "pipe-channel-r")
	w := os.NewFile(uintptr(fds[1]), "pipe-channel-w")
	return &PipeSender{f: w}, &PipeReceiver{f: r}, nil
}

// Fd returns the raw file descriptor, for handing to a child process across
// exec via ExtraFiles.
func (s *PipeSender) Fd() uintptr { return s.f.Fd() }

// File returns the underlying os.File.
func (s *PipeSender) File() *os.File { return s.f }

// Close releases anything blocked in the matching receiver's WaitUntilClosed.
func (s *PipeSender) Close() error { return s.f.Close() }

// Fd returns the raw file descriptor.
func (r *PipeReceiver) Fd() uintptr { return r.f.Fd() }

// File returns the underlying os.File.
func (r *PipeReceiver) File() *os.File { return r.f }

// WaitUntilClosed blocks until the sender end is closed. It does so by
// reading into a one-byte buffer until the read returns no data, which
// happens (with io.EOF) exactly when every write end of the pipe has been
// closed.
func (r *PipeReceiver) WaitUntilClosed() error {
	var buf [1]byte
	for {
		n, err := r.f.Read(buf[:])
		if n > 0 {
			// No data is ever written on this pipe; ignore and keep waiting
			// for the sender to close its end.
			continue
		}

		if err != nil {
			return nil
		}
	}
}

// Close releases the receiver's file descriptor.
func (r *PipeReceiver) Close() error { return r.f.Close() }

// NewPipeReceiverFromFd wraps an already-open file descriptor — typically
// one inherited across a self re-exec via ExtraFiles — as a PipeReceiver.
func NewPipeReceiverFromFd(fd uintptr, name string) *PipeReceiver {
	return &PipeReceiver{f: os.NewFile(fd, name)}
}
