//go:build linux

package broker

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// UnixPoller is the production Poller, backed by unix.Poll over node pipe
// and pidfd descriptors.
type UnixPoller struct{}

// Wait blocks until at least one fd is readable (POLLIN) or has hit an
// error/hangup condition, and returns the indices of those fds.
func (UnixPoller) Wait(fds []int) ([]int, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	for {
		n, err := unix.Poll(pfds, -1)
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}

		if n == 0 {
			continue
		}

		ready := make([]int, 0, n)
		for i, p := range pfds {
			if p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				ready = append(ready, i)
			}
		}

		return ready, nil
	}
}
