package testnet

import (
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// setProcessName sets the kernel's comm field (as seen in `ps`,
// /proc/self/comm) for the calling process. Failure is never fatal: it only
// affects diagnostics.
func setProcessName(name string, log *logrus.Entry) {
	b := append([]byte(name), 0)
	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0); err != nil {
		log.Warnf("set process name to %q: %v", name, err)
	}
}
