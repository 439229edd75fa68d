package proc

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Process is a spawned child: either the switch or a node, always created
// via self re-exec (see Spawn).
type Process struct {
	cmd *exec.Cmd
	// pidfd is a poll-able handle on the child, opened immediately after
	// spawn so termination can be observed without racing pid reuse.
	pidfd int
}

// ExitOutcome describes how a Process terminated.
type ExitOutcome struct {
	Exited   bool
	Code     int
	Signaled bool
	Signal   syscall.Signal
}

// Spawn re-executes the current binary with the same argv it was invoked
// with, inheriting no namespaces cleared by nsFlags (a bitmask of
// unix.CLONE_NEW* flags). The child's job is to recognise, from the
// environment variables in env, that it must behave as an internal role
// instead of repeating the parent's top-level behaviour — see the testnet
// package for how this dispatch works. extraFiles are passed to the child
// starting at fd 3, in order.
func Spawn(nsFlags uintptr, extraFiles []*os.File, env map[string]string) (*Process, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve self executable: %w", err)
	}

	cmd := exec.Command(self, os.Args[1:]...)
	childEnv := os.Environ()
	for k, v := range env {
		childEnv = append(childEnv, k+"="+v)
	}

	cmd.Env = childEnv
	cmd.Stdin = nil
	cmd.ExtraFiles = extraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: nsFlags,
		Pdeathsig:  unix.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn child: %w", err)
	}

	pidfd, _, errno := unix.Syscall(unix.SYS_PIDFD_OPEN, uintptr(cmd.Process.Pid), 0, 0)
	if errno != 0 {
		// pidfd_open failing is not fatal: Wait below still works via
		// the ordinary SIGCHLD-based os/exec path, it just means the
		// broker cannot poll this child's exit directly.
		pidfd = ^uintptr(0)
	}

	return &Process{cmd: cmd, pidfd: int(pidfd)}, nil
}

// ID returns the child's PID.
func (p *Process) ID() int {
	return p.cmd.Process.Pid
}

// Fd returns a pidfd for the child, usable with unix.Poll, or -1 if
// pidfd_open was unavailable at spawn time.
func (p *Process) Fd() int {
	if p.pidfd == int(^uintptr(0)) {
		return -1
	}

	return p.pidfd
}

// Wait blocks until the child terminates and reports how.
func (p *Process) Wait() (ExitOutcome, error) {
	err := p.cmd.Wait()
	if p.pidfd >= 0 {
		_ = unix.Close(p.pidfd)
	}

	if err == nil {
		return ExitOutcome{Exited: true, Code: 0}, nil
	}

	var exitErr *exec.ExitError
	if !asExitError(err, &exitErr) {
		return ExitOutcome{}, fmt.Errorf("wait for child %d: %w", p.ID(), err)
	}

	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitOutcome{Exited: true, Code: exitErr.ExitCode()}, nil
	}

	switch {
	case status.Signaled():
		return ExitOutcome{Signaled: true, Signal: status.Signal()}, nil
	default:
		return ExitOutcome{Exited: true, Code: status.ExitStatus()}, nil
	}
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}

	return ok
}

// String renders the outcome the way the switch's failure summary does.
func (o ExitOutcome) String() string {
	switch {
	case o.Signaled:
		return fmt.Sprintf("signal %s", o.Signal)
	case o.Exited:
		return fmt.Sprintf("code %d", o.Code)
	default:
		return "unknown"
	}
}

// Ok reports whether the child exited with status 0.
func (o ExitOutcome) Ok() bool {
	return o.Exited && o.Code == 0
}
