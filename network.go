package testnet

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/igankevich/testnet/internal/proc"
	"golang.org/x/sys/unix"
)

// Environment variables that carry role and run-scoped data across a self
// re-exec. No user-supplied value (NetConfig.Nodes, NetConfig.Main) ever
// crosses this way: the same binary's main() reconstructs those identically
// on every re-exec, since it runs the same Go source each time. Only data
// that cannot be reconstructed — which role this process is playing, which
// node index it is, and the run's correlation ID — travels via environment.
const (
	envRole      = "TESTNET_ROLE"
	envNodeIndex = "TESTNET_NODE_INDEX"
	envRunID     = "TESTNET_RUN_ID"

	roleSwitch = "switch"
	roleNode   = "node"

	bridgeName = "testnet"
)

// Network is a running synthetic network. New returns one once the switch
// process has been spawned and its user/group ID maps written; Wait blocks
// until every node has exited and reports whether any of them failed.
type Network struct {
	switchProc *proc.Process
}

// New builds a synthetic multi-node network from cfg and starts it.
//
// New is also the re-exec dispatch point. A binary that embeds this package
// re-execs itself (via /proc/self/exe) to become the switch and, later, each
// node: the Go runtime cannot fork and keep running arbitrary managed code
// in the child the way a raw clone() can, so every "child process" in this
// design is actually the same binary started over from main(), which builds
// the identical NetConfig and calls New again. New recognises this on entry
// by checking TESTNET_ROLE and, if set, never returns: it runs the switch or
// node body and calls os.Exit directly, exactly as the calling process's top
// level would have no useful continuation anyway.
func New(cfg NetConfig) (*Network, error) {
	switch os.Getenv(envRole) {
	case roleSwitch:
		runSwitch(cfg)
		panic("unreachable")
	case roleNode:
		runNode(cfg)
		panic("unreachable")
	}

	nodes, err := normalizeNodes(cfg.Nodes)
	if err != nil {
		return nil, fmt.Errorf("testnet: %w", err)
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("testnet: at least one node is required")
	}

	if cfg.Main == nil {
		return nil, fmt.Errorf("testnet: NetConfig.Main is required")
	}

	sender, receiver, err := proc.NewPipeChannel()
	if err != nil {
		return nil, fmt.Errorf("testnet: allocate ready channel: %w", err)
	}
	defer receiver.Close()

	runID := uuid.New().String()[:8]

	p, err := proc.Spawn(
		unix.CLONE_NEWUSER|unix.CLONE_NEWNET|unix.CLONE_NEWUTS|unix.CLONE_NEWNS,
		[]*os.File{receiver.File()},
		map[string]string{envRole: roleSwitch, envRunID: runID},
	)
	if err != nil {
		return nil, fmt.Errorf("testnet: spawn switch: %w", err)
	}

	if err := writeIDMaps(p.ID()); err != nil {
		_ = sender.Close()
		return nil, fmt.Errorf("testnet: write id maps for switch pid %d: %w", p.ID(), err)
	}

	if err := sender.Close(); err != nil {
		return nil, fmt.Errorf("testnet: release switch: %w", err)
	}

	return &Network{switchProc: p}, nil
}

// Wait blocks until every node has exited and the switch has reaped them
// all. It returns an error if any node exited non-zero or by signal.
func (n *Network) Wait() error {
	outcome, err := n.switchProc.Wait()
	if err != nil {
		return fmt.Errorf("testnet: wait for switch: %w", err)
	}

	if !outcome.Ok() {
		return fmt.Errorf("testnet: some nodes failed (switch exited with %s)", outcome)
	}

	return nil
}

// writeIDMaps performs the unprivileged-user-namespace bootstrap dance: the
// setgroups=deny write must precede gid_map or the kernel rejects it.
func writeIDMaps(pid int) error {
	uidMap := fmt.Sprintf("0 %d 1", os.Getuid())
	gidMap := fmt.Sprintf("0 %d 1", os.Getgid())

	if err := os.WriteFile(fmt.Sprintf("/proc/%d/uid_map", pid), []byte(uidMap), 0); err != nil {
		return fmt.Errorf("write uid_map: %w", err)
	}

	if err := os.WriteFile(fmt.Sprintf("/proc/%d/setgroups", pid), []byte("deny"), 0); err != nil {
		return fmt.Errorf("write setgroups: %w", err)
	}

	if err := os.WriteFile(fmt.Sprintf("/proc/%d/gid_map", pid), []byte(gidMap), 0); err != nil {
		return fmt.Errorf("write gid_map: %w", err)
	}

	return nil
}
