package testnet

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/igankevich/testnet/internal/broker"
	"github.com/igankevich/testnet/internal/linkutil"
	"github.com/igankevich/testnet/internal/proc"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// runSwitch is the switch process's entire body. It never returns: it calls
// os.Exit once every node has been reaped.
func runSwitch(cfg NetConfig) {
	log := newLogger(roleSwitch, os.Getenv(envRunID))

	ready := proc.NewPipeReceiverFromFd(3, "ready")
	if err := ready.WaitUntilClosed(); err != nil {
		log.Errorf("wait for parent to release switch: %v", err)
		os.Exit(1)
	}

	if err := unix.Sethostname([]byte("switch")); err != nil {
		log.Warnf("set hostname: %v", err)
	}
	setProcessName("switch", log)

	nodes, err := normalizeNodes(cfg.Nodes)
	if err != nil {
		log.Errorf("normalize nodes: %v", err)
		os.Exit(1)
	}

	nl, err := linkutil.New()
	if err != nil {
		log.Errorf("open netlink client: %v", err)
		os.Exit(1)
	}
	defer nl.Close()

	if err := nl.NewBridge(bridgeName); err != nil {
		log.Errorf("create bridge: %v", err)
		os.Exit(1)
	}

	if err := nl.SetUp(bridgeName); err != nil {
		log.Errorf("bring bridge up: %v", err)
		os.Exit(1)
	}

	bridgeIndex, err := nl.Index(bridgeName)
	if err != nil {
		log.Errorf("look up bridge index: %v", err)
		os.Exit(1)
	}

	bindMountHosts(nodes, log)

	slots := make([]*broker.Slot, len(nodes))
	procs := make([]*proc.Process, len(nodes))
	for i, node := range nodes {
		slot, nodeProc, err := spawnNode(i, node, nl, bridgeIndex, log)
		if err != nil {
			log.Errorf("spawn node %q: %v", node.Name, err)
			os.Exit(1)
		}

		slots[i] = slot
		procs[i] = nodeProc
	}

	b := broker.New(slots, broker.UnixPoller{}, log)
	if err := b.Run(); err != nil {
		log.Errorf("broker: %v", err)
	}

	os.Exit(reapAll(nodes, procs, log))
}

// spawnNode creates a node's message, stdio and ns-ready pipes, re-execs it,
// then performs the veth reparenting dance that hands it its network
// interface.
func spawnNode(i int, node NodeConfig, nl *linkutil.Client, bridgeIndex int, log *logrus.Entry) (*broker.Slot, *proc.Process, error) {
	nodeToSwitchR, nodeToSwitchW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create node->switch pipe: %w", err)
	}

	switchToNodeR, switchToNodeW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create switch->node pipe: %w", err)
	}

	stdioR, stdioW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stdio pipe: %w", err)
	}

	nsReadyR, nsReadyW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create ns-ready pipe: %w", err)
	}

	// Handed to the node at fd 3, 4, 5, 6 respectively.
	extraFiles := []*os.File{nodeToSwitchW, switchToNodeR, stdioW, nsReadyR}
	env := map[string]string{
		envRole:      roleNode,
		envNodeIndex: fmt.Sprintf("%d", i),
		envRunID:     os.Getenv(envRunID),
	}

	p, err := proc.Spawn(unix.CLONE_NEWNET|unix.CLONE_NEWUTS, extraFiles, env)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn: %w", err)
	}

	// The switch's own copies of the fds it just handed to the node are
	// redundant; the node has its own via ExtraFiles.
	_ = nodeToSwitchW.Close()
	_ = switchToNodeR.Close()
	_ = stdioW.Close()
	_ = nsReadyR.Close()

	go relayStdio(node.Name, stdioR, log)

	outer := fmt.Sprintf("n%d", i)
	inner := fmt.Sprintf("veth%d", i)
	if err := nl.NewVethPair(outer, inner); err != nil {
		return nil, nil, fmt.Errorf("create veth pair: %w", err)
	}

	if err := nl.SetUp(outer); err != nil {
		return nil, nil, fmt.Errorf("bring up %q: %w", outer, err)
	}

	if err := nl.SetBridge(outer, bridgeIndex); err != nil {
		return nil, nil, fmt.Errorf("attach %q to bridge: %w", outer, err)
	}

	childNs, err := netns.GetFromPid(p.ID())
	if err != nil {
		return nil, nil, fmt.Errorf("open netns of pid %d: %w", p.ID(), err)
	}
	defer childNs.Close()

	if err := nl.SetNetworkNamespace(inner, int(childNs)); err != nil {
		return nil, nil, fmt.Errorf("move %q into node namespace: %w", inner, err)
	}

	// Signal the node that its veth has been moved: close our end of the
	// ns-ready pipe so the node's blocking read observes EOF.
	if err := nsReadyW.Close(); err != nil {
		return nil, nil, fmt.Errorf("signal ns-ready: %w", err)
	}

	slot := &broker.Slot{
		Name:  node.Name,
		R:     nodeToSwitchR,
		W:     switchToNodeW,
		WC:    switchToNodeW,
		PidFd: p.Fd(),
	}

	return slot, p, nil
}

// relayStdio copies a node's multiplexed stdout/stderr, line by line, into
// the switch's own log stream tagged with the node's name.
func relayStdio(name string, r *os.File, log *logrus.Entry) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		log.WithField("node", name).Info(scanner.Text())
	}
}

// reapAll waits for every node and returns the switch's exit code: 0 if all
// exited cleanly, 1 otherwise, after printing a per-node failure summary.
func reapAll(nodes []NodeConfig, procs []*proc.Process, log *logrus.Entry) int {
	var failures []string
	for i, p := range procs {
		outcome, err := p.Wait()
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: wait failed: %v", nodes[i].Name, err))
			continue
		}

		if !outcome.Ok() {
			failures = append(failures, fmt.Sprintf("%s: %s", nodes[i].Name, outcome))
		}
	}

	if len(failures) == 0 {
		return 0
	}

	log.Errorf("some nodes failed:\n  %s", strings.Join(failures, "\n  "))
	return 1
}
