package testnet

import (
	"fmt"
	"os"
	"strconv"

	"github.com/igankevich/testnet/internal/linkutil"
	"github.com/igankevich/testnet/internal/proc"
	"github.com/igankevich/testnet/internal/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// runNode is a node process's entire body. It never returns: it calls
// os.Exit with the status user code (or an internal failure) produced.
func runNode(cfg NetConfig) {
	idx, err := strconv.Atoi(os.Getenv(envNodeIndex))
	if err != nil {
		fmt.Fprintf(os.Stderr, "testnet: node: invalid %s=%q\n", envNodeIndex, os.Getenv(envNodeIndex))
		os.Exit(1)
	}

	nodeToSwitchW := os.NewFile(3, "node-to-switch")
	switchToNodeR := os.NewFile(4, "switch-to-node")
	stdio := os.NewFile(5, "stdio")
	nsReady := os.NewFile(6, "ns-ready")

	if err := redirectStdio(stdio); err != nil {
		fmt.Fprintf(os.Stderr, "testnet: node: redirect stdio: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(roleNode, os.Getenv(envRunID))

	nodes, err := normalizeNodes(cfg.Nodes)
	if err != nil {
		log.Errorf("normalize nodes: %v", err)
		os.Exit(1)
	}

	if idx < 0 || idx >= len(nodes) {
		log.Errorf("node index %d out of range [0, %d)", idx, len(nodes))
		os.Exit(1)
	}

	self := nodes[idx]
	if err := unix.Sethostname([]byte(self.Name)); err != nil {
		log.Warnf("set hostname: %v", err)
	}
	setProcessName(self.Name, log)

	readyRecv := proc.NewPipeReceiverFromFd(nsReady.Fd(), "ns-ready")
	if err := readyRecv.WaitUntilClosed(); err != nil {
		log.Errorf("wait for ns-ready: %v", err)
		os.Exit(1)
	}

	ifname := fmt.Sprintf("veth%d", idx)
	if err := configureInterfaces(ifname, self, log); err != nil {
		log.Errorf("configure interfaces: %v", err)
		os.Exit(1)
	}

	client := wire.NewClient(switchToNodeR, nodeToSwitchW, nodeToSwitchW)
	ctx := newContext(idx, nodes, client, ifname, log)

	code := runMain(cfg.Main, ctx, log)
	ctx.Close()
	_ = client.Close()
	os.Exit(code)
}

// redirectStdio duplicates stdio over fds 1 and 2 and closes fd 0, as the
// node bootstrap sequence requires: a node never reads from its own stdin.
func redirectStdio(stdio *os.File) error {
	if err := unix.Dup2(int(stdio.Fd()), 1); err != nil {
		return fmt.Errorf("dup2 stdout: %w", err)
	}

	if err := unix.Dup2(int(stdio.Fd()), 2); err != nil {
		return fmt.Errorf("dup2 stderr: %w", err)
	}

	_ = stdio.Close()
	return unix.Close(0)
}

// configureInterfaces brings up lo and the node's own veth end, then
// assigns it self.IfAddr. It opens its own netlink socket because kernel
// netlink sockets are bound to the namespace of their creator, and this
// runs after the node has entered its own network namespace.
func configureInterfaces(ifname string, self NodeConfig, log *logrus.Entry) error {
	nl, err := linkutil.New()
	if err != nil {
		return fmt.Errorf("open netlink client: %w", err)
	}
	defer nl.Close()

	if err := nl.SetUp("lo"); err != nil {
		return fmt.Errorf("bring up lo: %w", err)
	}

	if err := nl.SetUp(ifname); err != nil {
		return fmt.Errorf("bring up %q: %w", ifname, err)
	}

	ifindex, err := nl.Index(ifname)
	if err != nil {
		return fmt.Errorf("look up %q: %w", ifname, err)
	}

	if err := nl.SetIfaddr(ifindex, self.IfAddr); err != nil {
		return fmt.Errorf("assign address to %q: %w", ifname, err)
	}

	log.Debugf("configured %q with %s", ifname, self.IfAddr.String())
	return nil
}

// runMain invokes the user's MainFunc, converting a panic or error return
// into exit code 1.
func runMain(main MainFunc, ctx *Context, log *logrus.Entry) (code int) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("node 'main' panicked: %v", r)
			code = 1
		}
	}()

	if err := main(ctx); err != nil {
		log.Errorf("node 'main' failed: %v", err)
		return 1
	}

	return 0
}
