package testnet

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const hostsTarget = "/etc/hosts"

// bindMountHosts writes a synthetic hosts file listing every node's address
// and name, then bind-mounts it over /etc/hosts inside the switch's (already
// private, via CLONE_NEWNS) mount namespace. Mount failure is downgraded to
// a warning: hostname resolution between nodes is best-effort, addressing
// by IP always works regardless.
func bindMountHosts(nodes []NodeConfig, log *logrus.Entry) {
	var b strings.Builder
	b.WriteString("127.0.0.1 localhost\n")
	for _, n := range nodes {
		fmt.Fprintf(&b, "%s %s\n", n.IfAddr.IP.String(), n.Name)
	}

	f, err := os.CreateTemp("", "testnet-hosts-*")
	if err != nil {
		log.Warnf("create hosts file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		log.Warnf("write hosts file: %v", err)
		return
	}

	if err := unix.Mount(f.Name(), hostsTarget, "", unix.MS_BIND, ""); err != nil {
		log.Warnf("bind-mount %s over %s: %v", f.Name(), hostsTarget, err)
	}
}
