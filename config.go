package testnet

import (
	"fmt"
	"net"
)

// defaultNetwork is the address pool used to assign node addresses that the
// caller did not specify. It matches the network the original implementation
// carves node addresses from.
var defaultNetwork = net.IPNet{
	IP:   net.IPv4(10, 84, 0, 0).To4(),
	Mask: net.CIDRMask(16, 32),
}

// NodeConfig describes one node of the network. Zero-valued fields are
// filled in with defaults by Network: Name defaults to "n<index>" and
// IfAddr defaults to the index-th host of 10.84.0.0/16.
type NodeConfig struct {
	// Name is the node's hostname inside the synthetic network.
	Name string
	// IfAddr is the address (and prefix length) assigned to the node's
	// inner veth interface.
	IfAddr net.IPNet
}

// NodeConfigFromName builds a NodeConfig with only the name set, letting the
// address default.
func NodeConfigFromName(name string) NodeConfig {
	return NodeConfig{Name: name}
}

func (c NodeConfig) isAddrSet() bool {
	return c.IfAddr.IP != nil && !c.IfAddr.IP.IsUnspecified()
}

// MainFunc is the function each node process runs after its namespace and
// network interface have been set up. It is reconstructed fresh in every
// node process by the embedding program's own main() rebuilding the same
// NetConfig, rather than being serialized across the re-exec boundary (see
// New), so any state it closes over must be safe to recompute identically on
// every invocation.
type MainFunc func(ctx *Context) error

// NetConfig is the input to New: the ordered list of nodes and the callback
// that runs on each of them.
type NetConfig struct {
	// Nodes is the ordered list of node configurations. len(Nodes) is the
	// node count; NodeConfig zero values get name/address defaults.
	Nodes []NodeConfig
	// Main runs once per node, in that node's own process.
	Main MainFunc
}

func nodeName(i int) string {
	return fmt.Sprintf("n%d", i)
}

// normalizeNodes fills in default names and addresses for any NodeConfig
// left zero-valued by the caller. It is deterministic and is called by New,
// by the switch process and by every node process, so every node process
// (and the /etc/hosts file) sees the same values.
func normalizeNodes(nodes []NodeConfig) ([]NodeConfig, error) {
	out := make([]NodeConfig, len(nodes))
	copy(out, nodes)
	for i := range out {
		if out[i].Name == "" {
			out[i].Name = nodeName(i)
		}
		if !out[i].isAddrSet() {
			addr, err := nthHost(defaultNetwork, i)
			if err != nil {
				return nil, fmt.Errorf("allocate default address for node %d: %w", i, err)
			}

			out[i].IfAddr = net.IPNet{IP: addr, Mask: defaultNetwork.Mask}
		}
	}

	return out, nil
}

// nthHost returns the i-th usable host address of network (0-indexed,
// skipping the network address itself).
func nthHost(network net.IPNet, i int) (net.IP, error) {
	ip4 := network.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("only IPv4 default networks are supported")
	}

	base := uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
	ones, bits := network.Mask.Size()
	hostBits := bits - ones
	maxHosts := uint32(1) << uint(hostBits)
	host := uint32(i + 1)
	if host >= maxHosts {
		return nil, fmt.Errorf("exhausted available IP address range")
	}

	addr := base + host
	return net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr)), nil
}
