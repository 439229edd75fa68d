// Package linkutil is a synchronous netlink route client used to build the
// virtual Ethernet fabric: bridges, veth pairs, link state, namespace moves
// and address assignment. It wraps github.com/vishvananda/netlink, which
// performs the sequence-number-matched netlink request/ack dance and
// surfaces every NACK as an error carrying the original errno.
package linkutil

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Client issues netlink route requests in the caller's current network
// namespace. It holds no socket between calls: each operation opens its
// own netlink socket, and kernel netlink sockets are bound to the namespace
// of their creator, so every request acts on the namespace the calling
// thread is in at that moment.
type Client struct{}

// New opens a netlink route client in the caller's current network
// namespace.
func New() (*Client, error) {
	return &Client{}, nil
}

// Close releases any resources held by the client. netlink.Handle-free
// operation (as used here) holds no socket between calls, but Close is kept
// for symmetry with the spec's "owns its socket" contract and to give
// future callers a single place to add netlink.NewHandle-based pooling.
func (c *Client) Close() error { return nil }

// NewBridge creates a bridge interface named name.
func (c *Client) NewBridge(name string) error {
	link := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(link); err != nil {
		return fmt.Errorf("create bridge %q: %w", name, err)
	}

	return nil
}

// NewVethPair creates a veth pair with the given outer and inner interface
// names, both initially in the caller's current namespace.
func (c *Client) NewVethPair(outer, inner string) error {
	link := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: outer},
		PeerName:  inner,
	}
	if err := netlink.LinkAdd(link); err != nil {
		return fmt.Errorf("create veth pair %q/%q: %w", outer, inner, err)
	}

	return nil
}

// SetUp brings ifname up.
func (c *Client) SetUp(ifname string) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("look up %q: %w", ifname, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %q up: %w", ifname, err)
	}

	return nil
}

// SetBridge sets ifname's master to the bridge identified by
// bridgeIndex.
func (c *Client) SetBridge(ifname string, bridgeIndex int) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("look up %q: %w", ifname, err)
	}

	bridge, err := netlink.LinkByIndex(bridgeIndex)
	if err != nil {
		return fmt.Errorf("look up bridge index %d: %w", bridgeIndex, err)
	}

	if err := netlink.LinkSetMaster(link, bridge); err != nil {
		return fmt.Errorf("set %q master to index %d: %w", ifname, bridgeIndex, err)
	}

	return nil
}

// SetNetworkNamespace moves ifname into the network namespace identified by
// targetNsFd.
func (c *Client) SetNetworkNamespace(ifname string, targetNsFd int) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("look up %q: %w", ifname, err)
	}

	if err := netlink.LinkSetNsFd(link, targetNsFd); err != nil {
		return fmt.Errorf("move %q to target namespace: %w", ifname, err)
	}

	return nil
}

// SetIfaddr assigns addr (a CIDR) to the interface identified by ifindex.
func (c *Client) SetIfaddr(ifindex int, addr net.IPNet) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("look up index %d: %w", ifindex, err)
	}

	nlAddr := &netlink.Addr{IPNet: &addr}
	if err := netlink.AddrAdd(link, nlAddr); err != nil {
		return fmt.Errorf("assign %s to index %d: %w", addr.String(), ifindex, err)
	}

	return nil
}

// Index returns the interface index of ifname.
func (c *Client) Index(ifname string) (int, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return 0, fmt.Errorf("look up %q: %w", ifname, err)
	}

	return link.Attrs().Index, nil
}
