package testnet

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeNodesDefaultsNames(t *testing.T) {
	nodes, err := normalizeNodes([]NodeConfig{{}, {}, NodeConfigFromName("custom")})
	require.NoError(t, err)

	require.Equal(t, "n0", nodes[0].Name)
	require.Equal(t, "n1", nodes[1].Name)
	require.Equal(t, "custom", nodes[2].Name)
}

func TestNormalizeNodesDefaultsAddresses(t *testing.T) {
	nodes, err := normalizeNodes([]NodeConfig{{}, {}})
	require.NoError(t, err)

	require.Equal(t, "10.84.0.1", nodes[0].IfAddr.IP.String())
	require.Equal(t, "10.84.0.2", nodes[1].IfAddr.IP.String())

	ones, bits := nodes[0].IfAddr.Mask.Size()
	require.Equal(t, 16, ones)
	require.Equal(t, 32, bits)
}

func TestNormalizeNodesKeepsExplicitAddress(t *testing.T) {
	want := net.IPNet{IP: net.IPv4(192, 168, 1, 5).To4(), Mask: net.CIDRMask(24, 32)}
	nodes, err := normalizeNodes([]NodeConfig{{IfAddr: want}})
	require.NoError(t, err)

	require.Equal(t, want.IP.String(), nodes[0].IfAddr.IP.String())
	require.Equal(t, want.Mask.String(), nodes[0].IfAddr.Mask.String())
}

func TestNthHostExhaustedRange(t *testing.T) {
	tiny := net.IPNet{IP: net.IPv4(10, 0, 0, 0).To4(), Mask: net.CIDRMask(30, 32)}

	// A /30 has 4 addresses total; host offsets 1-3 are assignable (offset
	// 0 is the network address), so i=0,1,2 succeed and i=3 overruns them.
	for i := 0; i < 3; i++ {
		_, err := nthHost(tiny, i)
		require.NoError(t, err)
	}

	_, err := nthHost(tiny, 3)
	require.Error(t, err)
}

func TestNthHostRejectsIPv6Network(t *testing.T) {
	v6 := net.IPNet{IP: net.ParseIP("fd00::1"), Mask: net.CIDRMask(64, 128)}

	_, err := nthHost(v6, 0)
	require.Error(t, err)
}
