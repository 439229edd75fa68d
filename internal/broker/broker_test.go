package broker

import (
	"bufio"
	"os"
	"testing"
	"time"

	"github.com/igankevich/testnet/internal/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// testNode is the switch-side view of a simulated node plus the node-side
// pipe ends a test goroutine drives directly, without spawning any real
// process or namespace.
type testNode struct {
	slot *Slot

	// nodeRead/nodeWrite are the node-side ends of the pipes: the node
	// reads replies from the switch on nodeRead and sends requests on
	// nodeWrite.
	nodeRead  *bufio.Reader
	nodeWrite *os.File

	exitWrite *os.File
}

func newTestNode(t *testing.T, name string) *testNode {
	t.Helper()
	nodeToSwitchR, nodeToSwitchW, err := os.Pipe()
	require.NoError(t, err)
	switchToNodeR, switchToNodeW, err := os.Pipe()
	require.NoError(t, err)
	exitR, exitW, err := os.Pipe()
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = nodeToSwitchR.Close()
		_ = switchToNodeW.Close()
		_ = exitR.Close()
	})

	return &testNode{
		slot: &Slot{
			Name:  name,
			R:     nodeToSwitchR,
			W:     switchToNodeW,
			WC:    switchToNodeW,
			PidFd: int(exitR.Fd()),
		},
		nodeRead:  bufio.NewReader(switchToNodeR),
		nodeWrite: nodeToSwitchW,
		exitWrite: exitW,
	}
}

func (n *testNode) send(t *testing.T, m wire.Message) {
	t.Helper()
	require.NoError(t, wire.Encode(n.nodeWrite, m))
}

func (n *testNode) recv(t *testing.T) wire.Message {
	t.Helper()
	m, err := wire.Decode(n.nodeRead)
	require.NoError(t, err)
	return m
}

func (n *testNode) kill(t *testing.T) {
	t.Helper()
	require.NoError(t, n.exitWrite.Close())
}

func runBroker(t *testing.T, nodes []*testNode) chan error {
	t.Helper()
	slots := make([]*Slot, len(nodes))
	for i, n := range nodes {
		slots[i] = n.slot
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	b := New(slots, UnixPoller{}, log.WithField("test", true))
	done := make(chan error, 1)
	go func() { done <- b.Run() }()
	return done
}

func TestBroadcastOneSendReceive(t *testing.T) {
	n0 := newTestNode(t, "n0")
	n1 := newTestNode(t, "n1")
	done := runBroker(t, []*testNode{n0, n1})

	n0.send(t, wire.Message{Tag: wire.TagBroadcastOneSend, Payload: []byte("ping")})
	n1.send(t, wire.Message{Tag: wire.TagBroadcastOneRecv})

	reply0 := n0.recv(t)
	require.Equal(t, wire.TagBroadcastOneWait, reply0.Tag)

	reply1 := n1.recv(t)
	require.Equal(t, wire.TagBroadcastOneSend, reply1.Tag)
	require.Equal(t, []byte("ping"), reply1.Payload)

	n0.kill(t)
	n1.kill(t)
	requireDoneSoon(t, done)
}

func TestBroadcastOneMixedReceiveAndWait(t *testing.T) {
	n0 := newTestNode(t, "n0")
	n1 := newTestNode(t, "n1")
	n2 := newTestNode(t, "n2")
	done := runBroker(t, []*testNode{n0, n1, n2})

	n0.send(t, wire.Message{Tag: wire.TagBroadcastOneSend, Payload: []byte("a")})
	n1.send(t, wire.Message{Tag: wire.TagBroadcastOneRecv})
	n2.send(t, wire.Message{Tag: wire.TagBroadcastOneWait})

	require.Equal(t, wire.TagBroadcastOneWait, n0.recv(t).Tag)
	reply1 := n1.recv(t)
	require.Equal(t, []byte("a"), reply1.Payload)
	require.Equal(t, wire.TagBroadcastOneWait, n2.recv(t).Tag)

	n0.kill(t)
	n1.kill(t)
	n2.kill(t)
	requireDoneSoon(t, done)
}

func TestBroadcastAllGathersInNodeOrder(t *testing.T) {
	n0 := newTestNode(t, "n0")
	n1 := newTestNode(t, "n1")
	n2 := newTestNode(t, "n2")
	done := runBroker(t, []*testNode{n0, n1, n2})

	n0.send(t, wire.Message{Tag: wire.TagBroadcastAllSend, Payload: []byte("a")})
	n1.send(t, wire.Message{Tag: wire.TagBroadcastAllSend, Payload: []byte("b")})
	n2.send(t, wire.Message{Tag: wire.TagBroadcastAllSend, Payload: []byte("c")})

	want := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	require.Equal(t, want, n0.recv(t).Payloads)
	require.Equal(t, want, n1.recv(t).Payloads)
	require.Equal(t, want, n2.recv(t).Payloads)

	n0.kill(t)
	n1.kill(t)
	n2.kill(t)
	requireDoneSoon(t, done)
}

func TestDeadSenderUnblocksWaitingReceiver(t *testing.T) {
	n0 := newTestNode(t, "n0")
	n1 := newTestNode(t, "n1")
	done := runBroker(t, []*testNode{n0, n1})

	n1.send(t, wire.Message{Tag: wire.TagBroadcastOneRecv})
	// n0 never sends; instead it dies outright.
	n0.kill(t)

	_, err := wire.Decode(n1.nodeRead)
	require.Error(t, err)

	n1.kill(t)
	requireDoneSoon(t, done)
}

func TestUnrelatedNodeExitDoesNotFailPendingReceiver(t *testing.T) {
	a := newTestNode(t, "a")
	b := newTestNode(t, "b")
	c := newTestNode(t, "c")
	done := runBroker(t, []*testNode{a, b, c})

	// b is already waiting to receive; a finishes all its work and exits
	// cleanly without ever taking part in this step, before c gets around
	// to sending. a's death must not poison b's still-satisfiable step.
	b.send(t, wire.Message{Tag: wire.TagBroadcastOneRecv})
	a.kill(t)

	time.Sleep(50 * time.Millisecond)

	c.send(t, wire.Message{Tag: wire.TagBroadcastOneSend, Payload: []byte("late")})

	reply := b.recv(t)
	require.Equal(t, wire.TagBroadcastOneSend, reply.Tag)
	require.Equal(t, []byte("late"), reply.Payload)
	require.Equal(t, wire.TagBroadcastOneWait, c.recv(t).Tag)

	b.kill(t)
	c.kill(t)
	requireDoneSoon(t, done)
}

func requireDoneSoon(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not terminate")
	}
}
