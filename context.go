package testnet

import (
	"fmt"

	"github.com/igankevich/testnet/internal/wire"
	"github.com/sirupsen/logrus"
)

// Context is the execution context handed to a node's MainFunc. It is
// created by the node process just before invoking Main and is never shared
// across nodes.
type Context struct {
	nodeIndex int
	nodes     []NodeConfig
	client    *wire.Client
	ifname    string
	step      uint64
	stepName  string
	log       *logrus.Entry
}

func newContext(nodeIndex int, nodes []NodeConfig, client *wire.Client, ifname string, log *logrus.Entry) *Context {
	return &Context{
		nodeIndex: nodeIndex,
		nodes:     nodes,
		client:    client,
		ifname:    ifname,
		log:       log,
	}
}

// CurrentNodeIndex returns the index of the node running this Context, in
// [0, len(Nodes())).
func (c *Context) CurrentNodeIndex() int {
	return c.nodeIndex
}

// CurrentNodeName returns the hostname of the node running this Context.
func (c *Context) CurrentNodeName() string {
	return c.nodes[c.nodeIndex].Name
}

// CurrentNodeIfname returns the name of the node's inner veth interface.
func (c *Context) CurrentNodeIfname() string {
	return c.ifname
}

// CurrentNode returns the configuration of the node running this Context.
func (c *Context) CurrentNode() *NodeConfig {
	return &c.nodes[c.nodeIndex]
}

// Nodes returns the configuration of every node in the network, in index
// order.
func (c *Context) Nodes() []NodeConfig {
	return c.nodes
}

// Step names the operation that follows, for diagnostic logging: testnet
// logs `step "<name>": ok` on success or `step "<name>": failed` if the
// step (or the whole node) fails before completing.
func (c *Context) Step(name string) {
	c.stepName = name
}

func (c *Context) nextStep() {
	c.step++
}

func (c *Context) stepOk() {
	if c.stepName != "" {
		c.log.Infof("step %q: ok", c.stepName)
		c.stepName = ""
	}
}

// stepFailed is called on error paths and from Close, mirroring the
// original's Drop impl: an incomplete named step is reported as failed.
func (c *Context) stepFailed() {
	if c.stepName != "" {
		c.log.Warnf("step %q: failed", c.stepName)
		c.stepName = ""
	}
}

// Close reports a failed step if Main returned while a step was in flight.
// The node entry point calls this after Main returns.
func (c *Context) Close() {
	c.stepFailed()
}

// BroadcastAll sends data from every node and returns the payloads received
// from all live nodes, in node-index order: while every node is live, the
// returned slice's i-th element is the payload node i sent. Nodes that have
// already exited contribute no element, so later positions shift down. It
// completes only once every live node has submitted its payload for this
// step.
func (c *Context) BroadcastAll(data []byte) ([][]byte, error) {
	c.nextStep()
	if err := checkPayloadSize(data); err != nil {
		c.stepFailed()
		return nil, err
	}

	if err := c.client.Send(wire.Message{Tag: wire.TagBroadcastAllSend, Payload: data}); err != nil {
		c.stepFailed()
		return nil, err
	}

	resp, err := c.client.Recv()
	if err != nil {
		c.stepFailed()
		return nil, err
	}

	if resp.Tag != wire.TagBroadcastAllRecv {
		c.stepFailed()
		return nil, fmt.Errorf("invalid response")
	}

	c.stepOk()
	return resp.Payloads, nil
}

// BroadcastAllString is a convenience wrapper around BroadcastAll for string
// payloads.
func (c *Context) BroadcastAllString(data string) ([]string, error) {
	payloads, err := c.BroadcastAll([]byte(data))
	if err != nil {
		return nil, err
	}

	out := make([]string, len(payloads))
	for i, p := range payloads {
		out[i] = string(p)
	}

	return out, nil
}

// BroadcastOne starts a one-to-many broadcast step. Exactly one node per
// step must call Send; every other live node must call Recv or Wait.
func (c *Context) BroadcastOne() *BroadcastOne {
	return &BroadcastOne{ctx: c}
}

// BroadcastOne is a scoped, single-use broadcast-one operation. It is
// constructed by Context.BroadcastOne and consumed by exactly one of Send,
// Recv, or Wait.
type BroadcastOne struct {
	ctx *Context
}

// Send submits data as the step's sender. Every other participant must call
// Recv or Wait in the same step.
func (b *BroadcastOne) Send(data []byte) error {
	ctx := b.ctx
	ctx.nextStep()
	if err := checkPayloadSize(data); err != nil {
		ctx.stepFailed()
		return err
	}

	if err := ctx.client.Send(wire.Message{Tag: wire.TagBroadcastOneSend, Payload: data}); err != nil {
		ctx.stepFailed()
		return err
	}

	resp, err := ctx.client.Recv()
	if err != nil {
		ctx.stepFailed()
		return err
	}

	if resp.Tag != wire.TagBroadcastOneWait {
		ctx.stepFailed()
		return fmt.Errorf("invalid response")
	}

	ctx.stepOk()
	return nil
}

// SendString is a convenience wrapper around Send for string payloads.
func (b *BroadcastOne) SendString(data string) error {
	return b.Send([]byte(data))
}

// Recv receives whatever data the step's sender submitted.
func (b *BroadcastOne) Recv() ([]byte, error) {
	ctx := b.ctx
	ctx.nextStep()
	if err := ctx.client.Send(wire.Message{Tag: wire.TagBroadcastOneRecv}); err != nil {
		ctx.stepFailed()
		return nil, err
	}

	resp, err := ctx.client.Recv()
	if err != nil {
		ctx.stepFailed()
		return nil, err
	}

	if resp.Tag != wire.TagBroadcastOneSend {
		ctx.stepFailed()
		return nil, fmt.Errorf("invalid response")
	}

	ctx.stepOk()
	return resp.Payload, nil
}

// RecvString is a convenience wrapper around Recv for string payloads.
func (b *BroadcastOne) RecvString() (string, error) {
	data, err := b.Recv()
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// Wait blocks until the current broadcast-one step completes without
// sending or receiving any data.
func (b *BroadcastOne) Wait() error {
	ctx := b.ctx
	ctx.nextStep()
	if err := ctx.client.Send(wire.Message{Tag: wire.TagBroadcastOneWait}); err != nil {
		ctx.stepFailed()
		return err
	}

	resp, err := ctx.client.Recv()
	if err != nil {
		ctx.stepFailed()
		return err
	}

	if resp.Tag != wire.TagBroadcastOneWait {
		ctx.stepFailed()
		return fmt.Errorf("invalid response")
	}

	ctx.stepOk()
	return nil
}

func checkPayloadSize(data []byte) error {
	if len(data) > wire.MaxMessageSize {
		return fmt.Errorf("payload of %s exceeds the %s limit",
			humanizeBytes(len(data)), humanizeBytes(wire.MaxMessageSize))
	}

	return nil
}
