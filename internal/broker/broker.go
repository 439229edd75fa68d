// Package broker implements the switch-side, single-threaded cooperative
// broadcast coordinator described by the step-synchronous protocol: N node
// slots, each in one state at a time, driven by a poll loop over their pipe
// and pidfd descriptors.
package broker

import (
	"fmt"
	"io"
	"os"

	"github.com/igankevich/testnet/internal/wire"
	"github.com/sirupsen/logrus"
)

// State is one node slot's position in the broadcast-one/broadcast-all
// state machine.
type State int

const (
	Idle State = iota
	OneSender
	OneReceiver
	OneWaiter
	AllSender
	Dead
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case OneSender:
		return "OneSender"
	case OneReceiver:
		return "OneReceiver"
	case OneWaiter:
		return "OneWaiter"
	case AllSender:
		return "AllSender"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Slot is one node's connection to the broker: its pipes, a poll-able
// handle on its process, and its current protocol state.
type Slot struct {
	Name string
	// R is the read end of the node->switch pipe (decoded into messages),
	// kept as a raw *os.File so the broker can poll its descriptor.
	R *os.File
	// W is the write end of the switch->node pipe (encoded messages are
	// written here). WC additionally closes the underlying descriptor.
	W  io.Writer
	WC io.Closer
	// PidFd polls the node's process for termination; -1 if unavailable.
	PidFd int

	reader  *bufReader
	state   State
	payload []byte
}

// Broker runs the broadcast-one/broadcast-all protocol across all node
// slots until every node is Dead.
type Broker struct {
	slots []*Slot
	log   *logrus.Entry
	poll  Poller
}

// Poller abstracts the event-wait primitive so the state machine can be
// unit tested without real pidfds (see broker_test.go); Linux builds use a
// unix.Poll-backed implementation (see poll_linux.go).
type Poller interface {
	// Wait blocks until at least one of the given fds is readable, then
	// returns the indices of fds that are readable. fds[i] is readable
	// iff i is present in the returned slice.
	Wait(fds []int) ([]int, error)
}

// New builds a Broker over the given slots, using poll as the readiness
// primitive.
func New(slots []*Slot, poll Poller, log *logrus.Entry) *Broker {
	for _, s := range slots {
		s.reader = newBufReader(s.R)
	}

	return &Broker{slots: slots, log: log, poll: poll}
}

// Run drives the broker's event loop until every node is Dead, then
// returns. It never returns an error for individual node protocol
// violations — those are handled by terminating the offending node(s) and
// logging — only for conditions that make the whole broker unusable.
func (b *Broker) Run() error {
	for {
		live := b.liveSlots()
		if len(live) == 0 {
			return nil
		}

		fds := make([]int, 0, len(live)*2)
		fdOwner := make([]*Slot, 0, len(live)*2)
		fdIsPid := make([]bool, 0, len(live)*2)
		for _, s := range live {
			fds = append(fds, fdFromReader(s.reader))
			fdOwner = append(fdOwner, s)
			fdIsPid = append(fdIsPid, false)
			if s.PidFd >= 0 {
				fds = append(fds, s.PidFd)
				fdOwner = append(fdOwner, s)
				fdIsPid = append(fdIsPid, true)
			}
		}

		ready, err := b.poll.Wait(fds)
		if err != nil {
			return fmt.Errorf("broker poll: %w", err)
		}

		for _, idx := range ready {
			slot := fdOwner[idx]
			if fdIsPid[idx] {
				b.markDead(slot)
				continue
			}

			b.handleReadable(slot)
		}

		b.tryCompleteStep()
	}
}

func (b *Broker) liveSlots() []*Slot {
	out := make([]*Slot, 0, len(b.slots))
	for _, s := range b.slots {
		if s.state != Dead {
			out = append(out, s)
		}
	}

	return out
}

func (b *Broker) handleReadable(slot *Slot) {
	m, err := wire.Decode(slot.reader.r)
	if err != nil {
		b.log.WithField("node", slot.Name).Warnf("protocol violation: %v", err)
		b.terminate(slot)
		return
	}

	switch m.Tag {
	case wire.TagBroadcastOneSend:
		if slot.state == OneSender {
			// A second send from the same node without the step
			// completing is itself a protocol violation.
			b.log.WithField("node", slot.Name).Warn("duplicate BroadcastOneSend in the same step")
			b.terminate(slot)
			return
		}

		slot.state = OneSender
		slot.payload = m.Payload
	case wire.TagBroadcastOneRecv:
		slot.state = OneReceiver
	case wire.TagBroadcastOneWait:
		slot.state = OneWaiter
	case wire.TagBroadcastAllSend:
		slot.state = AllSender
		slot.payload = m.Payload
	default:
		b.log.WithField("node", slot.Name).Warnf("unexpected message %s from node", m.Tag)
		b.terminate(slot)
	}
}

// markDead is called when a slot's pidfd becomes readable: its process has
// exited. Any node left unable to complete its current step because of this
// has its pipe closed so its next read surfaces a broken-pipe error.
func (b *Broker) markDead(slot *Slot) {
	if slot.state == Dead {
		return
	}

	priorState := slot.state
	b.log.WithField("node", slot.Name).Info("node exited")
	slot.state = Dead
	b.closeUnsatisfiable(priorState)
}

// terminate fails a slot because of a protocol violation it caused: its
// inbound pipe is closed so its next read fails, it is marked Dead, and
// every other live node's pipe is closed if that makes their current step
// unsatisfiable.
func (b *Broker) terminate(slot *Slot) {
	priorState := slot.state
	b.failSlot(slot)
	b.closeUnsatisfiable(priorState)
}

// closeUnsatisfiable closes the switch->node write pipe for every live
// OneReceiver when diedState is OneSender, i.e. when the node that died or
// was terminated was this step's sender. Receivers left without any live
// node that could still send after a node in another state dies are failed
// by tryCompleteStep instead.
func (b *Broker) closeUnsatisfiable(diedState State) {
	if diedState != OneSender {
		return
	}

	for _, s := range b.liveSlots() {
		if s.state == OneReceiver {
			b.failSlot(s)
		}
	}
}

// failSlot closes a node's inbound pipe so its next blocking read returns a
// broken-pipe error, and marks it Dead so the broker stops tracking it.
func (b *Broker) failSlot(s *Slot) {
	if s.WC != nil {
		_ = s.WC.Close()
	}

	s.state = Dead
}

func (b *Broker) tryCompleteStep() {
	live := b.liveSlots()
	if len(live) == 0 {
		return
	}

	senders := 0
	var senderSlot *Slot
	receivers := make([]*Slot, 0, len(live))
	waiters := make([]*Slot, 0, len(live))
	allSenders := make([]*Slot, 0, len(live))
	idleOrOther := 0
	for _, s := range live {
		switch s.state {
		case OneSender:
			senders++
			senderSlot = s
		case OneReceiver:
			receivers = append(receivers, s)
		case OneWaiter:
			waiters = append(waiters, s)
		case AllSender:
			allSenders = append(allSenders, s)
		default:
			idleOrOther++
		}
	}

	if senders > 1 {
		b.log.Warn("multiple BroadcastOneSend in the same step: terminating all nodes")
		for _, s := range live {
			s.state = Dead
			if s.WC != nil {
				_ = s.WC.Close()
			}
		}

		return
	}

	if senders == 0 && len(receivers) > 0 && len(allSenders) == 0 && idleOrOther == 0 && len(live) < len(b.slots) {
		// A node has died and no live node is left that could still send
		// for this step: fail every remaining participant.
		for _, s := range append(receivers, waiters...) {
			b.failSlot(s)
		}

		return
	}

	oneCount := senders + len(receivers) + len(waiters)
	allCount := len(allSenders)
	if oneCount > 0 && allCount > 0 {
		// Mixed-mode: stragglers permitted, keep reading.
		return
	}

	if allCount > 0 {
		if allCount != len(live) {
			return
		}

		b.completeBroadcastAll(allSenders)
		return
	}

	if senders == 1 {
		if oneCount != len(live) {
			return
		}

		b.completeBroadcastOne(senderSlot, receivers, waiters)
		return
	}

	if senders == 0 && len(receivers) == 0 && len(waiters) > 0 && oneCount == len(live) {
		// Zero senders, only waiters: the step advances with nothing
		// transmitted.
		b.completeBroadcastOne(nil, nil, waiters)
	}
}

func (b *Broker) completeBroadcastOne(sender *Slot, receivers, waiters []*Slot) {
	var payload []byte
	if sender != nil {
		payload = sender.payload
	}

	for _, r := range receivers {
		if err := wire.Encode(r.W, wire.Message{Tag: wire.TagBroadcastOneSend, Payload: payload}); err != nil {
			b.log.WithField("node", r.Name).Warnf("deliver broadcast-one payload: %v", err)
		}

		r.state = Idle
	}

	notify := waiters
	if sender != nil {
		notify = append(append([]*Slot{}, waiters...), sender)
	}

	for _, s := range notify {
		if err := wire.Encode(s.W, wire.Message{Tag: wire.TagBroadcastOneWait}); err != nil {
			b.log.WithField("node", s.Name).Warnf("acknowledge broadcast-one: %v", err)
		}

		s.state = Idle
	}
}

func (b *Broker) completeBroadcastAll(senders []*Slot) {
	// senders was built by iterating b.slots in node-index order (via
	// liveSlots), so payloads are in node-index order. Dead nodes are not
	// included: positions match node indices only while every node is live.
	payloads := make([][]byte, len(senders))
	for i, s := range senders {
		payloads[i] = s.payload
	}

	for _, s := range senders {
		if err := wire.Encode(s.W, wire.Message{Tag: wire.TagBroadcastAllRecv, Payloads: payloads}); err != nil {
			b.log.WithField("node", s.Name).Warnf("deliver broadcast-all payloads: %v", err)
		}

		s.state = Idle
	}
}
