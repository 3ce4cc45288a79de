package remote

import "github.com/roach88/wateringctl/internal/clock"

type message struct {
	id    ModuleID
	cmd   Command
	param uint32
}

// Loopback is an in-process Bus that answers as a set of ideal relay
// modules would. It holds one message in flight; Deliver answers it.
type Loopback struct {
	inFlight *message
	outputs  map[ModuleID]uint8
	offline  map[ModuleID]bool
	sent     int
}

// NewLoopback creates a bus with every module connected.
func NewLoopback() *Loopback {
	return &Loopback{
		outputs: make(map[ModuleID]uint8),
		offline: make(map[ModuleID]bool),
	}
}

func (b *Loopback) Free() bool { return b.inFlight == nil }

func (b *Loopback) Send(id ModuleID, cmd Command, param uint32) bool {
	if b.inFlight != nil {
		return false
	}
	b.inFlight = &message{id: id, cmd: cmd, param: param}
	b.sent++
	return true
}

// Disconnect makes id stop answering. Messages to it are dropped.
func (b *Loopback) Disconnect(id ModuleID) { b.offline[id] = true }

// Connect reverses Disconnect.
func (b *Loopback) Connect(id ModuleID) { delete(b.offline, id) }

// Outputs returns the outputs currently set on module id.
func (b *Loopback) Outputs(id ModuleID) uint8 { return b.outputs[id] }

// Sent returns the number of messages accepted so far.
func (b *Loopback) Sent() int { return b.sent }

// Deliver answers the message in flight and routes the reply to reg.
func (b *Loopback) Deliver(now clock.Ticks, reg *Registry) {
	msg := b.inFlight
	if msg == nil {
		return
	}
	b.inFlight = nil
	if b.offline[msg.id] {
		return
	}

	switch msg.cmd {
	case CmdStatus:
		reg.Deliver(now, msg.id, CmdStatus, 0)
	case CmdReadOutputs:
		reg.Deliver(now, msg.id, CmdReadOutputs, uint32(b.outputs[msg.id]))
	case CmdWriteOutputs:
		b.outputs[msg.id] = uint8(msg.param)
		reg.Deliver(now, msg.id, CmdWriteOutputs, uint32(b.outputs[msg.id]))
	default:
		reg.Deliver(now, msg.id, CmdUnrecognised, uint32(msg.cmd))
	}
}
