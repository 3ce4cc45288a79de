// Package remote models the actuator modules on the controller's RS-485
// link and the polling each one needs.
//
// The set of module kinds is closed: a Relay drives up to eight outputs and
// Unbound stands in for any ID nobody registered. Framing, CRC and retries
// belong to the Bus implementation; modules only decide which command to
// send and interpret replies.
package remote

import (
	"fmt"

	"github.com/roach88/wateringctl/internal/clock"
)

// ModuleID is a bus address. 0 is reserved for the unbound module.
type ModuleID uint8

// UnboundID is the ID reported by Unbound.
const UnboundID ModuleID = 0

// MaxModules is the number of modules a registry accepts.
const MaxModules = 10

// Command is the command byte of a bus message.
type Command byte

const (
	// CmdStatus asks "are you alive?". The reply parameter carries the
	// device status in byte 0 (0 = good) and error counters above it.
	CmdStatus Command = 100

	// CmdReadOutputs asks a relay for its outputs. Reply bits 0-7 are the
	// current states, bits 8-15 the targets.
	CmdReadOutputs Command = 101

	// CmdWriteOutputs sets a relay's outputs from bits 0-7 of the
	// parameter. The reply repeats the outputs now set.
	CmdWriteOutputs Command = 102

	// CmdUnrecognised is the reply to a command the module does not know.
	CmdUnrecognised Command = 255
)

// Polling intervals in milliseconds.
const (
	StatusInterval  = 120_000
	ReplyTimeout    = 15_000
	OutputsInterval = 90_000
)

// Health is the last known condition of a module.
type Health int

const (
	OK Health = iota
	NotResponding
	HasAnError
	CommandUnrecognised
)

func (h Health) String() string {
	switch h {
	case OK:
		return "ok"
	case NotResponding:
		return "not_responding"
	case HasAnError:
		return "has_an_error"
	case CommandUnrecognised:
		return "command_unrecognised"
	}
	return fmt.Sprintf("Health(%d)", int(h))
}

// Bus carries one message at a time to a module.
type Bus interface {
	// Free reports whether a new message can be sent.
	Free() bool

	// Send queues a message. It returns false if the bus refused it.
	Send(id ModuleID, cmd Command, param uint32) bool
}

// Module is one device on the bus.
type Module interface {
	ID() ModuleID

	// Tick sends at most one message when the module needs attention.
	Tick(now clock.Ticks, bus Bus)

	// Receive handles a reply and reports whether it was understood.
	Receive(now clock.Ticks, cmd Command, param uint32) bool

	Health() Health
	StatusCode() uint32

	module()
}

// link holds the request/reply bookkeeping common to every module.
type link struct {
	id         ModuleID
	health     Health
	statusCode uint32

	sentAt    clock.Ticks
	sent      bool
	waiting   bool
	statusAt  clock.Ticks
	hadStatus bool
}

func (l *link) ID() ModuleID { return l.id }
func (l *link) Health() Health { return l.health }
func (l *link) StatusCode() uint32 { return l.statusCode }
func (l *link) module() {}

func (l *link) sentRecently(now clock.Ticks) bool {
	return l.sent && now.Sub(l.sentAt) < ReplyTimeout
}

// expire marks the module as not responding when the last request went
// unanswered for longer than ReplyTimeout.
func (l *link) expire(now clock.Ticks) {
	if l.waiting && !l.sentRecently(now) {
		l.waiting = false
		l.health = NotResponding
	}
}

func (l *link) send(now clock.Ticks, bus Bus, cmd Command, param uint32) bool {
	l.sentAt = now
	l.sent = true
	l.waiting = true
	return bus.Send(l.id, cmd, param)
}

// replied records any answer from the module.
func (l *link) replied() {
	l.waiting = false
	if l.health == NotResponding {
		l.health = OK
	}
}

func (l *link) checkStatusOccasionally(now clock.Ticks, bus Bus) {
	if !l.hadStatus || now.Sub(l.statusAt) > StatusInterval {
		l.send(now, bus, CmdStatus, 0)
	}
}

// receive handles the replies every module understands.
func (l *link) receive(now clock.Ticks, cmd Command, param uint32) bool {
	switch cmd {
	case CmdStatus:
		l.replied()
		l.statusAt = now
		l.hadStatus = true
		l.statusCode = param
		if param&0xFF == 0 {
			l.health = OK
		} else {
			l.health = HasAnError
		}
		return true
	case CmdUnrecognised:
		l.replied()
		l.statusAt = now
		l.hadStatus = true
		l.statusCode = param
		l.health = CommandUnrecognised
		return true
	}
	return false
}

// Unbound is the module returned for an unregistered ID. It never sends and
// ignores every reply.
type Unbound struct{}

func (Unbound) ID() ModuleID { return UnboundID }
func (Unbound) Tick(clock.Ticks, Bus) {}
func (Unbound) Receive(clock.Ticks, Command, uint32) bool { return false }
func (Unbound) Health() Health { return OK }
func (Unbound) StatusCode() uint32 { return 0 }
func (Unbound) module() {}

// Registry is the set of modules on the bus, built once at startup.
type Registry struct {
	modules []Module
}

// NewRegistry registers modules in order. IDs must be unique and non-zero.
func NewRegistry(modules ...Module) (*Registry, error) {
	if len(modules) > MaxModules {
		return nil, fmt.Errorf("%d modules configured, maximum is %d", len(modules), MaxModules)
	}
	seen := make(map[ModuleID]bool, len(modules))
	for _, m := range modules {
		if m.ID() == UnboundID {
			return nil, fmt.Errorf("module id %d is reserved", UnboundID)
		}
		if seen[m.ID()] {
			return nil, fmt.Errorf("module id %d registered twice", m.ID())
		}
		seen[m.ID()] = true
	}
	return &Registry{modules: append([]Module(nil), modules...)}, nil
}

// Module returns the module with id, or Unbound.
func (r *Registry) Module(id ModuleID) Module {
	for _, m := range r.modules {
		if m.ID() == id {
			return m
		}
	}
	return Unbound{}
}

// Relay returns the relay with id.
func (r *Registry) Relay(id ModuleID) (*Relay, bool) {
	relay, ok := r.Module(id).(*Relay)
	return relay, ok
}

// Modules returns the registered modules in registration order.
func (r *Registry) Modules() []Module {
	return append([]Module(nil), r.modules...)
}

// Tick gives every module a chance to use the bus.
func (r *Registry) Tick(now clock.Ticks, bus Bus) {
	for _, m := range r.modules {
		m.Tick(now, bus)
	}
}

// Deliver routes a reply to its module.
func (r *Registry) Deliver(now clock.Ticks, id ModuleID, cmd Command, param uint32) bool {
	return r.Module(id).Receive(now, cmd, param)
}
