package remote

import (
	"fmt"

	"github.com/roach88/wateringctl/internal/clock"
)

// RelayOutputs is the number of outputs on a relay module. Output 0 is held
// on to keep the module out of its power-up state; 1 to 7 drive valves.
const RelayOutputs = 8

// Relay drives the outputs of one relay module.
//
// Each tick sends at most one message, in priority order: a write when the
// target outputs differ from what the module last reported, a read when
// the reported outputs are older than OutputsInterval, otherwise the
// occasional status check.
type Relay struct {
	link

	target    uint8
	reported  uint8
	reportAt  clock.Ticks
	hadReport bool
}

// NewRelay creates a relay with every valve output off.
func NewRelay(id ModuleID) *Relay {
	return &Relay{link: link{id: id}, target: 1}
}

// SetOutput sets the target state of output n, 1 to 7.
func (r *Relay) SetOutput(n int, on bool) error {
	if n < 1 || n >= RelayOutputs {
		return fmt.Errorf("relay output %d out of range 1-%d", n, RelayOutputs-1)
	}
	if on {
		r.target |= 1 << n
	} else {
		r.target &^= 1 << n
	}
	return nil
}

// Target returns the outputs the relay should have, bit n for output n.
func (r *Relay) Target() uint8 { return r.target }

// Reported returns the outputs the module last reported.
func (r *Relay) Reported() uint8 { return r.reported }

// InSync reports whether the module confirmed the target outputs.
func (r *Relay) InSync() bool { return r.hadReport && r.reported == r.target }

// Tick implements Module.
func (r *Relay) Tick(now clock.Ticks, bus Bus) {
	if !bus.Free() || r.sentRecently(now) {
		return
	}
	r.expire(now)

	switch {
	case r.reported != r.target:
		r.send(now, bus, CmdWriteOutputs, uint32(r.target))
	case !r.hadReport || now.Sub(r.reportAt) > OutputsInterval:
		r.send(now, bus, CmdReadOutputs, 0)
	default:
		r.checkStatusOccasionally(now, bus)
	}
}

// Receive implements Module. Output reads and writes both report the
// module's current outputs.
func (r *Relay) Receive(now clock.Ticks, cmd Command, param uint32) bool {
	if r.receive(now, cmd, param) {
		return true
	}
	switch cmd {
	case CmdReadOutputs, CmdWriteOutputs:
		r.replied()
		r.reported = uint8(param & 0xFF)
		r.reportAt = now
		r.hadReport = true
		return true
	}
	return false
}
