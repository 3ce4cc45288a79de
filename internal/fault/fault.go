// Package fault holds the "last fault code" diagnostic register.
//
// Programmer errors inside the core (dereferencing a freed arena handle, an
// element index past the end of an array, a broken sort invariant) are not
// returned to callers. They are written here and the offending call becomes a
// safe no-op. On the controller the register drives the status indicator; the
// correct remedy for a non-zero code is a reset, not a retry.
package fault

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Code identifies a fault. Zero means no fault has been recorded.
type Code uint8

const (
	None Code = iota
	ArrayUsedWhileInvalid
	ArrayDeallocatedTwice
	ArrayElementOutOfBounds
	InvariantFailed
	ParameterOutOfRange
	IndexOutOfBounds
)

var codeNames = [...]string{
	None:                    "None",
	ArrayUsedWhileInvalid:   "ArrayUsedWhileInvalid",
	ArrayDeallocatedTwice:   "ArrayDeallocatedTwice",
	ArrayElementOutOfBounds: "ArrayElementOutOfBounds",
	InvariantFailed:         "InvariantFailed",
	ParameterOutOfRange:     "ParameterOutOfRange",
	IndexOutOfBounds:        "IndexOutOfBounds",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", uint8(c))
}

// Register stores the most recent fault code.
//
// The control loop is the only writer. The value is atomic so the monitor
// can read it from its HTTP goroutine without joining the loop's lock.
type Register struct {
	last   atomic.Uint32
	count  atomic.Uint32
	logger *slog.Logger
}

// NewRegister creates an empty register. A nil logger discards log output.
func NewRegister(logger *slog.Logger) *Register {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Register{logger: logger}
}

// Process is the register used when a component is not given its own.
var Process = NewRegister(nil)

// Raise records code as the last fault.
func (r *Register) Raise(code Code, attrs ...any) {
	if code == None {
		return
	}
	r.last.Store(uint32(code))
	r.count.Add(1)
	r.logger.Warn("fault raised", append([]any{"code", code.String()}, attrs...)...)
}

// Last returns the most recent fault, or None.
func (r *Register) Last() Code {
	return Code(r.last.Load())
}

// Count returns how many faults were raised since the last Clear.
func (r *Register) Count() int {
	return int(r.count.Load())
}

// Clear resets the register.
func (r *Register) Clear() {
	r.last.Store(0)
	r.count.Store(0)
}
