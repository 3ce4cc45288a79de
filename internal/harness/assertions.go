package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/wateringctl/internal/clock"
	"github.com/roach88/wateringctl/internal/controller"
	"github.com/roach88/wateringctl/internal/valve"
)

// evaluateCheck compares controller state after the tick with c. Each
// mismatch is added to result as a separate error.
func evaluateCheck(ctrl *controller.Controller, now clock.Timestamp, c *Check, result *Result) {
	_ = ctrl.Do(func(ops controller.Ops) error {
		if c.ValvesOn != nil {
			checkValvesOn(ops.Valves, c, result)
		}

		seq := ops.Scheduler.ValveSequence(uint8(c.Sequence))
		if c.Elapsed != nil {
			if got := seq.Elapsed(now); got != *c.Elapsed {
				result.AddError(fmt.Sprintf("t=%d sequence %d: elapsed %d, want %d", c.At, c.Sequence, got, *c.Elapsed))
			}
		}
		if c.Remaining != nil {
			if got := seq.Remaining(now); got != *c.Remaining {
				result.AddError(fmt.Sprintf("t=%d sequence %d: remaining %d, want %d", c.At, c.Sequence, got, *c.Remaining))
			}
		}
		return nil
	})

	if c.Fault != "" {
		if got := ctrl.Faults().Last().String(); got != c.Fault {
			result.AddError(fmt.Sprintf("t=%d: fault %s, want %s", c.At, got, c.Fault))
		}
	}
}

func checkValvesOn(valves *valve.Registry, c *Check, result *Result) {
	var got []string
	for _, id := range valves.Open() {
		got = append(got, valves.Name(id))
	}
	want := slices.Clone(*c.ValvesOn)
	slices.Sort(got)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		result.AddError(fmt.Sprintf("t=%d: valves on [%s], want [%s]",
			c.At, strings.Join(got, ", "), strings.Join(want, ", ")))
	}
}
