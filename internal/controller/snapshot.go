package controller

import (
	"slices"

	"github.com/roach88/wateringctl/internal/arena"
	"github.com/roach88/wateringctl/internal/clock"
	"github.com/roach88/wateringctl/internal/config"
	"github.com/roach88/wateringctl/internal/scheduler"
	"github.com/roach88/wateringctl/internal/sequence"
	"github.com/roach88/wateringctl/internal/valve"
)

// ValveState is one valve in a Snapshot.
type ValveState struct {
	ID          valve.ID `json:"id"`
	Name        string   `json:"name"`
	On          bool     `json:"on"`
	FlowRateLPM float64  `json:"flow_rate_lpm"`
}

// SequenceState is one sequence in a Snapshot.
type SequenceState struct {
	Index int `json:"index"`
	sequence.Status
}

// ModuleState is one remote module in a Snapshot.
type ModuleState struct {
	ID         int    `json:"id"`
	Health     string `json:"health"`
	StatusCode uint32 `json:"status_code"`
	Target     uint8  `json:"target"`
	Reported   uint8  `json:"reported"`
	InSync     bool   `json:"in_sync"`
}

// FaultState is the fault register in a Snapshot.
type FaultState struct {
	Last  string `json:"last"`
	Count int    `json:"count"`
}

// Snapshot is a copy of the controller's state at the last tick.
type Snapshot struct {
	Now       clock.Timestamp   `json:"now"`
	Local     string            `json:"local"`
	Valves    []ValveState      `json:"valves"`
	Sequences []SequenceState   `json:"sequences"`
	Modules   []ModuleState     `json:"modules"`
	Arena     arena.Stats       `json:"arena"`
	Arrays    []arena.ArrayInfo `json:"arrays"`
	Faults    FaultState        `json:"faults"`
	FlowLPM   float64           `json:"flow_lpm"`
}

// Snapshot copies the current state. It is safe to call while Run is
// ticking.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Now:    c.now,
		Local:  c.now.Format(c.cfg.ZoneMinutes),
		Arena:  c.pool.Stats(),
		Arrays: c.pool.Arrays(),
		Faults: FaultState{Last: c.faults.Last().String(), Count: c.faults.Count()},
	}
	for i := 0; i < c.valves.Len(); i++ {
		id := valve.ID(i)
		on := c.valves.CurrentState(id)
		s.Valves = append(s.Valves, ValveState{
			ID:          id,
			Name:        c.valves.Name(id),
			On:          on,
			FlowRateLPM: c.valves.FlowRateLPM(id),
		})
		if on {
			s.FlowLPM += c.valves.FlowRateLPM(id)
		}
	}
	for i := 0; i < c.sched.SequenceCount(); i++ {
		s.Sequences = append(s.Sequences, SequenceState{
			Index:  i,
			Status: c.sched.ValveSequence(uint8(i)).Snapshot(c.now),
		})
	}
	for _, m := range c.modules.Modules() {
		ms := ModuleState{
			ID:         int(m.ID()),
			Health:     m.Health().String(),
			StatusCode: m.StatusCode(),
		}
		if r, ok := c.modules.Relay(m.ID()); ok {
			ms.Target, ms.Reported, ms.InSync = r.Target(), r.Reported(), r.InSync()
		}
		s.Modules = append(s.Modules, ms)
	}
	return s
}

// Export rebuilds a configuration from the live state. Sequences are
// rebuilt from their transitions. Schedules that are unused, or whose
// sequence index lies past the end of the collection, are left out.
func (c *Controller) Export() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := &config.Config{
		PoolSize:    c.pool.Capacity(),
		ZoneMinutes: c.cfg.ZoneMinutes,
		Valves:      c.valves.Configs(),
		Modules:     slices.Clone(c.cfg.Modules),
		Routes:      slices.Clone(c.cfg.Routes),
	}
	for i := 0; i < c.sched.SequenceCount(); i++ {
		seq := c.sched.ValveSequence(uint8(i))
		out.Sequences = append(out.Sequences, config.Sequence{
			Periods: c.periods(seq.Transitions()),
		})
	}
	bound := func(seq uint8) bool {
		return seq != scheduler.UnusedIndex && int(seq) < len(out.Sequences)
	}
	for i := 0; i < c.sched.WeeklyCount(); i++ {
		w := c.sched.WeeklySchedule(uint8(i)).Load()
		if bound(w.Sequence) {
			out.Weekly = append(out.Weekly, config.WeeklyFrom(w))
		}
	}
	for i := 0; i < c.sched.DailyCount(); i++ {
		d := c.sched.DailySchedule(uint8(i)).Load()
		if bound(d.Sequence) {
			out.Daily = append(out.Daily, config.DailyFrom(d, c.cfg.ZoneMinutes))
		}
	}
	return out
}

// periods pairs each "on" transition with the next unmatched "off" of the
// same valve.
func (c *Controller) periods(ts []sequence.Transition) []config.Period {
	open := make(map[valve.ID][]uint16)
	var out []config.Period
	for _, t := range ts {
		if t.On {
			open[t.Valve] = append(open[t.Valve], t.Offset)
			continue
		}
		starts := open[t.Valve]
		if len(starts) == 0 {
			continue
		}
		open[t.Valve] = starts[1:]
		out = append(out, config.Period{
			Valve:    c.valves.Name(t.Valve),
			Start:    int(starts[0]),
			Duration: int(t.Offset - starts[0]),
		})
	}
	slices.SortStableFunc(out, func(a, b config.Period) int {
		return a.Start - b.Start
	})
	return out
}
