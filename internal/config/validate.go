package config

import (
	"fmt"
	"strings"

	"github.com/roach88/wateringctl/internal/clock"
	"github.com/roach88/wateringctl/internal/fault"
	"github.com/roach88/wateringctl/internal/remote"
	"github.com/roach88/wateringctl/internal/scheduler"
	"github.com/roach88/wateringctl/internal/sequence"
	"github.com/roach88/wateringctl/internal/valve"
)

// ValidationError is one semantic problem in a Config.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the cross references the schema cannot express. It
// returns every problem found.
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.PoolSize < 16 || cfg.PoolSize > 0xFFFE {
		add("pool_size", "%d out of range 16-%d", cfg.PoolSize, 0xFFFE)
	}

	valves, err := valve.NewRegistry(cfg.Valves, fault.NewRegister(nil))
	if err != nil {
		add("valves", "%v", err)
		return errs
	}
	seen := make(map[string]int, len(cfg.Valves))
	for i, v := range cfg.Valves {
		key := strings.ToLower(v.Name)
		if prev, dup := seen[key]; dup {
			add(fmt.Sprintf("valves[%d].name", i), "%q differs from valve %d only in case", v.Name, prev)
		}
		seen[key] = i
	}

	if len(cfg.Sequences) > scheduler.MaxEntries {
		add("sequences", "%d sequences, maximum is %d", len(cfg.Sequences), scheduler.MaxEntries)
	}
	for i, seq := range cfg.Sequences {
		if 2*len(seq.Periods) > sequence.MaxRecords {
			add(fmt.Sprintf("sequences[%d].periods", i), "%d periods, maximum is %d", len(seq.Periods), sequence.MaxRecords/2)
		}
		for j, p := range seq.Periods {
			field := fmt.Sprintf("sequences[%d].periods[%d]", i, j)
			id, ok := valves.Lookup(p.Valve)
			if !ok {
				add(field+".valve", "unknown valve %q", p.Valve)
				continue
			}
			if p.Start < 0 || p.Duration < 0 || p.Start+p.Duration > sequence.MaxOffset {
				add(field, "period ends beyond %d seconds", sequence.MaxOffset)
			}
			if limit, _ := valves.MaxOnTimeSeconds(id); p.Duration > limit {
				add(field+".duration", "%d s exceeds the %d s maximum on-time of %q", p.Duration, limit, p.Valve)
			}
		}
	}

	if len(cfg.Weekly) > scheduler.MaxEntries {
		add("weekly", "%d schedules, maximum is %d", len(cfg.Weekly), scheduler.MaxEntries)
	}
	for i, w := range cfg.Weekly {
		field := fmt.Sprintf("weekly[%d]", i)
		if w.Sequence < 0 || w.Sequence >= len(cfg.Sequences) {
			add(field+".sequence", "no sequence %d", w.Sequence)
		}
		if _, err := w.Schedule(); err != nil {
			add(field+".days", "%v", err)
		}
	}

	if len(cfg.Daily) > scheduler.MaxEntries {
		add("daily", "%d schedules, maximum is %d", len(cfg.Daily), scheduler.MaxEntries)
	}
	for i, d := range cfg.Daily {
		field := fmt.Sprintf("daily[%d]", i)
		if d.Sequence < 0 || d.Sequence >= len(cfg.Sequences) {
			add(field+".sequence", "no sequence %d", d.Sequence)
		}
		if _, err := d.Schedule(cfg.ZoneMinutes); err != nil {
			add(field, "%v", err)
		}
	}

	if len(cfg.Modules) > remote.MaxModules {
		add("modules", "%d modules, maximum is %d", len(cfg.Modules), remote.MaxModules)
	}
	modules := make(map[int]bool, len(cfg.Modules))
	for i, m := range cfg.Modules {
		field := fmt.Sprintf("modules[%d]", i)
		if m.ID < 1 || m.ID > 255 {
			add(field+".id", "%d out of range 1-255", m.ID)
		}
		if modules[m.ID] {
			add(field+".id", "module %d declared twice", m.ID)
		}
		modules[m.ID] = true
		if m.Kind != "relay" {
			add(field+".kind", "unknown module kind %q", m.Kind)
		}
	}

	outputs := make(map[[2]int]string)
	routed := make(map[valve.ID]bool)
	for i, r := range cfg.Routes {
		field := fmt.Sprintf("routes[%d]", i)
		id, ok := valves.Lookup(r.Valve)
		switch {
		case !ok:
			add(field+".valve", "unknown valve %q", r.Valve)
		case routed[id]:
			add(field+".valve", "valve %q routed twice", r.Valve)
		default:
			routed[id] = true
		}
		if !modules[r.Module] {
			add(field+".module", "no module %d", r.Module)
		}
		if r.Output < 1 || r.Output >= remote.RelayOutputs {
			add(field+".output", "%d out of range 1-%d", r.Output, remote.RelayOutputs-1)
		}
		key := [2]int{r.Module, r.Output}
		if prev, dup := outputs[key]; dup {
			add(field+".output", "module %d output %d already drives %q", r.Module, r.Output, prev)
		}
		outputs[key] = r.Valve
	}

	return errs
}

// Schedule converts w to its scheduler form. The sequence index is taken
// as is.
func (w Weekly) Schedule() (scheduler.Weekly, error) {
	out := scheduler.NewWeekly()
	out.Sequence = uint8(w.Sequence)
	for key, hhmm := range w.Days {
		day := weekday(key)
		if day < 0 {
			return out, fmt.Errorf("unknown weekday %q", key)
		}
		minute, err := clock.ParseMinuteOfDay(hhmm)
		if err != nil {
			return out, err
		}
		out.StartMinutes[day] = uint16(minute)
	}
	return out, nil
}

// Schedule converts d to its scheduler form using zoneMinutes to place the
// origin date.
func (d Daily) Schedule(zoneMinutes int) (scheduler.Daily, error) {
	out := scheduler.NewDaily()
	out.Sequence = uint8(d.Sequence)
	minute, err := clock.ParseMinuteOfDay(d.Start)
	if err != nil {
		return out, err
	}
	origin, err := clock.ParseLocal(d.Origin, zoneMinutes)
	if err != nil {
		return out, err
	}
	if d.PeriodDays < 0 || d.PeriodDays > 255 {
		return out, fmt.Errorf("period of %d days out of range 0-255", d.PeriodDays)
	}
	out.StartMinute = uint16(minute)
	out.PeriodDays = uint8(d.PeriodDays)
	out.Origin = origin
	return out, nil
}

// WeeklyFrom converts a scheduler entry back to its file form.
func WeeklyFrom(w scheduler.Weekly) Weekly {
	out := Weekly{Sequence: int(w.Sequence), Days: map[string]string{}}
	for day, minute := range w.StartMinutes {
		if minute != scheduler.NoRun {
			out.Days[Weekdays[day]] = clock.FormatMinuteOfDay(int(minute))
		}
	}
	return out
}

// DailyFrom converts a scheduler entry back to its file form.
func DailyFrom(d scheduler.Daily, zoneMinutes int) Daily {
	c := d.Origin.Calendar(zoneMinutes)
	return Daily{
		Sequence:   int(d.Sequence),
		Start:      clock.FormatMinuteOfDay(int(d.StartMinute)),
		PeriodDays: int(d.PeriodDays),
		Origin:     fmt.Sprintf("%04d-%02d-%02d", c.Year, c.Month, c.Day),
	}
}

func weekday(key string) int {
	for i, name := range Weekdays {
		if name == key {
			return i
		}
	}
	return -1
}
