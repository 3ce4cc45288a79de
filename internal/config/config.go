// Package config describes a controller installation: the arena size, the
// valves, their sequences and schedules, and the relay modules that drive
// them. Files are CUE, validated against an embedded schema.
package config

import (
	"github.com/roach88/wateringctl/internal/valve"
)

// DefaultPoolSize is the arena size used when a file does not set one.
const DefaultPoolSize = 1024

// Weekdays are the keys accepted in Weekly.Days, index 0 is Sunday.
var Weekdays = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// Config is a complete installation.
type Config struct {
	PoolSize    int            `json:"pool_size"`
	ZoneMinutes int            `json:"zone_minutes"`
	Valves      []valve.Config `json:"valves,omitempty"`
	Sequences   []Sequence     `json:"sequences,omitempty"`
	Weekly      []Weekly       `json:"weekly,omitempty"`
	Daily       []Daily        `json:"daily,omitempty"`
	Modules     []Module       `json:"modules,omitempty"`
	Routes      []Route        `json:"routes,omitempty"`
}

// Period opens Valve for Duration seconds, Start seconds into its sequence.
type Period struct {
	Valve    string `json:"valve"`
	Start    int    `json:"start"`
	Duration int    `json:"duration"`
}

// Sequence is a list of periods; schedules refer to it by index.
type Sequence struct {
	Periods []Period `json:"periods,omitempty"`
}

// Weekly starts Sequence at "HH:MM" local time on each listed weekday.
type Weekly struct {
	Sequence int               `json:"sequence"`
	Days     map[string]string `json:"days,omitempty"`
}

// Daily starts Sequence at Start every PeriodDays days counted from the
// local date Origin ("YYYY-MM-DD").
type Daily struct {
	Sequence   int    `json:"sequence"`
	Start      string `json:"start"`
	PeriodDays int    `json:"period_days"`
	Origin     string `json:"origin"`
}

// Module is a remote actuator module on the bus.
type Module struct {
	ID   int    `json:"id"`
	Kind string `json:"kind"`
}

// Route connects a valve to one output of a relay module.
type Route struct {
	Valve  string `json:"valve"`
	Module int    `json:"module"`
	Output int    `json:"output"`
}

// Default returns the configuration used when nothing is persisted: the
// default valves, no sequences and no modules.
func Default() *Config {
	return &Config{
		PoolSize: DefaultPoolSize,
		Valves:   valve.DefaultConfigs(),
	}
}
