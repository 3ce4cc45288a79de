// Package valve holds the valve registry: per-valve settings plus the two
// state bitsets that implement the merge-and-apply pass.
//
// Every running sequence raises the "new" state of the valves it wants open
// during a tick. Apply then copies new to current and clears new, so a valve
// nobody asked for in this cycle closes without any sequence having to turn
// it off.
package valve

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/wateringctl/internal/fault"
)

// ID identifies a valve. Transition records keep it in 7 bits.
type ID uint8

// MaxValves is the number of addressable valve IDs.
const MaxValves = 128

// Config is the static description of one valve.
type Config struct {
	Name             string  `json:"name"`
	FlowRateLPM      float64 `json:"flow_rate_lpm"`
	MaxOnTimeSeconds int     `json:"max_on_time_seconds"`
}

// DefaultConfigs returns the settings used when nothing has been persisted:
// ten valves with 1..10 L/min and 100..1000 s maximum on-time.
func DefaultConfigs() []Config {
	out := make([]Config, 10)
	for i := range out {
		out[i] = Config{
			Name:             fmt.Sprintf("valve-%d", i),
			FlowRateLPM:      float64(i + 1),
			MaxOnTimeSeconds: 100 * (i + 1),
		}
	}
	return out
}

// Change reports a valve whose current state flipped during Apply.
type Change struct {
	Valve ID   `json:"valve"`
	On    bool `json:"on"`
}

type bitset [MaxValves / 8]byte

func (b *bitset) get(id ID) bool {
	return b[id/8]&(1<<(id%8)) != 0
}

func (b *bitset) set(id ID, on bool) {
	if on {
		b[id/8] |= 1 << (id % 8)
	} else {
		b[id/8] &^= 1 << (id % 8)
	}
}

// Registry owns valve settings and state. It is built once at startup and
// passed to the components that need valve lookups.
//
// Not safe for concurrent use; the controller serialises access.
type Registry struct {
	configs []Config
	wanted  bitset
	current bitset
	faults  *fault.Register
}

// NewRegistry validates configs and builds a registry. Valve IDs are the
// indices into configs. A nil faults uses fault.Process.
func NewRegistry(configs []Config, faults *fault.Register) (*Registry, error) {
	if len(configs) > MaxValves {
		return nil, fmt.Errorf("%d valves configured, maximum is %d", len(configs), MaxValves)
	}
	seen := make(map[string]int, len(configs))
	for i, c := range configs {
		if err := validate(c); err != nil {
			return nil, fmt.Errorf("valve %d: %w", i, err)
		}
		if c.Name == "" {
			continue
		}
		if prev, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("valve %d: name %q already used by valve %d", i, c.Name, prev)
		}
		seen[c.Name] = i
	}
	if faults == nil {
		faults = fault.Process
	}
	r := &Registry{
		configs: make([]Config, len(configs)),
		faults:  faults,
	}
	copy(r.configs, configs)
	return r, nil
}

func validate(c Config) error {
	if c.FlowRateLPM < 0 {
		return fmt.Errorf("negative flow rate %v", c.FlowRateLPM)
	}
	if c.MaxOnTimeSeconds < 0 {
		return fmt.Errorf("negative maximum on-time %d", c.MaxOnTimeSeconds)
	}
	return nil
}

// Len returns the number of configured valves.
func (r *Registry) Len() int {
	return len(r.configs)
}

func (r *Registry) check(id ID) bool {
	if int(id) >= len(r.configs) {
		r.faults.Raise(fault.IndexOutOfBounds, "valve", int(id))
		return false
	}
	return true
}

// Known reports whether id is configured. It never raises a fault.
func (r *Registry) Known(id ID) bool {
	return int(id) < len(r.configs)
}

// Config returns the settings of id.
func (r *Registry) Config(id ID) (Config, bool) {
	if !r.check(id) {
		return Config{}, false
	}
	return r.configs[id], true
}

// Configs returns a copy of every valve's settings in ID order.
func (r *Registry) Configs() []Config {
	out := make([]Config, len(r.configs))
	copy(out, r.configs)
	return out
}

// Update replaces the settings of id.
func (r *Registry) Update(id ID, c Config) error {
	if !r.Known(id) {
		return fmt.Errorf("valve %d not configured", id)
	}
	if err := validate(c); err != nil {
		return fmt.Errorf("valve %d: %w", id, err)
	}
	r.configs[id] = c
	return nil
}

// Lookup finds a valve by name (case-insensitive) or by decimal ID.
func (r *Registry) Lookup(name string) (ID, bool) {
	for i, c := range r.configs {
		if c.Name != "" && strings.EqualFold(c.Name, name) {
			return ID(i), true
		}
	}
	if n, err := strconv.Atoi(name); err == nil && n >= 0 && n < len(r.configs) {
		return ID(n), true
	}
	return 0, false
}

// Name returns the configured name of id, or its number when unnamed.
func (r *Registry) Name(id ID) string {
	if r.Known(id) && r.configs[id].Name != "" {
		return r.configs[id].Name
	}
	return strconv.Itoa(int(id))
}

// MaxOnTimeSeconds returns the longest single on-period allowed for id.
func (r *Registry) MaxOnTimeSeconds(id ID) (int, bool) {
	if !r.check(id) {
		return 0, false
	}
	return r.configs[id].MaxOnTimeSeconds, true
}

// FlowRateLPM returns the nominal flow of id in litres per minute, 0 when
// unknown.
func (r *Registry) FlowRateLPM(id ID) float64 {
	if !r.check(id) {
		return 0
	}
	return r.configs[id].FlowRateLPM
}

// SetNewState records what this cycle wants for id.
func (r *Registry) SetNewState(id ID, on bool) {
	if !r.check(id) {
		return
	}
	r.wanted.set(id, on)
}

// NewState returns the state requested so far in this cycle.
func (r *Registry) NewState(id ID) bool {
	if !r.check(id) {
		return false
	}
	return r.wanted.get(id)
}

// CurrentState returns the state applied by the last Apply.
func (r *Registry) CurrentState(id ID) bool {
	if !r.check(id) {
		return false
	}
	return r.current.get(id)
}

// Apply copies every requested state to the current state, clears the
// requests for the next cycle and returns the valves that changed.
func (r *Registry) Apply() []Change {
	var changes []Change
	for i := range r.configs {
		id := ID(i)
		on := r.wanted.get(id)
		if r.current.get(id) != on {
			changes = append(changes, Change{Valve: id, On: on})
		}
		r.current.set(id, on)
	}
	r.wanted = bitset{}
	return changes
}

// ShutAll closes every valve immediately and drops pending requests.
func (r *Registry) ShutAll() []Change {
	r.wanted = bitset{}
	return r.Apply()
}

// Open returns the IDs whose current state is on.
func (r *Registry) Open() []ID {
	var out []ID
	for i := range r.configs {
		if r.current.get(ID(i)) {
			out = append(out, ID(i))
		}
	}
	return out
}
