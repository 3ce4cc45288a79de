package harness

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/roach88/wateringctl/internal/config"
	"github.com/roach88/wateringctl/internal/status"
)

// Scenario is a scripted run of the controller.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config selects the controller configuration.
	Config ConfigSource `yaml:"config,omitempty"`

	// Start is the local time of second zero, e.g. "2024-03-04 06:00:00".
	Start string `yaml:"start"`

	// Duration is the last second to tick. The run always reaches the last
	// step and check.
	Duration int `yaml:"duration,omitempty"`

	Steps  []Step  `yaml:"steps,omitempty"`
	Checks []Check `yaml:"checks,omitempty"`

	// dir resolves Config.Path.
	dir string
}

// ConfigSource is a path to a CUE file or inline CUE source.
type ConfigSource struct {
	Path string `yaml:"path,omitempty"`
	CUE  string `yaml:"cue,omitempty"`
}

// Step is an operator action at a given second.
type Step struct {
	At       int    `yaml:"at"`
	Action   string `yaml:"action"`
	Sequence int    `yaml:"sequence,omitempty"`
	From     int    `yaml:"from,omitempty"`
	Valve    string `yaml:"valve,omitempty"`
	Offset   int    `yaml:"offset,omitempty"`
	Duration int    `yaml:"duration,omitempty"`
	Count    int    `yaml:"count,omitempty"`

	// Expect is the expected result code name. Empty skips the comparison.
	Expect string `yaml:"expect,omitempty"`
}

// Check is an assertion evaluated after the tick at a given second. Nil
// fields are not checked; "valves_on: []" asserts every valve closed.
type Check struct {
	At        int       `yaml:"at"`
	Sequence  int       `yaml:"sequence,omitempty"`
	ValvesOn  *[]string `yaml:"valves_on,omitempty"`
	Elapsed   *int      `yaml:"elapsed,omitempty"`
	Remaining *int      `yaml:"remaining,omitempty"`
	Fault     string    `yaml:"fault,omitempty"`
}

// Step actions.
const (
	ActionStart           = "start"
	ActionStop            = "stop"
	ActionPause           = "pause"
	ActionResume          = "resume"
	ActionAddPeriod       = "add_period"
	ActionClear           = "clear"
	ActionDeleteOrphans   = "delete_orphans"
	ActionResizeSequences = "resize_sequences"
	ActionMerge           = "merge"
)

var knownActions = map[string]bool{
	ActionStart:           true,
	ActionStop:            true,
	ActionPause:           true,
	ActionResume:          true,
	ActionAddPeriod:       true,
	ActionClear:           true,
	ActionDeleteOrphans:   true,
	ActionResizeSequences: true,
	ActionMerge:           true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(fs afero.Fs, path string) (*Scenario, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	sc.dir = filepath.Dir(path)
	return sc, nil
}

// ParseScenario parses scenario YAML. Unknown fields are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

func validateScenario(sc *Scenario) error {
	var errs []error
	if sc.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if sc.Start == "" {
		errs = append(errs, errors.New("start is required"))
	}
	if sc.Config.Path != "" && sc.Config.CUE != "" {
		errs = append(errs, errors.New("config: path and cue are mutually exclusive"))
	}
	if sc.Duration < 0 {
		errs = append(errs, fmt.Errorf("duration %d is negative", sc.Duration))
	}
	for i, st := range sc.Steps {
		if st.At < 0 {
			errs = append(errs, fmt.Errorf("steps[%d]: at %d is negative", i, st.At))
		}
		if !knownActions[st.Action] {
			errs = append(errs, fmt.Errorf("steps[%d]: unknown action %q", i, st.Action))
		}
		if st.Sequence < 0 || st.Sequence > 0xFF || st.From < 0 || st.From > 0xFF {
			errs = append(errs, fmt.Errorf("steps[%d]: sequence index out of range", i))
		}
		if st.Action == ActionAddPeriod && st.Valve == "" {
			errs = append(errs, fmt.Errorf("steps[%d]: add_period needs a valve", i))
		}
		if st.Expect != "" {
			if _, err := status.ParseCode(st.Expect); err != nil {
				errs = append(errs, fmt.Errorf("steps[%d]: %w", i, err))
			}
		}
	}
	for i, c := range sc.Checks {
		if c.At < 0 {
			errs = append(errs, fmt.Errorf("checks[%d]: at %d is negative", i, c.At))
		}
		if c.Sequence < 0 || c.Sequence > 0xFF {
			errs = append(errs, fmt.Errorf("checks[%d]: sequence index out of range", i))
		}
	}
	return errors.Join(errs...)
}

// loadConfig resolves the scenario's controller configuration.
func (sc *Scenario) loadConfig(fs afero.Fs) (*config.Config, error) {
	switch {
	case sc.Config.CUE != "":
		return config.Parse(sc.Name+".cue", []byte(sc.Config.CUE))
	case sc.Config.Path != "":
		path := sc.Config.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(sc.dir, path)
		}
		return config.Load(fs, path)
	default:
		return config.Default(), nil
	}
}

// lastSecond is the final tick of the run.
func (sc *Scenario) lastSecond() int {
	end := sc.Duration
	for _, st := range sc.Steps {
		end = max(end, st.At)
	}
	for _, c := range sc.Checks {
		end = max(end, c.At)
	}
	return end
}
