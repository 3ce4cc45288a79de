package harness

// Trace event types.
const (
	EventStep  = "step"
	EventValve = "valve"
)

// TraceEvent is one entry of a run: an operator step and its result, or a
// valve flip. At is seconds since the scenario start.
type TraceEvent struct {
	At   int    `json:"at"`
	Type string `json:"type"`

	// Step fields.
	Step   *Step  `json:"-"`
	Result string `json:"result,omitempty"`

	// Valve fields.
	Valve string `json:"valve,omitempty"`
	On    bool   `json:"on,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and check held.
	Pass bool `json:"pass"`

	// Trace holds step results and valve flips in order.
	Trace []TraceEvent `json:"trace"`

	// Errors describes each failed expectation. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addStep(at int, st *Step, result string) {
	r.Trace = append(r.Trace, TraceEvent{At: at, Type: EventStep, Step: st, Result: result})
}

func (r *Result) addValve(at int, name string, on bool) {
	r.Trace = append(r.Trace, TraceEvent{At: at, Type: EventValve, Valve: name, On: on})
}

// ValveChanges returns the valve events of the trace.
func (r *Result) ValveChanges() []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventValve {
			out = append(out, ev)
		}
	}
	return out
}
