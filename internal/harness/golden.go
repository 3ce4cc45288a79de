package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// GoldenDir is where RunWithGolden keeps its fixtures, relative to the
// package under test.
const GoldenDir = "testdata/golden"

// toCanonicalMap converts a trace event to the map form used in golden files.
// Only the fields that mean something for the event type are included.
func (ev TraceEvent) toCanonicalMap() map[string]any {
	m := map[string]any{
		"at":   ev.At,
		"type": ev.Type,
	}
	switch ev.Type {
	case EventValve:
		m["valve"] = ev.Valve
		m["on"] = ev.On
	case EventStep:
		m["result"] = ev.Result
		if ev.Step == nil {
			break
		}
		st := ev.Step
		m["action"] = st.Action
		switch st.Action {
		case ActionResizeSequences:
			m["count"] = st.Count
		case ActionDeleteOrphans:
		case ActionMerge:
			m["sequence"] = st.Sequence
			m["from"] = st.From
		case ActionAddPeriod:
			m["sequence"] = st.Sequence
			m["valve"] = st.Valve
			m["offset"] = st.Offset
			m["duration"] = st.Duration
		default:
			m["sequence"] = st.Sequence
		}
	}
	return m
}

// Golden renders a run as golden file content: a header line naming the
// scenario, then one canonical JSON object per trace event.
func Golden(name string, result *Result) ([]byte, error) {
	var buf bytes.Buffer
	header, err := marshalCanonical(map[string]any{"scenario": name})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')
	for _, ev := range result.Trace {
		line, err := marshalCanonical(ev.toCanonicalMap())
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares the trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also inspect Pass and Errors. A run
// error is returned without touching the golden file.
func RunWithGolden(t *testing.T, h *Harness, sc *Scenario) (*Result, error) {
	t.Helper()

	result, err := h.Run(sc)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, sc.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against the golden file for
// name without re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := Golden(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
