package harness

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/afero"

	"github.com/roach88/wateringctl/internal/clock"
	"github.com/roach88/wateringctl/internal/controller"
	"github.com/roach88/wateringctl/internal/status"
	"github.com/roach88/wateringctl/internal/testutil"
)

// Harness runs scenarios on a manual clock.
type Harness struct {
	fs     afero.Fs
	logger *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger handed to the controller. Runs are silent by
// default.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = logger
	}
}

// New creates a harness reading config files from fs.
func New(fs afero.Fs, opts ...Option) *Harness {
	h := &Harness{fs: fs, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes a scenario with a silent logger on the OS filesystem.
func Run(sc *Scenario) (*Result, error) {
	return New(afero.NewOsFs()).Run(sc)
}

// Run executes sc and returns its trace and failed expectations.
//
// Every run builds a fresh controller, so scenarios are independent. The
// clock starts at sc.Start and moves one second per tick; the ticks counter
// follows at 1000 per second.
//
// Execution flow for each second t:
//  1. Run the steps at t, in file order
//  2. Tick the controller
//  3. Evaluate the checks at t
//
// An error is returned only when the scenario cannot run at all (bad
// config, bad start time).
func (h *Harness) Run(sc *Scenario) (*Result, error) {
	cfg, err := sc.loadConfig(h.fs)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: loading config: %w", sc.Name, err)
	}
	start, err := clock.ParseLocal(sc.Start, cfg.ZoneMinutes)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}

	result := NewResult()
	ctrl, err := controller.New(cfg,
		controller.WithLogger(h.logger),
		controller.WithRecorder(func(ev controller.Event) {
			result.addValve(int(ev.At.Sub(start)), ev.Name, ev.On)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	defer ctrl.Close()

	steps := slices.Clone(sc.Steps)
	slices.SortStableFunc(steps, func(a, b Step) int { return cmp.Compare(a.At, b.At) })
	checks := slices.Clone(sc.Checks)
	slices.SortStableFunc(checks, func(a, b Check) int { return cmp.Compare(a.At, b.At) })

	clk := testutil.NewManualClock(start)
	end := sc.lastSecond()
	for t := 0; t <= end; t++ {
		if t > 0 {
			clk.Advance(1)
		}
		now := clk.Now()

		for len(steps) > 0 && steps[0].At == t {
			h.step(ctrl, now, &steps[0], result)
			steps = steps[1:]
		}

		ctrl.Tick(now, clk.Ticks())

		for len(checks) > 0 && checks[0].At == t {
			evaluateCheck(ctrl, now, &checks[0], result)
			checks = checks[1:]
		}
	}

	h.logger.Debug("scenario finished",
		"scenario", sc.Name,
		"seconds", end+1,
		"events", len(result.Trace),
		"pass", result.Pass,
	)
	return result, nil
}

// step applies one operator action between ticks and traces its result.
func (h *Harness) step(ctrl *controller.Controller, now clock.Timestamp, st *Step, result *Result) {
	err := ctrl.Do(func(ops controller.Ops) error {
		return apply(ops, now, st)
	})
	code := status.CodeOf(err)
	result.addStep(st.At, st, code.String())

	if st.Expect != "" && st.Expect != code.String() {
		result.AddError(fmt.Sprintf("t=%d %s: expected %s, got %s", st.At, st.Action, st.Expect, code))
	}
	if err != nil {
		h.logger.Debug("step failed", "at", st.At, "action", st.Action, "error", err)
	}
}

func apply(ops controller.Ops, now clock.Timestamp, st *Step) error {
	seq := ops.Scheduler.ValveSequence(uint8(st.Sequence))
	switch st.Action {
	case ActionStart:
		return seq.Start(now)
	case ActionStop:
		return seq.Stop()
	case ActionPause:
		return seq.Pause(now)
	case ActionResume:
		return seq.Resume(now)
	case ActionClear:
		return seq.Clear()
	case ActionAddPeriod:
		id, ok := ops.Valves.Lookup(st.Valve)
		if !ok {
			return status.New(status.AssertionFailed, "unknown valve %q", st.Valve)
		}
		return seq.AddValveOpenPeriod(id, st.Offset, st.Duration)
	case ActionMerge:
		return seq.Merge(ops.Scheduler.ValveSequence(uint8(st.From)))
	case ActionResizeSequences:
		if st.Count < 0 || st.Count > 0xFF {
			return status.New(status.RequestedCountTooLarge, "%d sequences requested", st.Count)
		}
		return ops.Scheduler.ResizeValveSequencesArray(uint8(st.Count))
	case ActionDeleteOrphans:
		return ops.Scheduler.DeleteOrphanSequences()
	default:
		return status.New(status.AssertionFailed, "unknown action %q", st.Action)
	}
}
