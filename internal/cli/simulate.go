package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/wateringctl/internal/clock"
	"github.com/roach88/wateringctl/internal/config"
	"github.com/roach88/wateringctl/internal/controller"
	"github.com/roach88/wateringctl/internal/testutil"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Config string
	Start  string
	Hours  int
}

// TimelineEntry is one valve change in simulate output.
type TimelineEntry struct {
	Local string `json:"local"`
	controller.Event
}

// Timeline is the result of a simulation.
type Timeline struct {
	Start   string          `json:"start"`
	End     string          `json:"end"`
	Events  []TimelineEntry `json:"events"`
	Faults  string          `json:"faults"`
	FlowMax float64         `json:"flow_max_lpm"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Play a configuration in virtual time",
		Long: `Play the schedules of a configuration on a virtual clock, one tick per
second, and print every valve change.

Nothing is persisted and no hardware is touched.

Examples:
  wateringctl simulate --config garden.cue --start "2024-03-04" --hours 168
  wateringctl simulate --config garden.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			envDefault(cmd, "config", EnvConfig, &opts.Config)
			return runSimulate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "CUE configuration file (defaults when empty)")
	cmd.Flags().StringVar(&opts.Start, "start", "", `local start time, e.g. "2024-03-04 05:00" (today 00:00 when empty)`)
	cmd.Flags().IntVar(&opts.Hours, "hours", 24, "hours to simulate")

	return cmd
}

func runSimulate(opts *SimulateOptions, cmd *cobra.Command) error {
	if opts.Hours <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--hours must be positive, got %d", opts.Hours))
	}

	cfg := config.Default()
	if opts.Config != "" {
		var err error
		cfg, err = config.Load(opts.files(), opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}

	start, err := simulationStart(opts.Start, cfg.ZoneMinutes)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --start", err)
	}

	var timeline Timeline
	ctrl, err := controller.New(cfg,
		controller.WithLogger(newLogger(opts.RootOptions, cmd.ErrOrStderr()).With("simulated", true)),
		controller.WithRecorder(func(ev controller.Event) {
			timeline.Events = append(timeline.Events, TimelineEntry{
				Local: ev.At.Format(cfg.ZoneMinutes),
				Event: ev,
			})
		}),
	)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to build controller", err)
	}
	defer ctrl.Close()

	clk := testutil.NewManualClock(start)
	seconds := opts.Hours * clock.SecondsPerHour
	for t := 0; t <= seconds; t++ {
		if t > 0 {
			clk.Advance(1)
		}
		ctrl.Tick(clk.Now(), clk.Ticks())
		timeline.FlowMax = max(timeline.FlowMax, ctrl.Snapshot().FlowLPM)
	}
	ctrl.Shutdown()

	timeline.Start = start.Format(cfg.ZoneMinutes)
	timeline.End = clk.Now().Format(cfg.ZoneMinutes)
	timeline.Faults = ctrl.Faults().Last().String()

	if opts.Format == "json" {
		if timeline.Events == nil {
			timeline.Events = []TimelineEntry{}
		}
		return newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr()).Success(timeline)
	}
	return outputTimelineText(cmd, timeline)
}

// simulationStart parses s, or returns today's local midnight when s is
// empty.
func simulationStart(s string, zoneMinutes int) (clock.Timestamp, error) {
	if s != "" {
		return clock.ParseLocal(s, zoneMinutes)
	}
	c := clock.FromTime(time.Now()).Calendar(zoneMinutes)
	return clock.FromCalendar(c.Year, c.Month, c.Day, 0, 0, 0, zoneMinutes)
}

func outputTimelineText(cmd *cobra.Command, tl Timeline) error {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Simulated %s to %s\n\n", tl.Start, tl.End)
	if len(tl.Events) == 0 {
		fmt.Fprintln(w, "No valve changes.")
	}
	for _, ev := range tl.Events {
		state := "off"
		if ev.On {
			state = "on"
		}
		fmt.Fprintf(w, "%s  %-20s %s\n", ev.Local, ev.Name, state)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d valve change(s), peak flow %.1f L/min, last fault %s\n", len(tl.Events), tl.FlowMax, tl.Faults)
	return nil
}
