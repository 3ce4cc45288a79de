package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/wateringctl/internal/clock"
	"github.com/roach88/wateringctl/internal/config"
	"github.com/roach88/wateringctl/internal/controller"
	"github.com/roach88/wateringctl/internal/monitor"
	"github.com/roach88/wateringctl/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config   string
	Database string
	Listen   string
	Interval time.Duration

	// Clock overrides the system clock (for testing).
	Clock clock.Source

	// IDs overrides session ID generation (for testing).
	// If nil, defaults to store.UUIDv7.
	IDs store.IDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller in real time",
		Long: `Run the irrigation controller against the system clock.

The configuration comes from --config when given; it replaces whatever the
database holds. Otherwise the stored configuration is used, or the defaults
on first boot. Valve changes are recorded in the database under a new
session. With --listen, the HTTP monitor serves status and sequence
controls. On exit every valve closes and the live configuration is saved.

Flags default to $WATERINGCTL_CONFIG, $WATERINGCTL_DB and
$WATERINGCTL_LISTEN.

Example:
  wateringctl run --db ./garden.db --config ./garden.cue --listen :8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			envDefault(cmd, "config", EnvConfig, &opts.Config)
			envDefault(cmd, "db", EnvDatabase, &opts.Database)
			envDefault(cmd, "listen", EnvListen, &opts.Listen)
			return runController(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "CUE configuration file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "monitor address, e.g. :8080 (disabled when empty)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", controller.DefaultInterval, "control loop period")

	return cmd
}

func runController(opts *RunOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	if opts.Database == "" {
		return NewExitError(ExitCommandError, "--db is required (or set "+EnvDatabase+")")
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("opening database", "path", opts.Database)
	var storeOpts []store.Option
	if opts.IDs != nil {
		storeOpts = append(storeOpts, store.WithIDGenerator(opts.IDs))
	}
	st, err := store.Open(opts.Database, storeOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	cfg, err := resolveConfig(ctx, opts, st, logger)
	if err != nil {
		return err
	}

	src := opts.Clock
	if src == nil {
		src = clock.NewSystem()
	}
	session, err := st.BeginSession(ctx, src.Now())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to start session", err)
	}

	// Valve closures on shutdown are recorded after ctx is cancelled.
	recordCtx := context.WithoutCancel(ctx)
	ctrl, err := controller.New(cfg,
		controller.WithLogger(logger),
		controller.WithRecorder(func(ev controller.Event) {
			_, err := st.RecordValveChange(recordCtx, session, store.ValveEvent{
				At:    ev.At,
				Valve: int(ev.Valve),
				Name:  ev.Name,
				On:    ev.On,
			})
			if err != nil {
				logger.Error("recording valve change", "valve", ev.Name, "error", err)
			}
		}),
	)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to build controller", err)
	}
	defer ctrl.Close()

	monitorErr := make(chan error, 1)
	if opts.Listen != "" {
		go func() {
			monitorErr <- monitor.New(ctrl, logger).Serve(ctx, opts.Listen)
		}()
	} else {
		close(monitorErr)
	}

	logger.Info("controller starting", "session", session, "db", opts.Database)
	fmt.Fprintf(cmd.OutOrStdout(), "Controller started (session %s).\n", session)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	runErr := ctrl.Run(ctx, src, opts.Interval)
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "controller error", runErr)
	}

	if err := st.SaveConfig(recordCtx, ctrl.Export()); err != nil {
		logger.Error("saving configuration", "error", err)
	}
	if err := <-monitorErr; err != nil {
		return WrapExitError(ExitFailure, "monitor error", err)
	}

	logger.Info("controller stopped gracefully")
	return nil
}

// resolveConfig picks the configuration for this run and persists it.
func resolveConfig(ctx context.Context, opts *RunOptions, st *store.Store, logger *slog.Logger) (*config.Config, error) {
	if opts.Config != "" {
		cfg, err := config.Load(opts.files(), opts.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		if err := st.SaveConfig(ctx, cfg); err != nil {
			return nil, WrapExitError(ExitFailure, "failed to save config", err)
		}
		logger.Info("configuration loaded", "path", opts.Config)
		return cfg, nil
	}

	cfg, found, err := st.LoadConfig(ctx)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to read stored config", err)
	}
	if found {
		logger.Info("using stored configuration")
		return cfg, nil
	}

	cfg = config.Default()
	if err := st.SaveConfig(ctx, cfg); err != nil {
		return nil, WrapExitError(ExitFailure, "failed to save config", err)
	}
	logger.Info("first boot: default configuration saved")
	return cfg, nil
}
