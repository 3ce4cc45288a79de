package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/wateringctl/internal/config"
	"github.com/roach88/wateringctl/internal/store"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Database string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the stored configuration as CUE",
		Long: `Print the configuration saved in the database as CUE source that
run --config and validate accept. run saves the live configuration on exit,
so sequences edited through the monitor show up here.

Example:
  wateringctl export --db ./garden.db > garden.cue`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			envDefault(cmd, "db", EnvDatabase, &opts.Database)
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
	if opts.Database == "" {
		return NewExitError(ExitCommandError, "--db is required (or set "+EnvDatabase+")")
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	cfg, found, err := st.LoadConfig(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read stored config", err)
	}
	if !found {
		return NewExitError(ExitFailure, "no configuration stored in "+opts.Database)
	}

	if opts.Format == "json" {
		return newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr()).Success(cfg)
	}
	src, err := config.Encode(cfg)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to encode config", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s", src)
	return err
}
