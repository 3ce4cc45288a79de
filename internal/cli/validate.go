package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/wateringctl/internal/config"
	"github.com/roach88/wateringctl/internal/controller"
)

// Problem is one validation failure in command output.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// ConfigSummary describes a valid configuration.
type ConfigSummary struct {
	Valves    int `json:"valves"`
	Sequences int `json:"sequences"`
	Weekly    int `json:"weekly"`
	Daily     int `json:"daily"`
	Modules   int `json:"modules"`
	PoolSize  int `json:"pool_size"`
	FreeBytes int `json:"free_bytes"`
}

func (s ConfigSummary) String() string {
	return fmt.Sprintf("✓ Configuration valid: %d valves, %d sequences, %d weekly, %d daily, %d modules; arena %d/%d bytes free",
		s.Valves, s.Sequences, s.Weekly, s.Daily, s.Modules, s.FreeBytes, s.PoolSize)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Check a configuration file",
		Long: `Check a CUE configuration against the schema and its cross references,
then load it into a controller to make sure it fits in the arena.

The file defaults to $WATERINGCTL_CONFIG.

Exit codes:
  0 - Configuration valid
  1 - Configuration invalid
  2 - Command error (file not found)`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = os.Getenv(EnvConfig)
			}
			return runValidate(rootOpts, path, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if path == "" {
		return NewExitError(ExitCommandError, "no config file given and "+EnvConfig+" is not set")
	}
	formatter.VerboseLog("Validating %s", path)

	cfg, err := config.Load(opts.files(), path)
	if errors.Is(err, fs.ErrNotExist) {
		return WrapExitError(ExitCommandError, "config file not found", err)
	}
	if err != nil {
		return outputProblems(formatter, problemsOf(err))
	}

	ctrl, err := controller.New(cfg)
	if err != nil {
		return outputProblems(formatter, []Problem{{Field: "arena", Message: err.Error()}})
	}
	defer ctrl.Close()

	snap := ctrl.Snapshot()
	return formatter.Success(ConfigSummary{
		Valves:    len(cfg.Valves),
		Sequences: len(cfg.Sequences),
		Weekly:    len(cfg.Weekly),
		Daily:     len(cfg.Daily),
		Modules:   len(cfg.Modules),
		PoolSize:  snap.Arena.Capacity,
		FreeBytes: snap.Arena.FreeSpace,
	})
}

// problemsOf flattens a config load error into one entry per problem.
func problemsOf(err error) []Problem {
	var out []Problem
	var walk func(error)
	walk = func(err error) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
			return
		}
		var cfgErr *config.Error
		var valErr config.ValidationError
		switch {
		case errors.As(err, &cfgErr):
			p := Problem{Field: cfgErr.Field, Message: cfgErr.Message}
			if cfgErr.Pos.IsValid() {
				p.Line, p.Column = cfgErr.Pos.Line(), cfgErr.Pos.Column()
			}
			out = append(out, p)
		case errors.As(err, &valErr):
			out = append(out, Problem{Field: valErr.Field, Message: valErr.Message})
		default:
			out = append(out, Problem{Field: "config", Message: err.Error()})
		}
	}
	walk(err)
	return out
}

func outputProblems(f *OutputFormatter, problems []Problem) error {
	msg := fmt.Sprintf("%d problem(s) found", len(problems))
	if f.Format == "json" {
		if err := f.Error(ErrCodeInvalid, msg, problems); err != nil {
			return err
		}
	} else {
		w := f.Writer
		fmt.Fprintln(w, "✗ Configuration invalid")
		for _, p := range problems {
			if p.Line > 0 {
				fmt.Fprintf(w, "  %s (line %d:%d): %s\n", p.Field, p.Line, p.Column, p.Message)
			} else {
				fmt.Fprintf(w, "  %s: %s\n", p.Field, p.Message)
			}
		}
	}
	return NewExitError(ExitFailure, msg)
}
