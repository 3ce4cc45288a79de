package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/wateringctl/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Session  string
}

// SessionHistory is one session with its valve events.
type SessionHistory struct {
	store.Session
	Events []store.ValveEvent `json:"events"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded valve changes",
		Long: `List the sessions recorded by run and the valve changes of each, in
order. Times are UTC.

Examples:
  wateringctl history --db ./garden.db
  wateringctl history --db ./garden.db --session 0190c1f2-...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			envDefault(cmd, "db", EnvDatabase, &opts.Database)
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Session, "session", "", "only this session")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	if opts.Database == "" {
		return NewExitError(ExitCommandError, "--db is required (or set "+EnvDatabase+")")
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	sessions, err := st.Sessions(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list sessions", err)
	}

	history := []SessionHistory{}
	for _, sess := range sessions {
		if opts.Session != "" && sess.ID != opts.Session {
			continue
		}
		events, err := st.ValveEvents(ctx, sess.ID)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read valve events", err)
		}
		history = append(history, SessionHistory{Session: sess, Events: events})
	}
	if opts.Session != "" && len(history) == 0 {
		return NewExitError(ExitFailure, "session not found: "+opts.Session)
	}

	if opts.Format == "json" {
		return newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr()).Success(history)
	}

	w := cmd.OutOrStdout()
	if len(history) == 0 {
		fmt.Fprintln(w, "No sessions recorded.")
		return nil
	}
	for _, h := range history {
		fmt.Fprintf(w, "Session %s (started %s), %d change(s)\n", h.ID, h.StartedAt, len(h.Events))
		for _, ev := range h.Events {
			state := "off"
			if ev.On {
				state = "on"
			}
			fmt.Fprintf(w, "  %4d  %s  %-20s %s\n", ev.Seq, ev.At, ev.Name, state)
		}
	}
	return nil
}
