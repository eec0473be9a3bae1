package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-form-coach/internal/repphase"
	"github.com/e7canasta/orion-form-coach/internal/session"
	"github.com/e7canasta/orion-form-coach/internal/store"
)

// SessionsOptions holds flags for the sessions commands.
type SessionsOptions struct {
	*RootOptions
	DBPath string
	Limit  int
}

// NewSessionsCommand creates the sessions command group.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Browse persisted workout sessions",
	}
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "session database (defaults to store.path from the configuration)")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List recent sessions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, opts)
		},
	}
	list.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of sessions")

	show := &cobra.Command{
		Use:           "show <session-id>",
		Short:         "Show a session with its rep history",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, opts, args[0])
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func openStore(opts *SessionsOptions) (*store.Store, error) {
	path := opts.DBPath
	if path == "" {
		cfg, err := loadConfig(opts.RootOptions)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
		}
		path = cfg.Store.Path
	}
	st, err := store.NewStore(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open session database", err)
	}
	return st, nil
}

func runSessionsList(cmd *cobra.Command, opts *SessionsOptions) error {
	st, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(context.Background(), opts.Limit)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list sessions", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(out, CLIResponse{Status: "ok", Data: sessions})
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no sessions")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEXERCISE\tSTARTED\tREPS\tSCORE")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.2f\n",
			s.ID, s.Exercise, s.StartTime.Format(time.RFC3339), s.RepCount, s.AverageFormScore)
	}
	return tw.Flush()
}

func runSessionsShow(cmd *cobra.Command, opts *SessionsOptions, id string) error {
	st, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := st.GetSession(context.Background(), id)
	if errors.Is(err, store.ErrNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("session %s not found", id))
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load session", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(out, CLIResponse{Status: "ok", Data: sess})
	}
	return writeSessionText(out, sess)
}

func writeSessionText(w io.Writer, s *session.Session) error {
	fmt.Fprintf(w, "session %s\n", s.ID)
	fmt.Fprintf(w, "  exercise:      %s", s.Exercise)
	if s.FallbackRules {
		fmt.Fprint(w, " (generic rules)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  started:       %s\n", s.StartTime.Format(time.RFC3339))
	if s.EndTime != nil {
		fmt.Fprintf(w, "  duration:      %s\n", s.EndTime.Sub(s.StartTime).Round(time.Second))
	}
	fmt.Fprintf(w, "  reps:          %d\n", s.RepCount)
	fmt.Fprintf(w, "  average score: %.2f\n", s.AverageFormScore)
	fmt.Fprintf(w, "  violations:    %s\n", formatCounts(s.ViolationFrequency))
	for _, ev := range s.RepHistory {
		if ev.Type == repphase.EventCompleted {
			fmt.Fprintf(w, "  rep %d: %s form_score=%.2f\n", ev.RepIndex, ev.Timestamp.Sub(ev.StartedAt).Round(time.Millisecond), ev.FormScore)
		}
	}
	return nil
}
