package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/store"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	Database string
	Status   string // optional - filter by mutation status
	Function string // optional - filter by function path
	Limit    int
	Abandon  bool // mark pending entries failed before listing
}

// JournalEntry is one mutation in journal output.
type JournalEntry struct {
	ID        string   `json:"id"`
	Function  string   `json:"function"`
	Args      string   `json:"args"`
	Keys      []string `json:"keys"`
	Status    string   `json:"status"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Error     string   `json:"error,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// JournalResult holds the complete journal output.
type JournalResult struct {
	Entries   []JournalEntry `json:"entries"`
	Abandoned int            `json:"abandoned,omitempty"`
	Stats     JournalStats   `json:"stats"`
}

// JournalStats counts listed entries by status.
type JournalStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Confirmed  int `json:"confirmed"`
	RolledBack int `json:"rolled_back"`
	Failed     int `json:"failed"`
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the mutation journal",
		Long: `List mutations recorded in the SQLite mutation journal, oldest first.

Each entry shows the mutation's function, its final status, the cache
keys its optimistic updates touched and, for failures, the error kind.

The database defaults to the config's journal_path (or TETHER_JOURNAL).

Examples:
  tether journal --db ./tether.db
  tether journal --db ./tether.db --status rolled_back
  tether journal --db ./tether.db --function todos:add --limit 20 --format json
  tether journal --db ./tether.db --abandon`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (pending|confirmed|rolled_back|failed)")
	cmd.Flags().StringVar(&opts.Function, "function", "", "filter by function path")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum entries to list (0 lists all)")
	cmd.Flags().BoolVar(&opts.Abandon, "abandon", false, "mark pending mutations failed first")

	return cmd
}

func runJournal(opts *JournalOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	path, err := journalPath(opts)
	if err != nil {
		return err
	}

	status := mutation.Status(opts.Status)
	switch status {
	case "", mutation.StatusPending, mutation.StatusConfirmed, mutation.StatusRolledBack, mutation.StatusFailed:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown status %q", opts.Status))
	}
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}

	// store.Open creates missing files; a typo'd path should not.
	if path != ":memory:" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return NewExitError(ExitCommandError, fmt.Sprintf("journal not found: %s", path))
		}
	}

	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	var result JournalResult
	if opts.Abandon {
		n, err := st.AbandonPending(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to abandon pending mutations", err)
		}
		result.Abandoned = n
	}

	entries, err := st.ListMutations(ctx, store.ListFilter{
		Status:   status,
		Function: opts.Function,
		Limit:    opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list mutations", err)
	}

	result.Entries = make([]JournalEntry, 0, len(entries))
	for _, e := range entries {
		result.Entries = append(result.Entries, toJournalEntry(e))
		result.Stats.add(e.Status)
	}

	if opts.Format == "json" {
		return outputJournalJSON(cmd, result)
	}
	return outputJournalText(cmd.OutOrStdout(), result, opts.Verbose)
}

// journalPath picks --db, then the configured journal.
func journalPath(opts *JournalOptions) (string, error) {
	if opts.Database != "" {
		return opts.Database, nil
	}
	if opts.Config != "" {
		cfg, err := loadConfig(opts.RootOptions)
		if err != nil {
			return "", err
		}
		if cfg.JournalPath != "" {
			return cfg.JournalPath, nil
		}
	}
	if p := os.Getenv("TETHER_JOURNAL"); p != "" {
		return p, nil
	}
	return "", NewExitError(ExitCommandError, "no journal: pass --db or set journal_path")
}

func toJournalEntry(e mutation.Entry) JournalEntry {
	keys := e.Keys
	if keys == nil {
		keys = []string{}
	}
	return JournalEntry{
		ID:        e.ID,
		Function:  e.Function,
		Args:      e.Args,
		Keys:      keys,
		Status:    string(e.Status),
		ErrorKind: e.ErrorKind,
		Error:     e.Error,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *JournalStats) add(status mutation.Status) {
	s.Total++
	switch status {
	case mutation.StatusPending:
		s.Pending++
	case mutation.StatusConfirmed:
		s.Confirmed++
	case mutation.StatusRolledBack:
		s.RolledBack++
	case mutation.StatusFailed:
		s.Failed++
	}
}

// outputJournalJSON outputs the journal result as JSON.
func outputJournalJSON(cmd *cobra.Command, result JournalResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// outputJournalText outputs the journal result as text.
func outputJournalText(w io.Writer, result JournalResult, verbose bool) error {
	if result.Abandoned > 0 {
		fmt.Fprintf(w, "Abandoned %d pending mutation(s)\n\n", result.Abandoned)
	}

	fmt.Fprintln(w, "=== Mutations ===")
	if len(result.Entries) == 0 {
		fmt.Fprintln(w, "  (no mutations)")
	}
	for _, e := range result.Entries {
		fmt.Fprintf(w, "  %s %-11s %s\n", truncateID(e.ID), e.Status, e.Function)
		if e.ErrorKind != "" {
			fmt.Fprintf(w, "       Error: [%s] %s\n", e.ErrorKind, e.Error)
		}
		if verbose {
			fmt.Fprintf(w, "       Args: %s\n", e.Args)
			if len(e.Keys) > 0 {
				fmt.Fprintf(w, "       Keys: %s\n", strings.Join(e.Keys, ", "))
			}
			fmt.Fprintf(w, "       Created: %s\n", e.CreatedAt)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total:       %d\n", result.Stats.Total)
	fmt.Fprintf(w, "  Pending:     %d\n", result.Stats.Pending)
	fmt.Fprintf(w, "  Confirmed:   %d\n", result.Stats.Confirmed)
	fmt.Fprintf(w, "  Rolled back: %d\n", result.Stats.RolledBack)
	fmt.Fprintf(w, "  Failed:      %d\n", result.Stats.Failed)

	return nil
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
