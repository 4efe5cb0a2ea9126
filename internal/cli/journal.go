package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/opcsync/internal/query"
	"github.com/roach88/opcsync/internal/store"
)

// JournalOptions holds flags shared by the journal subcommands.
type JournalOptions struct {
	*RootOptions
	Database string
	Limit    int
	Filter   ListFilter
}

// ListFilter narrows journal list. Empty fields do not filter.
type ListFilter struct {
	Outcome  string
	Mode     string
	Property string
	Status   string
	Source   string
	Since    string
}

// predicate builds the journal query for the set filter fields. Change
// fields combine into a single has_change so they must match the same change.
func (f ListFilter) predicate() (query.Predicate, error) {
	var preds []query.Predicate
	if f.Outcome != "" {
		preds = append(preds, query.Equals{Field: "outcome", Value: f.Outcome})
	}
	if f.Mode != "" {
		preds = append(preds, query.Equals{Field: "mode", Value: f.Mode})
	}
	if f.Since != "" {
		since, err := time.Parse(time.RFC3339, f.Since)
		if err != nil {
			return nil, fmt.Errorf("--since: %w", err)
		}
		preds = append(preds, query.TimeRange{Field: "started_at", From: since})
	}

	var change []query.Predicate
	if f.Property != "" {
		change = append(change, query.Prefix{Field: "property", Value: f.Property})
	}
	if f.Status != "" {
		change = append(change, query.Equals{Field: "status", Value: f.Status})
	}
	if f.Source != "" {
		change = append(change, query.Equals{Field: "source", Value: f.Source})
	}
	if len(change) > 0 {
		preds = append(preds, query.HasChange{Filter: query.And{Predicates: change}})
	}

	if len(preds) == 0 {
		return nil, nil
	}
	return query.And{Predicates: preds}, nil
}

// TransactionDetail is the output of journal show.
type TransactionDetail struct {
	Transaction store.TransactionRow `json:"transaction"`
	Changes     []store.ChangeRow    `json:"changes"`
}

// NewJournalCommand creates the journal command group.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the transaction journal",
		Long: `Inspect a SQLite transaction journal written by "opcsync demo --journal".

Examples:
  opcsync journal list --db ./journal.db
  opcsync journal list --db ./journal.db --outcome partial --property Person.
  opcsync journal show --db ./journal.db <transaction-id>
  opcsync journal verify --db ./journal.db`,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkPersistentFlagRequired("db")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List journaled transactions, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournalList(opts, cmd)
		},
	}
	list.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of transactions (0 for all)")
	list.Flags().StringVar(&opts.Filter.Outcome, "outcome", "", "only transactions with this outcome (committed, partial, rolled_back, conflict, failed)")
	list.Flags().StringVar(&opts.Filter.Mode, "mode", "", "only transactions in this mode (exclusive, optimistic)")
	list.Flags().StringVar(&opts.Filter.Property, "property", "", "only transactions changing a property starting with this prefix (e.g. Person.)")
	list.Flags().StringVar(&opts.Filter.Status, "status", "", "only transactions with a change in this status (applied, failed, conflict, compensation_failed)")
	list.Flags().StringVar(&opts.Filter.Source, "source", "", "only transactions with a change written through this source")
	list.Flags().StringVar(&opts.Filter.Since, "since", "", "only transactions started at or after this RFC3339 time")

	show := &cobra.Command{
		Use:           "show <transaction-id>",
		Short:         "Show one transaction and its changes",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournalShow(opts, args[0], cmd)
		},
	}

	verify := &cobra.Command{
		Use:   "verify [transaction-id]",
		Short: "Recompute stored hashes to detect tampering",
		Long: `Recompute every change fingerprint and record hash from the stored
rows and compare them with the stored hashes. Without an ID every
journaled transaction is verified.

Exit codes:
  0 - all hashes match
  1 - at least one mismatch
  2 - journal or transaction not found`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runJournalVerify(opts, id, cmd)
		},
	}

	cmd.AddCommand(list, show, verify)
	return cmd
}

// openJournal opens an existing journal. store.Open would create a missing
// file, which is never what an inspection command wants.
func openJournal(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("journal not found: %s", path))
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	return st, nil
}

func runJournalList(opts *JournalOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	st, err := openJournal(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	filter, err := opts.Filter.predicate()
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	rows, err := st.FindTransactions(cmd.Context(), filter, opts.Limit)
	if err != nil {
		_ = formatter.Error(ErrCodeJournal, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list transactions", err)
	}

	if formatter.JSON() {
		return formatter.Success(rows)
	}
	w := formatter.Writer
	if len(rows) == 0 {
		fmt.Fprintln(w, "No transactions journaled.")
		return nil
	}
	for _, tr := range rows {
		fmt.Fprintf(w, "%s  %-9s  %-10s  %s  %d change(s)\n",
			tr.StartedAt.Format("2006-01-02T15:04:05.000Z07:00"), tr.Outcome, tr.Mode, tr.ID, tr.Changes)
	}
	return nil
}

func runJournalShow(opts *JournalOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	st, err := openJournal(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	tr, changes, err := st.ReadTransaction(cmd.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("transaction %s not found", id), nil)
		return WrapExitError(ExitCommandError, "transaction not found", err)
	}
	if err != nil {
		_ = formatter.Error(ErrCodeJournal, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read transaction", err)
	}

	if formatter.JSON() {
		return formatter.Success(TransactionDetail{Transaction: tr, Changes: changes})
	}
	writeTransaction(formatter.Writer, tr, changes)
	return nil
}

func writeTransaction(w io.Writer, tr store.TransactionRow, changes []store.ChangeRow) {
	fmt.Fprintf(w, "Transaction %s\n", tr.ID)
	fmt.Fprintf(w, "  outcome:   %s\n", tr.Outcome)
	fmt.Fprintf(w, "  mode:      %s (failure handling %s, conflicts %s)\n", tr.Mode, tr.FailureHandling, tr.ConflictBehavior)
	fmt.Fprintf(w, "  duration:  %s\n", tr.FinishedAt.Sub(tr.StartedAt))
	if tr.Error != "" {
		fmt.Fprintf(w, "  error:     %s\n", tr.Error)
	}
	fmt.Fprintf(w, "  hash:      %s\n", tr.RecordHash)
	if len(changes) == 0 {
		return
	}
	fmt.Fprintln(w, "Changes:")
	for _, c := range changes {
		line := fmt.Sprintf("  [%d] %-19s %s: %s -> %s", c.Seq, c.Status, c.Property, c.OldValue, c.NewValue)
		if c.Source != "" {
			line += " via " + c.Source
		}
		if c.Error != "" {
			line += " (" + c.Error + ")"
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

func runJournalVerify(opts *JournalOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	st, err := openJournal(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := cmd.Context()

	ids := []string{id}
	if id == "" {
		rows, err := st.ListTransactions(ctx, 0)
		if err != nil {
			_ = formatter.Error(ErrCodeJournal, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to list transactions", err)
		}
		ids = ids[:0]
		for _, tr := range rows {
			ids = append(ids, tr.ID)
		}
	}

	results := make([]store.VerifyResult, 0, len(ids))
	failed := 0
	for _, txID := range ids {
		res, err := st.VerifyTransaction(ctx, txID)
		if errors.Is(err, store.ErrNotFound) {
			_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("transaction %s not found", txID), nil)
			return WrapExitError(ExitCommandError, "transaction not found", err)
		}
		if err != nil {
			_ = formatter.Error(ErrCodeJournal, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to verify transaction", err)
		}
		if !res.OK {
			failed++
		}
		results = append(results, res)
	}

	if formatter.JSON() {
		if failed > 0 {
			if err := formatter.Failure(ErrCodeHashMismatch, fmt.Sprintf("%d transaction(s) failed verification", failed), results); err != nil {
				return err
			}
		} else if err := formatter.Success(results); err != nil {
			return err
		}
	} else {
		w := formatter.Writer
		for _, res := range results {
			if res.OK {
				fmt.Fprintf(w, "✓ %s\n", res.ID)
				continue
			}
			fmt.Fprintf(w, "✗ %s\n", res.ID)
			for _, m := range res.Mismatches {
				what := fmt.Sprintf("change %d", m.Seq)
				if m.Seq < 0 {
					what = "record hash"
				}
				fmt.Fprintf(w, "  %s: stored %s, computed %s\n", what, m.Stored, m.Computed)
			}
		}
		fmt.Fprintf(w, "\nVerified %d transaction(s), %d mismatched\n", len(results), failed)
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d transaction(s) failed verification", failed))
	}
	return nil
}
