package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database string
}

// StatusResult is the cancellation status of one record.
type StatusResult struct {
	Key         string        `json:"key"`
	CID         string        `json:"cid"`
	Status      string        `json:"status"`
	CancelledBy *ir.RecordKey `json:"cancelled_by,omitempty"`
	Cancellers  []string      `json:"cancellers"`
}

func (r StatusResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n  cid:    %s\n  status: %s", r.Key, r.CID, r.Status)
	for _, c := range r.Cancellers {
		fmt.Fprintf(&b, "\n  cancel: %s", c)
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <author/type@time>",
		Short: "Show the cancellation status of a record",
		Long: `Show whether a stored record is active or cancelled, and list every
cancel record stored for it (the active one and retained losers).

Examples:
  retract status --db ./retract.db 3b6a.../text@10
  retract status --config node.yaml 3b6a.../text@10 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	return cmd
}

func runStatus(opts *StatusOptions, arg string, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := newFormatter(opts.RootOptions, cmd)

	key, err := ir.ParseRecordKey(arg)
	if err != nil {
		_ = formatter.Error(ErrCodeBadKey, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid record key", err)
	}

	st, err := openStore(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	sr, err := st.LookupStored(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("record %s not found", key), nil)
		return WrapExitError(ExitFailure, "record not found", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read record", err)
	}

	cancellers, err := st.ReadCancellers(ctx, key)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read cancellers", err)
	}
	formatter.VerboseLog("found %d cancel record(s)", len(cancellers))

	result := StatusResult{
		Key:         sr.Record.Key().String(),
		CID:         sr.Record.CID(),
		Status:      sr.Status.String(),
		CancelledBy: sr.Status.CancelledBy,
		Cancellers:  make([]string, 0, len(cancellers)),
	}
	for _, c := range cancellers {
		mark := "inactive"
		if sr.Status.CancelledBy != nil && c.Key().SameIdentity(*sr.Status.CancelledBy) {
			mark = "active"
		}
		result.Cancellers = append(result.Cancellers, fmt.Sprintf("%s (%s)", c.Key(), mark))
	}
	return formatter.Success(result)
}

// openStore opens the --db store, falling back to the configured database.
func openStore(opts *RootOptions, database string) (*store.Store, error) {
	if database == "" {
		cfg, err := loadConfig(opts)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "invalid config", err)
		}
		database = cfg.Database
	}
	st, err := store.Open(database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}
