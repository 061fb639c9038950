package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/retract/internal/ir"
)

// RecordsOptions holds flags for the records command.
type RecordsOptions struct {
	*RootOptions
	Database string
	Author   string
	Limit    int
}

// RecordRow is one line of the records listing.
type RecordRow struct {
	Seq    int64         `json:"seq"`
	Key    string        `json:"key"`
	Victim *ir.RecordKey `json:"victim,omitempty"`
	Status string        `json:"status,omitempty"`
}

// RecordsResult is the output of records.
type RecordsResult struct {
	Records []RecordRow `json:"records"`
}

func (r RecordsResult) String() string {
	if len(r.Records) == 0 {
		return "No records."
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tKEY\tSTATUS")
	for _, row := range r.Records {
		status := row.Status
		if row.Victim != nil {
			status = "cancels " + row.Victim.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", row.Seq, row.Key, status)
	}
	_ = tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}

// NewRecordsCommand creates the records command.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "records",
		Short: "List stored records",
		Long: `List the records stored on this replica in local arrival order.

Data records show their cancellation status; cancel records show the
record they target.

Examples:
  retract records --db ./retract.db
  retract records --db ./retract.db --author 3b6a... --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecords(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Author, "author", "", "only records of this member")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records (0 = all)")

	return cmd
}

func runRecords(opts *RecordsOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := openStore(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	stored, err := st.ReadRecords(ctx, ir.MemberID(opts.Author), opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read records", err)
	}

	result := RecordsResult{Records: make([]RecordRow, 0, len(stored))}
	for _, sr := range stored {
		row := RecordRow{Seq: sr.Seq, Key: sr.Record.Key().String(), Victim: sr.Record.Victim}
		if !sr.Record.Type.IsSystem() {
			row.Status = sr.Status.String()
		}
		result.Records = append(result.Records, row)
	}
	return formatter.Success(result)
}
