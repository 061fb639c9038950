package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/retract/internal/community"
)

// ValidationIssue is one problem found by validate.
type ValidationIssue struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Community string            `json:"community,omitempty"`
	Types     int               `json:"types"`
	Masters   int               `json:"masters"`
	Errors    []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var communityFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the node config and community definition",
		Long: `Validate the node config (--config) and the CUE community definition
it names, without opening the database or the network.

Examples:
  retract validate --config node.yaml
  retract validate --community community.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, communityFile, cmd)
		},
	}

	cmd.Flags().StringVar(&communityFile, "community", "", "community CUE file (overrides config)")

	return cmd
}

func runValidate(opts *RootOptions, communityFile string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	var issues []ValidationIssue

	cfg, err := loadConfig(opts)
	if err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			issues = append(issues, ValidationIssue{Code: ErrCodeConfig, Field: "config", Message: line})
		}
		return outputValidationErrors(formatter, issues)
	}
	formatter.VerboseLog("config ok: node %s, %d peer(s)", cfg.NodeID, len(cfg.Peers))

	if communityFile == "" {
		communityFile = cfg.CommunityFile
	}
	result := ValidationResult{Valid: true}
	if communityFile != "" {
		comm, err := community.LoadFile(communityFile)
		if err != nil {
			issue := ValidationIssue{Code: ErrCodeCommunity, Message: err.Error()}
			var ce *community.CompileError
			if errors.As(err, &ce) {
				issue.Field = ce.Field
				issue.Message = ce.Message
				if ce.Pos.IsValid() {
					issue.Line = ce.Pos.Line()
				}
			}
			return outputValidationErrors(formatter, append(issues, issue))
		}
		result.Community = comm.Name
		result.Types = len(comm.Types)
		result.Masters = len(comm.Masters)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	if result.Community == "" {
		fmt.Fprintln(formatter.Writer, "✓ Config valid (no community file)")
		return nil
	}
	fmt.Fprintf(formatter.Writer, "✓ Config valid, community %q: %d type(s), %d master(s)\n",
		result.Community, result.Types, result.Masters)
	return nil
}

// outputValidationErrors outputs validation issues and returns the failure.
func outputValidationErrors(formatter *OutputFormatter, issues []ValidationIssue) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: issues},
			Error: &CLIError{
				Code:    issues[0].Code,
				Message: issues[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", issue.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
}
