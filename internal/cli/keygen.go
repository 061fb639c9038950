package cli

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/packet"
)

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Out   string
	Force bool
}

// KeygenResult is the output of keygen.
type KeygenResult struct {
	Member  ir.MemberID `json:"member"`
	KeyFile string      `json:"key_file"`
}

func (r KeygenResult) String() string {
	return fmt.Sprintf("Wrote %s\nmember: %s", r.KeyFile, r.Member)
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a member signing key",
		Long: `Generate a new ed25519 signing key and print the member id derived
from it. The key is written to --out, or to key_file of the config.

Examples:
  retract keygen --out node.key
  retract keygen --config node.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "key file to write")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing key file")

	return cmd
}

func runKeygen(opts *KeygenOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	path := opts.Out
	if path == "" {
		cfg, err := loadConfig(opts.RootOptions)
		if err != nil {
			return WrapExitError(ExitFailure, "invalid config", err)
		}
		path = cfg.KeyFile
	}

	if _, err := os.Stat(path); err == nil && !opts.Force {
		_ = formatter.Error(ErrCodeGeneric, fmt.Sprintf("%s already exists (use --force to replace it)", path), nil)
		return NewExitError(ExitCommandError, "key file exists")
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return WrapExitError(ExitCommandError, "failed to check key file", err)
	}

	signer, err := packet.GenerateSigner(rand.Reader)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to generate key", err)
	}
	if err := packet.WriteKeyFile(path, signer); err != nil {
		return WrapExitError(ExitCommandError, "failed to write key", err)
	}
	formatter.VerboseLog("key written with mode 0600")

	return formatter.Success(KeygenResult{Member: signer.Member(), KeyFile: path})
}
