package cli

import (
	"context"
	"fmt"

	"github.com/roach88/retract/internal/community"
	"github.com/roach88/retract/internal/config"
	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/ledger"
	"github.com/roach88/retract/internal/store"
)

// Error codes for structured CLI output.
const (
	ErrCodeGeneric   = "E001" // Generic/unknown error
	ErrCodeConfig    = "E002" // Config file invalid
	ErrCodeCommunity = "E003" // Community definition invalid
	ErrCodeNotFound  = "E005" // Record not found
	ErrCodeBadKey    = "E006" // Record key could not be parsed
)

// loadConfig reads the --config file, or returns the defaults when the flag
// is empty.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if opts.Config == "" {
		return config.Default(), nil
	}
	return config.Load(opts.Config)
}

// node holds the local state shared by every command that opens a replica.
type node struct {
	cfg       config.Config
	store     *store.Store
	community *community.Community // nil without community_file
	ledger    *ledger.Ledger
}

// openNode opens the store named by cfg and rebuilds the permission ledger.
// Callers must call close.
func openNode(ctx context.Context, cfg config.Config) (*node, error) {
	var (
		comm    *community.Community
		masters []ir.MemberID
	)
	if cfg.CommunityFile != "" {
		c, err := community.LoadFile(cfg.CommunityFile)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "failed to load community", err)
		}
		comm, masters = c, c.Masters
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	led, err := ledger.New(ctx, st, masters)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load permission ledger", err)
	}

	return &node{cfg: cfg, store: st, community: comm, ledger: led}, nil
}

func (n *node) close() error {
	if err := n.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
