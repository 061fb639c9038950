package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/roach88/retract/internal/config"
	"github.com/roach88/retract/internal/engine"
	"github.com/roach88/retract/internal/httpapi"
	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/packet"
	"github.com/roach88/retract/internal/transport"
)

// RunOptions holds flags for the run command. Non-empty values override
// the config file.
type RunOptions struct {
	*RootOptions
	Database   string
	ListenAddr string
	HTTPAddr   string
	Peers      []string // id=addr

	// Listening, when set, receives the bound overlay and HTTP addresses
	// once both listeners are open (for tests).
	Listening func(overlay, http net.Addr)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a replica",
		Long: `Start a replica node.

The node loads its signing key, opens (or creates) its SQLite store,
rebuilds the permission ledger, and then serves the overlay gRPC service
for peers and the read-only HTTP API until interrupted.

Example:
  retract run --config node.yaml
  retract run --db /tmp/a.db --listen 127.0.0.1:7401 --peer b=127.0.0.1:7402 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "overlay gRPC listen address")
	cmd.Flags().StringVar(&opts.HTTPAddr, "http", "", "HTTP API listen address")
	cmd.Flags().StringArrayVar(&opts.Peers, "peer", nil, "peer as id=addr (repeatable)")

	return cmd
}

func (o *RunOptions) apply(cfg *config.Config) error {
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if o.ListenAddr != "" {
		cfg.ListenAddr = o.ListenAddr
	}
	if o.HTTPAddr != "" {
		cfg.HTTPAddr = o.HTTPAddr
	}
	if len(o.Peers) > 0 {
		peers, err := config.ParsePeers(o.Peers)
		if err != nil {
			return err
		}
		if cfg.Peers == nil {
			cfg.Peers = make(map[string]string, len(peers))
		}
		for id, addr := range peers {
			cfg.Peers[id] = addr
		}
	}
	return cfg.Validate()
}

func runNode(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid config", err)
	}
	if err := opts.apply(&cfg); err != nil {
		return WrapExitError(ExitFailure, "invalid config", err)
	}

	logLevel := cfg.SlogLevel()
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	signer, err := packet.ReadKeyFile(cfg.KeyFile)
	if errors.Is(err, fs.ErrNotExist) {
		return WrapExitError(ExitCommandError,
			fmt.Sprintf("no key at %s (create one with `retract keygen`)", cfg.KeyFile), err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load key", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	slog.Info("opening database", "path", cfg.Database)
	n, err := openNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := n.close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	pool := transport.NewPool(ir.PeerID(cfg.NodeID), cfg.PeerAddrs(), transport.DialOptions{Timeout: 10 * time.Second})
	defer pool.Close()

	engineOpts := []engine.EngineOption{
		engine.WithSigner(signer),
		engine.WithPeers(cfg.PeerIDs()...),
		engine.WithBackoff(cfg.Retry.Backoff()),
		engine.WithShards(cfg.Shards),
	}
	if n.community != nil {
		engineOpts = append(engineOpts, engine.WithTypes(n.community))
	}
	eng, err := engine.New(ctx, n.store, n.ledger, pool, engineOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	grpcServer := grpc.NewServer()
	transport.RegisterOverlayServer(grpcServer, &transport.Server{Receiver: eng})
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("overlay server stopped", "error", err)
		}
	}()
	defer grpcServer.GracefulStop()

	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen for HTTP", err)
	}
	httpServer := &http.Server{Handler: httpapi.NewServer(eng), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("node starting",
		"node", cfg.NodeID,
		"member", eng.Member().Short(),
		"overlay", lis.Addr().String(),
		"http", httpLis.Addr().String(),
		"peers", len(cfg.Peers),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Node %s started as member %s.\n", cfg.NodeID, eng.Member())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Listening != nil {
		opts.Listening(lis.Addr(), httpLis.Addr())
	}

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	slog.Info("node stopped gracefully")
	return nil
}
