// Command gnode runs the orchestration core of a blockchain node:
// block storage, the peer-to-peer network, and the event stream that ties them together.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"

	"github.com/gordian-engine/gnode/cmd/internal/gcmd"
	"github.com/gordian-engine/gnode/gkeystore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := mainE(); err != nil {
		os.Exit(1)
	}
}

func mainE() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	root := NewRootCmd(logger)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Info("Failure", "err", err)
		os.Stderr.Sync()
		return err
	}

	return nil
}

func defaultHome() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".gnode"
	}
	return filepath.Join(dir, ".gnode")
}

func NewRootCmd(log *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use: "gnode SUBCOMMAND",

		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},

		SilenceUsage: true,

		Long: `gnode runs the orchestration core of a blockchain node.

The node stores blocks, tracks the best and finalized chain heads,
gossips block announcements over libp2p,
and reports everything it observes as a single ordered event stream.

Configuration is read, in increasing precedence, from
$HOME_DIR/gnode.{toml,yaml,json}, GNODE_* environment variables, and flags.
To run a self-contained node that produces its own synthetic chain:
     $ gnode run --store memory --no-network --dev-block-interval 1s
`,
	}

	rootCmd.PersistentFlags().String("home", defaultHome(), "directory for config and data")

	rootCmd.AddCommand(
		NewRunCmd(log),
		NewNodeIDCmd(log),
		NewVersionCmd(),
	)

	return rootCmd
}

func NewNodeIDCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use: "node-id",

		Short: "Print the libp2p ID of the node key, creating the key file if needed",

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			home, err := cmd.Flags().GetString("home")
			if err != nil {
				return err
			}

			cfg, err := gcmd.LoadConfig(viper.New(), cmd.Flags(), home, "")
			if err != nil {
				return err
			}

			priv, err := cfg.LoadKey()
			if err != nil {
				return fmt.Errorf("failed to load node key: %w", err)
			}

			id, err := gkeystore.PeerID(priv)
			if err != nil {
				return fmt.Errorf("failed to derive node ID: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	gcmd.AddRunFlags(cmd.Flags())

	return cmd
}

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use: "version",

		Short: "Print the module version gnode was built from",

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			v := "(unknown)"
			if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
				v = bi.Main.Version
			}
			fmt.Fprintln(cmd.OutOrStdout(), "gnode", v)
			return nil
		},
	}
}
