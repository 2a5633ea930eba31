package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/harvester/pkg/config"
	"github.com/Sternrassler/harvester/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

// app carries what every subcommand needs.
type app struct {
	configPath string
	cfg        *config.Config
	logger     zerolog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "harvester",
		Short: "Harvest an identifier-ordered REST table into CSV segments",
		Long: `harvester pages through a PostgREST-style table in identifier order and
writes the rows into numbered CSV segments. Interrupted passes resume from
the last persisted identifier. The gaps command finds identifier ranges
missing between segments and re-fetches them into a report file.

Configuration comes from an optional file (--config) and HARVESTER_*
environment variables, e.g. HARVESTER_SOURCE_API_KEY.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			a.cfg = cfg
			a.logger = logging.Setup(logging.Config{
				Level:  logging.LogLevel(cfg.Log.Level),
				Pretty: cfg.Log.Pretty,
				Output: cmd.ErrOrStderr(),
			})
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML or JSON config file")

	root.AddCommand(
		newHarvestCommand(a),
		newGapsCommand(a),
		newRunCommand(a),
		newStatusCommand(a),
	)
	return root
}
