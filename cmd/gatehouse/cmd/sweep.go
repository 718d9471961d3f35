package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehouse/config"
	"github.com/jmcleod/gatehouse/session"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired sessions from the configured store and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Read(v, configFile)
		if err != nil {
			return err
		}
		if err := cfg.Store.Validate(); err != nil {
			return err
		}
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		return runSweep(cmd.Context(), cfg.Store, cmd.OutOrStdout(), session.WithReclaimerLogger(logger))
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(ctx context.Context, cfg config.StoreConfig, out io.Writer, opts ...session.ReclaimerOption) error {
	repo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	n, err := session.NewReclaimer(repo, 0, opts...).SweepOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	fmt.Fprintf(out, "Removed %d expired session(s) from %s store\n", n, cfg.Driver)
	return nil
}
