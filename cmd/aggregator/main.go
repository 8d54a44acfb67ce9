// Command aggregator runs the equity aggregation pipeline and manages its
// single-file data store.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/equity-aggregator/internal/config"
	"github.com/aristath/equity-aggregator/pkg/logger"
)

// app carries the loaded configuration and logger into every command.
type app struct {
	cfg *config.Config
	log zerolog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var pretty bool

	root := &cobra.Command{
		Use:   "aggregator",
		Short: "Aggregate exchange equity listings into a canonical data store",
		Long: `aggregator collects equity listings from exchange feeds, converts
prices to USD, resolves authoritative identities, merges duplicates, enriches
the result, and stores canonical records in a single SQLite file.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: pretty})
			logger.SetGlobalLogger(a.log)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&pretty, "pretty", false, "pretty console log output")

	root.AddCommand(newSeedCmd(a))
	root.AddCommand(newExportCmd(a))
	root.AddCommand(newDownloadCmd(a))
	root.AddCommand(newCleanupCmd(a))
	return root
}
