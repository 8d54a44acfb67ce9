package main

import (
	"github.com/spf13/cobra"

	"github.com/aristath/equity-aggregator/internal/store"
)

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge expired object-cache entries and reclaim space",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataStore, err := store.New(a.cfg.StorePath(), a.cfg.CacheTTL, a.log)
			if err != nil {
				return err
			}
			defer dataStore.Close()

			deleted, err := dataStore.DeleteExpired()
			if err != nil {
				return err
			}
			if err := dataStore.Compact(); err != nil {
				return err
			}
			a.log.Info().Int64("deleted", deleted).Msg("Cleanup complete")
			return nil
		},
	}
}
