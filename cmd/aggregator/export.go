package main

import (
	"github.com/spf13/cobra"

	"github.com/aristath/equity-aggregator/internal/store"
)

func newExportCmd(a *app) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export canonical equities to a gzip NDJSON artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataStore, err := store.New(a.cfg.StorePath(), a.cfg.CacheTTL, a.log)
			if err != nil {
				return err
			}
			defer dataStore.Close()

			path := out
			if path == "" {
				path = a.cfg.ExportPath()
			}
			if err := dataStore.ExportToFile(path); err != nil {
				return err
			}
			a.log.Info().Str("path", path).Msg("Export complete")
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "artifact path (defaults to the data directory)")
	return cmd
}
