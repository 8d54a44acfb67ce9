package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/equity-aggregator/internal/artifact"
	"github.com/aristath/equity-aggregator/internal/httpclient"
	"github.com/aristath/equity-aggregator/internal/store"
)

func newDownloadCmd(a *app) *cobra.Command {
	var rawURL string

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Rebuild the data store from a remote export artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := rawURL
			if url == "" {
				url = a.cfg.ArtifactURL
			}
			if url == "" {
				return fmt.Errorf("no artifact URL: pass --url or set ARTIFACT_URL")
			}

			dataStore, err := store.New(a.cfg.StorePath(), a.cfg.CacheTTL, a.log)
			if err != nil {
				return err
			}
			defer dataStore.Close()

			fetcher := artifact.NewFetcher(httpclient.New(httpclient.Config{}), a.log)
			if err := fetcher.Restore(cmd.Context(), url, dataStore); err != nil {
				return err
			}
			a.log.Info().Str("url", url).Msg("Data store rebuilt from artifact")
			return nil
		},
	}

	cmd.Flags().StringVar(&rawURL, "url", "", "artifact URL (https:// or s3://)")
	return cmd
}
