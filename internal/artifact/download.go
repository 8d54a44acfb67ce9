// Package artifact fetches a canonical-equities export artifact from an
// https:// or s3:// location and rebuilds the local data store from it.
package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/equity-aggregator/internal/httpclient"
	"github.com/aristath/equity-aggregator/internal/store"
)

// Fetcher downloads export artifacts.
type Fetcher struct {
	httpClient *httpclient.Client
	log        zerolog.Logger

	// newDownloader is swappable in tests.
	newDownloader func(ctx context.Context) (downloader, error)
}

// downloader is the slice of the S3 transfer manager the fetcher needs.
type downloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, opts ...func(*manager.Downloader)) (int64, error)
}

// NewFetcher creates a fetcher.
func NewFetcher(httpClient *httpclient.Client, log zerolog.Logger) *Fetcher {
	f := &Fetcher{
		httpClient: httpClient,
		log:        log.With().Str("component", "artifact").Logger(),
	}
	f.newDownloader = f.defaultDownloader
	return f
}

func (f *Fetcher) defaultDownloader(ctx context.Context) (downloader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return manager.NewDownloader(s3.NewFromConfig(cfg)), nil
}

// Restore downloads the artifact at rawURL into a temp file and rebuilds the
// store's canonical table from it. The temp file is removed afterwards.
func (f *Fetcher) Restore(ctx context.Context, rawURL string, dataStore *store.Store) error {
	tmp, err := os.CreateTemp("", "canonical_equities_*.jsonl.gz")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := f.download(ctx, rawURL, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush artifact: %w", err)
	}

	f.log.Info().Str("url", rawURL).Msg("Artifact downloaded, rebuilding data store")
	if err := dataStore.RebuildFromExport(tmpPath); err != nil {
		return fmt.Errorf("failed to rebuild from artifact: %w", err)
	}
	return nil
}

// download writes the artifact at rawURL into dest.
func (f *Fetcher) download(ctx context.Context, rawURL string, dest *os.File) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid artifact URL %q: %w", rawURL, err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return f.downloadHTTP(ctx, rawURL, dest)
	case "s3":
		return f.downloadS3(ctx, parsed, dest)
	default:
		return fmt.Errorf("unsupported artifact scheme %q", parsed.Scheme)
	}
}

func (f *Fetcher) downloadHTTP(ctx context.Context, rawURL string, dest *os.File) error {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.httpClient.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("artifact request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("artifact server returned status %d", resp.StatusCode)
	}

	if _, err := io.Copy(dest, resp.Body); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

func (f *Fetcher) downloadS3(ctx context.Context, parsed *url.URL, dest *os.File) error {
	bucket := parsed.Host
	key := strings.TrimPrefix(parsed.Path, "/")
	if bucket == "" || key == "" {
		return fmt.Errorf("s3 artifact URL must be s3://bucket/key, got %q", parsed.String())
	}

	dl, err := f.newDownloader(ctx)
	if err != nil {
		return err
	}

	if _, err := dl.Download(ctx, dest, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3 download of %s/%s failed: %w", bucket, filepath.ToSlash(key), err)
	}
	return nil
}
