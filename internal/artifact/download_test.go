package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/equity-aggregator/internal/domain"
	"github.com/aristath/equity-aggregator/internal/httpclient"
	"github.com/aristath/equity-aggregator/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(
		fmt.Sprintf("file:artifact_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano()),
		time.Hour, zerolog.Nop(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// exportArtifact builds a valid gzip export holding one canonical equity.
func exportArtifact(t *testing.T) []byte {
	t.Helper()
	seed := testStore(t)

	equity, err := domain.NewRawEquity(domain.RawEquityParams{
		Name: "Foo Inc", Symbol: "FOO", ShareClassFIGI: domain.StrPtr("BBG000000001"),
	})
	require.NoError(t, err)
	canonical, err := domain.NewCanonicalEquity(equity)
	require.NoError(t, err)
	require.NoError(t, seed.SaveCanonicalEquities([]domain.CanonicalEquity{canonical}))

	var buf bytes.Buffer
	require.NoError(t, seed.Export(&buf))
	return buf.Bytes()
}

func TestRestoreFromHTTP(t *testing.T) {
	payload := exportArtifact(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	dataStore := testStore(t)
	fetcher := NewFetcher(httpclient.New(httpclient.Config{}), zerolog.Nop())

	require.NoError(t, fetcher.Restore(context.Background(), server.URL, dataStore))

	equities, err := dataStore.LoadCanonicalEquities()
	require.NoError(t, err)
	require.Len(t, equities, 1)
	assert.Equal(t, "BBG000000001", equities[0].FIGI())
}

func TestRestoreHTTPErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	fetcher := NewFetcher(httpclient.New(httpclient.Config{}), zerolog.Nop())

	err := fetcher.Restore(context.Background(), server.URL, testStore(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

// stubDownloader writes canned bytes through the WriterAt like the real
// transfer manager does.
type stubDownloader struct {
	payload []byte
	bucket  string
	key     string
}

func (s *stubDownloader) Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, opts ...func(*manager.Downloader)) (int64, error) {
	s.bucket = *input.Bucket
	s.key = *input.Key
	n, err := w.WriteAt(s.payload, 0)
	return int64(n), err
}

func TestRestoreFromS3(t *testing.T) {
	stub := &stubDownloader{payload: exportArtifact(t)}

	dataStore := testStore(t)
	fetcher := NewFetcher(httpclient.New(httpclient.Config{}), zerolog.Nop())
	fetcher.newDownloader = func(ctx context.Context) (downloader, error) {
		return stub, nil
	}

	require.NoError(t, fetcher.Restore(context.Background(),
		"s3://exports-bucket/artifacts/canonical_equities.jsonl.gz", dataStore))

	assert.Equal(t, "exports-bucket", stub.bucket)
	assert.Equal(t, "artifacts/canonical_equities.jsonl.gz", stub.key)

	equities, err := dataStore.LoadCanonicalEquities()
	require.NoError(t, err)
	assert.Len(t, equities, 1)
}

func TestRestoreUnsupportedScheme(t *testing.T) {
	fetcher := NewFetcher(httpclient.New(httpclient.Config{}), zerolog.Nop())

	err := fetcher.Restore(context.Background(), "ftp://example.com/export.gz", testStore(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported artifact scheme "ftp"`)
}
