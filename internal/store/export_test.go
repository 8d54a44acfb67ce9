package store

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/equity-aggregator/internal/domain"
)

// readExportLines decompresses an artifact and returns its NDJSON lines.
func readExportLines(t *testing.T, path string) []string {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	var lines []string
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestExportRebuildRoundTrip(t *testing.T) {
	s := setupTestStore(t, 0)

	require.NoError(t, s.SaveCanonicalEquities([]domain.CanonicalEquity{
		makeCanonical(t, "BBG000000003", "Gamma Corp"),
		makeCanonical(t, "BBG000000001", "Alpha Corp"),
		makeCanonical(t, "BBG000000002", "Beta Corp"),
	}))

	path := filepath.Join(t.TempDir(), "artifact.jsonl.gz")
	require.NoError(t, s.ExportToFile(path))
	before := readExportLines(t, path)

	// Lines come out FIGI-ascending regardless of insertion order
	require.Len(t, before, 3)
	assert.Contains(t, before[0], "BBG000000001")
	assert.Contains(t, before[1], "BBG000000002")
	assert.Contains(t, before[2], "BBG000000003")

	// Rebuild into a fresh store and compare serialised form
	rebuilt := setupTestStore(t, 0)
	require.NoError(t, rebuilt.RebuildFromExport(path))

	rebuiltPath := filepath.Join(t.TempDir(), "rebuilt.jsonl.gz")
	require.NoError(t, rebuilt.ExportToFile(rebuiltPath))
	after := readExportLines(t, rebuiltPath)

	assert.Equal(t, before, after)
}

func TestRebuildFromExportReplacesExisting(t *testing.T) {
	source := setupTestStore(t, 0)
	require.NoError(t, source.SaveCanonicalEquities([]domain.CanonicalEquity{
		makeCanonical(t, "BBG000000009", "Replacement"),
	}))

	path := filepath.Join(t.TempDir(), "artifact.jsonl.gz")
	require.NoError(t, source.ExportToFile(path))

	target := setupTestStore(t, 0)
	require.NoError(t, target.SaveCanonicalEquities([]domain.CanonicalEquity{
		makeCanonical(t, "BBG000000001", "Old A"),
		makeCanonical(t, "BBG000000002", "Old B"),
	}))

	require.NoError(t, target.RebuildFromExport(path))

	loaded, err := target.LoadCanonicalEquities()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "BBG000000009", loaded[0].FIGI())
}

func TestRebuildFromExportRejectsBadArtifact(t *testing.T) {
	s := setupTestStore(t, 0)
	require.NoError(t, s.SaveCanonicalEquities([]domain.CanonicalEquity{
		makeCanonical(t, "BBG000000001", "Keep Me"),
	}))

	// Not a gzip file at all
	path := filepath.Join(t.TempDir(), "bogus.jsonl.gz")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0644))

	assert.Error(t, s.RebuildFromExport(path))

	// Existing table untouched
	loaded, err := s.LoadCanonicalEquities()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "BBG000000001", loaded[0].FIGI())
}

func TestExportEmptyTable(t *testing.T) {
	s := setupTestStore(t, 0)

	path := filepath.Join(t.TempDir(), "empty.jsonl.gz")
	require.NoError(t, s.ExportToFile(path))

	lines := readExportLines(t, path)
	assert.Empty(t, lines)
}
