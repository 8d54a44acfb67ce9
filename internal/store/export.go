package store

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/aristath/equity-aggregator/internal/database"
)

// Export writes the canonical table to w as gzip-compressed NDJSON, one
// record per line, ordered by FIGI ascending. Stored payloads are written
// verbatim so that export followed by rebuild is bit-identical.
func (s *Store) Export(w io.Writer) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}

	rows, err := s.db.Query(
		"SELECT payload FROM canonical_equities ORDER BY share_class_figi ASC",
	)
	if err != nil {
		gz.Close()
		return fmt.Errorf("failed to query canonical equities for export: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			gz.Close()
			return fmt.Errorf("failed to scan export row: %w", err)
		}
		if _, err := gz.Write(append([]byte(payload), '\n')); err != nil {
			gz.Close()
			return fmt.Errorf("failed to write export line: %w", err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		gz.Close()
		return fmt.Errorf("failed to iterate export rows: %w", err)
	}

	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalise gzip stream: %w", err)
	}

	s.log.Info().Int("count", count).Msg("Exported canonical equities")
	return nil
}

// ExportToFile exports the canonical table to path, writing through a
// temporary file and renaming so readers never observe a partial artifact.
func (s *Store) ExportToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*.jsonl.gz")
	if err != nil {
		return fmt.Errorf("failed to create temporary export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := s.Export(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary export file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move export into place: %w", err)
	}
	return nil
}

// RebuildFromExport drops the canonical table and repopulates it from a
// gzip-compressed NDJSON artifact, then compacts storage. The swap happens
// inside one transaction so a bad artifact leaves the table untouched.
func (s *Store) RebuildFromExport(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open export artifact: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	count := 0
	err = database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM canonical_equities"); err != nil {
			return fmt.Errorf("failed to clear canonical table: %w", err)
		}

		stmt, err := tx.Prepare(
			"INSERT OR REPLACE INTO canonical_equities (share_class_figi, payload) VALUES (?, ?)",
		)
		if err != nil {
			return fmt.Errorf("failed to prepare rebuild insert: %w", err)
		}
		defer stmt.Close()

		scanner := bufio.NewScanner(gz)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			figi, err := figiFromPayload(line)
			if err != nil {
				return fmt.Errorf("invalid artifact line %d: %w", count+1, err)
			}
			if _, err := stmt.Exec(figi, string(line)); err != nil {
				return fmt.Errorf("failed to insert rebuilt equity %s: %w", figi, err)
			}
			count++
		}
		return scanner.Err()
	})
	if err != nil {
		return err
	}

	if err := s.db.Vacuum(); err != nil {
		return err
	}

	s.log.Info().Int("count", count).Str("path", path).Msg("Rebuilt canonical table from export")
	return nil
}

// figiFromPayload extracts the primary key from a canonical JSON line.
func figiFromPayload(payload []byte) (string, error) {
	var record struct {
		Identity struct {
			ShareClassFIGI string `json:"share_class_figi"`
		} `json:"identity"`
	}
	if err := json.Unmarshal(payload, &record); err != nil {
		return "", fmt.Errorf("failed to parse canonical payload: %w", err)
	}
	if record.Identity.ShareClassFIGI == "" {
		return "", fmt.Errorf("canonical payload missing share_class_figi")
	}
	return record.Identity.ShareClassFIGI, nil
}
