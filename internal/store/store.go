// Package store provides the single-file data store shared by the pipeline:
// a canonical-equity table keyed by share-class FIGI plus a keyed, TTL-scoped
// object cache used by every fetcher. All payloads are stored opaquely; the
// canonical table holds JSON, the object cache holds whatever bytes the
// caller serialised.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/equity-aggregator/internal/database"
	"github.com/aristath/equity-aggregator/internal/domain"
)

// DefaultKey is the key used by the single-entry cache operations.
const DefaultKey = "_"

const schema = `
CREATE TABLE IF NOT EXISTS canonical_equities (
	share_class_figi TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS object_cache (
	cache_name TEXT,
	key TEXT,
	created_at INTEGER,
	payload BLOB,
	PRIMARY KEY (cache_name, key)
);
`

// Store provides cache and canonical-table operations over one SQLite file.
type Store struct {
	db  *database.DB
	ttl time.Duration // 0 disables object-cache expiry
	log zerolog.Logger

	// now is swappable in tests
	now func() time.Time
}

// New opens (or creates) the data store at path and applies the schema.
// ttl governs the object cache only; it must be non-negative.
func New(path string, ttl time.Duration, log zerolog.Logger) (*Store, error) {
	if ttl < 0 {
		return nil, fmt.Errorf("cache TTL must be non-negative, got %s", ttl)
	}

	db, err := database.New(database.Config{Path: path, Name: "data_store"})
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply data store schema: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.HealthCheck(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("data store failed health check: %w", err)
	}

	return &Store{
		db:  db,
		ttl: ttl,
		log: log.With().Str("component", "store").Logger(),
		now: time.Now,
	}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Compact checkpoints the WAL and vacuums the file to reclaim space.
func (s *Store) Compact() error {
	if err := s.db.WALCheckpoint("TRUNCATE"); err != nil {
		return err
	}
	return s.db.Vacuum()
}

// SaveCache stores a payload under the cache's default entry.
func (s *Store) SaveCache(name string, payload []byte) error {
	return s.SaveCacheEntry(name, DefaultKey, payload)
}

// LoadCache loads the cache's default entry. Returns nil when absent or expired.
func (s *Store) LoadCache(name string) ([]byte, error) {
	return s.LoadCacheEntry(name, DefaultKey)
}

// SaveCacheEntry upserts a payload under (name, key) with the current timestamp.
func (s *Store) SaveCacheEntry(name, key string, payload []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO object_cache (cache_name, key, created_at, payload) VALUES (?, ?, ?, ?)",
		name, key, s.now().Unix(), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s/%s: %w", name, key, err)
	}
	return nil
}

// LoadCacheEntry reads a payload under (name, key). Entries older than the
// configured TTL are deleted inline and reported as absent. Returns nil, nil
// when the entry does not exist.
func (s *Store) LoadCacheEntry(name, key string) ([]byte, error) {
	var payload []byte
	var createdAt int64
	err := s.db.QueryRow(
		"SELECT created_at, payload FROM object_cache WHERE cache_name = ? AND key = ?",
		name, key,
	).Scan(&createdAt, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cache entry %s/%s: %w", name, key, err)
	}

	if s.ttl > 0 && s.now().Unix()-createdAt > int64(s.ttl.Seconds()) {
		if _, err := s.db.Exec(
			"DELETE FROM object_cache WHERE cache_name = ? AND key = ?", name, key,
		); err != nil {
			return nil, fmt.Errorf("failed to purge expired cache entry %s/%s: %w", name, key, err)
		}
		s.log.Debug().Str("cache", name).Str("key", key).Msg("Purged expired cache entry")
		return nil, nil
	}

	return payload, nil
}

// DeleteExpired removes every object-cache row older than the TTL.
// Returns the number of rows deleted. A zero TTL deletes nothing.
func (s *Store) DeleteExpired() (int64, error) {
	if s.ttl == 0 {
		return 0, nil
	}

	cutoff := s.now().Unix() - int64(s.ttl.Seconds())
	result, err := s.db.Exec("DELETE FROM object_cache WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// SaveCanonicalEquities upserts canonical records by share-class FIGI.
func (s *Store) SaveCanonicalEquities(equities []domain.CanonicalEquity) error {
	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			"INSERT OR REPLACE INTO canonical_equities (share_class_figi, payload) VALUES (?, ?)",
		)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, equity := range equities {
			payload, err := json.Marshal(equity)
			if err != nil {
				return fmt.Errorf("failed to marshal canonical equity %s: %w", equity.FIGI(), err)
			}
			if _, err := stmt.Exec(equity.FIGI(), string(payload)); err != nil {
				return fmt.Errorf("failed to upsert canonical equity %s: %w", equity.FIGI(), err)
			}
		}
		return nil
	})
}

// LoadCanonicalEquities reads every canonical record, ordered by FIGI
// ascending. Corrupt payloads are skipped with a warning.
func (s *Store) LoadCanonicalEquities() ([]domain.CanonicalEquity, error) {
	rows, err := s.db.Query(
		"SELECT share_class_figi, payload FROM canonical_equities ORDER BY share_class_figi ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query canonical equities: %w", err)
	}
	defer rows.Close()

	var equities []domain.CanonicalEquity
	for rows.Next() {
		var figi, payload string
		if err := rows.Scan(&figi, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan canonical equity row: %w", err)
		}

		var equity domain.CanonicalEquity
		if err := json.Unmarshal([]byte(payload), &equity); err != nil {
			s.log.Warn().Err(err).Str("figi", figi).Msg("Skipping corrupt canonical payload")
			continue
		}
		equities = append(equities, equity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate canonical equities: %w", err)
	}

	return equities, nil
}

// LoadCanonicalEquity reads a single canonical record by FIGI.
// Returns nil, nil when no record exists.
func (s *Store) LoadCanonicalEquity(figi string) (*domain.CanonicalEquity, error) {
	var payload string
	err := s.db.QueryRow(
		"SELECT payload FROM canonical_equities WHERE share_class_figi = ?", figi,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load canonical equity %s: %w", figi, err)
	}

	var equity domain.CanonicalEquity
	if err := json.Unmarshal([]byte(payload), &equity); err != nil {
		return nil, fmt.Errorf("corrupt canonical payload for %s: %w", figi, err)
	}
	return &equity, nil
}
