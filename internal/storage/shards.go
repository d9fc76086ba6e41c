package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/ssd-technologies/keepnet/internal/audit"
	"github.com/ssd-technologies/keepnet/internal/shard"
)

// ShardStore is the farmer-side backend for raw shard bytes. It stores the
// audit public record alongside the shard bytes under the same key so that
// deleting a shard also deletes its audit record: a farmer that has
// discarded a shard has nothing left to answer an AUDIT with, which is
// what makes audit soundness (Testable Property 5) hold in practice.
type ShardStore struct {
	db *sql.DB
}

// OpenShardStore opens (creating if necessary) the SQLite-backed shard
// table at path.
func OpenShardStore(path string) (*ShardStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open shard store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS shards (
		data_hash TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		audit_public BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create shards table: %w", err)
	}
	return &ShardStore{db: db}, nil
}

// Put stores shard bytes alongside their audit public record, keyed by hash.
func (s *ShardStore) Put(hash shard.Hash, data []byte, pub *audit.PublicRecord) error {
	pubJSON, err := json.Marshal(pub)
	if err != nil {
		return fmt.Errorf("storage: encode audit record for %s: %w", hash, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO shards (data_hash, payload, audit_public) VALUES (?, ?, ?)
		 ON CONFLICT(data_hash) DO UPDATE SET payload = excluded.payload, audit_public = excluded.audit_public`,
		hash.String(), data, pubJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: put shard %s: %w", hash, err)
	}
	return nil
}

// Get returns the raw bytes stored under hash.
func (s *ShardStore) Get(hash shard.Hash) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT payload FROM shards WHERE data_hash = ?`, hash.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("storage: shard %s not found", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get shard %s: %w", hash, err)
	}
	return data, nil
}

// GetAuditPublic returns the audit public record stored alongside hash's
// shard bytes.
func (s *ShardStore) GetAuditPublic(hash shard.Hash) (*audit.PublicRecord, error) {
	var raw []byte
	err := s.db.QueryRow(`SELECT audit_public FROM shards WHERE data_hash = ?`, hash.String()).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("storage: audit record for %s not found", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get audit record %s: %w", hash, err)
	}
	var pub audit.PublicRecord
	if err := json.Unmarshal(raw, &pub); err != nil {
		return nil, fmt.Errorf("storage: decode audit record %s: %w", hash, err)
	}
	return &pub, nil
}

// Delete removes a shard and its co-located audit record in one unit.
func (s *ShardStore) Delete(hash shard.Hash) error {
	if _, err := s.db.Exec(`DELETE FROM shards WHERE data_hash = ?`, hash.String()); err != nil {
		return fmt.Errorf("storage: delete shard %s: %w", hash, err)
	}
	return nil
}

// Has reports whether a shard is currently stored under hash.
func (s *ShardStore) Has(hash shard.Hash) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM shards WHERE data_hash = ?`, hash.String()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("storage: check shard %s: %w", hash, err)
	}
	return count > 0, nil
}

// Close releases the underlying database handle.
func (s *ShardStore) Close() error {
	return s.db.Close()
}
