package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mimiro-io/archrepo-datalayer/internal/conf"
)

// CacheStore is the durable local cache, two tables in a SQLite file.
// All writes go through a single connection guarded by a mutex so that
// concurrent revalidations from the graph worker pool cannot lose updates.
type CacheStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.SugaredLogger
}

// EntityRecord is the persisted wrapper around one entity snapshot.
type EntityRecord struct {
	Id          string
	Type        string
	Name        string
	Data        []byte
	RetrievedAt time.Time
	ModifiedAt  *int64
}

type RelationshipRecord struct {
	Id          string
	SourceId    string
	TargetId    string
	Type        string
	Data        []byte
	RetrievedAt time.Time
}

type CacheStats struct {
	TotalEntities          int     `json:"totalEntities"`
	TotalRelationships     int     `json:"totalRelationships"`
	AvgEntityAgeSeconds    float64 `json:"avgEntityAgeSeconds"`
	EntitiesWithModifiedAt int     `json:"entitiesWithModifiedAt"`
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    name TEXT,
    data TEXT NOT NULL,
    retrieved_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);

CREATE TABLE IF NOT EXISTS relationships (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    type TEXT NOT NULL,
    data TEXT NOT NULL,
    retrieved_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_id);
`

func NewCacheStore(lc fx.Lifecycle, env *conf.Env, logger *zap.SugaredLogger) (*CacheStore, error) {
	store, err := Open(env.Cache.Location, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func Open(location string, logger *zap.SugaredLogger) (*CacheStore, error) {
	if dir := filepath.Dir(location); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", location)
	if err != nil {
		return nil, err
	}
	// one connection, one writer
	db.SetMaxOpenConns(1)

	store := &CacheStore{db: db, logger: logger.Named("store")}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// migrate is additive and idempotent: introspect the entities table and
// add the entity_modified_at column when a pre-v2 cache file is opened.
func (s *CacheStore) migrate() error {
	rows, err := s.db.Query("PRAGMA table_info(entities)")
	if err != nil {
		return err
	}
	defer rows.Close()

	hasModifiedAt := false
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == "entity_modified_at" {
			hasModifiedAt = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if !hasModifiedAt {
		if _, err := s.db.Exec("ALTER TABLE entities ADD COLUMN entity_modified_at DOUBLE"); err != nil {
			return err
		}
		s.logger.Info("Migrated cache schema to v2 (added entity_modified_at)")
	}
	return nil
}

func (s *CacheStore) Close() error {
	return s.db.Close()
}

func (s *CacheStore) GetEntity(id string) (*EntityRecord, error) {
	row := s.db.QueryRow(
		"SELECT id, type, name, data, retrieved_at, entity_modified_at FROM entities WHERE id = ?", id)

	record := &EntityRecord{}
	var retrievedAt string
	var modifiedAt sql.NullFloat64
	err := row.Scan(&record.Id, &record.Type, &record.Name, &record.Data, &retrievedAt, &modifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record.RetrievedAt, err = time.Parse(time.RFC3339Nano, retrievedAt)
	if err != nil {
		return nil, err
	}
	if modifiedAt.Valid {
		ms := int64(modifiedAt.Float64)
		record.ModifiedAt = &ms
	}
	return record, nil
}

func (s *CacheStore) UpsertEntity(record EntityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var modifiedAt interface{}
	if record.ModifiedAt != nil {
		modifiedAt = float64(*record.ModifiedAt)
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO entities (id, type, name, data, retrieved_at, entity_modified_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.Id, record.Type, record.Name, record.Data,
		record.RetrievedAt.Format(time.RFC3339Nano), modifiedAt)
	return err
}

func (s *CacheStore) UpsertEntities(records []EntityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, record := range records {
		var modifiedAt interface{}
		if record.ModifiedAt != nil {
			modifiedAt = float64(*record.ModifiedAt)
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO entities (id, type, name, data, retrieved_at, entity_modified_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			record.Id, record.Type, record.Name, record.Data,
			record.RetrievedAt.Format(time.RFC3339Nano), modifiedAt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// TouchEntity slides the retrieval timestamp forward without rewriting
// the payload, the UNCHANGED reconciliation outcome.
func (s *CacheStore) TouchEntity(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE entities SET retrieved_at = ? WHERE id = ?",
		at.Format(time.RFC3339Nano), id)
	return err
}

func (s *CacheStore) DeleteEntity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM entities WHERE id = ?", id)
	return err
}

func (s *CacheStore) EntitiesByType(entityType string) ([]EntityRecord, error) {
	rows, err := s.db.Query(
		"SELECT id, type, name, data, retrieved_at, entity_modified_at FROM entities WHERE type = ?", entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntities(rows)
}

func scanEntities(rows *sql.Rows) ([]EntityRecord, error) {
	var records []EntityRecord
	for rows.Next() {
		record := EntityRecord{}
		var retrievedAt string
		var modifiedAt sql.NullFloat64
		if err := rows.Scan(&record.Id, &record.Type, &record.Name, &record.Data, &retrievedAt, &modifiedAt); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, retrievedAt)
		if err != nil {
			return nil, err
		}
		record.RetrievedAt = parsed
		if modifiedAt.Valid {
			ms := int64(modifiedAt.Float64)
			record.ModifiedAt = &ms
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *CacheStore) UpsertRelationships(records []RelationshipRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, record := range records {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO relationships (id, source_id, target_id, type, data, retrieved_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			record.Id, record.SourceId, record.TargetId, record.Type, record.Data,
			record.RetrievedAt.Format(time.RFC3339Nano)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RelationshipsFor returns every stored relationship touching the id,
// either end.
func (s *CacheStore) RelationshipsFor(id string) ([]RelationshipRecord, error) {
	rows, err := s.db.Query(
		"SELECT id, source_id, target_id, type, data, retrieved_at FROM relationships WHERE source_id = ? OR target_id = ?",
		id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RelationshipRecord
	for rows.Next() {
		record := RelationshipRecord{}
		var retrievedAt string
		if err := rows.Scan(&record.Id, &record.SourceId, &record.TargetId, &record.Type, &record.Data, &retrievedAt); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, retrievedAt)
		if err != nil {
			return nil, err
		}
		record.RetrievedAt = parsed
		records = append(records, record)
	}
	return records, rows.Err()
}

// InvalidateOlderThan drops cache records retrieved before the cutoff from
// both tables. Returns the number of removed rows.
func (s *CacheStore) InvalidateOlderThan(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoffStr := cutoff.Format(time.RFC3339Nano)
	total := int64(0)
	for _, table := range []string{"entities", "relationships"} {
		res, err := s.db.Exec("DELETE FROM "+table+" WHERE retrieved_at < ?", cutoffStr)
		if err != nil {
			return total, err
		}
		affected, _ := res.RowsAffected()
		total += affected
	}
	return total, nil
}

func (s *CacheStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM entities"); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM relationships")
	return err
}

func (s *CacheStore) Stats() (CacheStats, error) {
	stats := CacheStats{}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM entities").Scan(&stats.TotalEntities); err != nil {
		return stats, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM relationships").Scan(&stats.TotalRelationships); err != nil {
		return stats, err
	}
	var avgAge sql.NullFloat64
	if err := s.db.QueryRow(
		"SELECT AVG((julianday('now') - julianday(retrieved_at)) * 86400) FROM entities").Scan(&avgAge); err != nil {
		return stats, err
	}
	if avgAge.Valid {
		stats.AvgEntityAgeSeconds = avgAge.Float64
	}
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM entities WHERE entity_modified_at IS NOT NULL").Scan(&stats.EntitiesWithModifiedAt); err != nil {
		return stats, err
	}
	return stats, nil
}
