package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/chainowl/pkg/instance"
)

// SQLiteStore is the embedded store for single-process deployments. A single
// mutex serializes all access; it carries no expiry index, so GetExpired
// always returns empty and expiry is driven by operator action.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a store on an opened and migrated database handle.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logger}
}

// Register inserts the record inside one transaction. The UNIQUE constraint
// on external_id enforces handle uniqueness at insert time.
func (s *SQLiteStore) Register(ctx context.Context, rec *instance.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM instances WHERE instance_id = ?`, rec.InstanceID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking instance: %w", err)
	}
	if exists > 0 {
		return ErrAlreadyExists
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO instances (instance_id, external_id, record) VALUES (?, ?, ?)`,
		rec.InstanceID, rec.ExternalID, string(payload))
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}

	return tx.Commit()
}

// Get returns the record with metadata rows merged in.
func (s *SQLiteStore) Get(ctx context.Context, instanceID string) (*instance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, instanceID)
}

func (s *SQLiteStore) getLocked(ctx context.Context, instanceID string) (*instance.Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM instances WHERE instance_id = ?`, instanceID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}

	var rec instance.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", instanceID, err)
	}

	rec.Metadata = map[string]any{}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM instance_metadata WHERE instance_id = ?`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning metadata: %w", err)
		}
		var val any
		if err := json.Unmarshal([]byte(v), &val); err != nil {
			s.logger.Warn("invalid metadata value", "instance_id", instanceID, "key", k)
			continue
		}
		rec.Metadata[k] = val
	}
	return &rec, rows.Err()
}

// GetByExternal resolves the public handle through the external_id column.
func (s *SQLiteStore) GetByExternal(ctx context.Context, externalID string) (*instance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var instanceID string
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id FROM instances WHERE external_id = ?`, externalID).Scan(&instanceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving external id: %w", err)
	}
	return s.getLocked(ctx, instanceID)
}

// List returns all registered records.
func (s *SQLiteStore) List(ctx context.Context) ([]*instance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT instance_id FROM instances`)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning instance id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var records []*instance.Record
	for _, id := range ids {
		rec, err := s.getLocked(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

// Unregister deletes the record and its metadata, returning the removed record.
func (s *SQLiteStore) Unregister(ctx context.Context, instanceID string) (*instance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`DELETE FROM instances WHERE instance_id = ? RETURNING record`, instanceID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("deleting record: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM instance_metadata WHERE instance_id = ?`, instanceID); err != nil {
		return nil, fmt.Errorf("deleting metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	var rec instance.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", instanceID, err)
	}
	return &rec, nil
}

// UpdateMetadata upserts each patch key as a JSON-encoded row.
func (s *SQLiteStore) UpdateMetadata(ctx context.Context, instanceID string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range patch {
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding metadata %s: %w", k, err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO instance_metadata (instance_id, key, value) VALUES (?, ?, ?)
			 ON CONFLICT (instance_id, key) DO UPDATE SET value = excluded.value`,
			instanceID, k, string(payload))
		if err != nil {
			return fmt.Errorf("writing metadata %s: %w", k, err)
		}
	}
	return nil
}

// GetExpired returns empty: the embedded store carries no expiry index.
func (s *SQLiteStore) GetExpired(_ context.Context, _ time.Time) ([]*instance.Record, error) {
	return nil, nil
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
