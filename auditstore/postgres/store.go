// Package postgres is a durable rotor.AuditStore backed by PostgreSQL,
// for deployments that need long-term compliance retention beyond the
// engine's bounded in-process history. Writes are append-only; the engine
// treats every failure here as non-fatal.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rotorauth/rotor"
)

const schema = `
CREATE TABLE IF NOT EXISTS token_operations (
    id          BIGSERIAL PRIMARY KEY,
    op_type     TEXT        NOT NULL,
    token_id    TEXT        NOT NULL DEFAULT '',
    family_id   TEXT        NOT NULL DEFAULT '',
    user_id     TEXT        NOT NULL DEFAULT '',
    session_id  TEXT        NOT NULL DEFAULT '',
    ip          TEXT        NOT NULL DEFAULT '',
    user_agent  TEXT        NOT NULL DEFAULT '',
    occurred_at TIMESTAMPTZ NOT NULL,
    success     BOOLEAN     NOT NULL,
    error_code  TEXT        NOT NULL DEFAULT '',
    metadata    JSONB
);
CREATE INDEX IF NOT EXISTS token_operations_user_idx
    ON token_operations (user_id, occurred_at DESC);
`

// Store appends token operations to PostgreSQL. It implements
// rotor.AuditStore, rotor.Pinger and rotor.Maintainer.
type Store struct {
	db        *sql.DB
	retention time.Duration
}

// Open connects via the pgx stdlib driver and ensures the schema exists.
// retention bounds how long records are kept by the maintenance hook; zero
// keeps them forever.
func Open(ctx context.Context, dsn string, retention time.Duration) (*Store, error) {
	if retention < 0 {
		return nil, errors.New("postgres audit store: negative retention")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres audit store: open: %w", err)
	}
	store := &Store{db: db, retention: retention}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing handle without touching the schema. Intended for
// callers that manage migrations themselves and for tests.
func New(db *sql.DB, retention time.Duration) *Store {
	return &Store{db: db, retention: retention}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres audit store: schema: %w", err)
	}
	return nil
}

// AppendOperation writes one record. Append-only: records are never updated.
func (s *Store) AppendOperation(ctx context.Context, op rotor.TokenOperation) error {
	var metadata any
	if len(op.Metadata) > 0 {
		encoded, err := json.Marshal(op.Metadata)
		if err != nil {
			return fmt.Errorf("postgres audit store: metadata: %w", err)
		}
		metadata = encoded
	}

	query := `INSERT INTO token_operations
        (op_type, token_id, family_id, user_id, session_id, ip, user_agent, occurred_at, success, error_code, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, query,
		string(op.Type), op.TokenID, op.FamilyID, op.UserID, op.SessionID,
		op.IP, op.UserAgent, op.Timestamp, op.Success, op.ErrorCode, metadata)
	if err != nil {
		return fmt.Errorf("postgres audit store: insert: %w", err)
	}
	return nil
}

// RecentByUser returns up to limit records for a user, newest first.
func (s *Store) RecentByUser(ctx context.Context, userID string, limit int) ([]rotor.TokenOperation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT op_type, token_id, family_id, user_id, session_id, ip, user_agent, occurred_at, success, error_code, metadata
        FROM token_operations
        WHERE user_id = $1
        ORDER BY occurred_at DESC
        LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres audit store: query: %w", err)
	}
	defer rows.Close()

	var ops []rotor.TokenOperation
	for rows.Next() {
		var op rotor.TokenOperation
		var opType string
		var metadata []byte
		err := rows.Scan(&opType, &op.TokenID, &op.FamilyID, &op.UserID, &op.SessionID,
			&op.IP, &op.UserAgent, &op.Timestamp, &op.Success, &op.ErrorCode, &metadata)
		if err != nil {
			return nil, fmt.Errorf("postgres audit store: scan: %w", err)
		}
		op.Type = rotor.OperationType(opType)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &op.Metadata); err != nil {
				return nil, fmt.Errorf("postgres audit store: metadata: %w", err)
			}
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres audit store: rows: %w", err)
	}
	return ops, nil
}

// Ping reports backend reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PerformMaintenance purges records older than the configured retention.
func (s *Store) PerformMaintenance(ctx context.Context) error {
	if s.retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.retention)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM token_operations WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("postgres audit store: purge: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}
