package keygate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Storage using github.com/jackc/pgx/v5.
// The lease race is decided by INSERT ... ON CONFLICT DO NOTHING on the
// primary key; transitions are a single UPDATE guarded by the lease
// token, so correctness does not depend on any in-process locking and
// the store is safe across replicas.
type PostgresStore struct {
	pool      *pgxpool.Pool
	tableName string
	now       func() time.Time
}

// NewPostgresStore creates a new Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, tableName string) *PostgresStore {
	if tableName == "" {
		tableName = "idempotency_records"
	}
	return &PostgresStore{
		pool:      pool,
		tableName: tableName,
		now:       time.Now,
	}
}

// InitSchema creates the necessary table if it doesn't exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			state TEXT NOT NULL,
			response JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			execution_time_ms BIGINT NOT NULL DEFAULT 0,
			lease_token TEXT NOT NULL,
			trace_id TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS %s_expires_at_idx ON %s (expires_at);
	`, s.tableName, s.tableName, s.tableName)

	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	query := fmt.Sprintf(`
		SELECT key, fingerprint, state, response, created_at, expires_at,
		       execution_time_ms, lease_token, trace_id
		FROM %s
		WHERE key = $1
	`, s.tableName)

	rec := &IdempotencyRecord{}
	var state string
	var responseJSON []byte

	err := s.pool.QueryRow(ctx, query, key).Scan(
		&rec.Key, &rec.Fingerprint, &state, &responseJSON,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.ExecutionTimeMS,
		&rec.LeaseToken, &rec.TraceID,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	rec.State = RequestState(state)
	if len(responseJSON) > 0 {
		resp := &StoredResponse{}
		if err := json.Unmarshal(responseJSON, resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response json: %w", err)
		}
		rec.Response = resp
	}
	return rec, nil
}

func (s *PostgresStore) PutNewRunning(ctx context.Context, key, fingerprint string, ttl time.Duration, traceID string) (*LeaseResult, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (key, fingerprint, state, created_at, expires_at, lease_token, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO NOTHING
	`, s.tableName)

	now := s.now()
	token := uuid.NewString()

	// Bounded retry: the losing row can be deleted by the sweep between
	// the failed insert and the follow-up read.
	for attempt := 0; attempt < 3; attempt++ {
		tag, err := s.pool.Exec(ctx, query, key, fingerprint, string(StateRunning), now, now.Add(ttl), token, traceID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert record for key %s: %w", key, err)
		}
		if tag.RowsAffected() == 1 {
			return LeaseGranted(token), nil
		}

		existing, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return LeaseDenied(existing), nil
		}
	}
	return nil, fmt.Errorf("lease attempt for key %s kept racing the sweep", key)
}

func (s *PostgresStore) Complete(ctx context.Context, key, leaseToken string, response *StoredResponse, executionTimeMS int64) (bool, error) {
	return s.transition(ctx, key, leaseToken, StateCompleted, response, executionTimeMS)
}

func (s *PostgresStore) Fail(ctx context.Context, key, leaseToken string, response *StoredResponse, executionTimeMS int64) (bool, error) {
	return s.transition(ctx, key, leaseToken, StateFailed, response, executionTimeMS)
}

func (s *PostgresStore) transition(ctx context.Context, key, leaseToken string, state RequestState, response *StoredResponse, executionTimeMS int64) (bool, error) {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return false, fmt.Errorf("failed to marshal response: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET state = $1, response = $2, execution_time_ms = $3
		WHERE key = $4 AND lease_token = $5
	`, s.tableName)

	tag, err := s.pool.Exec(ctx, query, string(state), responseJSON, executionTimeMS, key, leaseToken)
	if err != nil {
		return false, fmt.Errorf("failed to transition key %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CleanupExpired(ctx context.Context) (int, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < $1", s.tableName)
	tag, err := s.pool.Exec(ctx, query, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks if the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
