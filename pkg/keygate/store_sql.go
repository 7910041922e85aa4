package keygate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLDialect defines the SQL syntax variant.
type SQLDialect string

const (
	DialectSQLite   SQLDialect = "sqlite"
	DialectPostgres SQLDialect = "postgres"
	DialectMySQL    SQLDialect = "mysql"
)

// SQLStore implements Storage using database/sql.
// It supports SQLite, Postgres, and MySQL; for pgx-based pools prefer
// PostgresStore. The lease race is decided by a conflict-ignoring
// insert on the primary key, transitions by a token-guarded UPDATE.
type SQLStore struct {
	db        *sql.DB
	tableName string
	dialect   SQLDialect
	now       func() time.Time
}

// NewSQLStore creates a new SQL-backed store.
// The user is responsible for opening the *sql.DB with their preferred driver.
func NewSQLStore(db *sql.DB, tableName string, dialect SQLDialect) *SQLStore {
	if tableName == "" {
		tableName = "idempotency_records"
	}
	return &SQLStore{
		db:        db,
		tableName: tableName,
		dialect:   dialect,
		now:       time.Now,
	}
}

// placeholders returns n parameter markers in dialect syntax starting at
// position 1.
func (s *SQLStore) placeholders(n int) []string {
	out := make([]string, n)
	for i := range out {
		if s.dialect == DialectPostgres {
			out[i] = fmt.Sprintf("$%d", i+1)
		} else {
			out[i] = "?"
		}
	}
	return out
}

// InitSchema creates the necessary table if it doesn't exist.
// This is a helper for "migration-free" usage.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	timestampType := "TIMESTAMP"
	if s.dialect == DialectPostgres {
		timestampType = "TIMESTAMPTZ"
	} else if s.dialect == DialectMySQL {
		timestampType = "DATETIME(6)"
	}

	// "key" is reserved in MySQL, hence record_key.
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			record_key VARCHAR(255) PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			state TEXT NOT NULL,
			response TEXT,
			created_at %s NOT NULL,
			expires_at %s NOT NULL,
			execution_time_ms BIGINT NOT NULL DEFAULT 0,
			lease_token TEXT NOT NULL,
			trace_id TEXT NOT NULL DEFAULT ''
		);
	`, s.tableName, timestampType, timestampType)

	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLStore) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	ph := s.placeholders(1)
	query := fmt.Sprintf(`
		SELECT record_key, fingerprint, state, response, created_at, expires_at,
		       execution_time_ms, lease_token, trace_id
		FROM %s
		WHERE record_key = %s
	`, s.tableName, ph[0])

	rec := &IdempotencyRecord{}
	var state string
	var responseJSON sql.NullString

	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&rec.Key, &rec.Fingerprint, &state, &responseJSON,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.ExecutionTimeMS,
		&rec.LeaseToken, &rec.TraceID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	rec.State = RequestState(state)
	if responseJSON.Valid && responseJSON.String != "" {
		resp := &StoredResponse{}
		if err := json.Unmarshal([]byte(responseJSON.String), resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response json: %w", err)
		}
		rec.Response = resp
	}
	return rec, nil
}

func (s *SQLStore) PutNewRunning(ctx context.Context, key, fingerprint string, ttl time.Duration, traceID string) (*LeaseResult, error) {
	ph := s.placeholders(7)
	var query string
	if s.dialect == DialectMySQL {
		query = fmt.Sprintf(`
			INSERT IGNORE INTO %s (record_key, fingerprint, state, created_at, expires_at, lease_token, trace_id)
			VALUES (%s, %s, %s, %s, %s, %s, %s)
		`, s.tableName, ph[0], ph[1], ph[2], ph[3], ph[4], ph[5], ph[6])
	} else {
		// SQLite and Postgres use ON CONFLICT
		query = fmt.Sprintf(`
			INSERT INTO %s (record_key, fingerprint, state, created_at, expires_at, lease_token, trace_id)
			VALUES (%s, %s, %s, %s, %s, %s, %s)
			ON CONFLICT(record_key) DO NOTHING
		`, s.tableName, ph[0], ph[1], ph[2], ph[3], ph[4], ph[5], ph[6])
	}

	now := s.now()
	token := uuid.NewString()

	// Bounded retry: the losing row can be deleted by the sweep between
	// the failed insert and the follow-up read.
	for attempt := 0; attempt < 3; attempt++ {
		res, err := s.db.ExecContext(ctx, query, key, fingerprint, string(StateRunning), now, now.Add(ttl), token, traceID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert record for key %s: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read insert result for key %s: %w", key, err)
		}
		if n == 1 {
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

func (s *SQLStore) Complete(ctx context.Context, key, leaseToken string, response *StoredResponse, executionTimeMS int64) (bool, error) {
	return s.transition(ctx, key, leaseToken, StateCompleted, response, executionTimeMS)
}

func (s *SQLStore) Fail(ctx context.Context, key, leaseToken string, response *StoredResponse, executionTimeMS int64) (bool, error) {
	return s.transition(ctx, key, leaseToken, StateFailed, response, executionTimeMS)
}

func (s *SQLStore) transition(ctx context.Context, key, leaseToken string, state RequestState, response *StoredResponse, executionTimeMS int64) (bool, error) {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return false, fmt.Errorf("failed to marshal response: %w", err)
	}

	ph := s.placeholders(5)
	query := fmt.Sprintf(`
		UPDATE %s
		SET state = %s, response = %s, execution_time_ms = %s
		WHERE record_key = %s AND lease_token = %s
	`, s.tableName, ph[0], ph[1], ph[2], ph[3], ph[4])

	res, err := s.db.ExecContext(ctx, query, string(state), string(responseJSON), executionTimeMS, key, leaseToken)
	if err != nil {
		return false, fmt.Errorf("failed to transition key %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result for key %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLStore) CleanupExpired(ctx context.Context) (int, error) {
	ph := s.placeholders(1)
	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < %s", s.tableName, ph[0])
	res, err := s.db.ExecContext(ctx, query, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}
	return int(n), nil
}
