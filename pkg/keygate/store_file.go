package keygate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore persists records as one JSON file per key under a directory.
// It survives restarts, which makes it suitable for single-process
// deployments that need crash recovery without an external database.
//
// Atomicity comes from two places: O_EXCL file creation decides the
// lease race (also across processes sharing the directory), and a
// process-wide mutex serializes read-modify-write transitions.
type FileStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFileStore creates (if needed) the directory and returns a store
// over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Keys are client-controlled, so the filename is the key's SHA-256
// rather than the key itself.
func (s *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".json")
}

func (s *FileStore) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.path(key))
}

func (s *FileStore) read(path string) (*IdempotencyRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	rec := &IdempotencyRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

func (s *FileStore) PutNewRunning(ctx context.Context, key, fingerprint string, ttl time.Duration, traceID string) (*LeaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	now := s.now()
	token := uuid.NewString()
	rec := &IdempotencyRecord{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateRunning,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		LeaseToken:  token,
		TraceID:     traceID,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	// O_EXCL makes creation the atomic decision point for the lease.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		existing, rerr := s.read(path)
		if rerr != nil {
			return nil, rerr
		}
		if existing == nil {
			// Removed between the failed create and the read; let the
			// caller's next attempt take the lease.
			return nil, fmt.Errorf("record for key %s vanished during lease attempt", key)
		}
		return LeaseDenied(existing), nil
	}
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close record: %w", err)
	}
	return LeaseGranted(token), nil
}

func (s *FileStore) Complete(ctx context.Context, key, leaseToken string, response *StoredResponse, executionTimeMS int64) (bool, error) {
	return s.transition(key, leaseToken, StateCompleted, response, executionTimeMS)
}

func (s *FileStore) Fail(ctx context.Context, key, leaseToken string, response *StoredResponse, executionTimeMS int64) (bool, error) {
	return s.transition(key, leaseToken, StateFailed, response, executionTimeMS)
}

func (s *FileStore) transition(key, leaseToken string, state RequestState, response *StoredResponse, executionTimeMS int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	rec, err := s.read(path)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.LeaseToken != leaseToken {
		return false, nil
	}

	rec.State = state
	rec.Response = response.Clone()
	rec.ExecutionTimeMS = executionTimeMS

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}
	// Write-then-rename keeps the transition atomic against readers.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return false, fmt.Errorf("write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("replace record: %w", err)
	}
	return true, nil
}

func (s *FileStore) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("scan store directory: %w", err)
	}

	now := s.now()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		rec, err := s.read(path)
		if err != nil || rec == nil {
			// Corrupt or concurrently removed; skip rather than abort
			// the sweep.
			continue
		}
		if !rec.Expired(now) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove expired record: %w", err)
		}
		removed++
	}
	return removed, nil
}
