package usagestore

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/meallensai/entitlements/pkg/entitlements"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists usage state and the usage event journal in SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

var (
	_ Store   = (*SQLiteStore)(nil)
	_ Journal = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) usage.db in dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	dir := filepath.Clean(dataDir)
	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("create usage store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "usage.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close usage db after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_state (
		namespace TEXT PRIMARY KEY,
		trial_start INTEGER,
		free_usage_count INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS usage_events (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		feature TEXT NOT NULL,
		occurred_at INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		mirrored_at INTEGER,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_usage_events_pending ON usage_events(mirrored_at, attempts);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init usage schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) conn() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

func (s *SQLiteStore) Load(ns string) (entitlements.UsageState, error) {
	ns, err := checkNamespace(ns)
	if err != nil {
		return entitlements.UsageState{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return entitlements.UsageState{}, err
	}

	var trialStart sql.NullInt64
	var count int
	row := db.QueryRow(`SELECT trial_start, free_usage_count FROM usage_state WHERE namespace = ?`, ns)
	if err := row.Scan(&trialStart, &count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entitlements.UsageState{}, nil
		}
		return entitlements.UsageState{}, fmt.Errorf("load usage state: %w", err)
	}

	state := entitlements.UsageState{FreeUsageCount: count}
	if trialStart.Valid {
		ts := time.Unix(0, trialStart.Int64).UTC()
		state.TrialStart = &ts
	}
	return state, nil
}

func (s *SQLiteStore) SaveTrialStart(ns string, ts time.Time) error {
	ns, err := checkNamespace(ns)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return err
	}

	now := time.Now().UTC().UnixNano()
	_, err = db.Exec(
		`INSERT INTO usage_state (namespace, trial_start, free_usage_count, updated_at)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT(namespace) DO UPDATE SET
		   trial_start = COALESCE(usage_state.trial_start, excluded.trial_start),
		   updated_at = excluded.updated_at`,
		ns, ts.UTC().UnixNano(), now,
	)
	if err != nil {
		return fmt.Errorf("save trial start: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IncrementCount(ns string, max int) (int, error) {
	ns, err := checkNamespace(ns)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin increment tx: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			log.Warn().Err(rollbackErr).Msg("Failed to rollback usage increment transaction")
		}
	}()

	now := time.Now().UTC().UnixNano()
	first := 0
	if max > 0 {
		first = 1
	}
	if _, err := tx.Exec(
		`INSERT INTO usage_state (namespace, trial_start, free_usage_count, updated_at)
		 VALUES (?, NULL, ?, ?)
		 ON CONFLICT(namespace) DO UPDATE SET
		   free_usage_count = CASE WHEN usage_state.free_usage_count < ? THEN usage_state.free_usage_count + 1 ELSE usage_state.free_usage_count END,
		   updated_at = excluded.updated_at`,
		ns, first, now, max,
	); err != nil {
		return 0, fmt.Errorf("increment usage count: %w", err)
	}

	var count int
	if err := tx.QueryRow(`SELECT free_usage_count FROM usage_state WHERE namespace = ?`, ns).Scan(&count); err != nil {
		return 0, fmt.Errorf("read usage count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit usage increment: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Reset(ns string, clearTrial bool) error {
	ns, err := checkNamespace(ns)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return err
	}

	query := `UPDATE usage_state SET free_usage_count = 0, updated_at = ? WHERE namespace = ?`
	if clearTrial {
		query = `UPDATE usage_state SET free_usage_count = 0, trial_start = NULL, updated_at = ? WHERE namespace = ?`
	}
	if _, err := db.Exec(query, time.Now().UTC().UnixNano(), ns); err != nil {
		return fmt.Errorf("reset usage state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ev UsageEvent) (UsageEvent, error) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return UsageEvent{}, err
	}

	_, err = db.Exec(
		`INSERT INTO usage_events (id, namespace, feature, occurred_at, idempotency_key, attempts, mirrored_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, '')`,
		ev.ID, ev.Namespace, ev.Feature, ev.OccurredAt.UTC().UnixNano(), ev.IdempotencyKey, ev.Attempts,
	)
	if err != nil {
		return UsageEvent{}, fmt.Errorf("append usage event: %w", err)
	}
	return ev, nil
}

func (s *SQLiteStore) Pending(limit int) ([]UsageEvent, error) {
	if limit <= 0 {
		limit = -1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(
		`SELECT id, namespace, feature, occurred_at, idempotency_key, attempts, last_error
		 FROM usage_events
		 WHERE mirrored_at IS NULL AND attempts < ?
		 ORDER BY id
		 LIMIT ?`,
		MaxPushAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending usage events: %w", err)
	}
	defer rows.Close()

	out := make([]UsageEvent, 0)
	for rows.Next() {
		var ev UsageEvent
		var occurredAt int64
		if err := rows.Scan(&ev.ID, &ev.Namespace, &ev.Feature, &occurredAt, &ev.IdempotencyKey, &ev.Attempts, &ev.LastError); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		ev.OccurredAt = time.Unix(0, occurredAt).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage events: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) MarkMirrored(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return err
	}

	res, err := db.Exec(`UPDATE usage_events SET mirrored_at = ?, last_error = '' WHERE id = ?`, at.UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("mark usage event mirrored: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) MarkFailed(id string, cause error) (int, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	var attempts int
	err = db.QueryRow(
		`UPDATE usage_events SET attempts = attempts + 1, last_error = ? WHERE id = ? RETURNING attempts`,
		msg, id,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		return 0, fmt.Errorf("mark usage event failed: %w", err)
	}
	return attempts, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
