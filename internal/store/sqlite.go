package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adjoshi/scamnet/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	conflictRetries    = 3
	conflictRetryDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // Mutex for session writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		assigned_key TEXT,
		assigned_provider TEXT,
		scam_detected INTEGER NOT NULL DEFAULT 0,
		risk_score TEXT NOT NULL DEFAULT 'LOW',
		scam_type TEXT NOT NULL DEFAULT 'unknown',
		agent_notes TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		turn_count INTEGER NOT NULL DEFAULT 0,
		total_messages INTEGER NOT NULL DEFAULT 0,
		report_sent INTEGER NOT NULL DEFAULT 0,
		callback_status TEXT NOT NULL DEFAULT 'PENDING',
		intelligence_json TEXT NOT NULL,
		history_json TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		last_message_time INTEGER NOT NULL,
		last_active INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetSession retrieves a session by its ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, assigned_key, assigned_provider,
		       scam_detected, risk_score, scam_type, agent_notes, confidence,
		       turn_count, total_messages, report_sent, callback_status,
		       intelligence_json, history_json,
		       start_time, last_message_time, last_active, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var sess domain.Session
	var assignedKey, assignedProvider sql.NullString
	var scamDetected, reportSent int
	var intelJSON, historyJSON string
	var startTime, lastMessage, lastActive, createdAt, updatedAt int64

	err := row.Scan(
		&sess.SessionID, &assignedKey, &assignedProvider,
		&scamDetected, &sess.RiskScore, &sess.ScamType, &sess.AgentNotes, &sess.Confidence,
		&sess.TurnCount, &sess.TotalMessages, &reportSent, &sess.CallbackStatus,
		&intelJSON, &historyJSON,
		&startTime, &lastMessage, &lastActive, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.AssignedKey = assignedKey.String
	sess.AssignedProvider = assignedProvider.String
	sess.ScamDetected = scamDetected != 0
	sess.ReportSent = reportSent != 0
	sess.StartTime = time.Unix(startTime, 0)
	sess.LastMessageTime = time.Unix(lastMessage, 0)
	sess.LastActive = time.Unix(lastActive, 0)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)

	if err := json.Unmarshal([]byte(intelJSON), &sess.Intelligence); err != nil {
		return nil, fmt.Errorf("decode intelligence: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &sess.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	return &sess, nil
}

// UpsertSession creates or updates a session record. Latched fields stay
// monotonic even when a stale aggregate is written back: a racing turn can
// never un-send a report, un-detect a scam, swap a credential, or move
// start_time forward.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *domain.Session) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	intelJSON, err := json.Marshal(sess.Intelligence)
	if err != nil {
		return fmt.Errorf("encode intelligence: %w", err)
	}
	historyJSON, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	query := `
	INSERT INTO sessions (
		session_id, assigned_key, assigned_provider,
		scam_detected, risk_score, scam_type, agent_notes, confidence,
		turn_count, total_messages, report_sent, callback_status,
		intelligence_json, history_json,
		start_time, last_message_time, last_active, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		assigned_key = CASE
			WHEN sessions.assigned_key IS NOT NULL AND sessions.assigned_key != ''
			THEN sessions.assigned_key ELSE excluded.assigned_key END,
		assigned_provider = CASE
			WHEN sessions.assigned_key IS NOT NULL AND sessions.assigned_key != ''
			THEN sessions.assigned_provider ELSE excluded.assigned_provider END,
		scam_detected = MAX(sessions.scam_detected, excluded.scam_detected),
		risk_score = excluded.risk_score,
		scam_type = excluded.scam_type,
		agent_notes = excluded.agent_notes,
		confidence = excluded.confidence,
		turn_count = MAX(sessions.turn_count, excluded.turn_count),
		total_messages = MAX(sessions.total_messages, excluded.total_messages),
		report_sent = MAX(sessions.report_sent, excluded.report_sent),
		callback_status = CASE
			WHEN sessions.report_sent = 1 THEN sessions.callback_status
			ELSE excluded.callback_status END,
		intelligence_json = excluded.intelligence_json,
		history_json = excluded.history_json,
		start_time = MIN(sessions.start_time, excluded.start_time),
		last_message_time = MAX(sessions.last_message_time, excluded.last_message_time),
		last_active = MAX(sessions.last_active, excluded.last_active),
		updated_at = excluded.updated_at`

	var assignedKey, assignedProvider interface{}
	if sess.AssignedKey != "" {
		assignedKey = sess.AssignedKey
		assignedProvider = sess.AssignedProvider
	}

	_, err = s.execWithRetry(ctx, query,
		sess.SessionID, assignedKey, assignedProvider,
		boolToInt(sess.ScamDetected), sess.RiskScore, sess.ScamType, sess.AgentNotes, sess.Confidence,
		sess.TurnCount, sess.TotalMessages, boolToInt(sess.ReportSent), sess.CallbackStatus,
		string(intelJSON), string(historyJSON),
		sess.StartTime.Unix(), sess.LastMessageTime.Unix(), sess.LastActive.Unix(),
		sess.CreatedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// execWithRetry retries writes that lose a lock race. The busy_timeout pragma
// covers most contention; this handles the rare SQLITE_BUSY that still
// escapes it under WAL checkpointing.
func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		result, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !isSQLiteConflictError(err) {
			return result, err
		}
		slog.Warn("SQLite write conflict, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-time.After(conflictRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return result, err
}

// MarkReportSent latches report_sent for a session. The conditional update
// makes the false-to-true transition claimable exactly once.
func (s *SQLiteStore) MarkReportSent(ctx context.Context, sessionID string) (bool, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	query := `UPDATE sessions SET report_sent = 1, callback_status = ?, updated_at = ?
		WHERE session_id = ? AND report_sent = 0`
	result, err := s.execWithRetry(ctx, query, domain.CallbackSuccess, time.Now().Unix(), sessionID)
	if err != nil {
		return false, fmt.Errorf("mark report sent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// MarkReportFailed records a failed delivery attempt unless already sent.
func (s *SQLiteStore) MarkReportFailed(ctx context.Context, sessionID string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	query := `UPDATE sessions SET callback_status = ?, updated_at = ?
		WHERE session_id = ? AND report_sent = 0`
	result, err := s.execWithRetry(ctx, query, domain.CallbackFailed, time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("mark report failed: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		slog.Warn("MarkReportFailed affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// CleanupExpiredSessions removes sessions idle longer than ttl.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_active < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
