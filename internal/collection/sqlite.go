package collection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions in an embedded database for single-node
// deployments.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps conditional updates free of SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS collection_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		coach_id TEXT NOT NULL,
		flow TEXT NOT NULL,
		is_complete INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		last_activity INTEGER NOT NULL,
		document TEXT NOT NULL,
		generation_status TEXT NOT NULL DEFAULT 'not_started',
		generation_job_id TEXT NOT NULL DEFAULT '',
		generation_error TEXT NOT NULL DEFAULT '',
		generation_requested_at INTEGER,
		generation_updated_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_collection_sessions_active ON collection_sessions(user_id, coach_id, last_activity) WHERE is_deleted = 0;
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const sqliteSelectSession = `SELECT document, generation_status, generation_job_id, generation_error,
	generation_requested_at, generation_updated_at FROM collection_sessions`

func (s *SQLiteStore) Load(ctx context.Context, userID, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectSession+` WHERE id = ? AND user_id = ?`, sessionID, userID)
	return scanSQLiteSession(row)
}

func (s *SQLiteStore) FindActive(ctx context.Context, userID, coachID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		sqliteSelectSession+` WHERE user_id = ? AND coach_id = ? AND is_deleted = 0
		 ORDER BY last_activity DESC LIMIT 1`,
		userID, coachID,
	)
	return scanSQLiteSession(row)
}

func scanSQLiteSession(row *sql.Row) (*Session, error) {
	var (
		doc                    string
		status, jobID, errMsg  string
		requestedAt, updatedAt sql.NullInt64
	)
	if err := row.Scan(&doc, &status, &jobID, &errMsg, &requestedAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	gen := generationFromColumns(status, jobID, errMsg, fromMillis(requestedAt), fromMillis(updatedAt))
	return decodeDocument([]byte(doc), gen)
}

func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	doc, err := encodeDocument(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO collection_sessions (
			id, user_id, coach_id, flow, is_complete, is_deleted, last_activity, document, generation_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			coach_id = excluded.coach_id,
			flow = excluded.flow,
			is_complete = excluded.is_complete,
			is_deleted = excluded.is_deleted,
			last_activity = excluded.last_activity,
			document = excluded.document`,
		sess.ID,
		sess.UserID,
		sess.CoachID,
		sess.Flow,
		boolToInt(sess.IsComplete),
		boolToInt(sess.IsDeleted),
		sess.LastActivity.UnixMilli(),
		string(doc),
		string(sess.GenerationStatus()),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimGeneration(ctx context.Context, sessionID string, allowRetry bool) (ClaimResult, error) {
	statuses := claimableStatuses(allowRetry)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	now := time.Now().UTC().UnixMilli()

	args := []any{string(GenerationInProgress), now, now, sessionID}
	for _, st := range statuses {
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE collection_sessions SET
			generation_status = ?,
			generation_error = '',
			generation_requested_at = ?,
			generation_updated_at = ?
		 WHERE id = ? AND generation_status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim generation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return ClaimResult{Claimed: true, Status: GenerationInProgress}, nil
	}

	var out ClaimResult
	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT generation_status, generation_job_id FROM collection_sessions WHERE id = ?`,
		sessionID,
	).Scan(&status, &out.JobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ClaimResult{}, ErrNotFound
		}
		return ClaimResult{}, fmt.Errorf("read generation status: %w", err)
	}
	out.Status = GenerationStatus(status)
	return out, nil
}

func (s *SQLiteStore) FinishGeneration(ctx context.Context, sessionID string, status GenerationStatus, jobID, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE collection_sessions SET
			generation_status = ?,
			generation_job_id = CASE WHEN ? = '' THEN generation_job_id ELSE ? END,
			generation_error = ?,
			generation_updated_at = ?
		 WHERE id = ?`,
		string(status),
		jobID, jobID,
		errMsg,
		time.Now().UTC().UnixMilli(),
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("finish generation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish generation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Mode() string { return "sqlite" }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
