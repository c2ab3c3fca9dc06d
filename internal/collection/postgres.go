package collection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions as JSONB documents with the generation
// trigger kept in separate columns for conditional updates.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS collection_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			coach_id TEXT NOT NULL,
			flow TEXT NOT NULL,
			is_complete BOOLEAN NOT NULL DEFAULT FALSE,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			last_activity TIMESTAMPTZ NOT NULL,
			document JSONB NOT NULL,
			generation_status TEXT NOT NULL DEFAULT 'not_started',
			generation_job_id TEXT NOT NULL DEFAULT '',
			generation_error TEXT NOT NULL DEFAULT '',
			generation_requested_at TIMESTAMPTZ NULL,
			generation_updated_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_collection_sessions_active
			ON collection_sessions (user_id, coach_id, last_activity DESC) WHERE NOT is_deleted;`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const selectSessionColumns = `SELECT document, generation_status, generation_job_id, generation_error,
	generation_requested_at, generation_updated_at FROM collection_sessions`

func (s *PostgresStore) Load(ctx context.Context, userID, sessionID string) (*Session, error) {
	row := s.pool.QueryRow(ctx, selectSessionColumns+` WHERE id=$1 AND user_id=$2`, sessionID, userID)
	return scanSession(row)
}

func (s *PostgresStore) FindActive(ctx context.Context, userID, coachID string) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		selectSessionColumns+` WHERE user_id=$1 AND coach_id=$2 AND NOT is_deleted
		 ORDER BY last_activity DESC LIMIT 1`,
		userID, coachID,
	)
	return scanSession(row)
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		doc                    []byte
		status, jobID, errMsg  string
		requestedAt, updatedAt *time.Time
	)
	if err := row.Scan(&doc, &status, &jobID, &errMsg, &requestedAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return decodeDocument(doc, generationFromColumns(status, jobID, errMsg, requestedAt, updatedAt))
}

func (s *PostgresStore) Save(ctx context.Context, sess *Session) error {
	doc, err := encodeDocument(sess)
	if err != nil {
		return err
	}
	initialStatus := string(sess.GenerationStatus())

	_, err = s.pool.Exec(ctx,
		`INSERT INTO collection_sessions (
			id, user_id, coach_id, flow, is_complete, is_deleted, last_activity, document, generation_status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			user_id=EXCLUDED.user_id,
			coach_id=EXCLUDED.coach_id,
			flow=EXCLUDED.flow,
			is_complete=EXCLUDED.is_complete,
			is_deleted=EXCLUDED.is_deleted,
			last_activity=EXCLUDED.last_activity,
			document=EXCLUDED.document`,
		sess.ID,
		sess.UserID,
		sess.CoachID,
		sess.Flow,
		sess.IsComplete,
		sess.IsDeleted,
		sess.LastActivity,
		string(doc),
		initialStatus,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimGeneration(ctx context.Context, sessionID string, allowRetry bool) (ClaimResult, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE collection_sessions SET
			generation_status=$2,
			generation_error='',
			generation_requested_at=$3,
			generation_updated_at=$3
		 WHERE id=$1 AND generation_status = ANY($4)`,
		sessionID,
		string(GenerationInProgress),
		now,
		claimableStatuses(allowRetry),
	)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim generation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return ClaimResult{Claimed: true, Status: GenerationInProgress}, nil
	}

	var res ClaimResult
	var status string
	err = s.pool.QueryRow(ctx,
		`SELECT generation_status, generation_job_id FROM collection_sessions WHERE id=$1`,
		sessionID,
	).Scan(&status, &res.JobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ClaimResult{}, ErrNotFound
		}
		return ClaimResult{}, fmt.Errorf("read generation status: %w", err)
	}
	res.Status = GenerationStatus(status)
	return res, nil
}

func (s *PostgresStore) FinishGeneration(ctx context.Context, sessionID string, status GenerationStatus, jobID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE collection_sessions SET
			generation_status=$2,
			generation_job_id=COALESCE(NULLIF($3::text, ''), generation_job_id),
			generation_error=$4,
			generation_updated_at=$5
		 WHERE id=$1`,
		sessionID,
		string(status),
		jobID,
		errMsg,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("finish generation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
