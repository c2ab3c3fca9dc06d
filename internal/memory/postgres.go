package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/embedding"
	"github.com/antoniostano/coachd/internal/policy"
)

// PostgresStore persists conversational memory in PostgreSQL. With an
// embedder configured, turns are stored with a pgvector embedding and
// retrieval is by cosine distance; otherwise retrieval falls back to text
// matching.
type PostgresStore struct {
	pool     *pgxpool.Pool
	embedder embedding.Embedder
	logger   *zap.Logger
}

func NewPostgresStore(ctx context.Context, databaseURL string, dim int, embedder embedding.Embedder, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, embedder: embedder, logger: logger.Named("memory")}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	if dim <= 0 {
		dim = 768
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_items (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			coach_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_memory_items_user_created ON memory_items (user_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	var vec *string
	if s.embedder != nil {
		if v, err := s.embedder.Embed(ctx, record.Content); err != nil {
			s.logger.Warn("embed memory turn failed", zap.String("user_id", record.UserID), zap.Error(err))
		} else {
			lit := VectorLiteral(v)
			vec = &lit
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_items (id, user_id, coach_id, conversation_id, role, content, pii_redacted, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector, $9)`,
		record.ID,
		record.UserID,
		record.CoachID,
		record.ConversationID,
		record.Role,
		record.Content,
		record.PIIRedacted,
		vec,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

const selectTurnColumns = `SELECT id, user_id, coach_id, conversation_id, role, content, pii_redacted, created_at FROM memory_items`

func (s *PostgresStore) RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		selectTurnColumns+` WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent context: %w", err)
	}
	items, err := scanTurns(rows, limit)
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Retrieve(ctx context.Context, userID, query string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	if s.embedder != nil {
		v, err := s.embedder.Embed(ctx, query)
		if err == nil {
			rows, err := s.pool.Query(ctx,
				selectTurnColumns+` WHERE user_id=$1 AND embedding IS NOT NULL
				 ORDER BY embedding <=> $2::vector LIMIT $3`,
				userID, VectorLiteral(v), limit,
			)
			if err != nil {
				return nil, fmt.Errorf("query memory by vector: %w", err)
			}
			return scanTurns(rows, limit)
		}
		s.logger.Warn("embed memory query failed, using text match", zap.String("user_id", userID), zap.Error(err))
	}

	queryTerms := policy.Terms(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}
	patterns := make([]string, 0, len(queryTerms))
	for _, t := range queryTerms {
		patterns = append(patterns, "%"+t+"%")
	}
	rows, err := s.pool.Query(ctx,
		selectTurnColumns+` WHERE user_id=$1 AND content ILIKE ANY($2)
		 ORDER BY created_at DESC LIMIT $3`,
		userID, patterns, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query memory by text: %w", err)
	}
	return scanTurns(rows, limit)
}

func scanTurns(rows pgx.Rows, capacity int) ([]TurnRecord, error) {
	defer rows.Close()
	items := make([]TurnRecord, 0, capacity)
	for rows.Next() {
		var r TurnRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.CoachID, &r.ConversationID, &r.Role, &r.Content, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// VectorLiteral renders v in pgvector's text input format.
func VectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 8)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
