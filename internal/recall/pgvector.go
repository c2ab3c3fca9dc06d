package recall

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/embedding"
	"github.com/antoniostano/coachd/internal/memory"
)

var ErrNoEmbedder = errors.New("pgvector recall requires an embedder")

// snippetNamespace keys deterministic snippet ids so reseeding is idempotent.
var snippetNamespace = uuid.MustParse("6f1c2d7e-3b0a-4e59-9a51-2c8d7f40b1aa")

// PGVectorSearcher queries knowledge_snippets by cosine distance.
type PGVectorSearcher struct {
	pool     *pgxpool.Pool
	embedder embedding.Embedder
	logger   *zap.Logger
}

func NewPGVectorSearcher(ctx context.Context, databaseURL string, dim int, embedder embedding.Embedder, logger *zap.Logger) (*PGVectorSearcher, error) {
	if embedder == nil {
		return nil, ErrNoEmbedder
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSnippetSchema(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGVectorSearcher{pool: pool, embedder: embedder, logger: logger.Named("recall")}, nil
}

func initSnippetSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	if dim <= 0 {
		dim = 768
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_snippets (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_knowledge_snippets_namespace ON knowledge_snippets (namespace, owner_id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Query returns shared snippets plus the ones owned by userID.
func (s *PGVectorSearcher) Query(ctx context.Context, userID, text string, opts QueryOptions) ([]Snippet, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	v, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT content, namespace, 1 - (embedding <=> $3::vector) AS score
		 FROM knowledge_snippets
		 WHERE ($1 = '' OR namespace = $1) AND (owner_id = '' OR owner_id = $2)
		 ORDER BY embedding <=> $3::vector
		 LIMIT $4`,
		opts.Namespace, userID, memory.VectorLiteral(v), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query snippets: %w", err)
	}
	defer rows.Close()

	out := make([]Snippet, 0, limit)
	for rows.Next() {
		var sn Snippet
		if err := rows.Scan(&sn.Text, &sn.Source, &sn.Score); err != nil {
			return nil, fmt.Errorf("scan snippet row: %w", err)
		}
		out = append(out, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snippet rows: %w", err)
	}
	return out, nil
}

// Upsert embeds and stores one snippet. The id is derived from namespace,
// owner and text, so seeding the same file twice is a no-op.
func (s *PGVectorSearcher) Upsert(ctx context.Context, namespace, ownerID, text string) (string, error) {
	id := SnippetID(namespace, ownerID, text)
	v, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embed snippet: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO knowledge_snippets (id, namespace, owner_id, content, embedding)
		 VALUES ($1, $2, $3, $4, $5::vector)
		 ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		id, namespace, ownerID, text, memory.VectorLiteral(v),
	)
	if err != nil {
		return "", fmt.Errorf("upsert snippet: %w", err)
	}
	return id, nil
}

func (s *PGVectorSearcher) Close() error {
	s.pool.Close()
	return nil
}

func SnippetID(namespace, ownerID, text string) string {
	return uuid.NewSHA1(snippetNamespace, []byte(namespace+"\x00"+ownerID+"\x00"+text)).String()
}
