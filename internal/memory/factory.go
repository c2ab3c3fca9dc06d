package memory

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/embedding"
)

type StoreConfig struct {
	DatabaseURL  string
	EmbeddingDim int
	// Embedder is optional. Without it postgres retrieval falls back to
	// a text match.
	Embedder embedding.Embedder
}

// NewStore keeps turns in postgres when a database is configured and in
// process memory otherwise.
func NewStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Info("memory store ready", zap.String("mode", "memory"))
		return NewInMemoryStore(), nil
	}
	s, err := NewPostgresStore(ctx, cfg.DatabaseURL, cfg.EmbeddingDim, cfg.Embedder, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("memory store ready", zap.String("mode", "postgres"), zap.Bool("vectors", cfg.Embedder != nil))
	return s, nil
}
