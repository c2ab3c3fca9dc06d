package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/catalog"
	"github.com/antoniostano/coachd/internal/chunker"
	"github.com/antoniostano/coachd/internal/collection"
	"github.com/antoniostano/coachd/internal/config"
	"github.com/antoniostano/coachd/internal/contextual"
	"github.com/antoniostano/coachd/internal/embedding"
	"github.com/antoniostano/coachd/internal/engine"
	"github.com/antoniostano/coachd/internal/httpapi"
	"github.com/antoniostano/coachd/internal/lease"
	"github.com/antoniostano/coachd/internal/llm"
	"github.com/antoniostano/coachd/internal/memory"
	"github.com/antoniostano/coachd/internal/observability"
	"github.com/antoniostano/coachd/internal/orchestrator"
	"github.com/antoniostano/coachd/internal/policy"
	"github.com/antoniostano/coachd/internal/recall"
	"github.com/antoniostano/coachd/internal/session"
	"github.com/antoniostano/coachd/internal/trigger"
)

// statusMinWords is the message length from which fillers are shown even
// without a status phrase.
const statusMinWords = 12

type BuildResult struct {
	Config        config.Config
	Catalog       *catalog.Catalog
	API           *httpapi.Server
	Conversations *session.Manager
	Orchestrator  *orchestrator.Orchestrator
	Metrics       *observability.Metrics
	Registry      *prometheus.Registry
	StoreMode     string
	GeneratorMode string

	// Cleanup should be called on shutdown to release external resources (DB, redis, etc).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *BuildResult, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var closers []func() error
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	defer func() {
		if err != nil {
			_ = cleanup()
		}
	}()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("catalog load failed: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registry)

	gen, generatorMode, err := llm.NewGenerator(ctx, llm.Config{
		Mode:         cfg.GeneratorMode,
		OllamaModel:  cfg.OllamaModel,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiModel,
		HTTPURL:      cfg.GeneratorHTTPURL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("generator init failed: %w", err)
	}
	logger.Info("generator ready", zap.String("mode", generatorMode))

	embedder, err := embedding.New(ctx, embedding.Config{
		Mode:         cfg.EmbeddingMode,
		Model:        cfg.EmbeddingModel,
		GeminiAPIKey: cfg.GeminiAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder init failed: %w", err)
	}

	store, err := collection.NewStore(ctx, collection.StoreConfig{
		Mode:          cfg.SessionStore,
		DatabaseURL:   cfg.DatabaseURL,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
		SQLitePath:    cfg.SQLitePath,
	})
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}
	closers = append(closers, store.Close)
	logger.Info("session store ready", zap.String("mode", store.Mode()))

	memoryStore, err := memory.NewStore(ctx, memory.StoreConfig{
		DatabaseURL:  cfg.DatabaseURL,
		EmbeddingDim: cfg.MemoryEmbeddingDim,
		Embedder:     embedder,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	closers = append(closers, memoryStore.Close)

	searcher, err := newSearcher(ctx, cfg, cat, embedder, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := searcher.(io.Closer); ok {
		closers = append(closers, c.Close)
	}

	var redisClient redis.UniversalClient
	locker := lease.Locker(lease.NewLocalLocker())
	if cfg.RedisURL != "" {
		client, err := lease.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis init failed: %w", err)
		}
		closers = append(closers, client.Close)
		redisClient = client
		locker = lease.NewRedisLocker(client)
	}

	invoker, err := trigger.NewInvoker(trigger.InvokerConfig{
		Mode:   cfg.InvokerMode,
		URL:    cfg.InvokerHTTPURL,
		Stream: cfg.InvokerStream,
	}, redisClient, logger)
	if err != nil {
		return nil, fmt.Errorf("invoker init failed: %w", err)
	}

	conversations := session.NewManager(cfg.ConversationInactivityTimeout)
	conversations.SetExpireHook(func(_ *session.Conversation) {
		metrics.SetActiveConversations(conversations.ActiveCount())
	})

	gatherer := contextual.NewGatherer(contextual.Options{
		Searcher:   searcher,
		Memory:     memoryStore,
		Prefilter:  policy.MemoryPrefilter{Memory: cat.Phrases.Memory, Skip: cat.Phrases.SkipMemory},
		Classifier: policy.LLMMemoryClassifier{Generator: gen},
		Filler:     gen,
		Metrics:    metrics,
		Logger:     logger,
	})

	orch, err := orchestrator.New(orchestrator.Options{
		Catalog:       cat,
		Store:         store,
		Memory:        memoryStore,
		Conversations: conversations,
		Locker:        locker,
		LeaseTTL:      cfg.LeaseTTL,
		Gatherer:      gatherer,
		Engine: &engine.Engine{
			Generator:     gen,
			Extractor:     engine.LLMExtractor{Generator: gen},
			MinConfidence: cfg.ExtractionMinConfidence,
			Fallback:      cat.FallbackMessage,
			Persona:       cat.Persona,
			Metrics:       metrics,
			Logger:        logger.Named("engine"),
		},
		Trigger:         trigger.New(store, invoker, metrics, logger),
		Goodbye:         policy.NewGoodbye(cat.Phrases.Goodbye, cfg.GoodbyeSubstantialRatio),
		Topic:           policy.NewTopicChange(cat.Phrases.Abandon, cfg.TopicCancelConfidence, cfg.TopicSuggestConfidence),
		TopicClassifier: policy.LLMTopicClassifier{Generator: gen},
		StatusDisplay:   policy.StatusDisplay{Phrases: cat.Phrases.Status, MinWords: statusMinWords},
		Chunking:        chunker.Config{MinChars: cfg.ChunkMinChars, MaxChars: cfg.ChunkMaxChars},
		Metrics:         metrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	api := httpapi.New(cfg, conversations, orch, metrics, registry, httpapi.Info{
		StoreMode:     store.Mode(),
		GeneratorMode: generatorMode,
	}, logger)
	closers = append(closers, func() error {
		api.Close()
		return nil
	})

	return &BuildResult{
		Config:        cfg,
		Catalog:       cat,
		API:           api,
		Conversations: conversations,
		Orchestrator:  orch,
		Metrics:       metrics,
		Registry:      registry,
		StoreMode:     store.Mode(),
		GeneratorMode: generatorMode,
		Cleanup:       cleanup,
	}, nil
}

// newSearcher prefers pgvector when a database and an embedder exist, and
// falls back to lexical search over the catalog's knowledge snippets.
func newSearcher(ctx context.Context, cfg config.Config, cat *catalog.Catalog, embedder embedding.Embedder, logger *zap.Logger) (recall.Searcher, error) {
	if cfg.DatabaseURL == "" || embedder == nil {
		return recall.NewStaticSearcher(cat.Knowledge), nil
	}
	s, err := recall.NewPGVectorSearcher(ctx, cfg.DatabaseURL, cfg.MemoryEmbeddingDim, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("vector search init failed: %w", err)
	}
	return s, nil
}
