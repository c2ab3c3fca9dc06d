package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/antoniostano/coachd/internal/config"
	"github.com/antoniostano/coachd/internal/embedding"
	"github.com/antoniostano/coachd/internal/recall"
)

var recallCmd = &cobra.Command{
	Use:   "recall",
	Short: "Manage the knowledge snippets used for contextual recall",
}

var recallSeedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Embed and upsert knowledge snippets into postgres",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		snippets, err := readSeedFile(args[0])
		if err != nil {
			return err
		}
		n, err := seed(cmd.Context(), cfg, snippets)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d snippets\n", n)
		return nil
	},
}

type seedSnippet struct {
	Namespace string `yaml:"namespace"`
	Owner     string `yaml:"owner"`
	Text      string `yaml:"text"`
}

type seedFile struct {
	Snippets []seedSnippet `yaml:"snippets"`
}

func readSeedFile(path string) ([]seedSnippet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	out := f.Snippets[:0]
	for i, s := range f.Snippets {
		s.Namespace = strings.TrimSpace(s.Namespace)
		s.Text = strings.TrimSpace(s.Text)
		if s.Namespace == "" || s.Text == "" {
			return nil, fmt.Errorf("snippet %d: namespace and text are required", i)
		}
		out = append(out, s)
	}
	return out, nil
}

func seed(ctx context.Context, cfg config.Config, snippets []seedSnippet) (int, error) {
	if cfg.DatabaseURL == "" {
		return 0, errors.New("DATABASE_URL is required to seed snippets")
	}
	embedder, err := embedding.New(ctx, embedding.Config{
		Mode:         cfg.EmbeddingMode,
		Model:        cfg.EmbeddingModel,
		GeminiAPIKey: cfg.GeminiAPIKey,
	})
	if err != nil {
		return 0, err
	}
	searcher, err := recall.NewPGVectorSearcher(ctx, cfg.DatabaseURL, cfg.MemoryEmbeddingDim, embedder, logger)
	if err != nil {
		return 0, err
	}
	defer searcher.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, s := range snippets {
		g.Go(func() error {
			id, err := searcher.Upsert(gctx, s.Namespace, s.Owner, s.Text)
			if err != nil {
				return err
			}
			logger.Debug("snippet upserted", zap.String("id", id), zap.String("namespace", s.Namespace))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(snippets), nil
}
