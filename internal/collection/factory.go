package collection

import (
	"context"
	"fmt"
	"strings"
)

type StoreConfig struct {
	Mode          string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
	SQLitePath    string
}

// ResolveMode picks the concrete backend for "auto".
func (c StoreConfig) ResolveMode() string {
	mode := strings.ToLower(strings.TrimSpace(c.Mode))
	if mode != "" && mode != "auto" {
		return mode
	}
	switch {
	case strings.TrimSpace(c.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(c.MongoURI) != "":
		return "mongo"
	default:
		return "memory"
	}
}

func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch mode := cfg.ResolveMode(); mode {
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("session store postgres requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case "mongo":
		if strings.TrimSpace(cfg.MongoURI) == "" {
			return nil, fmt.Errorf("session store mongo requires MONGO_URI")
		}
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case "sqlite":
		path := strings.TrimSpace(cfg.SQLitePath)
		if path == "" {
			path = "data/coachd.db"
		}
		return NewSQLiteStore(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported session store mode %q", mode)
	}
}
