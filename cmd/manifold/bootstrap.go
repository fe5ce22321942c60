package main

import (
	"database/sql"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	// Storage drivers selected by storage.driver in the configuration.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/manifold-api/manifold/internal/config"
	"github.com/manifold-api/manifold/pkg/adapter/memory"
	"github.com/manifold-api/manifold/pkg/adapter/sqlstore"
	"github.com/manifold-api/manifold/pkg/engine"
	"github.com/manifold-api/manifold/pkg/web"
	"github.com/manifold-api/manifold/pkg/web/cache"
	"github.com/manifold-api/manifold/pkg/web/middleware"
)

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Development() {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}

// openStorage returns the configured adapter. The *sql.DB is non-nil only
// for SQL drivers so callers can tune the pool and close it on shutdown.
func openStorage(cfg *config.Config) (engine.Adapter, *sql.DB, error) {
	if cfg.Storage.Driver == "memory" {
		return memory.New(memory.NewStore()), nil, nil
	}

	db, err := sql.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	dialect := sqlstore.Postgres
	if cfg.Storage.Driver == "sqlite3" {
		dialect = sqlstore.SQLite
	}
	return sqlstore.New(db, dialect), db, nil
}

func buildRegistry(cfg *config.Config, adapter engine.Adapter) (*engine.Registry, error) {
	registry := engine.NewRegistry()
	for _, res := range cfg.Resources {
		if _, err := registry.Register(res.Engine(), adapter); err != nil {
			return nil, fmt.Errorf("failed to register resource %q: %w", res.Type, err)
		}
	}
	return registry, nil
}

// buildCache returns the configured cache backend, or nil when caching is
// disabled.
func buildCache(cfg *config.Config) (cache.Cache, error) {
	base := cache.Config{DefaultTTL: cfg.Cache.TTL, Prefix: cfg.Cache.Prefix}

	switch cfg.Cache.Backend {
	case "memory":
		return cache.NewMemoryCacheWithConfig(base), nil
	case "redis":
		return cache.NewRedisCache(cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			Config:   base,
		})
	default:
		return nil, nil
	}
}

// buildHandler assembles the middleware chain around the resource controller.
func buildHandler(cfg *config.Config, logger *zap.Logger, registry *engine.Registry, responseCache cache.Cache) http.Handler {
	controller := web.NewController(registry, logger, engine.Options{
		Negotiate:   true,
		Development: cfg.Development(),
	})

	chain := middleware.NewChain(
		middleware.RequestID(),
		middleware.RecoveryWithConfig(middleware.RecoveryConfig{
			Logger:      logger,
			Development: cfg.Development(),
		}),
		middleware.Logging(logger),
	)

	if cfg.Auth.Enabled {
		chain.Use(middleware.AuthWithConfig(middleware.AuthConfig{
			Secret:    []byte(cfg.Auth.Secret),
			SkipPaths: cfg.Auth.SkipPaths,
		}))
	}

	if responseCache != nil {
		cacheConfig := cache.DefaultMiddlewareConfig(responseCache)
		cacheConfig.TTL = cfg.Cache.TTL
		chain.Use(cache.Middleware(cacheConfig))
	}

	return chain.Then(controller.Routes())
}
