package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/manifold-api/manifold/internal/config"
	"github.com/manifold-api/manifold/pkg/web/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the resource server",
	Long:  "Load the configuration, register the declared resources, and serve them until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logger, err := buildLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		adapter, db, err := openStorage(cfg)
		if err != nil {
			return err
		}

		registry, err := buildRegistry(cfg, adapter)
		if err != nil {
			return err
		}

		responseCache, err := buildCache(cfg)
		if err != nil {
			return err
		}

		serverCfg := server.DefaultConfig(buildHandler(cfg, logger, registry, responseCache))
		serverCfg.Address = cfg.Server.Address
		serverCfg.ReadTimeout = cfg.Server.ReadTimeout
		serverCfg.WriteTimeout = cfg.Server.WriteTimeout
		serverCfg.IdleTimeout = cfg.Server.IdleTimeout
		if cfg.Server.TLSCertFile != "" {
			serverCfg.TLS = &server.TLSConfig{
				CertFile: cfg.Server.TLSCertFile,
				KeyFile:  cfg.Server.TLSKeyFile,
			}
		}
		if db != nil {
			dbCfg := server.DefaultDatabaseConfig(db)
			dbCfg.MaxOpenConns = cfg.Storage.MaxOpenConns
			dbCfg.MaxIdleConns = cfg.Storage.MaxIdleConns
			serverCfg.Database = dbCfg
		}

		srv, err := server.New(serverCfg)
		if err != nil {
			return err
		}

		gs := server.NewGracefulShutdown(srv, &server.ShutdownConfig{
			Timeout: cfg.Server.ShutdownTimeout,
			Logger:  logger,
		})
		if closer, ok := responseCache.(io.Closer); ok {
			gs.RegisterHook(func(ctx context.Context) error { return closer.Close() })
		}
		if db != nil {
			gs.RegisterHook(func(ctx context.Context) error { return db.Close() })
		}

		return gs.Start()
	},
}
