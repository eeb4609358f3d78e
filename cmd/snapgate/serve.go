package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftline/snapgate/internal/cache"
	"github.com/driftline/snapgate/internal/platform/httpserver"
	"github.com/driftline/snapgate/internal/platform/logging"
	platformstore "github.com/driftline/snapgate/internal/platform/objectstore"
	"github.com/driftline/snapgate/internal/registry"
	"github.com/driftline/snapgate/internal/serve"
	"github.com/driftline/snapgate/internal/sqlitecheck"
	"github.com/driftline/snapgate/internal/storage/objectstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the serving daemon",
	Args:  cobra.NoArgs,
	RunE:  cmdServe,
}

func cmdServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	client, err := platformstore.NewMinIOClient(cfg.Store)
	if err != nil {
		return fmt.Errorf("object store client: %w", err)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := platformstore.EnsureBucket(startupCtx, client, cfg.Store); err != nil {
		cancel()
		return fmt.Errorf("object store unavailable: %w", err)
	}
	cancel()

	store, err := objectstore.NewMinioStoreWithClient(client, cfg.Store.Bucket)
	if err != nil {
		return err
	}
	reg, err := registry.New(store, cfg.Prefix, logger)
	if err != nil {
		return err
	}
	mgr, err := cache.NewManager(cache.Config{
		Root:            cfg.CacheRoot,
		TTL:             cfg.CacheTTL,
		DownloadTimeout: cfg.DownloadTimeout,
	}, reg, sqlitecheck.Verifier(cfg.ValidationQuery), logger)
	if err != nil {
		return err
	}

	api, err := serve.NewAPI(logger, mgr, cfg.AdminAuthSecret)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz("snapgate"))
	mux.HandleFunc("GET /readyz", httpserver.Readyz("snapgate", httpserver.ReadinessCheck{
		Name: "snapshot",
		Check: func(ctx context.Context) error {
			_, err := mgr.Acquire(ctx)
			return err
		},
	}))
	api.Register(mux)

	serve.StartRefresher(ctx, logger, mgr, cfg.RefreshInterval)

	return httpserver.Run(ctx, logger, httpserver.Config{
		Service:         "snapgate",
		Addr:            cfg.HTTPAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, httpserver.Wrap(logger, "snapgate", mux))
}
