// snapgate is the snapshot distribution tool: a serving daemon that keeps a
// verified local copy of the currently promoted snapshot, and the operator
// commands that manage which version is live.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftline/snapgate/internal/config"
	"github.com/driftline/snapgate/internal/platform/logging"
	platformstore "github.com/driftline/snapgate/internal/platform/objectstore"
	"github.com/driftline/snapgate/internal/promote"
	"github.com/driftline/snapgate/internal/registry"
	"github.com/driftline/snapgate/internal/storage/objectstore"
)

var (
	rootCmd = &cobra.Command{
		Use:          "snapgate",
		Short:        "Versioned snapshot promotion and cache materialization",
		SilenceUsage: true,
	}

	configPath string
	logLevel   string
	logFormat  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json|console)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	return cfg, nil
}

// cliDeps wires the store-facing components shared by the operator commands.
type cliDeps struct {
	cfg    config.Config
	logger *slog.Logger
	reg    *registry.Client
	ctrl   *promote.Controller
}

func setupCLI(ctx context.Context) (*cliDeps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	// Operator commands log to the console unless a format was forced.
	logger := logging.New(cfg.LogLevel, defaultString(logFormat, "console"))

	client, err := platformstore.NewMinIOClient(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := platformstore.CheckBucket(checkCtx, client, cfg.Store); err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	store, err := objectstore.NewMinioStoreWithClient(client, cfg.Store.Bucket)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(store, cfg.Prefix, logger)
	if err != nil {
		return nil, err
	}
	ctrl, err := promote.NewController(reg, logger)
	if err != nil {
		return nil, err
	}
	return &cliDeps{cfg: cfg, logger: logger, reg: reg, ctrl: ctrl}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
