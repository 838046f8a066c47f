package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/internal/config"
	"github.com/3leaps/nimbusgate/internal/credstore"
	"github.com/3leaps/nimbusgate/internal/janitor"
	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/internal/server"
	"github.com/3leaps/nimbusgate/internal/server/handlers"
	"github.com/3leaps/nimbusgate/internal/server/middleware"
	"github.com/3leaps/nimbusgate/pkg/chunked"
	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Long: `Run the HTTP gateway.

The active provider is loaded from the credentials file when one is
configured, and replaced at runtime through POST /configure.

Examples:
  nimbusgate serve
  nimbusgate serve --host 0.0.0.0 --port 9000
  NIMBUSGATE_CREDENTIALS_FILE=/var/lib/nimbusgate/provider.yaml nimbusgate serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
}

// credstoreHealthChecker fails when the credentials file configured for the
// server has become unreadable.
type credstoreHealthChecker struct {
	path string
}

func (c credstoreHealthChecker) CheckHealth(context.Context) error {
	if c.path == "" {
		return nil
	}
	if _, err := os.Stat(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credentials file: %w", err)
	}
	return nil
}

// serveRuntime is everything serve starts, with a single teardown.
type serveRuntime struct {
	server  *server.Server
	gateway *handlers.Gateway
	janitor *janitor.Janitor
}

func (rt *serveRuntime) Close() {
	if rt.janitor != nil {
		rt.janitor.Stop()
	}
	if rt.gateway != nil {
		_ = rt.gateway.Close()
	}
}

// buildRuntime wires the gateway from cfg. Background work stops when ctx
// is done.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*serveRuntime, error) {
	store, err := credstore.New(cfg.Credentials.Path)
	if err != nil {
		return nil, exitError(ExitConfigInvalid, "Failed to load stored credentials", err)
	}

	gw := handlers.NewGateway(handlers.GatewayConfig{
		Store:  store,
		Logger: logger,
		Coordinator: chunked.New(
			chunked.WithThreshold(cfg.Upload.Threshold.Int64()),
			chunked.WithLogger(logger),
		),
		Streamer: stream.New(
			stream.WithSliceSize(cfg.Download.SliceSize.Int64()),
			stream.WithLogger(logger),
			stream.WithFetchHook(func(int64, int64) { observability.RecordRangeFetch() }),
		),
		ShareDefaultExpiry: cfg.Share.DefaultExpiry,
		ShareMaxExpiry:     cfg.Share.MaxExpiry,
	})
	rt := &serveRuntime{gateway: gw}

	if cfg.Health.Enabled {
		hm := handlers.InitHealthManager(versionInfo.Version)
		hm.RegisterChecker("provider", gw.ProviderChecker())
		hm.RegisterChecker("credentials", credstoreHealthChecker{path: cfg.Credentials.Path})
	}

	opts := []server.Option{
		server.WithGateway(gw),
		server.WithLogger(logger),
		server.WithCORS(cfg.CORS.AllowedOrigins),
		server.WithMetrics(cfg.Metrics.Enabled),
		server.WithHealth(cfg.Health.Enabled),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithMaxRequestSize(cfg.Upload.MaxRequestSize.Int64()),
	}
	if cfg.RateLimit.RPS > 0 {
		opts = append(opts, server.WithRateLimiter(middleware.NewRateLimiter(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst)))
	}

	if cfg.Janitor.Enabled {
		j := janitor.New(func(ctx context.Context) (provider.Provider, func(), error) {
			if !store.Configured() {
				return nil, nil, nil
			}
			return gw.Provider(ctx)
		}, cfg.Janitor.MaxAge, janitor.WithLogger(logger))
		if err := j.Start(cfg.Janitor.Schedule); err != nil {
			rt.Close()
			return nil, exitError(ExitConfigInvalid, "Invalid janitor schedule", err)
		}
		rt.janitor = j
	}

	rt.server = server.New(cfg.Server.Host, cfg.Server.Port, opts...)
	return rt, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig(cmd.Context())
	if err != nil {
		return err
	}
	logger := observability.ServerLogger
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("Starting nimbusgate",
		zap.String("version", versionInfo.Version),
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("metrics", cfg.Metrics.Enabled),
		zap.Bool("janitor", cfg.Janitor.Enabled),
		zap.Float64("rate_limit_rps", cfg.RateLimit.RPS))

	errCh := make(chan error, 1)
	go func() { errCh <- rt.server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return serverExit("Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rt.server.Shutdown(shutdownCtx); err != nil {
		return serverExit("Graceful shutdown failed", err)
	}
	if err := <-errCh; err != nil {
		return serverExit("Server failed", err)
	}
	logger.Info("Server stopped")
	return nil
}
