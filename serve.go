package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"planner-sync/api"
	"planner-sync/config"
	"planner-sync/store"
	"planner-sync/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	Long: `Run the local view server. Each bearer token gets its own workspace,
which is dropped after workspace.idle_ttl without requests or once the token
expires.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	backend, rc, err := newBackend(cfg, logger)
	if err != nil {
		return err
	}
	var deduper *api.RedisDeduper
	if rc != nil {
		defer rc.Close()
		if err := rc.Ping(cmd.Context()).Err(); err != nil {
			logger.WithError(err).Warn("redis unreachable at startup")
		}
		deduper = api.NewRedisDeduper(rc, cfg.Redis.DedupeTTL)
	}

	auth, err := newAuth(cfg.Auth)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry := workspace.NewRegistry(backend, logger, store.NewMetrics(logger, reg))
	defer registry.Close()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.RequestBodyMiddleware(0))
	api.RegisterMetrics(e, reg)
	api.Register(e, registry, auth, deduper, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sweep(ctx, registry, cfg.Workspace, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.WithFields(log.Fields{"addr": addr, "api": cfg.API.BaseURL, "auth": cfg.Auth.Mode}).Info("planner-sync listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	// Closing the registry first ends open event streams.
	registry.Close()
	return e.Shutdown(shutdownCtx)
}

func newAuth(cfg config.AuthConfig) (*api.Auth, error) {
	var jwks *keyfunc.JWKS
	if cfg.Mode == config.AuthJWKS {
		var err error
		jwks, err = keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshUnknownKID: true,
		})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
	}
	return api.NewAuth(cfg, jwks)
}

// sweep drops idle and expired workspaces until ctx is done.
func sweep(ctx context.Context, registry *workspace.Registry, cfg config.WorkspaceConfig, logger *log.Logger) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.Sweep(cfg.IdleTTL); n > 0 {
				logger.WithFields(log.Fields{"dropped": n, "open": registry.Len()}).Debug("workspaces swept")
			}
		}
	}
}
