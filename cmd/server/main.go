// Package main is the entry point for the showif server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply pending migrations.
//  3. Create the repository and service.
//  4. Wire up the API key token validator.
//  5. Start the HTTP server and wait for SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/showif/showif/internal/config"
	"github.com/showif/showif/internal/logging"
	"github.com/showif/showif/internal/metrics"
	"github.com/showif/showif/internal/middleware"
	"github.com/showif/showif/internal/repository"
	"github.com/showif/showif/internal/server"
	"github.com/showif/showif/internal/service"
	"github.com/showif/showif/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool, log); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool,
		repository.WithNotifyChannel(cfg.NotifyChannel),
		repository.WithEventBatchSize(cfg.EventBatchSize),
	)

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	svc, err := service.New(ctx, repo,
		service.WithLogger(log),
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations, m.ResetCacheItems, m.SetCacheItems),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	tokenValidator := &apiKeyTokenValidator{lookup: repo}
	apiHandler := server.NewHTTPHandler(svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithMetrics(m),
	)
	httpHandler := newHTTPHandler(apiHandler, tokenValidator,
		middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() }),
		middleware.WithRateLimiter(middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(middleware.HTTPRequestLogging(log)(httpHandler), "showif-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}

type apiKeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

type apiKeyTokenValidator struct {
	lookup apiKeyHashLookup
}

// ValidateToken checks a "keyID.secret" bearer token against the stored hash
// and returns the key ID on success.
func (v *apiKeyTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errors.New("api key validator is nil")
	}

	keyID, rawSecret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || rawSecret == "" {
		return "", errors.New("invalid token format")
	}

	keyHash, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !middleware.APIKeyMatchesHash(keyHash, rawSecret) {
		return "", errors.New("invalid token")
	}

	return keyID, nil
}
