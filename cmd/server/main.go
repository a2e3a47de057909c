// Package main is the entry point for the gatez server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Open the snapshot store named by STORE_DRIVER.
//  3. Build the engine, restore the persisted snapshot, and seed defaults.
//  4. Wire up metrics, auth, and the HTTP route table.
//  5. Start the HTTP server and wait for SIGINT/SIGTERM.
//  6. Flush pending snapshot writes and shut down gracefully.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/gatez/internal/config"
	"github.com/matt-riley/gatez/internal/core"
	"github.com/matt-riley/gatez/internal/engine"
	"github.com/matt-riley/gatez/internal/logging"
	"github.com/matt-riley/gatez/internal/metrics"
	"github.com/matt-riley/gatez/internal/middleware"
	"github.com/matt-riley/gatez/internal/server"
	"github.com/matt-riley/gatez/internal/storage"
	storagepg "github.com/matt-riley/gatez/internal/storage/postgres"
	storageredis "github.com/matt-riley/gatez/internal/storage/redis"
	storagesqlite "github.com/matt-riley/gatez/internal/storage/sqlite"
	"github.com/matt-riley/gatez/internal/tracing"
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

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer closeStore()

	defaults, err := loadDefaults(cfg.DefaultsPath)
	if err != nil {
		return fmt.Errorf("load defaults: %w", err)
	}

	m := metrics.New()
	eng, err := engine.New(store,
		engine.WithLogger(log),
		engine.WithDefaults(defaults),
		engine.WithEvaluationHook(m.RecordEvaluation),
		engine.WithPersistHook(m.RecordSnapshotWrite),
	)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	eng.Initialize(ctx, "", nil)

	// Keep the registry size gauge current.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		m.SetRegistrySize(eng.GetStats().TotalFlags)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SetRegistrySize(eng.GetStats().TotalFlags)
			}
		}
	}()

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	apiHandler := server.NewHTTPHandler(eng,
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithMetricsHandler(m.Handler()),
		server.WithMutationGuard(newMutationGuard(cfg.AdminTokenHash, m, rateLimiter)),
		server.WithRequestObserver(m.RecordHTTPRequest),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(middleware.RequestLogging(log)(apiHandler), "gatez-http"),
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

	log.Info("server started", "http_addr", cfg.HTTPAddr, "store_driver", cfg.StoreDriver)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("HTTP shutdown error", "error", err)
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), cfg.FlushTimeout)
	defer cancelFlush()
	if err := eng.Flush(flushCtx); err != nil {
		log.Error("final snapshot flush failed", "error", err)
	}
	eng.Close()

	return serveErr
}

// newStore opens the snapshot store named by STORE_DRIVER. The returned
// close function releases the underlying connection, if any.
func newStore(ctx context.Context, cfg config.Config) (storage.Store, func(), error) {
	noop := func() {}

	switch cfg.StoreDriver {
	case config.DriverMemory:
		return storage.NewMemory(), noop, nil

	case config.DriverFile:
		store, err := storage.NewFile(cfg.SnapshotPath)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil

	case config.DriverSQLite:
		store, err := storagesqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := runMigrations(pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return storagepg.New(pool), pool.Close, nil

	case config.DriverRedis:
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		store, err := storageredis.New(storageredis.Config{Client: client})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// loadDefaults reads built-in flag definitions from a JSON array file.
// An empty path means no defaults.
func loadDefaults(path string) ([]core.FlagDefinition, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var defaults []core.FlagDefinition
	if err := json.Unmarshal(data, &defaults); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return defaults, nil
}

// newMutationGuard protects mutating routes. Without a configured admin
// token hash every mutation is refused outright.
func newMutationGuard(adminTokenHash string, m *metrics.Metrics, rl *middleware.RateLimiter) func(http.Handler) http.Handler {
	if adminTokenHash == "" {
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "mutations disabled: ADMIN_TOKEN_HASH is not set", http.StatusForbidden)
			})
		}
	}

	return middleware.BearerAuth(
		middleware.NewHashValidator(adminTokenHash),
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(rl),
	)
}
