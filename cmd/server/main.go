package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/avolkov/coedit/internal/server/document"
	"github.com/avolkov/coedit/internal/server/handlers"
	"github.com/avolkov/coedit/internal/server/middleware"
	"github.com/avolkov/coedit/internal/server/presence"
	"github.com/avolkov/coedit/internal/server/presence/redisstore"
	"github.com/avolkov/coedit/internal/server/storage"
	"github.com/avolkov/coedit/internal/server/storage/postgres"
	"github.com/avolkov/coedit/internal/server/storage/sqlite"
	"github.com/avolkov/coedit/internal/server/ws"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Parse flags
	showVersion := flag.Bool("version", false, "Show version information")
	addr := flag.String("addr", envOr("COEDIT_ADDR", ":8080"), "HTTP listen address")
	dbPath := flag.String("db", envOr("COEDIT_DB", "coedit.db"), "Path to SQLite database")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("COEDIT_POSTGRES_DSN"), "PostgreSQL DSN (overrides SQLite when set)")
	redisAddr := flag.String("redis-addr", os.Getenv("COEDIT_REDIS_ADDR"), "Redis address for shared presence (optional)")
	jwtSecret := flag.String("jwt-secret", os.Getenv("COEDIT_JWT_SECRET"), "HMAC secret for connection tokens (empty = anonymous only)")
	snapshotInterval := flag.Duration("snapshot-interval", 30*time.Second, "Interval between snapshot write-backs")
	logLevel := flag.String("log-level", envOr("COEDIT_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.Parse()

	// Show version and exit if requested
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	logger := newLogger(*logLevel)

	if err := run(logger, *addr, *dbPath, *postgresDSN, *redisAddr, *jwtSecret, *snapshotInterval); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, addr, dbPath, postgresDSN, redisAddr, jwtSecret string, snapshotInterval time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	oplog, snapshots, closeStorage, err := openStorage(ctx, logger, dbPath, postgresDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStorage(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	registry := document.NewRegistry(oplog, snapshots, logger)

	presenceOpts, closePresence, err := presenceOptions(ctx, logger, redisAddr)
	if err != nil {
		return err
	}
	defer closePresence()

	pm := presence.NewManager(presence.DefaultConfig(), logger, presenceOpts...)
	hub := ws.NewHub(registry, pm, logger)

	// Выселение по heartbeat-таймауту транслируется остальным участникам
	pm.SetEvictFunc(hub.HandleEviction)

	auth := ws.NewAuthenticator(jwtSecret, logger)

	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingWithSkip(logger, []string{"/api/v1/health"}))

	healthHandler := handlers.NewHealthHandler(logger, Version)
	docsHandler := handlers.NewDocumentsHandler(logger, registry, oplog)

	router.HandleFunc("/api/v1/health", healthHandler.Health).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/documents/{id}/content", docsHandler.Content).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/documents/{id}/operations", docsHandler.Operations).Methods(http.MethodGet)
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, auth, w, r)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go pm.Run(ctx)
	go registry.Run(ctx, snapshotInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	// Финальный snapshot и ожидание фоновых persist-горутин
	registry.Close(shutdownCtx)

	return nil
}

// openStorage выбирает backend: PostgreSQL при заданном DSN, иначе SQLite
func openStorage(ctx context.Context, logger *slog.Logger, dbPath, postgresDSN string) (storage.OperationLog, storage.SnapshotStore, func() error, error) {
	if postgresDSN != "" {
		st, err := postgres.New(ctx, postgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		logger.Info("using postgres storage")
		return st, st, st.Close, nil
	}

	st, err := sqlite.New(ctx, dbPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open sqlite storage: %w", err)
	}
	logger.Info("using sqlite storage", "path", dbPath)
	return st, st, st.Close, nil
}

// presenceOptions подключает Redis-хранилище присутствия, если задан адрес
func presenceOptions(ctx context.Context, logger *slog.Logger, redisAddr string) ([]presence.Option, func(), error) {
	if redisAddr == "" {
		return nil, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	store, err := redisstore.New(ctx, client)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("using redis presence store", "addr", redisAddr)

	closer := func() {
		if err := client.Close(); err != nil {
			logger.Error("failed to close redis client", "error", err)
		}
	}
	return []presence.Option{presence.WithStore(store)}, closer, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printVersion() {
	fmt.Printf("CoEdit Server\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
