// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package posserver is a small tenant-scoped document backend speaking the
// device sync protocol. It backs local development and end-to-end tests.
package posserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// ServerConfig holds configuration for the server
type ServerConfig struct {
	// DatabaseURL selects the Postgres store; empty keeps documents in memory.
	DatabaseURL string
	JWTSecret   string
	BackupDir   string
	// PublicURL is the externally visible base URL used in upload links.
	// Empty derives it from the request host.
	PublicURL string
	Logger    *slog.Logger
	Now       func() time.Time

	// StoreMetrics receives the timing of every document store call.
	StoreMetrics StoreMetricsRecorder
	// LogStoreTimings logs store timings at debug level when StoreMetrics is nil.
	LogStoreTimings bool
}

// ServerComponents holds the initialized server components
type ServerComponents struct {
	Pool    *pgxpool.Pool
	Store   DocumentStore
	JWTAuth *JWTAuth
	Signer  *BackupSigner
	Handler http.Handler
	Logger  *slog.Logger
}

// SetupServer initializes the document store, auth and routes.
func SetupServer(ctx context.Context, config *ServerConfig) (*ServerComponents, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	jwtSecret := config.JWTSecret
	if jwtSecret == "" {
		jwtSecret = "your-secret-key-change-in-production"
		logger.Warn("Using default JWT secret - change in production!")
	}

	sc := &ServerComponents{
		JWTAuth: NewJWTAuth(jwtSecret, logger),
		Signer:  NewBackupSigner(jwtSecret, 15*time.Minute),
		Logger:  logger,
	}

	if config.DatabaseURL == "" {
		sc.Store = NewMemoryStore()
		logger.Info("Using in-memory document store")
	} else {
		poolConfig, err := pgxpool.ParseConfig(config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse database URL: %w", err)
		}
		poolConfig.MaxConns = 20
		poolConfig.MaxConnLifetime = time.Hour
		poolConfig.MaxConnIdleTime = 30 * time.Minute

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		store, err := NewPGStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		sc.Pool = pool
		sc.Store = store
	}

	metrics := config.StoreMetrics
	if metrics == nil && config.LogStoreTimings {
		metrics = LogStoreTimings(logger)
	}
	sc.Store = Instrument(sc.Store, metrics)

	backupDir := config.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(os.TempDir(), "possync-backups")
	}

	h := &Handlers{
		store:     sc.Store,
		jwt:       sc.JWTAuth,
		signer:    sc.Signer,
		sink:      DirSink{Root: backupDir},
		publicURL: config.PublicURL,
		logger:    logger,
		now:       now,
	}
	sc.Handler = NewRouter(h, logger)
	return sc, nil
}

// NewRouter wires the API routes.
func NewRouter(h *Handlers, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		LoggingMiddleware(logger),
	)

	r.Get("/health", h.HandleHealth)
	r.Post("/dummy-signin", h.HandleSignIn)
	r.Put("/v1/backups/blobs/{device}/{name}", h.HandleBlobUpload)

	r.Group(func(r chi.Router) {
		r.Use(h.jwt.Middleware)
		r.Route("/v1/sync/{kind}", func(r chi.Router) {
			r.Get("/", h.HandlePull)
			r.Put("/{id}", h.HandlePut)
			r.Delete("/{id}", h.HandleDelete)
		})
		r.Post("/v1/backups/upload-url", h.HandleBackupURL)
	})
	return r
}

// LoggingMiddleware logs one line per request at debug level.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// Close shuts down the server components and cleans up resources
func (sc *ServerComponents) Close() {
	if sc.Pool != nil {
		sc.Pool.Close()
	}
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (sc *ServerComponents) Serve(ctx context.Context, addr string) error {
	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           sc.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       120 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
	}

	eg.Go(func() error {
		sc.Logger.Info("Starting sync backend", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sc.Logger.Info("Shutting down server...")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}
