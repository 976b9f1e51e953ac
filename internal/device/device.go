// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package device wires the local store, persisted state, backend client and
// sync engine of one till from its configuration.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mobiletoly/go-possync/internal/config"
	"github.com/mobiletoly/go-possync/kvstate"
	"github.com/mobiletoly/go-possync/maintenance"
	"github.com/mobiletoly/go-possync/posapi"
	"github.com/mobiletoly/go-possync/posstore"
	"github.com/mobiletoly/go-possync/possync"
)

// Device is a bootstrapped till.
type Device struct {
	Config *config.Config
	Store  *posstore.Store
	State  *kvstate.State
	Client *posapi.Client
	Gate   *posstore.Gatekeeper
	Engine *possync.Engine
	Logger *slog.Logger

	// Applied lists the migrations run during Open.
	Applied []string
	// Wiped is set when Open found a schema version change and reset the
	// business data.
	Wiped bool
	// Requeued counts local records found without a pending push and queued
	// during Open.
	Requeued int
}

// Option customizes Open.
type Option func(*openOptions)

type openOptions struct {
	httpClient *http.Client
	observer   func(possync.Event)
	now        func() time.Time
}

// WithHTTPClient replaces the backend HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *openOptions) { o.httpClient = c }
}

// WithObserver receives engine events.
func WithObserver(fn func(possync.Event)) Option {
	return func(o *openOptions) { o.observer = fn }
}

// WithClock overrides the time source of the store and the engine.
func WithClock(now func() time.Time) Option {
	return func(o *openOptions) { o.now = now }
}

// Open runs the startup sequence: open the store, apply pending migrations,
// check the schema version (wiping business data on change), queue local
// records left without a pending push and wire the sync engine. Any
// failure is fatal to startup.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Device, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, state, applied, err := openStorage(ctx, cfg, logger, o.now)
	if err != nil {
		return nil, err
	}

	gate := posstore.NewGatekeeper(store, state, cfg.AllowList)
	wiped, err := gate.CheckAndMigrate(ctx, cfg.SchemaVersion)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to check schema version: %w", err)
	}
	if err := state.SetSchemaVersion(cfg.SchemaVersion); err != nil {
		_ = store.Close()
		return nil, err
	}
	requeued, err := store.Repos().Queue.EnqueueUnsynced(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if requeued > 0 {
		logger.Warn("queued local records that had no pending push", "count", requeued)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Backend.Timeout}
	}
	client := posapi.NewClient(cfg.Backend.URL, posapi.StaticToken(cfg.Backend.Token), httpClient)

	engineOpts := []possync.Option{possync.WithLogger(logger)}
	if o.observer != nil {
		engineOpts = append(engineOpts, possync.WithObserver(o.observer))
	}
	if o.now != nil {
		engineOpts = append(engineOpts, possync.WithClock(o.now))
	}
	engine := possync.NewEngine(store, client, state, Scope(cfg), SyncConfig(cfg), engineOpts...)

	logger.Info("device ready",
		"db", cfg.Store.Path,
		"schema_version", cfg.SchemaVersion,
		"migrations_applied", len(applied),
		"wiped", wiped,
	)
	return &Device{
		Config:   cfg,
		Store:    store,
		State:    state,
		Client:   client,
		Gate:     gate,
		Engine:   engine,
		Logger:   logger,
		Applied:  applied,
		Wiped:    wiped,
		Requeued: requeued,
	}, nil
}

// Close releases the store.
func (d *Device) Close() error {
	return d.Store.Close()
}

// Scope is the pull scope of the configured tenant.
func Scope(cfg *config.Config) posapi.Scope {
	return posapi.Scope{CompanyRef: cfg.Tenant.CompanyRef, LocationRef: cfg.Tenant.LocationRef}
}

// SyncConfig translates the sync section into engine settings.
func SyncConfig(cfg *config.Config) possync.Config {
	return possync.Config{
		PageLimit:     cfg.Sync.PageLimit,
		BackoffMin:    cfg.Sync.BackoffMin,
		BackoffMax:    cfg.Sync.BackoffMax,
		PullCooldown:  cfg.Sync.PullCooldown,
		DrainInterval: cfg.Sync.DrainInterval,
		PullInterval:  cfg.Sync.PullInterval,
	}
}

func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger, now func() time.Time) (*posstore.Store, *kvstate.State, []string, error) {
	if err := ensureParent(cfg.Store.Path); err != nil {
		return nil, nil, nil, err
	}
	storeOpts := []posstore.Option{posstore.WithLogger(logger)}
	if now != nil {
		storeOpts = append(storeOpts, posstore.WithClock(now))
	}
	store, err := posstore.Open(cfg.Store.Path, storeOpts...)
	if err != nil {
		return nil, nil, nil, err
	}
	applied, err := store.Migrate(ctx, posstore.Migrations())
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	if err := store.CheckSchema(ctx); err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	state, err := kvstate.Open(cfg.State.Path, cfg.State.Timeout)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	return store, state, applied, nil
}

func ensureParent(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// OpenSession opens a private store and state session for a background run.
// It applies pending migrations but leaves the version check to the
// foreground, which owns the resync.
func OpenSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*maintenance.Session, error) {
	store, state, _, err := openStorage(ctx, cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	return &maintenance.Session{Store: store, State: state}, nil
}

// Maintenance returns the background task runner for cfg. Each run opens its
// own session.
func Maintenance(cfg *config.Config, uploader maintenance.BackupUploader, logger *slog.Logger) *maintenance.Runner {
	if logger == nil {
		logger = slog.Default()
	}
	var tasks []maintenance.Task
	if uploader != nil {
		tasks = append(tasks, &maintenance.BackupTask{
			Uploader:  uploader,
			Threshold: cfg.Maintenance.BackupThreshold,
			TempDir:   filepath.Dir(cfg.Store.Path),
			Logger:    logger,
		})
	}
	tasks = append(tasks, &maintenance.StaleOrderTask{
		MaxAge: cfg.Maintenance.StaleOrderAge,
		Logger: logger,
	})
	return &maintenance.Runner{
		LockPath: cfg.Maintenance.LockPath,
		Open: func(ctx context.Context) (*maintenance.Session, error) {
			return OpenSession(ctx, cfg, logger)
		},
		Tasks:  tasks,
		Logger: logger,
	}
}
