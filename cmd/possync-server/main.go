// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command possync-server runs the reference sync backend that posd devices
// push to and pull from.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mobiletoly/go-possync/internal/logging"
	"github.com/mobiletoly/go-possync/posserver"
)

func main() {
	level, err := logging.ParseLevel(getenv("LOG_LEVEL", "info"))
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.NewWithWriter(os.Stdout, level, "json")

	// Empty DATABASE_URL keeps documents in memory.
	databaseURL := os.Getenv("DATABASE_URL")

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "your-secret-key-change-in-production"
		logger.Warn("Using default JWT secret - change in production!")
	}

	addr := getenv("ADDR", ":8080")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := posserver.SetupServer(ctx, &posserver.ServerConfig{
		DatabaseURL: databaseURL,
		JWTSecret:   jwtSecret,
		BackupDir:   getenv("BACKUP_DIR", "backups"),
		PublicURL:   getenv("PUBLIC_URL", "http://localhost"+addr),
		Logger:      logger,

		LogStoreTimings: os.Getenv("LOG_STORE_TIMINGS") == "1",
	})
	if err != nil {
		log.Fatalf("Failed to setup server: %v", err)
	}
	defer components.Close()

	components.Logger.Info("Sync endpoints available at:")
	components.Logger.Info("  GET    /v1/sync/{kind}?after=&limit=&location= - Pull changes")
	components.Logger.Info("  PUT    /v1/sync/{kind}/{id}                    - Upsert a document")
	components.Logger.Info("  DELETE /v1/sync/{kind}/{id}                    - Delete a document")
	components.Logger.Info("  POST   /v1/backups/upload-url                  - Request a backup upload URL")
	components.Logger.Info("  POST   /dummy-signin                           - Dummy signin to obtain JWT")

	if err := components.Serve(ctx, addr); err != nil {
		components.Logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	components.Logger.Info("Server exited")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
