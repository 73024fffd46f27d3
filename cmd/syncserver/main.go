// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command syncserver starts the puzzle platform's realtime sync service.
//
// It reads configuration from environment variables and starts the HTTP
// server.
//
// # Environment Variables
//
//   - SYNC_PORT: HTTP server port (default: 12310)
//   - SYNC_REDIS_URL: Redis URL for multi-instance mode (optional)
//   - SYNC_DATA_DIR: BadgerDB directory for durable state (optional)
//   - SYNC_LOG_DIR: log file directory (optional, stderr only if unset)
//   - SYNC_MAX_PARTICIPANTS: session membership cap (default: 16)
//   - SYNC_LOCK_TTL_SECONDS: default lock lease (default: 5)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//
// # Usage
//
//	# Build
//	go build -o syncserver ./cmd/syncserver
//
//	# Single instance, in-memory
//	./syncserver
//
//	# Multi instance behind a load balancer
//	SYNC_REDIS_URL=redis://localhost:6379/0 SYNC_DATA_DIR=/var/lib/puzzle ./syncserver
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dbbuilder/puzzle-tutorial-sub000/pkg/logging"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync"
)

func main() {
	// Setup structured logging
	logger := logging.New(logging.Config{
		Service: "sync",
		LogDir:  os.Getenv("SYNC_LOG_DIR"),
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// Build configuration from environment variables
	cfg := sync.Config{
		Port:            getEnvInt("SYNC_PORT", 12310),
		RedisURL:        os.Getenv("SYNC_REDIS_URL"),
		DataDir:         os.Getenv("SYNC_DATA_DIR"),
		OTelEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MaxParticipants: getEnvInt("SYNC_MAX_PARTICIPANTS", 16),
		LockDefaultTTL:  time.Duration(getEnvInt("SYNC_LOCK_TTL_SECONDS", 5)) * time.Second,
	}

	slog.Info("Starting sync service",
		"port", cfg.Port,
		"redis_url", cfg.RedisURL,
		"data_dir", cfg.DataDir,
	)

	svc, err := sync.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create sync service: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Sync service error: %v", err)
	}
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
