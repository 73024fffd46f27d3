// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sync provides the realtime collaboration service for the
// puzzle platform.
//
// This package contains the main Service type that coordinates all
// components: session registry, lock manager, state synchronizer,
// broadcast fan-out, presence tracker, persistence, and observability
// infrastructure.
//
// # Deployment Modes
//
// Single instance (no Redis): all coordination state lives in process
// memory, events stay local. Suitable for development and small
// deployments.
//
// Multi instance (Redis configured): locks and presence live in Redis,
// events relay between instances over Redis pub/sub, and a participant
// may connect to any instance behind a load balancer.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/broadcast"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/handlers"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/lock"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/middleware"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/observability"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/presence"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/registry"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/routes"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/state"
	badgerstore "github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/storage/badger"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the sync service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds sync service configuration options. All fields have
// sensible defaults applied by New().
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Default: uses GIN_MODE env var or "debug".
	GinMode string

	// RedisURL enables multi-instance coordination when set.
	// Example: "redis://localhost:6379/0". Empty runs single-instance
	// with in-memory stores.
	RedisURL string

	// DataDir is the BadgerDB directory for the mutation log and session
	// archive. Empty uses an in-memory database (no restart durability).
	DataDir string

	// OTelEndpoint is the OTLP collector endpoint for traces.
	// Empty disables trace export.
	OTelEndpoint string

	// LockDefaultTTL and LockMaxTTL bound lock lifetimes.
	LockDefaultTTL time.Duration
	LockMaxTTL     time.Duration

	// MaxParticipants caps session membership. Default: 16.
	MaxParticipants int

	// InactivityTimeout is the session abandonment threshold.
	// Default: 30m.
	InactivityTimeout time.Duration

	// PresenceGracePeriod delays Offline after the last disconnect.
	// Default: 10s.
	PresenceGracePeriod time.Duration

	// PresenceAwayTimeout demotes idle participants to Away.
	// Default: 90s.
	PresenceAwayTimeout time.Duration

	// EventQueueSize bounds each connection's fan-out queue.
	// Default: 64.
	EventQueueSize int

	// OpsPerSecond and OpsBurst shape the per-connection operation rate
	// limiter. Defaults: 60 ops/s, burst 120.
	OpsPerSecond float64
	OpsBurst     int
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.LockDefaultTTL == 0 {
		cfg.LockDefaultTTL = 5 * time.Second
	}
	if cfg.LockMaxTTL == 0 {
		cfg.LockMaxTTL = 30 * time.Second
	}
	if cfg.MaxParticipants == 0 {
		cfg.MaxParticipants = 16
	}
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = 30 * time.Minute
	}
	if cfg.PresenceGracePeriod == 0 {
		cfg.PresenceGracePeriod = 10 * time.Second
	}
	if cfg.PresenceAwayTimeout == 0 {
		cfg.PresenceAwayTimeout = 90 * time.Second
	}
	if cfg.EventQueueSize == 0 {
		cfg.EventQueueSize = 64
	}
	if cfg.OpsPerSecond == 0 {
		cfg.OpsPerSecond = 60
	}
	if cfg.OpsBurst == 0 {
		cfg.OpsBurst = 120
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
type service struct {
	config Config
	router *gin.Engine

	db        *badgerdb.DB
	gcRunner  *badgerstore.GCRunner
	redisClnt redis.UniversalClient

	hub      *broadcast.Hub
	bridge   broadcast.Bridge
	locks    *lock.Manager
	mlog     state.MutationLog
	sync     *state.Synchronizer
	registry *registry.Registry
	tracker  *presence.Tracker

	tracerShutdown func(context.Context) error
	gaugeDone      chan struct{}
}

// metricsSink layers metric recording over the hub's presence fan-out.
type metricsSink struct {
	hub *broadcast.Hub
}

func (m metricsSink) PublishPresence(ctx context.Context, sessionID string, ev datatypes.PresenceEvent) {
	observability.RecordPresenceTransition(string(ev.Status))
	m.hub.PublishPresence(ctx, sessionID, ev)
}

// New creates a sync Service with the given configuration.
//
// # Description
//
// New initializes all components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing (if endpoint configured)
//  3. Connects Redis for locks, presence, and the event bridge
//     (if RedisURL configured; in-memory otherwise)
//  4. Opens BadgerDB for the mutation log and session archive
//  5. Wires registry, locks, synchronizer, fan-out, and presence
//  6. Sets up HTTP routes
//
// # Outputs
//
//   - Service: Ready-to-run sync service
//   - error: Non-nil if initialization fails
func New(cfg Config) (Service, error) {
	s := &service{
		config:    applyConfigDefaults(cfg),
		gaugeDone: make(chan struct{}),
	}
	ctx := context.Background()

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "puzzle-sync",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   s.config.OTelEndpoint,
		OTLPInsecure:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerShutdown = shutdown

	// Coordination stores: Redis when configured, in-memory otherwise.
	var lockStore lock.Store
	var presenceStore presence.Store
	if s.config.RedisURL != "" {
		opts, err := redis.ParseURL(s.config.RedisURL)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		s.redisClnt = redis.NewClient(opts)
		lockStore = lock.NewRedisStore(s.redisClnt)
		presenceStore = presence.NewRedisStore(s.redisClnt)
		slog.Info("Redis coordination enabled", "addr", opts.Addr)
	} else {
		lockStore = lock.NewMemoryStore()
		presenceStore = presence.NewMemoryStore()
		slog.Info("Running single-instance with in-memory coordination")
	}

	if err := s.initBadger(); err != nil {
		s.cleanup()
		return nil, err
	}

	s.hub = broadcast.NewHub(broadcast.HubConfig{
		QueueSize: s.config.EventQueueSize,
		OnDrop:    func(string) { observability.RecordEventDropped() },
	})

	if s.redisClnt != nil {
		bridge, err := broadcast.NewRedisBridge(ctx, s.redisClnt, s.hub, broadcast.BridgeConfig{})
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to start event bridge: %w", err)
		}
		s.bridge = bridge
		s.hub.AttachBridge(bridge)
	}

	s.locks = lock.NewManager(lockStore, s.hub, lock.ManagerConfig{
		DefaultTTL: s.config.LockDefaultTTL,
		MaxTTL:     s.config.LockMaxTTL,
	})

	s.mlog = state.NewBadgerLog(s.db, state.BadgerLogConfig{
		OnDrop: observability.RecordLogRecordDropped,
	})
	s.sync = state.NewSynchronizer(s.locks, s.mlog)

	s.tracker = presence.NewTracker(presenceStore, metricsSink{hub: s.hub}, presence.TrackerConfig{
		GracePeriod: s.config.PresenceGracePeriod,
		AwayTimeout: s.config.PresenceAwayTimeout,
	})
	s.tracker.Start()

	archive := registry.NewArchive(s.db)
	s.registry = registry.New(archive, registry.Config{
		MaxParticipants:   s.config.MaxParticipants,
		InactivityTimeout: s.config.InactivityTimeout,
	})
	s.registry.AddCleaner(registry.CleanerFunc(s.sync.DropSession))
	s.registry.AddCleaner(registry.CleanerFunc(s.tracker.DropSession))
	s.registry.Start()

	go s.runSessionGauge()

	s.initRouter(archive)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting sync server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initBadger opens the embedded database and, for persistent databases,
// starts value log garbage collection.
func (s *service) initBadger() error {
	var err error
	if s.config.DataDir != "" {
		s.db, err = badgerstore.OpenWithPath(s.config.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open badger at %s: %w", s.config.DataDir, err)
		}
		cfg := badgerstore.DefaultConfig()
		s.gcRunner, err = badgerstore.NewGCRunner(s.db, cfg.GCInterval, cfg.GCDiscardRatio, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to create badger GC runner: %w", err)
		}
		s.gcRunner.Start()
		slog.Info("BadgerDB opened", "path", s.config.DataDir)
		return nil
	}

	s.db, err = badgerstore.OpenInMemory()
	if err != nil {
		return fmt.Errorf("failed to open in-memory badger: %w", err)
	}
	slog.Info("BadgerDB running in-memory; mutation log will not survive restarts")
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter(archive *registry.Archive) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("puzzle-sync"))

	deps := &handlers.Deps{
		Registry:     s.registry,
		Archive:      archive,
		Locks:        s.locks,
		Sync:         s.sync,
		Log:          s.mlog,
		Hub:          s.hub,
		Tracker:      s.tracker,
		Validate:     validator.New(),
		OpsPerSecond: s.config.OpsPerSecond,
		OpsBurst:     s.config.OpsBurst,
	}
	routes.SetupRoutes(s.router, deps, middleware.HeaderIdentityProvider{})
}

// runSessionGauge keeps the active-session gauge current.
func (s *service) runSessionGauge() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.gaugeDone:
			return
		case <-ticker.C:
			observability.SetActiveSessions(len(s.registry.List()))
		}
	}
}

// cleanup releases all resources held by the service.
//
// Called when Run() exits or on initialization failure. Order matters:
// stop producers (registry sweep, presence timers, bridge) before the
// stores they write to.
func (s *service) cleanup() {
	close(s.gaugeDone)

	if s.registry != nil {
		s.registry.Stop()
	}
	if s.tracker != nil {
		s.tracker.Stop()
	}
	if s.bridge != nil {
		if err := s.bridge.Close(); err != nil {
			slog.Warn("event bridge close error", "error", err)
		}
	}
	if s.mlog != nil {
		if err := s.mlog.Close(); err != nil {
			slog.Warn("mutation log close error", "error", err)
		}
	}
	if s.gcRunner != nil {
		s.gcRunner.Stop()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("badger close error", "error", err)
		}
	}
	if s.redisClnt != nil {
		if err := s.redisClnt.Close(); err != nil {
			slog.Warn("redis close error", "error", err)
		}
	}
	if s.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tracerShutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
