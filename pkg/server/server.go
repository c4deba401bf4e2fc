// Package server provides the public entry point for initializing the
// FrontDesk orchestrator.
//
// This package exists in pkg/ (not internal/) so that deployment wrappers
// can import it and compose the server with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/frontdeskhq/orchestrator/internal/api"
	"github.com/frontdeskhq/orchestrator/internal/api/handlers"
	"github.com/frontdeskhq/orchestrator/internal/config"
	"github.com/frontdeskhq/orchestrator/internal/convstore"
	"github.com/frontdeskhq/orchestrator/internal/loop"
	"github.com/frontdeskhq/orchestrator/internal/modelrouter"
	"github.com/frontdeskhq/orchestrator/internal/prompt"
	"github.com/frontdeskhq/orchestrator/internal/screening"
	"github.com/frontdeskhq/orchestrator/internal/telemetry"
	"github.com/frontdeskhq/orchestrator/internal/tools"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized orchestrator.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the conversation store. Exposed so wrappers can health-check
	// or drain it.
	Store convstore.Store

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry
	// and close the store.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the orchestrator with an explicit configuration.
// Every component is constructed here and handed down; nothing reads
// configuration or reaches for globals after this point.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	store, err := newStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init conversation store: %w", err)
	}

	router := modelrouter.New(cfg.LLM)

	registry, err := tools.NewDefaultRegistry(cfg.Tools)
	if err != nil {
		return nil, fmt.Errorf("init tool registry: %w", err)
	}
	log.Info().Strs("tools", registry.Names()).Msg("tool registry initialized")

	// A missing settings URL yields a nil client; pass an untyped nil so
	// the composer's interface check works.
	var settings prompt.SettingsSource
	if sc := prompt.NewSettingsClient(cfg.Firm); sc != nil {
		settings = sc
	}
	composer := prompt.NewComposer(settings)

	runner := loop.NewRunner(router, registry, cfg.LLM.MaxIterations)

	h := handlers.New(store, runner, composer, screening.New(cfg.Screening))
	h.Streamer = router
	h.DefaultTemperature = cfg.LLM.Temperature

	// The in-memory store only expires conversations lazily; sweep it in
	// the background. Redis expires keys on its own.
	stopJanitor := func() {}
	if ms, ok := store.(*convstore.MemoryStore); ok && cfg.Store.TTL > 0 {
		janitorCtx, cancel := context.WithCancel(context.Background())
		stopJanitor = cancel
		go convstore.NewJanitor(ms, cfg.Store.TTL/4).Start(janitorCtx)
	}

	shutdown := func(ctx context.Context) error {
		stopJanitor()
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("conversation store close failed")
		}
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      api.NewRouter(cfg, h),
		Store:        store,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func newStore(ctx context.Context, cfg config.StoreConfig) (convstore.Store, error) {
	opts := convstore.Options{
		TTL:                cfg.TTL,
		MaxHistoryMessages: cfg.MaxHistoryMessages,
	}

	if cfg.RedisURL == "" {
		log.Info().Msg("in-memory conversation store initialized")
		return convstore.NewMemoryStore(opts), nil
	}

	rs, err := convstore.NewRedisStore(cfg.RedisURL, opts)
	if err != nil {
		return nil, err
	}
	if err := rs.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	log.Info().Msg("redis conversation store initialized")
	return rs, nil
}
