// Package app wires the Ratescope components together and manages the
// service lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/ratescope/ratescope/internal/api/http"
	"github.com/ratescope/ratescope/internal/cache"
	"github.com/ratescope/ratescope/internal/combine"
	"github.com/ratescope/ratescope/internal/config"
	"github.com/ratescope/ratescope/internal/engine"
	"github.com/ratescope/ratescope/internal/logging"
	"github.com/ratescope/ratescope/internal/metadata"
	"github.com/ratescope/ratescope/internal/navigator"
	"github.com/ratescope/ratescope/internal/server"
	"github.com/ratescope/ratescope/internal/service"
	"github.com/ratescope/ratescope/internal/storage"
)

// App manages the Ratescope service lifecycle.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	// Shared resources
	index    *metadata.Index
	storage  storage.ObjectStorage
	spooler  *storage.Spooler
	pool     *engine.Pool
	cache    *cache.Cache
	svc      *service.Service
	shutdown *server.ShutdownManager

	httpServer *http.Server

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg: cfg,
		log: logging.NewLogger(),
	}, nil
}

// Start initializes shared resources and starts the HTTP server and
// maintenance loops.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize resources: %w", err)
	}

	a.startHTTPServer()
	a.startMaintenanceLoops(ctx)

	a.log.Info().
		Str("addr", a.cfg.HTTP.Addr).
		Str("index", a.cfg.IndexPath).
		Str("storage", a.cfg.Storage.Type).
		Msg("ratescope started")
	return nil
}

// initResources builds the component graph: index, storage, spooler,
// engine pool, combiner, cache, and the service on top.
func (a *App) initResources(ctx context.Context) error {
	var err error

	a.index, err = metadata.Open(a.cfg.IndexPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata index: %w", err)
	}
	if err := a.index.Ping(ctx); err != nil {
		return fmt.Errorf("metadata index not usable: %w", err)
	}
	a.log.Info().Str("path", a.cfg.IndexPath).Msg("metadata index opened")

	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		if a.cfg.Storage.S3.Endpoint != "" {
			s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		}
		s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.log.Info().Str("type", a.cfg.Storage.Type).Msg("storage initialized")

	a.spooler, err = storage.NewSpooler(a.storage, a.cfg.Spool.Dir, a.cfg.Spool.MaxBytes)
	if err != nil {
		return fmt.Errorf("failed to initialize spooler: %w", err)
	}

	a.pool = engine.NewPool(engine.PoolConfig{
		MaxTargets:   a.cfg.Engine.MaxTargets,
		ProbeTimeout: a.cfg.Engine.ProbeTimeout,
		IdleTimeout:  a.cfg.Engine.IdleTimeout,
	}, logging.ForComponent(a.log, "engine"))

	// A spooled file evicted from disk invalidates its engine connection.
	a.spooler.OnEvict(func(localPath string) {
		a.pool.Evict(localPath)
	})

	a.cache = cache.New(a.cfg.Cache.TTL, logging.ForComponent(a.log, "cache"))

	fetcher := combine.NewEngineFetcher(a.spooler, a.pool, logging.ForComponent(a.log, "fetch"))
	combiner := combine.New(fetcher, logging.ForComponent(a.log, "combine"))
	nav := navigator.New(a.index, logging.ForComponent(a.log, "navigator"))

	a.svc = service.New(nav, combiner, a.cache, a.index, service.Config{
		DefaultMaxRows:       a.cfg.Combine.MaxRows,
		DefaultMaxPartitions: a.cfg.Combine.MaxPartitions,
		CacheTTL:             a.cfg.Cache.TTL,
	}, logging.ForComponent(a.log, "service"))

	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())

	return nil
}

// startHTTPServer mounts the API and begins serving.
func (a *App) startHTTPServer() {
	handler := httpapi.NewHandler(a.svc, a.pool, logging.ForComponent(a.log, "http"))

	mux := http.NewServeMux()
	handler.Register(mux)

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      server.ShutdownMiddleware(a.shutdown)(mux),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Info().Str("addr", a.cfg.HTTP.Addr).Msg("http server listening")
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("http server error")
		}
	}()
}

// startMaintenanceLoops runs the periodic cache and pool sweeps.
func (a *App) startMaintenanceLoops(ctx context.Context) {
	interval := a.cfg.Cache.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.cache.Sweep()
				a.pool.Sweep()
			}
		}
	}()
}

// Stop gracefully stops the server and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.log.Info().Msg("initiating graceful shutdown")

	if a.cancel != nil {
		a.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.log.Error().Err(err).Msg("http server shutdown error")
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.log.Warn().Msg("shutdown timeout, some goroutines may not have finished")
	}

	a.cleanup()

	a.log.Info().Msg("ratescope stopped")
	return nil
}

// cleanup releases shared resources.
func (a *App) cleanup() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.index != nil {
		a.index.Close()
	}
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
