// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the poll engine.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hel/internal/hconfig"
	"github.com/JakeFAU/hel/internal/logging"
	"github.com/JakeFAU/hel/internal/metrics"
	"github.com/JakeFAU/hel/internal/output"
	"github.com/JakeFAU/hel/internal/polltick"
	"github.com/JakeFAU/hel/internal/scheduler"
	"github.com/JakeFAU/hel/internal/state"
)

// App holds all the shared, long-lived services the poll engine needs: the
// logger, the state store, the output sink, and the scheduler driving every
// configured source. It is initialized once at startup and closed once at
// shutdown.
type App struct {
	logger *zap.Logger
	cfg    *hconfig.Config

	store state.Store
	sink  *output.Sink

	scheduler *scheduler.Scheduler
}

// GetLogger returns the shared zap logger instance.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// NewApp reads configuration from cfgPath (empty for the default search
// path), builds the state store, output sink, every source's runtime, and
// the scheduler that drives them. It fails fast if any of those cannot be
// built.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := hconfig.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Global.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	metrics.Init()

	store, fellBack, err := state.Open(ctx, string(cfg.Global.State.Backend), cfg.Global.State.DSN, cfg.Global.State.Path, cfg.Global.State.FallbackToMemory)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if fellBack {
		logger.Warn("state store fell back to memory", zap.String("backend", string(cfg.Global.State.Backend)))
	}

	sink, err := output.New(cfg.Global.Output, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build output sink: %w", err)
	}

	sources, err := buildSources(cfg, store, sink, logger)
	if err != nil {
		sink.Close()
		store.Close()
		return nil, err
	}

	grace := 30 * time.Second
	sched := scheduler.New(sources, cfg.Global.Bulkhead, cfg.Global.LoadShedding, sink, cfg.Global.Output.EventQueueSize, grace, logger)

	a := &App{
		logger:    logger,
		cfg:       cfg,
		store:     store,
		sink:      sink,
		scheduler: sched,
	}
	return a, nil
}

// buildSources constructs one scheduler.Source per configured source,
// wiring each Tick to the shared state store and output sink.
func buildSources(cfg *hconfig.Config, store state.Store, sink *output.Sink, logger *zap.Logger) ([]scheduler.Source, error) {
	sources := make([]scheduler.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		rt, err := polltick.NewRuntime(sc, http.DefaultClient, logger)
		if err != nil {
			return nil, fmt.Errorf("source %q: build runtime: %w", sc.ID, err)
		}
		tick := &polltick.Tick{
			Runtime:               rt,
			Store:                 store,
			Output:                sink,
			Logger:                logger.Named(sc.ID),
			SourceLabelKey:        cfg.Global.Output.SourceLabelKey,
			EmitWithoutCheckpoint: cfg.Global.Degradation.EmitWithoutCheckpoint,
		}
		sources = append(sources, scheduler.Source{
			ID:       sc.ID,
			Schedule: sc.Schedule,
			Priority: sc.Priority,
			Tick:     tick,
		})
	}
	return sources, nil
}

// Run starts the scheduler, blocking until ctx is canceled or the output
// sink reports a fatal write error. It honors restart_sources_on_sighup by
// rebuilding every source's runtime (and with it, its circuit breaker and
// token cache) on a reload signaled through reload. The Prometheus
// collectors metrics.Init() registered are exposed to whatever process
// scrapes this one's default registry; mounting a /metrics HTTP handler is
// outside this package's scope.
func (a *App) Run(ctx context.Context, reload <-chan struct{}) error {
	if reload != nil && a.cfg.Global.RestartSourcesOnSighup {
		go a.watchReload(ctx, reload)
	}

	go a.scheduler.Run(ctx)

	select {
	case <-ctx.Done():
	case err := <-a.sink.Fatal():
		a.logger.Error("output sink fatal error, shutting down", zap.Error(err))
		return err
	}
	return nil
}

// watchReload rebuilds every source's runtime from the same config on each
// signal, handing the scheduler a fresh Source set whose circuit breakers,
// rate limiters, and auth token caches all start clean.
func (a *App) watchReload(ctx context.Context, reload <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-reload:
			a.logger.Info("restarting sources on sighup")
			sources, err := buildSources(a.cfg, a.store, a.sink, a.logger)
			if err != nil {
				a.logger.Error("sighup reload failed, keeping previous sources", zap.Error(err))
				continue
			}
			a.scheduler.Reload(sources)
		}
	}
}

// Close gracefully shuts down every owned service in dependency order:
// scheduler already stopped by Run's caller canceling ctx, then the output
// sink (flushing queued lines), and finally the state store.
func (a *App) Close() {
	if err := a.sink.Close(); err != nil {
		a.logger.Warn("output sink close error", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("state store close error", zap.Error(err))
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync error", zap.Error(err))
	}
}
