package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/kingrea/pathway/internal/config"
	"github.com/kingrea/pathway/internal/eventbridge"
	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/execution/sqlite"
	"github.com/kingrea/pathway/internal/handler"
	"github.com/kingrea/pathway/internal/logbook"
	"github.com/kingrea/pathway/internal/logging"
	"github.com/kingrea/pathway/internal/procedure"
	"github.com/kingrea/pathway/internal/procedure/engine"
	"github.com/kingrea/pathway/internal/procedure/resolver"
	"github.com/kingrea/pathway/internal/procedure/scheduler"
)

// app is the wired runtime shared by the serve and run commands.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	store    execution.Store
	graphs   *procedure.Registry
	handlers *handler.Registry
	journal  *logbook.Logbook
	router   *eventbridge.Router
	queue    *scheduler.Queue
	resolver *resolver.Resolver
	engine   *engine.Engine

	closers []func() error
}

type bootOptions struct {
	// memory forces the in-memory store regardless of configuration.
	memory bool
	// logFile overrides log.file from the settings.
	logFile *bool
}

func bootstrap(ctx context.Context, project string, opts bootOptions) (*app, error) {
	cfg, err := config.Load(project)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	settings := cfg.Settings

	logOpts := logging.Options{Level: settings.Log.Level, Format: settings.Log.Format}
	writeFile := settings.Log.File
	if opts.logFile != nil {
		writeFile = *opts.logFile
	}
	if writeFile {
		logOpts.FilePath = cfg.LogPath()
	}
	a.log, err = logging.New(logOpts)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.log.Close)
	logger := a.log.Logger

	a.journal, err = logbook.New(cfg.JournalPath())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if opts.memory || settings.Store.Driver == config.StoreMemory {
		a.store = execution.NewMemoryStore()
		logger.Debug("pathway: using in-memory store")
	} else {
		store, err := sqlite.Open(ctx, cfg.StatePath())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		logger.Debug("pathway: opened store", "path", cfg.StatePath())
	}

	a.graphs = procedure.NewRegistry()
	if err := registerGraphs(a.graphs, cfg.GraphsDir()); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("pathway: graphs loaded", "dir", cfg.GraphsDir(), "count", len(a.graphs.IDs()))

	a.handlers = handler.NewRegistry()
	if err := handler.RegisterBuiltins(a.handlers); err != nil {
		a.Close()
		return nil, err
	}
	if err := registerCollaborators(a.handlers, cfg.DataDir, logger); err != nil {
		a.Close()
		return nil, err
	}

	a.router = eventbridge.NewRouter(eventbridge.RouterWithLogger(logger))
	a.queue = scheduler.New(scheduler.WithWorkers(settings.Engine.Workers), scheduler.WithLogger(logger))
	a.resolver, err = resolver.New(a.store, a.graphs,
		resolver.WithMaxDepth(settings.Engine.MaxDependencyDepth),
		resolver.WithConflictRetries(settings.Engine.ConflictRetries),
		resolver.WithLauncher(a.queue),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine, err = engine.New(engine.Dependencies{
		Store:    a.store,
		Graphs:   a.graphs,
		Handlers: a.handlers,
		Resolver: a.resolver,
		Events:   a.router,
		Queue:    a.queue,
		Logbook:  a.journal,
		Logger:   logger,
	},
		engine.WithMaxStepsPerPass(settings.Engine.MaxStepsPerPass),
		engine.WithConflictRetries(settings.Engine.ConflictRetries),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases every resource bootstrap acquired, newest first.
func (a *app) Close() error {
	if a == nil {
		return nil
	}
	if a.queue != nil {
		a.queue.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// registerGraphs loads every definition under dir into registry. An invalid
// definition aborts startup with its validation report.
func registerGraphs(registry *procedure.Registry, dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	graphs, err := procedure.LoadGraphDir(dir, "")
	if err != nil {
		return err
	}
	for _, g := range graphs {
		if _, err := registry.Register(g); err != nil {
			return fmt.Errorf("register %s: %w", g.Ref(), err)
		}
	}
	return nil
}
