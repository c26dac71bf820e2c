package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kingrea/pathway/internal/escalation"
	"github.com/kingrea/pathway/internal/eventbridge"
	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/telemetry"
)

const shutdownGrace = 5 * time.Second

func serveCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	project := projectFlag(fs)
	memory := fs.Bool("memory", false, "use an in-memory store instead of the configured one")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir, err := resolveProject(*project)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, dir, bootOptions{memory: *memory})
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.log.Logger

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		Endpoint:    a.cfg.Settings.Telemetry.Endpoint,
		ServiceName: a.cfg.Settings.Telemetry.ServiceName,
	})
	if err != nil {
		logger.Warn("pathway: tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("pathway: flush traces", "error", err)
		}
	}()

	sink, err := escalation.NewFileSink(a.cfg.EscalationsDir())
	if err != nil {
		return err
	}
	go func() {
		if err := escalation.Watch(ctx, a.router, sink, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("pathway: escalation watcher stopped", "error", err)
		}
	}()

	settings := eventbridge.SettingsFromConfig(a.cfg)
	server := eventbridge.NewServer(settings,
		eventbridge.WithProcessor(a.engine),
		eventbridge.WithStateReader(a.readState),
		eventbridge.WithLogger(logger),
	)
	if settings.Enabled {
		if err := server.Start(ctx); err != nil {
			return err
		}
	} else {
		logger.Info("pathway: event intake disabled")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("pathway: shutdown event intake", "error", err)
		}
	}()

	recovered, err := a.queue.Recover(ctx, a.store)
	if err != nil {
		return err
	}
	logger.Info("pathway: serving", "project", a.cfg.ProjectDir, "recovered", recovered, "workers", a.queue.Workers())

	if err := a.queue.Run(ctx, a.engine); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("pathway: stopped")
	return nil
}

// readState serves GET /executions/{id} on the intake.
func (a *app) readState(ctx context.Context, id string) (any, error) {
	state, err := a.store.Get(ctx, id)
	if errors.Is(err, execution.ErrNotFound) {
		return nil, eventbridge.Reject(http.StatusNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}
