package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	s3blob "github.com/copyrig/copyrig/internal/blob/s3"
	"github.com/copyrig/copyrig/internal/config"
	"github.com/copyrig/copyrig/internal/domain"
	"github.com/copyrig/copyrig/internal/reconcile"
	"github.com/copyrig/copyrig/internal/server"
	"github.com/copyrig/copyrig/internal/server/handler"
	"github.com/copyrig/copyrig/internal/supervisor"
)

// shutdownTimeout bounds the HTTP server drain on exit.
const shutdownTimeout = 10 * time.Second

// RunMode is the long-running engine: route supervisor, periodic orphan
// scans, segment archival, the operator HTTP surface, and SIGHUP config
// reloads. It blocks until ctx is cancelled.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	if a.cfg.Server.Enabled && a.cfg.Server.AuthToken == "" {
		return errors.New("app: server enabled without an auth token")
	}

	sup := supervisor.New(supervisor.Deps{
		Gateway:  deps.Gateway,
		Mappings: deps.Mappings,
		Suppress: deps.Suppress,
		Squeeze:  deps.Squeeze,
		Stats:    deps.Stats,
		Alerter:  deps.Notifier,
		History:  deps.History,
		Logger:   a.logger,
	}, a.cfg)
	deps.Notifier.SetRoutePrefs(sup.NotifyPrefs)

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("app: start supervisor: %w", err)
	}
	defer sup.Stop()

	reconciler := reconcile.New(deps.Gateway, deps.Mappings, deps.Suppress, deps.Notifier, sup, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.scanLoop(ctx, reconciler) })

	if deps.Archiver != nil && a.cfg.S3.ArchiveCron != "" {
		g.Go(func() error { return a.archiveLoop(ctx, deps) })
	}

	if a.cfg.Server.Enabled {
		srv := a.buildServer(deps, sup, reconciler)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error { return a.reloadLoop(ctx, sup, deps) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: run mode: %w", err)
	}
	return nil
}

// scanLoop drives the reconciler at the configured interval. Scan failures
// are logged, never fatal; the next tick retries.
func (a *App) scanLoop(ctx context.Context, reconciler *reconcile.Reconciler) error {
	interval := a.cfg.Global.ScanInterval.Duration
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := reconciler.ScanAll(ctx); err != nil {
				a.logger.WarnContext(ctx, "orphan scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// archiveLoop ships rotated mapping-log segments on the configured cron
// schedule.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(a.cfg.S3.ArchiveCron, func() {
		if _, _, err := deps.Archiver.Run(ctx); err != nil {
			a.logger.WarnContext(ctx, "archive sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("app: archive cron %q: %w", a.cfg.S3.ArchiveCron, err)
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// reloadLoop applies the config document on SIGHUP. An invalid document is
// rejected atomically: the running config stays in force and the operator
// gets a config-error alert.
func (a *App) reloadLoop(ctx context.Context, sup *supervisor.Supervisor, deps *Dependencies) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hup:
			cfg, err := config.Load(a.configPath)
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				a.logger.ErrorContext(ctx, "config reload rejected", slog.String("error", err.Error()))
				deps.Notifier.Notify(ctx, domain.Alert{
					Kind:    domain.AlertConfigError,
					Message: "config reload rejected, previous config stays in force",
					Fields:  map[string]string{"error": err.Error()},
					At:      time.Now().UTC(),
				})
				continue
			}

			a.cfg = cfg
			sup.Reload(cfg)
			a.logger.InfoContext(ctx, "config reloaded", slog.Int("routes", len(cfg.Routes)))
		}
	}
}

func (a *App) buildServer(deps *Dependencies, sup *supervisor.Supervisor, reconciler *reconcile.Reconciler) *server.Server {
	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(),
		Status:  handler.NewStatusHandler(a.cfg.Mode, time.Now(), sup, reconciler),
		Routes:  handler.NewRoutesHandler(a.configPath, sup, deps.Stats, deps.Audit, a.logger),
		Orphans: handler.NewOrphansHandler(reconciler, sup, deps.Gateway, deps.Mappings, deps.Audit, a.logger),
		History: handler.NewHistoryHandler(deps.Audit, deps.History),
		Archive: handler.NewArchiveHandler(archiveOrNil(deps.Archiver)),
	}
	return server.New(server.Config{
		Addr:               a.cfg.Server.Addr,
		AuthToken:          a.cfg.Server.AuthToken,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		RateLimiter:        deps.RateLimiter,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, handlers, a.logger)
}

// archiveOrNil avoids handing the handler a typed-nil interface when S3 is
// not wired.
func archiveOrNil(a *s3blob.Archiver) handler.SegmentArchive {
	if a == nil {
		return nil
	}
	return a
}

// configRoutes adapts the resolved route list to the reconciler's provider
// interface for one-shot scans.
type configRoutes struct {
	routes []domain.Route
}

func (c configRoutes) Routes() []domain.Route { return c.routes }

// ScanMode runs one orphan sweep across every enabled route and prints the
// report, then exits. Used from cron or by operators before market open.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	routes := a.cfg.ResolveRoutes()
	deps.Notifier.SetRoutePrefs(func(routeID string) (domain.NotifyPrefs, bool) {
		for _, r := range routes {
			if r.ID == routeID {
				return r.Notifications, true
			}
		}
		return domain.NotifyPrefs{}, false
	})

	reconciler := reconcile.New(
		deps.Gateway, deps.Mappings, deps.Suppress, deps.Notifier,
		configRoutes{routes: routes}, a.logger,
	)

	orphans, err := reconciler.ScanAll(ctx)
	if err != nil {
		return fmt.Errorf("app: scan mode: %w", err)
	}

	if len(orphans) == 0 {
		fmt.Println("no orphans detected")
		return nil
	}

	fmt.Printf("%-12s %-12s %-10s %-14s %-8s %s\n",
		"ROUTE", "POSITION", "SYMBOL", "REASON", "VOLUME", "DETECTED")
	for _, o := range orphans {
		fmt.Printf("%-12s %-12s %-10s %-14s %-8s %s\n",
			o.RouteID,
			o.Position.ID,
			o.Position.Symbol,
			string(o.Reason),
			o.Position.Volume.String(),
			o.DetectedAt.UTC().Format(time.RFC3339),
		)
	}
	fmt.Printf("\n%d orphan(s); close with: POST /api/orphans/close {\"positionId\": \"...\"}\n", len(orphans))
	return nil
}
