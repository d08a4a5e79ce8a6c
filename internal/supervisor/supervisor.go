// Package supervisor owns the copy pipeline lifecycle: it spawns one
// pipeline per enabled route, isolates crashes behind exponential-backoff
// restarts, applies config reloads as a diff against the running set, and
// drives the daily risk rollover.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/copyrig/copyrig/internal/config"
	"github.com/copyrig/copyrig/internal/domain"
	"github.com/copyrig/copyrig/internal/pipeline"
	"github.com/copyrig/copyrig/internal/risk"
	"github.com/copyrig/copyrig/internal/stats"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
	healthyRun     = 5 * time.Minute
)

// Deps bundles the shared collaborators every pipeline is built on.
type Deps struct {
	Gateway  domain.Gateway
	Mappings domain.MappingStore
	Suppress domain.SuppressionStore
	Squeeze  pipeline.ScoreProvider
	Stats    *stats.Collector
	Alerter  pipeline.Alerter
	History  domain.HistoryStore
	Logger   *slog.Logger
	Now      func() time.Time
}

// runner tracks one route's pipeline across restarts. The risk state is
// carried over so a crash does not reset the daily window.
type runner struct {
	route    domain.Route
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	pl       *pipeline.Pipeline
	risk     *risk.State
	restarts int
}

func (r *runner) current() *pipeline.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pl
}

func (r *runner) getRoute() domain.Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.route
}

func (r *runner) setRoute(route domain.Route) {
	r.mu.Lock()
	r.route = route
	r.mu.Unlock()
}

// Supervisor manages all route pipelines. Start it once; reload on config
// change; Stop tears every pipeline down cooperatively.
type Supervisor struct {
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	cfg     *config.Config
	runners map[string]*runner
	ctx     context.Context

	cron         *cron.Cron
	rolloverID   cron.EntryID
	rolloverHour int
}

// New creates a supervisor with the initial config.
func New(deps Deps, cfg *config.Config) *Supervisor {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Supervisor{
		deps:    deps,
		logger:  deps.Logger.With(slog.String("component", "supervisor")),
		cfg:     cfg,
		runners: make(map[string]*runner),
		cron:    cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start spawns pipelines for every enabled route and schedules the daily
// rollover. It returns immediately; pipelines run until ctx is cancelled or
// Stop is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	cfg := s.cfg
	s.mu.Unlock()

	for _, route := range cfg.ResolveRoutes() {
		if !route.Enabled {
			continue
		}
		s.startRoute(ctx, route)
	}

	if err := s.scheduleRollover(cfg.Global.RolloverUtcHour); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// scheduleRollover (re)registers the daily rollover entry, replacing any
// previous one.
func (s *Supervisor) scheduleRollover(hour int) error {
	spec := fmt.Sprintf("0 %d * * *", hour)
	id, err := s.cron.AddFunc(spec, s.rollover)
	if err != nil {
		return fmt.Errorf("supervisor: schedule rollover %q: %w", spec, err)
	}
	s.mu.Lock()
	if s.rolloverID != 0 {
		s.cron.Remove(s.rolloverID)
	}
	s.rolloverID = id
	s.rolloverHour = hour
	s.mu.Unlock()
	return nil
}

// Stop cancels every pipeline and waits for them to drain.
func (s *Supervisor) Stop() {
	s.cron.Stop()

	s.mu.Lock()
	runners := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.runners = make(map[string]*runner)
	s.mu.Unlock()

	for _, r := range runners {
		r.cancel()
	}
	for _, r := range runners {
		<-r.done
	}
	s.logger.Info("all pipelines stopped")
}

func (s *Supervisor) startRoute(ctx context.Context, route domain.Route) {
	routeCtx, cancel := context.WithCancel(ctx)
	r := &runner{
		route:  route,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.runners[route.ID] = r
	s.mu.Unlock()

	s.logger.Info("starting pipeline", slog.String("route", route.ID))
	go s.runLoop(routeCtx, r)
}

// runLoop restarts the route's pipeline after failures with exponential
// backoff, resetting the backoff after a healthy run.
func (s *Supervisor) runLoop(ctx context.Context, r *runner) {
	defer close(r.done)
	backoff := initialBackoff

	for {
		s.mu.Lock()
		cfg := s.cfg
		s.mu.Unlock()
		route := r.getRoute()
		rules := cfg.RuleSetFor(route)

		pl := pipeline.New(pipeline.Deps{
			Route:            route,
			Rules:            rules,
			Global:           cfg.Global,
			ReferenceBalance: decimal.NewFromFloat(cfg.ReferenceBalance(route.Source.ID)),
			Gateway:          s.deps.Gateway,
			Mappings:         s.deps.Mappings,
			Suppress:         s.deps.Suppress,
			Squeeze:          s.deps.Squeeze,
			Stats:            s.deps.Stats,
			Alerter:          s.deps.Alerter,
			History:          s.deps.History,
			Risk:             r.risk,
			Now:              s.deps.Now,
			Logger:           s.deps.Logger,
		})
		r.mu.Lock()
		r.pl = pl
		r.mu.Unlock()

		started := s.deps.Now()
		err := runOnce(ctx, pl)

		// Carry the risk state so a restart keeps the daily window intact.
		if state := pl.Risk(); state != nil {
			r.mu.Lock()
			r.risk = state
			r.mu.Unlock()
		}

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Error("pipeline exited",
				slog.String("route", route.ID),
				slog.String("error", err.Error()),
			)
		}

		if s.deps.Now().Sub(started) >= healthyRun {
			backoff = initialBackoff
		}
		r.mu.Lock()
		r.restarts++
		r.mu.Unlock()
		s.logger.Warn("restarting pipeline",
			slog.String("route", route.ID),
			slog.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// runOnce isolates a pipeline run behind panic recovery so one route's bug
// cannot take the supervisor down.
func runOnce(ctx context.Context, pl *pipeline.Pipeline) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("supervisor: pipeline panic: %v", p)
		}
	}()
	return pl.Run(ctx)
}

// Reload diffs the new config against the running set: removed or disabled
// routes stop, added or enabled routes start, routes whose source,
// destination, or rule set changed restart. The caller validates cfg first.
func (s *Supervisor) Reload(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	ctx := s.ctx
	prevHour := s.rolloverHour
	running := make(map[string]*runner, len(s.runners))
	for id, r := range s.runners {
		running[id] = r
	}
	s.mu.Unlock()

	if cfg.Global.RolloverUtcHour != prevHour {
		if err := s.scheduleRollover(cfg.Global.RolloverUtcHour); err != nil {
			s.logger.Error("rollover reschedule failed", slog.String("error", err.Error()))
		} else {
			s.logger.Info("rollover rescheduled", slog.Int("utc_hour", cfg.Global.RolloverUtcHour))
		}
	}

	wanted := make(map[string]domain.Route)
	for _, route := range cfg.ResolveRoutes() {
		if route.Enabled {
			wanted[route.ID] = route
		}
	}

	var stop []*runner
	for id, r := range running {
		next, keep := wanted[id]
		switch {
		case !keep:
			s.logger.Info("stopping pipeline", slog.String("route", id))
			stop = append(stop, r)
			s.mu.Lock()
			delete(s.runners, id)
			s.mu.Unlock()
		case routeChanged(r.getRoute(), next):
			s.logger.Info("restarting pipeline for config change", slog.String("route", id))
			stop = append(stop, r)
			s.mu.Lock()
			delete(s.runners, id)
			s.mu.Unlock()
		default:
			// Unchanged: refresh cosmetic fields without a restart.
			r.setRoute(next)
			delete(wanted, id)
			continue
		}
	}

	for _, r := range stop {
		r.cancel()
		<-r.done
	}

	for id, route := range wanted {
		if _, exists := running[id]; exists && !routeChanged(running[id].getRoute(), route) {
			continue
		}
		s.startRoute(ctx, route)
	}
}

// routeChanged reports whether a route's identity-level fields differ.
func routeChanged(old, next domain.Route) bool {
	return old.Source != next.Source ||
		old.Destination != next.Destination ||
		old.RuleSet != next.RuleSet
}

// rollover resets every route's daily risk window and stats.
func (s *Supervisor) rollover() {
	now := s.deps.Now()
	s.mu.Lock()
	runners := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	for _, r := range runners {
		var state *risk.State
		if pl := r.current(); pl != nil {
			state = pl.Risk()
		}
		if state == nil {
			continue
		}
		route := r.getRoute()
		view := state.DailyRollover(now)
		s.deps.Stats.ResetDay(route.ID)
		s.logger.Info("daily rollover",
			slog.String("route", route.ID),
			slog.String("daily_pnl", view.DailyPnL.String()),
			slog.Int("trades", view.TradesToday),
		)
	}
}

// NotifyPrefs resolves a route's notification preferences, for the
// notifier. Disabled routes are resolved from the config document so their
// preferences still apply to reconciler alerts.
func (s *Supervisor) NotifyPrefs(routeID string) (domain.NotifyPrefs, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runners[routeID]; ok {
		return r.getRoute().Notifications, true
	}
	for _, route := range s.cfg.ResolveRoutes() {
		if route.ID == routeID {
			return route.Notifications, true
		}
	}
	return domain.NotifyPrefs{}, false
}

// Routes returns the currently supervised routes, for the reconciler.
func (s *Supervisor) Routes() []domain.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Route, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r.getRoute())
	}
	return out
}

// Statuses returns the live view of every supervised route for the operator
// surface.
func (s *Supervisor) Statuses(ctx context.Context) []domain.RouteStatus {
	s.mu.Lock()
	runners := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	out := make([]domain.RouteStatus, 0, len(runners))
	for _, r := range runners {
		route := r.getRoute()
		st := domain.RouteStatus{Route: route, State: domain.PipelineStarting}
		if pl := r.current(); pl != nil {
			st.State = pl.State()
			st.StartedAt = pl.StartedAt()
		}
		r.mu.Lock()
		st.Restarts = r.restarts
		r.mu.Unlock()

		if active, err := s.deps.Mappings.ListActiveForRoute(ctx, route.ID); err == nil {
			st.ActiveCopies = len(active)
		}
		st.LastEventAt = s.deps.Stats.Route(route.ID).LastEventAt
		out = append(out, st)
	}
	return out
}
