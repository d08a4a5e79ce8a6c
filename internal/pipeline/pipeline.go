// Package pipeline runs the per-route copy loop: it consumes the source
// account's position stream and mirrors qualifying positions into the
// destination account. Events for one source position are handled serially
// in observed order; events for different positions run in parallel under a
// weighted-semaphore cap.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/copyrig/copyrig/internal/config"
	"github.com/copyrig/copyrig/internal/domain"
	"github.com/copyrig/copyrig/internal/filter"
	"github.com/copyrig/copyrig/internal/risk"
	"github.com/copyrig/copyrig/internal/sizing"
	"github.com/copyrig/copyrig/internal/stats"
)

const (
	defaultParallelism  = 4
	defaultQueueDepth   = 32
	defaultDrainTimeout = 10 * time.Second

	symbolAlertWindow = 24 * time.Hour
)

// Alerter delivers operator alerts. Implementations must not block.
type Alerter interface {
	Notify(ctx context.Context, alert domain.Alert)
}

// ScoreProvider yields the squeeze confidence score for a symbol.
type ScoreProvider interface {
	Score(ctx context.Context, symbol string) float64
}

// Deps bundles everything one pipeline runs on. History and Risk are
// optional: a nil Risk is built during sync from a live account snapshot,
// and a non-nil one (carried over a supervisor restart) is reused so daily
// counters survive the restart.
type Deps struct {
	Route  domain.Route
	Rules  config.RuleSet
	Global config.GlobalSettings

	// ReferenceBalance is the source account's configured reference balance.
	// Zero falls back to the destination balance at sizing time.
	ReferenceBalance decimal.Decimal

	Gateway  domain.Gateway
	Mappings domain.MappingStore
	Suppress domain.SuppressionStore
	Squeeze  ScoreProvider
	Stats    *stats.Collector
	Alerter  Alerter
	History  domain.HistoryStore
	Risk     *risk.State

	Now    func() time.Time
	Logger *slog.Logger
}

// Pipeline mirrors one route. Create with New, drive with Run; Run returns
// when the context is cancelled or the stream fails unrecoverably.
type Pipeline struct {
	deps  Deps
	chain *filter.Chain
	sizer *sizing.Policy

	logger *slog.Logger

	mu        sync.Mutex
	state     domain.PipelineState
	risk      *risk.State
	source    map[string]domain.Position // live source position view
	queues    map[string]*posQueue
	startedAt time.Time

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	// workCtx outlives the run context so in-flight handlers can finish
	// during the drain window.
	workCtx    context.Context
	workCancel context.CancelFunc
}

// New builds a pipeline for one route. Defaults apply for zero global knobs.
func New(deps Deps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	parallelism := deps.Global.EventParallelism
	if parallelism < 1 {
		parallelism = defaultParallelism
	}
	logger := deps.Logger.With(
		slog.String("component", "pipeline"),
		slog.String("route", deps.Route.ID),
	)
	return &Pipeline{
		deps:   deps,
		chain:  filter.NewChain(deps.Rules.Filters, deps.Mappings),
		sizer:  sizing.NewPolicy(deps.Rules.Sizing),
		logger: logger,
		state:  domain.PipelineStarting,
		risk:   deps.Risk,
		source: make(map[string]domain.Position),
		queues: make(map[string]*posQueue),
		sem:    semaphore.NewWeighted(int64(parallelism)),
	}
}

// Route returns the route this pipeline mirrors.
func (p *Pipeline) Route() domain.Route { return p.deps.Route }

// State returns the pipeline lifecycle state.
func (p *Pipeline) State() domain.PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// StartedAt returns when the current run entered the event loop.
func (p *Pipeline) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Risk returns the route's risk state, nil before the first sync completed.
func (p *Pipeline) Risk() *risk.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.risk
}

func (p *Pipeline) setState(s domain.PipelineState) {
	p.mu.Lock()
	if p.state != s {
		p.logger.Info("pipeline state", slog.String("from", string(p.state)), slog.String("to", string(s)))
		p.state = s
	}
	p.mu.Unlock()
}

// markHealthy flips Degraded back to Running on the first successful broker
// operation.
func (p *Pipeline) markHealthy() {
	p.mu.Lock()
	if p.state == domain.PipelineDegraded {
		p.logger.Info("pipeline state", slog.String("from", string(domain.PipelineDegraded)), slog.String("to", string(domain.PipelineRunning)))
		p.state = domain.PipelineRunning
	}
	p.mu.Unlock()
}

// markStreamDown flips Running to Degraded on a feed drop; the stream's own
// reconnect flips it back through markHealthy.
func (p *Pipeline) markStreamDown(err error) {
	msg := "connection dropped"
	if err != nil {
		msg = err.Error()
	}
	p.mu.Lock()
	if p.state == domain.PipelineRunning {
		p.logger.Warn("pipeline degraded, stream disconnected", slog.String("error", msg))
		p.state = domain.PipelineDegraded
	}
	p.mu.Unlock()
}

func (p *Pipeline) markDegradedOn(err error) {
	if domain.FailureKindOf(err) != domain.FailureTransient {
		return
	}
	p.mu.Lock()
	if p.state == domain.PipelineRunning {
		p.logger.Warn("pipeline degraded", slog.String("error", err.Error()))
		p.state = domain.PipelineDegraded
	}
	p.mu.Unlock()
}

// Run executes the pipeline until ctx is cancelled. Destination positions
// are never closed on stop.
func (p *Pipeline) Run(ctx context.Context) error {
	p.setState(domain.PipelineStarting)

	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer workCancel()
	p.mu.Lock()
	p.workCtx, p.workCancel = workCtx, workCancel
	p.mu.Unlock()

	stream, err := p.deps.Gateway.ConnectStream(ctx, p.deps.Route.Source)
	if err != nil {
		p.setState(domain.PipelineStopped)
		return fmt.Errorf("pipeline: connect stream for %s: %w", p.deps.Route.ID, err)
	}
	defer stream.Close()

	stream.OnStateChange(func(connected bool, err error) {
		if connected {
			p.markHealthy()
			return
		}
		p.markStreamDown(err)
	})

	p.setState(domain.PipelineSyncing)
	if err := p.sync(ctx); err != nil {
		p.setState(domain.PipelineStopped)
		return fmt.Errorf("pipeline: sync %s: %w", p.deps.Route.ID, err)
	}

	p.mu.Lock()
	p.startedAt = p.deps.Now()
	p.mu.Unlock()
	p.setState(domain.PipelineRunning)

	for {
		select {
		case <-ctx.Done():
			p.drain()
			p.setState(domain.PipelineStopped)
			return nil
		case ev, ok := <-stream.Events():
			if !ok {
				p.drain()
				p.setState(domain.PipelineStopped)
				return fmt.Errorf("pipeline: %s: %w", p.deps.Route.ID, domain.ErrStreamClosed)
			}
			p.dispatch(ev)
		}
	}
}

// sync snapshots both accounts, re-materializes mappings from destination
// comment tags, and seeds the risk state. Idempotent: a mapping that already
// exists is left alone.
func (p *Pipeline) sync(ctx context.Context) error {
	route := p.deps.Route
	now := p.deps.Now()

	srcPositions, err := p.deps.Gateway.GetPositions(ctx, route.Source.ID)
	if err != nil {
		return fmt.Errorf("snapshot source %s: %w", route.Source.ID, err)
	}
	destPositions, err := p.deps.Gateway.GetPositions(ctx, route.Destination.ID)
	if err != nil {
		return fmt.Errorf("snapshot destination %s: %w", route.Destination.ID, err)
	}

	p.mu.Lock()
	p.source = make(map[string]domain.Position, len(srcPositions))
	for _, pos := range srcPositions {
		p.source[pos.ID] = pos
	}
	freshRisk := p.risk == nil
	p.mu.Unlock()

	healed := 0
	for _, pos := range destPositions {
		srcID, ok := domain.SourceIDFromComment(pos.Comment)
		if !ok {
			continue
		}
		_, err := p.deps.Mappings.GetBySource(ctx, route.Source.ID, srcID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("lookup mapping %s/%s: %w", route.Source.ID, srcID, err)
		}
		m := domain.Mapping{
			SourceAccount:  route.Source.ID,
			SourcePosition: srcID,
			DestAccount:    route.Destination.ID,
			DestPosition:   pos.ID,
			RouteID:        route.ID,
			Symbol:         pos.Symbol,
			Side:           pos.Side,
			Volume:         pos.Volume,
			OpenedAt:       pos.OpenTime,
			Status:         domain.MappingActive,
			LastSeen:       now,
		}
		if err := p.deps.Mappings.Put(ctx, m); err != nil && !errors.Is(err, domain.ErrDuplicateMapping) {
			return fmt.Errorf("re-materialize mapping %s/%s: %w", route.Source.ID, srcID, err)
		}
		healed++
	}

	if freshRisk {
		info, err := p.deps.Gateway.GetAccountInfo(ctx, route.Destination.ID)
		if err != nil {
			return fmt.Errorf("account info %s: %w", route.Destination.ID, err)
		}
		state := risk.NewState(p.riskParams(), info, now, p.logger)
		active, err := p.deps.Mappings.ListActiveForRoute(ctx, route.ID)
		if err != nil {
			return fmt.Errorf("list active mappings %s: %w", route.ID, err)
		}
		open := make(map[string]domain.Position, len(destPositions))
		for _, pos := range destPositions {
			open[pos.ID] = pos
		}
		for _, m := range active {
			if _, ok := open[m.DestPosition]; ok {
				state.RestoreOpen(m.Symbol, m.Volume)
			}
		}
		p.mu.Lock()
		p.risk = state
		p.mu.Unlock()
	}

	p.logger.Info("sync complete",
		slog.Int("source_positions", len(srcPositions)),
		slog.Int("dest_positions", len(destPositions)),
		slog.Int("mappings_healed", healed),
	)
	return nil
}

func (p *Pipeline) riskParams() risk.Params {
	return risk.Params{
		Risk:             p.deps.Rules.Risk,
		Phases:           p.deps.Rules.Phases,
		MaxDailyTrades:   p.deps.Rules.Filters.MaxDailyTrades,
		EmergencyStopPct: p.deps.Global.EmergencyStopLossPct,
		DailyDrawdownPct: p.deps.Global.DailyDrawdownLimit,
	}
}

// drain waits for queued handlers bounded by the configured drain budget,
// then cancels whatever remains in flight.
func (p *Pipeline) drain() {
	budget := p.deps.Global.DrainTimeout.Duration
	if budget <= 0 {
		budget = defaultDrainTimeout
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(budget):
		p.logger.Warn("drain budget exceeded, cancelling in-flight work")
		p.workCancel()
		<-done
	}
}

func (p *Pipeline) sourceSnapshot() []domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Position, 0, len(p.source))
	for _, pos := range p.source {
		out = append(out, pos)
	}
	return out
}

// ---------------------------------------------------------------------------
// Event handlers
// ---------------------------------------------------------------------------

func (p *Pipeline) handle(ctx context.Context, ev domain.PositionEvent) {
	p.deps.Stats.RecordEvent(p.deps.Route.ID, ev.At)

	switch ev.Type {
	case domain.EventPositionCreated:
		p.handleCreated(ctx, ev.Position)
	case domain.EventPositionRemoved:
		p.handleRemoved(ctx, ev.Position)
	case domain.EventPositionUpdated:
		p.handleUpdated(ctx, ev.Position)
	case domain.EventAccountInfo:
		// Source-side account info; destination balances are refreshed per
		// copy attempt instead.
		p.logger.Debug("source account info", slog.String("account", ev.AccountID))
	}
}

func (p *Pipeline) handleCreated(ctx context.Context, pos domain.Position) {
	route := p.deps.Route
	now := p.deps.Now()
	log := p.logger.With(slog.String("source_position", pos.ID), slog.String("symbol", pos.Symbol))

	p.mu.Lock()
	p.source[pos.ID] = pos
	riskState := p.risk
	p.mu.Unlock()

	// Durable duplicate check before anything expensive.
	if _, err := p.deps.Mappings.GetBySource(ctx, route.Source.ID, pos.ID); err == nil {
		log.Debug("already mapped, skipping")
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		log.ErrorContext(ctx, "mapping lookup failed, skipping copy", slog.String("error", err.Error()))
		p.deps.Stats.RecordDeny(route.ID, domain.DenyAlreadyCopied)
		return
	}

	if gate := riskState.OnEventIngress(now, pos.Symbol); !gate.Allowed {
		p.deps.Stats.RecordDeny(route.ID, gate.Reason)
		p.handleTrip(ctx, riskState)
		log.InfoContext(ctx, "copy denied by risk gate", slog.String("reason", string(gate.Reason)))
		return
	}
	view := riskState.Snapshot()

	verdict := p.chain.Evaluate(ctx, filter.Candidate{
		Route:           route,
		Position:        pos,
		Risk:            view,
		Now:             now,
		SourcePositions: p.sourceSnapshot(),
	})
	if !verdict.Allowed {
		p.deps.Stats.RecordDeny(route.ID, verdict.Reason)
		log.InfoContext(ctx, "copy denied by filter", slog.String("reason", string(verdict.Reason)))
		return
	}

	info, err := p.deps.Gateway.GetAccountInfo(ctx, route.Destination.ID)
	if err != nil {
		p.markDegradedOn(err)
		p.deps.Stats.RecordExecuteFailure(route.ID)
		log.ErrorContext(ctx, "destination account info failed", slog.String("error", err.Error()))
		return
	}
	p.markHealthy()
	riskState.UpdateAccount(info)

	var score float64
	if p.deps.Rules.Sizing.SqueezeEnabled && p.deps.Squeeze != nil {
		score = p.deps.Squeeze.Score(ctx, pos.Symbol)
	}

	ref := p.deps.ReferenceBalance
	if ref.Sign() <= 0 {
		ref = info.Balance
	}
	volume, detail, ok := p.sizer.Size(sizing.Inputs{
		SourceVolume:     pos.Volume,
		Symbol:           pos.Symbol,
		Side:             pos.Side,
		DestBalance:      info.Balance,
		ReferenceBalance: ref,
		Risk:             view,
		SqueezeScore:     score,
	})
	if !ok {
		p.deps.Stats.RecordSkip(route.ID)
		log.InfoContext(ctx, "copy skipped by sizing")
		return
	}

	// Real-time de-dup: a restart may have executed this copy before the
	// mapping write landed. Self-heal instead of double-opening.
	destPositions, err := p.deps.Gateway.GetPositions(ctx, route.Destination.ID)
	if err != nil {
		p.markDegradedOn(err)
		p.deps.Stats.RecordExecuteFailure(route.ID)
		log.ErrorContext(ctx, "destination scan failed, not executing blind", slog.String("error", err.Error()))
		return
	}
	for _, dp := range destPositions {
		srcID, tagged := domain.SourceIDFromComment(dp.Comment)
		if !tagged || srcID != pos.ID {
			continue
		}
		m := p.buildMapping(pos, dp.ID, dp.Volume, detail, now)
		if err := p.deps.Mappings.Put(ctx, m); err != nil && !errors.Is(err, domain.ErrDuplicateMapping) {
			log.ErrorContext(ctx, "self-heal mapping write failed", slog.String("error", err.Error()))
		}
		log.WarnContext(ctx, "destination already holds this copy, mapping healed",
			slog.String("dest_position", dp.ID))
		return
	}

	sl, tp := p.bufferedStops(pos)
	result, err := p.deps.Gateway.ExecuteTrade(ctx, route.Destination, domain.TradeOrder{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Volume:     volume,
		StopLoss:   sl,
		TakeProfit: tp,
		Comment:    domain.CommentTag(pos.ID),
	})
	if err != nil {
		p.markDegradedOn(err)
		p.deps.Stats.RecordExecuteFailure(route.ID)
		p.handleExecuteFailure(ctx, pos, err, log)
		return
	}
	p.markHealthy()

	m := p.buildMapping(pos, result.OrderID, result.Volume, detail, now)
	if err := p.deps.Mappings.Put(ctx, m); err != nil {
		if errors.Is(err, domain.ErrDuplicateMapping) {
			log.WarnContext(ctx, "mapping already present after execute, keeping existing")
		} else {
			log.ErrorContext(ctx, "mapping write failed after execute",
				slog.String("dest_position", result.OrderID),
				slog.String("error", err.Error()),
			)
		}
	}
	riskState.OnTradeOpened(pos.Symbol, result.Volume, now)
	p.deps.Stats.RecordCopy(route.ID)
	log.InfoContext(ctx, "position copied",
		slog.String("dest_position", result.OrderID),
		slog.String("volume", result.Volume.String()),
		slog.Float64("multiplier", detail.Multiplier),
	)
}

func (p *Pipeline) handleRemoved(ctx context.Context, pos domain.Position) {
	route := p.deps.Route
	now := p.deps.Now()
	log := p.logger.With(slog.String("source_position", pos.ID), slog.String("symbol", pos.Symbol))

	p.mu.Lock()
	delete(p.source, pos.ID)
	riskState := p.risk
	p.mu.Unlock()

	m, err := p.deps.Mappings.GetBySource(ctx, route.Source.ID, pos.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.ErrorContext(ctx, "mapping lookup failed on close", slog.String("error", err.Error()))
		}
		return
	}

	result, err := p.deps.Gateway.ClosePosition(ctx, route.Destination.ID, m.DestPosition)
	if err != nil {
		// Mapping stays active; the reconciler reclassifies it.
		p.markDegradedOn(err)
		p.deps.Stats.RecordCloseFailure(route.ID)
		log.WarnContext(ctx, "close failed, leaving mapping active",
			slog.String("dest_position", m.DestPosition),
			slog.String("error", err.Error()),
		)
		return
	}
	p.markHealthy()

	if err := p.deps.Mappings.MarkClosed(ctx, route.Source.ID, pos.ID); err != nil {
		log.ErrorContext(ctx, "mark closed failed", slog.String("error", err.Error()))
	}
	riskState.OnTradeClosed(m.Symbol, m.Volume, result.Profit, now)
	p.deps.Stats.RecordClose(route.ID, result.Profit)
	p.handlePhaseUpgrade(ctx, riskState)
	log.InfoContext(ctx, "position closed",
		slog.String("dest_position", m.DestPosition),
		slog.String("profit", result.Profit.String()),
	)

	if p.deps.History != nil {
		rec := domain.CopyRecord{
			RouteID:        route.ID,
			Symbol:         m.Symbol,
			Side:           m.Side,
			SourcePosition: m.SourcePosition,
			DestPosition:   m.DestPosition,
			SourceVolume:   pos.Volume,
			DestVolume:     m.Volume,
			OpenPrice:      pos.OpenPrice,
			Profit:         result.Profit,
			OpenedAt:       m.OpenedAt,
			ClosedAt:       now,
		}
		if err := p.deps.History.Insert(ctx, rec); err != nil {
			log.WarnContext(ctx, "history insert failed", slog.String("error", err.Error()))
		}
	}
}

// handleUpdated mirrors SL/TP changes best-effort. Mappings are untouched.
func (p *Pipeline) handleUpdated(ctx context.Context, pos domain.Position) {
	route := p.deps.Route

	p.mu.Lock()
	prev, known := p.source[pos.ID]
	p.source[pos.ID] = pos
	p.mu.Unlock()

	if !p.deps.Rules.Sizing.MirrorSLTP {
		return
	}
	if known && prev.StopLoss.Equal(pos.StopLoss) && prev.TakeProfit.Equal(pos.TakeProfit) {
		return
	}

	m, err := p.deps.Mappings.GetBySource(ctx, route.Source.ID, pos.ID)
	if err != nil {
		return
	}
	sl, tp := p.bufferedStops(pos)
	if err := p.deps.Gateway.ModifyPosition(ctx, route.Destination.ID, m.DestPosition, sl, tp); err != nil {
		p.markDegradedOn(err)
		p.logger.WarnContext(ctx, "modify failed",
			slog.String("dest_position", m.DestPosition),
			slog.String("error", err.Error()),
		)
		return
	}
	p.markHealthy()
}

func (p *Pipeline) buildMapping(pos domain.Position, destID string, volume decimal.Decimal, detail sizing.Detail, now time.Time) domain.Mapping {
	return domain.Mapping{
		SourceAccount:  p.deps.Route.Source.ID,
		SourcePosition: pos.ID,
		DestAccount:    p.deps.Route.Destination.ID,
		DestPosition:   destID,
		RouteID:        p.deps.Route.ID,
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		Volume:         volume,
		Multiplier:     detail.Multiplier,
		SqueezeScore:   detail.SqueezeScore,
		OpenedAt:       now,
		Status:         domain.MappingActive,
		LastSeen:       now,
	}
}

// bufferedStops widens the source SL/TP by the configured buffers so the
// copy is never stopped out tighter than the original. Zero means unset and
// stays zero.
func (p *Pipeline) bufferedStops(pos domain.Position) (sl, tp decimal.Decimal) {
	if !p.deps.Rules.Sizing.MirrorSLTP {
		return decimal.Zero, decimal.Zero
	}
	slBuf := decimal.NewFromFloat(p.deps.Rules.Sizing.SLBuffer)
	tpBuf := decimal.NewFromFloat(p.deps.Rules.Sizing.TPBuffer)

	sl, tp = pos.StopLoss, pos.TakeProfit
	if pos.Side == domain.SideLong {
		if sl.Sign() > 0 {
			sl = sl.Sub(slBuf)
		}
		if tp.Sign() > 0 {
			tp = tp.Add(tpBuf)
		}
		return sl, tp
	}
	if sl.Sign() > 0 {
		sl = sl.Add(slBuf)
	}
	if tp.Sign() > 0 {
		tp = tp.Sub(tpBuf)
	}
	return sl, tp
}

// handleTrip alerts once per risk trip. Emergency stops additionally flatten
// the route's copies.
func (p *Pipeline) handleTrip(ctx context.Context, riskState *risk.State) {
	reason, ok := riskState.TakeTrip()
	if !ok {
		return
	}

	kind := domain.AlertEmergencyStop
	msg := "risk limit tripped, route disabled until rollover"
	if reason == domain.DenyDailyLoss {
		kind = domain.AlertDailyLimit
		msg = "daily loss limit reached, route disabled until rollover"
	}
	p.deps.Alerter.Notify(ctx, domain.Alert{
		Kind:    kind,
		RouteID: p.deps.Route.ID,
		Message: msg,
		Fields:  map[string]string{"reason": string(reason)},
		At:      p.deps.Now(),
	})

	if reason == domain.DenyEmergencyStop {
		p.flatten(ctx, riskState)
	}
}

// flatten closes every active copy on the route. Failures are left for the
// reconciler.
func (p *Pipeline) flatten(ctx context.Context, riskState *risk.State) {
	route := p.deps.Route
	now := p.deps.Now()

	active, err := p.deps.Mappings.ListActiveForRoute(ctx, route.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "flatten: list mappings failed", slog.String("error", err.Error()))
		return
	}
	p.logger.WarnContext(ctx, "emergency stop, flattening route", slog.Int("positions", len(active)))

	for _, m := range active {
		result, err := p.deps.Gateway.ClosePosition(ctx, route.Destination.ID, m.DestPosition)
		if err != nil {
			p.deps.Stats.RecordCloseFailure(route.ID)
			p.logger.ErrorContext(ctx, "flatten: close failed",
				slog.String("dest_position", m.DestPosition),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := p.deps.Mappings.MarkClosed(ctx, m.SourceAccount, m.SourcePosition); err != nil {
			p.logger.ErrorContext(ctx, "flatten: mark closed failed", slog.String("error", err.Error()))
		}
		riskState.OnTradeClosed(m.Symbol, m.Volume, result.Profit, now)
		p.deps.Stats.RecordClose(route.ID, result.Profit)
	}
}

func (p *Pipeline) handlePhaseUpgrade(ctx context.Context, riskState *risk.State) {
	phase, ok := riskState.TakePhaseUpgrade()
	if !ok {
		return
	}
	p.deps.Alerter.Notify(ctx, domain.Alert{
		Kind:    domain.AlertPhaseUpgrade,
		RouteID: p.deps.Route.ID,
		Message: fmt.Sprintf("route promoted to phase %d", phase),
		Fields:  map[string]string{"phase": fmt.Sprintf("%d", phase)},
		At:      p.deps.Now(),
	})
}

func (p *Pipeline) handleExecuteFailure(ctx context.Context, pos domain.Position, err error, log *slog.Logger) {
	kind := domain.FailureKindOf(err)
	log.ErrorContext(ctx, "execute failed",
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
	if kind != domain.FailureSymbolUnknown {
		return
	}

	key := domain.SuppressSymbol(p.deps.Route.ID, pos.Symbol)
	allowed, serr := p.deps.Suppress.Allow(ctx, key, symbolAlertWindow)
	if serr != nil {
		log.WarnContext(ctx, "suppression check failed", slog.String("error", serr.Error()))
		return
	}
	if !allowed {
		return
	}
	p.deps.Alerter.Notify(ctx, domain.Alert{
		Kind:    domain.AlertSymbolUnknown,
		RouteID: p.deps.Route.ID,
		Message: "destination broker rejected symbol",
		Fields:  map[string]string{"symbol": pos.Symbol},
		At:      p.deps.Now(),
	})
}
