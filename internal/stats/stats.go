// Package stats keeps per-route copy counters for the operator surface.
// Silent filter denials are only visible here, so the collector is the one
// place an operator can see why a route is quiet.
package stats

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyrig/copyrig/internal/domain"
)

// RouteStats is a snapshot of one route's counters.
type RouteStats struct {
	RouteID        string                      `json:"routeId"`
	EventsSeen     int64                       `json:"eventsSeen"`
	Copied         int64                       `json:"copied"`
	SkippedSizing  int64                       `json:"skippedSizing"`
	Denied         map[domain.DenyReason]int64 `json:"denied,omitempty"`
	ExecuteFailed  int64                       `json:"executeFailed"`
	Closed         int64                       `json:"closed"`
	CloseFailed    int64                       `json:"closeFailed"`
	DroppedUpdates int64                       `json:"droppedUpdates"`
	PnLDay         decimal.Decimal             `json:"pnlDay"`
	PnLTotal       decimal.Decimal             `json:"pnlTotal"`
	LastEventAt    time.Time                   `json:"lastEventAt,omitempty"`
}

type routeCounters struct {
	stats RouteStats
}

// Collector aggregates counters across routes. All methods are safe for
// concurrent use by the pipelines.
type Collector struct {
	mu     sync.Mutex
	routes map[string]*routeCounters
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{routes: make(map[string]*routeCounters)}
}

func (c *Collector) route(routeID string) *routeCounters {
	rc, ok := c.routes[routeID]
	if !ok {
		rc = &routeCounters{stats: RouteStats{
			RouteID: routeID,
			Denied:  make(map[domain.DenyReason]int64),
		}}
		c.routes[routeID] = rc
	}
	return rc
}

// RecordEvent notes that a route saw a source event.
func (c *Collector) RecordEvent(routeID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc := c.route(routeID)
	rc.stats.EventsSeen++
	if at.After(rc.stats.LastEventAt) {
		rc.stats.LastEventAt = at
	}
}

// RecordCopy counts a successful copy execution.
func (c *Collector) RecordCopy(routeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.route(routeID).stats.Copied++
}

// RecordDeny counts a gate or filter rejection by reason.
func (c *Collector) RecordDeny(routeID string, reason domain.DenyReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.route(routeID).stats.Denied[reason]++
}

// RecordSkip counts a sizing decision that landed below the minimum lot.
func (c *Collector) RecordSkip(routeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.route(routeID).stats.SkippedSizing++
}

// RecordExecuteFailure counts a broker rejection or transport failure on the
// open path.
func (c *Collector) RecordExecuteFailure(routeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.route(routeID).stats.ExecuteFailed++
}

// RecordClose counts a destination close and folds in the realized result.
func (c *Collector) RecordClose(routeID string, pnl decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc := c.route(routeID)
	rc.stats.Closed++
	rc.stats.PnLDay = rc.stats.PnLDay.Add(pnl)
	rc.stats.PnLTotal = rc.stats.PnLTotal.Add(pnl)
}

// RecordCloseFailure counts a destination close that did not go through.
func (c *Collector) RecordCloseFailure(routeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.route(routeID).stats.CloseFailed++
}

// RecordDroppedUpdate counts a position-updated event shed by backpressure.
func (c *Collector) RecordDroppedUpdate(routeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.route(routeID).stats.DroppedUpdates++
}

// ResetDay zeroes the daily P/L at the rollover boundary.
func (c *Collector) ResetDay(routeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.route(routeID).stats.PnLDay = decimal.Zero
}

// Route returns a copy of one route's counters.
func (c *Collector) Route(routeID string) RouteStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneStats(c.route(routeID).stats)
}

// All returns a copy of every route's counters.
func (c *Collector) All() []RouteStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]RouteStats, 0, len(c.routes))
	for _, rc := range c.routes {
		out = append(out, cloneStats(rc.stats))
	}
	return out
}

func cloneStats(s RouteStats) RouteStats {
	out := s
	out.Denied = make(map[domain.DenyReason]int64, len(s.Denied))
	for k, v := range s.Denied {
		out.Denied[k] = v
	}
	return out
}
