package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MappingStore is the durable source→destination position link index.
// Put enforces the uniqueness invariant: at most one active mapping per
// (source account, source position).
type MappingStore interface {
	Put(ctx context.Context, m Mapping) error
	GetBySource(ctx context.Context, srcAcct, srcPos string) (Mapping, error)
	// GetByDest scans active mappings for the destination key. Optional
	// hints bound the scan to the given source accounts; with no hints the
	// scan is linear, acceptable because operator commands are rare.
	GetByDest(ctx context.Context, dstAcct, dstPos string, hints ...string) (Mapping, error)
	ListActiveForRoute(ctx context.Context, routeID string) ([]Mapping, error)
	MarkClosed(ctx context.Context, srcAcct, srcPos string) error
	Delete(ctx context.Context, srcAcct, srcPos string) error
}

// SuppressionStore throttles repeated alerts. Allow reports whether the key
// may alert now (last alert older than window, or never) and records the
// attempt when it does.
type SuppressionStore interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
	Reset(ctx context.Context, key string) error
}

// Suppression key builders. One throttle row per logical alert target.
func SuppressConnIssue(srcAcct string) string { return srcAcct + "/conn-issue" }

func SuppressOrphan(destAcct, posID string, reason OrphanReason) string {
	return destAcct + "/" + posID + "/" + string(reason)
}

func SuppressSymbol(routeID, symbol string) string {
	return routeID + "/" + symbol + "/symbol-unknown"
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// CopyRecord is one completed copy: a mapping that opened and closed.
type CopyRecord struct {
	RouteID        string
	Symbol         string
	Side           Side
	SourcePosition string
	DestPosition   string
	SourceVolume   decimal.Decimal
	DestVolume     decimal.Decimal
	OpenPrice      decimal.Decimal
	Profit         decimal.Decimal
	OpenedAt       time.Time
	ClosedAt       time.Time
}

// HistoryStore persists completed copies for reporting.
type HistoryStore interface {
	Insert(ctx context.Context, rec CopyRecord) error
	ListByRoute(ctx context.Context, routeID string, opts ListOpts) ([]CopyRecord, error)
	SumProfit(ctx context.Context, routeID string, since time.Time) (decimal.Decimal, error)
}

// RateLimiter provides distributed rate limiting for the operator surface.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
