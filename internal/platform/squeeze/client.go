// Package squeeze queries the external squeeze-score service. The score is
// a 0..1 confidence signal consumed by the sizing policy; a score of 0 is
// neutral because it never clears the boost threshold.
package squeeze

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultCacheTTL = 30 * time.Second

// ScoreProvider yields the squeeze confidence score for a symbol. A zero
// return means "no signal" and leaves sizing untouched.
type ScoreProvider interface {
	Score(ctx context.Context, symbol string) float64
}

// scoreResponse is the provider's answer to GET /score.
type scoreResponse struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
	AsOf   string  `json:"asOf"`
}

type cachedScore struct {
	score     float64
	fetchedAt time.Time
}

// Client fetches squeeze scores over HTTP with a small in-memory TTL cache
// so a burst of copies on one symbol costs one upstream call. Lookup
// failures are logged and scored 0 — sizing must never block on the
// provider.
type Client struct {
	http   *resty.Client
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedScore
}

// NewClient creates a squeeze score client for the given endpoint.
func NewClient(baseURL string, ttl time.Duration, logger *slog.Logger) *Client {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(1).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]cachedScore),
	}
}

// Score returns the current squeeze score for a symbol, serving from cache
// within the TTL. Any transport or decode failure returns 0.
func (c *Client) Score(ctx context.Context, symbol string) float64 {
	c.mu.Lock()
	if entry, ok := c.cache[symbol]; ok && time.Since(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.score
	}
	c.mu.Unlock()

	var result scoreResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/score")
	if err != nil {
		c.logger.Warn("squeeze score lookup failed", "symbol", symbol, "error", err)
		return 0
	}
	if resp.StatusCode() != http.StatusOK {
		c.logger.Warn("squeeze score lookup failed", "symbol", symbol, "status", resp.StatusCode())
		return 0
	}

	c.mu.Lock()
	c.cache[symbol] = cachedScore{score: result.Score, fetchedAt: time.Now()}
	c.mu.Unlock()

	return result.Score
}

// Disabled is a ScoreProvider that always returns 0, used when no provider
// endpoint is configured.
type Disabled struct{}

func (Disabled) Score(context.Context, string) float64 { return 0 }
