package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/copyrig/copyrig/internal/domain"
)

// SuppressionStore implements domain.SuppressionStore on TTL keys: a key
// exists while its alert window is open, and expiry re-arms the alert. This
// backend replaces the JSON file when Redis is configured, which matters
// when several engines share one alert channel.
type SuppressionStore struct {
	client *Client
}

// NewSuppressionStore creates a suppression store backed by the given Client.
func NewSuppressionStore(c *Client) *SuppressionStore {
	return &SuppressionStore{client: c}
}

func suppressKey(key string) string {
	return "copyrig:suppress:" + key
}

// Allow reports whether the key may alert now. SET NX with the window as
// TTL makes the check-and-record atomic.
func (s *SuppressionStore) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := s.client.Underlying().SetNX(ctx, suppressKey(key), time.Now().UTC().Format(time.RFC3339), window).Result()
	if err != nil {
		return false, fmt.Errorf("redis: suppress allow %s: %w", key, err)
	}
	return ok, nil
}

// Reset clears the throttle for a key so the next Allow passes.
func (s *SuppressionStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Underlying().Del(ctx, suppressKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: suppress reset %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SuppressionStore = (*SuppressionStore)(nil)
