package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/copyrig/copyrig/internal/domain"
)

func TestCollectorCountsByReason(t *testing.T) {
	t.Parallel()
	c := NewCollector()

	c.RecordCopy("r1")
	c.RecordDeny("r1", domain.DenyAlreadyCopied)
	c.RecordDeny("r1", domain.DenyAlreadyCopied)
	c.RecordDeny("r1", domain.DenyMartingale)
	c.RecordSkip("r1")

	s := c.Route("r1")
	assert.Equal(t, int64(1), s.Copied)
	assert.Equal(t, int64(2), s.Denied[domain.DenyAlreadyCopied])
	assert.Equal(t, int64(1), s.Denied[domain.DenyMartingale])
	assert.Equal(t, int64(1), s.SkippedSizing)
}

func TestCollectorPnLAndReset(t *testing.T) {
	t.Parallel()
	c := NewCollector()

	c.RecordClose("r1", decimal.RequireFromString("120.50"))
	c.RecordClose("r1", decimal.RequireFromString("-20.50"))

	s := c.Route("r1")
	assert.True(t, s.PnLDay.Equal(decimal.RequireFromString("100")))
	assert.True(t, s.PnLTotal.Equal(decimal.RequireFromString("100")))

	c.ResetDay("r1")
	s = c.Route("r1")
	assert.True(t, s.PnLDay.IsZero())
	assert.True(t, s.PnLTotal.Equal(decimal.RequireFromString("100")), "total survives rollover")
}

func TestCollectorSnapshotIsACopy(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	c.RecordDeny("r1", domain.DenyGrid)

	s := c.Route("r1")
	s.Denied[domain.DenyGrid] = 99

	assert.Equal(t, int64(1), c.Route("r1").Denied[domain.DenyGrid])
}

func TestCollectorConcurrentUpdates(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordEvent("r1", now)
				c.RecordCopy("r1")
			}
		}()
	}
	wg.Wait()

	s := c.Route("r1")
	assert.Equal(t, int64(800), s.EventsSeen)
	assert.Equal(t, int64(800), s.Copied)
}
