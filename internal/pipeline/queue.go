package pipeline

import (
	"log/slog"

	"github.com/copyrig/copyrig/internal/domain"
)

// posQueue is the FIFO for one source position. Events in it are handled
// serially in observed order; the queue's worker exits when it runs dry so
// idle positions carry no goroutine.
type posQueue struct {
	items []domain.PositionEvent
}

// dispatch routes an event to its position's queue, spawning the worker if
// the queue is new. Overflow drops the oldest position-updated in the queue;
// created and removed events are never dropped.
func (p *Pipeline) dispatch(ev domain.PositionEvent) {
	if ev.Type == domain.EventAccountInfo {
		// Not tied to a position; handle inline, it only logs.
		p.handle(p.workCtx, ev)
		return
	}

	depth := p.deps.Global.QueueDepth
	if depth < 1 {
		depth = defaultQueueDepth
	}

	p.mu.Lock()
	q, running := p.queues[ev.Position.ID]
	if !running {
		q = &posQueue{}
		p.queues[ev.Position.ID] = q
	}

	if len(q.items) >= depth {
		if !q.dropOldestUpdate() {
			p.logger.Warn("queue over depth with no droppable events",
				slog.String("source_position", ev.Position.ID),
				slog.Int("depth", len(q.items)),
			)
		} else {
			p.deps.Stats.RecordDroppedUpdate(p.deps.Route.ID)
			p.logger.Warn("dropped stale position update",
				slog.String("source_position", ev.Position.ID),
			)
		}
	}
	q.items = append(q.items, ev)

	if !running {
		p.wg.Add(1)
		go p.work(ev.Position.ID, q)
	}
	p.mu.Unlock()
}

// work drains one position's queue serially, acquiring the cross-position
// semaphore per event.
func (p *Pipeline) work(positionID string, q *posQueue) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(q.items) == 0 {
			delete(p.queues, positionID)
			p.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items = q.items[1:]
		ctx := p.workCtx
		p.mu.Unlock()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.mu.Lock()
			delete(p.queues, positionID)
			p.mu.Unlock()
			return
		}
		p.handle(ctx, ev)
		p.sem.Release(1)
	}
}

// dropOldestUpdate removes the first position-updated event, reporting
// whether one was found.
func (q *posQueue) dropOldestUpdate() bool {
	for i, ev := range q.items {
		if ev.Type == domain.EventPositionUpdated {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}
