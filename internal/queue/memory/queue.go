// Package memory provides a bounded in-process job queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

// Queue is a bounded FIFO of scrape jobs. Enqueue blocks while the queue is full.
type Queue struct {
	ch   chan scraper.QueueItem
	mu   sync.RWMutex
	done bool
}

// NewQueue constructs a queue holding at most capacity pending items.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan scraper.QueueItem, capacity)}
}

// Enqueue adds item, waiting for space until ctx ends.
func (q *Queue) Enqueue(ctx context.Context, item scraper.QueueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.done {
		return fmt.Errorf("enqueue %s: %w", item.JobID, scraper.ErrQueueClosed)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue returns the oldest pending item, waiting until one arrives or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (scraper.QueueItem, error) {
	select {
	case <-ctx.Done():
		return scraper.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return scraper.QueueItem{}, scraper.ErrQueueClosed
		}
		return item, nil
	}
}

// Len reports the number of pending items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting work. Items already queued can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return
	}
	q.done = true
	close(q.ch)
}
