// Package queue is the priority admission queue: deferred session
// creation requests ordered by integer priority (lower wins), drained
// one at a time into the session manager.
package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/relay/internal/apperr"
	"github.com/coderelay/relay/internal/observability"
	"github.com/coderelay/relay/pkg/models"
)

// Creator materializes one queue item into a session.
type Creator interface {
	Create(ctx context.Context, cfg models.SessionConfig) (*models.Session, error)
}

// Queue holds pending work ordered by priority. Terminal items are
// retained up to a cap for inspection, oldest evicted first.
type Queue struct {
	mu          sync.Mutex
	pending     itemHeap
	items       map[string]*models.QueueItem
	terminal    []string
	maxRetained int
	seq         int64

	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// New creates a queue. maxRetained defaults to 100.
func New(maxRetained int, logger *observability.Logger, metrics *observability.Metrics) *Queue {
	if maxRetained <= 0 {
		maxRetained = 100
	}
	return &Queue{
		items:       map[string]*models.QueueItem{},
		maxRetained: maxRetained,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Add admits a new pending item.
func (q *Queue) Add(cfg models.SessionConfig, priority int) *models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	item := &models.QueueItem{
		ID:       q.newID(),
		Config:   cfg,
		Priority: priority,
		Status:   models.QueuePending,
		AddedAt:  q.now().UTC(),
	}
	q.items[item.ID] = item
	heap.Push(&q.pending, &heapEntry{item: item, seq: q.seq})
	q.updateDepthGauge()

	cp := *item
	return &cp
}

// GetNext returns the highest-priority pending item without claiming
// it. Ties break by insertion order.
func (q *Queue) GetNext() *models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best *heapEntry
	for _, e := range q.pending {
		if e.item.Status != models.QueuePending {
			continue
		}
		if best == nil || less(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	cp := *best.item
	return &cp
}

// Get returns a snapshot of one item.
func (q *Queue) Get(id string) (*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "queue item %s not found", id)
	}
	cp := *item
	return &cp, nil
}

// List returns all retained items, pending first by priority, then
// terminal newest-first.
func (q *Queue) List() []*models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		at, bt := a.Status.Terminal(), b.Status.Terminal()
		if at != bt {
			return !at
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.AddedAt.Before(b.AddedAt)
	})
	return out
}

// Stats is the aggregate queue view.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// GetStats returns per-status counts.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, item := range q.items {
		switch item.Status {
		case models.QueuePending:
			s.Pending++
		case models.QueueProcessing:
			s.Processing++
		case models.QueueCompleted:
			s.Completed++
		case models.QueueFailed:
			s.Failed++
		}
		s.Total++
	}
	return s
}

// Clear removes pending items only; processing and terminal items are
// untouched. Returns the number removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, item := range q.items {
		if item.Status == models.QueuePending {
			delete(q.items, id)
			removed++
		}
	}
	kept := q.pending[:0]
	for _, e := range q.pending {
		if _, ok := q.items[e.item.ID]; ok {
			kept = append(kept, e)
		}
	}
	q.pending = kept
	heap.Init(&q.pending)
	q.updateDepthGauge()
	return removed
}

// ProcessNext claims the next pending item and materializes it as a
// session. The claim (pending → processing) happens before any
// upstream call so no second drainer can take the same item. Returns
// nil, nil when the queue is empty.
func (q *Queue) ProcessNext(ctx context.Context, creator Creator) (*models.QueueItem, error) {
	item := q.claim()
	if item == nil {
		return nil, nil
	}

	sess, err := creator.Create(ctx, item.Config)
	if err != nil {
		q.finish(item.ID, models.QueueFailed, "", err.Error())
		q.logger.Warn(ctx, "queue item failed", "queue_item", item.ID, "error", err)
		return q.Get(item.ID)
	}
	q.finish(item.ID, models.QueueCompleted, sess.ID, "")
	q.logger.Info(ctx, "queue item dispatched", "queue_item", item.ID, "session_id", sess.ID)
	return q.Get(item.ID)
}

// claim atomically pulls the best pending item and marks it processing.
func (q *Queue) claim() *models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(*heapEntry)
		item, ok := q.items[e.item.ID]
		if !ok || item.Status != models.QueuePending {
			continue
		}
		item.Status = models.QueueProcessing
		q.updateDepthGauge()
		cp := *item
		return &cp
	}
	return nil
}

// finish records the outcome and applies terminal retention.
func (q *Queue) finish(id string, status models.QueueItemStatus, sessionID, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return
	}
	now := q.now().UTC()
	item.Status = status
	item.SessionID = sessionID
	item.Error = errMsg
	item.CompletedAt = &now

	q.terminal = append(q.terminal, id)
	for len(q.terminal) > q.maxRetained {
		evict := q.terminal[0]
		q.terminal = q.terminal[1:]
		delete(q.items, evict)
	}
}

func (q *Queue) updateDepthGauge() {
	if q.metrics == nil {
		return
	}
	depth := 0
	for _, item := range q.items {
		if item.Status == models.QueuePending {
			depth++
		}
	}
	q.metrics.QueueDepth.Set(float64(depth))
}

type heapEntry struct {
	item *models.QueueItem
	seq  int64
}

func less(a, b *heapEntry) bool {
	if a.item.Priority != b.item.Priority {
		return a.item.Priority < b.item.Priority
	}
	return a.seq < b.seq
}

type itemHeap []*heapEntry

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(*heapEntry)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
