// Package batch creates and coordinates groups of sessions under a
// bounded concurrency budget. Members are dispatched in input order;
// terminal order is not guaranteed.
package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/relay/internal/apperr"
	"github.com/coderelay/relay/internal/observability"
	"github.com/coderelay/relay/pkg/models"
)

// HardCap bounds the per-batch parallelism regardless of the request.
const HardCap = 8

// SessionAPI is the slice of the session manager the processor uses.
type SessionAPI interface {
	Create(ctx context.Context, cfg models.SessionConfig) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	ApprovePlan(ctx context.Context, id string) (*models.Session, error)
}

// Options tunes member monitoring.
type Options struct {
	// PollInterval is how often a worker re-checks its member session.
	PollInterval time.Duration
	// MaxPolls bounds per-member monitoring; exhaustion marks the
	// member failed.
	MaxPolls int
	// HardCap lowers the per-batch parallelism bound. Zero or anything
	// above the built-in cap falls back to it.
	HardCap int
}

// DefaultOptions returns the monitoring defaults.
func DefaultOptions() Options {
	return Options{PollInterval: 5 * time.Second, MaxPolls: 120, HardCap: HardCap}
}

// Processor owns all batches.
type Processor struct {
	api    SessionAPI
	logger *observability.Logger
	opts   Options

	mu      sync.Mutex
	batches map[string]*models.Batch
	order   []string

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	newID   func() string
	now     func() time.Time
}

// NewProcessor creates a batch processor.
func NewProcessor(api SessionAPI, logger *observability.Logger, opts Options) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = DefaultOptions().MaxPolls
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		api:     api,
		logger:  logger,
		opts:    opts,
		batches: map[string]*models.Batch{},
		rootCtx: ctx,
		cancel:  cancel,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Close stops all batch workers and waits for them.
func (p *Processor) Close() {
	p.cancel()
	p.wg.Wait()
}

// ClampParallel applies the 1..cap bound. A cap of zero or above the
// built-in limit falls back to HardCap.
func ClampParallel(requested, cap int) int {
	if cap <= 0 || cap > HardCap {
		cap = HardCap
	}
	if requested < 1 {
		return 1
	}
	if requested > cap {
		return cap
	}
	return requested
}

// CreateBatch registers the tasks and starts dispatching them with at
// most parallel members non-terminal at once.
func (p *Processor) CreateBatch(configs []models.SessionConfig, parallel int) (*models.Batch, error) {
	if len(configs) == 0 {
		return nil, apperr.Validation("batch needs at least one task",
			apperr.Issue{Field: "tasks", Message: "must not be empty"})
	}

	b := &models.Batch{
		ID:        p.newID(),
		Parallel:  ClampParallel(parallel, p.opts.HardCap),
		CreatedAt: p.now().UTC(),
	}
	for i, cfg := range configs {
		b.Members = append(b.Members, &models.BatchMember{
			Position: i,
			Config:   cfg,
			Status:   models.BatchMemberQueued,
		})
	}
	recount(b)

	p.mu.Lock()
	p.batches[b.ID] = b
	p.order = append(p.order, b.ID)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.dispatch(b.ID, positions(len(configs)))

	return p.snapshot(b.ID)
}

// GetBatchStatus returns a snapshot with up-to-date counters.
func (p *Processor) GetBatchStatus(id string) (*models.Batch, error) {
	return p.snapshot(id)
}

// ListBatches returns snapshots newest-first.
func (p *Processor) ListBatches() []*models.Batch {
	p.mu.Lock()
	ids := make([]string, len(p.order))
	copy(ids, p.order)
	p.mu.Unlock()

	out := make([]*models.Batch, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if snap, err := p.snapshot(ids[i]); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// ApproveAllInBatch approves every member currently awaiting plan
// approval. Returns the approved session ids.
func (p *Processor) ApproveAllInBatch(ctx context.Context, id string) ([]string, error) {
	snap, err := p.snapshot(id)
	if err != nil {
		return nil, err
	}

	var approved []string
	for _, member := range snap.Members {
		if member.SessionID == "" {
			continue
		}
		sess, err := p.api.Get(ctx, member.SessionID)
		if err != nil || sess.Status != models.StatusAwaitingApproval {
			continue
		}
		if _, err := p.api.ApprovePlan(ctx, member.SessionID); err != nil {
			p.logger.Warn(ctx, "batch member approve failed",
				"batch_id", id, "session_id", member.SessionID, "error", err)
			continue
		}
		approved = append(approved, member.SessionID)
	}
	return approved, nil
}

// RetryFailedInBatch re-runs each failed member once with a fresh
// session, preserving its original position. Members already retried
// are skipped.
func (p *Processor) RetryFailedInBatch(id string) (*models.Batch, error) {
	p.mu.Lock()
	b, ok := p.batches[id]
	if !ok {
		p.mu.Unlock()
		return nil, apperr.Newf(apperr.KindNotFound, "batch %s not found", id)
	}
	var retry []int
	for _, member := range b.Members {
		if member.Status == models.BatchMemberFailed && !member.Retried {
			member.Status = models.BatchMemberQueued
			member.Error = ""
			member.Retried = true
			retry = append(retry, member.Position)
		}
	}
	recount(b)
	p.mu.Unlock()

	if len(retry) > 0 {
		p.wg.Add(1)
		go p.dispatch(id, retry)
	}
	return p.snapshot(id)
}

// dispatch runs the worker pool: members start in input order, with
// at most parallel of them non-terminal at any time.
func (p *Processor) dispatch(batchID string, positions []int) {
	defer p.wg.Done()

	p.mu.Lock()
	b, ok := p.batches[batchID]
	if !ok {
		p.mu.Unlock()
		return
	}
	parallel := b.Parallel
	p.mu.Unlock()

	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup
	for _, pos := range positions {
		select {
		case <-p.rootCtx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(pos int) {
			defer wg.Done()
			defer func() { <-sem }()
			p.runMember(batchID, pos)
		}(pos)
	}
	wg.Wait()
}

// runMember creates the member session and watches it to a terminal
// state.
func (p *Processor) runMember(batchID string, pos int) {
	cfg, ok := p.markRunning(batchID, pos)
	if !ok {
		return
	}

	sess, err := p.api.Create(p.rootCtx, cfg)
	if err != nil {
		p.finishMember(batchID, pos, "", models.BatchMemberFailed, err.Error())
		return
	}
	p.setSessionID(batchID, pos, sess.ID)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for attempt := 0; attempt < p.opts.MaxPolls; attempt++ {
		select {
		case <-p.rootCtx.Done():
			return
		case <-ticker.C:
		}
		current, err := p.api.Get(p.rootCtx, sess.ID)
		if err != nil {
			continue
		}
		if current.Status.Terminal() {
			status := models.BatchMemberCompleted
			if current.Status != models.StatusCompleted {
				status = models.BatchMemberFailed
			}
			p.finishMember(batchID, pos, sess.ID, status, current.Error)
			return
		}
	}
	p.finishMember(batchID, pos, sess.ID, models.BatchMemberFailed, "monitor budget exhausted")
}

func (p *Processor) markRunning(batchID string, pos int) (models.SessionConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.batches[batchID]
	if !ok || pos >= len(b.Members) {
		return models.SessionConfig{}, false
	}
	member := b.Members[pos]
	if member.Status != models.BatchMemberQueued {
		return models.SessionConfig{}, false
	}
	member.Status = models.BatchMemberRunning
	recount(b)
	return member.Config, true
}

func (p *Processor) setSessionID(batchID string, pos int, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.batches[batchID]; ok && pos < len(b.Members) {
		b.Members[pos].SessionID = sessionID
	}
}

func (p *Processor) finishMember(batchID string, pos int, sessionID string, status models.BatchMemberStatus, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.batches[batchID]
	if !ok || pos >= len(b.Members) {
		return
	}
	member := b.Members[pos]
	if sessionID != "" {
		member.SessionID = sessionID
	}
	member.Status = status
	member.Error = errMsg
	recount(b)
}

// snapshot deep-copies one batch.
func (p *Processor) snapshot(id string) (*models.Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.batches[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "batch %s not found", id)
	}
	cp := *b
	cp.Members = make([]*models.BatchMember, len(b.Members))
	for i, m := range b.Members {
		mc := *m
		cp.Members[i] = &mc
	}
	sort.Slice(cp.Members, func(i, j int) bool { return cp.Members[i].Position < cp.Members[j].Position })
	return &cp, nil
}

func recount(b *models.Batch) {
	c := models.BatchCounters{Total: len(b.Members)}
	for _, m := range b.Members {
		switch m.Status {
		case models.BatchMemberQueued:
			c.Queued++
		case models.BatchMemberRunning:
			c.Running++
		case models.BatchMemberCompleted:
			c.Completed++
		case models.BatchMemberFailed:
			c.Failed++
		}
	}
	b.Counters = c
}

func positions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
