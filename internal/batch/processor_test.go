package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coderelay/relay/internal/apperr"
	"github.com/coderelay/relay/internal/observability"
	"github.com/coderelay/relay/pkg/models"
)

// fakeSessions completes each created session after a short delay and
// tracks the peak number of concurrently non-terminal sessions.
type fakeSessions struct {
	mu          sync.Mutex
	nextID      int
	sessions    map[string]*models.Session
	active      int
	peakActive  int
	failPrompts map[string]bool
	approved    []string
	runFor      time.Duration
}

func newFakeSessions(runFor time.Duration) *fakeSessions {
	return &fakeSessions{
		sessions:    map[string]*models.Session{},
		failPrompts: map[string]bool{},
		runFor:      runFor,
	}
}

func (f *fakeSessions) Create(ctx context.Context, cfg models.SessionConfig) (*models.Session, error) {
	f.mu.Lock()
	if f.failPrompts[cfg.Prompt] {
		f.mu.Unlock()
		return nil, errors.New("upstream rejected")
	}
	f.nextID++
	id := fmt.Sprintf("sess-%d", f.nextID)
	sess := &models.Session{ID: id, Status: models.StatusExecuting, Config: cfg}
	f.sessions[id] = sess
	f.active++
	if f.active > f.peakActive {
		f.peakActive = f.active
	}
	f.mu.Unlock()

	go func() {
		time.Sleep(f.runFor)
		f.mu.Lock()
		sess.Status = models.StatusCompleted
		f.active--
		f.mu.Unlock()
	}()
	return sess, nil
}

func (f *fakeSessions) Get(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeSessions) ApprovePlan(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, id)
	if sess, ok := f.sessions[id]; ok {
		sess.Status = models.StatusExecuting
		cp := *sess
		return &cp, nil
	}
	return nil, errors.New("not found")
}

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func newTestProcessor(t *testing.T, api SessionAPI) *Processor {
	t.Helper()
	p := NewProcessor(api, quietLogger(), Options{
		PollInterval: 5 * time.Millisecond,
		MaxPolls:     200,
	})
	t.Cleanup(p.Close)
	return p
}

func configs(n int) []models.SessionConfig {
	out := make([]models.SessionConfig, n)
	for i := range out {
		out[i] = models.SessionConfig{
			Prompt: fmt.Sprintf("batch task number %d", i),
			Source: "sources/github/acme/web",
		}
	}
	return out
}

func waitDone(t *testing.T, p *Processor, id string) *models.Batch {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			snap, _ := p.GetBatchStatus(id)
			t.Fatalf("batch never finished: %+v", snap.Counters)
		case <-time.After(10 * time.Millisecond):
		}
		snap, err := p.GetBatchStatus(id)
		if err != nil {
			t.Fatalf("GetBatchStatus() error = %v", err)
		}
		if snap.Counters.Done() {
			return snap
		}
	}
}

func TestClampParallel(t *testing.T) {
	tests := []struct {
		in, cap, want int
	}{
		{0, 8, 1}, {-3, 8, 1}, {1, 8, 1}, {4, 8, 4}, {8, 8, 8}, {9, 8, 8}, {100, 8, 8},
		// A configured cap only tightens the bound.
		{6, 4, 4}, {3, 4, 3}, {9, 0, 8}, {9, 16, 8},
	}
	for _, tt := range tests {
		if got := ClampParallel(tt.in, tt.cap); got != tt.want {
			t.Errorf("ClampParallel(%d, %d) = %d, want %d", tt.in, tt.cap, got, tt.want)
		}
	}
}

func TestConfiguredHardCapBoundsBatch(t *testing.T) {
	api := newFakeSessions(time.Millisecond)
	p := NewProcessor(api, quietLogger(), Options{
		PollInterval: time.Millisecond,
		MaxPolls:     100,
		HardCap:      2,
	})
	t.Cleanup(p.Close)

	b, err := p.CreateBatch(configs(3), 8)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	if b.Parallel != 2 {
		t.Errorf("Parallel = %d, want clamped to configured cap 2", b.Parallel)
	}
}

func TestBatchRespectsParallelBound(t *testing.T) {
	api := newFakeSessions(30 * time.Millisecond)
	p := newTestProcessor(t, api)

	b, err := p.CreateBatch(configs(5), 2)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	snap := waitDone(t, p, b.ID)

	if snap.Counters.Completed != 5 {
		t.Errorf("completed = %d, want 5", snap.Counters.Completed)
	}
	api.mu.Lock()
	peak := api.peakActive
	api.mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrent sessions = %d, want <= 2", peak)
	}
}

func TestBatchDispatchInputOrder(t *testing.T) {
	api := newFakeSessions(5 * time.Millisecond)
	p := newTestProcessor(t, api)

	b, err := p.CreateBatch(configs(4), 1)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	snap := waitDone(t, p, b.ID)

	// With parallel=1 the session ids must follow input order.
	for i, member := range snap.Members {
		want := fmt.Sprintf("sess-%d", i+1)
		if member.SessionID != want {
			t.Errorf("member %d session = %s, want %s", i, member.SessionID, want)
		}
	}
}

func TestBatchMemberFailure(t *testing.T) {
	api := newFakeSessions(5 * time.Millisecond)
	api.failPrompts["batch task number 1"] = true
	p := newTestProcessor(t, api)

	b, err := p.CreateBatch(configs(3), 3)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	snap := waitDone(t, p, b.ID)

	if snap.Counters.Failed != 1 || snap.Counters.Completed != 2 {
		t.Errorf("counters = %+v, want 1 failed, 2 completed", snap.Counters)
	}
	if snap.Members[1].Status != models.BatchMemberFailed {
		t.Errorf("member 1 status = %v, want failed", snap.Members[1].Status)
	}
}

func TestRetryFailedPreservesPosition(t *testing.T) {
	api := newFakeSessions(5 * time.Millisecond)
	api.failPrompts["batch task number 1"] = true
	p := newTestProcessor(t, api)

	b, err := p.CreateBatch(configs(3), 3)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	waitDone(t, p, b.ID)

	// Let the retry succeed this time.
	api.mu.Lock()
	delete(api.failPrompts, "batch task number 1")
	api.mu.Unlock()

	if _, err := p.RetryFailedInBatch(b.ID); err != nil {
		t.Fatalf("RetryFailedInBatch() error = %v", err)
	}
	snap := waitDone(t, p, b.ID)

	if snap.Counters.Completed != 3 {
		t.Errorf("completed after retry = %d, want 3", snap.Counters.Completed)
	}
	if snap.Members[1].Position != 1 || !snap.Members[1].Retried {
		t.Errorf("member 1 = %+v, want retried at position 1", snap.Members[1])
	}

	// Second retry pass must be a no-op: retry is once per member.
	api.mu.Lock()
	api.failPrompts["batch task number 1"] = true
	api.mu.Unlock()
	snap2, err := p.RetryFailedInBatch(b.ID)
	if err != nil {
		t.Fatalf("RetryFailedInBatch() second pass error = %v", err)
	}
	if snap2.Counters.Queued != 0 {
		t.Errorf("second retry re-queued %d members, want 0", snap2.Counters.Queued)
	}
}

func TestApproveAllInBatch(t *testing.T) {
	api := newFakeSessions(time.Hour)
	p := newTestProcessor(t, api)

	b, err := p.CreateBatch(configs(2), 2)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	// Wait until both sessions exist, then park them at approval.
	deadline := time.After(2 * time.Second)
	for {
		api.mu.Lock()
		n := len(api.sessions)
		api.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sessions never created")
		case <-time.After(5 * time.Millisecond):
		}
	}
	api.mu.Lock()
	for _, sess := range api.sessions {
		sess.Status = models.StatusAwaitingApproval
	}
	api.mu.Unlock()

	approved, err := p.ApproveAllInBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("ApproveAllInBatch() error = %v", err)
	}
	if len(approved) != 2 {
		t.Errorf("approved %d sessions, want 2", len(approved))
	}
}

func TestCreateBatchEmpty(t *testing.T) {
	p := newTestProcessor(t, newFakeSessions(time.Millisecond))
	_, err := p.CreateBatch(nil, 2)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("CreateBatch(empty) kind = %v, want KindValidation", apperr.KindOf(err))
	}
}

func TestGetBatchStatusUnknown(t *testing.T) {
	p := newTestProcessor(t, newFakeSessions(time.Millisecond))
	_, err := p.GetBatchStatus("missing")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("kind = %v, want KindNotFound", apperr.KindOf(err))
	}
}

func TestListBatchesNewestFirst(t *testing.T) {
	api := newFakeSessions(time.Millisecond)
	p := newTestProcessor(t, api)

	first, _ := p.CreateBatch(configs(1), 1)
	second, _ := p.CreateBatch(configs(1), 1)

	list := p.ListBatches()
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("ListBatches() order wrong: got %d batches", len(list))
	}
	if strings.TrimSpace(list[0].ID) == "" {
		t.Error("batch id empty")
	}
}
