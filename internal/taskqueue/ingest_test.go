package taskqueue

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coderelay/relay/internal/observability"
	"github.com/coderelay/relay/internal/upstream"
	"github.com/coderelay/relay/pkg/models"
)

type fakeIssues struct {
	mu     sync.Mutex
	issues []*upstream.Issue
	err    error
}

func (f *fakeIssues) ListTriggeredIssues(ctx context.Context, label string) ([]*upstream.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.issues, nil
}

type fakeCreator struct {
	mu       sync.Mutex
	created  []models.SessionConfig
	failures int
	seq      int
}

func (f *fakeCreator) Create(ctx context.Context, cfg models.SessionConfig) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("upstream unavailable")
	}
	f.seq++
	f.created = append(f.created, cfg)
	return &models.Session{ID: "sess-" + cfg.Title, Config: cfg}, nil
}

func (f *fakeCreator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func newTestIngestor(issues *fakeIssues, creator *fakeCreator, maxRetries int) *Ingestor {
	i := NewIngestor(Config{
		Schedule:     "@every 1m",
		TriggerLabel: "relay",
		MaxRetries:   maxRetries,
		RetryDelay:   time.Millisecond,
	}, issues, creator, quietLogger())
	i.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return i
}

func waitForStats(t *testing.T, i *Ingestor, check func(Stats) bool) Stats {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s := i.GetStats()
		if check(s) {
			return s
		}
		select {
		case <-deadline:
			t.Fatalf("stats never converged: %+v", s)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPollCreatesOneSessionPerIssue(t *testing.T) {
	issues := &fakeIssues{issues: []*upstream.Issue{
		{ID: "iss-1", Title: "fix login", Body: "login 500s", Source: "sources/github/acme/web", Branch: "main"},
		{ID: "iss-2", Title: "bump deps", Source: "sources/github/acme/api"},
	}}
	creator := &fakeCreator{}
	i := newTestIngestor(issues, creator, 3)

	i.Poll(context.Background())
	i.wg.Wait()

	if got := creator.count(); got != 2 {
		t.Fatalf("created %d sessions, want 2", got)
	}
	s := i.GetStats()
	if s.Completed != 2 || s.Total != 2 {
		t.Errorf("stats = %+v, want 2 completed", s)
	}

	tasks := i.List()
	if len(tasks) != 2 {
		t.Fatalf("List() = %d tasks, want 2", len(tasks))
	}
	// Newest first.
	if tasks[0].IssueID != "iss-2" || tasks[1].IssueID != "iss-1" {
		t.Errorf("List() order = [%s %s], want newest first", tasks[0].IssueID, tasks[1].IssueID)
	}
	if tasks[1].SessionID == "" || tasks[1].Status != TaskCompleted {
		t.Errorf("task = %+v, want completed with session id", tasks[1])
	}
}

func TestPollDeduplicatesAcrossRuns(t *testing.T) {
	issues := &fakeIssues{issues: []*upstream.Issue{
		{ID: "iss-1", Title: "fix login", Source: "sources/github/acme/web"},
	}}
	creator := &fakeCreator{}
	i := newTestIngestor(issues, creator, 3)

	i.Poll(context.Background())
	i.wg.Wait()
	i.Poll(context.Background())
	i.wg.Wait()

	if got := creator.count(); got != 1 {
		t.Errorf("created %d sessions across two polls of the same issue, want 1", got)
	}
	if s := i.GetStats(); s.Total != 1 {
		t.Errorf("stats = %+v, want single task", s)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	issues := &fakeIssues{issues: []*upstream.Issue{
		{ID: "iss-1", Title: "flaky", Source: "sources/github/acme/web"},
	}}
	creator := &fakeCreator{failures: 2}
	i := newTestIngestor(issues, creator, 3)

	i.Poll(context.Background())
	i.wg.Wait()

	tasks := i.List()
	if len(tasks) != 1 {
		t.Fatalf("List() = %d tasks, want 1", len(tasks))
	}
	if tasks[0].Status != TaskCompleted || tasks[0].Attempts != 3 {
		t.Errorf("task = %+v, want completed after 3 attempts", tasks[0])
	}
}

func TestRetriesExhaustedMarksFailed(t *testing.T) {
	issues := &fakeIssues{issues: []*upstream.Issue{
		{ID: "iss-1", Title: "doomed", Source: "sources/github/acme/web"},
	}}
	creator := &fakeCreator{failures: 10}
	i := newTestIngestor(issues, creator, 3)

	i.Poll(context.Background())
	i.wg.Wait()

	tasks := i.List()
	if tasks[0].Status != TaskFailed || tasks[0].Attempts != 3 {
		t.Errorf("task = %+v, want failed after 3 attempts", tasks[0])
	}
	if tasks[0].Error == "" {
		t.Error("failed task carries no error")
	}
	if creator.count() != 0 {
		t.Errorf("created %d sessions, want 0", creator.count())
	}
}

func TestPollErrorLeavesNoTasks(t *testing.T) {
	issues := &fakeIssues{err: errors.New("tracker down")}
	i := newTestIngestor(issues, &fakeCreator{}, 3)

	i.Poll(context.Background())
	i.wg.Wait()

	if s := i.GetStats(); s.Total != 0 {
		t.Errorf("stats = %+v, want empty", s)
	}
}

func TestIssuePromptIncludesBody(t *testing.T) {
	issues := &fakeIssues{issues: []*upstream.Issue{
		{ID: "iss-1", Title: "fix login", Body: "users see a 500 on POST /login", Source: "sources/github/acme/web", Branch: "fix/login"},
	}}
	creator := &fakeCreator{}
	i := newTestIngestor(issues, creator, 1)

	i.Poll(context.Background())
	i.wg.Wait()

	cfg := creator.created[0]
	if cfg.Source != "sources/github/acme/web" || cfg.Branch != "fix/login" {
		t.Errorf("config = %+v, want issue source/branch", cfg)
	}
	if cfg.Title != "fix login" {
		t.Errorf("title = %q", cfg.Title)
	}
	wantFragment := "users see a 500 on POST /login"
	if !strings.Contains(cfg.Prompt, wantFragment) {
		t.Errorf("prompt = %q, want it to contain %q", cfg.Prompt, wantFragment)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	i := NewIngestor(Config{Schedule: "not a schedule"}, &fakeIssues{}, &fakeCreator{}, quietLogger())
	if err := i.Start(); err == nil {
		t.Error("Start() accepted a malformed schedule")
	}
}

func TestStartAndStop(t *testing.T) {
	issues := &fakeIssues{issues: []*upstream.Issue{
		{ID: "iss-1", Title: "scheduled", Source: "sources/github/acme/web"},
	}}
	creator := &fakeCreator{}
	i := NewIngestor(Config{
		Schedule:     "@every 10ms",
		TriggerLabel: "relay",
		MaxRetries:   1,
		RetryDelay:   time.Millisecond,
	}, issues, creator, quietLogger())
	if err := i.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitForStats(t, i, func(s Stats) bool { return s.Completed == 1 })
	i.Stop()

	if creator.count() != 1 {
		t.Errorf("created %d sessions, want 1", creator.count())
	}
}
