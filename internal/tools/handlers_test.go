package tools

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coderelay/relay/internal/apperr"
	"github.com/coderelay/relay/internal/batch"
	"github.com/coderelay/relay/internal/queue"
	"github.com/coderelay/relay/internal/sessions"
	"github.com/coderelay/relay/internal/store"
	"github.com/coderelay/relay/internal/templates"
	"github.com/coderelay/relay/internal/upstream"
	"github.com/coderelay/relay/pkg/models"
)

type fakeAPI struct {
	mu  sync.Mutex
	seq int
}

func (f *fakeAPI) CreateSession(ctx context.Context, req *upstream.CreateSessionRequest) (*upstream.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return &upstream.Session{ID: "sess-" + req.Source[strings.LastIndex(req.Source, "/")+1:], State: upstream.StatePlanning}, nil
}

func (f *fakeAPI) GetSession(ctx context.Context, id string) (*upstream.Session, error) {
	return &upstream.Session{ID: id, State: upstream.StatePlanning}, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, id, message string) error { return nil }
func (f *fakeAPI) ApprovePlan(ctx context.Context, id string) error          { return nil }
func (f *fakeAPI) CancelSession(ctx context.Context, id string) error        { return nil }
func (f *fakeAPI) DeleteSession(ctx context.Context, id string) error        { return nil }

func (f *fakeAPI) ListActivities(ctx context.Context, id string) ([]upstream.Activity, error) {
	return nil, nil
}

func (f *fakeAPI) GetDiff(ctx context.Context, id string) (*upstream.Diff, error) {
	return &upstream.Diff{Patch: "--- a/x\n+++ b/x\n"}, nil
}

func (f *fakeAPI) GetSource(ctx context.Context, source string) (*upstream.Source, error) {
	return &upstream.Source{Name: source, DefaultBranch: "main"}, nil
}

func newTestCatalog(t *testing.T) (*Registry, Deps) {
	t.Helper()
	logger := quietLogger()
	mgr := sessions.NewManager(&fakeAPI{}, store.NewMemorySet(), nil, logger, nil, sessions.Options{
		PollInterval: time.Hour,
		MaxPolls:     1,
		SoftDeadline: time.Hour,
	})
	t.Cleanup(mgr.Close)
	proc := batch.NewProcessor(mgr, logger, batch.Options{PollInterval: time.Millisecond, MaxPolls: 2})
	t.Cleanup(proc.Close)

	d := Deps{
		Sessions:  mgr,
		Queue:     queue.New(10, logger, nil),
		Templates: templates.NewRegistry(0),
		Batches:   proc,
	}
	r := NewRegistry(logger, nil)
	if err := RegisterAll(r, d); err != nil {
		t.Fatalf("RegisterAll() error = %v", err)
	}
	return r, d
}

func TestRegisterAllCatalog(t *testing.T) {
	r, _ := newTestCatalog(t)
	entries := r.List()
	if len(entries) < 30 {
		t.Fatalf("catalog has %d tools, want at least 30", len(entries))
	}
	if entries[0].Name != "session_create" {
		t.Errorf("first catalog entry = %q, want session_create", entries[0].Name)
	}
	seen := map[string]bool{}
	for _, e := range entries {
		if seen[e.Name] {
			t.Errorf("duplicate catalog entry %q", e.Name)
		}
		seen[e.Name] = true
		if e.Description == "" {
			t.Errorf("tool %q has no description", e.Name)
		}
	}
	for _, want := range []string{
		"session_create", "session_approve_plan", "session_timeline",
		"batch_create", "batch_approve_all",
		"queue_add", "queue_process",
		"template_create", "session_create_from_template",
	} {
		if !seen[want] {
			t.Errorf("catalog missing %q", want)
		}
	}
}

func TestSessionCreateTool(t *testing.T) {
	r, _ := newTestCatalog(t)
	args := json.RawMessage(`{
		"prompt": "Refactor the config loader to support env overrides",
		"source": "sources/github/acme/web"
	}`)
	got, err := r.Execute(context.Background(), "session_create", args)
	if err != nil {
		t.Fatalf("Execute(session_create) error = %v", err)
	}
	sess, ok := got.(*models.Session)
	if !ok {
		t.Fatalf("result type = %T, want *models.Session", got)
	}
	if sess.Status != models.StatusPlanning {
		t.Errorf("status = %v, want planning", sess.Status)
	}
	if sess.Config.Branch != "main" {
		t.Errorf("branch = %q, want resolved default", sess.Config.Branch)
	}
}

func TestSessionCreateToolRejectsUnknownField(t *testing.T) {
	r, _ := newTestCatalog(t)
	args := json.RawMessage(`{
		"prompt": "Refactor the config loader to support env overrides",
		"source": "sources/github/acme/web",
		"bogus": true
	}`)
	_, err := r.Execute(context.Background(), "session_create", args)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("kind = %v, want KindValidation", apperr.KindOf(err))
	}
}

func TestQueueToolsRoundTrip(t *testing.T) {
	r, _ := newTestCatalog(t)
	ctx := context.Background()

	add := json.RawMessage(`{
		"config": {
			"prompt": "Add request tracing to the gateway middleware",
			"source": "sources/github/acme/api"
		},
		"priority": 2
	}`)
	if _, err := r.Execute(ctx, "queue_add", add); err != nil {
		t.Fatalf("queue_add error = %v", err)
	}

	got, err := r.Execute(ctx, "queue_next", nil)
	if err != nil {
		t.Fatalf("queue_next error = %v", err)
	}
	item, ok := got.(*models.QueueItem)
	if !ok || item.Priority != 2 {
		t.Fatalf("queue_next = %+v", got)
	}

	if _, err := r.Execute(ctx, "queue_process", nil); err != nil {
		t.Fatalf("queue_process error = %v", err)
	}

	stats, err := r.Execute(ctx, "queue_stats", nil)
	if err != nil {
		t.Fatalf("queue_stats error = %v", err)
	}
	if s := stats.(queue.Stats); s.Completed != 1 || s.Pending != 0 {
		t.Errorf("stats = %+v, want one completed", s)
	}

	if _, err := r.Execute(ctx, "queue_next", nil); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("queue_next on empty queue kind = %v, want KindNotFound", apperr.KindOf(err))
	}
}

func TestTemplateToolsRoundTrip(t *testing.T) {
	r, _ := newTestCatalog(t)
	ctx := context.Background()

	create := json.RawMessage(`{
		"name": "bugfix",
		"description": "standard bugfix flow",
		"config": {
			"prompt": "Fix the reported defect and add a regression test",
			"source": "sources/github/acme/web"
		}
	}`)
	if _, err := r.Execute(ctx, "template_create", create); err != nil {
		t.Fatalf("template_create error = %v", err)
	}

	use := json.RawMessage(`{
		"name": "bugfix",
		"overrides": {"title": "fix issue 42"}
	}`)
	got, err := r.Execute(ctx, "session_create_from_template", use)
	if err != nil {
		t.Fatalf("session_create_from_template error = %v", err)
	}
	sess := got.(*models.Session)
	if sess.Config.Title != "fix issue 42" {
		t.Errorf("title = %q, want override applied", sess.Config.Title)
	}

	tmplAny, err := r.Execute(ctx, "template_get", json.RawMessage(`{"name": "bugfix"}`))
	if err != nil {
		t.Fatalf("template_get error = %v", err)
	}
	if tmpl := tmplAny.(*models.Template); tmpl.UsageCount != 1 {
		t.Errorf("usage count = %d, want 1", tmpl.UsageCount)
	}

	if _, err := r.Execute(ctx, "template_delete", json.RawMessage(`{"name": "bugfix"}`)); err != nil {
		t.Fatalf("template_delete error = %v", err)
	}
	if _, err := r.Execute(ctx, "template_get", json.RawMessage(`{"name": "bugfix"}`)); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("template_get after delete kind = %v, want KindNotFound", apperr.KindOf(err))
	}
}

func TestMonitorAllTool(t *testing.T) {
	r, _ := newTestCatalog(t)
	ctx := context.Background()
	args := json.RawMessage(`{
		"prompt": "Bump all direct dependencies and fix breakage",
		"source": "sources/github/acme/api"
	}`)
	if _, err := r.Execute(ctx, "session_create", args); err != nil {
		t.Fatalf("session_create error = %v", err)
	}

	got, err := r.Execute(ctx, "session_monitor_all", nil)
	if err != nil {
		t.Fatalf("session_monitor_all error = %v", err)
	}
	snap := got.(sessions.Snapshot)
	if snap.Total != 1 || snap.Active != 1 {
		t.Errorf("snapshot = %+v, want one active session", snap)
	}
}
