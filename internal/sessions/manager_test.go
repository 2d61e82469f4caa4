package sessions

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coderelay/relay/internal/apperr"
	"github.com/coderelay/relay/internal/observability"
	"github.com/coderelay/relay/internal/store"
	"github.com/coderelay/relay/internal/upstream"
	"github.com/coderelay/relay/pkg/models"
)

type fakeAPI struct {
	mu          sync.Mutex
	nextID      int
	states      map[string]string
	sources     map[string]string
	createErr   error
	created     []*upstream.CreateSessionRequest
	approved    []string
	cancelled   []string
	deleted     []string
	messages    map[string][]string
	activities  map[string][]upstream.Activity
	diffByID    map[string]string
	getSessions int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		states:     map[string]string{},
		sources:    map[string]string{},
		messages:   map[string][]string{},
		activities: map[string][]upstream.Activity{},
		diffByID:   map[string]string{},
	}
}

func (f *fakeAPI) CreateSession(ctx context.Context, req *upstream.CreateSessionRequest) (*upstream.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	id := "sess-" + string(rune('a'+f.nextID-1))
	f.states[id] = upstream.StatePlanning
	f.created = append(f.created, req)
	return &upstream.Session{ID: id, State: upstream.StatePlanning}, nil
}

func (f *fakeAPI) GetSession(ctx context.Context, id string) (*upstream.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getSessions++
	state, ok := f.states[id]
	if !ok {
		return nil, &upstream.APIError{StatusCode: 404, Verb: "GET /v1/sessions/" + id}
	}
	return &upstream.Session{ID: id, State: state}, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[id] = append(f.messages[id], message)
	return nil
}

func (f *fakeAPI) ApprovePlan(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, id)
	f.states[id] = upstream.StateInProgress
	return nil
}

func (f *fakeAPI) CancelSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	f.states[id] = upstream.StateCancelled
	return nil
}

func (f *fakeAPI) DeleteSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	delete(f.states, id)
	return nil
}

func (f *fakeAPI) ListActivities(ctx context.Context, id string) ([]upstream.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstream.Activity(nil), f.activities[id]...), nil
}

func (f *fakeAPI) GetDiff(ctx context.Context, id string) (*upstream.Diff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &upstream.Diff{Patch: f.diffByID[id]}, nil
}

func (f *fakeAPI) GetSource(ctx context.Context, source string) (*upstream.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	branch, ok := f.sources[source]
	if !ok {
		return nil, &upstream.APIError{StatusCode: 404, Verb: "GET /v1/" + source}
	}
	return &upstream.Source{Name: source, DefaultBranch: branch}, nil
}

func (f *fakeAPI) setState(id, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = state
}

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func newTestManager(t *testing.T, api API) *Manager {
	t.Helper()
	m := NewManager(api, store.NewMemorySet(), nil, quietLogger(), nil, Options{
		PollInterval: 10 * time.Millisecond,
		MaxPolls:     5,
		SoftDeadline: time.Minute,
	})
	t.Cleanup(m.Close)
	return m
}

func validConfig() models.SessionConfig {
	return models.SessionConfig{
		Prompt: "Add a /v2/health endpoint with dependency checks",
		Source: "sources/github/acme/web",
		Branch: "main",
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.SessionStatus
		want     bool
	}{
		{models.StatusPending, models.StatusPlanning, true},
		{models.StatusPlanning, models.StatusAwaitingApproval, true},
		{models.StatusPlanning, models.StatusExecuting, true},
		{models.StatusAwaitingApproval, models.StatusExecuting, true},
		{models.StatusAwaitingApproval, models.StatusCancelled, true},
		{models.StatusExecuting, models.StatusCompleted, true},
		{models.StatusExecuting, models.StatusFailed, true},
		{models.StatusPending, models.StatusExecuting, false},
		{models.StatusPending, models.StatusCompleted, false},
		{models.StatusCompleted, models.StatusExecuting, false},
		{models.StatusFailed, models.StatusPlanning, false},
		{models.StatusCancelled, models.StatusFailed, false},
		{models.StatusPlanning, models.StatusCompleted, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidateConfigBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.SessionConfig)
		wantErr bool
	}{
		{"valid", func(c *models.SessionConfig) {}, false},
		{"prompt 9 chars", func(c *models.SessionConfig) { c.Prompt = strings.Repeat("x", 9) }, true},
		{"prompt 10 chars", func(c *models.SessionConfig) { c.Prompt = strings.Repeat("x", 10) }, false},
		{"prompt 10000 chars", func(c *models.SessionConfig) { c.Prompt = strings.Repeat("x", 10000) }, false},
		{"prompt 10001 chars", func(c *models.SessionConfig) { c.Prompt = strings.Repeat("x", 10001) }, true},
		{"source traversal", func(c *models.SessionConfig) { c.Source = "sources/github/../x" }, true},
		{"source too few parts", func(c *models.SessionConfig) { c.Source = "sources/github/acme" }, true},
		{"source wrong prefix", func(c *models.SessionConfig) { c.Source = "repos/github/acme/web" }, true},
		{"source long component", func(c *models.SessionConfig) {
			c.Source = "sources/github/" + strings.Repeat("a", 101) + "/web"
		}, true},
		{"branch 101 chars", func(c *models.SessionConfig) { c.Branch = strings.Repeat("b", 101) }, true},
		{"title 201 chars", func(c *models.SessionConfig) { c.Title = strings.Repeat("t", 201) }, true},
		{"bad automation mode", func(c *models.SessionConfig) { c.AutomationMode = "YOLO" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := ValidateConfig(&cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("kind = %v, want KindValidation", apperr.KindOf(err))
			}
		})
	}
}

func TestValidateConfigDefaultsAutomationMode(t *testing.T) {
	cfg := validConfig()
	if err := ValidateConfig(&cfg); err != nil {
		t.Fatalf("ValidateConfig() error = %v", err)
	}
	if cfg.AutomationMode != models.AutomationAutoCreatePR {
		t.Errorf("AutomationMode = %q, want AUTO_CREATE_PR", cfg.AutomationMode)
	}
}

func TestCreateStartsPlanning(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api)

	sess, err := m.Create(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.Status != models.StatusPlanning {
		t.Errorf("status = %v, want planning", sess.Status)
	}
	if sess.ID == "" {
		t.Error("session id is empty")
	}
}

func TestCreateResolvesBranchFromSource(t *testing.T) {
	api := newFakeAPI()
	api.sources["sources/github/acme/web"] = "develop"
	m := newTestManager(t, api)

	cfg := validConfig()
	cfg.Branch = ""
	if _, err := m.Create(context.Background(), cfg); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := api.created[0].StartingBranch; got != "develop" {
		t.Errorf("StartingBranch = %q, want develop", got)
	}
}

func TestCreateBranchFallsBackToMain(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api)

	cfg := validConfig()
	cfg.Branch = ""
	if _, err := m.Create(context.Background(), cfg); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := api.created[0].StartingBranch; got != "main" {
		t.Errorf("StartingBranch = %q, want main", got)
	}
}

func TestCreateUpstreamCircuitOpen(t *testing.T) {
	api := newFakeAPI()
	api.createErr = upstream.ErrCircuitOpen
	m := newTestManager(t, api)

	_, err := m.Create(context.Background(), validConfig())
	if apperr.KindOf(err) != apperr.KindCircuitOpen {
		t.Errorf("kind = %v, want KindCircuitOpen", apperr.KindOf(err))
	}
}

func TestApprovePlanRequiresAwaitingApproval(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api)

	sess, err := m.Create(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.ApprovePlan(context.Background(), sess.ID); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("ApprovePlan(planning) kind = %v, want KindConflict", apperr.KindOf(err))
	}
}

func TestApproveFlow(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api)

	sess, err := m.Create(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	api.setState(sess.ID, upstream.StateAwaitingPlanApproval)

	// Get refreshes from the provider and applies the transition.
	got, err := m.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.StatusAwaitingApproval {
		t.Fatalf("status = %v, want awaiting_approval", got.Status)
	}

	approved, err := m.ApprovePlan(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("ApprovePlan() error = %v", err)
	}
	if approved.Status != models.StatusExecuting {
		t.Errorf("status after approve = %v, want executing", approved.Status)
	}
}

func TestApproveSettlesQueuedApproval(t *testing.T) {
	api := newFakeAPI()
	set := store.NewMemorySet()
	m := NewManager(api, set, nil, quietLogger(), nil, Options{
		PollInterval: 10 * time.Millisecond,
		MaxPolls:     5,
		SoftDeadline: time.Minute,
	})
	t.Cleanup(m.Close)

	sess, err := m.Create(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	api.setState(sess.ID, upstream.StateAwaitingPlanApproval)
	if _, err := m.Get(context.Background(), sess.ID); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	pending, err := set.Approvals.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].WorkflowInstance != sess.ID {
		t.Fatalf("pending approvals = %+v, want one entry for %s", pending, sess.ID)
	}

	if _, err := m.ApprovePlan(context.Background(), sess.ID); err != nil {
		t.Fatalf("ApprovePlan() error = %v", err)
	}
	pending, err = set.Approvals.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending approvals after approve = %d, want 0", len(pending))
	}
}

func TestCancelRejectsQueuedApproval(t *testing.T) {
	api := newFakeAPI()
	set := store.NewMemorySet()
	m := NewManager(api, set, nil, quietLogger(), nil, Options{
		PollInterval: 10 * time.Millisecond,
		MaxPolls:     5,
		SoftDeadline: time.Minute,
	})
	t.Cleanup(m.Close)

	sess, err := m.Create(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	api.setState(sess.ID, upstream.StateAwaitingPlanApproval)
	if _, err := m.Get(context.Background(), sess.ID); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if _, err := m.Cancel(context.Background(), sess.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	pending, err := set.Approvals.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending approvals after cancel = %d, want 0", len(pending))
	}
}

func TestCancelTerminalConflict(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api)

	sess, err := m.Create(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Cancel(context.Background(), sess.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if _, err := m.Cancel(context.Background(), sess.ID); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("second Cancel() kind = %v, want KindConflict", apperr.KindOf(err))
	}
}

func TestIllegalRemoteTransitionIgnored(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api)

	sess, err := m.Create(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Cancel(context.Background(), sess.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	// A stale poll reporting COMPLETED must not resurrect the session.
	api.setState(sess.ID, upstream.StateCompleted)
	got, err := m.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Errorf("status = %v, want cancelled (terminal is a sink)", got.Status)
	}
}

func TestCloneRoundTrip(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api)

	cfg := validConfig()
	cfg.Title = "original title"
	src, err := m.Create(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	cloned, err := m.Clone(context.Background(), src.ID, "", "")
	if err != nil {
		t.Fatalf("Clone() error = %v", err)
	}
	if cloned.ID == src.ID {
		t.Error("clone shares the source id")
	}
	if cloned.Config != src.Config {
		t.Errorf("clone config = %+v, want %+v", cloned.Config, src.Config)
	}
}

func TestRetryRequiresTerminal(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api)

	sess, err := m.Create(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Retry(context.Background(), sess.ID, ""); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("Retry(non-terminal) kind = %v, want KindConflict", apperr.KindOf(err))
	}

	if _, err := m.Cancel(context.Background(), sess.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	retried, err := m.Retry(context.Background(), sess.ID, "Rework the original change with more tests")
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if retried.Config.Prompt != "Rework the original change with more tests" {
		t.Errorf("retried prompt = %q", retried.Config.Prompt)
	}
}

func TestListFiltersByExactState(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api)

	a, _ := m.Create(context.Background(), validConfig())
	b, _ := m.Create(context.Background(), validConfig())
	if _, err := m.Cancel(context.Background(), b.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	planning := m.List("planning", 0)
	if len(planning) != 1 || planning[0].ID != a.ID {
		t.Errorf("List(planning) = %d sessions, want just %s", len(planning), a.ID)
	}
	cancelled := m.List("cancelled", 0)
	if len(cancelled) != 1 || cancelled[0].ID != b.ID {
		t.Errorf("List(cancelled) = %d sessions, want just %s", len(cancelled), b.ID)
	}
	all := m.List("", 0)
	if len(all) != 2 {
		t.Errorf("List(\"\") = %d sessions, want 2", len(all))
	}
}

func TestMonitorAllCounts(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api)

	a, _ := m.Create(context.Background(), validConfig())
	b, _ := m.Create(context.Background(), validConfig())
	if _, err := m.Cancel(context.Background(), b.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	snap := m.MonitorAll()
	if snap.Total != 2 || snap.Active != 1 {
		t.Errorf("snapshot = total %d active %d, want 2/1", snap.Total, snap.Active)
	}
	if snap.Counts[models.StatusPlanning] != 1 || snap.Counts[models.StatusCancelled] != 1 {
		t.Errorf("counts = %v", snap.Counts)
	}
	if ids := snap.ByStatus[models.StatusPlanning]; len(ids) != 1 || ids[0] != a.ID {
		t.Errorf("planning ids = %v, want [%s]", ids, a.ID)
	}
}

func TestTimelineNewestFirstWithDurations(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api)

	sess, err := m.Create(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	api.activities[sess.ID] = []upstream.Activity{
		{Timestamp: base, Type: "started", Content: "planning"},
		{Timestamp: base.Add(2 * time.Second), Type: "progress", Content: "reading code"},
		{Timestamp: base.Add(7 * time.Second), Type: "progress", Content: "writing patch"},
	}

	timeline, err := m.Timeline(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Timeline() error = %v", err)
	}
	if len(timeline) != 3 {
		t.Fatalf("len(timeline) = %d, want 3", len(timeline))
	}
	if timeline[0].Content != "writing patch" {
		t.Errorf("timeline[0] = %q, want newest first", timeline[0].Content)
	}
	if timeline[0].SincePreviousMs != 5000 {
		t.Errorf("timeline[0].SincePreviousMs = %d, want 5000", timeline[0].SincePreviousMs)
	}
	if timeline[2].SincePreviousMs != 0 {
		t.Errorf("oldest entry SincePreviousMs = %d, want 0", timeline[2].SincePreviousMs)
	}
}

func TestSearch(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api)

	cfg := validConfig()
	cfg.Title = "Fix flaky CI"
	if _, err := m.Create(context.Background(), cfg); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	cfg2 := validConfig()
	cfg2.Title = "Add dark mode"
	if _, err := m.Create(context.Background(), cfg2); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if got := m.SearchByTitle("flaky", 0); len(got) != 1 {
		t.Errorf("SearchByTitle(flaky) = %d results, want 1", len(got))
	}
	if got := m.SearchByPrompt("health endpoint", 0); len(got) != 2 {
		t.Errorf("SearchByPrompt = %d results, want 2", len(got))
	}
	if got := m.SearchByState("planning", 1); len(got) != 1 {
		t.Errorf("SearchByState(planning, limit 1) = %d results, want 1", len(got))
	}
}

func TestMonitorSoftDeadlineFailsSession(t *testing.T) {
	api := newFakeAPI()
	m := NewManager(api, store.NewMemorySet(), nil, quietLogger(), nil, Options{
		PollInterval: 5 * time.Millisecond,
		MaxPolls:     50,
		SoftDeadline: 20 * time.Millisecond,
	})
	t.Cleanup(m.Close)

	sess, err := m.Create(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("session never hit the soft deadline")
		case <-time.After(10 * time.Millisecond):
		}
		got := m.List("failed", 0)
		if len(got) == 1 && got[0].ID == sess.ID {
			if got[0].Error != "timeout" {
				t.Errorf("error = %q, want timeout", got[0].Error)
			}
			return
		}
	}
}

func TestSendMessageTerminalConflict(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api)

	sess, err := m.Create(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.SendMessage(context.Background(), sess.ID, "please add tests"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if _, err := m.Cancel(context.Background(), sess.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := m.SendMessage(context.Background(), sess.ID, "too late"); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("SendMessage(terminal) kind = %v, want KindConflict", apperr.KindOf(err))
	}
}

func TestGetUnknownSession(t *testing.T) {
	m := newTestManager(t, newFakeAPI())
	if _, err := m.Get(context.Background(), "nope"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("Get(nope) kind = %v, want KindNotFound", apperr.KindOf(err))
	}
}
