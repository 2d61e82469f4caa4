// Package sessions owns the session lifecycle: creation, the state
// machine, long-poll monitoring, and every session-facing operation
// the tool catalog exposes. The manager holds the live records; the
// store is its durable write-through.
package sessions

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/relay/internal/apperr"
	"github.com/coderelay/relay/internal/observability"
	"github.com/coderelay/relay/internal/store"
	"github.com/coderelay/relay/internal/upstream"
	"github.com/coderelay/relay/pkg/models"
)

// API is the slice of the upstream client the manager depends on.
type API interface {
	CreateSession(ctx context.Context, req *upstream.CreateSessionRequest) (*upstream.Session, error)
	GetSession(ctx context.Context, id string) (*upstream.Session, error)
	SendMessage(ctx context.Context, id, message string) error
	ApprovePlan(ctx context.Context, id string) error
	CancelSession(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error
	ListActivities(ctx context.Context, id string) ([]upstream.Activity, error)
	GetDiff(ctx context.Context, id string) (*upstream.Diff, error)
	GetSource(ctx context.Context, source string) (*upstream.Source, error)
}

// Publisher receives session lifecycle events for fan-out.
type Publisher interface {
	Publish(eventType string, payload any)
}

// transitions is the permitted-edge table of the state machine.
// Terminal states are sinks and have no outgoing edges.
var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.StatusPending:          {models.StatusPlanning, models.StatusFailed, models.StatusCancelled},
	models.StatusPlanning:         {models.StatusAwaitingApproval, models.StatusExecuting, models.StatusFailed, models.StatusCancelled},
	models.StatusAwaitingApproval: {models.StatusExecuting, models.StatusFailed, models.StatusCancelled},
	models.StatusExecuting:        {models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to models.SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Options tunes the monitoring loop.
type Options struct {
	PollInterval time.Duration
	MaxPolls     int
	SoftDeadline time.Duration
}

// DefaultOptions returns the monitoring defaults.
func DefaultOptions() Options {
	return Options{
		PollInterval: 5 * time.Second,
		MaxPolls:     60,
		SoftDeadline: 5 * time.Minute,
	}
}

type sessionEntry struct {
	mu sync.Mutex
	s  *models.Session
	// lastChange tracks the most recent observed transition for the
	// monitor's soft deadline.
	lastChange time.Time
}

// Manager drives the session state machine.
type Manager struct {
	api       API
	sessions  store.SessionStore
	approvals store.ApprovalStore
	publisher Publisher
	logger    *observability.Logger
	metrics   *observability.Metrics
	opts      Options

	mu    sync.RWMutex
	byID  map[string]*sessionEntry
	order []string

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// NewManager creates a session manager. publisher and metrics may be nil.
func NewManager(api API, set store.Set, publisher Publisher, logger *observability.Logger, metrics *observability.Metrics, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = DefaultOptions().MaxPolls
	}
	if opts.SoftDeadline <= 0 {
		opts.SoftDeadline = DefaultOptions().SoftDeadline
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		api:       api,
		sessions:  set.Sessions,
		approvals: set.Approvals,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		opts:      opts,
		byID:      map[string]*sessionEntry{},
		rootCtx:   ctx,
		cancel:    cancel,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Close stops all monitor goroutines and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Create validates the config, resolves the branch, registers the
// session upstream, and starts monitoring it.
func (m *Manager) Create(ctx context.Context, cfg models.SessionConfig) (*models.Session, error) {
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Branch == "" {
		cfg.Branch = m.resolveBranch(ctx, cfg.Source)
	}

	remote, err := m.api.CreateSession(ctx, &upstream.CreateSessionRequest{
		Prompt:              cfg.Prompt,
		Source:              cfg.Source,
		StartingBranch:      cfg.Branch,
		Title:               cfg.Title,
		RequirePlanApproval: cfg.RequirePlanApproval,
		AutomationMode:      string(cfg.AutomationMode),
	})
	if err != nil {
		return nil, mapUpstreamErr("create session", err)
	}

	now := m.now().UTC()
	sess := &models.Session{
		ID:        remote.ID,
		Status:    models.StatusPending,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if mapped := mapState(remote.State); mapped != "" && mapped != models.StatusPending {
		sess.Status = mapped
	} else {
		// Create accepted upstream means the session is being planned.
		sess.Status = models.StatusPlanning
	}

	entry := &sessionEntry{s: sess, lastChange: now}
	m.mu.Lock()
	m.byID[sess.ID] = entry
	m.order = append(m.order, sess.ID)
	m.mu.Unlock()

	m.persist(ctx, sess)
	m.publish("session.created", sess.Clone())
	m.updateActiveGauge()
	m.logger.Info(ctx, "session created",
		"session_id", sess.ID, "source", cfg.Source, "branch", cfg.Branch, "status", sess.Status)

	m.wg.Add(1)
	go m.watch(sess.ID)

	return sess.Clone(), nil
}

// resolveBranch asks the provider for the source's default branch,
// falling back to "main" when the lookup fails or is empty.
func (m *Manager) resolveBranch(ctx context.Context, source string) string {
	src, err := m.api.GetSource(ctx, source)
	if err != nil || src == nil || src.DefaultBranch == "" {
		if err != nil {
			m.logger.Warn(ctx, "source metadata lookup failed, defaulting branch",
				"source", source, "error", err)
		}
		return "main"
	}
	return src.DefaultBranch
}

// Get returns a snapshot of the session, refreshed from the provider
// when reachable. A failed refresh degrades to the local record.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	if remote, rerr := m.api.GetSession(ctx, id); rerr == nil {
		m.applyRemote(ctx, entry, remote)
	} else if !errors.Is(rerr, upstream.ErrCircuitOpen) {
		m.logger.Warn(ctx, "session refresh failed, serving local state", "session_id", id, "error", rerr)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.s.Clone(), nil
}

// List returns snapshots newest-first. A non-empty state filters by
// exact status; terminal sessions are included only when their status
// matches the filter.
func (m *Manager) List(state string, limit int) []*models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Session, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		entry := m.byID[m.order[i]]
		entry.mu.Lock()
		if state == "" || string(entry.s.Status) == state {
			out = append(out, entry.s.Clone())
		}
		entry.mu.Unlock()
	}
	return out
}

// SendMessage delivers a user message to a non-terminal session.
func (m *Manager) SendMessage(ctx context.Context, id, message string) error {
	if strings.TrimSpace(message) == "" {
		return apperr.Validation("message is required",
			apperr.Issue{Field: "message", Message: "must not be empty"})
	}
	entry, err := m.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	if entry.s.Status.Terminal() {
		status := entry.s.Status
		entry.mu.Unlock()
		return apperr.Newf(apperr.KindConflict, "session %s is %s and cannot accept messages", id, status)
	}
	entry.mu.Unlock()

	if err := m.api.SendMessage(ctx, id, message); err != nil {
		return mapUpstreamErr("send message", err)
	}
	m.appendActivity(ctx, entry, models.Activity{
		Timestamp: m.now().UTC(),
		Type:      "message",
		Content:   message,
	})
	return nil
}

// ApprovePlan moves an awaiting_approval session to executing.
func (m *Manager) ApprovePlan(ctx context.Context, id string) (*models.Session, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	if entry.s.Status != models.StatusAwaitingApproval {
		status := entry.s.Status
		entry.mu.Unlock()
		return nil, apperr.Newf(apperr.KindConflict, "session %s is %s, not awaiting approval", id, status)
	}
	entry.mu.Unlock()

	if err := m.api.ApprovePlan(ctx, id); err != nil {
		return nil, mapUpstreamErr("approve plan", err)
	}
	m.transition(ctx, entry, models.StatusExecuting, "")
	m.resolveApproval(ctx, id, models.ApprovalApproved, "")

	// The monitor stopped at awaiting_approval; resume it.
	m.wg.Add(1)
	go m.watch(id)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.s.Clone(), nil
}

// Cancel moves any non-terminal session to cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) (*models.Session, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	from := entry.s.Status
	if from.Terminal() {
		entry.mu.Unlock()
		return nil, apperr.Newf(apperr.KindConflict, "session %s is already %s", id, from)
	}
	entry.mu.Unlock()

	if err := m.api.CancelSession(ctx, id); err != nil && !upstream.IsNotFound(err) {
		return nil, mapUpstreamErr("cancel session", err)
	}
	m.transition(ctx, entry, models.StatusCancelled, "")
	if from == models.StatusAwaitingApproval {
		m.resolveApproval(ctx, id, models.ApprovalRejected, "session cancelled")
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.s.Clone(), nil
}

// Delete removes the session locally and upstream. Terminal sessions
// are otherwise retained for audit; delete is the only eviction.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, err := m.entry(id); err != nil {
		return err
	}
	if err := m.api.DeleteSession(ctx, id); err != nil && !upstream.IsNotFound(err) {
		return mapUpstreamErr("delete session", err)
	}

	m.mu.Lock()
	delete(m.byID, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if err := m.sessions.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error(ctx, "session delete write-through failed", "session_id", id, "error", err)
	}
	m.publish("session.deleted", map[string]string{"sessionId": id})
	m.updateActiveGauge()
	return nil
}

// Activities returns the append-only progress list, synced from the
// provider when reachable.
func (m *Manager) Activities(ctx context.Context, id string) ([]models.Activity, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	if remote, rerr := m.api.ListActivities(ctx, id); rerr == nil {
		m.syncActivities(ctx, entry, remote)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]models.Activity, len(entry.s.Activities))
	copy(out, entry.s.Activities)
	return out, nil
}

// Diff returns the unified diff the session has produced so far.
func (m *Manager) Diff(ctx context.Context, id string) (string, error) {
	if _, err := m.entry(id); err != nil {
		return "", err
	}
	diff, err := m.api.GetDiff(ctx, id)
	if err != nil {
		return "", mapUpstreamErr("get diff", err)
	}
	return diff.Patch, nil
}

// Clone creates a new session from an existing one's config, with
// optional prompt and title overrides.
func (m *Manager) Clone(ctx context.Context, id, promptOverride, titleOverride string) (*models.Session, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	cfg := entry.s.Config
	entry.mu.Unlock()

	if promptOverride != "" {
		cfg.Prompt = promptOverride
	}
	if titleOverride != "" {
		cfg.Title = titleOverride
	}
	return m.Create(ctx, cfg)
}

// Retry re-runs a failed or cancelled session as a fresh session.
func (m *Manager) Retry(ctx context.Context, id, promptOverride string) (*models.Session, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	status := entry.s.Status
	cfg := entry.s.Config
	entry.mu.Unlock()

	if !status.Terminal() {
		return nil, apperr.Newf(apperr.KindConflict, "session %s is still %s", id, status)
	}
	if promptOverride != "" {
		cfg.Prompt = promptOverride
	}
	return m.Create(ctx, cfg)
}

// SearchByTitle returns sessions whose title contains the query,
// case-insensitive, newest-first.
func (m *Manager) SearchByTitle(query string, limit int) []*models.Session {
	return m.search(limit, func(s *models.Session) bool {
		return containsFold(s.Config.Title, query)
	})
}

// SearchByPrompt returns sessions whose prompt contains the query.
func (m *Manager) SearchByPrompt(query string, limit int) []*models.Session {
	return m.search(limit, func(s *models.Session) bool {
		return containsFold(s.Config.Prompt, query)
	})
}

// SearchByState returns sessions in the given state.
func (m *Manager) SearchByState(state string, limit int) []*models.Session {
	return m.search(limit, func(s *models.Session) bool {
		return string(s.Status) == state
	})
}

func (m *Manager) search(limit int, match func(*models.Session) bool) []*models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for i := len(m.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		entry := m.byID[m.order[i]]
		entry.mu.Lock()
		if match(entry.s) {
			out = append(out, entry.s.Clone())
		}
		entry.mu.Unlock()
	}
	return out
}

// Snapshot is the aggregate view returned by MonitorAll.
type Snapshot struct {
	Total    int                               `json:"total"`
	Active   int                               `json:"active"`
	Counts   map[models.SessionStatus]int      `json:"counts"`
	ByStatus map[models.SessionStatus][]string `json:"byStatus"`
}

// MonitorAll returns per-state counts and id lists across all sessions.
func (m *Manager) MonitorAll() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := Snapshot{
		Counts:   map[models.SessionStatus]int{},
		ByStatus: map[models.SessionStatus][]string{},
	}
	for _, id := range m.order {
		entry := m.byID[id]
		entry.mu.Lock()
		status := entry.s.Status
		entry.mu.Unlock()
		snap.Total++
		snap.Counts[status]++
		snap.ByStatus[status] = append(snap.ByStatus[status], id)
		if !status.Terminal() {
			snap.Active++
		}
	}
	return snap
}

// Timeline returns activities newest-first, each annotated with the
// milliseconds elapsed since the next-older activity.
func (m *Manager) Timeline(ctx context.Context, id string) ([]models.TimelineEntry, error) {
	activities, err := m.Activities(ctx, id)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(activities, func(i, j int) bool {
		return activities[i].Timestamp.Before(activities[j].Timestamp)
	})
	out := make([]models.TimelineEntry, 0, len(activities))
	for i := len(activities) - 1; i >= 0; i-- {
		e := models.TimelineEntry{Activity: activities[i]}
		if i > 0 {
			e.SincePreviousMs = activities[i].Timestamp.Sub(activities[i-1].Timestamp).Milliseconds()
		}
		out = append(out, e)
	}
	return out, nil
}

// Track registers an externally-discovered session (startup recovery)
// and resumes monitoring when it is non-terminal.
func (m *Manager) Track(sess *models.Session) {
	m.mu.Lock()
	if _, exists := m.byID[sess.ID]; exists {
		m.mu.Unlock()
		return
	}
	m.byID[sess.ID] = &sessionEntry{s: sess.Clone(), lastChange: m.now().UTC()}
	m.order = append(m.order, sess.ID)
	m.mu.Unlock()

	m.updateActiveGauge()
	if !sess.Status.Terminal() && sess.Status != models.StatusAwaitingApproval {
		m.wg.Add(1)
		go m.watch(sess.ID)
	}
}

func (m *Manager) entry(id string) (*sessionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.byID[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "session %s not found", id)
	}
	return entry, nil
}

// transition applies a legal edge under the per-session lock, then
// persists and publishes. Illegal edges are ignored with a warning so
// a stale poll can never regress a terminal session.
func (m *Manager) transition(ctx context.Context, entry *sessionEntry, to models.SessionStatus, errMsg string) {
	entry.mu.Lock()
	from := entry.s.Status
	if from == to {
		entry.mu.Unlock()
		return
	}
	if !CanTransition(from, to) {
		entry.mu.Unlock()
		m.logger.Warn(ctx, "illegal session transition ignored",
			"session_id", entry.s.ID, "from", from, "to", to)
		return
	}
	entry.s.Status = to
	if errMsg != "" {
		entry.s.Error = errMsg
	}
	entry.s.UpdatedAt = m.now().UTC()
	entry.lastChange = entry.s.UpdatedAt
	snapshot := entry.s.Clone()
	entry.mu.Unlock()

	m.persist(ctx, snapshot)
	m.publish("session.transition", map[string]any{
		"sessionId": snapshot.ID,
		"from":      from,
		"to":        to,
		"session":   snapshot,
	})
	m.updateActiveGauge()
	m.logger.Info(ctx, "session transition", "session_id", snapshot.ID, "from", from, "to", to)
}

// applyRemote folds a provider snapshot into the local record.
func (m *Manager) applyRemote(ctx context.Context, entry *sessionEntry, remote *upstream.Session) {
	entry.mu.Lock()
	if len(remote.Plan) > 0 {
		entry.s.Plan = append([]byte(nil), remote.Plan...)
	}
	if len(remote.Result) > 0 {
		entry.s.Result = append([]byte(nil), remote.Result...)
	}
	if remote.PRURL != "" {
		entry.s.PRURL = remote.PRURL
	}
	if remote.Error != "" {
		entry.s.Error = remote.Error
	}
	from := entry.s.Status
	entry.mu.Unlock()

	to := mapState(remote.State)
	if to == "" || to == from {
		return
	}
	m.transition(ctx, entry, to, remote.Error)

	if to == models.StatusAwaitingApproval {
		m.queueApproval(ctx, entry)
	}
}

// queueApproval records a pending approval entry when a plan arrives.
// At most one pending entry exists per session.
func (m *Manager) queueApproval(ctx context.Context, entry *sessionEntry) {
	entry.mu.Lock()
	id := entry.s.ID
	summary := planSummary(entry.s.Plan)
	entry.mu.Unlock()

	if pending, err := m.approvals.ListPending(ctx); err == nil {
		for _, a := range pending {
			if a.WorkflowInstance == id {
				return
			}
		}
	}

	err := m.approvals.Create(ctx, &models.ApprovalEntry{
		ID:               m.newID(),
		WorkflowInstance: id,
		PlanSummary:      summary,
		RequestedAt:      m.now().UTC(),
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		m.logger.Error(ctx, "approval entry write failed", "session_id", id, "error", err)
	}
}

// resolveApproval settles the session's pending approval entry so the
// audit trail records who decided and when.
func (m *Manager) resolveApproval(ctx context.Context, sessionID string, decision models.ApprovalDecision, notes string) {
	pending, err := m.approvals.ListPending(ctx)
	if err != nil {
		m.logger.Error(ctx, "approval lookup failed", "session_id", sessionID, "error", err)
		return
	}
	for _, a := range pending {
		if a.WorkflowInstance != sessionID {
			continue
		}
		if err := m.approvals.Decide(ctx, a.ID, decision, "gateway", notes); err != nil {
			m.logger.Error(ctx, "approval decision write failed", "session_id", sessionID, "error", err)
		}
		return
	}
}

func (m *Manager) appendActivity(ctx context.Context, entry *sessionEntry, a models.Activity) {
	entry.mu.Lock()
	entry.s.Activities = append(entry.s.Activities, a)
	id := entry.s.ID
	entry.mu.Unlock()

	if err := m.sessions.AppendActivity(ctx, id, a); err != nil {
		m.logger.Error(ctx, "activity write-through failed", "session_id", id, "error", err)
	}
}

// syncActivities replaces the local list when the provider has more.
// The provider list is authoritative and append-only.
func (m *Manager) syncActivities(ctx context.Context, entry *sessionEntry, remote []upstream.Activity) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if len(remote) <= len(entry.s.Activities) {
		return
	}
	merged := make([]models.Activity, len(remote))
	for i, a := range remote {
		merged[i] = models.Activity{Timestamp: a.Timestamp, Type: a.Type, Content: a.Content}
	}
	entry.s.Activities = merged
}

func (m *Manager) persist(ctx context.Context, sess *models.Session) {
	if err := m.sessions.Save(ctx, sess.Clone()); err != nil {
		m.logger.Error(ctx, "session write-through failed", "session_id", sess.ID, "error", err)
	}
}

func (m *Manager) publish(eventType string, payload any) {
	if m.publisher != nil {
		m.publisher.Publish(eventType, payload)
	}
}

func (m *Manager) updateActiveGauge() {
	if m.metrics == nil {
		return
	}
	m.metrics.ActiveSessions.Set(float64(m.MonitorAll().Active))
}

// mapState converts a provider state to the local status. Unknown
// states map to empty, which callers treat as no-change.
func mapState(state string) models.SessionStatus {
	switch state {
	case upstream.StateQueued:
		return models.StatusPending
	case upstream.StatePlanning:
		return models.StatusPlanning
	case upstream.StateAwaitingPlanApproval:
		return models.StatusAwaitingApproval
	case upstream.StateInProgress:
		return models.StatusExecuting
	case upstream.StateCompleted:
		return models.StatusCompleted
	case upstream.StateFailed:
		return models.StatusFailed
	case upstream.StateCancelled:
		return models.StatusCancelled
	}
	return ""
}

// mapUpstreamErr classifies provider failures into the error taxonomy.
func mapUpstreamErr(op string, err error) error {
	switch {
	case errors.Is(err, upstream.ErrCircuitOpen):
		return apperr.Wrap(apperr.KindCircuitOpen, "upstream temporarily unavailable", err)
	case upstream.IsNotFound(err):
		return apperr.Wrap(apperr.KindNotFound, op+" failed: not found upstream", err)
	case upstream.Transient(err):
		return apperr.Wrap(apperr.KindUpstreamTransient, op+" failed after retries", err)
	default:
		return apperr.Wrap(apperr.KindUpstreamPermanent, op+" rejected by upstream", err)
	}
}

func planSummary(plan []byte) string {
	const max = 500
	s := string(plan)
	if len(s) > max {
		return s[:max]
	}
	return s
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
