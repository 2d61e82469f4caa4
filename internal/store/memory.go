package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coderelay/relay/pkg/models"
)

// NewMemorySet creates the in-memory persistence profile. Used when no
// database URL is configured; /health reports it explicitly.
func NewMemorySet() Set {
	return Set{
		WorkflowTemplates: &memTemplateStore{byID: map[string]*models.WorkflowTemplate{}, byName: map[string]string{}},
		WorkflowInstances: &memInstanceStore{items: map[string]*models.WorkflowInstance{}},
		Sessions:          &memSessionStore{sessions: map[string]*models.Session{}, activities: map[string][]models.Activity{}},
		ActionLog:         &memActionLog{},
		Approvals:         &memApprovalStore{items: map[string]*models.ApprovalEntry{}},
		WebhookEvents:     &memWebhookStore{items: map[string]*models.WebhookEvent{}},
		profile:           "memory",
	}
}

type memTemplateStore struct {
	mu     sync.RWMutex
	byID   map[string]*models.WorkflowTemplate
	byName map[string]string
}

func (s *memTemplateStore) Create(ctx context.Context, t *models.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[t.Name]; exists {
		return ErrAlreadyExists
	}
	cp := *t
	s.byID[t.ID] = &cp
	s.byName[t.Name] = t.ID
	return nil
}

func (s *memTemplateStore) Get(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memTemplateStore) GetByName(ctx context.Context, name string) (*models.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *memTemplateStore) List(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WorkflowTemplate, 0, len(s.byID))
	for _, t := range s.byID {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memTemplateStore) Update(ctx context.Context, t *models.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[t.ID]
	if !ok {
		return ErrNotFound
	}
	t.UpdatedAt = monotonicNow(existing.UpdatedAt)
	cp := *t
	delete(s.byName, existing.Name)
	s.byID[t.ID] = &cp
	s.byName[t.Name] = t.ID
	return nil
}

func (s *memTemplateStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byName, t.Name)
	delete(s.byID, id)
	return nil
}

type memInstanceStore struct {
	mu    sync.RWMutex
	items map[string]*models.WorkflowInstance
	order []string
}

func (s *memInstanceStore) Create(ctx context.Context, inst *models.WorkflowInstance) error {
	if !inst.Status.Valid() {
		return ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[inst.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *inst
	s.items[inst.ID] = &cp
	s.order = append(s.order, inst.ID)
	return nil
}

func (s *memInstanceStore) Get(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *memInstanceStore) List(ctx context.Context, limit int) ([]*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WorkflowInstance, 0, len(s.order))
	// Newest first.
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *s.items[s.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memInstanceStore) Update(ctx context.Context, inst *models.WorkflowInstance) error {
	if !inst.Status.Valid() {
		return ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[inst.ID]
	if !ok {
		return ErrNotFound
	}
	inst.UpdatedAt = monotonicNow(existing.UpdatedAt)
	cp := *inst
	s.items[inst.ID] = &cp
	return nil
}

type memSessionStore struct {
	mu         sync.RWMutex
	sessions   map[string]*models.Session
	order      []string
	activities map[string][]models.Activity
}

func (s *memSessionStore) Save(ctx context.Context, sess *models.Session) error {
	if !sess.Status.Valid() {
		return ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sess.ID]; ok {
		sess.UpdatedAt = monotonicNow(existing.UpdatedAt)
	} else {
		s.order = append(s.order, sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *memSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *memSessionStore) List(ctx context.Context, limit int) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Session, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if sess, ok := s.sessions[s.order[i]]; ok {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

func (s *memSessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.activities, id)
	return nil
}

func (s *memSessionStore) AppendActivity(ctx context.Context, sessionID string, a models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[sessionID] = append(s.activities[sessionID], a)
	return nil
}

func (s *memSessionStore) ListActivities(ctx context.Context, sessionID string) ([]models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.activities[sessionID]
	out := make([]models.Activity, len(src))
	copy(out, src)
	return out, nil
}

type memActionLog struct {
	mu      sync.RWMutex
	entries []*models.ActionLogEntry
}

func (s *memActionLog) Append(ctx context.Context, e *models.ActionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *memActionLog) ListByInstance(ctx context.Context, instanceID string) ([]*models.ActionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ActionLogEntry
	for _, e := range s.entries {
		if e.WorkflowInstance == instanceID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memApprovalStore struct {
	mu    sync.RWMutex
	items map[string]*models.ApprovalEntry
	order []string
}

func (s *memApprovalStore) Create(ctx context.Context, a *models.ApprovalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[a.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *a
	s.items[a.ID] = &cp
	s.order = append(s.order, a.ID)
	return nil
}

func (s *memApprovalStore) Decide(ctx context.Context, id string, decision models.ApprovalDecision, approvedBy, notes string) error {
	if decision != models.ApprovalApproved && decision != models.ApprovalRejected {
		return ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	a.Decision = decision
	a.ApprovedBy = approvedBy
	a.ApprovedAt = &now
	a.Notes = notes
	return nil
}

func (s *memApprovalStore) ListPending(ctx context.Context) ([]*models.ApprovalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ApprovalEntry
	for _, id := range s.order {
		if a := s.items[id]; a.Decision == "" {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memWebhookStore struct {
	mu    sync.RWMutex
	items map[string]*models.WebhookEvent
	order []string
}

func (s *memWebhookStore) Append(ctx context.Context, e *models.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[e.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *e
	s.items[e.ID] = &cp
	s.order = append(s.order, e.ID)
	return nil
}

func (s *memWebhookStore) MarkProcessed(ctx context.Context, id, workflowInstance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	e.Processed = true
	e.WorkflowInstance = workflowInstance
	return nil
}

func (s *memWebhookStore) ListRecent(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WebhookEvent, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *s.items[s.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}
