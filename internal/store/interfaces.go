// Package store persists workflow templates, instances, sessions, the
// action audit log, plan approvals, and webhook events. Two
// interchangeable profiles exist: a relational store (Postgres or
// SQLite, selected by URL) and an in-memory fallback used when no
// database URL is configured.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/coderelay/relay/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidStatus rejects writes whose status is outside the
	// constrained set.
	ErrInvalidStatus = errors.New("invalid status")
)

// WorkflowTemplateStore persists workflow definitions.
type WorkflowTemplateStore interface {
	Create(ctx context.Context, t *models.WorkflowTemplate) error
	Get(ctx context.Context, id string) (*models.WorkflowTemplate, error)
	GetByName(ctx context.Context, name string) (*models.WorkflowTemplate, error)
	List(ctx context.Context) ([]*models.WorkflowTemplate, error)
	Update(ctx context.Context, t *models.WorkflowTemplate) error
	Delete(ctx context.Context, id string) error
}

// WorkflowInstanceStore persists per-run workflow state.
type WorkflowInstanceStore interface {
	Create(ctx context.Context, inst *models.WorkflowInstance) error
	Get(ctx context.Context, id string) (*models.WorkflowInstance, error)
	List(ctx context.Context, limit int) ([]*models.WorkflowInstance, error)
	// Update persists the instance, maintaining a monotonic UpdatedAt.
	Update(ctx context.Context, inst *models.WorkflowInstance) error
}

// SessionStore mirrors session records for durability and audit.
// The Session Manager owns the live state; this is its write-through.
type SessionStore interface {
	Save(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, limit int) ([]*models.Session, error)
	Delete(ctx context.Context, id string) error
	AppendActivity(ctx context.Context, sessionID string, a models.Activity) error
	ListActivities(ctx context.Context, sessionID string) ([]models.Activity, error)
}

// ActionLogStore is the append-only audit of workflow actions.
type ActionLogStore interface {
	Append(ctx context.Context, e *models.ActionLogEntry) error
	ListByInstance(ctx context.Context, instanceID string) ([]*models.ActionLogEntry, error)
}

// ApprovalStore persists the plan-approval queue.
type ApprovalStore interface {
	Create(ctx context.Context, a *models.ApprovalEntry) error
	Decide(ctx context.Context, id string, decision models.ApprovalDecision, approvedBy, notes string) error
	ListPending(ctx context.Context) ([]*models.ApprovalEntry, error)
}

// WebhookEventStore is the append-only log of received webhooks.
type WebhookEventStore interface {
	Append(ctx context.Context, e *models.WebhookEvent) error
	MarkProcessed(ctx context.Context, id, workflowInstance string) error
	ListRecent(ctx context.Context, limit int) ([]*models.WebhookEvent, error)
}

// Set groups the storage dependencies behind one handle.
type Set struct {
	WorkflowTemplates WorkflowTemplateStore
	WorkflowInstances WorkflowInstanceStore
	Sessions          SessionStore
	ActionLog         ActionLogStore
	Approvals         ApprovalStore
	WebhookEvents     WebhookEventStore

	profile string
	ping    func(context.Context) error
	closer  func() error
}

// Profile reports which persistence profile is active: "postgres",
// "sqlite", or "memory".
func (s Set) Profile() string {
	return s.profile
}

// Ping checks store reachability for health reporting.
func (s Set) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

// Close releases underlying resources.
func (s Set) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// monotonicNow returns now, bumped past prev so UpdatedAt never moves
// backwards even with a coarse clock.
func monotonicNow(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}
