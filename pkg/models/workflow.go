package models

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the persisted state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowPending          WorkflowStatus = "pending"
	WorkflowRunning          WorkflowStatus = "running"
	WorkflowAwaitingApproval WorkflowStatus = "awaiting_approval"
	WorkflowExecuting        WorkflowStatus = "executing"
	WorkflowCompleted        WorkflowStatus = "completed"
	WorkflowFailed           WorkflowStatus = "failed"
	WorkflowCancelled        WorkflowStatus = "cancelled"
)

// Valid reports whether the status is one of the known workflow states.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowPending, WorkflowRunning, WorkflowAwaitingApproval,
		WorkflowExecuting, WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// WorkflowTemplate is a long-lived workflow definition.
type WorkflowTemplate struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// WorkflowInstance is the per-run state of a workflow template.
type WorkflowInstance struct {
	ID          string          `json:"id"`
	TemplateID  string          `json:"templateId"`
	Status      WorkflowStatus  `json:"status"`
	Context     json.RawMessage `json:"context,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retryCount"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ActionLogEntry is an immutable audit record of one workflow action.
type ActionLogEntry struct {
	ID               string          `json:"id"`
	WorkflowInstance string          `json:"workflowInstance"`
	ActionType       string          `json:"actionType"`
	Config           json.RawMessage `json:"config,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Success          bool            `json:"success"`
	Error            string          `json:"error,omitempty"`
	DurationMs       int64           `json:"durationMs"`
	Timestamp        time.Time       `json:"timestamp"`
}

// ApprovalDecision is the reviewer's verdict on a queued plan.
type ApprovalDecision string

const (
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
)

// ApprovalEntry is a pending or decided plan approval.
type ApprovalEntry struct {
	ID               string           `json:"id"`
	WorkflowInstance string           `json:"workflowInstance"`
	PlanSummary      string           `json:"planSummary"`
	EstimatedFiles   int              `json:"estimatedFiles"`
	RiskLevel        string           `json:"riskLevel"`
	Decision         ApprovalDecision `json:"decision,omitempty"`
	RequestedAt      time.Time        `json:"requestedAt"`
	ApprovedBy       string           `json:"approvedBy,omitempty"`
	ApprovedAt       *time.Time       `json:"approvedAt,omitempty"`
	Notes            string           `json:"notes,omitempty"`
}

// WebhookEvent is an append-only record of a received webhook.
type WebhookEvent struct {
	ID               string          `json:"id"`
	Source           string          `json:"source"`
	EventType        string          `json:"eventType"`
	Payload          json.RawMessage `json:"payload"`
	Processed        bool            `json:"processed"`
	WorkflowInstance string          `json:"workflowInstance,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}
