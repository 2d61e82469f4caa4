package upstream

import (
	"encoding/json"
	"time"
)

// Session state values as reported by the provider.
const (
	StateQueued               = "QUEUED"
	StatePlanning             = "PLANNING"
	StateAwaitingPlanApproval = "AWAITING_PLAN_APPROVAL"
	StateInProgress           = "IN_PROGRESS"
	StateCompleted            = "COMPLETED"
	StateFailed               = "FAILED"
	StateCancelled            = "CANCELLED"
)

// Session is the provider's view of a coding session.
type Session struct {
	ID         string          `json:"id"`
	State      string          `json:"state"`
	Title      string          `json:"title,omitempty"`
	Plan       json.RawMessage `json:"plan,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	PRURL      string          `json:"prUrl,omitempty"`
	Error      string          `json:"error,omitempty"`
	UpdateTime time.Time       `json:"updateTime,omitempty"`
}

// CreateSessionRequest is the provider create payload.
type CreateSessionRequest struct {
	Prompt              string `json:"prompt"`
	Source              string `json:"source"`
	StartingBranch      string `json:"startingBranch,omitempty"`
	Title               string `json:"title,omitempty"`
	RequirePlanApproval bool   `json:"requirePlanApproval,omitempty"`
	AutomationMode      string `json:"automationMode,omitempty"`
}

// Activity is a provider-emitted progress event.
type Activity struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
}

// Source describes a connected repository.
type Source struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
}

// Diff is the unified diff a session has produced so far.
type Diff struct {
	Patch string `json:"patch"`
}

// Issue is an external tracker item surfaced by the provider.
type Issue struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
	Source string   `json:"source"`
	Branch string   `json:"branch,omitempty"`
}

// DeployLogs is the raw build/deploy log for a failed deploy.
type DeployLogs struct {
	Lines []string `json:"lines"`
}

type listSessionsResponse struct {
	Sessions []*Session `json:"sessions"`
}

type listActivitiesResponse struct {
	Activities []Activity `json:"activities"`
}

type listIssuesResponse struct {
	Issues []*Issue `json:"issues"`
}
