package models

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a coding session.
type SessionStatus string

const (
	StatusPending          SessionStatus = "pending"
	StatusPlanning         SessionStatus = "planning"
	StatusAwaitingApproval SessionStatus = "awaiting_approval"
	StatusExecuting        SessionStatus = "executing"
	StatusCompleted        SessionStatus = "completed"
	StatusFailed           SessionStatus = "failed"
	StatusCancelled        SessionStatus = "cancelled"
)

// Terminal reports whether the status is a sink state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether the status is one of the known states.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPlanning, StatusAwaitingApproval,
		StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// AutomationMode controls what happens when a session finishes executing.
type AutomationMode string

const (
	AutomationAutoCreatePR AutomationMode = "AUTO_CREATE_PR"
	AutomationNone         AutomationMode = "NONE"
)

// SessionConfig is the caller-supplied configuration for a session.
type SessionConfig struct {
	Prompt              string         `json:"prompt"`
	Source              string         `json:"source"`
	Branch              string         `json:"branch,omitempty"`
	Title               string         `json:"title,omitempty"`
	RequirePlanApproval bool           `json:"requirePlanApproval,omitempty"`
	AutomationMode      AutomationMode `json:"automationMode,omitempty"`
}

// Activity is an append-only progress event within a session.
type Activity struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
}

// Session is the central unit of work: one long-running coding job
// against the upstream provider.
type Session struct {
	ID         string          `json:"id"`
	Status     SessionStatus   `json:"status"`
	Config     SessionConfig   `json:"config"`
	Plan       json.RawMessage `json:"plan,omitempty"`
	Activities []Activity      `json:"activities,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	PRURL      string          `json:"prUrl,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing internal state to mutation.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Activities != nil {
		out.Activities = make([]Activity, len(s.Activities))
		copy(out.Activities, s.Activities)
	}
	if s.Plan != nil {
		out.Plan = append(json.RawMessage(nil), s.Plan...)
	}
	if s.Result != nil {
		out.Result = append(json.RawMessage(nil), s.Result...)
	}
	return &out
}

// TimelineEntry is an activity annotated with the time elapsed since
// the next-older activity. Timelines are returned newest-first.
type TimelineEntry struct {
	Activity
	SincePreviousMs int64 `json:"sincePreviousMs"`
}
