package models

import "time"

// QueueItemStatus is the state of a deferred session-creation request.
type QueueItemStatus string

const (
	QueuePending    QueueItemStatus = "pending"
	QueueProcessing QueueItemStatus = "processing"
	QueueCompleted  QueueItemStatus = "completed"
	QueueFailed     QueueItemStatus = "failed"
)

// Terminal reports whether the item is finished and subject to retention.
func (s QueueItemStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed
}

// QueueItem is a pending admission unit ordered by integer priority.
// Lower values win; ties break by AddedAt ascending.
type QueueItem struct {
	ID          string          `json:"id"`
	Config      SessionConfig   `json:"config"`
	Priority    int             `json:"priority"`
	Status      QueueItemStatus `json:"status"`
	AddedAt     time.Time       `json:"addedAt"`
	SessionID   string          `json:"sessionId,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Template is a stored partial session configuration addressable by name.
type Template struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Config      SessionConfig `json:"config"`
	CreatedAt   time.Time     `json:"createdAt"`
	UsageCount  int           `json:"usageCount"`
}
