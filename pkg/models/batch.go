package models

import "time"

// BatchMemberStatus tracks a single task within a batch.
type BatchMemberStatus string

const (
	BatchMemberQueued    BatchMemberStatus = "queued"
	BatchMemberRunning   BatchMemberStatus = "running"
	BatchMemberCompleted BatchMemberStatus = "completed"
	BatchMemberFailed    BatchMemberStatus = "failed"
)

// BatchMember is one positional task in a batch.
type BatchMember struct {
	Position  int               `json:"position"`
	Config    SessionConfig     `json:"config"`
	SessionID string            `json:"sessionId,omitempty"`
	Status    BatchMemberStatus `json:"status"`
	Error     string            `json:"error,omitempty"`
	Retried   bool              `json:"retried,omitempty"`
}

// Batch groups sessions created together and monitored as a unit.
type Batch struct {
	ID        string         `json:"id"`
	Members   []*BatchMember `json:"members"`
	Parallel  int            `json:"parallel"`
	CreatedAt time.Time      `json:"createdAt"`
	Counters  BatchCounters  `json:"counters"`
}

// BatchCounters aggregates member outcomes.
type BatchCounters struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Done reports whether every member reached a terminal status.
func (c BatchCounters) Done() bool {
	return c.Queued == 0 && c.Running == 0
}
