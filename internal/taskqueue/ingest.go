// Package taskqueue ingests externally-triggered tasks: tracker issues
// carrying the trigger label are polled on a cron schedule and each
// becomes exactly one session.
package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/coderelay/relay/internal/observability"
	"github.com/coderelay/relay/internal/upstream"
	"github.com/coderelay/relay/pkg/models"
)

// cronParser accepts standard 5-field expressions plus descriptors
// like @every 1m.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// IssueLister fetches tracker issues carrying the trigger label.
type IssueLister interface {
	ListTriggeredIssues(ctx context.Context, label string) ([]*upstream.Issue, error)
}

// Creator materializes one task into a session.
type Creator interface {
	Create(ctx context.Context, cfg models.SessionConfig) (*models.Session, error)
}

// TaskStatus is the state of one ingested task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is one issue-triggered unit of work.
type Task struct {
	ID        string     `json:"id"`
	IssueID   string     `json:"issueId"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	SessionID string     `json:"sessionId,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Config tunes the ingestor.
type Config struct {
	// Schedule is the cron expression driving the poll.
	Schedule string
	// TriggerLabel marks issues that should become sessions.
	TriggerLabel string
	// MaxRetries bounds session-creation attempts per task.
	MaxRetries int
	// RetryDelay is the base backoff between attempts; it doubles per
	// attempt.
	RetryDelay time.Duration
}

// Ingestor polls for triggered issues and drives them to sessions.
type Ingestor struct {
	cfg     Config
	issues  IssueLister
	creator Creator
	logger  *observability.Logger

	mu    sync.Mutex
	tasks map[string]*Task
	// seen maps issue id -> task id so one issue never yields two
	// sessions.
	seen  map[string]string
	order []string

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
	newID  func() string
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewIngestor creates the task-queue ingestor.
func NewIngestor(cfg Config, issues IssueLister, creator Creator, logger *observability.Logger) *Ingestor {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingestor{
		cfg:     cfg,
		issues:  issues,
		creator: creator,
		logger:  logger,
		tasks:   map[string]*Task{},
		seen:    map[string]string{},
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
		newID:   uuid.NewString,
		sleep:   sleepCtx,
	}
}

// Start schedules the poll loop. Returns an error on a bad schedule.
func (i *Ingestor) Start() error {
	if _, err := cronParser.Parse(i.cfg.Schedule); err != nil {
		return err
	}
	i.cron = cron.New(cron.WithParser(cronParser))
	_, err := i.cron.AddFunc(i.cfg.Schedule, func() { i.Poll(i.ctx) })
	if err != nil {
		return err
	}
	i.cron.Start()
	i.logger.Info(i.ctx, "task queue ingest started",
		"schedule", i.cfg.Schedule, "label", i.cfg.TriggerLabel)
	return nil
}

// Stop halts polling and waits for in-flight tasks.
func (i *Ingestor) Stop() {
	if i.cron != nil {
		<-i.cron.Stop().Done()
	}
	i.cancel()
	i.wg.Wait()
}

// Poll fetches triggered issues and admits unseen ones as tasks.
func (i *Ingestor) Poll(ctx context.Context) {
	issues, err := i.issues.ListTriggeredIssues(ctx, i.cfg.TriggerLabel)
	if err != nil {
		i.logger.Warn(ctx, "issue poll failed", "error", err)
		return
	}

	for _, issue := range issues {
		task, fresh := i.admit(issue)
		if !fresh {
			continue
		}
		i.wg.Add(1)
		go func(issue *upstream.Issue, task *Task) {
			defer i.wg.Done()
			i.run(issue, task)
		}(issue, task)
	}
}

// admit registers a task for an unseen issue.
func (i *Ingestor) admit(issue *upstream.Issue) (*Task, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, dup := i.seen[issue.ID]; dup {
		return nil, false
	}
	now := i.now().UTC()
	task := &Task{
		ID:        i.newID(),
		IssueID:   issue.ID,
		Title:     issue.Title,
		Status:    TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	i.tasks[task.ID] = task
	i.seen[issue.ID] = task.ID
	i.order = append(i.order, task.ID)
	return task, true
}

// run drives one task to a session, retrying with doubling backoff.
func (i *Ingestor) run(issue *upstream.Issue, task *Task) {
	i.setStatus(task.ID, TaskRunning, "", "")

	cfg := models.SessionConfig{
		Prompt: issuePrompt(issue),
		Source: issue.Source,
		Branch: issue.Branch,
		Title:  issue.Title,
	}

	var lastErr error
	for attempt := 1; attempt <= i.cfg.MaxRetries; attempt++ {
		i.bumpAttempts(task.ID)

		sess, err := i.creator.Create(i.ctx, cfg)
		if err == nil {
			i.setStatus(task.ID, TaskCompleted, sess.ID, "")
			i.logger.Info(i.ctx, "task materialized",
				"task_id", task.ID, "issue_id", issue.ID, "session_id", sess.ID)
			return
		}
		lastErr = err
		i.logger.Warn(i.ctx, "task session creation failed",
			"task_id", task.ID, "attempt", attempt, "error", err)

		if attempt < i.cfg.MaxRetries {
			delay := i.cfg.RetryDelay << (attempt - 1)
			if err := i.sleep(i.ctx, delay); err != nil {
				i.setStatus(task.ID, TaskFailed, "", "shutdown during retry")
				return
			}
		}
	}
	i.setStatus(task.ID, TaskFailed, "", lastErr.Error())
}

// List returns task snapshots newest-first.
func (i *Ingestor) List() []*Task {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*Task, 0, len(i.order))
	for n := len(i.order) - 1; n >= 0; n-- {
		cp := *i.tasks[i.order[n]]
		out = append(out, &cp)
	}
	return out
}

// Stats is the aggregate task view.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// GetStats returns per-status counts.
func (i *Ingestor) GetStats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	var s Stats
	for _, task := range i.tasks {
		switch task.Status {
		case TaskPending:
			s.Pending++
		case TaskRunning:
			s.Running++
		case TaskCompleted:
			s.Completed++
		case TaskFailed:
			s.Failed++
		}
		s.Total++
	}
	return s
}

func (i *Ingestor) setStatus(taskID string, status TaskStatus, sessionID, errMsg string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	task, ok := i.tasks[taskID]
	if !ok {
		return
	}
	task.Status = status
	if sessionID != "" {
		task.SessionID = sessionID
	}
	task.Error = errMsg
	task.UpdatedAt = i.now().UTC()
}

func (i *Ingestor) bumpAttempts(taskID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if task, ok := i.tasks[taskID]; ok {
		task.Attempts++
	}
}

func issuePrompt(issue *upstream.Issue) string {
	prompt := "Resolve the tracked issue: " + issue.Title
	if issue.Body != "" {
		prompt += "\n\n" + issue.Body
	}
	return prompt
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
