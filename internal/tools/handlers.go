package tools

import (
	"context"
	"encoding/json"

	"github.com/coderelay/relay/internal/apperr"
	"github.com/coderelay/relay/internal/batch"
	"github.com/coderelay/relay/internal/queue"
	"github.com/coderelay/relay/internal/sessions"
	"github.com/coderelay/relay/internal/taskqueue"
	"github.com/coderelay/relay/internal/templates"
	"github.com/coderelay/relay/pkg/models"
)

// Deps binds the tool handlers to the domain managers. Tasks may be
// nil when task-queue ingest is disabled.
type Deps struct {
	Sessions  *sessions.Manager
	Queue     *queue.Queue
	Templates *templates.Registry
	Batches   *batch.Processor
	Tasks     *taskqueue.Ingestor
}

const defaultListLimit = 50

func decode[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, apperr.Wrap(apperr.KindValidation, "malformed arguments", err)
	}
	return v, nil
}

// RegisterAll installs the built-in tool set. Registration order is
// the catalog order.
func RegisterAll(r *Registry, d Deps) error {
	type reg struct {
		name, description, schema string
		handler                   Handler
	}

	regs := []reg{
		{"session_create", "Start a new coding session from a prompt and source repository.", sessionCreateSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				cfg, err := decode[models.SessionConfig](args)
				if err != nil {
					return nil, err
				}
				return d.Sessions.Create(ctx, cfg)
			}},
		{"session_get", "Fetch one session with its latest provider state.", sessionIDSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					SessionID string `json:"sessionId"`
				}](args)
				if err != nil {
					return nil, err
				}
				return d.Sessions.Get(ctx, p.SessionID)
			}},
		{"session_list", "List sessions newest-first, optionally filtered by exact state.", sessionListSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					State string `json:"state"`
					Limit int    `json:"limit"`
				}](args)
				if err != nil {
					return nil, err
				}
				if p.Limit <= 0 {
					p.Limit = defaultListLimit
				}
				return d.Sessions.List(p.State, p.Limit), nil
			}},
		{"session_send_message", "Send a follow-up message to an active session.", sessionMessageSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					SessionID string `json:"sessionId"`
					Message   string `json:"message"`
				}](args)
				if err != nil {
					return nil, err
				}
				if err := d.Sessions.SendMessage(ctx, p.SessionID, p.Message); err != nil {
					return nil, err
				}
				return map[string]bool{"sent": true}, nil
			}},
		{"session_approve_plan", "Approve a session's plan and start execution.", sessionIDSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					SessionID string `json:"sessionId"`
				}](args)
				if err != nil {
					return nil, err
				}
				return d.Sessions.ApprovePlan(ctx, p.SessionID)
			}},
		{"session_cancel", "Cancel an active session.", sessionIDSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					SessionID string `json:"sessionId"`
				}](args)
				if err != nil {
					return nil, err
				}
				return d.Sessions.Cancel(ctx, p.SessionID)
			}},
		{"session_delete", "Delete a session record.", sessionIDSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					SessionID string `json:"sessionId"`
				}](args)
				if err != nil {
					return nil, err
				}
				if err := d.Sessions.Delete(ctx, p.SessionID); err != nil {
					return nil, err
				}
				return map[string]bool{"deleted": true}, nil
			}},
		{"session_activities", "List a session's progress activities.", sessionIDSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					SessionID string `json:"sessionId"`
				}](args)
				if err != nil {
					return nil, err
				}
				return d.Sessions.Activities(ctx, p.SessionID)
			}},
		{"session_diff", "Fetch the code diff a session has produced so far.", sessionIDSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					SessionID string `json:"sessionId"`
				}](args)
				if err != nil {
					return nil, err
				}
				patch, err := d.Sessions.Diff(ctx, p.SessionID)
				if err != nil {
					return nil, err
				}
				return map[string]string{"patch": patch}, nil
			}},
		{"session_clone", "Clone a session's config into a fresh session, with optional prompt and title overrides.", sessionCloneSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					SessionID string `json:"sessionId"`
					Prompt    string `json:"prompt"`
					Title     string `json:"title"`
				}](args)
				if err != nil {
					return nil, err
				}
				return d.Sessions.Clone(ctx, p.SessionID, p.Prompt, p.Title)
			}},
		{"session_retry", "Retry a terminal session as a new session, optionally with a revised prompt.", sessionRetrySchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					SessionID string `json:"sessionId"`
					Prompt    string `json:"prompt"`
				}](args)
				if err != nil {
					return nil, err
				}
				return d.Sessions.Retry(ctx, p.SessionID, p.Prompt)
			}},
		{"session_search_by_title", "Search sessions by title substring.", searchSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decodeSearch(args)
				if err != nil {
					return nil, err
				}
				return d.Sessions.SearchByTitle(p.Query, p.Limit), nil
			}},
		{"session_search_by_prompt", "Search sessions by prompt substring.", searchSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decodeSearch(args)
				if err != nil {
					return nil, err
				}
				return d.Sessions.SearchByPrompt(p.Query, p.Limit), nil
			}},
		{"session_search_by_state", "List sessions in an exact lifecycle state.", searchSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decodeSearch(args)
				if err != nil {
					return nil, err
				}
				return d.Sessions.SearchByState(p.Query, p.Limit), nil
			}},
		{"session_monitor_all", "Aggregate counts and ids of all sessions by state.", emptySchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				return d.Sessions.MonitorAll(), nil
			}},
		{"session_timeline", "Session activities newest-first with inter-event gaps.", sessionIDSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					SessionID string `json:"sessionId"`
				}](args)
				if err != nil {
					return nil, err
				}
				return d.Sessions.Timeline(ctx, p.SessionID)
			}},

		{"batch_create", "Create up to 8-wide parallel batches of sessions.", batchCreateSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					Sessions []models.SessionConfig `json:"sessions"`
					Parallel int                    `json:"parallel"`
				}](args)
				if err != nil {
					return nil, err
				}
				return d.Batches.CreateBatch(p.Sessions, p.Parallel)
			}},
		{"batch_status", "Fetch one batch with per-member state.", batchIDSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					BatchID string `json:"batchId"`
				}](args)
				if err != nil {
					return nil, err
				}
				return d.Batches.GetBatchStatus(p.BatchID)
			}},
		{"batch_approve_all", "Approve every member session awaiting plan approval.", batchIDSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					BatchID string `json:"batchId"`
				}](args)
				if err != nil {
					return nil, err
				}
				approved, err := d.Batches.ApproveAllInBatch(ctx, p.BatchID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"approved": approved}, nil
			}},
		{"batch_retry_failed", "Re-queue the failed members of a batch, once each.", batchIDSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					BatchID string `json:"batchId"`
				}](args)
				if err != nil {
					return nil, err
				}
				return d.Batches.RetryFailedInBatch(p.BatchID)
			}},
		{"batch_list", "List batches newest-first.", emptySchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				return d.Batches.ListBatches(), nil
			}},

		{"queue_add", "Queue a session config at a priority (lower runs first).", queueAddSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					Config   models.SessionConfig `json:"config"`
					Priority int                  `json:"priority"`
				}](args)
				if err != nil {
					return nil, err
				}
				return d.Queue.Add(p.Config, p.Priority), nil
			}},
		{"queue_next", "Peek the next pending queue item without claiming it.", emptySchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				item := d.Queue.GetNext()
				if item == nil {
					return nil, apperr.New(apperr.KindNotFound, "queue is empty")
				}
				return item, nil
			}},
		{"queue_process", "Claim the highest-priority item and create its session.", emptySchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				return d.Queue.ProcessNext(ctx, d.Sessions)
			}},
		{"queue_list", "List queue items, pending first by priority.", emptySchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				return d.Queue.List(), nil
			}},
		{"queue_stats", "Per-status queue counts.", emptySchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				return d.Queue.GetStats(), nil
			}},
		{"queue_clear", "Drop all pending queue items.", emptySchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				return map[string]int{"cleared": d.Queue.Clear()}, nil
			}},

		{"template_create", "Store a named session-config template.", templateCreateSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					Name        string               `json:"name"`
					Description string               `json:"description"`
					Config      models.SessionConfig `json:"config"`
				}](args)
				if err != nil {
					return nil, err
				}
				return d.Templates.Create(p.Name, p.Description, p.Config)
			}},
		{"template_list", "List templates sorted by name.", emptySchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				return d.Templates.List(), nil
			}},
		{"template_get", "Fetch one template by name.", templateNameSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					Name string `json:"name"`
				}](args)
				if err != nil {
					return nil, err
				}
				return d.Templates.Get(p.Name)
			}},
		{"template_delete", "Delete a template by name.", templateNameSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					Name string `json:"name"`
				}](args)
				if err != nil {
					return nil, err
				}
				if err := d.Templates.Delete(p.Name); err != nil {
					return nil, err
				}
				return map[string]bool{"deleted": true}, nil
			}},
		{"session_create_from_template", "Create a session from a stored template with optional field overrides.", templateUseSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				p, err := decode[struct {
					Name      string              `json:"name"`
					Overrides templates.Overrides `json:"overrides"`
				}](args)
				if err != nil {
					return nil, err
				}
				return d.Templates.CreateFromTemplate(ctx, d.Sessions, p.Name, p.Overrides)
			}},
	}

	if d.Tasks != nil {
		regs = append(regs,
			reg{"taskqueue_list", "List issue-triggered tasks newest-first.", emptySchema,
				func(ctx context.Context, args json.RawMessage) (any, error) {
					return d.Tasks.List(), nil
				}},
			reg{"taskqueue_stats", "Per-status counts of issue-triggered tasks.", emptySchema,
				func(ctx context.Context, args json.RawMessage) (any, error) {
					return d.Tasks.GetStats(), nil
				}},
		)
	}

	for _, t := range regs {
		if err := r.Register(t.name, t.description, t.schema, t.handler); err != nil {
			return err
		}
	}
	return nil
}

type searchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func decodeSearch(args json.RawMessage) (searchParams, error) {
	p, err := decode[searchParams](args)
	if err != nil {
		return p, err
	}
	if p.Limit <= 0 {
		p.Limit = defaultListLimit
	}
	return p, nil
}
