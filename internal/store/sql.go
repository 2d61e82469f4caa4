package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/coderelay/relay/pkg/models"
)

// SQLConfig tunes the relational profile.
type SQLConfig struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns connection-pool defaults.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnectTimeout:  5 * time.Second,
	}
}

// NewSQLSet opens the relational profile. A postgres:// URL selects
// lib/pq; anything else is treated as a SQLite path.
func NewSQLSet(url string, cfg SQLConfig) (Set, error) {
	if strings.TrimSpace(url) == "" {
		return Set{}, fmt.Errorf("database url is required")
	}

	driver, profile := "sqlite", "sqlite"
	dsn := strings.TrimPrefix(url, "sqlite://")
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		driver, profile, dsn = "postgres", "postgres", url
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return Set{}, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return Set{}, fmt.Errorf("ping database: %w", err)
	}

	s := &sqlBackend{db: db, postgres: driver == "postgres"}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return Set{}, err
	}

	return Set{
		WorkflowTemplates: &sqlTemplateStore{s},
		WorkflowInstances: &sqlInstanceStore{s},
		Sessions:          &sqlSessionStore{s},
		ActionLog:         &sqlActionLog{s},
		Approvals:         &sqlApprovalStore{s},
		WebhookEvents:     &sqlWebhookStore{s},
		profile:           profile,
		ping:              db.PingContext,
		closer:            db.Close,
	}, nil
}

// NewSQLSetFromDB wraps an existing database handle. Used by tests
// with sqlmock.
func NewSQLSetFromDB(db *sql.DB, postgres bool) Set {
	s := &sqlBackend{db: db, postgres: postgres}
	profile := "sqlite"
	if postgres {
		profile = "postgres"
	}
	return Set{
		WorkflowTemplates: &sqlTemplateStore{s},
		WorkflowInstances: &sqlInstanceStore{s},
		Sessions:          &sqlSessionStore{s},
		ActionLog:         &sqlActionLog{s},
		Approvals:         &sqlApprovalStore{s},
		WebhookEvents:     &sqlWebhookStore{s},
		profile:           profile,
		ping:              db.PingContext,
		closer:            db.Close,
	}
}

type sqlBackend struct {
	db       *sql.DB
	postgres bool
}

// rebind rewrites ? placeholders to $N for postgres. Queries are
// written with ? so one statement set serves both dialects.
func (s *sqlBackend) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlBackend) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlBackend) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlBackend) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

const (
	workflowStatuses = "('pending','running','awaiting_approval','executing','completed','failed','cancelled')"
	sessionStatuses  = "('pending','planning','awaiting_approval','executing','completed','failed','cancelled')"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		definition TEXT NOT NULL DEFAULT '{}',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_instances (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ` + workflowStatuses + `),
		context TEXT,
		error TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		config TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ` + sessionStatuses + `),
		plan TEXT,
		result TEXT,
		pr_url TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS activities (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (session_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS action_log (
		id TEXT PRIMARY KEY,
		workflow_instance TEXT NOT NULL,
		action_type TEXT NOT NULL,
		config TEXT,
		result TEXT,
		success BOOLEAN NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS approval_queue (
		id TEXT PRIMARY KEY,
		workflow_instance TEXT NOT NULL,
		plan_summary TEXT NOT NULL DEFAULT '',
		estimated_files INTEGER NOT NULL DEFAULT 0,
		risk_level TEXT NOT NULL DEFAULT '',
		requested_at TIMESTAMP NOT NULL,
		approved_by TEXT,
		approved_at TIMESTAMP,
		decision TEXT CHECK (decision IS NULL OR decision IN ('approved','rejected')),
		notes TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		workflow_instance TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
}

func (s *sqlBackend) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique")
}

type sqlTemplateStore struct{ b *sqlBackend }

func (s *sqlTemplateStore) Create(ctx context.Context, t *models.WorkflowTemplate) error {
	_, err := s.b.exec(ctx,
		`INSERT INTO workflow_templates (id, name, description, definition, enabled, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Description, string(t.Definition), t.Enabled, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create workflow template: %w", err)
	}
	return nil
}

func (s *sqlTemplateStore) Get(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	return s.scanOne(s.b.queryRow(ctx,
		`SELECT id, name, description, definition, enabled, created_at, updated_at
		 FROM workflow_templates WHERE id = ?`, id))
}

func (s *sqlTemplateStore) GetByName(ctx context.Context, name string) (*models.WorkflowTemplate, error) {
	return s.scanOne(s.b.queryRow(ctx,
		`SELECT id, name, description, definition, enabled, created_at, updated_at
		 FROM workflow_templates WHERE name = ?`, name))
}

func (s *sqlTemplateStore) scanOne(row *sql.Row) (*models.WorkflowTemplate, error) {
	var t models.WorkflowTemplate
	var definition string
	err := row.Scan(&t.ID, &t.Name, &t.Description, &definition, &t.Enabled, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow template: %w", err)
	}
	t.Definition = json.RawMessage(definition)
	return &t, nil
}

func (s *sqlTemplateStore) List(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	rows, err := s.b.query(ctx,
		`SELECT id, name, description, definition, enabled, created_at, updated_at
		 FROM workflow_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workflow templates: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowTemplate
	for rows.Next() {
		var t models.WorkflowTemplate
		var definition string
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &definition, &t.Enabled, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Definition = json.RawMessage(definition)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *sqlTemplateStore) Update(ctx context.Context, t *models.WorkflowTemplate) error {
	t.UpdatedAt = monotonicNow(t.UpdatedAt)
	res, err := s.b.exec(ctx,
		`UPDATE workflow_templates SET name = ?, description = ?, definition = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		t.Name, t.Description, string(t.Definition), t.Enabled, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update workflow template: %w", err)
	}
	return requireRow(res)
}

func (s *sqlTemplateStore) Delete(ctx context.Context, id string) error {
	res, err := s.b.exec(ctx, `DELETE FROM workflow_templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow template: %w", err)
	}
	return requireRow(res)
}

type sqlInstanceStore struct{ b *sqlBackend }

func (s *sqlInstanceStore) Create(ctx context.Context, inst *models.WorkflowInstance) error {
	if !inst.Status.Valid() {
		return ErrInvalidStatus
	}
	_, err := s.b.exec(ctx,
		`INSERT INTO workflow_instances (id, template_id, status, context, error, retry_count, started_at, completed_at, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		inst.ID, inst.TemplateID, string(inst.Status), nullableJSON(inst.Context), inst.Error,
		inst.RetryCount, inst.StartedAt, inst.CompletedAt, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create workflow instance: %w", err)
	}
	return nil
}

func (s *sqlInstanceStore) Get(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	row := s.b.queryRow(ctx,
		`SELECT id, template_id, status, context, error, retry_count, started_at, completed_at, created_at, updated_at
		 FROM workflow_instances WHERE id = ?`, id)
	return scanInstance(row.Scan)
}

func (s *sqlInstanceStore) List(ctx context.Context, limit int) ([]*models.WorkflowInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.b.query(ctx,
		`SELECT id, template_id, status, context, error, retry_count, started_at, completed_at, created_at, updated_at
		 FROM workflow_instances ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflow instances: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *sqlInstanceStore) Update(ctx context.Context, inst *models.WorkflowInstance) error {
	if !inst.Status.Valid() {
		return ErrInvalidStatus
	}
	inst.UpdatedAt = monotonicNow(inst.UpdatedAt)
	res, err := s.b.exec(ctx,
		`UPDATE workflow_instances SET status = ?, context = ?, error = ?, retry_count = ?, started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(inst.Status), nullableJSON(inst.Context), inst.Error, inst.RetryCount,
		inst.StartedAt, inst.CompletedAt, inst.UpdatedAt, inst.ID)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	return requireRow(res)
}

func scanInstance(scan func(...any) error) (*models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	var status string
	var contextJSON sql.NullString
	err := scan(&inst.ID, &inst.TemplateID, &status, &contextJSON, &inst.Error,
		&inst.RetryCount, &inst.StartedAt, &inst.CompletedAt, &inst.CreatedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow instance: %w", err)
	}
	inst.Status = models.WorkflowStatus(status)
	if contextJSON.Valid {
		inst.Context = json.RawMessage(contextJSON.String)
	}
	return &inst, nil
}

type sqlSessionStore struct{ b *sqlBackend }

func (s *sqlSessionStore) Save(ctx context.Context, sess *models.Session) error {
	if !sess.Status.Valid() {
		return ErrInvalidStatus
	}
	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}
	sess.UpdatedAt = monotonicNow(sess.UpdatedAt)

	res, err := s.b.exec(ctx,
		`UPDATE sessions SET config = ?, status = ?, plan = ?, result = ?, pr_url = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		string(cfg), string(sess.Status), nullableJSON(sess.Plan), nullableJSON(sess.Result),
		sess.PRURL, sess.Error, sess.UpdatedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.b.exec(ctx,
		`INSERT INTO sessions (id, config, status, plan, result, pr_url, error, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		sess.ID, string(cfg), string(sess.Status), nullableJSON(sess.Plan), nullableJSON(sess.Result),
		sess.PRURL, sess.Error, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *sqlSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.b.queryRow(ctx,
		`SELECT id, config, status, plan, result, pr_url, error, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row.Scan)
}

func (s *sqlSessionStore) List(ctx context.Context, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.b.query(ctx,
		`SELECT id, config, status, plan, result, pr_url, error, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqlSessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.b.exec(ctx, `DELETE FROM activities WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete activities: %w", err)
	}
	res, err := s.b.exec(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(res)
}

func (s *sqlSessionStore) AppendActivity(ctx context.Context, sessionID string, a models.Activity) error {
	_, err := s.b.exec(ctx,
		`INSERT INTO activities (session_id, seq, timestamp, type, content)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM activities WHERE session_id = ?), ?, ?, ?)`,
		sessionID, sessionID, a.Timestamp, a.Type, a.Content)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

func (s *sqlSessionStore) ListActivities(ctx context.Context, sessionID string) ([]models.Activity, error) {
	rows, err := s.b.query(ctx,
		`SELECT timestamp, type, content FROM activities WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.Timestamp, &a.Type, &a.Content); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanSession(scan func(...any) error) (*models.Session, error) {
	var sess models.Session
	var cfg, status string
	var plan, result sql.NullString
	err := scan(&sess.ID, &cfg, &status, &plan, &result, &sess.PRURL, &sess.Error, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &sess.Config); err != nil {
		return nil, fmt.Errorf("unmarshal session config: %w", err)
	}
	sess.Status = models.SessionStatus(status)
	if plan.Valid {
		sess.Plan = json.RawMessage(plan.String)
	}
	if result.Valid {
		sess.Result = json.RawMessage(result.String)
	}
	return &sess, nil
}

type sqlActionLog struct{ b *sqlBackend }

func (s *sqlActionLog) Append(ctx context.Context, e *models.ActionLogEntry) error {
	_, err := s.b.exec(ctx,
		`INSERT INTO action_log (id, workflow_instance, action_type, config, result, success, error, duration_ms, timestamp)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.WorkflowInstance, e.ActionType, nullableJSON(e.Config), nullableJSON(e.Result),
		e.Success, e.Error, e.DurationMs, e.Timestamp)
	if err != nil {
		return fmt.Errorf("append action log: %w", err)
	}
	return nil
}

func (s *sqlActionLog) ListByInstance(ctx context.Context, instanceID string) ([]*models.ActionLogEntry, error) {
	rows, err := s.b.query(ctx,
		`SELECT id, workflow_instance, action_type, config, result, success, error, duration_ms, timestamp
		 FROM action_log WHERE workflow_instance = ? ORDER BY timestamp`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list action log: %w", err)
	}
	defer rows.Close()

	var out []*models.ActionLogEntry
	for rows.Next() {
		var e models.ActionLogEntry
		var cfg, result sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowInstance, &e.ActionType, &cfg, &result,
			&e.Success, &e.Error, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, err
		}
		if cfg.Valid {
			e.Config = json.RawMessage(cfg.String)
		}
		if result.Valid {
			e.Result = json.RawMessage(result.String)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

type sqlApprovalStore struct{ b *sqlBackend }

func (s *sqlApprovalStore) Create(ctx context.Context, a *models.ApprovalEntry) error {
	_, err := s.b.exec(ctx,
		`INSERT INTO approval_queue (id, workflow_instance, plan_summary, estimated_files, risk_level, requested_at, notes)
		 VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.WorkflowInstance, a.PlanSummary, a.EstimatedFiles, a.RiskLevel, a.RequestedAt, a.Notes)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

func (s *sqlApprovalStore) Decide(ctx context.Context, id string, decision models.ApprovalDecision, approvedBy, notes string) error {
	if decision != models.ApprovalApproved && decision != models.ApprovalRejected {
		return ErrInvalidStatus
	}
	res, err := s.b.exec(ctx,
		`UPDATE approval_queue SET decision = ?, approved_by = ?, approved_at = ?, notes = ?
		 WHERE id = ? AND decision IS NULL`,
		string(decision), approvedBy, time.Now().UTC(), notes, id)
	if err != nil {
		return fmt.Errorf("decide approval: %w", err)
	}
	return requireRow(res)
}

func (s *sqlApprovalStore) ListPending(ctx context.Context) ([]*models.ApprovalEntry, error) {
	rows, err := s.b.query(ctx,
		`SELECT id, workflow_instance, plan_summary, estimated_files, risk_level, requested_at, approved_by, approved_at, decision, notes
		 FROM approval_queue WHERE decision IS NULL ORDER BY requested_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.ApprovalEntry
	for rows.Next() {
		var a models.ApprovalEntry
		var approvedBy, decision, notes sql.NullString
		if err := rows.Scan(&a.ID, &a.WorkflowInstance, &a.PlanSummary, &a.EstimatedFiles,
			&a.RiskLevel, &a.RequestedAt, &approvedBy, &a.ApprovedAt, &decision, &notes); err != nil {
			return nil, err
		}
		a.ApprovedBy = approvedBy.String
		a.Decision = models.ApprovalDecision(decision.String)
		a.Notes = notes.String
		out = append(out, &a)
	}
	return out, rows.Err()
}

type sqlWebhookStore struct{ b *sqlBackend }

func (s *sqlWebhookStore) Append(ctx context.Context, e *models.WebhookEvent) error {
	_, err := s.b.exec(ctx,
		`INSERT INTO webhook_events (id, source, event_type, payload, processed, workflow_instance, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.Source, e.EventType, string(e.Payload), e.Processed, e.WorkflowInstance, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append webhook event: %w", err)
	}
	return nil
}

func (s *sqlWebhookStore) MarkProcessed(ctx context.Context, id, workflowInstance string) error {
	res, err := s.b.exec(ctx,
		`UPDATE webhook_events SET processed = TRUE, workflow_instance = ? WHERE id = ?`,
		workflowInstance, id)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	return requireRow(res)
}

func (s *sqlWebhookStore) ListRecent(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.b.query(ctx,
		`SELECT id, source, event_type, payload, processed, workflow_instance, created_at
		 FROM webhook_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookEvent
	for rows.Next() {
		var e models.WebhookEvent
		var payload string
		var instance sql.NullString
		if err := rows.Scan(&e.ID, &e.Source, &e.EventType, &payload, &e.Processed, &instance, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.WorkflowInstance = instance.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
