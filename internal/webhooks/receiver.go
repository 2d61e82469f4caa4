// Package webhooks verifies provider webhooks and turns deploy
// failures into auto-remediation sessions. The HMAC is computed over
// the raw request bytes captured by the gateway's body middleware.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/relay/internal/apperr"
	"github.com/coderelay/relay/internal/cache"
	"github.com/coderelay/relay/internal/observability"
	"github.com/coderelay/relay/internal/store"
	"github.com/coderelay/relay/internal/upstream"
	"github.com/coderelay/relay/pkg/models"
)

// SignatureHeader carries the hex HMAC in sha256=<hex> form.
const SignatureHeader = "X-Signature-SHA256"

// LogFetcher retrieves the build log of a failed deploy.
type LogFetcher interface {
	GetDeployLogs(ctx context.Context, serviceID, deployID string) (*upstream.DeployLogs, error)
}

// SessionCreator materializes the remediation session.
type SessionCreator interface {
	Create(ctx context.Context, cfg models.SessionConfig) (*models.Session, error)
}

// Event is the parsed webhook payload.
type Event struct {
	Event     string `json:"event"`
	ServiceID string `json:"serviceId"`
	DeployID  string `json:"deployId"`
	Service   struct {
		Name   string `json:"name"`
		Source string `json:"source"`
		Branch string `json:"branch"`
	} `json:"service"`
}

// Config tunes the receiver.
type Config struct {
	Secret            string
	MonitoredServices []string
	AutoFixEnabled    bool
	DedupRetention    time.Duration
	MaxErrorLines     int
}

// Result reports what a webhook produced.
type Result struct {
	Accepted  bool   `json:"accepted"`
	Skipped   string `json:"skipped,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	EventID   string `json:"eventId"`
}

// Receiver processes provider webhooks.
type Receiver struct {
	cfg       Config
	logs      LogFetcher
	creator   SessionCreator
	dedupe    *cache.DedupeMap
	events    store.WebhookEventStore
	instances store.WorkflowInstanceStore
	actions   store.ActionLogStore
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string
}

// NewReceiver creates a webhook receiver.
func NewReceiver(cfg Config, logs LogFetcher, creator SessionCreator, set store.Set, logger *observability.Logger, metrics *observability.Metrics) *Receiver {
	if cfg.MaxErrorLines <= 0 {
		cfg.MaxErrorLines = 10
	}
	if cfg.DedupRetention <= 0 {
		cfg.DedupRetention = 24 * time.Hour
	}
	return &Receiver{
		cfg:       cfg,
		logs:      logs,
		creator:   creator,
		dedupe:    cache.NewDedupeMap(cfg.DedupRetention, 1000),
		events:    set.WebhookEvents,
		instances: set.WorkflowInstances,
		actions:   set.ActionLog,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Dedupe exposes the dedup map for the janitor's reaper.
func (r *Receiver) Dedupe() *cache.DedupeMap {
	return r.dedupe
}

// Verify checks the signature header against the raw body. With no
// secret configured verification is skipped and a warning logged
// (development mode).
func (r *Receiver) Verify(ctx context.Context, rawBody []byte, header string) error {
	if r.cfg.Secret == "" {
		r.logger.Warn(ctx, "webhook secret not configured, skipping signature verification")
		return nil
	}
	if header == "" {
		return apperr.New(apperr.KindUnauthorized, "missing webhook signature")
	}
	sig := strings.TrimPrefix(header, "sha256=")
	want, err := hex.DecodeString(sig)
	if err != nil {
		return apperr.New(apperr.KindUnauthorized, "malformed webhook signature")
	}

	mac := hmac.New(sha256.New, []byte(r.cfg.Secret))
	mac.Write(rawBody)
	if !hmac.Equal(mac.Sum(nil), want) {
		return apperr.New(apperr.KindUnauthorized, "webhook signature mismatch")
	}
	return nil
}

// Sign computes the header value for a body. Used by tests and by
// outbound delivery tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Process verifies, filters, deduplicates, and remediates one webhook.
func (r *Receiver) Process(ctx context.Context, provider string, rawBody []byte, signature string) (*Result, error) {
	if err := r.Verify(ctx, rawBody, signature); err != nil {
		r.countWebhook(provider, "unauthorized")
		return nil, err
	}

	var event Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		r.countWebhook(provider, "malformed")
		return nil, apperr.Wrap(apperr.KindUnprocessable, "unparseable webhook payload", err)
	}

	record := &models.WebhookEvent{
		ID:        r.newID(),
		Source:    provider,
		EventType: event.Event,
		Payload:   json.RawMessage(rawBody),
		CreatedAt: r.now().UTC(),
	}
	if err := r.events.Append(ctx, record); err != nil {
		r.logger.Error(ctx, "webhook event write failed", "error", err)
	}
	result := &Result{EventID: record.ID}

	if skip := r.filter(event); skip != "" {
		r.countWebhook(provider, "skipped")
		result.Skipped = skip
		return result, nil
	}

	dedupeKey := event.ServiceID + ":" + event.DeployID
	if existing, ok := r.dedupe.Claim(dedupeKey, record.ID); !ok {
		r.countWebhook(provider, "duplicate")
		r.logger.Info(ctx, "duplicate deploy failure suppressed",
			"service_id", event.ServiceID, "deploy_id", event.DeployID, "first_event", existing)
		result.Skipped = "duplicate"
		return result, nil
	}

	sessionID, err := r.remediate(ctx, record.ID, event)
	if err != nil {
		// Give the claim back so a redelivery can retry the fix.
		r.dedupe.Release(dedupeKey, record.ID)
		r.countWebhook(provider, "error")
		return nil, err
	}

	r.countWebhook(provider, "remediated")
	result.Accepted = true
	result.SessionID = sessionID
	return result, nil
}

// filter returns a skip reason, or empty to proceed.
func (r *Receiver) filter(event Event) string {
	if event.Event != "deploy_failed" {
		return "event type not handled"
	}
	if !r.cfg.AutoFixEnabled {
		return "auto-fix disabled"
	}
	if event.ServiceID == "" || event.DeployID == "" {
		return "missing service or deploy id"
	}
	for _, id := range r.cfg.MonitoredServices {
		if id == event.ServiceID {
			return ""
		}
	}
	return "service not monitored"
}

// remediate fetches the failing deploy's log, extracts the top error
// lines, and creates a session to fix them. The workflow instance and
// action log record the attempt for audit.
func (r *Receiver) remediate(ctx context.Context, eventID string, event Event) (string, error) {
	started := r.now()

	inst := &models.WorkflowInstance{
		ID:         r.newID(),
		TemplateID: "auto-remediation",
		Status:     models.WorkflowRunning,
		CreatedAt:  started.UTC(),
		UpdatedAt:  started.UTC(),
	}
	if err := r.instances.Create(ctx, inst); err != nil {
		r.logger.Error(ctx, "workflow instance write failed", "error", err)
	}

	var errorLines []string
	if logs, err := r.logs.GetDeployLogs(ctx, event.ServiceID, event.DeployID); err != nil {
		r.logger.Warn(ctx, "deploy log fetch failed, remediating without log context",
			"service_id", event.ServiceID, "deploy_id", event.DeployID, "error", err)
	} else {
		errorLines = ExtractErrors(logs.Lines, r.cfg.MaxErrorLines)
	}

	cfg := models.SessionConfig{
		Prompt: remediationPrompt(event, errorLines),
		Source: event.Service.Source,
		Branch: event.Service.Branch,
		Title:  fmt.Sprintf("Fix failed deploy %s of %s", event.DeployID, event.ServiceID),
	}

	sess, err := r.creator.Create(ctx, cfg)
	r.appendAction(ctx, inst.ID, event, cfg, sess, err, time.Since(started))

	if err != nil {
		r.finishInstance(ctx, inst, models.WorkflowFailed, err.Error())
		return "", err
	}
	if merr := r.events.MarkProcessed(ctx, eventID, inst.ID); merr != nil {
		r.logger.Error(ctx, "webhook event update failed", "error", merr)
	}
	r.finishInstance(ctx, inst, models.WorkflowExecuting, "")
	r.logger.Info(ctx, "auto-remediation session created",
		"service_id", event.ServiceID, "deploy_id", event.DeployID, "session_id", sess.ID)
	return sess.ID, nil
}

func (r *Receiver) finishInstance(ctx context.Context, inst *models.WorkflowInstance, status models.WorkflowStatus, errMsg string) {
	inst.Status = status
	inst.Error = errMsg
	if status == models.WorkflowFailed {
		now := r.now().UTC()
		inst.CompletedAt = &now
	}
	if err := r.instances.Update(ctx, inst); err != nil {
		r.logger.Error(ctx, "workflow instance update failed", "error", err)
	}
}

func (r *Receiver) appendAction(ctx context.Context, instanceID string, event Event, cfg models.SessionConfig, sess *models.Session, createErr error, took time.Duration) {
	entry := &models.ActionLogEntry{
		ID:               r.newID(),
		WorkflowInstance: instanceID,
		ActionType:       "create_remediation_session",
		Success:          createErr == nil,
		DurationMs:       took.Milliseconds(),
		Timestamp:        r.now().UTC(),
	}
	if raw, err := json.Marshal(map[string]string{
		"serviceId": event.ServiceID,
		"deployId":  event.DeployID,
		"source":    cfg.Source,
		"branch":    cfg.Branch,
	}); err == nil {
		entry.Config = raw
	}
	if createErr != nil {
		entry.Error = createErr.Error()
	} else if raw, err := json.Marshal(map[string]string{"sessionId": sess.ID}); err == nil {
		entry.Result = raw
	}
	if err := r.actions.Append(ctx, entry); err != nil {
		r.logger.Error(ctx, "action log write failed", "error", err)
	}
}

func (r *Receiver) countWebhook(provider, outcome string) {
	if r.metrics != nil {
		r.metrics.WebhookCounter.WithLabelValues(provider, outcome).Inc()
	}
}

// errorMarkers are the fixed patterns used to pick failure lines out
// of a build log.
var errorMarkers = []string{
	"error:",
	"error ",
	"fatal:",
	"failed",
	"exception",
	"panic:",
	"exit code",
	"npm err!",
	"traceback",
}

// ExtractErrors returns up to max lines that look like failures,
// preserving log order.
func ExtractErrors(lines []string, max int) []string {
	if max <= 0 {
		max = 10
	}
	var out []string
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, marker := range errorMarkers {
			if strings.Contains(lower, marker) {
				out = append(out, strings.TrimSpace(line))
				break
			}
		}
		if len(out) >= max {
			break
		}
	}
	return out
}

// remediationPrompt embeds the extracted error summary for the fix
// session.
func remediationPrompt(event Event, errorLines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The deploy %s of service %s (%s) failed. ", event.DeployID, event.ServiceID, event.Service.Name)
	b.WriteString("Investigate the failure and fix the underlying cause.")
	if len(errorLines) > 0 {
		b.WriteString("\n\nTop errors from the build log:\n")
		for _, line := range errorLines {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}
