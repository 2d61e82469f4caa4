// Package templates stores named session-config blueprints. A template
// pre-fills session creation; overrides merge on top of the stored
// config at use time.
package templates

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coderelay/relay/internal/apperr"
	"github.com/coderelay/relay/pkg/models"
)

const (
	maxNameLen = 100
	// maxTemplates caps the registry size.
	maxTemplates = 100
)

// Creator materializes a merged config into a session.
type Creator interface {
	Create(ctx context.Context, cfg models.SessionConfig) (*models.Session, error)
}

// Overrides selectively replace fields of a stored template config.
type Overrides struct {
	Prompt          string                `json:"prompt,omitempty"`
	Source          string                `json:"source,omitempty"`
	Branch          string                `json:"branch,omitempty"`
	Title           string                `json:"title,omitempty"`
	AutomationMode  models.AutomationMode `json:"automationMode,omitempty"`
	RequireApproval *bool                 `json:"requirePlanApproval,omitempty"`
}

// Registry is the in-process template store.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*models.Template
	cap    int
	now    func() time.Time
}

// NewRegistry creates a registry. cap defaults to 100.
func NewRegistry(cap int) *Registry {
	if cap <= 0 {
		cap = maxTemplates
	}
	return &Registry{
		byName: map[string]*models.Template{},
		cap:    cap,
		now:    time.Now,
	}
}

// Create stores a new template. Fails on duplicate name, overlong
// name, or a full registry.
func (r *Registry) Create(name, description string, cfg models.SessionConfig) (*models.Template, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("template name is required",
			apperr.Issue{Field: "name", Message: "must not be empty"})
	}
	if len(name) > maxNameLen {
		return nil, apperr.Validation("template name too long",
			apperr.Issue{Field: "name", Message: "must be at most 100 characters"})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return nil, apperr.Newf(apperr.KindConflict, "template %q already exists", name)
	}
	if len(r.byName) >= r.cap {
		return nil, apperr.Newf(apperr.KindConflict, "template registry is full (%d)", r.cap)
	}

	tpl := &models.Template{
		Name:        name,
		Description: description,
		Config:      cfg,
		CreatedAt:   r.now().UTC(),
	}
	r.byName[name] = tpl
	cp := *tpl
	return &cp, nil
}

// Get returns a snapshot of one template.
func (r *Registry) Get(name string) (*models.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.byName[name]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "template %q not found", name)
	}
	cp := *tpl
	return &cp, nil
}

// List returns all templates sorted by name.
func (r *Registry) List() []*models.Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Template, 0, len(r.byName))
	for _, tpl := range r.byName {
		cp := *tpl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes a template by name.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return apperr.Newf(apperr.KindNotFound, "template %q not found", name)
	}
	delete(r.byName, name)
	return nil
}

// CreateFromTemplate merges overrides over the stored config and
// delegates to the session creator. Usage is counted per template.
func (r *Registry) CreateFromTemplate(ctx context.Context, creator Creator, name string, ov Overrides) (*models.Session, error) {
	r.mu.Lock()
	tpl, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return nil, apperr.Newf(apperr.KindNotFound, "template %q not found", name)
	}
	cfg := tpl.Config
	r.mu.Unlock()

	if ov.Prompt != "" {
		cfg.Prompt = ov.Prompt
	}
	if ov.Source != "" {
		cfg.Source = ov.Source
	}
	if ov.Branch != "" {
		cfg.Branch = ov.Branch
	}
	if ov.Title != "" {
		cfg.Title = ov.Title
	}
	if ov.AutomationMode != "" {
		cfg.AutomationMode = ov.AutomationMode
	}
	if ov.RequireApproval != nil {
		cfg.RequirePlanApproval = *ov.RequireApproval
	}

	sess, err := creator.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if tpl, ok := r.byName[name]; ok {
		tpl.UsageCount++
	}
	r.mu.Unlock()
	return sess, nil
}

// Len reports the number of stored templates.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
