package sessions

import (
	"strings"

	"github.com/coderelay/relay/internal/apperr"
	"github.com/coderelay/relay/pkg/models"
)

const (
	minPromptLen    = 10
	maxPromptLen    = 10000
	maxBranchLen    = 100
	maxTitleLen     = 200
	maxComponentLen = 100
)

// ValidateConfig checks a session config and normalizes defaults in
// place. An empty automation mode defaults to AUTO_CREATE_PR.
func ValidateConfig(cfg *models.SessionConfig) error {
	var issues []apperr.Issue

	if n := len(cfg.Prompt); n < minPromptLen || n > maxPromptLen {
		issues = append(issues, apperr.Issue{
			Field:   "prompt",
			Message: "length must be between 10 and 10000 characters",
		})
	}
	if err := validateSource(cfg.Source); err != "" {
		issues = append(issues, apperr.Issue{Field: "source", Message: err})
	}
	if len(cfg.Branch) > maxBranchLen {
		issues = append(issues, apperr.Issue{Field: "branch", Message: "must be at most 100 characters"})
	}
	if len(cfg.Title) > maxTitleLen {
		issues = append(issues, apperr.Issue{Field: "title", Message: "must be at most 200 characters"})
	}

	switch cfg.AutomationMode {
	case "":
		cfg.AutomationMode = models.AutomationAutoCreatePR
	case models.AutomationAutoCreatePR, models.AutomationNone:
	default:
		issues = append(issues, apperr.Issue{
			Field:   "automationMode",
			Message: "must be AUTO_CREATE_PR or NONE",
		})
	}

	if len(issues) > 0 {
		return apperr.Validation("invalid session config", issues...)
	}
	return nil
}

// validateSource enforces the sources/<provider>/<owner>/<repo> shape.
// Returns an empty string when valid.
func validateSource(source string) string {
	parts := strings.Split(source, "/")
	if len(parts) != 4 || parts[0] != "sources" {
		return "must match sources/<provider>/<owner>/<repo>"
	}
	for _, p := range parts[1:] {
		if p == "" {
			return "path components must not be empty"
		}
		if len(p) > maxComponentLen {
			return "path components must be at most 100 characters"
		}
		if strings.Contains(p, "..") {
			return "path components must not contain '..'"
		}
	}
	return ""
}
