// Package validate checks tool names and tool arguments before
// dispatch. Argument schemas are JSON Schema documents compiled once
// at registration; validation failures surface as structured issues
// rather than opaque strings.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/coderelay/relay/internal/apperr"
)

// toolNamePattern is the only accepted shape for tool identifiers.
var toolNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ToolName rejects identifiers that could not be valid tool names.
func ToolName(name string) error {
	if name == "" {
		return apperr.Validation("tool name is required",
			apperr.Issue{Field: "name", Message: "must not be empty"})
	}
	if !toolNamePattern.MatchString(name) {
		return apperr.Validation("invalid tool name",
			apperr.Issue{Field: "name", Message: "must match ^[A-Za-z_][A-Za-z0-9_]*$"})
	}
	return nil
}

// Schemas holds compiled argument schemas keyed by tool name.
type Schemas struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
	raw      map[string]json.RawMessage
}

// NewSchemas creates an empty schema registry.
func NewSchemas() *Schemas {
	return &Schemas{
		compiled: map[string]*jsonschema.Schema{},
		raw:      map[string]json.RawMessage{},
	}
}

// Register compiles and stores the argument schema for a tool.
// Registration fails fast on malformed schemas so a bad tool never
// reaches the catalog.
func (s *Schemas) Register(tool string, schema string) error {
	if err := ToolName(tool); err != nil {
		return err
	}
	compiled, err := jsonschema.CompileString(tool+".schema.json", schema)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", tool, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compiled[tool] = compiled
	s.raw[tool] = json.RawMessage(schema)
	return nil
}

// Raw returns the registered schema document for catalog listings.
func (s *Schemas) Raw(tool string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.raw[tool]
	return raw, ok
}

// Arguments validates the raw argument payload for a tool. A missing
// payload is treated as an empty object so tools with no required
// fields accept bare invocations.
func (s *Schemas) Arguments(tool string, args json.RawMessage) error {
	s.mu.RLock()
	schema := s.compiled[tool]
	s.mu.RUnlock()
	if schema == nil {
		return nil
	}

	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return apperr.Validation("arguments are not valid JSON",
			apperr.Issue{Field: "arguments", Message: err.Error()})
	}

	if err := schema.Validate(decoded); err != nil {
		return apperr.Validation("invalid arguments for "+tool, flatten(err)...)
	}
	return nil
}

// flatten walks the validation error tree into one issue per leaf
// cause, fields sorted for deterministic output.
func flatten(err error) []apperr.Issue {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []apperr.Issue{{Message: err.Error()}}
	}
	var issues []apperr.Issue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			issues = append(issues, apperr.Issue{
				Field:   instanceField(e.InstanceLocation),
				Message: e.Message,
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Field != issues[j].Field {
			return issues[i].Field < issues[j].Field
		}
		return issues[i].Message < issues[j].Message
	})
	return issues
}

// instanceField converts a JSON pointer like "/config/prompt" to a
// dotted field path.
func instanceField(ptr string) string {
	trimmed := strings.TrimPrefix(ptr, "/")
	if trimmed == "" {
		return ""
	}
	return strings.ReplaceAll(trimmed, "/", ".")
}
