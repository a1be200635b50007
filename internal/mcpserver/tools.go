// Package mcpserver exposes the bitable and doc tools over a fixed
// HTTP contract and over MCP stdio. Every tool call returns the same
// envelope: {success, data, error{code, message, detail}}.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jkaninda/kazi/internal/bitable"
)

// Stable error codes of the tool surface.
const (
	CodeToolFailed = "MCP_001" // upstream call or parameter validation failed
	CodeNotFound   = "MCP_002" // requested resource does not exist
	CodePermission = "MCP_003" // authorization or permission denied
)

// ToolError is a classified tool failure. Message is safe for the
// caller; Detail carries diagnostics.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// InvalidParams builds a parameter-validation failure.
func InvalidParams(format string, args ...any) *ToolError {
	return &ToolError{Code: CodeToolFailed, Message: fmt.Sprintf(format, args...)}
}

// Classify maps an arbitrary execution error onto the envelope codes.
func Classify(err error) *ToolError {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr
	}
	var apiErr *bitable.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsNotFound():
			return &ToolError{Code: CodeNotFound, Message: "resource not found", Detail: apiErr.Message}
		case apiErr.Status == 401 || apiErr.Status == 403:
			return &ToolError{Code: CodePermission, Message: "permission denied", Detail: apiErr.Message}
		default:
			return &ToolError{
				Code:    CodeToolFailed,
				Message: "upstream call failed",
				Detail:  fmt.Sprintf("status=%d code=%d %s", apiErr.Status, apiErr.Code, apiErr.Message),
			}
		}
	}
	return &ToolError{Code: CodeToolFailed, Message: "tool execution failed", Detail: err.Error()}
}

// Tool is one callable unit of the server.
type Tool interface {
	// Name returns the versioned tool identifier (e.g. "feishu.v1.bitable.search").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object for the parameters.
	InputSchema() map[string]any

	// Execute runs the tool. The returned value becomes the envelope's
	// data field.
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// --- param helpers ---

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func requireString(params map[string]any, key string) (string, error) {
	v := stringParam(params, key)
	if v == "" {
		return "", InvalidParams("%s is required", key)
	}
	return v, nil
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func int64Param(params map[string]any, key string) (int64, bool) {
	switch v := params[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func stringListParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
