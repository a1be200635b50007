// Package actions implements the pipeline action executors the rule
// engine dispatches to, plus the retry runner wrapping them.
package actions

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"

	"github.com/jkaninda/kazi/internal/automation/rules"
	"github.com/jkaninda/kazi/internal/bitable"
)

// ExecInput is the event context an action executes against.
type ExecInput struct {
	EventID   string
	RuleID    string
	Source    bitable.Locator
	Fields    bitable.Fields
	Changes   []bitable.Change
	ErrorText string // set only in the error phase
}

// RenderContext converts the input into the template resolution context.
func (in ExecInput) RenderContext() rules.RenderContext {
	return rules.RenderContext{
		EventID:  in.EventID,
		AppToken: in.Source.AppToken,
		TableID:  in.Source.TableID,
		RecordID: in.Source.RecordID,
		RuleID:   in.RuleID,
		Error:    in.ErrorText,
		Fields:   in.Fields,
	}
}

// Executor runs one action type.
type Executor interface {
	Type() string
	Execute(ctx context.Context, action rules.Action, in ExecInput) error
}

// Registry maps action types to executors.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor. Panics on duplicate types: registration
// happens once at startup and a duplicate is a programming error.
func (r *Registry) Register(e Executor) {
	if _, exists := r.executors[e.Type()]; exists {
		panic(fmt.Sprintf("action executor %q registered twice", e.Type()))
	}
	r.executors[e.Type()] = e
}

// Lookup returns the executor for an action type.
func (r *Registry) Lookup(actionType string) (Executor, bool) {
	e, ok := r.executors[actionType]
	return e, ok
}

// Types lists the registered action types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Transient reports whether an action error is worth retrying.
// Upstream 5xx/429, network failures and timeouts retry; everything
// else (4xx, validation, rejected URLs) is terminal.
func Transient(err error) bool {
	var apiErr *bitable.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
