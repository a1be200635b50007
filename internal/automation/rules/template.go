package rules

import (
	"regexp"
	"sort"
	"strings"

	"github.com/jkaninda/kazi/internal/bitable"
)

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// Reserved placeholder names resolved from the event envelope rather
// than from record fields.
var envelopeKeys = map[string]bool{
	"event_id":  true,
	"app_token": true,
	"table_id":  true,
	"record_id": true,
	"error":     true,
	"rule_id":   true,
}

// RenderContext carries everything a template placeholder can resolve.
type RenderContext struct {
	EventID  string
	AppToken string
	TableID  string
	RecordID string
	RuleID   string
	Error    string
	Fields   bitable.Fields
}

// Render substitutes {placeholder} occurrences. Unresolvable
// placeholders render as the empty string.
func Render(template string, ctx RenderContext) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := strings.TrimSpace(m[1 : len(m)-1])
		switch name {
		case "event_id":
			return ctx.EventID
		case "app_token":
			return ctx.AppToken
		case "table_id":
			return ctx.TableID
		case "record_id":
			return ctx.RecordID
		case "rule_id":
			return ctx.RuleID
		case "error":
			return ctx.Error
		}
		if v, ok := ctx.Fields[name]; ok {
			return v.String()
		}
		return ""
	})
}

// Placeholders extracts the field names a template reads, skipping
// envelope keys.
func Placeholders(template string) []string {
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" || envelopeKeys[name] {
			continue
		}
		out = append(out, name)
	}
	return out
}

// WatchPlan is the field set the processor fetches for a table. A full
// plan means every field (some rule needs the whole record).
type WatchPlan struct {
	Full   bool
	Fields []string
}

// PlanForTable computes the union of fields the given rules can read:
// trigger fields, template placeholders, and calendar date fields.
// Any any_field_changed predicate forces a full fetch.
func PlanForTable(tableRules []Rule) WatchPlan {
	set := make(map[string]bool)
	for i := range tableRules {
		rule := &tableRules[i]
		if rule.UsesAnyFieldChanged() {
			return WatchPlan{Full: true}
		}
		for _, f := range rule.TriggerFields() {
			set[f] = true
		}
		collectActionFields(rule.Pipeline, set)
		collectActionFields(rule.SuccessActions, set)
		collectActionFields(rule.ErrorActions, set)
	}

	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return WatchPlan{Fields: fields}
}

func collectActionFields(actions []Action, set map[string]bool) {
	for i := range actions {
		a := &actions[i]
		for _, f := range Placeholders(a.Template) {
			set[f] = true
		}
		for _, tmpl := range a.Fields {
			for _, f := range Placeholders(tmpl) {
				set[f] = true
			}
		}
		if a.AnchorField != "" {
			set[a.AnchorField] = true
		}
		if a.Title != "" {
			for _, f := range Placeholders(a.Title) {
				set[f] = true
			}
		}
		if a.StartField != "" {
			set[a.StartField] = true
		}
		if a.EndField != "" {
			set[a.EndField] = true
		}
		if a.URL != "" {
			for _, f := range Placeholders(a.URL) {
				set[f] = true
			}
		}
		for _, v := range a.Headers {
			for _, f := range Placeholders(v) {
				set[f] = true
			}
		}
		if len(a.Pipeline) > 0 {
			collectActionFields(a.Pipeline, set)
		}
	}
}
