// Package rules loads the declarative automation rules file, indexes
// rules by table, and evaluates trigger conditions against record diffs.
// The rules file is watched and atomically swapped on change; in-flight
// evaluations keep the snapshot they started with.
package rules

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/kazi/internal/bitable"
)

// Event kinds a trigger can subscribe to.
const (
	OnCreated = "created"
	OnUpdated = "updated"
)

// Condition kinds.
const (
	KindChanged         = "changed"
	KindEquals          = "equals"
	KindIn              = "in"
	KindAnyFieldChanged = "any_field_changed"
)

// TableRef addresses a table, with the app token optionally inherited
// from the file-level defaults.
type TableRef struct {
	AppToken string `yaml:"app_token,omitempty"`
	TableID  string `yaml:"table_id"`
}

// Key returns the TableKey for this reference.
func (t TableRef) Key() bitable.TableKey {
	return bitable.TableKey{AppToken: t.AppToken, TableID: t.TableID}
}

// Condition is one matchable predicate.
type Condition struct {
	Kind    string   `yaml:"kind"`
	Field   string   `yaml:"field,omitempty"` // defaults to trigger.field
	Value   any      `yaml:"value,omitempty"`
	Values  []any    `yaml:"values,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// Trigger is the when-part of a rule.
type Trigger struct {
	On        []string    `yaml:"on"`
	Field     string      `yaml:"field,omitempty"`
	Condition *Condition  `yaml:"condition,omitempty"`
	All       []Condition `yaml:"all,omitempty"`
	Any       []Condition `yaml:"any,omitempty"`
}

// Action is one step of a pipeline, a tagged variant on Type.
type Action struct {
	Type string `yaml:"type"`

	// log.write
	Template string `yaml:"template,omitempty"`

	// bitable.update / bitable.upsert
	Target      *TableRef         `yaml:"target,omitempty"`
	Fields      map[string]string `yaml:"fields,omitempty"`
	AnchorField string            `yaml:"anchor_field,omitempty"`

	// calendar.create
	Title      string `yaml:"title,omitempty"`
	StartField string `yaml:"start_field,omitempty"`
	EndField   string `yaml:"end_field,omitempty"`

	// http.request
	Method  string            `yaml:"method,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    map[string]any    `yaml:"body,omitempty"`

	// delay
	Seconds  int      `yaml:"seconds,omitempty"`
	Pipeline []Action `yaml:"pipeline,omitempty"`
}

// Rule is one declarative {trigger, pipeline} unit.
type Rule struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name,omitempty"`
	Enabled  bool     `yaml:"enabled"`
	Priority int      `yaml:"priority,omitempty"`
	Table    TableRef `yaml:"table"`
	Trigger  Trigger  `yaml:"trigger"`
	Pipeline []Action `yaml:"pipeline"`

	// Optional phases around the main pipeline.
	SuccessActions []Action `yaml:"success_actions,omitempty"`
	ErrorActions   []Action `yaml:"error_actions,omitempty"`
}

// TriggersOn reports whether the rule subscribes to the event kind.
// An empty `on` list means updated only.
func (r *Rule) TriggersOn(eventKind string) bool {
	if len(r.Trigger.On) == 0 {
		return eventKind == OnUpdated
	}
	for _, on := range r.Trigger.On {
		if on == eventKind {
			return true
		}
	}
	return false
}

type rulesFile struct {
	Defaults struct {
		AppToken       string `yaml:"app_token,omitempty"`
		TableID        string `yaml:"table_id,omitempty"`
		TargetAppToken string `yaml:"target_app_token,omitempty"`
	} `yaml:"defaults"`
	Rules []Rule `yaml:"rules"`
}

// Registry holds the parsed rules file, swapped atomically on reload.
type Registry struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	byTable map[string][]Rule // TableKey.String() → rules, priority-sorted
	all     []Rule

	watcher *fsnotify.Watcher
}

// NewRegistry loads the rules file and starts watching it for changes.
func NewRegistry(path string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{path: path, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-parses the rules file and swaps the index.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("reading rules file: %w", err)
	}

	var parsed rulesFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parsing rules file: %w", err)
	}

	byTable := make(map[string][]Rule)
	var all []Rule
	for i := range parsed.Rules {
		rule := parsed.Rules[i]
		applyDefaults(&rule, parsed.Defaults.AppToken, parsed.Defaults.TableID, parsed.Defaults.TargetAppToken)
		if err := validateRule(&rule); err != nil {
			r.logger.Warn("skipping invalid rule",
				slog.String("rule_id", rule.ID),
				slog.String("error", err.Error()))
			continue
		}
		all = append(all, rule)
		if rule.Enabled {
			key := rule.Table.Key().String()
			byTable[key] = append(byTable[key], rule)
		}
	}
	for key := range byTable {
		list := byTable[key]
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority > list[j].Priority
			}
			return list[i].ID < list[j].ID
		})
		byTable[key] = list
	}

	r.mu.Lock()
	r.byTable = byTable
	r.all = all
	r.mu.Unlock()

	r.logger.Info("rules loaded",
		slog.String("file", r.path),
		slog.Int("total", len(all)),
		slog.Int("tables", len(byTable)))
	return nil
}

// Watch starts a background fsnotify loop reloading the file on change.
// Returns a stop function.
func (r *Registry) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating rules watcher: %w", err)
	}
	// Watch the directory: editors replace files, breaking file watches.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching rules directory: %w", err)
	}
	r.watcher = watcher

	done := make(chan struct{})
	go func() {
		base := filepath.Base(r.path)
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.Reload(); err != nil {
					r.logger.Error("rules hot reload failed", slog.String("error", err.Error()))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("rules watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// ForTable returns the enabled rules for a table, priority-sorted.
// Rules in the disabled set (runtime overrides) are filtered out.
func (r *Registry) ForTable(key bitable.TableKey, disabled map[string]string) []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := r.byTable[key.String()]
	if key.AppToken != "" {
		// Rules declared without an app token match any app.
		candidates = append(candidates, r.byTable[bitable.TableKey{TableID: key.TableID}.String()]...)
	}
	if len(disabled) == 0 {
		return append([]Rule(nil), candidates...)
	}
	out := make([]Rule, 0, len(candidates))
	for _, rule := range candidates {
		if _, off := disabled[rule.ID]; off {
			continue
		}
		out = append(out, rule)
	}
	return out
}

// All returns every parsed rule (including disabled ones).
func (r *Registry) All() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Rule(nil), r.all...)
}

// ByID returns a rule by id.
func (r *Registry) ByID(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.all {
		if rule.ID == id {
			return rule, true
		}
	}
	return Rule{}, false
}

// Tables lists every table referenced by an enabled rule.
func (r *Registry) Tables() []bitable.TableKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []bitable.TableKey
	seen := make(map[string]bool)
	for _, rule := range r.all {
		if !rule.Enabled {
			continue
		}
		key := rule.Table.Key()
		if !seen[key.String()] {
			seen[key.String()] = true
			keys = append(keys, key)
		}
	}
	return keys
}

func applyDefaults(rule *Rule, appToken, tableID, targetAppToken string) {
	if rule.Table.AppToken == "" {
		rule.Table.AppToken = appToken
	}
	if rule.Table.TableID == "" {
		rule.Table.TableID = tableID
	}
	if targetAppToken == "" {
		targetAppToken = appToken
	}
	fillTargets(rule.Pipeline, targetAppToken)
	fillTargets(rule.SuccessActions, targetAppToken)
	fillTargets(rule.ErrorActions, targetAppToken)
}

func fillTargets(actions []Action, targetAppToken string) {
	for i := range actions {
		a := &actions[i]
		if (a.Type == "bitable.update" || a.Type == "bitable.upsert") &&
			a.Target != nil && a.Target.AppToken == "" {
			a.Target.AppToken = targetAppToken
		}
		if len(a.Pipeline) > 0 {
			fillTargets(a.Pipeline, targetAppToken)
		}
	}
}

func validateRule(rule *Rule) error {
	if strings.TrimSpace(rule.ID) == "" {
		return fmt.Errorf("rule id is required")
	}
	if rule.Table.TableID == "" {
		return fmt.Errorf("rule table_id is required")
	}
	for _, on := range rule.Trigger.On {
		if on != OnCreated && on != OnUpdated {
			return fmt.Errorf("unknown trigger.on value %q", on)
		}
	}
	if !hasPredicate(&rule.Trigger) {
		return fmt.Errorf("trigger resolves to no matchable predicate")
	}
	if len(rule.Pipeline) == 0 {
		return fmt.Errorf("pipeline is empty")
	}
	return nil
}

func hasPredicate(t *Trigger) bool {
	if t.Field != "" || t.Condition != nil {
		return true
	}
	return len(t.All) > 0 || len(t.Any) > 0
}

// TriggerFields collects every field name the trigger references.
func (r *Rule) TriggerFields() []string {
	set := make(map[string]bool)
	collect := func(field string, c *Condition) {
		if field != "" {
			set[field] = true
		}
		if c != nil && c.Field != "" {
			set[c.Field] = true
		}
	}
	collect(r.Trigger.Field, r.Trigger.Condition)
	for i := range r.Trigger.All {
		collect(r.Trigger.All[i].Field, nil)
	}
	for i := range r.Trigger.Any {
		collect(r.Trigger.Any[i].Field, nil)
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// UsesAnyFieldChanged reports whether any predicate is any_field_changed.
func (r *Rule) UsesAnyFieldChanged() bool {
	check := func(c *Condition) bool { return c != nil && c.Kind == KindAnyFieldChanged }
	if check(r.Trigger.Condition) {
		return true
	}
	for i := range r.Trigger.All {
		if check(&r.Trigger.All[i]) {
			return true
		}
	}
	for i := range r.Trigger.Any {
		if check(&r.Trigger.Any[i]) {
			return true
		}
	}
	return false
}
