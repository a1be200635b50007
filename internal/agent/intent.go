package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/observability"
)

// IntentSource records how an intent was decided.
type IntentSource string

const (
	SourceKeyword IntentSource = "keyword"
	SourceLLM     IntentSource = "llm"
	SourceDefault IntentSource = "default"
)

// Intent is a parsed routing decision: an ordered skill chain.
type Intent struct {
	Chain  []string
	Score  float64
	Source IntentSource
}

// Keyword is one weighted trigger word of a skill.
type Keyword struct {
	Word   string  `yaml:"word"`
	Weight float64 `yaml:"weight"`
}

// SkillSpec is the declarative intent config of one skill.
type SkillSpec struct {
	Name     string    `yaml:"name"`
	Keywords []Keyword `yaml:"keywords"`
}

// ChainSpec maps a trigger substring to an ordered skill chain.
type ChainSpec struct {
	Contains []string `yaml:"contains"`
	Skills   []string `yaml:"skills"`
}

// TableSpec names a table and its user-facing aliases, used by query
// and write skills for disambiguation.
type TableSpec struct {
	Name     string   `yaml:"name"`
	AppToken string   `yaml:"app_token,omitempty"`
	TableID  string   `yaml:"table_id"`
	Aliases  []string `yaml:"aliases,omitempty"`
	// PersonField is the field searched for "my ..." queries.
	PersonField string `yaml:"person_field,omitempty"`
	// DateField is the default field for date-range queries.
	DateField string `yaml:"date_field,omitempty"`
	// TitleField is the display/keyword-search field.
	TitleField string `yaml:"title_field,omitempty"`
	// RequiredFields must be present before a create goes through;
	// missing ones drive the complete_fields continuation.
	RequiredFields []string `yaml:"required_fields,omitempty"`
	// LinkedWrites configures secondary-table writes after a create.
	LinkedWrites []LinkedWrite `yaml:"linked_writes,omitempty"`
}

// LinkedWrite is a one-directional secondary write after a primary create.
type LinkedWrite struct {
	Name        string            `yaml:"name"`
	AppToken    string            `yaml:"app_token,omitempty"`
	TableID     string            `yaml:"table_id"`
	AnchorField string            `yaml:"anchor_field"`
	Fields      map[string]string `yaml:"fields,omitempty"` // target field → source field
}

type skillsFile struct {
	DefaultSkill string `yaml:"default_skill"`
	MaxHops      int    `yaml:"max_hops"`
	Thresholds   struct {
		DirectExecute float64 `yaml:"direct_execute"`
		LLMConfirm    float64 `yaml:"llm_confirm"`
	} `yaml:"thresholds"`
	TableConfidence float64     `yaml:"table_confidence"`
	Chains          []ChainSpec `yaml:"chains"`
	Skills          []SkillSpec `yaml:"skills"`
	Tables          []TableSpec `yaml:"tables"`
}

// IntentConfig is the parsed, immutable snapshot of the skills file.
type IntentConfig struct {
	DefaultSkill    string
	MaxHops         int
	DirectExecute   float64
	LLMConfirm      float64
	TableConfidence float64
	Chains          []ChainSpec
	Skills          []SkillSpec
	Tables          []TableSpec
}

// IntentParser scores input against the skills config and falls back
// to the LLM for ambiguous messages.
type IntentParser struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	cfg *IntentConfig

	llm     LLMCaller
	metrics *observability.Metrics

	watcher *fsnotify.Watcher
}

// LLMCaller is the slice of llm.Router the parser needs.
type LLMCaller interface {
	Complete(ctx context.Context, purpose llm.Purpose, req *llm.Request) (*llm.Response, error)
}

// NewIntentParser loads the skills file.
func NewIntentParser(path string, llmClient LLMCaller, logger *slog.Logger, metrics *observability.Metrics) (*IntentParser, error) {
	p := &IntentParser{path: path, llm: llmClient, logger: logger, metrics: metrics}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-parses the skills file and swaps the snapshot.
func (p *IntentParser) Reload() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("reading skills file: %w", err)
	}
	var parsed skillsFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parsing skills file: %w", err)
	}

	cfg := &IntentConfig{
		DefaultSkill:    parsed.DefaultSkill,
		MaxHops:         parsed.MaxHops,
		DirectExecute:   parsed.Thresholds.DirectExecute,
		LLMConfirm:      parsed.Thresholds.LLMConfirm,
		TableConfidence: parsed.TableConfidence,
		Chains:          parsed.Chains,
		Skills:          parsed.Skills,
		Tables:          parsed.Tables,
	}
	if cfg.DefaultSkill == "" {
		cfg.DefaultSkill = "chitchat"
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 2
	}
	if cfg.DirectExecute <= 0 {
		cfg.DirectExecute = 3
	}
	if cfg.LLMConfirm <= 0 {
		cfg.LLMConfirm = 1.5
	}
	if cfg.TableConfidence <= 0 {
		cfg.TableConfidence = 0.65
	}

	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()

	p.logger.Info("skills config loaded",
		slog.String("file", p.path),
		slog.Int("skills", len(cfg.Skills)),
		slog.Int("tables", len(cfg.Tables)))
	return nil
}

// Watch hot-reloads the skills file on change. Returns a stop function.
func (p *IntentParser) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating skills watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching skills directory: %w", err)
	}
	p.watcher = watcher

	done := make(chan struct{})
	go func() {
		base := filepath.Base(p.path)
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
				if err := p.Reload(); err != nil {
					p.logger.Error("skills hot reload failed", slog.String("error", err.Error()))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Error("skills watcher error", slog.String("error", err.Error()))
			}
		}
	}()
	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// Config returns the current snapshot.
func (p *IntentParser) Config() *IntentConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Parse decides the skill chain for a message. Rule-first: keyword
// scores decide directly above the direct_execute threshold; the LLM
// is consulted between llm_confirm and direct_execute; below that the
// default skill handles the turn.
func (p *IntentParser) Parse(ctx context.Context, text string) Intent {
	cfg := p.Config()

	// Chain patterns win outright: "查一下…并总结" → query, summary.
	for _, chain := range cfg.Chains {
		if matchesAll(text, chain.Contains) && len(chain.Skills) > 0 {
			hops := cfg.MaxHops
			skills := chain.Skills
			if len(skills) > hops+1 {
				skills = skills[:hops+1]
			}
			p.metrics.RecordIntent(skills[0], string(SourceKeyword))
			return Intent{Chain: append([]string(nil), skills...), Source: SourceKeyword}
		}
	}

	name, score := p.scoreSkills(cfg, text)
	switch {
	case name != "" && score >= cfg.DirectExecute:
		p.metrics.RecordIntent(name, string(SourceKeyword))
		return Intent{Chain: []string{name}, Score: score, Source: SourceKeyword}
	case name != "" && score >= cfg.LLMConfirm:
		if picked := p.classifyWithLLM(ctx, cfg, text); picked != "" {
			p.metrics.RecordIntent(picked, string(SourceLLM))
			return Intent{Chain: []string{picked}, Score: score, Source: SourceLLM}
		}
		// LLM unavailable: trust the keyword leader.
		p.metrics.RecordIntent(name, string(SourceKeyword))
		return Intent{Chain: []string{name}, Score: score, Source: SourceKeyword}
	default:
		p.metrics.RecordIntent(cfg.DefaultSkill, string(SourceDefault))
		return Intent{Chain: []string{cfg.DefaultSkill}, Score: score, Source: SourceDefault}
	}
}

// scoreSkills sums keyword weights per skill and returns the leader.
func (p *IntentParser) scoreSkills(cfg *IntentConfig, text string) (string, float64) {
	var bestName string
	var bestScore float64
	for _, spec := range cfg.Skills {
		var score float64
		for _, kw := range spec.Keywords {
			if kw.Word == "" {
				continue
			}
			if strings.Contains(text, kw.Word) {
				w := kw.Weight
				if w == 0 {
					w = 1
				}
				score += w
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && spec.Name < bestName) {
			bestName, bestScore = spec.Name, score
		}
	}
	if bestScore == 0 {
		return "", 0
	}
	return bestName, bestScore
}

// classifyWithLLM asks the task model to pick one skill name. Any
// failure returns "" so the caller can fall back deterministically.
func (p *IntentParser) classifyWithLLM(ctx context.Context, cfg *IntentConfig, text string) string {
	if p.llm == nil {
		return ""
	}
	names := make([]string, 0, len(cfg.Skills))
	for _, s := range cfg.Skills {
		names = append(names, s.Name)
	}
	sort.Strings(names)

	resp, err := p.llm.Complete(ctx, llm.PurposeTask, &llm.Request{
		SystemPrompt: "你是意图分类器。只输出 JSON:{\"skill\": \"<name>\"}。候选:" + strings.Join(names, ", "),
		UserPrompt:   text,
		JSONOnly:     true,
		MaxTokens:    64,
	})
	if err != nil {
		p.metrics.RecordLLMCall("intent", true)
		p.logger.WarnContext(ctx, "llm intent classification failed", slog.String("error", err.Error()))
		return ""
	}
	p.metrics.RecordLLMCall("intent", false)

	var out struct {
		Skill string `json:"skill"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &out); err != nil {
		p.logger.WarnContext(ctx, "llm intent reply unparseable", slog.String("content", resp.Content))
		return ""
	}
	for _, n := range names {
		if n == out.Skill {
			return out.Skill
		}
	}
	return ""
}

// ResolveTable matches text against table names and aliases. The
// returned confidence is 1 for an exact name hit, 0.8 for an alias
// hit, 0 when nothing matches.
func (cfg *IntentConfig) ResolveTable(text string) (TableSpec, float64) {
	var best TableSpec
	var conf float64
	for _, tbl := range cfg.Tables {
		if tbl.Name != "" && strings.Contains(text, tbl.Name) && conf < 1 {
			best, conf = tbl, 1
			continue
		}
		for _, alias := range tbl.Aliases {
			if alias != "" && strings.Contains(text, alias) && conf < 0.8 {
				best, conf = tbl, 0.8
			}
		}
	}
	return best, conf
}

// DefaultTable returns the first configured table, if any.
func (cfg *IntentConfig) DefaultTable() (TableSpec, bool) {
	if len(cfg.Tables) == 0 {
		return TableSpec{}, false
	}
	return cfg.Tables[0], true
}

func matchesAll(text string, needles []string) bool {
	if len(needles) == 0 {
		return false
	}
	for _, n := range needles {
		if !strings.Contains(text, n) {
			return false
		}
	}
	return true
}

// extractJSON trims code fences and surrounding prose from an LLM reply.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
