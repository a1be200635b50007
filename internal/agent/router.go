package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jkaninda/kazi/internal/observability"
)

// Block is one channel-neutral piece of structured output. The channel
// formatter decides how it renders (card element, plain lines).
type Block struct {
	Kind   string            `json:"kind"` // "record", "list", "note"
	Title  string            `json:"title,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
	Lines  []string          `json:"lines,omitempty"`
}

// SkillResult is the uniform outcome of one skill execution.
type SkillResult struct {
	OK        bool
	Code      string // machine-readable refusal/error code, e.g. "delete_disabled"
	Message   string
	Data      json.RawMessage
	Blocks    []Block
	NextSkill string
	// ResultIDs seeds pagination and referent resolution.
	ResultIDs []string
}

// Turn is the per-message context handed to skills.
type Turn struct {
	OpenID    string
	ChatID    string
	MessageID string
	Text      string

	State *ConversationState

	// Pending is set when this turn resumes a pending action; Confirmed
	// reports an explicit 确认 answer.
	Pending   *PendingAction
	Confirmed bool

	// ChainData carries the previous skill's data in a chain.
	ChainData json.RawMessage

	// PageToken is set when replaying the last query for 下一页.
	PageToken string

	// DetailRecord asks the query skill for a single-record view,
	// resolved from a bare referent (第N个/这个).
	DetailRecord string
}

// Skill is one conversational capability.
type Skill interface {
	Name() string
	Execute(ctx context.Context, turn *Turn) (*SkillResult, error)
}

// Router owns the skill set and runs skill chains.
type Router struct {
	skills  map[string]Skill
	maxHops int
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRouter builds a router over the given skills.
func NewRouter(skills []Skill, maxHops int, logger *slog.Logger, metrics *observability.Metrics) *Router {
	if maxHops <= 0 {
		maxHops = 2
	}
	byName := make(map[string]Skill, len(skills))
	for _, s := range skills {
		if _, dup := byName[s.Name()]; dup {
			panic("duplicate skill registration: " + s.Name())
		}
		byName[s.Name()] = s
	}
	return &Router{skills: byName, maxHops: maxHops, logger: logger, metrics: metrics}
}

// Has reports whether a skill name is registered.
func (r *Router) Has(name string) bool {
	_, ok := r.skills[name]
	return ok
}

// Names returns the registered skill names sorted.
func (r *Router) Names() []string {
	out := make([]string, 0, len(r.skills))
	for name := range r.skills {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run executes a skill chain. Each skill's data becomes the next
// skill's ChainData; a skill may also append to the chain via
// NextSkill. The chain is bounded by maxHops beyond the first skill.
func (r *Router) Run(ctx context.Context, chain []string, turn *Turn) (*SkillResult, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("empty skill chain")
	}

	var result *SkillResult
	hops := 0
	queue := append([]string(nil), chain...)

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		skill, ok := r.skills[name]
		if !ok {
			return nil, fmt.Errorf("unknown skill %q", name)
		}
		if result != nil {
			hops++
			if hops > r.maxHops {
				r.logger.WarnContext(ctx, "skill chain truncated",
					slog.String("skill", name), slog.Int("max_hops", r.maxHops))
				break
			}
			turn.ChainData = result.Data
		}

		start := time.Now()
		out, err := skill.Execute(ctx, turn)
		r.metrics.RecordSkill(name, time.Since(start).Seconds())
		if err != nil {
			return nil, fmt.Errorf("skill %s: %w", name, err)
		}
		r.logger.InfoContext(ctx, "skill executed",
			slog.String("skill", name),
			slog.String("open_id", turn.OpenID),
			slog.Bool("ok", out.OK),
			slog.Duration("duration", time.Since(start)))

		result = out
		// A failed link breaks the chain; its message is the reply.
		if !out.OK {
			break
		}
		if out.NextSkill != "" && len(queue) == 0 {
			queue = append(queue, out.NextSkill)
		}
	}
	return result, nil
}
