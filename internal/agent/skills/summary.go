package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/llm"
)

// Summary condenses the preceding query result, either chained in the
// same turn (查一下…并总结) or left in conversation state.
type Summary struct {
	deps Deps
}

// NewSummary builds the summary skill.
func NewSummary(deps Deps) (*Summary, error) {
	if deps.Renderer == nil {
		return nil, fmt.Errorf("summary: renderer is required")
	}
	return &Summary{deps: deps}, nil
}

func (s *Summary) Name() string { return "summary" }

func (s *Summary) Execute(ctx context.Context, turn *agent.Turn) (*agent.SkillResult, error) {
	data := turn.ChainData
	if len(data) == 0 {
		data = turn.State.LastResult
	}
	if len(data) == 0 {
		return &agent.SkillResult{OK: false, Code: "no_last_result",
			Message: "我这里还没有可以总结的查询结果,先查一下?"}, nil
	}

	var page recordPage
	if err := json.Unmarshal(data, &page); err != nil || len(page.Records) == 0 {
		// An empty previous result gets the friendly refusal, never an error.
		return &agent.SkillResult{OK: true,
			Message: "上次查询没有返回记录,没有可总结的内容。"}, nil
	}

	lines := make([]string, 0, len(page.Records))
	for i, rec := range page.Records {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, recordLine(rec, "")))
	}

	if text, ok := s.summarizeWithLLM(ctx, lines); ok {
		return &agent.SkillResult{OK: true, Message: text, Data: data}, nil
	}

	// Deterministic fallback when no model is available.
	msg := fmt.Sprintf("共 %d 条记录:\n%s", len(page.Records), strings.Join(lines, "\n"))
	return &agent.SkillResult{OK: true, Message: msg, Data: data}, nil
}

func (s *Summary) summarizeWithLLM(ctx context.Context, lines []string) (string, bool) {
	if s.deps.LLM == nil {
		return "", false
	}
	resp, err := s.deps.LLM.Complete(ctx, llm.PurposeChat, &llm.Request{
		SystemPrompt: "用两三句中文总结下面的记录列表,突出数量、共性和需要注意的项。不要编造列表之外的信息。",
		UserPrompt:   strings.Join(lines, "\n"),
		MaxTokens:    300,
	})
	if err != nil {
		s.deps.Metrics.RecordLLMCall("summary", true)
		s.deps.Logger.WarnContext(ctx, "summary llm call failed", slog.String("error", err.Error()))
		return "", false
	}
	s.deps.Metrics.RecordLLMCall("summary", false)
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", false
	}
	return text, true
}
