package skills

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/llm"
)

var greetingWords = []string{"你好", "您好", "hi", "hello", "在吗", "早上好", "下午好", "晚上好", "早安"}

// Sensitive topics get a fixed decline, never a generated answer.
var sensitiveWords = []string{"胜诉率", "能不能赢", "会不会赢", "判多少", "判决结果", "能赢吗"}

// Chitchat handles greetings and everything no other skill claims.
type Chitchat struct {
	deps Deps
}

// NewChitchat builds the fallback skill.
func NewChitchat(deps Deps) (*Chitchat, error) {
	if deps.Renderer == nil {
		return nil, fmt.Errorf("chitchat: renderer is required")
	}
	return &Chitchat{deps: deps}, nil
}

func (c *Chitchat) Name() string { return "chitchat" }

func (c *Chitchat) Execute(ctx context.Context, turn *agent.Turn) (*agent.SkillResult, error) {
	text := strings.ToLower(turn.Text)

	for _, w := range sensitiveWords {
		if strings.Contains(text, w) {
			return &agent.SkillResult{OK: true, Code: "sensitive_topic",
				Message: "案件结果受很多因素影响,我不能预测判决结果。我可以帮您整理案件信息、查资料或设置提醒。"}, nil
		}
	}

	for _, w := range greetingWords {
		if strings.Contains(text, w) {
			return &agent.SkillResult{OK: true,
				Message: c.deps.Renderer.Greeting(c.deps.now())}, nil
		}
	}

	if reply, ok := c.chatWithLLM(ctx, turn.Text); ok {
		return &agent.SkillResult{OK: true, Message: reply}, nil
	}

	// Soft refusal for out-of-scope requests.
	return &agent.SkillResult{OK: true,
		Message: "这个我可能帮不上。我擅长:查案件、新建/更新记录、总结结果、设提醒。试试\"查一下我的案件\"?"}, nil
}

func (c *Chitchat) chatWithLLM(ctx context.Context, text string) (string, bool) {
	if c.deps.LLM == nil {
		return "", false
	}
	resp, err := c.deps.LLM.Complete(ctx, llm.PurposeChat, &llm.Request{
		SystemPrompt: "你是律所的办公桌面助手,回复简短友好的中文。不要预测案件结果,不提供法律意见。",
		UserPrompt:   text,
		MaxTokens:    200,
	})
	if err != nil {
		c.deps.Metrics.RecordLLMCall("chitchat", true)
		c.deps.Logger.DebugContext(ctx, "chitchat llm call failed", slog.String("error", err.Error()))
		return "", false
	}
	c.deps.Metrics.RecordLLMCall("chitchat", false)
	reply := strings.TrimSpace(resp.Content)
	return reply, reply != ""
}
