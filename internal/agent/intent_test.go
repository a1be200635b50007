package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/kazi/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testSkillsYAML = `
default_skill: chitchat
max_hops: 2
thresholds:
  direct_execute: 3
  llm_confirm: 1.5
table_confidence: 0.65
chains:
  - contains: ["查", "总结"]
    skills: ["query", "summary"]
skills:
  - name: query
    keywords:
      - word: 查
        weight: 3
  - name: delete
    keywords:
      - word: 删除
        weight: 3
  - name: reminder
    keywords:
      - word: 提醒
        weight: 2
  - name: chitchat
tables:
  - name: 案件
    app_token: appA
    table_id: tblCases
    aliases: ["案子"]
    person_field: 负责人
    date_field: 开庭时间
    title_field: 案号
    required_fields: ["案号", "委托人"]
  - name: 客户
    app_token: appA
    table_id: tblClients
    title_field: 名称
`

func writeSkillsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skills.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing skills file: %v", err)
	}
	return path
}

type stubLLM struct {
	content string
	err     error
	calls   int
}

func (s *stubLLM) Complete(_ context.Context, _ llm.Purpose, _ *llm.Request) (*llm.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.content}, nil
}

func newTestParser(t *testing.T, llmClient LLMCaller) *IntentParser {
	t.Helper()
	p, err := NewIntentParser(writeSkillsFile(t, testSkillsYAML), llmClient, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewIntentParser: %v", err)
	}
	return p
}

func TestParseKeywordDirect(t *testing.T) {
	mock := &stubLLM{content: `{"skill": "delete"}`}
	p := newTestParser(t, mock)

	intent := p.Parse(context.Background(), "查一下我的案件")
	if intent.Source != SourceKeyword || len(intent.Chain) != 1 || intent.Chain[0] != "query" {
		t.Errorf("intent = %+v", intent)
	}
	if mock.calls != 0 {
		t.Error("LLM consulted above the direct-execute threshold")
	}
}

func TestParseChainPattern(t *testing.T) {
	p := newTestParser(t, nil)

	intent := p.Parse(context.Background(), "查一下今天开庭的案件并总结")
	want := []string{"query", "summary"}
	if len(intent.Chain) != len(want) {
		t.Fatalf("chain = %v, want %v", intent.Chain, want)
	}
	for i := range want {
		if intent.Chain[i] != want[i] {
			t.Fatalf("chain = %v, want %v", intent.Chain, want)
		}
	}
}

func TestParseLLMConfirmZone(t *testing.T) {
	mock := &stubLLM{content: "好的 {\"skill\": \"reminder\"} 谢谢"}
	p := newTestParser(t, mock)

	// 提醒 alone scores 2: between llm_confirm and direct_execute.
	intent := p.Parse(context.Background(), "提醒一下这件事")
	if intent.Source != SourceLLM || intent.Chain[0] != "reminder" {
		t.Errorf("intent = %+v", intent)
	}
	if mock.calls != 1 {
		t.Errorf("LLM calls = %d, want 1", mock.calls)
	}
}

func TestParseLLMFailureFallsBackToKeyword(t *testing.T) {
	mock := &stubLLM{err: errors.New("upstream down")}
	p := newTestParser(t, mock)

	intent := p.Parse(context.Background(), "提醒一下这件事")
	if intent.Source != SourceKeyword || intent.Chain[0] != "reminder" {
		t.Errorf("intent = %+v", intent)
	}
}

func TestParseDefaultSkill(t *testing.T) {
	p := newTestParser(t, nil)

	intent := p.Parse(context.Background(), "哈哈哈")
	if intent.Source != SourceDefault || intent.Chain[0] != "chitchat" {
		t.Errorf("intent = %+v", intent)
	}
}

func TestResolveTable(t *testing.T) {
	p := newTestParser(t, nil)
	cfg := p.Config()

	tbl, conf := cfg.ResolveTable("查一下案件")
	if tbl.TableID != "tblCases" || conf != 1 {
		t.Errorf("exact name: table=%s conf=%v", tbl.TableID, conf)
	}
	tbl, conf = cfg.ResolveTable("查一下我的案子")
	if tbl.TableID != "tblCases" || conf != 0.8 {
		t.Errorf("alias: table=%s conf=%v", tbl.TableID, conf)
	}
	if _, conf = cfg.ResolveTable("随便聊聊"); conf != 0 {
		t.Errorf("no match: conf=%v", conf)
	}
}

func TestReloadSwapsConfig(t *testing.T) {
	path := writeSkillsFile(t, testSkillsYAML)
	p, err := NewIntentParser(path, nil, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewIntentParser: %v", err)
	}

	if err := os.WriteFile(path, []byte("default_skill: query\nskills:\n  - name: query\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := p.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if p.Config().DefaultSkill != "query" {
		t.Errorf("default skill = %s after reload", p.Config().DefaultSkill)
	}
}
