package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/llm"
)

var cst = time.FixedZone("CST", 8*3600)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testSkillsYAML = `
default_skill: chitchat
tables:
  - name: 案件
    app_token: appA
    table_id: tblCases
    aliases: ["案子"]
    person_field: 负责人
    date_field: 开庭时间
    title_field: 案号
    required_fields: ["案号", "委托人"]
    linked_writes:
      - name: 台账
        table_id: tblLedger
        anchor_field: 案件ID
        fields:
          案号: 案号
`

type toolCall struct {
	tool   string
	params map[string]any
}

// stubTools replays canned tool responses and records every call.
type stubTools struct {
	calls     []toolCall
	responses map[string]json.RawMessage
	failWhen  func(tool string, params map[string]any) error
}

func (s *stubTools) Call(_ context.Context, tool string, params map[string]any) (json.RawMessage, error) {
	s.calls = append(s.calls, toolCall{tool: tool, params: params})
	if s.failWhen != nil {
		if err := s.failWhen(tool, params); err != nil {
			return nil, err
		}
	}
	if resp, ok := s.responses[tool]; ok {
		return resp, nil
	}
	return json.RawMessage(`{}`), nil
}

func (s *stubTools) lastCall(t *testing.T) toolCall {
	t.Helper()
	if len(s.calls) == 0 {
		t.Fatal("no tool calls recorded")
	}
	return s.calls[len(s.calls)-1]
}

type stubLLM struct {
	content string
	err     error
}

func (s *stubLLM) Complete(_ context.Context, _ llm.Purpose, _ *llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.content}, nil
}

func newTestDeps(t *testing.T, tools Tools, llmClient agent.LLMCaller) Deps {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skills.yaml")
	if err := os.WriteFile(path, []byte(testSkillsYAML), 0o600); err != nil {
		t.Fatalf("writing skills file: %v", err)
	}
	parser, err := agent.NewIntentParser(path, llmClient, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewIntentParser: %v", err)
	}
	return Deps{
		Tools:    tools,
		Intents:  parser,
		Renderer: agent.NewRenderer("", cst, testLogger()),
		LLM:      llmClient,
		Location: cst,
		Logger:   testLogger(),
	}
}

func newTurn(text string) *agent.Turn {
	return &agent.Turn{
		OpenID: "ou_caller",
		ChatID: "oc_1",
		Text:   text,
		State:  &agent.ConversationState{OpenID: "ou_caller"},
	}
}

const twoRecordPage = `{"records":[
  {"record_id":"recA","fields":{"案号":"(2026)京01民初1号","状态":"进行中"}},
  {"record_id":"recB","fields":{"案号":"(2026)京01民初2号","状态":"已结案"}}
],"has_more":true,"page_token":"pt_2","total":12}`

func TestQueryPersonSearchUsesOpaqueID(t *testing.T) {
	tools := &stubTools{responses: map[string]json.RawMessage{
		"feishu.v1.bitable.search_person": json.RawMessage(twoRecordPage),
	}}
	q, err := NewQuery(newTestDeps(t, tools, nil))
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}

	turn := newTurn("查一下我的案件")
	result, err := q.Execute(context.Background(), turn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}

	call := tools.lastCall(t)
	if call.tool != "feishu.v1.bitable.search_person" {
		t.Errorf("tool = %s", call.tool)
	}
	if call.params["user_id"] != "ou_caller" || call.params["field"] != "负责人" {
		t.Errorf("params = %v", call.params)
	}
	if call.params["table_id"] != "tblCases" {
		t.Errorf("table = %v", call.params["table_id"])
	}

	if len(turn.State.LastResultIDs) != 2 || turn.State.LastResultIDs[0] != "recA" {
		t.Errorf("result ids = %v", turn.State.LastResultIDs)
	}
	if turn.State.LastQuery == nil || !turn.State.LastQuery.HasMore || turn.State.LastQuery.PageToken != "pt_2" {
		t.Errorf("last query = %+v", turn.State.LastQuery)
	}
	if !strings.Contains(result.Message, "下一页") {
		t.Errorf("message lacks pagination hint: %q", result.Message)
	}
}

func TestQueryDateRange(t *testing.T) {
	tools := &stubTools{responses: map[string]json.RawMessage{
		"feishu.v1.bitable.search_date_range": json.RawMessage(`{"records":[],"has_more":false}`),
	}}
	q, err := NewQuery(newTestDeps(t, tools, nil))
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}

	if _, err := q.Execute(context.Background(), newTurn("查一下明天开庭的案件")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	call := tools.lastCall(t)
	if call.tool != "feishu.v1.bitable.search_date_range" {
		t.Fatalf("tool = %s", call.tool)
	}
	wantStart, wantEnd, _ := agent.DayRange("明天", time.Now(), cst)
	if call.params["field"] != "开庭时间" ||
		call.params["start_ms"] != wantStart || call.params["end_ms"] != wantEnd {
		t.Errorf("params = %v, want window [%d, %d]", call.params, wantStart, wantEnd)
	}
}

func TestQueryKeywordSearch(t *testing.T) {
	tools := &stubTools{responses: map[string]json.RawMessage{
		"feishu.v1.bitable.search_keyword": json.RawMessage(`{"records":[],"has_more":false}`),
	}}
	q, err := NewQuery(newTestDeps(t, tools, nil))
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}

	if _, err := q.Execute(context.Background(), newTurn("查一下劳动合同")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	call := tools.lastCall(t)
	if call.tool != "feishu.v1.bitable.search_keyword" {
		t.Fatalf("tool = %s", call.tool)
	}
	if call.params["keyword"] != "劳动合同" || call.params["field"] != "案号" {
		t.Errorf("params = %v", call.params)
	}
}

func TestQueryPaginationReplay(t *testing.T) {
	tools := &stubTools{responses: map[string]json.RawMessage{
		"feishu.v1.bitable.search_person": json.RawMessage(`{"records":[],"has_more":false}`),
	}}
	q, err := NewQuery(newTestDeps(t, tools, nil))
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}

	turn := newTurn("下一页")
	turn.PageToken = "pt_2"
	turn.State.LastQuery = &agent.LastQuery{
		Tool:      "feishu.v1.bitable.search_person",
		Params:    map[string]any{"table_id": "tblCases", "field": "负责人", "user_id": "ou_caller"},
		PageToken: "pt_2",
		HasMore:   true,
	}

	if _, err := q.Execute(context.Background(), turn); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	call := tools.lastCall(t)
	if call.tool != "feishu.v1.bitable.search_person" || call.params["page_token"] != "pt_2" {
		t.Errorf("call = %+v", call)
	}
}

func TestQueryToolFailureIsFriendly(t *testing.T) {
	tools := &stubTools{failWhen: func(string, map[string]any) error {
		return fmt.Errorf("upstream 500")
	}}
	q, err := NewQuery(newTestDeps(t, tools, nil))
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}

	result, err := q.Execute(context.Background(), newTurn("查一下我的案件"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.OK || result.Code != "AGENT_002" {
		t.Errorf("result = %+v", result)
	}
	if strings.Contains(result.Message, "500") {
		t.Errorf("raw error leaked to the user: %q", result.Message)
	}
}

func TestCreateCompleteFieldsFlow(t *testing.T) {
	tools := &stubTools{responses: map[string]json.RawMessage{
		"feishu.v1.bitable.record.create": json.RawMessage(`{"record_id":"rec999","fields":{}}`),
	}}
	c, err := NewCreate(newTestDeps(t, tools, nil))
	if err != nil {
		t.Fatalf("NewCreate: %v", err)
	}

	// First turn: 委托人 is missing, so no write happens yet.
	turn := newTurn("新建案件 案号 A123")
	result, err := c.Execute(context.Background(), turn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Code != "complete_fields" || !strings.Contains(result.Message, "委托人") {
		t.Fatalf("result = %+v", result)
	}
	if len(tools.calls) != 0 {
		t.Fatalf("write happened with missing required fields: %+v", tools.calls)
	}

	// Second turn: the reply is the missing value.
	pending := turn.State.TakePending(time.Minute)
	if pending == nil || pending.Kind != agent.PendingCompleteFields {
		t.Fatalf("pending = %+v", pending)
	}
	turn2 := newTurn("张三")
	turn2.State = turn.State
	turn2.Pending = pending

	result, err = c.Execute(context.Background(), turn2)
	if err != nil {
		t.Fatalf("resume Execute: %v", err)
	}
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}

	if len(tools.calls) != 2 {
		t.Fatalf("calls = %+v", tools.calls)
	}
	primary := tools.calls[0]
	fields := primary.params["fields"].(map[string]any)
	if primary.params["table_id"] != "tblCases" || fields["案号"] != "A123" || fields["委托人"] != "张三" {
		t.Errorf("primary write = %+v", primary)
	}
	linked := tools.calls[1]
	linkedFields := linked.params["fields"].(map[string]any)
	if linked.params["table_id"] != "tblLedger" ||
		linkedFields["案件ID"] != "rec999" || linkedFields["案号"] != "A123" {
		t.Errorf("linked write = %+v", linked)
	}
	if turn2.State.ActiveRecord != "rec999" {
		t.Errorf("active record = %q", turn2.State.ActiveRecord)
	}
}

func TestCreateLinkedWriteFailureKeepsPrimary(t *testing.T) {
	tools := &stubTools{
		responses: map[string]json.RawMessage{
			"feishu.v1.bitable.record.create": json.RawMessage(`{"record_id":"rec999","fields":{}}`),
		},
		failWhen: func(tool string, params map[string]any) error {
			if params["table_id"] == "tblLedger" {
				return fmt.Errorf("ledger table unavailable")
			}
			return nil
		},
	}
	c, err := NewCreate(newTestDeps(t, tools, nil))
	if err != nil {
		t.Fatalf("NewCreate: %v", err)
	}

	turn := newTurn("新建案件 案号 A123 委托人 张三")
	result, err := c.Execute(context.Background(), turn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.OK {
		t.Fatalf("primary create reported failure: %+v", result)
	}
	if !strings.Contains(result.Message, "主记录已保留") {
		t.Errorf("message = %q", result.Message)
	}
	if len(turn.State.RetryTasks) != 1 {
		t.Errorf("retry tasks = %+v", turn.State.RetryTasks)
	}
	if turn.State.ActiveRecord != "rec999" {
		t.Errorf("active record = %q", turn.State.ActiveRecord)
	}
}

func TestUpdateActiveRecord(t *testing.T) {
	tools := &stubTools{}
	u, err := NewUpdate(newTestDeps(t, tools, nil))
	if err != nil {
		t.Fatalf("NewUpdate: %v", err)
	}

	turn := newTurn("把状态改为已完成")
	turn.State.ActiveRecord = "recA"
	result, err := u.Execute(context.Background(), turn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}
	call := tools.lastCall(t)
	fields := call.params["fields"].(map[string]any)
	if call.tool != "feishu.v1.bitable.record.update" ||
		call.params["record_id"] != "recA" || fields["状态"] != "已完成" {
		t.Errorf("call = %+v", call)
	}
}

func TestUpdateWithoutRecord(t *testing.T) {
	u, err := NewUpdate(newTestDeps(t, &stubTools{}, nil))
	if err != nil {
		t.Fatalf("NewUpdate: %v", err)
	}

	result, err := u.Execute(context.Background(), newTurn("把状态改为已完成"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.OK || result.Code != "missing_record" {
		t.Errorf("result = %+v", result)
	}
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	tools := &stubTools{}
	d, err := NewDelete(newTestDeps(t, tools, nil))
	if err != nil {
		t.Fatalf("NewDelete: %v", err)
	}

	turn := newTurn("删除 rec12345")
	result, err := d.Execute(context.Background(), turn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Code != "confirm_delete" || !strings.Contains(result.Message, "确认") {
		t.Fatalf("result = %+v", result)
	}
	if len(tools.calls) != 0 {
		t.Fatalf("delete ran without confirmation: %+v", tools.calls)
	}

	pending := turn.State.TakePending(time.Minute)
	if pending == nil || pending.Kind != agent.PendingConfirmDelete {
		t.Fatalf("pending = %+v", pending)
	}

	turn2 := newTurn("确认")
	turn2.State = turn.State
	turn2.Pending = pending
	turn2.Confirmed = true
	result, err = d.Execute(context.Background(), turn2)
	if err != nil {
		t.Fatalf("confirmed Execute: %v", err)
	}
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}
	call := tools.lastCall(t)
	if call.tool != "feishu.v1.bitable.record.delete" || call.params["record_id"] != "rec12345" {
		t.Errorf("call = %+v", call)
	}
}

func TestBulkDeleteRefusedWithoutToolCalls(t *testing.T) {
	tools := &stubTools{}
	d, err := NewDelete(newTestDeps(t, tools, nil))
	if err != nil {
		t.Fatalf("NewDelete: %v", err)
	}

	for _, text := range []string{"删除所有记录", "清空全部案件", "批量删除"} {
		result, err := d.Execute(context.Background(), newTurn(text))
		if err != nil {
			t.Fatalf("Execute(%q): %v", text, err)
		}
		if result.OK || result.Code != "delete_disabled" {
			t.Errorf("Execute(%q) = %+v", text, result)
		}
	}
	if len(tools.calls) != 0 {
		t.Errorf("bulk delete reached the tool layer: %+v", tools.calls)
	}
}

func TestDeleteAmbiguousLookup(t *testing.T) {
	tools := &stubTools{responses: map[string]json.RawMessage{
		"feishu.v1.bitable.search_keyword": json.RawMessage(twoRecordPage),
	}}
	d, err := NewDelete(newTestDeps(t, tools, nil))
	if err != nil {
		t.Fatalf("NewDelete: %v", err)
	}

	turn := newTurn("删除民初")
	result, err := d.Execute(context.Background(), turn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.OK || result.Code != "record_ambiguous" {
		t.Fatalf("result = %+v", result)
	}
	if len(turn.State.LastResultIDs) != 2 {
		t.Errorf("shortlist ids = %v", turn.State.LastResultIDs)
	}
}

func TestSummaryFromChainData(t *testing.T) {
	s, err := NewSummary(newTestDeps(t, &stubTools{}, nil))
	if err != nil {
		t.Fatalf("NewSummary: %v", err)
	}

	turn := newTurn("总结一下")
	turn.ChainData = json.RawMessage(twoRecordPage)
	result, err := s.Execute(context.Background(), turn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.OK || !strings.Contains(result.Message, "共 2 条记录") {
		t.Errorf("result = %+v", result)
	}
}

func TestSummaryUsesLLMWhenAvailable(t *testing.T) {
	mock := &stubLLM{content: "两起案件,一起进行中,一起已结案。"}
	s, err := NewSummary(newTestDeps(t, &stubTools{}, mock))
	if err != nil {
		t.Fatalf("NewSummary: %v", err)
	}

	turn := newTurn("总结一下")
	turn.State.LastResult = json.RawMessage(twoRecordPage)
	result, err := s.Execute(context.Background(), turn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Message != mock.content {
		t.Errorf("message = %q", result.Message)
	}
}

func TestSummaryWithoutResult(t *testing.T) {
	s, err := NewSummary(newTestDeps(t, &stubTools{}, nil))
	if err != nil {
		t.Fatalf("NewSummary: %v", err)
	}

	result, err := s.Execute(context.Background(), newTurn("总结一下"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.OK || result.Code != "no_last_result" {
		t.Errorf("no result at all: %+v", result)
	}

	turn := newTurn("总结一下")
	turn.ChainData = json.RawMessage(`{"records":[],"has_more":false}`)
	result, err = s.Execute(context.Background(), turn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.OK || !strings.Contains(result.Message, "没有") {
		t.Errorf("empty result: %+v", result)
	}
}

func TestChitchatGreeting(t *testing.T) {
	c, err := NewChitchat(newTestDeps(t, &stubTools{}, nil))
	if err != nil {
		t.Fatalf("NewChitchat: %v", err)
	}

	result, err := c.Execute(context.Background(), newTurn("你好"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.OK || result.Message == "" {
		t.Errorf("result = %+v", result)
	}
}

func TestChitchatDeclinesOutcomePrediction(t *testing.T) {
	mock := &stubLLM{content: "我猜你们能赢"}
	c, err := NewChitchat(newTestDeps(t, &stubTools{}, mock))
	if err != nil {
		t.Fatalf("NewChitchat: %v", err)
	}

	result, err := c.Execute(context.Background(), newTurn("这个案子胜诉率多少"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Code != "sensitive_topic" {
		t.Errorf("result = %+v", result)
	}
	if strings.Contains(result.Message, "能赢") {
		t.Errorf("prediction leaked: %q", result.Message)
	}
}

func TestChitchatSoftRefusalWithoutLLM(t *testing.T) {
	c, err := NewChitchat(newTestDeps(t, &stubTools{}, nil))
	if err != nil {
		t.Fatalf("NewChitchat: %v", err)
	}

	result, err := c.Execute(context.Background(), newTurn("帮我写一份判决书"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.OK || !strings.Contains(result.Message, "查") {
		t.Errorf("result = %+v", result)
	}
}
