package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/llm"
)

// Query searches bitable records, picking the right search tool from
// the parsed slots.
type Query struct {
	deps Deps
}

// NewQuery builds the query skill.
func NewQuery(deps Deps) (*Query, error) {
	if err := deps.validate("query"); err != nil {
		return nil, err
	}
	return &Query{deps: deps}, nil
}

func (q *Query) Name() string { return "query" }

var keywordAfterRe = regexp.MustCompile(`(?:查一下|查询|查|搜索|搜|找一下|找)\s*(.+)$`)

// Execute runs one query turn: pagination replay, single-record detail,
// or a fresh search.
func (q *Query) Execute(ctx context.Context, turn *agent.Turn) (*agent.SkillResult, error) {
	state := turn.State

	// 下一页: replay the stored query at the next page.
	if turn.PageToken != "" && state.LastQuery != nil {
		params := cloneParams(state.LastQuery.Params)
		params["page_token"] = turn.PageToken
		return q.runSearch(ctx, turn, state.LastQuery.Tool, params, "")
	}

	// Bare referent: show one record.
	if turn.DetailRecord != "" {
		return q.detail(ctx, turn)
	}

	cfg := q.deps.Intents.Config()
	tbl, ok := q.resolveTable(ctx, cfg, turn.Text)
	if !ok {
		return &agent.SkillResult{
			OK:      false,
			Code:    "table_ambiguous",
			Message: "您想查哪张表?" + tableShortlist(cfg),
		}, nil
	}

	tool, params, label := q.buildSearch(turn, tbl)
	return q.runSearch(ctx, turn, tool, params, label)
}

// resolveTable applies alias matching first and consults the LLM only
// below the confidence threshold.
func (q *Query) resolveTable(ctx context.Context, cfg *agent.IntentConfig, text string) (agent.TableSpec, bool) {
	tbl, conf := cfg.ResolveTable(text)
	if conf >= cfg.TableConfidence {
		return tbl, true
	}
	if picked, ok := q.pickTableWithLLM(ctx, cfg, text); ok {
		return picked, true
	}
	// One configured table needs no disambiguation.
	if len(cfg.Tables) == 1 {
		return cfg.Tables[0], true
	}
	if conf > 0 {
		return tbl, true
	}
	if def, ok := cfg.DefaultTable(); ok {
		return def, true
	}
	return agent.TableSpec{}, false
}

func (q *Query) pickTableWithLLM(ctx context.Context, cfg *agent.IntentConfig, text string) (agent.TableSpec, bool) {
	if q.deps.LLM == nil || len(cfg.Tables) < 2 {
		return agent.TableSpec{}, false
	}
	names := make([]string, 0, len(cfg.Tables))
	for _, t := range cfg.Tables {
		names = append(names, t.Name)
	}
	resp, err := q.deps.LLM.Complete(ctx, llm.PurposeTask, &llm.Request{
		SystemPrompt: "从候选表中选出用户要查询的那张。只输出 JSON:{\"table\": \"<name>\"}。候选:" + strings.Join(names, ", "),
		UserPrompt:   text,
		JSONOnly:     true,
		MaxTokens:    64,
	})
	if err != nil {
		q.deps.Metrics.RecordLLMCall("table_pick", true)
		q.deps.Logger.WarnContext(ctx, "table disambiguation failed", slog.String("error", err.Error()))
		return agent.TableSpec{}, false
	}
	q.deps.Metrics.RecordLLMCall("table_pick", false)
	var out struct {
		Table string `json:"table"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &out); err != nil {
		return agent.TableSpec{}, false
	}
	for _, t := range cfg.Tables {
		if t.Name == out.Table {
			return t, true
		}
	}
	return agent.TableSpec{}, false
}

// buildSearch maps the message onto the most specific search tool.
func (q *Query) buildSearch(turn *agent.Turn, tbl agent.TableSpec) (string, map[string]any, string) {
	text := turn.Text
	params := tableParams(tbl)
	params["page_size"] = 10

	// Person queries use the caller's opaque id, never free text.
	if tbl.PersonField != "" && (strings.Contains(text, "我的") || strings.Contains(text, "我负责")) {
		params["field"] = tbl.PersonField
		params["user_id"] = turn.OpenID
		return "feishu.v1.bitable.search_person", params, "与您相关的"
	}

	// Date ranges resolve in the conversation timezone.
	if tbl.DateField != "" {
		if startMS, endMS, ok := agent.DayRange(text, q.deps.now(), q.deps.Location); ok {
			params["field"] = tbl.DateField
			params["start_ms"] = startMS
			params["end_ms"] = endMS
			return "feishu.v1.bitable.search_date_range", params, "该时间段的"
		}
	}

	// Keyword search on the title field.
	if tbl.TitleField != "" {
		if kw := extractKeyword(text, tbl); kw != "" {
			params["field"] = tbl.TitleField
			params["keyword"] = kw
			return "feishu.v1.bitable.search_keyword", params, "包含\"" + kw + "\"的"
		}
	}

	return "feishu.v1.bitable.search", params, ""
}

// extractKeyword pulls the free text after the query verb, stripping
// table aliases.
func extractKeyword(text string, tbl agent.TableSpec) string {
	m := keywordAfterRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	kw := strings.TrimSpace(m[1])
	for _, drop := range append([]string{tbl.Name, "我的", "所有", "全部"}, tbl.Aliases...) {
		if drop != "" {
			kw = strings.ReplaceAll(kw, drop, "")
		}
	}
	kw = strings.TrimSpace(kw)
	// Pure command leftovers are not keywords.
	if kw == "" || len([]rune(kw)) > 30 {
		return ""
	}
	return kw
}

func (q *Query) runSearch(ctx context.Context, turn *agent.Turn, tool string, params map[string]any, label string) (*agent.SkillResult, error) {
	data, err := q.deps.Tools.Call(ctx, tool, params)
	if err != nil {
		q.deps.Logger.WarnContext(ctx, "query tool call failed",
			slog.String("tool", tool), slog.String("error", err.Error()))
		return &agent.SkillResult{
			OK:      false,
			Code:    "AGENT_002",
			Message: q.deps.Renderer.Pick("error_generic"),
		}, nil
	}

	var page recordPage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decoding search result: %w", err)
	}

	state := turn.State
	ids := make([]string, 0, len(page.Records))
	for _, rec := range page.Records {
		ids = append(ids, rec.RecordID)
	}
	state.LastResultIDs = ids
	state.LastResult = data
	stored := cloneParams(params)
	delete(stored, "page_token")
	state.LastQuery = &agent.LastQuery{
		Tool:      tool,
		Params:    stored,
		PageToken: page.Token,
		HasMore:   page.HasMore,
	}

	if len(page.Records) == 0 {
		return &agent.SkillResult{OK: true, Message: "没有找到" + label + "记录。", Data: data}, nil
	}

	titleField := q.titleFieldFor(params)
	lines := make([]string, 0, len(page.Records))
	for i, rec := range page.Records {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, recordLine(rec, titleField)))
	}
	msg := fmt.Sprintf("找到 %d 条%s记录:\n%s", len(page.Records), label, strings.Join(lines, "\n"))
	if page.HasMore {
		msg += "\n(回复\"下一页\"查看更多)"
	}
	return &agent.SkillResult{
		OK:        true,
		Message:   msg,
		Data:      data,
		ResultIDs: ids,
		Blocks:    []agent.Block{{Kind: "list", Title: "查询结果", Lines: lines}},
	}, nil
}

// detail fetches and renders one record.
func (q *Query) detail(ctx context.Context, turn *agent.Turn) (*agent.SkillResult, error) {
	params := map[string]any{"record_id": turn.DetailRecord}
	if lq := turn.State.LastQuery; lq != nil {
		if v, ok := lq.Params["app_token"]; ok {
			params["app_token"] = v
		}
		if v, ok := lq.Params["table_id"]; ok {
			params["table_id"] = v
		}
	}
	data, err := q.deps.Tools.Call(ctx, "feishu.v1.bitable.record.get", params)
	if err != nil {
		return &agent.SkillResult{
			OK:      false,
			Code:    "AGENT_002",
			Message: q.deps.Renderer.Pick("bad_referent"),
		}, nil
	}
	var rec pageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	var lines []string
	for name, value := range rec.Fields {
		if s := fieldString(value); s != "" {
			lines = append(lines, name+":"+s)
		}
	}
	return &agent.SkillResult{
		OK:      true,
		Message: "这条记录的详情:\n" + strings.Join(lines, "\n"),
		Data:    data,
		Blocks:  []agent.Block{recordBlock(rec, "记录详情")},
	}, nil
}

// titleFieldFor recovers the title field from the resolved table.
func (q *Query) titleFieldFor(params map[string]any) string {
	cfg := q.deps.Intents.Config()
	tableID, _ := params["table_id"].(string)
	for _, t := range cfg.Tables {
		if t.TableID == tableID {
			return t.TitleField
		}
	}
	return ""
}

func tableShortlist(cfg *agent.IntentConfig) string {
	names := make([]string, 0, len(cfg.Tables))
	for _, t := range cfg.Tables {
		names = append(names, t.Name)
	}
	return "可选:" + strings.Join(names, "、")
}

func cloneParams(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// extractJSON trims code fences and prose around an LLM JSON reply.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
