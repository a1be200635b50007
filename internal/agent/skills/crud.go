package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/agent"
)

var (
	createVerbRe = regexp.MustCompile(`^(新建|创建|添加|录入|新增)`)
	recordIDRe   = regexp.MustCompile(`\brec[0-9A-Za-z]{4,}\b`)
	updateRe     = regexp.MustCompile(`把?\s*(.+?)\s*(?:改为|改成|更新为|设为|设置为)\s*(.+)$`)
	deleteVerbRe = regexp.MustCompile(`^(删除|删掉|移除)\s*`)
	bulkDeleteRe = regexp.MustCompile(`(删除|删掉|清空|移除).{0,4}(所有|全部|批量)|(所有|全部|批量).{0,4}(删除|删掉|清空)`)
)

// --- create ---

// Create assembles fields from the message (or a complete_fields
// continuation) and writes the record, then runs configured linked
// writes.
type Create struct {
	deps Deps
}

// NewCreate builds the create skill.
func NewCreate(deps Deps) (*Create, error) {
	if err := deps.validate("create"); err != nil {
		return nil, err
	}
	return &Create{deps: deps}, nil
}

func (c *Create) Name() string { return "create" }

func (c *Create) Execute(ctx context.Context, turn *agent.Turn) (*agent.SkillResult, error) {
	cfg := c.deps.Intents.Config()

	var tbl agent.TableSpec
	fields := map[string]any{}

	if p := turn.Pending; p != nil && p.Kind == agent.PendingCompleteFields {
		// The whole turn is the value for the first missing field.
		tbl = tableFromSlots(cfg, p.Slots)
		if saved, ok := p.Slots["fields"].(map[string]any); ok {
			fields = saved
		}
		if len(p.Missing) > 0 {
			fields[p.Missing[0]] = strings.TrimSpace(turn.Text)
			if rest := p.Missing[1:]; len(rest) > 0 {
				return c.askForFields(turn, tbl, fields, rest), nil
			}
		}
	} else {
		var conf float64
		tbl, conf = cfg.ResolveTable(turn.Text)
		if conf == 0 {
			var ok bool
			if tbl, ok = cfg.DefaultTable(); !ok {
				return &agent.SkillResult{OK: false, Code: "table_ambiguous",
					Message: "要在哪张表新建?" + tableShortlist(cfg)}, nil
			}
		}
		fields = parseFieldPairs(turn.Text, tbl)
		if len(fields) == 0 {
			return &agent.SkillResult{OK: false, Code: "missing_fields",
				Message: "请按\"字段名 值\"的格式告诉我要录入的内容,例如:新建案件 案号 XX 委托人 XX"}, nil
		}
		if missing := missingRequired(tbl, fields); len(missing) > 0 {
			return c.askForFields(turn, tbl, fields, missing), nil
		}
	}

	params := tableParams(tbl)
	params["fields"] = fields
	data, err := c.deps.Tools.Call(ctx, "feishu.v1.bitable.record.create", params)
	if err != nil {
		c.deps.Logger.WarnContext(ctx, "create failed", slog.String("error", err.Error()))
		return &agent.SkillResult{OK: false, Code: "AGENT_002",
			Message: c.deps.Renderer.Pick("error_generic")}, nil
	}
	var created struct {
		RecordID string `json:"record_id"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("decoding create result: %w", err)
	}
	turn.State.ActiveRecord = created.RecordID

	msg := "已创建记录。"
	if note := c.runLinkedWrites(ctx, turn, tbl, created.RecordID, fields); note != "" {
		msg += "\n" + note
	}
	return &agent.SkillResult{OK: true, Message: msg, Data: data,
		ResultIDs: []string{created.RecordID}}, nil
}

func (c *Create) askForFields(turn *agent.Turn, tbl agent.TableSpec, fields map[string]any, missing []string) *agent.SkillResult {
	prompt := "还差\"" + missing[0] + "\",请直接回复它的值。"
	notice := turn.State.SetPending(&agent.PendingAction{
		Kind:    agent.PendingCompleteFields,
		Skill:   c.Name(),
		Prompt:  prompt,
		Missing: missing,
		Slots: map[string]any{
			"app_token": tbl.AppToken,
			"table_id":  tbl.TableID,
			"fields":    fields,
		},
	}, c.deps.Renderer.Pick("superseded"))
	msg := prompt
	if notice != "" {
		msg = notice + "\n" + msg
	}
	return &agent.SkillResult{OK: true, Code: "complete_fields", Message: msg}
}

// runLinkedWrites performs configured secondary writes. A failure never
// rolls back the primary: a retry task is recorded instead.
func (c *Create) runLinkedWrites(ctx context.Context, turn *agent.Turn, tbl agent.TableSpec, recordID string, fields map[string]any) string {
	var notes []string
	for _, link := range tbl.LinkedWrites {
		linkFields := map[string]any{link.AnchorField: recordID}
		for target, source := range link.Fields {
			if v, ok := fields[source]; ok {
				linkFields[target] = v
			}
		}
		params := map[string]any{"table_id": link.TableID, "fields": linkFields}
		if link.AppToken != "" {
			params["app_token"] = link.AppToken
		}
		if _, err := c.deps.Tools.Call(ctx, "feishu.v1.bitable.record.create", params); err != nil {
			c.deps.Logger.WarnContext(ctx, "linked write failed",
				slog.String("link", link.Name),
				slog.String("record_id", recordID),
				slog.String("error", err.Error()))
			turn.State.RetryTasks = append(turn.State.RetryTasks, agent.RetryTask{
				Skill:     c.Name(),
				Reason:    fmt.Sprintf("linked write %s failed", link.Name),
				Slots:     params,
				CreatedAt: time.Now(),
			})
			notes = append(notes, "关联表\""+link.Name+"\"写入失败,主记录已保留,稍后可以让我重试。")
		}
	}
	return strings.Join(notes, "\n")
}

// --- update ---

// Update applies a single-field change to the active or referenced
// record.
type Update struct {
	deps Deps
}

// NewUpdate builds the update skill.
func NewUpdate(deps Deps) (*Update, error) {
	if err := deps.validate("update"); err != nil {
		return nil, err
	}
	return &Update{deps: deps}, nil
}

func (u *Update) Name() string { return "update" }

func (u *Update) Execute(ctx context.Context, turn *agent.Turn) (*agent.SkillResult, error) {
	cfg := u.deps.Intents.Config()

	var recordID, field, value string
	var tbl agent.TableSpec

	if p := turn.Pending; p != nil && p.Kind == agent.PendingCompleteFields {
		tbl = tableFromSlots(cfg, p.Slots)
		recordID, _ = p.Slots["record_id"].(string)
		field, _ = p.Slots["field"].(string)
		value = strings.TrimSpace(turn.Text)
	} else {
		recordID = resolveRecordID(turn)
		if recordID == "" {
			return &agent.SkillResult{OK: false, Code: "missing_record",
				Message: "要改哪条记录?请先查询,然后用\"第N个\"指定。"}, nil
		}
		m := updateRe.FindStringSubmatch(turn.Text)
		if m == nil {
			return &agent.SkillResult{OK: false, Code: "missing_fields",
				Message: "请告诉我要改什么,例如:把状态改为已完成"}, nil
		}
		field = cleanFieldName(m[1])
		value = strings.TrimSpace(m[2])
		tbl = tableForTurn(cfg, turn)
		if value == "" {
			prompt := "\"" + field + "\"要改成什么?请直接回复新值。"
			notice := turn.State.SetPending(&agent.PendingAction{
				Kind:   agent.PendingCompleteFields,
				Skill:  u.Name(),
				Prompt: prompt,
				Slots: map[string]any{
					"app_token": tbl.AppToken,
					"table_id":  tbl.TableID,
					"record_id": recordID,
					"field":     field,
				},
			}, u.deps.Renderer.Pick("superseded"))
			if notice != "" {
				prompt = notice + "\n" + prompt
			}
			return &agent.SkillResult{OK: true, Code: "complete_fields", Message: prompt}, nil
		}
	}

	params := tableParams(tbl)
	params["record_id"] = recordID
	params["fields"] = map[string]any{field: value}
	if _, err := u.deps.Tools.Call(ctx, "feishu.v1.bitable.record.update", params); err != nil {
		u.deps.Logger.WarnContext(ctx, "update failed",
			slog.String("record_id", recordID), slog.String("error", err.Error()))
		return &agent.SkillResult{OK: false, Code: "AGENT_002",
			Message: u.deps.Renderer.Pick("error_generic")}, nil
	}
	return &agent.SkillResult{OK: true,
		Message: "已把\"" + field + "\"更新为\"" + value + "\"。"}, nil
}

// --- delete ---

// Delete removes a single record after an explicit confirmation. Bulk
// deletion is refused outright.
type Delete struct {
	deps Deps
}

// NewDelete builds the delete skill.
func NewDelete(deps Deps) (*Delete, error) {
	if err := deps.validate("delete"); err != nil {
		return nil, err
	}
	return &Delete{deps: deps}, nil
}

func (d *Delete) Name() string { return "delete" }

func (d *Delete) Execute(ctx context.Context, turn *agent.Turn) (*agent.SkillResult, error) {
	cfg := d.deps.Intents.Config()

	// Confirmed continuation: do the delete.
	if p := turn.Pending; p != nil && p.Kind == agent.PendingConfirmDelete && turn.Confirmed {
		params := tableParams(tableFromSlots(cfg, p.Slots))
		params["record_id"], _ = p.Slots["record_id"].(string)
		if _, err := d.deps.Tools.Call(ctx, "feishu.v1.bitable.record.delete", params); err != nil {
			d.deps.Logger.WarnContext(ctx, "delete failed", slog.String("error", err.Error()))
			return &agent.SkillResult{OK: false, Code: "AGENT_002",
				Message: d.deps.Renderer.Pick("error_generic")}, nil
		}
		turn.State.ActiveRecord = ""
		return &agent.SkillResult{OK: true, Message: "已删除该记录。"}, nil
	}

	// Bulk destruction never reaches a tool call.
	if bulkDeleteRe.MatchString(turn.Text) {
		return &agent.SkillResult{OK: false, Code: "delete_disabled",
			Message: "为了安全,我不支持批量删除。请逐条指定要删除的记录。"}, nil
	}

	tbl := tableForTurn(cfg, turn)
	recordID := resolveRecordID(turn)
	display := recordID

	if recordID == "" {
		// Try a keyword lookup on the remaining text (e.g. 删除 P-0042).
		needle := strings.TrimSpace(deleteVerbRe.ReplaceAllString(turn.Text, ""))
		if needle == "" || tbl.TitleField == "" {
			return &agent.SkillResult{OK: false, Code: "missing_record",
				Message: "要删除哪条记录?请先查询,然后用\"第N个\"指定。"}, nil
		}
		params := tableParams(tbl)
		params["field"] = tbl.TitleField
		params["keyword"] = needle
		data, err := d.deps.Tools.Call(ctx, "feishu.v1.bitable.search_keyword", params)
		if err != nil {
			return &agent.SkillResult{OK: false, Code: "AGENT_002",
				Message: d.deps.Renderer.Pick("error_generic")}, nil
		}
		var page recordPage
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("decoding lookup result: %w", err)
		}
		switch len(page.Records) {
		case 0:
			return &agent.SkillResult{OK: false, Code: "missing_record",
				Message: "没有找到\"" + needle + "\"对应的记录。"}, nil
		case 1:
			recordID = page.Records[0].RecordID
			display = recordLine(page.Records[0], tbl.TitleField)
		default:
			ids := make([]string, 0, len(page.Records))
			lines := make([]string, 0, len(page.Records))
			for i, rec := range page.Records {
				ids = append(ids, rec.RecordID)
				lines = append(lines, fmt.Sprintf("%d. %s", i+1, recordLine(rec, tbl.TitleField)))
			}
			turn.State.LastResultIDs = ids
			return &agent.SkillResult{OK: false, Code: "record_ambiguous",
				Message: "找到多条匹配,请用\"删除第N个\"指定:\n" + strings.Join(lines, "\n")}, nil
		}
	}

	// Destructive actions are never auto-confirmed.
	prompt := "确定要删除\"" + display + "\"吗?回复\"确认\"执行,\"取消\"放弃。"
	notice := turn.State.SetPending(&agent.PendingAction{
		Kind:   agent.PendingConfirmDelete,
		Skill:  d.Name(),
		Prompt: prompt,
		Slots: map[string]any{
			"app_token": tbl.AppToken,
			"table_id":  tbl.TableID,
			"record_id": recordID,
		},
	}, d.deps.Renderer.Pick("superseded"))
	if notice != "" {
		prompt = notice + "\n" + prompt
	}
	return &agent.SkillResult{OK: true, Code: "confirm_delete", Message: prompt}, nil
}

// --- shared helpers ---

// parseFieldPairs reads "字段名 值" pairs after the create verb and
// table alias.
func parseFieldPairs(text string, tbl agent.TableSpec) map[string]any {
	text = createVerbRe.ReplaceAllString(strings.TrimSpace(text), "")
	for _, drop := range append([]string{tbl.Name}, tbl.Aliases...) {
		if drop != "" {
			text = strings.Replace(text, drop, "", 1)
		}
	}
	tokens := strings.Fields(text)
	fields := map[string]any{}
	for i := 0; i+1 < len(tokens); i += 2 {
		fields[tokens[i]] = tokens[i+1]
	}
	return fields
}

func missingRequired(tbl agent.TableSpec, fields map[string]any) []string {
	var missing []string
	for _, req := range tbl.RequiredFields {
		if _, ok := fields[req]; !ok {
			missing = append(missing, req)
		}
	}
	return missing
}

// resolveRecordID finds a record reference: an explicit id in the
// message, or the conversation's active record.
func resolveRecordID(turn *agent.Turn) string {
	if m := recordIDRe.FindString(turn.Text); m != "" {
		return m
	}
	return turn.State.ActiveRecord
}

func cleanFieldName(s string) string {
	s = strings.TrimSpace(s)
	s = recordIDRe.ReplaceAllString(s, "")
	for _, drop := range []string{"的", "记录", "这条", "那条", "这个", "那个"} {
		s = strings.ReplaceAll(s, drop, "")
	}
	return strings.TrimSpace(s)
}

// tableForTurn prefers the table of the last query, falling back to
// alias resolution and the default table.
func tableForTurn(cfg *agent.IntentConfig, turn *agent.Turn) agent.TableSpec {
	if lq := turn.State.LastQuery; lq != nil {
		if tableID, _ := lq.Params["table_id"].(string); tableID != "" {
			for _, t := range cfg.Tables {
				if t.TableID == tableID {
					return t
				}
			}
		}
	}
	if tbl, conf := cfg.ResolveTable(turn.Text); conf > 0 {
		return tbl
	}
	tbl, _ := cfg.DefaultTable()
	return tbl
}

func tableFromSlots(cfg *agent.IntentConfig, slots map[string]any) agent.TableSpec {
	tableID, _ := slots["table_id"].(string)
	appToken, _ := slots["app_token"].(string)
	for _, t := range cfg.Tables {
		if t.TableID == tableID {
			return t
		}
	}
	return agent.TableSpec{AppToken: appToken, TableID: tableID}
}
