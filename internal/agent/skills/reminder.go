package skills

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/reminder"
)

var (
	remindContentRe = regexp.MustCompile(`提醒我?(.*)$`)
	listWordsRe     = regexp.MustCompile(`(查看|看看|列出|我的).{0,4}提醒|提醒列表`)
	doneWordsRe     = regexp.MustCompile(`(完成|办完|做完)`)
	dropWordsRe     = regexp.MustCompile(`(删除|删掉|取消)`)
	reminderIdxRe   = regexp.MustCompile(`第?(\d{1,3})[个条]?`)
)

// Reminders is the reminder CRUD skill backed by the durable store.
type Reminders struct {
	deps  Deps
	store reminder.Store
}

// NewReminders builds the reminder skill. The store is required.
func NewReminders(deps Deps, store reminder.Store) (*Reminders, error) {
	if deps.Renderer == nil {
		return nil, fmt.Errorf("reminder: renderer is required")
	}
	if store == nil {
		return nil, fmt.Errorf("reminder: store is required")
	}
	return &Reminders{deps: deps, store: store}, nil
}

func (r *Reminders) Name() string { return "reminder" }

func (r *Reminders) Execute(ctx context.Context, turn *agent.Turn) (*agent.SkillResult, error) {
	text := turn.Text

	switch {
	case listWordsRe.MatchString(text):
		return r.list(ctx, turn)
	case doneWordsRe.MatchString(text):
		return r.transition(ctx, turn, reminder.StatusDone, "已标记完成。")
	case dropWordsRe.MatchString(text):
		return r.transition(ctx, turn, reminder.StatusCancelled, "已删除该提醒。")
	default:
		return r.create(ctx, turn)
	}
}

func (r *Reminders) create(ctx context.Context, turn *agent.Turn) (*agent.SkillResult, error) {
	text := turn.Text
	when, ok := agent.ParseWhen(text, r.deps.now(), r.deps.Location)
	if !ok {
		// No time expression at all: default to today 18:00, labeled below.
		now := r.deps.now()
		when = agent.ParsedTime{
			Time:      time.Date(now.Year(), now.Month(), now.Day(), 18, 0, 0, 0, r.deps.Location),
			Defaulted: true,
		}
	}
	if when.Time.Before(r.deps.now()) {
		return &agent.SkillResult{OK: false, Code: "past_time",
			Message: "这个时间已经过去了,请换一个将来的时间,例如:明天上午9点。"}, nil
	}

	content := extractReminderContent(text)
	if content == "" {
		return &agent.SkillResult{OK: false, Code: "missing_fields",
			Message: "要提醒您做什么?例如:明天下午3点提醒我准备开庭材料"}, nil
	}

	rec := &reminder.Reminder{
		UserID:  turn.OpenID,
		ChatID:  turn.ChatID,
		Content: content,
		DueAt:   when.Time,
	}
	if err := r.store.Create(ctx, rec); err != nil {
		r.deps.Logger.ErrorContext(ctx, "reminder create failed", slog.String("error", err.Error()))
		return &agent.SkillResult{OK: false, Code: "AGENT_002",
			Message: r.deps.Renderer.Pick("error_generic")}, nil
	}

	msg := fmt.Sprintf("好的,%s 提醒您:%s", when.Time.Format("2006-01-02 15:04"), content)
	if when.Defaulted {
		msg += "(未指定具体时间,默认今天 18:00)"
	}
	return &agent.SkillResult{OK: true, Message: msg}, nil
}

func (r *Reminders) list(ctx context.Context, turn *agent.Turn) (*agent.SkillResult, error) {
	items, err := r.store.ListByUser(ctx, turn.OpenID, reminder.StatusPending, 10)
	if err != nil {
		return &agent.SkillResult{OK: false, Code: "AGENT_002",
			Message: r.deps.Renderer.Pick("error_generic")}, nil
	}
	if len(items) == 0 {
		return &agent.SkillResult{OK: true, Message: "您当前没有待办提醒。"}, nil
	}
	lines := make([]string, 0, len(items))
	ids := make([]string, 0, len(items))
	for i, item := range items {
		lines = append(lines, fmt.Sprintf("%d. %s — %s",
			i+1, item.DueAt.In(r.deps.Location).Format("01-02 15:04"), item.Content))
		ids = append(ids, strconv.FormatUint(uint64(item.ID), 10))
	}
	turn.State.LastResultIDs = ids
	return &agent.SkillResult{
		OK:        true,
		Message:   "您的待办提醒:\n" + strings.Join(lines, "\n"),
		ResultIDs: ids,
		Blocks:    []agent.Block{{Kind: "list", Title: "待办提醒", Lines: lines}},
	}, nil
}

// transition resolves 第N个 against the last listed reminders.
func (r *Reminders) transition(ctx context.Context, turn *agent.Turn, status, doneMsg string) (*agent.SkillResult, error) {
	id, ok := r.resolveReminderID(turn)
	if !ok {
		return &agent.SkillResult{OK: false, Code: "missing_record",
			Message: "要操作哪条提醒?先说\"查看提醒\",再用\"第N个\"指定。"}, nil
	}
	if err := r.store.SetStatus(ctx, turn.OpenID, id, status); err != nil {
		return &agent.SkillResult{OK: false, Code: "AGENT_002",
			Message: "没找到这条提醒,可能已被处理。"}, nil
	}
	return &agent.SkillResult{OK: true, Message: doneMsg}, nil
}

func (r *Reminders) resolveReminderID(turn *agent.Turn) (uint, bool) {
	m := reminderIdxRe.FindStringSubmatch(turn.Text)
	if m == nil || len(turn.State.LastResultIDs) == 0 {
		return 0, false
	}
	idx, _ := strconv.Atoi(m[1])
	if idx < 1 || idx > len(turn.State.LastResultIDs) {
		return 0, false
	}
	id, err := strconv.ParseUint(turn.State.LastResultIDs[idx-1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

// extractReminderContent strips the trigger phrase and time words.
func extractReminderContent(text string) string {
	content := text
	if m := remindContentRe.FindStringSubmatch(text); m != nil {
		content = m[1]
	}
	for _, drop := range []string{"今天", "明天", "后天", "大后天", "昨天", "上午", "下午", "晚上", "中午"} {
		content = strings.ReplaceAll(content, drop, "")
	}
	content = clockRe.ReplaceAllString(content, "")
	content = monthDayRe.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

var (
	clockRe    = regexp.MustCompile(`\d{1,2}[:点](\d{1,2})?[分半]?`)
	monthDayRe = regexp.MustCompile(`\d{1,2}月\d{1,2}[日号]`)
)
