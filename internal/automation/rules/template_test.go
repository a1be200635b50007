package rules

import (
	"reflect"
	"testing"

	"github.com/jkaninda/kazi/internal/bitable"
)

func TestRenderResolvesFieldsAndEnvelope(t *testing.T) {
	ctx := RenderContext{
		EventID:  "ev_1",
		TableID:  "tblTasks",
		RecordID: "rec_1",
		Error:    "boom",
		Fields: bitable.Fields{
			"标题": bitable.TextValue("修复登录"),
			"状态": bitable.SelectValue("已完成"),
		},
	}

	got := Render("[{table_id}/{record_id}] {标题} -> {状态} ({不存在})", ctx)
	want := "[tblTasks/rec_1] 修复登录 -> 已完成 ()"
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}

	if got := Render("failed: {error}", ctx); got != "failed: boom" {
		t.Errorf("error placeholder = %q", got)
	}
}

func TestPlaceholdersSkipsEnvelopeKeys(t *testing.T) {
	got := Placeholders("{record_id} {标题} {负责人} {event_id}")
	want := []string{"标题", "负责人"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Placeholders = %v, want %v", got, want)
	}
}

func TestPlanForTable(t *testing.T) {
	tableRules := []Rule{
		{
			Trigger: Trigger{Field: "状态", Condition: &Condition{Kind: KindEquals, Value: "已完成"}},
			Pipeline: []Action{
				{Type: "log.write", Template: "done: {标题}"},
				{Type: "calendar.create", Title: "复盘 {标题}", StartField: "开始时间", EndField: "结束时间"},
			},
		},
		{
			Trigger: Trigger{Field: "负责人"},
			Pipeline: []Action{
				{Type: "bitable.update", Fields: map[string]string{"备注": "{负责人} 接手"}},
			},
		},
	}

	plan := PlanForTable(tableRules)
	if plan.Full {
		t.Fatal("expected a restricted plan")
	}
	want := []string{"开始时间", "标题", "状态", "结束时间", "负责人"}
	if !reflect.DeepEqual(plan.Fields, want) {
		t.Errorf("plan fields = %v, want %v", plan.Fields, want)
	}
}

func TestPlanForTableFullOnAnyFieldChanged(t *testing.T) {
	tableRules := []Rule{
		{Trigger: Trigger{Condition: &Condition{Kind: KindAnyFieldChanged}},
			Pipeline: []Action{{Type: "log.write", Template: "x"}}},
	}
	if plan := PlanForTable(tableRules); !plan.Full {
		t.Error("any_field_changed must force a full fetch")
	}
}
