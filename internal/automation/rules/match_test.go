package rules

import (
	"testing"

	"github.com/jkaninda/kazi/internal/bitable"
)

func diffInput(kind string, old, new bitable.Fields) MatchInput {
	return MatchInput{EventKind: kind, Old: old, New: new, Changes: bitable.Diff(old, new)}
}

func TestMatchEqualsFiresOnTransition(t *testing.T) {
	rule := Rule{
		Trigger: Trigger{
			On:        []string{OnUpdated},
			Field:     "状态",
			Condition: &Condition{Kind: KindEquals, Value: "已完成"},
		},
	}

	old := bitable.Fields{"状态": bitable.SelectValue("处理中")}
	new := bitable.Fields{"状态": bitable.SelectValue("已完成")}
	ok, field := Match(&rule, diffInput(OnUpdated, old, new))
	if !ok || field != "状态" {
		t.Fatalf("expected match on 状态, got ok=%v field=%q", ok, field)
	}

	// Same value on both sides: no transition, no fire.
	ok, _ = Match(&rule, diffInput(OnUpdated, new, new))
	if ok {
		t.Error("equals fired without a transition")
	}

	// Different value: no fire.
	other := bitable.Fields{"状态": bitable.SelectValue("已取消")}
	ok, _ = Match(&rule, diffInput(OnUpdated, old, other))
	if ok {
		t.Error("equals fired on the wrong value")
	}
}

func TestMatchChangedAndEventKinds(t *testing.T) {
	rule := Rule{
		Trigger: Trigger{
			On:    []string{OnUpdated},
			Field: "截止时间",
		},
	}
	old := bitable.Fields{"截止时间": bitable.DateValue(1700000000000)}
	new := bitable.Fields{"截止时间": bitable.DateValue(1700003600000)}

	if ok, _ := Match(&rule, diffInput(OnUpdated, old, new)); !ok {
		t.Error("changed field did not match")
	}
	if ok, _ := Match(&rule, diffInput(OnCreated, nil, new)); ok {
		t.Error("rule subscribed to updated fired on created")
	}

	created := Rule{Trigger: Trigger{On: []string{OnCreated}, Field: "截止时间"}}
	if ok, _ := Match(&created, diffInput(OnCreated, nil, new)); !ok {
		t.Error("created rule did not fire on non-empty field")
	}
	if ok, _ := Match(&created, diffInput(OnCreated, nil, bitable.Fields{})); ok {
		t.Error("created rule fired on missing field")
	}
}

func TestMatchInList(t *testing.T) {
	rule := Rule{
		Trigger: Trigger{
			On:        []string{OnUpdated},
			Field:     "优先级",
			Condition: &Condition{Kind: KindIn, Values: []any{"高", "紧急"}},
		},
	}
	old := bitable.Fields{"优先级": bitable.SelectValue("低")}
	if ok, _ := Match(&rule, diffInput(OnUpdated, old, bitable.Fields{"优先级": bitable.SelectValue("紧急")})); !ok {
		t.Error("in-list did not match 紧急")
	}
	if ok, _ := Match(&rule, diffInput(OnUpdated, old, bitable.Fields{"优先级": bitable.SelectValue("中")})); ok {
		t.Error("in-list matched a value outside the list")
	}
}

func TestMatchAnyFieldChangedWithExclude(t *testing.T) {
	rule := Rule{
		Trigger: Trigger{
			On:        []string{OnUpdated},
			Condition: &Condition{Kind: KindAnyFieldChanged, Exclude: []string{"更新时间"}},
		},
	}

	old := bitable.Fields{"更新时间": bitable.DateValue(1700000000000)}
	onlyExcluded := bitable.Fields{"更新时间": bitable.DateValue(1700003600000)}
	if ok, _ := Match(&rule, diffInput(OnUpdated, old, onlyExcluded)); ok {
		t.Error("fired when only an excluded field changed")
	}

	withReal := bitable.Fields{
		"更新时间": bitable.DateValue(1700003600000),
		"标题":   bitable.TextValue("new"),
	}
	if ok, _ := Match(&rule, diffInput(OnUpdated, old, withReal)); !ok {
		t.Error("did not fire when a non-excluded field changed")
	}
}

func TestMatchCombinators(t *testing.T) {
	allRule := Rule{
		Trigger: Trigger{
			On: []string{OnUpdated},
			All: []Condition{
				{Kind: KindChanged, Field: "状态"},
				{Kind: KindEquals, Field: "状态", Value: "已完成"},
			},
		},
	}
	anyRule := Rule{
		Trigger: Trigger{
			On: []string{OnUpdated},
			Any: []Condition{
				{Kind: KindEquals, Field: "状态", Value: "已取消"},
				{Kind: KindChanged, Field: "负责人"},
			},
		},
	}

	old := bitable.Fields{
		"状态":  bitable.SelectValue("处理中"),
		"负责人": bitable.PersonValue("ou_1"),
	}
	done := bitable.Fields{
		"状态":  bitable.SelectValue("已完成"),
		"负责人": bitable.PersonValue("ou_1"),
	}
	reassigned := bitable.Fields{
		"状态":  bitable.SelectValue("处理中"),
		"负责人": bitable.PersonValue("ou_2"),
	}

	if ok, _ := Match(&allRule, diffInput(OnUpdated, old, done)); !ok {
		t.Error("all-combinator did not fire when every condition held")
	}
	if ok, _ := Match(&allRule, diffInput(OnUpdated, old, reassigned)); ok {
		t.Error("all-combinator fired with a failing condition")
	}
	if ok, _ := Match(&anyRule, diffInput(OnUpdated, old, reassigned)); !ok {
		t.Error("any-combinator did not fire on second condition")
	}
}

func TestMatchMultiValuedCells(t *testing.T) {
	rule := Rule{
		Trigger: Trigger{
			On:        []string{OnUpdated},
			Field:     "标签",
			Condition: &Condition{Kind: KindEquals, Value: "加急"},
		},
	}
	old := bitable.Fields{"标签": {Kind: bitable.KindMultiSelect, Options: []string{"常规"}}}
	new := bitable.Fields{"标签": {Kind: bitable.KindMultiSelect, Options: []string{"常规", "加急"}}}
	if ok, _ := Match(&rule, diffInput(OnUpdated, old, new)); !ok {
		t.Error("multi-select equals did not match an element")
	}
}
