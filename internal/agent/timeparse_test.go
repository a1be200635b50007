package agent

import (
	"testing"
	"time"
)

var cst = time.FixedZone("CST", 8*3600)

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, cst) // a Monday morning

	cases := []struct {
		text      string
		want      time.Time
		defaulted bool
	}{
		{"明天下午3点提醒我开会", time.Date(2026, 8, 25, 15, 0, 0, 0, cst), false},
		{"今天9点半", time.Date(2026, 8, 24, 9, 30, 0, 0, cst), false},
		{"后天10:45交材料", time.Date(2026, 8, 26, 10, 45, 0, 0, cst), false},
		{"明天提醒我交材料", time.Date(2026, 8, 25, 18, 0, 0, 0, cst), true},
		{"9月1日上午10点", time.Date(2026, 9, 1, 10, 0, 0, 0, cst), false},
		// A bare month-day already past rolls to next year.
		{"1月5日开庭", time.Date(2027, 1, 5, 18, 0, 0, 0, cst), true},
		{"晚上8点", time.Date(2026, 8, 24, 20, 0, 0, 0, cst), false},
	}
	for _, tc := range cases {
		got, ok := ParseWhen(tc.text, now, cst)
		if !ok {
			t.Errorf("ParseWhen(%q): not recognized", tc.text)
			continue
		}
		if !got.Time.Equal(tc.want) {
			t.Errorf("ParseWhen(%q) = %v, want %v", tc.text, got.Time, tc.want)
		}
		if got.Defaulted != tc.defaulted {
			t.Errorf("ParseWhen(%q) defaulted = %v, want %v", tc.text, got.Defaulted, tc.defaulted)
		}
	}

	if _, ok := ParseWhen("查一下我的案件", now, cst); ok {
		t.Error("text without a time expression was recognized")
	}
}

func TestDayRange(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, cst)

	start, end, ok := DayRange("明天开庭的案件", now, cst)
	if !ok {
		t.Fatal("明天 not recognized")
	}
	wantStart := time.Date(2026, 8, 25, 0, 0, 0, 0, cst).UnixMilli()
	wantEnd := time.Date(2026, 8, 26, 0, 0, 0, 0, cst).Add(-time.Millisecond).UnixMilli()
	if start != wantStart || end != wantEnd {
		t.Errorf("range = [%d, %d], want [%d, %d]", start, end, wantStart, wantEnd)
	}

	if _, _, ok := DayRange("我的案件", now, cst); ok {
		t.Error("text without a day expression was recognized")
	}
}
