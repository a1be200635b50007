package agent

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParsedTime is a natural-language time resolved in the conversation's
// timezone.
type ParsedTime struct {
	Time time.Time
	// Defaulted is true when no clock time was given and the 18:00
	// default was applied. Callers label the reply accordingly.
	Defaulted bool
}

var (
	clockRe    = regexp.MustCompile(`(\d{1,2})[:点](\d{1,2})?分?`)
	halfRe     = regexp.MustCompile(`(\d{1,2})点半`)
	monthDayRe = regexp.MustCompile(`(\d{1,2})月(\d{1,2})[日号]`)
)

// ParseWhen resolves expressions like 明天下午3点 / 今天 / 2月7日 9:30.
// Without a clock time the result defaults to 18:00 on the resolved
// day. ok is false when the text contains no recognizable time at all.
func ParseWhen(text string, now time.Time, loc *time.Location) (ParsedTime, bool) {
	now = now.In(loc)
	day := now
	dayFound := false

	switch {
	case strings.Contains(text, "大后天"):
		day = now.AddDate(0, 0, 3)
		dayFound = true
	case strings.Contains(text, "后天"):
		day = now.AddDate(0, 0, 2)
		dayFound = true
	case strings.Contains(text, "明天"):
		day = now.AddDate(0, 0, 1)
		dayFound = true
	case strings.Contains(text, "昨天"):
		day = now.AddDate(0, 0, -1)
		dayFound = true
	case strings.Contains(text, "今天"):
		dayFound = true
	}
	if m := monthDayRe.FindStringSubmatch(text); m != nil {
		month, _ := strconv.Atoi(m[1])
		d, _ := strconv.Atoi(m[2])
		if month >= 1 && month <= 12 && d >= 1 && d <= 31 {
			day = time.Date(now.Year(), time.Month(month), d, 0, 0, 0, 0, loc)
			// A bare month/day in the past rolls to next year.
			if day.AddDate(0, 0, 1).Before(now) && !strings.Contains(text, "昨天") {
				day = day.AddDate(1, 0, 0)
			}
			dayFound = true
		}
	}

	hour, minute, clockFound := parseClock(text)
	if !dayFound && !clockFound {
		return ParsedTime{}, false
	}
	defaulted := false
	if !clockFound {
		hour, minute = 18, 0
		defaulted = true
	}
	return ParsedTime{
		Time:      time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc),
		Defaulted: defaulted,
	}, true
}

// parseClock extracts an hour/minute, applying 下午/晚上 12h offsets.
func parseClock(text string) (int, int, bool) {
	var hour, minute int
	found := false

	if m := halfRe.FindStringSubmatch(text); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute = 30
		found = true
	} else if m := clockRe.FindStringSubmatch(text); m != nil {
		hour, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		found = true
	}
	if !found || hour > 23 || minute > 59 {
		return 0, 0, false
	}

	pm := strings.Contains(text, "下午") || strings.Contains(text, "晚上") || strings.Contains(text, "傍晚")
	if pm && hour < 12 {
		hour += 12
	}
	if strings.Contains(text, "中午") && hour < 11 {
		hour += 12
	}
	return hour, minute, true
}

// DayRange resolves 今天/明天/昨天 (and bare month-day) to the local
// [00:00, 23:59:59.999] window as epoch milliseconds.
func DayRange(text string, now time.Time, loc *time.Location) (startMS, endMS int64, ok bool) {
	now = now.In(loc)
	day := now
	switch {
	case strings.Contains(text, "后天"):
		day = now.AddDate(0, 0, 2)
	case strings.Contains(text, "明天"):
		day = now.AddDate(0, 0, 1)
	case strings.Contains(text, "昨天"):
		day = now.AddDate(0, 0, -1)
	case strings.Contains(text, "今天"), strings.Contains(text, "今日"):
	default:
		m := monthDayRe.FindStringSubmatch(text)
		if m == nil {
			return 0, 0, false
		}
		month, _ := strconv.Atoi(m[1])
		d, _ := strconv.Atoi(m[2])
		if month < 1 || month > 12 || d < 1 || d > 31 {
			return 0, 0, false
		}
		day = time.Date(now.Year(), time.Month(month), d, 0, 0, 0, 0, loc)
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1).Add(-time.Millisecond)
	return start.UnixMilli(), end.UnixMilli(), true
}
