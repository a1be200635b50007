package agent

import (
	"regexp"
	"strconv"
	"strings"
)

// L0 short-circuit tokens. These never reach the intent parser.
var (
	confirmTokens = map[string]bool{"确认": true, "是": true}
	cancelTokens  = map[string]bool{"取消": true, "否": true}

	nextPageTokens = map[string]bool{"下一页": true, "下页": true, "更多": true}

	ordinalRe  = regexp.MustCompile(`^第?(\d{1,3})[个条]?$`)
	cnOrdinals = map[string]int{"一": 1, "二": 2, "三": 3, "四": 4, "五": 5,
		"六": 6, "七": 7, "八": 8, "九": 9, "十": 10}
	cnOrdinalRe = regexp.MustCompile(`^第([一二三四五六七八九十])[个条]?$`)

	embeddedOrdinalRe   = regexp.MustCompile(`第(\d{1,3})[个条]`)
	embeddedCnOrdinalRe = regexp.MustCompile(`第([一二三四五六七八九十])[个条]`)
)

// l0Result is the outcome of the deterministic layer.
type l0Result struct {
	// reply short-circuits the turn with canned text.
	reply string
	// dispatch routes the turn to a specific skill without intent parsing.
	dispatch string
	// noticePrefix is prepended to whatever the rest of the pipeline says.
	noticePrefix string
}

// runL0 applies the deterministic pre-pipeline rules. handled=false
// means the turn continues into intent parsing (possibly with state
// mutated, e.g. an implicit cancel or a resolved referent).
func (o *Orchestrator) runL0(turn *Turn) (l0Result, bool) {
	text := strings.TrimSpace(turn.Text)
	state := turn.State

	// Empty input.
	if text == "" {
		o.metrics.RecordMessage("l0")
		return l0Result{reply: o.renderer.Pick("empty_input")}, true
	}

	// Explicit confirmation / cancellation against the pending slot.
	if confirmTokens[text] {
		o.metrics.RecordMessage("l0")
		pending := state.TakePending(o.pendingTTL)
		if pending == nil {
			return l0Result{reply: o.renderer.Pick("nothing_to_confirm")}, true
		}
		turn.Pending = pending
		turn.Confirmed = true
		return l0Result{dispatch: pending.Skill}, true
	}
	if cancelTokens[text] {
		o.metrics.RecordMessage("l0")
		if state.TakePending(o.pendingTTL) == nil {
			return l0Result{reply: o.renderer.Pick("nothing_to_confirm")}, true
		}
		return l0Result{reply: o.renderer.Pick("cancelled")}, true
	}

	// A complete_fields continuation consumes the whole next turn as
	// the missing value; the owning skill interprets it.
	if state.Pending != nil && state.Pending.Kind == PendingCompleteFields {
		o.metrics.RecordMessage("l0")
		pending := state.TakePending(o.pendingTTL)
		if pending != nil {
			turn.Pending = pending
			return l0Result{dispatch: pending.Skill}, true
		}
	}

	// Pagination against the last query.
	if nextPageTokens[text] {
		o.metrics.RecordMessage("l0")
		switch {
		case state.LastQuery == nil:
			return l0Result{reply: o.renderer.Pick("no_last_result")}, true
		case !state.LastQuery.HasMore:
			return l0Result{reply: o.renderer.Pick("no_more_pages")}, true
		default:
			turn.PageToken = state.LastQuery.PageToken
			return l0Result{dispatch: "query"}, true
		}
	}

	// Referent tokens resolved against the last result list.
	if n, bare := parseReferent(text); n != 0 || bare {
		if len(state.LastResultIDs) == 0 {
			o.metrics.RecordMessage("l0")
			return l0Result{reply: o.renderer.Pick("bad_referent")}, true
		}
		idx := n - 1
		if bare && n == 0 {
			idx = 0 // 这个/那条 → most recent single referent
		}
		if idx < 0 || idx >= len(state.LastResultIDs) {
			o.metrics.RecordMessage("l0")
			return l0Result{reply: o.renderer.Pick("bad_referent")}, true
		}
		state.ActiveRecord = state.LastResultIDs[idx]
		if isBareReferent(text) {
			// The whole message is the referent: show the record.
			o.metrics.RecordMessage("l0")
			turn.DetailRecord = state.ActiveRecord
			return l0Result{dispatch: "query"}, true
		}
		// Referent inside a larger command ("删除第3个"): the pipeline
		// continues with ActiveRecord seeded.
	}

	// Unrelated input while a confirm is pending: implicit cancel with
	// a notice, then the normal pipeline handles the message.
	if state.Pending != nil {
		state.Pending = nil
		return l0Result{noticePrefix: o.renderer.Pick("implicit_cancel")}, false
	}

	return l0Result{}, false
}

// parseReferent extracts an ordinal from 第N个/第三条; bare reports the
// anaphora forms 这个/那条/这条/那个.
func parseReferent(text string) (n int, bare bool) {
	if text == "这个" || text == "那个" || text == "这条" || text == "那条" {
		return 0, true
	}
	if m := ordinalRe.FindStringSubmatch(text); m != nil && strings.HasPrefix(text, "第") {
		n, _ = strconv.Atoi(m[1])
		return n, false
	}
	if m := cnOrdinalRe.FindStringSubmatch(text); m != nil {
		return cnOrdinals[m[1]], false
	}
	// Embedded referent: 删除第3个 / 看看第三条.
	if m := embeddedOrdinalRe.FindStringSubmatch(text); m != nil {
		n, _ = strconv.Atoi(m[1])
		return n, false
	}
	if m := embeddedCnOrdinalRe.FindStringSubmatch(text); m != nil {
		return cnOrdinals[m[1]], false
	}
	return 0, false
}

// isBareReferent reports whether the message is nothing but a referent.
func isBareReferent(text string) bool {
	if text == "这个" || text == "那个" || text == "这条" || text == "那条" {
		return true
	}
	return ordinalRe.MatchString(text) || cnOrdinalRe.MatchString(text)
}
