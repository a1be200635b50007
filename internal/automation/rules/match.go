package rules

import (
	"fmt"

	"github.com/jkaninda/kazi/internal/bitable"
)

// MatchInput is everything a predicate can look at.
type MatchInput struct {
	EventKind string // created | updated
	Old       bitable.Fields
	New       bitable.Fields
	Changes   []bitable.Change
}

// Match reports whether the rule's trigger fires for the given diff,
// and which field carried the decision (empty for any_field_changed).
func Match(rule *Rule, in MatchInput) (bool, string) {
	if !rule.TriggersOn(in.EventKind) {
		return false, ""
	}

	t := &rule.Trigger
	switch {
	case len(t.All) > 0:
		field := ""
		for i := range t.All {
			ok, f := evalCondition(&t.All[i], t.Field, in)
			if !ok {
				return false, ""
			}
			if field == "" {
				field = f
			}
		}
		return true, field
	case len(t.Any) > 0:
		for i := range t.Any {
			if ok, f := evalCondition(&t.Any[i], t.Field, in); ok {
				return true, f
			}
		}
		return false, ""
	case t.Condition != nil:
		return evalCondition(t.Condition, t.Field, in)
	case t.Field != "":
		// Bare field means "this field changed".
		c := Condition{Kind: KindChanged, Field: t.Field}
		return evalCondition(&c, t.Field, in)
	default:
		return false, ""
	}
}

func evalCondition(c *Condition, defaultField string, in MatchInput) (bool, string) {
	field := c.Field
	if field == "" {
		field = defaultField
	}

	switch c.Kind {
	case KindAnyFieldChanged:
		excluded := make(map[string]bool, len(c.Exclude))
		for _, f := range c.Exclude {
			excluded[f] = true
		}
		for _, ch := range in.Changes {
			if !excluded[ch.Field] {
				return true, ""
			}
		}
		return false, ""

	case KindChanged, "":
		if field == "" {
			return false, ""
		}
		if in.EventKind == OnCreated {
			// A created record "changes" every non-empty field.
			v, ok := in.New[field]
			return ok && !v.IsZero(), field
		}
		for _, ch := range in.Changes {
			if ch.Field == field {
				return true, field
			}
		}
		return false, ""

	case KindEquals:
		if field == "" {
			return false, ""
		}
		v, ok := in.New[field]
		if !ok {
			return false, ""
		}
		if !valueMatches(v, c.Value) {
			return false, ""
		}
		// On updates, equals only fires when the field actually moved
		// to the value; a no-op event on an already-equal field is not
		// a transition.
		if in.EventKind == OnUpdated && !fieldChanged(in.Changes, field) {
			return false, ""
		}
		return true, field

	case KindIn:
		if field == "" {
			return false, ""
		}
		v, ok := in.New[field]
		if !ok {
			return false, ""
		}
		for _, candidate := range c.Values {
			if valueMatches(v, candidate) {
				if in.EventKind == OnUpdated && !fieldChanged(in.Changes, field) {
					return false, ""
				}
				return true, field
			}
		}
		return false, ""

	default:
		return false, ""
	}
}

func fieldChanged(changes []bitable.Change, field string) bool {
	for _, ch := range changes {
		if ch.Field == field {
			return true
		}
	}
	return false
}

// valueMatches compares a cell against a rule-file literal by string
// form. Multi-valued cells (multi-select, person lists) match when any
// element matches.
func valueMatches(v bitable.Value, want any) bool {
	wanted := fmt.Sprint(want)
	switch v.Kind {
	case bitable.KindMultiSelect:
		for _, opt := range v.Options {
			if opt == wanted {
				return true
			}
		}
		return false
	case bitable.KindPerson:
		for _, u := range v.UserIDs {
			if u == wanted {
				return true
			}
		}
		return false
	default:
		return v.String() == wanted
	}
}
