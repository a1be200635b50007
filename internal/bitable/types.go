// Package bitable models records of the tabular backend: typed field
// values, per-record snapshots, and the change diff the automation
// engine matches rules against.
package bitable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the variant carried by a Value.
type Kind string

const (
	KindText         Kind = "text"
	KindNumber       Kind = "number"
	KindSingleSelect Kind = "single_select"
	KindMultiSelect  Kind = "multi_select"
	KindDate         Kind = "date"
	KindPerson       Kind = "person"
	KindPhone        Kind = "phone"
	KindLocation     Kind = "location"
	KindLink         Kind = "link"
	KindUnknown      Kind = "unknown"
)

// Value is a tagged variant over the known field kinds. Payloads the
// decoder does not recognize land in the Unknown variant carrying the
// raw bytes, and compare by byte equality.
type Value struct {
	Kind    Kind            `json:"kind"`
	Text    string          `json:"text,omitempty"`
	Number  float64         `json:"number,omitempty"`
	Options []string        `json:"options,omitempty"`
	DateMS  int64           `json:"date_ms,omitempty"`
	UserIDs []string        `json:"user_ids,omitempty"`
	Phone   string          `json:"phone,omitempty"`
	Loc     *Location       `json:"location,omitempty"`
	Records []string        `json:"record_ids,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// Location is the address payload of a location field.
type Location struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	Lat     string `json:"latitude,omitempty"`
	Lon     string `json:"longitude,omitempty"`
}

// Fields maps field name to value for one record.
type Fields map[string]Value

// Record is one row of a table.
type Record struct {
	RecordID     string `json:"record_id"`
	Fields       Fields `json:"fields"`
	LastModified int64  `json:"last_modified_time,omitempty"`
}

// Locator is the triplet required by every mutating record call.
type Locator struct {
	AppToken string `json:"app_token"`
	TableID  string `json:"table_id"`
	RecordID string `json:"record_id"`
}

func (l Locator) Validate() error {
	if l.AppToken == "" || l.TableID == "" || l.RecordID == "" {
		return fmt.Errorf("locator requires app_token, table_id and record_id")
	}
	return nil
}

// TableKey identifies a table across apps.
type TableKey struct {
	AppToken string
	TableID  string
}

func (k TableKey) String() string {
	if k.AppToken == "" {
		return k.TableID
	}
	return k.AppToken + "::" + k.TableID
}

// Change is one field-level difference between two snapshots.
type Change struct {
	Field string `json:"field"`
	Old   Value  `json:"old"`
	New   Value  `json:"new"`
}

// TextValue builds a text Value.
func TextValue(s string) Value { return Value{Kind: KindText, Text: s} }

// DateValue builds a date Value from epoch milliseconds (UTC).
func DateValue(ms int64) Value { return Value{Kind: KindDate, DateMS: ms} }

// SelectValue builds a single-select Value.
func SelectValue(opt string) Value { return Value{Kind: KindSingleSelect, Options: []string{opt}} }

// PersonValue builds a person Value from opaque user ids.
func PersonValue(ids ...string) Value { return Value{Kind: KindPerson, UserIDs: ids} }

// IsZero reports whether the value carries no payload.
func (v Value) IsZero() bool {
	switch v.Kind {
	case "", KindText:
		return v.Text == ""
	case KindNumber:
		return false
	case KindSingleSelect, KindMultiSelect:
		return len(v.Options) == 0
	case KindDate:
		return v.DateMS == 0
	case KindPerson:
		return len(v.UserIDs) == 0
	case KindPhone:
		return v.Phone == ""
	case KindLocation:
		return v.Loc == nil
	case KindLink:
		return len(v.Records) == 0
	default:
		return len(v.Raw) == 0
	}
}

// Equal compares two values. Unknown payloads compare by raw bytes,
// list-shaped kinds compare order-insensitively.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		// A zero value of any kind equals a zero value of any other kind,
		// so that a cleared field does not flap between variants.
		return v.IsZero() && o.IsZero()
	}
	switch v.Kind {
	case KindText:
		return v.Text == o.Text
	case KindNumber:
		return v.Number == o.Number
	case KindSingleSelect, KindMultiSelect:
		return equalUnordered(v.Options, o.Options)
	case KindDate:
		return v.DateMS == o.DateMS
	case KindPerson:
		return equalUnordered(v.UserIDs, o.UserIDs)
	case KindPhone:
		return v.Phone == o.Phone
	case KindLocation:
		if v.Loc == nil || o.Loc == nil {
			return v.Loc == o.Loc
		}
		return *v.Loc == *o.Loc
	case KindLink:
		return equalUnordered(v.Records, o.Records)
	default:
		return bytes.Equal(canonicalJSON(v.Raw), canonicalJSON(o.Raw))
	}
}

// String renders the value for templates and replies.
func (v Value) String() string {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case KindSingleSelect, KindMultiSelect:
		return strings.Join(v.Options, ", ")
	case KindDate:
		if v.DateMS == 0 {
			return ""
		}
		return strconv.FormatInt(v.DateMS, 10)
	case KindPerson:
		return strings.Join(v.UserIDs, ", ")
	case KindPhone:
		return v.Phone
	case KindLocation:
		if v.Loc == nil {
			return ""
		}
		if v.Loc.Name != "" {
			return v.Loc.Name
		}
		return v.Loc.Address
	case KindLink:
		return strings.Join(v.Records, ", ")
	default:
		return string(v.Raw)
	}
}

// Diff returns the per-field changes from old to new, sorted by field
// name so the derived business hash is stable.
func Diff(old, new Fields) []Change {
	var changes []Change
	seen := make(map[string]bool, len(old)+len(new))

	for name, nv := range new {
		seen[name] = true
		ov, ok := old[name]
		if !ok {
			if nv.IsZero() {
				continue
			}
			changes = append(changes, Change{Field: name, Old: Value{Kind: nv.Kind}, New: nv})
			continue
		}
		if !ov.Equal(nv) {
			changes = append(changes, Change{Field: name, Old: ov, New: nv})
		}
	}
	for name, ov := range old {
		if seen[name] || ov.IsZero() {
			continue
		}
		changes = append(changes, Change{Field: name, Old: ov, New: Value{Kind: ov.Kind}})
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes
}

// ChangedFields returns the set of field names touched by changes.
func ChangedFields(changes []Change) map[string]bool {
	set := make(map[string]bool, len(changes))
	for _, c := range changes {
		set[c.Field] = true
	}
	return set
}

// DecodeFields normalizes a raw API field map into typed values.
func DecodeFields(raw map[string]any) Fields {
	fields := make(Fields, len(raw))
	for name, value := range raw {
		fields[name] = DecodeValue(value)
	}
	return fields
}

// DecodeValue maps a dynamically-typed API payload onto a Value.
// Shapes the decoder does not recognize are preserved as Unknown.
func DecodeValue(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Value{Kind: KindText}
	case string:
		return TextValue(v)
	case float64:
		// Epoch-ms dates arrive as bare numbers; plausible timestamps
		// (2001..2286 in ms) are treated as dates.
		if v > 1e12 && v < 1e13 {
			return DateValue(int64(v))
		}
		return Value{Kind: KindNumber, Number: v}
	case bool:
		return TextValue(strconv.FormatBool(v))
	case []any:
		return decodeList(v)
	case map[string]any:
		return decodeObject(v)
	default:
		return rawValue(raw)
	}
}

func decodeList(items []any) Value {
	if len(items) == 0 {
		return Value{Kind: KindMultiSelect}
	}
	switch first := items[0].(type) {
	case string:
		opts := make([]string, 0, len(items))
		for _, it := range items {
			if s, ok := it.(string); ok {
				opts = append(opts, s)
			}
		}
		if len(opts) == 1 {
			return Value{Kind: KindSingleSelect, Options: opts}
		}
		return Value{Kind: KindMultiSelect, Options: opts}
	case map[string]any:
		if _, ok := first["id"]; ok {
			ids := make([]string, 0, len(items))
			for _, it := range items {
				m, ok := it.(map[string]any)
				if !ok {
					continue
				}
				if id, ok := m["id"].(string); ok {
					ids = append(ids, id)
				}
			}
			return Value{Kind: KindPerson, UserIDs: ids}
		}
		if _, ok := first["record_ids"]; ok {
			var ids []string
			for _, it := range items {
				m, _ := it.(map[string]any)
				if list, ok := m["record_ids"].([]any); ok {
					for _, rid := range list {
						if s, ok := rid.(string); ok {
							ids = append(ids, s)
						}
					}
				}
			}
			return Value{Kind: KindLink, Records: ids}
		}
		// Rich text segments: [{"type":"text","text":"..."}].
		if _, ok := first["text"]; ok {
			var sb strings.Builder
			for _, it := range items {
				m, _ := it.(map[string]any)
				if s, ok := m["text"].(string); ok {
					sb.WriteString(s)
				}
			}
			return TextValue(sb.String())
		}
	}
	return rawValue(items)
}

func decodeObject(m map[string]any) Value {
	if _, ok := m["location"]; ok || hasKeys(m, "address", "name") {
		loc := &Location{}
		if s, ok := m["name"].(string); ok {
			loc.Name = s
		}
		if s, ok := m["address"].(string); ok {
			loc.Address = s
		}
		if s, ok := m["latitude"].(string); ok {
			loc.Lat = s
		}
		if s, ok := m["longitude"].(string); ok {
			loc.Lon = s
		}
		return Value{Kind: KindLocation, Loc: loc}
	}
	if ids, ok := m["link_record_ids"].([]any); ok {
		var out []string
		for _, id := range ids {
			if s, ok := id.(string); ok {
				out = append(out, s)
			}
		}
		return Value{Kind: KindLink, Records: out}
	}
	return rawValue(m)
}

// EncodeFields converts typed values back to the wire shape for writes.
func EncodeFields(fields Fields) map[string]any {
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		out[name] = v.Encode()
	}
	return out
}

// Encode converts a Value to its API write representation.
func (v Value) Encode() any {
	switch v.Kind {
	case KindText, KindPhone:
		return v.String()
	case KindNumber:
		return v.Number
	case KindSingleSelect:
		if len(v.Options) > 0 {
			return v.Options[0]
		}
		return ""
	case KindMultiSelect:
		return v.Options
	case KindDate:
		return v.DateMS
	case KindPerson:
		out := make([]map[string]string, 0, len(v.UserIDs))
		for _, id := range v.UserIDs {
			out = append(out, map[string]string{"id": id})
		}
		return out
	case KindLocation:
		if v.Loc == nil {
			return nil
		}
		return v.Loc
	case KindLink:
		return v.Records
	default:
		var anyVal any
		if err := json.Unmarshal(v.Raw, &anyVal); err != nil {
			return string(v.Raw)
		}
		return anyVal
	}
}

func rawValue(v any) Value {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(fmt.Sprintf("%q", fmt.Sprint(v)))
	}
	return Value{Kind: KindUnknown, Raw: raw}
}

func hasKeys(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func equalUnordered(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func canonicalJSON(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
