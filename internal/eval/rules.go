package eval

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Condition is one typed rule: resolve Field from the context, resolve the
// comparison value by ValueType, apply Operator.
type Condition struct {
	Field     string `json:"field"`
	Operator  string `json:"operator"`
	Value     any    `json:"value,omitempty"`
	ValueType string `json:"value_type,omitempty"` // static|field|current_user|current_date|current_datetime|now
}

// Group is a set of conditions combined by Logic ("and"/"or", default "and").
type Group struct {
	Logic      string      `json:"logic,omitempty"`
	Conditions []Condition `json:"conditions"`
}

// RuleSet combines group results by Logic ("and"/"or", default "and").
type RuleSet struct {
	Logic  string  `json:"logic,omitempty"`
	Groups []Group `json:"groups"`
}

// EvaluateRuleSet evaluates grouped conditions. An empty rule set passes.
func EvaluateRuleSet(rs RuleSet, context map[string]any) bool {
	if len(rs.Groups) == 0 {
		return true
	}
	results := make([]bool, 0, len(rs.Groups))
	for _, g := range rs.Groups {
		results = append(results, evaluateGroup(g, context))
	}
	return combine(results, rs.Logic)
}

// EvaluateConditions evaluates a flat condition list with implicit AND.
func EvaluateConditions(conditions []Condition, context map[string]any) bool {
	return evaluateGroup(Group{Conditions: conditions}, context)
}

func evaluateGroup(g Group, context map[string]any) bool {
	if len(g.Conditions) == 0 {
		return true
	}
	results := make([]bool, 0, len(g.Conditions))
	for _, c := range g.Conditions {
		results = append(results, EvaluateCondition(c, context))
	}
	return combine(results, g.Logic)
}

func combine(results []bool, logic string) bool {
	if strings.EqualFold(logic, "or") {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	// "and" is the default; unknown logic values fall back to it.
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

// EvaluateCondition evaluates a single condition. It is total: any failure to
// resolve or coerce a value makes the condition false, never an error.
func EvaluateCondition(c Condition, context map[string]any) bool {
	actual := resolveFieldValue(c.Field, context)
	expected := resolveComparisonValue(c, context)

	switch c.Operator {

	// ── comparison ───────────────────────────────────────────────────────
	case "equals", "eq", "=", "==":
		return looseEquals(actual, expected)
	case "not_equals", "neq", "!=":
		return !looseEquals(actual, expected)
	case "greater_than", "gt":
		return numericCompare(actual, expected, func(a, b float64) bool { return a > b })
	case "greater_than_or_equal", "gte":
		return numericCompare(actual, expected, func(a, b float64) bool { return a >= b })
	case "less_than", "lt":
		return numericCompare(actual, expected, func(a, b float64) bool { return a < b })
	case "less_than_or_equal", "lte":
		return numericCompare(actual, expected, func(a, b float64) bool { return a <= b })
	case "between":
		low, high, ok := pairValues(expected)
		if !ok {
			return false
		}
		return numericCompare(actual, low, func(a, b float64) bool { return a >= b }) &&
			numericCompare(actual, high, func(a, b float64) bool { return a <= b })
	case "not_between":
		low, high, ok := pairValues(expected)
		if !ok {
			return false
		}
		return !(numericCompare(actual, low, func(a, b float64) bool { return a >= b }) &&
			numericCompare(actual, high, func(a, b float64) bool { return a <= b }))

	// ── string (lower-cased) ─────────────────────────────────────────────
	case "contains":
		return strings.Contains(lowerString(actual), lowerString(expected))
	case "not_contains":
		return !strings.Contains(lowerString(actual), lowerString(expected))
	case "starts_with":
		return strings.HasPrefix(lowerString(actual), lowerString(expected))
	case "ends_with":
		return strings.HasSuffix(lowerString(actual), lowerString(expected))
	case "matches_regex", "regex":
		re, err := regexp.Compile(toString(expected))
		if err != nil {
			return false
		}
		return re.MatchString(toString(actual))

	// ── null / empty ─────────────────────────────────────────────────────
	case "is_empty", "is_null":
		return isEmpty(actual)
	case "is_not_empty", "is_not_null":
		return !isEmpty(actual)

	// ── list ─────────────────────────────────────────────────────────────
	case "in":
		return listContains(toList(expected), actual)
	case "not_in":
		return !listContains(toList(expected), actual)
	case "contains_any":
		actualList := toList(actual)
		for _, want := range toList(expected) {
			if listContains(actualList, want) {
				return true
			}
		}
		return false
	case "contains_all":
		actualList := toList(actual)
		for _, want := range toList(expected) {
			if !listContains(actualList, want) {
				return false
			}
		}
		return len(toList(expected)) > 0

	// ── boolean ──────────────────────────────────────────────────────────
	case "is_true":
		return isTruthy(actual)
	case "is_false":
		return !isTruthy(actual)

	// ── date ─────────────────────────────────────────────────────────────
	case "is_today":
		t, ok := parseTime(actual)
		if !ok {
			return false
		}
		return sameDay(t, contextNow(context))
	case "is_yesterday":
		t, ok := parseTime(actual)
		if !ok {
			return false
		}
		return sameDay(t, contextNow(context).AddDate(0, 0, -1))
	case "is_tomorrow":
		t, ok := parseTime(actual)
		if !ok {
			return false
		}
		return sameDay(t, contextNow(context).AddDate(0, 0, 1))
	case "is_this_week":
		t, ok := parseTime(actual)
		if !ok {
			return false
		}
		ny, nw := contextNow(context).ISOWeek()
		ty, tw := t.ISOWeek()
		return ny == ty && nw == tw
	case "is_this_month":
		t, ok := parseTime(actual)
		if !ok {
			return false
		}
		now := contextNow(context)
		return t.Year() == now.Year() && t.Month() == now.Month()
	case "is_overdue":
		t, ok := parseTime(actual)
		if !ok {
			return false
		}
		return t.Before(contextNow(context))
	case "date_equals":
		a, okA := parseTime(actual)
		b, okB := parseTime(expected)
		return okA && okB && sameDay(a, b)
	case "date_before":
		a, okA := parseTime(actual)
		b, okB := parseTime(expected)
		return okA && okB && a.Before(b)
	case "date_after":
		a, okA := parseTime(actual)
		b, okB := parseTime(expected)
		return okA && okB && a.After(b)
	case "date_between":
		low, high, ok := pairValues(expected)
		if !ok {
			return false
		}
		t, okT := parseTime(actual)
		lo, okL := parseTime(low)
		hi, okH := parseTime(high)
		return okT && okL && okH && !t.Before(lo) && !t.After(hi)
	case "date_in_next":
		return dateInWindow(actual, c.Value, context, true)
	case "date_in_past", "date_in_last":
		return dateInWindow(actual, c.Value, context, false)

	// ── user ─────────────────────────────────────────────────────────────
	case "is_current_user":
		return toString(actual) != "" && toString(actual) == currentUserID(context)
	case "is_not_current_user":
		return toString(actual) != currentUserID(context)
	case "is_record_owner":
		record, _ := context["record"].(map[string]any)
		owner := toString(record["owner_id"])
		return owner != "" && owner == currentUserID(context)
	case "is_in_role":
		return userListContains(context, "roles", expected)
	case "is_in_team":
		return userListContains(context, "teams", expected)

	// ── related-record counts ────────────────────────────────────────────
	case "related_count_equals":
		return relatedCountCompare(c.Field, expected, context, func(a, b float64) bool { return a == b })
	case "related_count_greater_than":
		return relatedCountCompare(c.Field, expected, context, func(a, b float64) bool { return a > b })
	case "related_count_less_than":
		return relatedCountCompare(c.Field, expected, context, func(a, b float64) bool { return a < b })

	// ── change detection (requires old_data in context) ──────────────────
	case "changed", "has_changed":
		return fieldChanged(c.Field, context)
	case "not_changed":
		return hasOldData(context) && !fieldChanged(c.Field, context)
	case "changed_to":
		return fieldChanged(c.Field, context) && looseEquals(actual, expected)
	case "changed_from":
		if !fieldChanged(c.Field, context) {
			return false
		}
		oldData, _ := context["old_data"].(map[string]any)
		return looseEquals(oldData[c.Field], expected)

	// ── formula ──────────────────────────────────────────────────────────
	case "formula":
		result, err := EvaluateFormula(toString(c.Value), context)
		if err != nil {
			return false
		}
		switch v := result.(type) {
		case bool:
			return v
		case float64:
			return v != 0
		}
		return false
	}

	return false
}

// ── value resolution ─────────────────────────────────────────────────────────

// resolveFieldValue resolves a dot path against the full context, falling
// back to the record field map for bare field names.
func resolveFieldValue(field string, context map[string]any) any {
	if field == "" {
		return nil
	}
	if v, ok := LookupPath(context, field); ok {
		return v
	}
	if record, ok := context["record"].(map[string]any); ok {
		if v, ok := LookupPath(record, field); ok {
			return v
		}
	}
	return nil
}

func resolveComparisonValue(c Condition, context map[string]any) any {
	switch c.ValueType {
	case "", "static":
		return c.Value
	case "field":
		return resolveFieldValue(toString(c.Value), context)
	case "current_user":
		return currentUserID(context)
	case "current_date":
		return contextNow(context).Format("2006-01-02")
	case "current_datetime", "now":
		return contextNow(context).Format("2006-01-02 15:04:05")
	}
	return c.Value
}

// LookupPath resolves a dot-separated path into nested maps.
func LookupPath(context map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = context
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func currentUserID(context map[string]any) string {
	if id := toString(context["user_id"]); id != "" {
		return id
	}
	if user, ok := context["current_user"].(map[string]any); ok {
		return toString(user["id"])
	}
	return toString(context["current_user"])
}

// contextNow reads now.datetime from the context so evaluation stays
// deterministic; falls back to the wall clock only when absent.
func contextNow(context map[string]any) time.Time {
	if nowMap, ok := context["now"].(map[string]any); ok {
		if t, ok := parseTime(nowMap["datetime"]); ok {
			return t
		}
	}
	return time.Now()
}

// ── operator helpers ─────────────────────────────────────────────────────────

func dateInWindow(actual, rawValue any, context map[string]any, future bool) bool {
	t, ok := parseTime(actual)
	if !ok {
		return false
	}
	amount, unit, ok := windowSpec(rawValue)
	if !ok {
		return false
	}
	now := contextNow(context)
	var edge time.Time
	switch unit {
	case "hours":
		edge = now.Add(time.Duration(amount) * time.Hour)
	case "days":
		edge = now.AddDate(0, 0, amount)
	case "weeks":
		edge = now.AddDate(0, 0, amount*7)
	case "months":
		edge = now.AddDate(0, amount, 0)
	case "years":
		edge = now.AddDate(amount, 0, 0)
	default:
		return false
	}
	if future {
		return !t.Before(now) && !t.After(edge)
	}
	past := now
	switch unit {
	case "hours":
		past = now.Add(-time.Duration(amount) * time.Hour)
	case "days":
		past = now.AddDate(0, 0, -amount)
	case "weeks":
		past = now.AddDate(0, 0, -amount*7)
	case "months":
		past = now.AddDate(0, -amount, 0)
	case "years":
		past = now.AddDate(-amount, 0, 0)
	}
	return !t.After(now) && !t.Before(past)
}

// windowSpec reads {amount, unit} from a condition value shaped either as a
// map or as a bare number (unit defaults to days).
func windowSpec(value any) (int, string, bool) {
	if m, ok := value.(map[string]any); ok {
		amount, okA := toFloat(m["amount"])
		unit := toString(m["unit"])
		if unit == "" {
			unit = "days"
		}
		return int(amount), unit, okA
	}
	if f, ok := toFloat(value); ok {
		return int(f), "days", true
	}
	return 0, "", false
}

func relatedCountCompare(field string, expected any, context map[string]any, cmp func(a, b float64) bool) bool {
	counts, ok := context["related_counts"].(map[string]any)
	if !ok {
		return false
	}
	actual, okA := toFloat(counts[field])
	want, okB := toFloat(expected)
	return okA && okB && cmp(actual, want)
}

func hasOldData(context map[string]any) bool {
	oldData, ok := context["old_data"].(map[string]any)
	return ok && oldData != nil
}

func fieldChanged(field string, context map[string]any) bool {
	if !hasOldData(context) {
		return false
	}
	oldData := context["old_data"].(map[string]any)
	newValue := resolveFieldValue(field, context)
	return !looseEquals(oldData[field], newValue)
}

func userListContains(context map[string]any, key string, expected any) bool {
	user, ok := context["current_user"].(map[string]any)
	if !ok {
		return false
	}
	return listContains(toList(user[key]), expected)
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func pairValues(value any) (any, any, bool) {
	list := toList(value)
	if len(list) != 2 {
		return nil, nil, false
	}
	return list[0], list[1], true
}

func listContains(list []any, want any) bool {
	for _, item := range list {
		if looseEquals(item, want) {
			return true
		}
	}
	return false
}

// ── coercion helpers ─────────────────────────────────────────────────────────

func looseEquals(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if fa, okA := toFloat(a); okA {
		if fb, okB := toFloat(b); okB {
			return fa == fb
		}
	}
	return toString(a) == toString(b)
}

func numericCompare(a, b any, cmp func(a, b float64) bool) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	return okA && okB && cmp(fa, fb)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case time.Time:
		return s.Format("2006-01-02 15:04:05")
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func lowerString(v any) string { return strings.ToLower(toString(v)) }

func isEmpty(v any) bool {
	switch value := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(value) == ""
	case []any:
		return len(value) == 0
	case map[string]any:
		return len(value) == 0
	}
	return false
}

func isTruthy(v any) bool {
	switch value := v.(type) {
	case bool:
		return value
	case string:
		lower := strings.ToLower(strings.TrimSpace(value))
		return lower == "true" || lower == "1" || lower == "yes" || lower == "on"
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return false
}

func toList(v any) []any {
	switch value := v.(type) {
	case nil:
		return nil
	case []any:
		return value
	case []string:
		out := make([]any, len(value))
		for i, s := range value {
			out[i] = s
		}
		return out
	case string:
		trimmed := strings.TrimSpace(value)
		if strings.HasPrefix(trimmed, "[") {
			var parsed []any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				return parsed
			}
		}
		if trimmed == "" {
			return nil
		}
		parts := strings.Split(trimmed, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	}
	return []any{v}
}

// parseTime accepts time.Time, common layout strings, and unix seconds.
func parseTime(v any) (time.Time, bool) {
	switch value := v.(type) {
	case time.Time:
		return value, true
	case string:
		trimmed := strings.TrimSpace(value)
		layouts := []string{
			time.RFC3339,
			"2006-01-02 15:04:05",
			"2006-01-02T15:04:05",
			"2006-01-02",
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	case float64:
		return time.Unix(int64(value), 0).UTC(), true
	case int64:
		return time.Unix(value, 0).UTC(), true
	case int:
		return time.Unix(int64(value), 0).UTC(), true
	}
	return time.Time{}, false
}
