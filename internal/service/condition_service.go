package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/vrtx-crm/be-automation/internal/eval"
	"github.com/vrtx-crm/be-automation/internal/logger"
	"github.com/vrtx-crm/be-automation/internal/repository"
)

// relatedCounter counts records in a related module pointing back at a record.
type relatedCounter interface {
	RelatedCount(ctx context.Context, relatedModuleID, fkColumn, recordID string) (int, error)
}

// ConditionService evaluates before-phase transition conditions against an
// evaluation context. Conditions sharing a logical_group are ANDed inside the
// group, and groups combine with AND; a transition with no conditions passes.
type ConditionService struct {
	log *logger.Logger
}

// NewConditionService creates a new condition service.
func NewConditionService(log *logger.Logger) *ConditionService {
	return &ConditionService{log: log}
}

// FailedCondition describes one condition that blocked a transition.
type FailedCondition struct {
	Field        string `json:"field"`
	Operator     string `json:"operator"`
	Value        any    `json:"value,omitempty"`
	LogicalGroup string `json:"logical_group,omitempty"`
}

// Evaluate reports whether all condition groups pass for the given context.
func (s *ConditionService) Evaluate(conditions []repository.TransitionCondition, ctx map[string]any) bool {
	coerced := coerceConditions(conditions)
	return eval.EvaluateRuleSet(repository.RuleSetFromConditions(coerced), ctx)
}

// FailedConditions re-evaluates each condition individually and returns the
// ones that did not pass, so the caller can tell the user what blocked the
// transition.
func (s *ConditionService) FailedConditions(conditions []repository.TransitionCondition, ctx map[string]any) []FailedCondition {
	var failed []FailedCondition
	for _, c := range coerceConditions(conditions) {
		ok := eval.EvaluateCondition(eval.Condition{
			Field:    c.Field,
			Operator: c.Operator,
			Value:    c.Value,
		}, ctx)
		if !ok {
			failed = append(failed, FailedCondition{
				Field:        c.Field,
				Operator:     c.Operator,
				Value:        c.Value,
				LogicalGroup: c.LogicalGroup,
			})
		}
	}
	return failed
}

func coerceConditions(conditions []repository.TransitionCondition) []repository.TransitionCondition {
	out := make([]repository.TransitionCondition, len(conditions))
	for i, c := range conditions {
		c.Value = coerceValue(c.Value, c.FieldType)
		out[i] = c
	}
	return out
}

// coerceValue normalizes a stored condition value to the declared field type.
// Config UIs store everything as strings; comparisons need typed values.
func coerceValue(value any, fieldType string) any {
	if value == nil {
		return nil
	}
	switch fieldType {
	case "integer", "number":
		switch v := value.(type) {
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return int(n)
			}
		case float64:
			return int(v)
		}
	case "decimal", "currency", "percent":
		switch v := value.(type) {
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f
			}
		case int:
			return float64(v)
		}
	case "boolean", "switch":
		switch v := value.(type) {
		case bool:
			return v
		case string:
			lower := strings.ToLower(strings.TrimSpace(v))
			return lower == "true" || lower == "1" || lower == "yes" || lower == "on"
		case float64:
			return v != 0
		}
	case "multiselect", "tags":
		switch v := value.(type) {
		case []any:
			return v
		case string:
			trimmed := strings.TrimSpace(v)
			if strings.HasPrefix(trimmed, "[") {
				var list []any
				if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
					return list
				}
			}
			parts := strings.Split(trimmed, ",")
			list := make([]any, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					list = append(list, p)
				}
			}
			return list
		}
	}
	return value
}

// ── related-record counts ────────────────────────────────────────────────────

// attachRelatedCounts resolves the related-record counts referenced by
// related_count conditions and stores them on the evaluation context under
// "related_counts", keyed by the condition's field. A field reads either
// "contacts" (foreign key derived from the current module, "deals" ->
// "deal_id") or "contacts.company_id" for an explicit column. A count that
// cannot be resolved is left out, so its condition evaluates false.
func attachRelatedCounts(
	ctx context.Context,
	records relatedCounter,
	moduleID, recordID string,
	fields []string,
	evalCtx map[string]any,
	log *logger.Logger,
) {
	if len(fields) == 0 {
		return
	}
	counts := map[string]any{}
	for _, field := range fields {
		relatedModule, fkColumn := field, relatedFKColumn(moduleID)
		if i := strings.Index(field, "."); i > 0 && i < len(field)-1 {
			relatedModule, fkColumn = field[:i], field[i+1:]
		}
		count, err := records.RelatedCount(ctx, relatedModule, fkColumn, recordID)
		if err != nil {
			log.Warn().Err(err).
				Str("related_module", relatedModule).
				Str("record_id", recordID).
				Msg("related-record count lookup failed")
			continue
		}
		counts[field] = float64(count)
	}
	if len(counts) > 0 {
		evalCtx["related_counts"] = counts
	}
}

// relatedFKColumn derives the conventional foreign-key column pointing back at
// a module's records: "deals" -> "deal_id".
func relatedFKColumn(moduleID string) string {
	return strings.TrimSuffix(moduleID, "s") + "_id"
}

// relatedCountFields collects the fields of related_count conditions.
func relatedCountFields(conditions []repository.TransitionCondition) []string {
	var fields []string
	for _, c := range conditions {
		if strings.HasPrefix(c.Operator, "related_count_") {
			fields = append(fields, c.Field)
		}
	}
	return fields
}

// relatedCountFieldsFromRuleSet collects related_count fields from a workflow
// rule's condition set.
func relatedCountFieldsFromRuleSet(rs eval.RuleSet) []string {
	var fields []string
	for _, g := range rs.Groups {
		for _, c := range g.Conditions {
			if strings.HasPrefix(c.Operator, "related_count_") {
				fields = append(fields, c.Field)
			}
		}
	}
	return fields
}
