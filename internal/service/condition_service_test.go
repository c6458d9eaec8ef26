package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrtx-crm/be-automation/internal/eval"
	"github.com/vrtx-crm/be-automation/internal/logger"
	"github.com/vrtx-crm/be-automation/internal/repository"
)

func conditionContext() map[string]any {
	record := map[string]any{
		"id":     "deal-1",
		"amount": float64(5000),
		"stage":  "negotiation",
		"vip":    true,
	}
	return eval.BuildContext(record, nil, "user-1", time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC))
}

func TestConditionServiceGrouping(t *testing.T) {
	s := NewConditionService(logger.Nop())

	// Two groups combined with AND; conditions inside a group ANDed too.
	conditions := []repository.TransitionCondition{
		{Field: "amount", Operator: "greater_than", Value: float64(1000), LogicalGroup: "a"},
		{Field: "stage", Operator: "equals", Value: "negotiation", LogicalGroup: "a"},
		{Field: "vip", Operator: "is_true", LogicalGroup: "b"},
	}
	assert.True(t, s.Evaluate(conditions, conditionContext()))

	// One failing condition in any group blocks the whole set.
	conditions[2].Operator = "is_false"
	assert.False(t, s.Evaluate(conditions, conditionContext()))
}

func TestConditionServiceEmptySetPasses(t *testing.T) {
	s := NewConditionService(logger.Nop())
	assert.True(t, s.Evaluate(nil, conditionContext()))
}

func TestConditionServiceFailedConditions(t *testing.T) {
	s := NewConditionService(logger.Nop())
	conditions := []repository.TransitionCondition{
		{Field: "amount", Operator: "greater_than", Value: float64(1000)},
		{Field: "stage", Operator: "equals", Value: "closed"},
		{Field: "vip", Operator: "is_false"},
	}
	failed := s.FailedConditions(conditions, conditionContext())
	require.Len(t, failed, 2)
	assert.Equal(t, "stage", failed[0].Field)
	assert.Equal(t, "vip", failed[1].Field)
}

func TestCoerceValue(t *testing.T) {
	tests := []struct {
		name      string
		value     any
		fieldType string
		want      any
	}{
		{"integer from string", "42", "integer", 42},
		{"integer from float", float64(42), "number", 42},
		{"decimal from string", "12.5", "decimal", 12.5},
		{"currency from int", 100, "currency", float64(100)},
		{"bool true string", "true", "boolean", true},
		{"bool yes string", "Yes", "switch", true},
		{"bool off string", "off", "switch", false},
		{"multiselect json", `["a","b"]`, "multiselect", []any{"a", "b"}},
		{"tags comma split", "red, green ,blue", "tags", []any{"red", "green", "blue"}},
		{"unknown type passthrough", "raw", "", "raw"},
		{"nil passthrough", nil, "integer", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, coerceValue(tt.value, tt.fieldType))
		})
	}
}

func TestConditionServiceCoercesDeclaredTypes(t *testing.T) {
	s := NewConditionService(logger.Nop())

	// The stored value is a string; field_type makes it numeric.
	conditions := []repository.TransitionCondition{
		{Field: "amount", Operator: "greater_than", Value: "1000", FieldType: "currency"},
	}
	assert.True(t, s.Evaluate(conditions, conditionContext()))
}
