package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seiforesti/scancore/internal/domain"
)

func TestEvaluateConditionAllOperators(t *testing.T) {
	vars := map[string]any{
		"score":  75.0,
		"name":   "critical-finding",
		"tags":   []any{"prod", "pii"},
		"status": "open",
	}

	cases := []struct {
		name string
		cond domain.Condition
		want bool
	}{
		{"equals true", domain.Condition{Left: "status", Operator: domain.OpEquals, Right: "open"}, true},
		{"equals false", domain.Condition{Left: "status", Operator: domain.OpEquals, Right: "closed"}, false},
		{"not equals", domain.Condition{Left: "status", Operator: domain.OpNotEquals, Right: "closed"}, true},
		{"gt true", domain.Condition{Left: "score", Operator: domain.OpGT, Right: 50.0}, true},
		{"gt false", domain.Condition{Left: "score", Operator: domain.OpGT, Right: 90.0}, false},
		{"lt true", domain.Condition{Left: "score", Operator: domain.OpLT, Right: 90.0}, true},
		{"ge boundary", domain.Condition{Left: "score", Operator: domain.OpGE, Right: 75.0}, true},
		{"le boundary", domain.Condition{Left: "score", Operator: domain.OpLE, Right: 75.0}, true},
		{"contains string", domain.Condition{Left: "name", Operator: domain.OpContains, Right: "critical"}, true},
		{"not contains string", domain.Condition{Left: "name", Operator: domain.OpNotContains, Right: "minor"}, true},
		{"contains list", domain.Condition{Left: "tags", Operator: domain.OpContains, Right: "pii"}, true},
		{"starts with", domain.Condition{Left: "name", Operator: domain.OpStartsWith, Right: "critical"}, true},
		{"ends with", domain.Condition{Left: "name", Operator: domain.OpEndsWith, Right: "finding"}, true},
		{"regex match", domain.Condition{Left: "name", Operator: domain.OpRegexMatch, Right: `^critical-\w+$`}, true},
		{"in list true", domain.Condition{Left: "status", Operator: domain.OpInList, Right: []any{"open", "pending"}}, true},
		{"in list false", domain.Condition{Left: "status", Operator: domain.OpInList, Right: []any{"closed"}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evaluateCondition(tc.cond, vars)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateConditionUnknownVariableIsNil(t *testing.T) {
	got, err := evaluateCondition(domain.Condition{Left: "missing", Operator: domain.OpEquals, Right: nil}, map[string]any{})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateConditionNumericOperatorRejectsNonNumeric(t *testing.T) {
	_, err := evaluateCondition(domain.Condition{Left: "name", Operator: domain.OpGT, Right: 1.0}, map[string]any{"name": "not-a-number"})
	assert.Error(t, err)
}

func TestEvaluateConditionsEmptyAlwaysPasses(t *testing.T) {
	got, err := evaluateConditions(nil, map[string]any{})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateConditionsStopsAtFirstFalse(t *testing.T) {
	conds := []domain.Condition{
		{Left: "score", Operator: domain.OpGT, Right: 0.0},
		{Left: "score", Operator: domain.OpGT, Right: 1000.0},
	}
	got, err := evaluateConditions(conds, map[string]any{"score": 75.0})
	require.NoError(t, err)
	assert.False(t, got)
}
