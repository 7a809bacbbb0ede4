// Package workflow runs declarative multi-stage workflows instantiated from
// templates (spec §4.3): stage type dispatch, condition evaluation, task
// execution and retry, and approval escalation. Grounded on
// services/orchestrator/plugins.go and task_executor.go's executor-registry
// pattern, re-themed from fixed task kinds to WorkflowTask.Type dispatch.
package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/seiforesti/scancore/internal/domain"
)

// evaluateCondition evaluates one (left, operator, right) triple against
// vars; Left names a variable key, Right is a literal compared against its
// resolved value. Unlike the teacher's plugins.go (whose equivalent
// evaluator is a TODO stub), every operator in the spec's set is
// implemented.
func evaluateCondition(cond domain.Condition, vars map[string]any) (bool, error) {
	left, ok := vars[cond.Left]
	if !ok {
		left = nil
	}
	switch cond.Operator {
	case domain.OpEquals:
		return compareEqual(left, cond.Right), nil
	case domain.OpNotEquals:
		return !compareEqual(left, cond.Right), nil
	case domain.OpGT, domain.OpLT, domain.OpGE, domain.OpLE:
		return compareNumeric(cond.Operator, left, cond.Right)
	case domain.OpContains, domain.OpNotContains:
		contains := stringContains(left, cond.Right)
		if cond.Operator == domain.OpNotContains {
			return !contains, nil
		}
		return contains, nil
	case domain.OpStartsWith:
		return strings.HasPrefix(toString(left), toString(cond.Right)), nil
	case domain.OpEndsWith:
		return strings.HasSuffix(toString(left), toString(cond.Right)), nil
	case domain.OpRegexMatch:
		re, err := regexp.Compile(toString(cond.Right))
		if err != nil {
			return false, fmt.Errorf("invalid regex in condition: %w", err)
		}
		return re.MatchString(toString(left)), nil
	case domain.OpInList:
		return inList(left, cond.Right), nil
	default:
		return false, fmt.Errorf("unsupported condition operator: %s", cond.Operator)
	}
}

// evaluateConditions reports whether every condition in conds passes; a
// stage with no conditions always runs (§4.3: "skipped if its conditions
// evaluate to false").
func evaluateConditions(conds []domain.Condition, vars map[string]any) (bool, error) {
	for _, c := range conds {
		ok, err := evaluateCondition(c, vars)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compareEqual(left, right any) bool {
	return toString(left) == toString(right) && sameKind(left, right)
}

// sameKind accepts two values that are both numeric or both non-numeric;
// a numeric and a non-numeric value must stringify identically. toFloat
// parses numeric strings, so e.g. the string "0" and the number 0 count
// as equal, which covers numeric literals arriving as JSON strings.
func sameKind(left, right any) bool {
	_, lok := toFloat(left)
	_, rok := toFloat(right)
	if lok != rok {
		// one numeric, one not — fall back to string comparison only if
		// both stringify identically AND neither looks numeric-only.
		return toString(left) == toString(right)
	}
	return true
}

func compareNumeric(op domain.ConditionOperator, left, right any) (bool, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return false, fmt.Errorf("operator %s requires numeric operands", op)
	}
	switch op {
	case domain.OpGT:
		return lf > rf, nil
	case domain.OpLT:
		return lf < rf, nil
	case domain.OpGE:
		return lf >= rf, nil
	case domain.OpLE:
		return lf <= rf, nil
	}
	return false, fmt.Errorf("unreachable operator: %s", op)
}

func stringContains(left, right any) bool {
	if list, ok := left.([]any); ok {
		for _, v := range list {
			if compareEqual(v, right) {
				return true
			}
		}
		return false
	}
	return strings.Contains(toString(left), toString(right))
}

func inList(left, right any) bool {
	list, ok := right.([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		if compareEqual(left, v) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
