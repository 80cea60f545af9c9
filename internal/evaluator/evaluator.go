// Package evaluator decides whether a rule matches a domain event.
// Every function here is pure: the same inputs always give the same answer.
package evaluator

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/foxzi/herald/internal/rules"
)

// Matches reports whether an active notification rule fires for the event
func Matches(rule *rules.NotificationRule, event *rules.Event) bool {
	if rule == nil || event == nil || !rule.IsActive {
		return false
	}
	if string(rule.TriggerType) != event.TriggerType {
		return false
	}
	return MatchesAll(rule.Conditions, event.Fields)
}

// MatchesEscalation reports whether an active escalation rule fires for the event
func MatchesEscalation(rule *rules.EscalationRule, event *rules.Event) bool {
	if rule == nil || event == nil || !rule.IsActive {
		return false
	}
	return string(rule.TriggerCondition) == event.TriggerType
}

// MatchesAll is the AND of every condition; no conditions always match
func MatchesAll(conds []rules.Condition, fields map[string]any) bool {
	for _, c := range conds {
		if !EvaluateCondition(c, fields) {
			return false
		}
	}
	return true
}

// EvaluateCondition applies one condition to the event fields.
// A missing field fails every operator.
func EvaluateCondition(c rules.Condition, fields map[string]any) bool {
	actual, ok := fields[c.Field]
	if !ok {
		return false
	}

	switch c.Operator {
	case rules.OpEquals:
		return equal(actual, c.Value)
	case rules.OpNotEquals:
		return !equal(actual, c.Value)
	case rules.OpContains:
		s, ok := actual.(string)
		if !ok {
			return false
		}
		sub, ok := c.Value.(string)
		if !ok {
			return false
		}
		return strings.Contains(s, sub)
	case rules.OpGreaterThan, rules.OpLessThan:
		a, ok := toFloat(actual)
		if !ok {
			return false
		}
		b, ok := toFloat(c.Value)
		if !ok {
			return false
		}
		if c.Operator == rules.OpGreaterThan {
			return a > b
		}
		return a < b
	}
	return false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
	}
	return format(a) == format(b)
}

func format(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// decimalPattern is the only string syntax treated as a number. ParseFloat
// alone would also take NaN, Inf and hex floats.
var decimalPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// toFloat converts Go numbers, json.Number and decimal strings. Non-finite
// values are not numeric, so they compare as text.
func toFloat(v any) (float64, bool) {
	f, ok := rawFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func rawFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		return parseDecimal(string(n))
	case string:
		return parseDecimal(n)
	}
	return 0, false
}

func parseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if !decimalPattern.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
