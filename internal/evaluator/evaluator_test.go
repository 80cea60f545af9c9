package evaluator

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/rules"
)

func overdueRule() *rules.NotificationRule {
	return &rules.NotificationRule{
		ID:             "rule-1",
		Name:           "Overdue",
		TriggerType:    rules.TriggerStatusChange,
		TargetAudience: rules.AudienceCustomer,
		Channels:       []queue.Channel{queue.ChannelEmail},
		Priority:       3,
		Conditions: []rules.Condition{
			{Field: "status", Operator: rules.OpEquals, Value: "overdue"},
		},
		IsActive: true,
	}
}

func event(trigger string, fields map[string]any) *rules.Event {
	return &rules.Event{EntityID: "WO-42", TriggerType: trigger, Fields: fields}
}

func TestMatchesExample(t *testing.T) {
	rule := overdueRule()

	if !Matches(rule, event("status_change", map[string]any{"status": "overdue"})) {
		t.Error("overdue event should match")
	}
	if Matches(rule, event("status_change", map[string]any{"status": "in_progress"})) {
		t.Error("in_progress event should not match")
	}
}

func TestMatchesTriggerAndActive(t *testing.T) {
	rule := overdueRule()
	fields := map[string]any{"status": "overdue"}

	if Matches(rule, event("field_change", fields)) {
		t.Error("different trigger type should not match")
	}

	rule.IsActive = false
	if Matches(rule, event("status_change", fields)) {
		t.Error("inactive rule should not match")
	}
}

func TestMatchesIsDeterministic(t *testing.T) {
	rule := overdueRule()
	ev := event("status_change", map[string]any{"status": "overdue"})

	first := Matches(rule, ev)
	for i := 0; i < 100; i++ {
		if Matches(rule, ev) != first {
			t.Fatal("Matches() changed result on repeated call")
		}
	}
}

func TestMatchesAndSemantics(t *testing.T) {
	rule := overdueRule()
	rule.Conditions = []rules.Condition{
		{Field: "status", Operator: rules.OpEquals, Value: "overdue"},
		{Field: "priority", Operator: rules.OpGreaterThan, Value: 2},
		{Field: "customer", Operator: rules.OpContains, Value: "Acme"},
	}
	fields := map[string]any{"status": "overdue", "priority": 4, "customer": "Acme Garage"}

	if !Matches(rule, event("status_change", fields)) {
		t.Fatal("all conditions hold, rule should match")
	}

	for i := range rule.Conditions {
		flipped := *rule
		flipped.Conditions = append([]rules.Condition(nil), rule.Conditions...)
		flipped.Conditions[i].Value = "no-such-value"
		if Matches(&flipped, event("status_change", fields)) {
			t.Errorf("failing condition %d should make the rule fail", i)
		}
	}
}

func TestMatchesNoConditions(t *testing.T) {
	rule := overdueRule()
	rule.Conditions = nil

	if !Matches(rule, event("status_change", nil)) {
		t.Error("rule without conditions should match on trigger alone")
	}
}

func TestEvaluateCondition(t *testing.T) {
	tests := []struct {
		name   string
		op     rules.Operator
		value  any
		actual any
		want   bool
	}{
		{"equals string", rules.OpEquals, "open", "open", true},
		{"equals string mismatch", rules.OpEquals, "open", "closed", false},
		{"equals int float", rules.OpEquals, 3, float64(3), true},
		{"equals numeric string", rules.OpEquals, "3", 3, true},
		{"equals json number", rules.OpEquals, 3.5, json.Number("3.5"), true},
		{"equals bool", rules.OpEquals, "true", true, true},
		{"equals nil", rules.OpEquals, nil, nil, true},
		{"equals nil vs value", rules.OpEquals, "x", nil, false},
		{"not equals", rules.OpNotEquals, "open", "closed", true},
		{"not equals same", rules.OpNotEquals, 5, 5, false},
		{"contains", rules.OpContains, "brake", "front brake pads", true},
		{"contains missing", rules.OpContains, "tire", "front brake pads", false},
		{"contains non-string field", rules.OpContains, "4", 42, false},
		{"contains non-string value", rules.OpContains, 4, "42", false},
		{"greater than", rules.OpGreaterThan, 10, 11, true},
		{"greater than equal", rules.OpGreaterThan, 10, 10, false},
		{"greater than numeric string", rules.OpGreaterThan, "10", "10.5", true},
		{"greater than non-numeric", rules.OpGreaterThan, 10, "eleven", false},
		{"less than", rules.OpLessThan, 10, 9.99, true},
		{"less than non-numeric value", rules.OpLessThan, "ten", 9, false},
		{"unknown operator", "matches", "x", "x", false},
		{"equals NaN text", rules.OpEquals, "NaN", "NaN", true},
		{"equals Nan text", rules.OpEquals, "Nan", "Nan", true},
		{"not equals Nan text", rules.OpNotEquals, "Nan", "Nan", false},
		{"equals Inf vs infinity", rules.OpEquals, "Inf", "infinity", false},
		{"not equals Inf vs infinity", rules.OpNotEquals, "Inf", "infinity", true},
		{"equals hex float text", rules.OpEquals, "0x1p3", "8", false},
		{"equals padded decimal", rules.OpEquals, " 8 ", 8, true},
		{"equals exponent", rules.OpEquals, "1e3", 1000, true},
		{"greater than Inf text", rules.OpGreaterThan, 10, "Inf", false},
		{"less than NaN float", rules.OpLessThan, 10, math.NaN(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := rules.Condition{Field: "f", Operator: tt.op, Value: tt.value}
			got := EvaluateCondition(c, map[string]any{"f": tt.actual})
			if got != tt.want {
				t.Errorf("EvaluateCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateConditionMissingField(t *testing.T) {
	for _, op := range []rules.Operator{rules.OpEquals, rules.OpNotEquals, rules.OpContains, rules.OpGreaterThan, rules.OpLessThan} {
		c := rules.Condition{Field: "absent", Operator: op, Value: "x"}
		if EvaluateCondition(c, map[string]any{"other": "x"}) {
			t.Errorf("%s on a missing field should be false", op)
		}
	}
}

func TestMatchesEscalation(t *testing.T) {
	rule := &rules.EscalationRule{TriggerCondition: rules.EscalateNoResponse, IsActive: true}

	if !MatchesEscalation(rule, event("no_response", nil)) {
		t.Error("matching trigger condition should match")
	}
	if MatchesEscalation(rule, event("quality_issue", nil)) {
		t.Error("different trigger condition should not match")
	}
	rule.IsActive = false
	if MatchesEscalation(rule, event("no_response", nil)) {
		t.Error("inactive rule should not match")
	}
}
