package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/foxzi/herald/internal/queue"
)

// MaxDelayHours caps a single step delay at ten years
const MaxDelayHours = 10 * 365 * 24

// FieldError describes one invalid field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every invalid field of a rule config
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ValidateNotification checks a notification rule's invariants
func ValidateNotification(r *NotificationRule) error {
	verr := &ValidationError{}

	if strings.TrimSpace(r.Name) == "" {
		verr.add("name", "is required")
	}

	switch r.TriggerType {
	case TriggerStatusChange, TriggerOverdue, TriggerTimeBased, TriggerFieldChange:
	default:
		verr.add("trigger_type", "unknown trigger type %q", r.TriggerType)
	}

	switch r.TargetAudience {
	case AudienceCustomer, AudienceTechnician, AudienceManager, AudienceAll:
	default:
		verr.add("target_audience", "unknown audience %q", r.TargetAudience)
	}

	validateChannels(verr, "channels", r.Channels)

	if r.Priority < 1 || r.Priority > 5 {
		verr.add("priority", "must be between 1 and 5")
	}
	if r.DelayMinutes < 0 {
		verr.add("delay_minutes", "must be >= 0")
	}
	if r.MaxRetries < 0 {
		verr.add("max_retries", "must be >= 0")
	}

	for i, c := range r.Conditions {
		prefix := fmt.Sprintf("conditions[%d]", i)
		if strings.TrimSpace(c.Field) == "" {
			verr.add(prefix+".field", "is required")
		}
		switch c.Operator {
		case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan:
		default:
			verr.add(prefix+".operator", "unknown operator %q", c.Operator)
		}
	}

	return verr.orNil()
}

// ValidateEscalation checks an escalation rule's invariants
func ValidateEscalation(r *EscalationRule) error {
	verr := &ValidationError{}

	if strings.TrimSpace(r.Name) == "" {
		verr.add("name", "is required")
	}

	switch r.TriggerCondition {
	case EscalateOverdueWorkOrder, EscalateStatusStuck, EscalateNoResponse, EscalateQualityIssue:
	default:
		verr.add("trigger_condition", "unknown trigger condition %q", r.TriggerCondition)
	}

	if r.TriggerConfig.InitialHours < 1 {
		verr.add("trigger_config.initial_hours", "must be >= 1")
	}
	if r.TriggerConfig.CheckIntervalMinutes < 15 {
		verr.add("trigger_config.check_interval_minutes", "must be >= 15")
	}

	if len(r.Steps) == 0 {
		verr.add("escalation_steps", "at least one step is required")
	} else if !contiguous(r.Steps) {
		verr.add("escalation_steps", "step numbers must be exactly 1..%d", len(r.Steps))
	}

	for i, s := range r.Steps {
		prefix := fmt.Sprintf("escalation_steps[%d]", i)
		if s.DelayHours < 0 {
			verr.add(prefix+".delay_hours", "must be >= 0")
		} else if s.DelayHours > MaxDelayHours {
			verr.add(prefix+".delay_hours", "must be <= %d", MaxDelayHours)
		}
		switch s.Action {
		case ActionNotify, ActionReassign, ActionCall, ActionEscalate:
		default:
			verr.add(prefix+".action", "unknown action %q", s.Action)
		}
		if len(s.Recipients) == 0 {
			verr.add(prefix+".recipients", "at least one recipient is required")
		}
		validateChannels(verr, prefix+".channels", s.Channels)
	}

	return verr.orNil()
}

// SortedSteps returns the steps in ascending step order
func SortedSteps(steps []EscalationStep) []EscalationStep {
	sorted := make([]EscalationStep, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Step < sorted[j].Step })
	return sorted
}

func contiguous(steps []EscalationStep) bool {
	for i, s := range SortedSteps(steps) {
		if s.Step != i+1 {
			return false
		}
	}
	return true
}

func validateChannels(verr *ValidationError, field string, channels []queue.Channel) {
	if len(channels) == 0 {
		verr.add(field, "at least one channel is required")
		return
	}
	seen := make(map[queue.Channel]bool, len(channels))
	for _, ch := range channels {
		if !ch.Valid() {
			verr.add(field, "unknown channel %q", ch)
			continue
		}
		if seen[ch] {
			verr.add(field, "duplicate channel %q", ch)
		}
		seen[ch] = true
	}
}
