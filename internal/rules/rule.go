// Package rules holds notification and escalation rule definitions
package rules

import (
	"time"

	"github.com/foxzi/herald/internal/queue"
)

// TriggerType is the kind of domain event a notification rule reacts to
type TriggerType string

const (
	TriggerStatusChange TriggerType = "status_change"
	TriggerOverdue      TriggerType = "overdue"
	TriggerTimeBased    TriggerType = "time_based"
	TriggerFieldChange  TriggerType = "field_change"
)

// Audience selects who receives a notification
type Audience string

const (
	AudienceCustomer   Audience = "customer"
	AudienceTechnician Audience = "technician"
	AudienceManager    Audience = "manager"
	AudienceAll        Audience = "all"
)

// Roles expands the audience into recipient role tags
func (a Audience) Roles() []string {
	if a == AudienceAll {
		return []string{string(AudienceCustomer), string(AudienceTechnician), string(AudienceManager)}
	}
	return []string{string(a)}
}

// Operator compares an event field with a condition value
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// Condition is one (field, operator, value) filter
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// NotificationRule sends a message when a matching event arrives
type NotificationRule struct {
	ID             string          `json:"id" yaml:"id,omitempty"`
	Name           string          `json:"name" yaml:"name"`
	Description    string          `json:"description,omitempty" yaml:"description,omitempty"`
	TriggerType    TriggerType     `json:"trigger_type" yaml:"trigger_type"`
	TargetAudience Audience        `json:"target_audience" yaml:"target_audience"`
	Channels       []queue.Channel `json:"channels" yaml:"channels"`
	Priority       int             `json:"priority" yaml:"priority"`
	DelayMinutes   int             `json:"delay_minutes" yaml:"delay_minutes"`
	Conditions     []Condition     `json:"conditions" yaml:"conditions"`
	Subject        string          `json:"subject,omitempty" yaml:"subject,omitempty"`
	Message        string          `json:"message,omitempty" yaml:"message,omitempty"`
	MaxRetries     int             `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	IsActive       bool            `json:"is_active" yaml:"is_active"`
	CreatedAt      time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time       `json:"updated_at" yaml:"-"`
}

// EscalationTrigger is the condition that starts an escalation chain
type EscalationTrigger string

const (
	EscalateOverdueWorkOrder EscalationTrigger = "overdue_work_order"
	EscalateStatusStuck      EscalationTrigger = "status_stuck"
	EscalateNoResponse       EscalationTrigger = "no_response"
	EscalateQualityIssue     EscalationTrigger = "quality_issue"
)

// Action is what an escalation step does
type Action string

const (
	ActionNotify   Action = "notify"
	ActionReassign Action = "reassign"
	ActionCall     Action = "call"
	ActionEscalate Action = "escalate"
)

// TriggerConfig tells the polling caller when a candidate entity qualifies
type TriggerConfig struct {
	InitialHours         int `json:"initial_hours" yaml:"initial_hours"`
	CheckIntervalMinutes int `json:"check_interval_minutes" yaml:"check_interval_minutes"`
}

// EscalationStep is one stage of an escalation chain
type EscalationStep struct {
	Step       int             `json:"step" yaml:"step"`
	DelayHours int             `json:"delay_hours" yaml:"delay_hours"`
	Action     Action          `json:"action" yaml:"action"`
	Recipients []string        `json:"recipients" yaml:"recipients"`
	Message    string          `json:"message" yaml:"message"`
	Channels   []queue.Channel `json:"channels" yaml:"channels"`
}

// EscalationRule fires a chain of steps for an entity stuck in a condition
type EscalationRule struct {
	ID               string            `json:"id" yaml:"id,omitempty"`
	Name             string            `json:"name" yaml:"name"`
	Description      string            `json:"description,omitempty" yaml:"description,omitempty"`
	TriggerCondition EscalationTrigger `json:"trigger_condition" yaml:"trigger_condition"`
	TriggerConfig    TriggerConfig     `json:"trigger_config" yaml:"trigger_config"`
	Steps            []EscalationStep  `json:"escalation_steps" yaml:"escalation_steps"`
	IsActive         bool              `json:"is_active" yaml:"is_active"`
	CreatedAt        time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time         `json:"updated_at" yaml:"-"`
}

// Event is a domain event pushed by an external system
type Event struct {
	EntityID    string         `json:"entity_id"`
	TriggerType string         `json:"trigger_type"`
	Fields      map[string]any `json:"fields"`
	OccurredAt  *time.Time     `json:"occurred_at,omitempty"`
}
