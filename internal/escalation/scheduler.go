// Package escalation expands escalation rules into scheduled delivery chains
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/rules"
)

// ChainQueue is the part of the delivery queue the scheduler needs
type ChainQueue interface {
	EnqueueBatch(ctx context.Context, drafts []queue.Draft) ([]*queue.Item, error)
	HasActiveChain(ctx context.Context, ruleID, entityID string) (bool, error)
	CancelChain(ctx context.Context, ruleID, entityID string) (int, error)
}

// Entity is the work order (or other object) an escalation is about
type Entity struct {
	ID     string
	Fields map[string]any
}

// Scheduler turns escalation rules into queue items
type Scheduler struct {
	queue      ChainQueue
	directory  Directory
	maxRetries int
}

// NewScheduler creates a scheduler; maxRetries is applied to every item
func NewScheduler(q ChainQueue, dir Directory, maxRetries int) *Scheduler {
	if dir == nil {
		dir = StaticDirectory{}
	}
	return &Scheduler{queue: q, directory: dir, maxRetries: maxRetries}
}

// FireTimes returns each step's fire time in step order.
// A step's delay is counted from the previous step's fire time.
func FireTimes(rule *rules.EscalationRule, triggerTime time.Time) []time.Time {
	steps := rules.SortedSteps(rule.Steps)
	times := make([]time.Time, 0, len(steps))

	at := triggerTime
	for _, s := range steps {
		at = at.Add(time.Duration(s.DelayHours) * time.Hour)
		times = append(times, at)
	}
	return times
}

// Plan expands the rule into drafts without touching the queue
func (s *Scheduler) Plan(rule *rules.EscalationRule, entity Entity, triggerTime time.Time) ([]queue.Draft, error) {
	if err := rules.ValidateEscalation(rule); err != nil {
		return nil, err
	}

	steps := rules.SortedSteps(rule.Steps)
	fireTimes := FireTimes(rule, triggerTime)
	for i, at := range fireTimes {
		if !queue.Schedulable(at) {
			return nil, fmt.Errorf("step %d fires at %s, outside the schedulable range", steps[i].Step, at.Format(time.RFC3339))
		}
	}

	var drafts []queue.Draft
	for i, step := range steps {
		vars := TemplateVars(entity)
		vars["rule_name"] = rule.Name
		vars["step"] = step.Step
		vars["action"] = string(step.Action)

		content := Render(step.Message, vars)
		subject := fmt.Sprintf("[%s] %s: step %d", step.Action, rule.Name, step.Step)

		for _, role := range step.Recipients {
			r := s.directory.Resolve(role, entity.Fields)
			for _, ch := range step.Channels {
				drafts = append(drafts, queue.Draft{
					RuleID:         rule.ID,
					RuleKind:       queue.KindEscalation,
					Step:           step.Step,
					EntityID:       entity.ID,
					RecipientType:  role,
					RecipientID:    r.ID,
					RecipientEmail: r.Email,
					RecipientPhone: r.Phone,
					Channel:        ch,
					Subject:        subject,
					Content:        content,
					Priority:       actionPriority(step.Action),
					ScheduledFor:   fireTimes[i],
					MaxRetries:     s.maxRetries,
				})
			}
		}
	}

	return drafts, nil
}

// Schedule plans the chain and enqueues every draft in one transaction.
// An invalid rule is rejected before anything is written.
func (s *Scheduler) Schedule(ctx context.Context, rule *rules.EscalationRule, entity Entity, triggerTime time.Time) ([]*queue.Item, error) {
	drafts, err := s.Plan(rule, entity, triggerTime)
	if err != nil {
		return nil, err
	}
	return s.queue.EnqueueBatch(ctx, drafts)
}

// HasActiveChain reports whether the entity already has unfired steps for the rule
func (s *Scheduler) HasActiveChain(ctx context.Context, ruleID, entityID string) (bool, error) {
	return s.queue.HasActiveChain(ctx, ruleID, entityID)
}

// CancelChain cancels the entity's unfired steps for the rule
func (s *Scheduler) CancelChain(ctx context.Context, ruleID, entityID string) (int, error) {
	return s.queue.CancelChain(ctx, ruleID, entityID)
}

// TemplateVars returns the entity fields plus entity_id for rendering
func TemplateVars(entity Entity) map[string]any {
	vars := make(map[string]any, len(entity.Fields)+4)
	for k, v := range entity.Fields {
		vars[k] = v
	}
	vars["entity_id"] = entity.ID
	return vars
}

func actionPriority(a rules.Action) int {
	switch a {
	case rules.ActionCall, rules.ActionEscalate:
		return 5
	case rules.ActionReassign:
		return 4
	default:
		return 3
	}
}
