package engine

import (
	"context"
	"fmt"

	"github.com/foxzi/herald/internal/rules"
)

// DeleteResult tells whether a rule was removed or only disabled
type DeleteResult struct {
	Deleted  bool `json:"deleted"`
	Disabled bool `json:"disabled"`
}

// CreateNotificationRule validates and stores a notification rule
func (e *Engine) CreateNotificationRule(ctx context.Context, r *rules.NotificationRule) (*rules.NotificationRule, error) {
	rule, err := e.store.CreateNotification(ctx, r)
	if err != nil {
		return nil, err
	}
	e.logger.Info("notification rule created", "rule_id", rule.ID, "name", rule.Name)
	return rule, nil
}

// UpdateNotificationRule replaces a notification rule
func (e *Engine) UpdateNotificationRule(ctx context.Context, id string, r *rules.NotificationRule) (*rules.NotificationRule, error) {
	rule, err := e.store.UpdateNotification(ctx, id, r)
	if err != nil {
		return nil, err
	}
	e.logger.Info("notification rule updated", "rule_id", id)
	return rule, nil
}

// GetNotificationRule returns a notification rule
func (e *Engine) GetNotificationRule(ctx context.Context, id string) (*rules.NotificationRule, error) {
	return e.store.GetNotification(ctx, id)
}

// ListNotificationRules lists notification rules
func (e *Engine) ListNotificationRules(ctx context.Context, filter rules.NotificationFilter) ([]*rules.NotificationRule, error) {
	return e.store.ListNotifications(ctx, filter)
}

// ToggleNotificationRule activates or deactivates a notification rule
func (e *Engine) ToggleNotificationRule(ctx context.Context, id string, active bool) (*rules.NotificationRule, error) {
	rule, err := e.store.SetNotificationActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	e.logger.Info("notification rule toggled", "rule_id", id, "active", active)
	return rule, nil
}

// DeleteNotificationRule deletes a rule, or disables it while pending items reference it
func (e *Engine) DeleteNotificationRule(ctx context.Context, id string) (*DeleteResult, error) {
	if _, err := e.store.GetNotification(ctx, id); err != nil {
		return nil, err
	}

	pending, err := e.queue.HasPendingForRule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to check pending items: %w", err)
	}
	if pending {
		if _, err := e.store.SetNotificationActive(ctx, id, false); err != nil {
			return nil, err
		}
		e.logger.Info("notification rule disabled instead of deleted", "rule_id", id)
		return &DeleteResult{Disabled: true}, nil
	}

	if err := e.store.DeleteNotification(ctx, id); err != nil {
		return nil, err
	}
	e.logger.Info("notification rule deleted", "rule_id", id)
	return &DeleteResult{Deleted: true}, nil
}

// CreateEscalationRule validates and stores an escalation rule
func (e *Engine) CreateEscalationRule(ctx context.Context, r *rules.EscalationRule) (*rules.EscalationRule, error) {
	rule, err := e.store.CreateEscalation(ctx, r)
	if err != nil {
		return nil, err
	}
	e.logger.Info("escalation rule created", "rule_id", rule.ID, "name", rule.Name, "steps", len(rule.Steps))
	return rule, nil
}

// UpdateEscalationRule replaces an escalation rule. Already scheduled
// steps keep the configuration they were planned with.
func (e *Engine) UpdateEscalationRule(ctx context.Context, id string, r *rules.EscalationRule) (*rules.EscalationRule, error) {
	rule, err := e.store.UpdateEscalation(ctx, id, r)
	if err != nil {
		return nil, err
	}
	e.logger.Info("escalation rule updated", "rule_id", id)
	return rule, nil
}

// GetEscalationRule returns an escalation rule
func (e *Engine) GetEscalationRule(ctx context.Context, id string) (*rules.EscalationRule, error) {
	return e.store.GetEscalation(ctx, id)
}

// ListEscalationRules lists escalation rules
func (e *Engine) ListEscalationRules(ctx context.Context, filter rules.EscalationFilter) ([]*rules.EscalationRule, error) {
	return e.store.ListEscalations(ctx, filter)
}

// ToggleEscalationRule activates or deactivates an escalation rule
func (e *Engine) ToggleEscalationRule(ctx context.Context, id string, active bool) (*rules.EscalationRule, error) {
	rule, err := e.store.SetEscalationActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	e.logger.Info("escalation rule toggled", "rule_id", id, "active", active)
	return rule, nil
}

// DeleteEscalationRule deletes a rule, or disables it while pending items reference it
func (e *Engine) DeleteEscalationRule(ctx context.Context, id string) (*DeleteResult, error) {
	if _, err := e.store.GetEscalation(ctx, id); err != nil {
		return nil, err
	}

	pending, err := e.queue.HasPendingForRule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to check pending items: %w", err)
	}
	if pending {
		if _, err := e.store.SetEscalationActive(ctx, id, false); err != nil {
			return nil, err
		}
		e.logger.Info("escalation rule disabled instead of deleted", "rule_id", id)
		return &DeleteResult{Disabled: true}, nil
	}

	if err := e.store.DeleteEscalation(ctx, id); err != nil {
		return nil, err
	}
	e.logger.Info("escalation rule deleted", "rule_id", id)
	return &DeleteResult{Deleted: true}, nil
}
