// Package engine ties rule evaluation, escalation scheduling and the
// delivery queue together behind one facade
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/foxzi/herald/internal/analytics"
	"github.com/foxzi/herald/internal/escalation"
	"github.com/foxzi/herald/internal/evaluator"
	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/rules"
)

// Re-trigger policies for escalation rules with an active chain
const (
	RetriggerSkip       = "skip"
	RetriggerReschedule = "reschedule"
)

// Config contains engine settings
type Config struct {
	MaxRetries int    // default for rules without an override
	Retrigger  string // skip or reschedule
}

// EventResult lists what an event caused
type EventResult struct {
	MatchedRuleIDs []string `json:"matched_rule_ids"`
	QueueItemIDs   []string `json:"queue_item_ids"`
	SkippedRuleIDs []string `json:"skipped_rule_ids,omitempty"`
}

// Engine evaluates events against stored rules and fills the delivery queue
type Engine struct {
	store     rules.Store
	queue     queue.Queue
	scheduler *escalation.Scheduler
	directory escalation.Directory
	analytics *analytics.Service
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates an engine
func New(store rules.Store, q queue.Queue, dir escalation.Directory, cfg Config, logger *slog.Logger) *Engine {
	if dir == nil {
		dir = escalation.StaticDirectory{}
	}
	if cfg.Retrigger == "" {
		cfg.Retrigger = RetriggerSkip
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Engine{
		store:     store,
		queue:     q,
		scheduler: escalation.NewScheduler(q, dir, cfg.MaxRetries),
		directory: dir,
		analytics: analytics.NewService(q),
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		tracer:    otel.Tracer("herald/engine"),
		now:       time.Now,
	}
}

type sourceKey struct{}

// WithSource tags ctx with the event origin used in metrics
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}
	return "api"
}

// HandleEvent matches the event against all active rules and enqueues deliveries.
// Every delivery the event causes is committed in one queue transaction, so a
// storage failure enqueues nothing and the event can be delivered again. A rule
// that cannot be planned is reported in the error while the others still commit.
func (e *Engine) HandleEvent(ctx context.Context, ev *rules.Event) (*EventResult, error) {
	if err := validateEvent(ev); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "engine.HandleEvent", trace.WithAttributes(
		attribute.String("herald.entity_id", ev.EntityID),
		attribute.String("herald.trigger_type", ev.TriggerType),
	))
	defer span.End()

	metrics.IncEventsReceived(sourceFrom(ctx), ev.TriggerType)
	logger := e.logger.With("entity_id", ev.EntityID, "trigger_type", ev.TriggerType)

	result := &EventResult{
		MatchedRuleIDs: []string{},
		QueueItemIDs:   []string{},
	}

	p := &eventPlan{}
	err := e.planNotifications(ctx, ev, result, p)
	if err == nil {
		err = e.planEscalations(ctx, logger, ev, result, p)
	}
	if err == nil {
		err = e.commit(ctx, logger, p, result)
	}
	if err != nil {
		// Nothing was written, rule errors would only hide the storage failure
		for _, rerr := range p.ruleErrs {
			logger.Warn("rule could not be planned", "error", rerr)
		}
	} else {
		err = errors.Join(p.ruleErrs...)
	}

	span.SetAttributes(
		attribute.Int("herald.matched_rules", len(result.MatchedRuleIDs)),
		attribute.Int("herald.queue_items", len(result.QueueItemIDs)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rule handling failed")
		logger.Error("event handled with errors", "error", err)
	} else {
		logger.Info("event handled", "matched", len(result.MatchedRuleIDs), "items", len(result.QueueItemIDs))
	}

	return result, err
}

// eventPlan collects the queue changes of one event before they are committed
type eventPlan struct {
	batch     queue.Batch
	scheduled []*rules.EscalationRule
	ruleErrs  []error
}

func validateEvent(ev *rules.Event) error {
	verr := &rules.ValidationError{}
	if ev == nil {
		verr.Fields = append(verr.Fields, rules.FieldError{Field: "event", Message: "is required"})
		return verr
	}
	if strings.TrimSpace(ev.EntityID) == "" {
		verr.Fields = append(verr.Fields, rules.FieldError{Field: "entity_id", Message: "is required"})
	}
	if strings.TrimSpace(ev.TriggerType) == "" {
		verr.Fields = append(verr.Fields, rules.FieldError{Field: "trigger_type", Message: "is required"})
	}
	if ev.OccurredAt != nil && !ev.OccurredAt.IsZero() && !queue.Schedulable(*ev.OccurredAt) {
		verr.Fields = append(verr.Fields, rules.FieldError{
			Field:   "occurred_at",
			Message: fmt.Sprintf("must be between %d and %d", queue.MinScheduleTime.Year(), queue.MaxScheduleTime.Year()),
		})
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func (e *Engine) planNotifications(ctx context.Context, ev *rules.Event, result *EventResult, p *eventPlan) error {
	list, err := e.store.ListNotifications(ctx, rules.NotificationFilter{
		TriggerType: rules.TriggerType(ev.TriggerType),
		ActiveOnly:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to list notification rules: %w", err)
	}

	matched := 0
	for _, rule := range list {
		if !evaluator.Matches(rule, ev) {
			continue
		}
		matched++
		result.MatchedRuleIDs = append(result.MatchedRuleIDs, rule.ID)
		p.batch.Drafts = append(p.batch.Drafts, e.notificationDrafts(rule, ev)...)
	}
	metrics.AddRulesMatched(string(queue.KindNotification), matched)

	return nil
}

// notificationDrafts expands audience roles times channels into drafts
func (e *Engine) notificationDrafts(rule *rules.NotificationRule, ev *rules.Event) []queue.Draft {
	entity := escalation.Entity{ID: ev.EntityID, Fields: ev.Fields}
	vars := escalation.TemplateVars(entity)
	vars["rule_name"] = rule.Name

	subject := rule.Subject
	if subject == "" {
		subject = rule.Name
	}
	message := rule.Message
	if message == "" {
		message = defaultMessage(rule.Name, ev)
	}
	subject = escalation.Render(subject, vars)
	content := escalation.Render(message, vars)

	maxRetries := rule.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}
	at := e.now().Add(time.Duration(rule.DelayMinutes) * time.Minute)

	var drafts []queue.Draft
	for _, role := range rule.TargetAudience.Roles() {
		r := e.directory.Resolve(role, ev.Fields)
		for _, ch := range rule.Channels {
			drafts = append(drafts, queue.Draft{
				RuleID:         rule.ID,
				RuleKind:       queue.KindNotification,
				EntityID:       ev.EntityID,
				RecipientType:  role,
				RecipientID:    r.ID,
				RecipientEmail: r.Email,
				RecipientPhone: r.Phone,
				Channel:        ch,
				Subject:        subject,
				Content:        content,
				Priority:       rule.Priority,
				ScheduledFor:   at,
				MaxRetries:     maxRetries,
			})
		}
	}
	return drafts
}

func defaultMessage(ruleName string, ev *rules.Event) string {
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s %s\n", ruleName, ev.TriggerType, ev.EntityID)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: {{%s}}\n", k, k)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) planEscalations(ctx context.Context, logger *slog.Logger, ev *rules.Event, result *EventResult, p *eventPlan) error {
	list, err := e.store.ListEscalations(ctx, rules.EscalationFilter{
		TriggerCondition: rules.EscalationTrigger(ev.TriggerType),
		ActiveOnly:       true,
	})
	if err != nil {
		return fmt.Errorf("failed to list escalation rules: %w", err)
	}

	triggerTime := e.now()
	if ev.OccurredAt != nil && !ev.OccurredAt.IsZero() {
		triggerTime = *ev.OccurredAt
	}
	entity := escalation.Entity{ID: ev.EntityID, Fields: ev.Fields}

	matched := 0
	for _, rule := range list {
		if !evaluator.MatchesEscalation(rule, ev) {
			continue
		}
		matched++
		result.MatchedRuleIDs = append(result.MatchedRuleIDs, rule.ID)

		active, err := e.scheduler.HasActiveChain(ctx, rule.ID, ev.EntityID)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if active && e.cfg.Retrigger == RetriggerSkip {
			result.SkippedRuleIDs = append(result.SkippedRuleIDs, rule.ID)
			logger.Debug("escalation chain already active", "rule_id", rule.ID)
			continue
		}

		drafts, err := e.scheduler.Plan(rule, entity, triggerTime)
		if err != nil {
			p.ruleErrs = append(p.ruleErrs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		if active {
			p.batch.Cancel = append(p.batch.Cancel, queue.ChainKey{RuleID: rule.ID, EntityID: ev.EntityID})
		}
		p.batch.Drafts = append(p.batch.Drafts, drafts...)
		p.scheduled = append(p.scheduled, rule)
	}
	metrics.AddRulesMatched(string(queue.KindEscalation), matched)

	return nil
}

// commit writes the planned changes in one transaction
func (e *Engine) commit(ctx context.Context, logger *slog.Logger, p *eventPlan, result *EventResult) error {
	if len(p.batch.Drafts) == 0 && len(p.batch.Cancel) == 0 {
		return nil
	}

	res, err := e.queue.Apply(ctx, p.batch)
	if err != nil {
		return fmt.Errorf("failed to enqueue deliveries: %w", err)
	}

	for _, item := range res.Items {
		result.QueueItemIDs = append(result.QueueItemIDs, item.ID)
	}
	recordEnqueued(res.Items)

	for key, n := range res.Cancelled {
		metrics.AddEscalationsCancelled(n)
		logger.Info("escalation chain rescheduled", "rule_id", key.RuleID, "cancelled", n)
	}
	for _, rule := range p.scheduled {
		metrics.IncEscalationsScheduled(string(rule.TriggerCondition))
	}
	return nil
}

func recordEnqueued(items []*queue.Item) {
	type key struct {
		channel queue.Channel
		kind    queue.RuleKind
	}
	counts := make(map[key]int)
	for _, item := range items {
		counts[key{item.Channel, item.RuleKind}]++
	}
	for k, n := range counts {
		metrics.AddNotificationsEnqueued(string(k.channel), string(k.kind), n)
	}
}
