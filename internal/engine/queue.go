package engine

import (
	"context"
	"time"

	"github.com/foxzi/herald/internal/analytics"
	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/queue"
)

// ListQueue lists queue items, newest first
func (e *Engine) ListQueue(ctx context.Context, filter queue.ListFilter) ([]*queue.Item, error) {
	return e.queue.List(ctx, filter)
}

// GetQueueItem returns a queue item, nil if absent
func (e *Engine) GetQueueItem(ctx context.Context, id string) (*queue.Item, error) {
	return e.queue.Get(ctx, id)
}

// QueueStats returns queue counters
func (e *Engine) QueueStats(ctx context.Context) (*queue.Stats, error) {
	return e.queue.Stats(ctx)
}

// RetryItem makes a failed or pending item due now
func (e *Engine) RetryItem(ctx context.Context, id string) (*queue.Item, error) {
	item, err := e.queue.Retry(ctx, id, e.now())
	if err != nil {
		return nil, err
	}
	e.logger.Info("queue item retried by operator", "item_id", id)
	return item, nil
}

// CancelItem cancels a pending item that is not being delivered
func (e *Engine) CancelItem(ctx context.Context, id string) error {
	if err := e.queue.Cancel(ctx, id); err != nil {
		return err
	}
	e.logger.Info("queue item cancelled by operator", "item_id", id)
	return nil
}

// ChainActive reports whether an escalation chain has unfired steps
func (e *Engine) ChainActive(ctx context.Context, ruleID, entityID string) (bool, error) {
	return e.scheduler.HasActiveChain(ctx, ruleID, entityID)
}

// CancelChain cancels the unfired steps of an escalation chain,
// typically once the entity has been handled
func (e *Engine) CancelChain(ctx context.Context, ruleID, entityID string) (int, error) {
	n, err := e.scheduler.CancelChain(ctx, ruleID, entityID)
	if err != nil {
		return 0, err
	}
	metrics.AddEscalationsCancelled(n)
	e.logger.Info("escalation chain cancelled", "rule_id", ruleID, "entity_id", entityID, "cancelled", n)
	return n, nil
}

// Analytics summarizes items created in [from, to)
func (e *Engine) Analytics(ctx context.Context, from, to time.Time) (*analytics.Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Analytics")
	defer span.End()
	return e.analytics.Summarize(ctx, from, to)
}

// MetricsQueueStats feeds the metrics collector queue gauges
func (e *Engine) MetricsQueueStats(ctx context.Context) (*metrics.QueueStats, error) {
	s, err := e.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.QueueStats{
		Pending: s.Pending,
		Leased:  s.Leased,
		Due:     s.Due,
		Failed:  s.Failed,
	}, nil
}
