package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/ratelimit"
)

// Sender delivers one item over its channel
type Sender interface {
	Send(ctx context.Context, item *Item) error
}

// ErrorChecker reports whether a send error should skip remaining retries
type ErrorChecker func(err error) bool

// Processor is the delivery worker pool
type Processor struct {
	queue           Queue
	sender          Sender
	workers         int
	batchSize       int
	sendTimeout     time.Duration
	processInterval time.Duration
	isPermanent     ErrorChecker
	rateLimiter     *ratelimit.Limiter
	logger          *slog.Logger
	now             func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	Workers         int
	BatchSize       int
	SendTimeout     time.Duration
	ProcessInterval time.Duration
}

// NewProcessor creates a new queue processor
func NewProcessor(q Queue, sender Sender, cfg ProcessorConfig, isPermanent ErrorChecker, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = 5 * time.Second
	}
	if isPermanent == nil {
		isPermanent = func(err error) bool { return false }
	}

	return &Processor{
		queue:           q,
		sender:          sender,
		workers:         cfg.Workers,
		batchSize:       cfg.BatchSize,
		sendTimeout:     cfg.SendTimeout,
		processInterval: cfg.ProcessInterval,
		isPermanent:     isPermanent,
		logger:          logger,
		now:             time.Now,
		stopCh:          make(chan struct{}),
	}
}

// SetRateLimiter enables send throttling
func (p *Processor) SetRateLimiter(l *ratelimit.Limiter) {
	p.rateLimiter = l
}

// Start starts the processor workers
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting queue processor", "workers", p.workers, "batch_size", p.batchSize)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the processor gracefully
func (p *Processor) Stop() {
	p.logger.Info("stopping queue processor")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("queue processor stopped")
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			p.ProcessBatch(ctx, logger)
		}
	}
}

// ProcessBatch claims due items and delivers each of them.
// It returns the number of items claimed.
func (p *Processor) ProcessBatch(ctx context.Context, logger *slog.Logger) int {
	items, err := p.queue.ClaimDue(ctx, p.batchSize, p.now())
	if err != nil {
		logger.Error("failed to claim due items", "error", err)
		return 0
	}

	for _, item := range items {
		p.deliver(ctx, logger.With("item_id", item.ID, "channel", item.Channel), item)
	}
	return len(items)
}

func (p *Processor) deliver(ctx context.Context, logger *slog.Logger, item *Item) {
	if p.rateLimiter != nil {
		res, err := p.rateLimiter.Allow(ctx, &ratelimit.Request{
			Channel:   string(item.Channel),
			Recipient: item.Address(),
		})
		if err != nil {
			logger.Error("rate limit check failed", "error", err)
		} else if !res.Allowed {
			until := p.now().Add(res.RetryAfter)
			if err := p.queue.Defer(ctx, item.ID, item.LeaseToken, until); err != nil {
				logger.Error("failed to defer item", "error", err)
			}
			metrics.IncRateLimitExceeded(string(res.DeniedBy))
			metrics.IncNotificationsDeferred(string(item.Channel), "rate_limited")
			logger.Info("item deferred by rate limit", "denied_by", res.DeniedBy, "until", until)
			return
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	err := p.sender.Send(sendCtx, item)
	cancel()

	now := p.now()

	if err == nil {
		if err := p.queue.MarkSent(ctx, item.ID, item.LeaseToken, now); err != nil {
			p.logReportError(logger, err)
			return
		}
		metrics.IncNotificationsSent(string(item.Channel))
		metrics.ObserveDeliveryDelay(string(item.Channel), now.Sub(item.ScheduledFor))
		logger.Info("notification sent", "rule_id", item.RuleID, "recipient", item.Address())
		return
	}

	if ctx.Err() != nil {
		// Interrupted by shutdown: release the item without spending a retry
		if derr := p.queue.Defer(context.WithoutCancel(ctx), item.ID, item.LeaseToken, now); derr != nil {
			p.logReportError(logger, derr)
			return
		}
		metrics.IncNotificationsDeferred(string(item.Channel), "shutdown")
		logger.Info("delivery interrupted, item released", "error", err)
		return
	}

	permanent := p.isPermanent(err)
	logger.Warn("delivery failed", "error", err, "permanent", permanent, "retry_count", item.RetryCount)

	updated, ferr := p.queue.MarkFailed(ctx, item.ID, item.LeaseToken, err.Error(), permanent, now)
	if ferr != nil {
		p.logReportError(logger, ferr)
		return
	}

	if updated.Status == StatusPending {
		metrics.IncNotificationsDeferred(string(item.Channel), "retry")
		logger.Info("item rescheduled",
			"retry_count", updated.RetryCount,
			"max_retries", updated.MaxRetries,
			"scheduled_for", updated.ScheduledFor,
		)
		return
	}

	errorType := "transient"
	if permanent {
		errorType = "permanent"
	}
	metrics.IncNotificationsFailed(string(item.Channel), errorType)
	logger.Error("item failed",
		"retry_count", updated.RetryCount,
		"max_retries", updated.MaxRetries,
		"permanent", permanent,
	)
}

func (p *Processor) logReportError(logger *slog.Logger, err error) {
	if errors.Is(err, ErrLeaseLost) {
		logger.Warn("lease expired before outcome was recorded", "error", err)
		return
	}
	logger.Error("failed to record delivery outcome", "error", err)
}
