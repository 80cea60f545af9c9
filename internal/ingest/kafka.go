package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/foxzi/herald/internal/config"
	"github.com/foxzi/herald/internal/metrics"
)

const (
	sourceKafka     = "kafka"
	kafkaRetryDelay = 5 * time.Second
)

// KafkaConsumer reads events from a topic as part of a consumer group
type KafkaConsumer struct {
	reader  *kafka.Reader
	handler Handler
	logger  *slog.Logger
}

// NewKafkaConsumer creates a consumer group reader
func NewKafkaConsumer(cfg config.KafkaConfig, h Handler, logger *slog.Logger) *KafkaConsumer {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		StartOffset: kafka.FirstOffset,
	})

	return &KafkaConsumer{
		reader:  reader,
		handler: h,
		logger:  logger.With("component", "ingest", "source", sourceKafka),
	}
}

// Run consumes until ctx is cancelled. Offsets are committed only after
// the event has been handled or found malformed.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.logger.Info("kafka consumer started", "topic", c.reader.Config().Topic, "group", c.reader.Config().GroupID)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if !c.handle(ctx, msg) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to commit offset", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

// handle retries transient failures until the message is done.
// It returns false when ctx ends first.
func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) bool {
	for {
		_, err := process(ctx, c.handler, sourceKafka, msg.Value)
		metrics.IncIngestMessages(sourceKafka, resultLabel(err))

		switch {
		case err == nil:
			return true
		case errors.Is(err, ErrMalformed):
			c.logger.Warn("skipping malformed message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			return true
		}

		c.logger.Error("event handling failed, retrying", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(kafkaRetryDelay):
		}
	}
}
