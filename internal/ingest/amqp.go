package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/foxzi/herald/internal/config"
	"github.com/foxzi/herald/internal/metrics"
)

const sourceAMQP = "amqp"

// AMQPConsumer reads events from a durable RabbitMQ queue
type AMQPConsumer struct {
	cfg     config.AMQPConfig
	handler Handler
	logger  *slog.Logger
}

// NewAMQPConsumer creates a RabbitMQ consumer
func NewAMQPConsumer(cfg config.AMQPConfig, h Handler, logger *slog.Logger) *AMQPConsumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &AMQPConsumer{
		cfg:     cfg,
		handler: h,
		logger:  logger.With("component", "ingest", "source", sourceAMQP),
	}
}

// Run consumes until ctx is cancelled, reconnecting after connection loss
func (c *AMQPConsumer) Run(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Error("amqp consumer stopped, reconnecting", "error", err, "delay", c.cfg.RetryDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.RetryDelay):
		}
	}
}

func (c *AMQPConsumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := c.declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx,
		c.cfg.Queue, // queue
		"herald",    // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.Info("amqp consumer started", "queue", c.cfg.Queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *AMQPConsumer) declare(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(
		c.cfg.Queue, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if c.cfg.Exchange == "" {
		return nil
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery) {
	res, err := process(ctx, c.handler, sourceAMQP, d.Body)
	metrics.IncIngestMessages(sourceAMQP, resultLabel(err))

	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Warn("failed to ack message", "error", ackErr)
		}
		c.logger.Debug("event consumed", "items", len(res.QueueItemIDs))
	case errors.Is(err, ErrMalformed):
		c.logger.Warn("dropping malformed message", "error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Warn("failed to nack message", "error", nackErr)
		}
	default:
		c.logger.Error("event handling failed, requeueing", "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Warn("failed to nack message", "error", nackErr)
		}
	}
}
