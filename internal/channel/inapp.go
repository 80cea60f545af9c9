package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foxzi/herald/internal/queue"
)

// InAppConfig describes the Redis backed inbox
type InAppConfig struct {
	InboxSize int
	TTL       time.Duration
}

// InboxMessage is one in-app notification as stored in a recipient inbox
type InboxMessage struct {
	ID        string    `json:"id"`
	RuleID    string    `json:"rule_id"`
	EntityID  string    `json:"entity_id,omitempty"`
	Subject   string    `json:"subject"`
	Content   string    `json:"content"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// Inbox keeps per-recipient in-app notifications in Redis lists and
// announces new ones on a pub/sub channel
type Inbox struct {
	client *redis.Client
	cfg    InAppConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewInbox creates an inbox over an existing Redis client
func NewInbox(client *redis.Client, cfg InAppConfig, logger *slog.Logger) *Inbox {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 100
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	return &Inbox{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func inboxKey(recipient string) string {
	return "inbox:" + recipient
}

// LiveChannel returns the pub/sub channel announcing new messages for a recipient
func LiveChannel(recipient string) string {
	return "inbox:" + recipient + ":live"
}

// Send implements Sender
func (b *Inbox) Send(ctx context.Context, item *queue.Item) error {
	if item.RecipientID == "" {
		return Permanent(queue.ChannelInApp, "recipient has no id", nil)
	}

	payload, err := json.Marshal(InboxMessage{
		ID:        item.ID,
		RuleID:    item.RuleID,
		EntityID:  item.EntityID,
		Subject:   item.Subject,
		Content:   item.Content,
		Priority:  item.Priority,
		CreatedAt: b.now().UTC(),
	})
	if err != nil {
		return Permanent(queue.ChannelInApp, "failed to encode message", err)
	}

	key := inboxKey(item.RecipientID)
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(b.cfg.InboxSize-1))
	pipe.Expire(ctx, key, b.cfg.TTL)
	pipe.Publish(ctx, LiveChannel(item.RecipientID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return Transient(queue.ChannelInApp, "redis write failed", err)
	}

	b.logger.Debug("in-app message stored", "item_id", item.ID, "recipient", item.RecipientID)
	return nil
}

// List returns the newest messages of a recipient, newest first
func (b *Inbox) List(ctx context.Context, recipient string, limit int) ([]InboxMessage, error) {
	if limit <= 0 || limit > b.cfg.InboxSize {
		limit = b.cfg.InboxSize
	}

	raw, err := b.client.LRange(ctx, inboxKey(recipient), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}

	messages := make([]InboxMessage, 0, len(raw))
	for _, r := range raw {
		var m InboxMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			b.logger.Warn("skipping malformed inbox entry", "recipient", recipient, "error", err)
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// Subscribe returns a subscription to new messages of a recipient.
// The caller closes it.
func (b *Inbox) Subscribe(ctx context.Context, recipient string) *redis.PubSub {
	return b.client.Subscribe(ctx, LiveChannel(recipient))
}

// Ping checks the Redis connection
func (b *Inbox) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
