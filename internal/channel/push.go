package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/foxzi/herald/internal/queue"
)

// PushConfig describes a JSON push gateway
type PushConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Breaker BreakerConfig
}

// PushSender posts notifications to a push gateway
type PushSender struct {
	cfg       PushConfig
	transport *httpTransport
	logger    *slog.Logger
}

type pushPayload struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Priority int    `json:"priority"`
	RuleID   string `json:"rule_id"`
	EntityID string `json:"entity_id,omitempty"`
}

// NewPushSender creates a push sender
func NewPushSender(cfg PushConfig, logger *slog.Logger) *PushSender {
	return &PushSender{
		cfg:       cfg,
		transport: newHTTPTransport(queue.ChannelPush, cfg.Timeout, cfg.Breaker, logger),
		logger:    logger,
	}
}

// Send implements Sender
func (s *PushSender) Send(ctx context.Context, item *queue.Item) error {
	if item.RecipientID == "" {
		return Permanent(queue.ChannelPush, "recipient has no user id", nil)
	}

	body, err := json.Marshal(pushPayload{
		ID:       item.ID,
		UserID:   item.RecipientID,
		Title:    item.Subject,
		Body:     item.Content,
		Priority: item.Priority,
		RuleID:   item.RuleID,
		EntityID: item.EntityID,
	})
	if err != nil {
		return Permanent(queue.ChannelPush, "failed to encode payload", err)
	}

	err = s.transport.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", item.ID)
		if s.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
		}
		return req, nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("push sent", "item_id", item.ID, "user_id", item.RecipientID)
	return nil
}
