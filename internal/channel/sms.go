package channel

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/foxzi/herald/internal/queue"
)

// SMSConfig describes a form-POST SMS gateway
type SMSConfig struct {
	URL      string
	APIKey   string
	SenderID string
	Timeout  time.Duration
	Breaker  BreakerConfig
}

// SMSSender sends text messages through an HTTP gateway
type SMSSender struct {
	cfg       SMSConfig
	transport *httpTransport
	logger    *slog.Logger
}

// NewSMSSender creates an SMS sender
func NewSMSSender(cfg SMSConfig, logger *slog.Logger) *SMSSender {
	return &SMSSender{
		cfg:       cfg,
		transport: newHTTPTransport(queue.ChannelSMS, cfg.Timeout, cfg.Breaker, logger),
		logger:    logger,
	}
}

// Send implements Sender
func (s *SMSSender) Send(ctx context.Context, item *queue.Item) error {
	phone := strings.TrimSpace(item.RecipientPhone)
	if phone == "" {
		return Permanent(queue.ChannelSMS, "recipient has no phone number", nil)
	}
	if !validPhone(phone) {
		return Permanent(queue.ChannelSMS, "invalid phone number "+phone, nil)
	}

	form := url.Values{}
	form.Set("to", phone)
	form.Set("from", s.cfg.SenderID)
	form.Set("message", item.Content)
	form.Set("reference", item.ID)

	err := s.transport.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if s.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
		}
		return req, nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("sms sent", "item_id", item.ID, "to", phone)
	return nil
}

// validPhone accepts an optional leading + followed by 7 to 15 digits,
// ignoring spaces, dashes and parentheses
func validPhone(phone string) bool {
	digits := 0
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}
