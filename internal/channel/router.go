package channel

import (
	"context"
	"log/slog"

	"github.com/foxzi/herald/internal/queue"
)

// Sender delivers an item over one transport
type Sender interface {
	Send(ctx context.Context, item *queue.Item) error
}

// Router dispatches items to the sender registered for their channel
type Router struct {
	senders map[queue.Channel]Sender
	logger  *slog.Logger
}

// NewRouter creates an empty router
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		senders: make(map[queue.Channel]Sender),
		logger:  logger,
	}
}

// Register sets the sender for a channel
func (r *Router) Register(ch queue.Channel, s Sender) {
	r.senders[ch] = s
	r.logger.Info("channel registered", "channel", ch)
}

// Channels returns the registered channels
func (r *Router) Channels() []queue.Channel {
	var list []queue.Channel
	for _, ch := range queue.Channels {
		if _, ok := r.senders[ch]; ok {
			list = append(list, ch)
		}
	}
	return list
}

// Send implements queue.Sender
func (r *Router) Send(ctx context.Context, item *queue.Item) error {
	s, ok := r.senders[item.Channel]
	if !ok {
		return Permanent(item.Channel, "channel not configured", nil)
	}
	return s.Send(ctx, item)
}
