package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/foxzi/herald/internal/queue"
)

// BreakerConfig tunes the circuit breaker guarding an HTTP provider
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// httpTransport posts requests to a provider through a circuit breaker.
// Permanent (4xx) answers do not count as breaker failures.
type httpTransport struct {
	channel queue.Channel
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func newHTTPTransport(ch queue.Channel, timeout time.Duration, bc BreakerConfig, logger *slog.Logger) *httpTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if bc.MaxRequests == 0 {
		bc.MaxRequests = 1
	}
	if bc.Interval <= 0 {
		bc.Interval = time.Minute
	}
	if bc.Timeout <= 0 {
		bc.Timeout = 30 * time.Second
	}
	if bc.FailureRatio <= 0 {
		bc.FailureRatio = 0.6
	}
	if bc.MinRequests == 0 {
		bc.MinRequests = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(ch),
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= bc.MinRequests && failureRatio >= bc.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit breaker state changed", "channel", name, "from", from.String(), "to", to.String())
		},
	})

	return &httpTransport{
		channel: ch,
		client:  &http.Client{Timeout: timeout},
		breaker: cb,
	}
}

// do executes the request built by newReq and classifies the outcome
func (t *httpTransport) do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) error {
	_, err := t.breaker.Execute(func() (interface{}, error) {
		req, err := newReq(ctx)
		if err != nil {
			return nil, Permanent(t.channel, "failed to build provider request", err)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, Transient(t.channel, "provider request failed", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
			return nil, Transient(t.channel, fmt.Sprintf("provider returned %d: %s", resp.StatusCode, body), nil)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return nil, Permanent(t.channel, fmt.Sprintf("provider rejected request %d: %s", resp.StatusCode, body), nil)
		default:
			return nil, Transient(t.channel, fmt.Sprintf("provider returned %d: %s", resp.StatusCode, body), nil)
		}
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Transient(t.channel, "provider circuit open", err)
	}
	return err
}

// State returns the breaker state for diagnostics
func (t *httpTransport) State() gobreaker.State {
	return t.breaker.State()
}
