package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/foxzi/herald/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"transient", Transient(queue.ChannelSMS, "timeout", nil), false},
		{"permanent", Permanent(queue.ChannelSMS, "bad number", nil), true},
		{"wrapped permanent", fmt.Errorf("send: %w", Permanent(queue.ChannelEmail, "rejected", nil)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeliveryErrorMessage(t *testing.T) {
	err := Transient(queue.ChannelPush, "provider request failed", errors.New("connection refused"))
	if err.Error() != "push: provider request failed: connection refused" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, err.Err) {
		t.Error("expected Unwrap to expose the cause")
	}
}

type recordingSender struct {
	calls int
}

func (s *recordingSender) Send(ctx context.Context, item *queue.Item) error {
	s.calls++
	return nil
}

func TestRouter(t *testing.T) {
	r := NewRouter(testLogger())
	sms := &recordingSender{}
	r.Register(queue.ChannelSMS, sms)

	if err := r.Send(context.Background(), &queue.Item{ID: "1", Channel: queue.ChannelSMS}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sms.calls != 1 {
		t.Errorf("expected 1 call, got %d", sms.calls)
	}

	err := r.Send(context.Background(), &queue.Item{ID: "2", Channel: queue.ChannelPush})
	if !IsPermanent(err) {
		t.Errorf("expected permanent error for unconfigured channel, got %v", err)
	}

	chs := r.Channels()
	if len(chs) != 1 || chs[0] != queue.ChannelSMS {
		t.Errorf("Channels() = %v", chs)
	}
}

func TestCategorizeSMTPError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"smtp 550", &smtp.SMTPError{Code: 550, Message: "mailbox unavailable"}, true},
		{"smtp 421", &smtp.SMTPError{Code: 421, Message: "try again later"}, false},
		{"text 554", errors.New("554 transaction failed"), true},
		{"text 451", errors.New("451 temporary local problem"), false},
		{"network", errors.New("dial tcp: connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := categorizeSMTPError(tt.err, "RCPT TO")
			if de.Permanent != tt.permanent {
				t.Errorf("Permanent = %v, want %v", de.Permanent, tt.permanent)
			}
			if de.Channel != queue.ChannelEmail {
				t.Errorf("Channel = %s", de.Channel)
			}
		})
	}
}

func TestBuildMessage(t *testing.T) {
	item := &queue.Item{
		ID:      "item-1",
		RuleID:  "rule-1",
		Subject: "Work order WO-42 assigned",
		Content: "Line one\nLine two",
	}
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	msg := string(buildMessage("alerts@example.com", "Alerts", "tech@example.com", item, now))

	for _, want := range []string{
		"From: \"Alerts\" <alerts@example.com>\r\n",
		"To: tech@example.com\r\n",
		"Message-ID: <item-1@example.com>\r\n",
		"X-Herald-Rule-Id: rule-1\r\n",
		"Line one\r\nLine two",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestValidPhone(t *testing.T) {
	tests := []struct {
		phone string
		want  bool
	}{
		{"+15551234567", true},
		{"(555) 123-4567", true},
		{"12345", false},
		{"555-CALL-NOW", false},
		{"1+5551234567", false},
	}

	for _, tt := range tests {
		if got := validPhone(tt.phone); got != tt.want {
			t.Errorf("validPhone(%q) = %v, want %v", tt.phone, got, tt.want)
		}
	}
}

func TestSMSSenderStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		permanent bool
	}{
		{"ok", http.StatusOK, false, false},
		{"bad request", http.StatusBadRequest, true, true},
		{"throttled", http.StatusTooManyRequests, true, false},
		{"server error", http.StatusBadGateway, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				r.ParseForm()
				got = r.PostForm.Get("to")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			s := NewSMSSender(SMSConfig{URL: srv.URL, SenderID: "HERALD"}, testLogger())
			err := s.Send(context.Background(), &queue.Item{ID: "1", Channel: queue.ChannelSMS, RecipientPhone: "+15551234567", Content: "hi"})

			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", IsPermanent(err), tt.permanent)
			}
			if got != "+15551234567" {
				t.Errorf("gateway got to=%q", got)
			}
		})
	}
}

func TestSMSSenderMissingPhone(t *testing.T) {
	s := NewSMSSender(SMSConfig{URL: "http://127.0.0.1:1"}, testLogger())
	err := s.Send(context.Background(), &queue.Item{ID: "1", Channel: queue.ChannelSMS})
	if !IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestPushSenderBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Idempotency-Key") == "" {
			t.Error("missing idempotency key")
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewPushSender(PushConfig{
		URL:     srv.URL,
		Breaker: BreakerConfig{MinRequests: 2, FailureRatio: 0.5, Timeout: time.Minute},
	}, testLogger())

	item := &queue.Item{ID: "1", Channel: queue.ChannelPush, RecipientID: "user-1"}
	for i := 0; i < 3; i++ {
		err := s.Send(context.Background(), item)
		if err == nil || IsPermanent(err) {
			t.Fatalf("attempt %d: expected transient error, got %v", i, err)
		}
	}

	if hits.Load() != 2 {
		t.Errorf("expected breaker to stop calls after 2 failures, got %d hits", hits.Load())
	}
}

func TestPushSenderRejectionDoesNotTrip(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	s := NewPushSender(PushConfig{
		URL:     srv.URL,
		Breaker: BreakerConfig{MinRequests: 2, FailureRatio: 0.5},
	}, testLogger())

	item := &queue.Item{ID: "1", Channel: queue.ChannelPush, RecipientID: "user-1"}
	for i := 0; i < 4; i++ {
		if err := s.Send(context.Background(), item); !IsPermanent(err) {
			t.Fatalf("attempt %d: expected permanent error, got %v", i, err)
		}
	}
	if hits.Load() != 4 {
		t.Errorf("expected every request to reach provider, got %d", hits.Load())
	}
}

func TestInboxRejectsMissingRecipient(t *testing.T) {
	b := NewInbox(nil, InAppConfig{}, testLogger())
	err := b.Send(context.Background(), &queue.Item{ID: "1", Channel: queue.ChannelInApp})
	if !IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if LiveChannel("u1") != "inbox:u1:live" {
		t.Errorf("LiveChannel() = %q", LiveChannel("u1"))
	}
}
