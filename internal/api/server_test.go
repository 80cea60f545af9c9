package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/herald/internal/channel"
	"github.com/foxzi/herald/internal/config"
	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/escalation"
	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/rules"
)

const testKey = "secret-key"

func newTestServer(t *testing.T, cfg *config.APIConfig) *Server {
	t.Helper()

	q, err := queue.NewBoltStorage(filepath.Join(t.TempDir(), "herald.db"), queue.Options{})
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })

	store, err := rules.NewBoltStore(q.DB())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := escalation.StaticDirectory{
		"customer": {ID: "cust-1", Email: "customer@example.com"},
		"manager":  {ID: "mgr-1", Email: "manager@example.com", Phone: "+15550000003"},
	}
	eng := engine.New(store, q, dir, engine.Config{MaxRetries: 3}, logger)

	if cfg == nil {
		cfg = &config.APIConfig{APIKey: testKey}
	}
	return NewServer(eng, nil, cfg, "test", logger)
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "test" || resp.Queue == nil {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		cfg    *config.APIConfig
		header string
		value  string
		want   int
	}{
		{"no key configured", &config.APIConfig{}, "", "", http.StatusOK},
		{"missing key", &config.APIConfig{APIKey: testKey}, "", "", http.StatusUnauthorized},
		{"wrong key", &config.APIConfig{APIKey: testKey}, "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer", &config.APIConfig{APIKey: testKey}, "Authorization", "Bearer " + testKey, http.StatusOK},
		{"x-api-key", &config.APIConfig{APIKey: testKey}, "X-API-Key", testKey, http.StatusOK},
		{"bcrypt hash", &config.APIConfig{APIKeyHash: string(hash)}, "X-API-Key", testKey, http.StatusOK},
		{"bcrypt mismatch", &config.APIConfig{APIKeyHash: string(hash)}, "X-API-Key", "other", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.cfg)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAllowedIPs(t *testing.T) {
	s := newTestServer(t, &config.APIConfig{APIKey: testKey, AllowedIPs: []string{"10.0.0.0/8"}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
	req.RemoteAddr = "192.168.1.5:1234"
	req.Header.Set("X-API-Key", testKey)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
	req.RemoteAddr = "10.1.2.3:1234"
	req.Header.Set("X-API-Key", testKey)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	s := newTestServer(t, &config.APIConfig{APIKey: testKey, MaxBodyBytes: 16})

	w := doRequest(t, s, http.MethodPost, "/api/v1/events", map[string]any{
		"entity_id":    "WO-1",
		"trigger_type": "status_change",
	})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestInboxNotConfigured(t *testing.T) {
	s := newTestServer(t, nil)

	w := doRequest(t, s, http.MethodGet, "/api/v1/inbox/cust-1", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestCheckOrigin(t *testing.T) {
	s := newTestServer(t, &config.APIConfig{CORSOrigins: []string{"https://app.example.com"}})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"http://example.com", true},
		{"https://evil.example.org", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/api/v1/inbox/x/stream", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := s.checkOrigin(req); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

// offlineInbox serves an empty inbox whose subscriptions never deliver
type offlineInbox struct {
	client *redis.Client
}

func (b *offlineInbox) List(ctx context.Context, recipient string, limit int) ([]channel.InboxMessage, error) {
	return []channel.InboxMessage{}, nil
}

func (b *offlineInbox) Subscribe(ctx context.Context, recipient string) *redis.PubSub {
	return b.client.Subscribe(ctx, channel.LiveChannel(recipient))
}

func TestInboxStreamUpgrade(t *testing.T) {
	for _, withMetrics := range []bool{false, true} {
		t.Run(fmt.Sprintf("metrics=%v", withMetrics), func(t *testing.T) {
			if withMetrics {
				metrics.SetGlobal(metrics.New())
				defer metrics.SetGlobal(nil)
			}

			client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
			t.Cleanup(func() { client.Close() })

			s := newTestServer(t, &config.APIConfig{})
			s.inbox = &offlineInbox{client: client}

			srv := httptest.NewServer(s.Handler())
			defer srv.Close()

			url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/inbox/tech-7/stream"
			conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				t.Fatalf("Dial() error = %v, status = %d", err, status)
			}
			defer conn.Close()

			if resp.StatusCode != http.StatusSwitchingProtocols {
				t.Errorf("status = %d, want 101", resp.StatusCode)
			}
		})
	}
}
