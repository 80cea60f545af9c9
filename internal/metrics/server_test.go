package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServerHandler(t *testing.T) {
	m := New()
	m.NotificationsSentTotal.WithLabelValues("email").Inc()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(m, "", "", []string{"127.0.0.1"}, logger)
	h := s.Handler()

	tests := []struct {
		name       string
		path       string
		remoteAddr string
		wantStatus int
		wantBody   string
	}{
		{"metrics allowed", "/metrics", "127.0.0.1:4000", http.StatusOK, "herald_notifications_sent_total"},
		{"metrics denied", "/metrics", "10.1.1.1:4000", http.StatusForbidden, ""},
		{"health unfiltered", "/health", "10.1.1.1:4000", http.StatusOK, "OK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body missing %q", tt.wantBody)
			}
		})
	}
}

func TestServerDefaults(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(New(), "", "", nil, logger)
	if s.addr != ":9090" || s.path != "/metrics" {
		t.Errorf("unexpected defaults addr=%s path=%s", s.addr, s.path)
	}
	if s.filter.Enabled() {
		t.Error("filter should be disabled without allowed IPs")
	}
}
