package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newRoutedHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
		r.Get("/queue/{id}", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "not found", http.StatusNotFound)
		})
		r.Put("/notification-rules/{id}", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "invalid rule", http.StatusBadRequest)
		})
		r.Get("/inbox/{recipient}/stream", func(w http.ResponseWriter, r *http.Request) {
			upgrader := websocket.Upgrader{}
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			conn.WriteMessage(websocket.TextMessage, []byte("hello"))
			conn.Close()
		})
	})
	return r
}

func TestHTTPMiddlewareRouteFamilies(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	h := newRoutedHandler()
	requests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodPost, "/api/v1/events", http.StatusAccepted},
		{http.MethodGet, "/api/v1/queue/3f1c", http.StatusNotFound},
		{http.MethodGet, "/api/v1/queue/8a2d", http.StatusNotFound},
		{http.MethodPut, "/api/v1/notification-rules/r1", http.StatusBadRequest},
	}
	for _, req := range requests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(req.method, req.path, nil))
		if rec.Code != req.status {
			t.Fatalf("%s %s: status = %d, want %d", req.method, req.path, rec.Code, req.status)
		}
	}

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"events", testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("POST", FamilyEvents, "/api/v1/events", "202")), 1},
		{"queue by pattern", testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", FamilyQueue, "/api/v1/queue/{id}", "404")), 2},
		{"queue not found", testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues(FamilyQueue, "not_found")), 2},
		{"rule validation", testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues(FamilyRules, "validation")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestHTTPMiddlewareWebsocketUpgrade(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	srv := httptest.NewServer(newRoutedHandler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/inbox/tech-7/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != "hello" {
		t.Fatalf("ReadMessage() = %q, %v", msg, err)
	}

	// The request is recorded once the stream handler returns
	counter := m.APIRequestsTotal.WithLabelValues("GET", FamilyInbox, "/api/v1/inbox/{recipient}/stream", "101")
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(counter) != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := testutil.ToFloat64(counter); got != 1 {
		t.Errorf("inbox stream requests = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.APIRequestDurationSeconds); n != 0 {
		t.Errorf("expected websocket streams to be excluded from durations, got %d series", n)
	}
}

func TestHTTPMiddlewareNoMetrics(t *testing.T) {
	SetGlobal(nil)

	rec := httptest.NewRecorder()
	newRoutedHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", nil))

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestRouteFamily(t *testing.T) {
	tests := []struct {
		route string
		want  string
	}{
		{"/health", FamilyHealth},
		{"/api/v1/events", FamilyEvents},
		{"/api/v1/notification-rules/{id}/toggle", FamilyRules},
		{"/api/v1/escalation-rules/", FamilyRules},
		{"/api/v1/queue/stats", FamilyQueue},
		{"/api/v1/escalations/{rule_id}/{entity_id}", FamilyEscalations},
		{"/api/v1/analytics", FamilyAnalytics},
		{"/api/v1/inbox/{recipient}/stream", FamilyInbox},
		{"/api/v1/*", FamilyOther},
		{unmatchedRoute, FamilyOther},
	}

	for _, tt := range tests {
		if got := routeFamily(tt.route); got != tt.want {
			t.Errorf("routeFamily(%q) = %q, want %q", tt.route, got, tt.want)
		}
	}
}

func TestCategorizeStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{500, "server_error"},
		{503, "server_error"},
		{429, "rate_limited"},
		{401, "auth_error"},
		{403, "auth_error"},
		{404, "not_found"},
		{409, "conflict"},
		{413, "too_large"},
		{400, "validation"},
		{422, "client_error"},
	}

	for _, tt := range tests {
		if got := categorizeStatus(tt.status); got != tt.want {
			t.Errorf("categorizeStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
