package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// API route families used as a low-cardinality label
const (
	FamilyHealth      = "health"
	FamilyEvents      = "events"
	FamilyRules       = "rules"
	FamilyQueue       = "queue"
	FamilyEscalations = "escalations"
	FamilyAnalytics   = "analytics"
	FamilyInbox       = "inbox"
	FamilyOther       = "other"
)

const unmatchedRoute = "unmatched"

// HTTPMiddleware records API request counts, durations and errors.
// The response writer keeps http.Hijacker so websocket upgrades pass through.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := Global()
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		upgrade := websocket.IsWebSocketUpgrade(r)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		switch {
		case status == 0 && upgrade:
			// Hijacked connections never report a status through the writer
			status = http.StatusSwitchingProtocols
		case status == 0:
			status = http.StatusOK
		}

		route := routePattern(r)
		family := routeFamily(route)

		m.APIRequestsTotal.WithLabelValues(r.Method, family, route, strconv.Itoa(status)).Inc()
		if !upgrade {
			m.APIRequestDurationSeconds.WithLabelValues(r.Method, family).Observe(time.Since(start).Seconds())
		}
		if status >= 400 {
			m.APIErrorsTotal.WithLabelValues(family, categorizeStatus(status)).Inc()
		}
	})
}

// routePattern returns the matched chi pattern. Unrouted paths share one
// label so unknown paths cannot grow the series set.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

func routeFamily(route string) string {
	if route == "/health" {
		return FamilyHealth
	}
	rest, ok := strings.CutPrefix(route, "/api/v1/")
	if !ok {
		return FamilyOther
	}
	segment, _, _ := strings.Cut(rest, "/")

	switch segment {
	case "events":
		return FamilyEvents
	case "notification-rules", "escalation-rules":
		return FamilyRules
	case "queue":
		return FamilyQueue
	case "escalations":
		return FamilyEscalations
	case "analytics":
		return FamilyAnalytics
	case "inbox":
		return FamilyInbox
	default:
		return FamilyOther
	}
}

// categorizeStatus maps an error status to the error_type label
func categorizeStatus(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "auth_error"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusConflict:
		return "conflict"
	case status == http.StatusRequestEntityTooLarge:
		return "too_large"
	case status == http.StatusBadRequest:
		return "validation"
	default:
		return "client_error"
	}
}
