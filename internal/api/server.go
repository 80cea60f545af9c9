package api

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/foxzi/herald/internal/channel"
	"github.com/foxzi/herald/internal/config"
	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/ipfilter"
	"github.com/foxzi/herald/internal/metrics"
)

// Inbox reads in-app notifications of a recipient
type Inbox interface {
	List(ctx context.Context, recipient string, limit int) ([]channel.InboxMessage, error)
	Subscribe(ctx context.Context, recipient string) *redis.PubSub
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	tlsConfig  *tls.Config
	engine     *engine.Engine
	inbox      Inbox
	filter     *ipfilter.Filter
	config     *config.APIConfig
	version    string
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server. inbox may be nil when the in-app
// channel is not configured.
func NewServer(eng *engine.Engine, inbox Inbox, cfg *config.APIConfig, version string, logger *slog.Logger) *Server {
	logger = logger.With("component", "api")
	s := &Server{
		router:    chi.NewRouter(),
		engine:    eng,
		inbox:     inbox,
		filter:    ipfilter.New(cfg.AllowedIPs, cfg.TrustProxy, logger),
		config:    cfg,
		version:   version,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)
	if len(s.config.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.Middleware)
		r.Use(s.authMiddleware)
		r.Use(s.bodyLimitMiddleware)

		r.Post("/events", s.handleEvent)

		r.Route("/notification-rules", func(r chi.Router) {
			r.Get("/", s.handleListNotificationRules)
			r.Post("/", s.handleCreateNotificationRule)
			r.Get("/{id}", s.handleGetNotificationRule)
			r.Put("/{id}", s.handleUpdateNotificationRule)
			r.Delete("/{id}", s.handleDeleteNotificationRule)
			r.Post("/{id}/toggle", s.handleToggleNotificationRule)
		})

		r.Route("/escalation-rules", func(r chi.Router) {
			r.Get("/", s.handleListEscalationRules)
			r.Post("/", s.handleCreateEscalationRule)
			r.Get("/{id}", s.handleGetEscalationRule)
			r.Put("/{id}", s.handleUpdateEscalationRule)
			r.Delete("/{id}", s.handleDeleteEscalationRule)
			r.Post("/{id}/toggle", s.handleToggleEscalationRule)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.handleListQueue)
			r.Get("/stats", s.handleQueueStats)
			r.Get("/{id}", s.handleGetQueueItem)
			r.Post("/{id}/retry", s.handleRetryQueueItem)
			r.Post("/{id}/cancel", s.handleCancelQueueItem)
		})

		r.Get("/escalations/{rule_id}/{entity_id}", s.handleChainStatus)
		r.Delete("/escalations/{rule_id}/{entity_id}", s.handleCancelChain)

		r.Get("/analytics", s.handleAnalytics)

		r.Get("/inbox/{recipient}", s.handleInbox)
		r.Get("/inbox/{recipient}/stream", s.handleInboxStream)
	})
}

// Handler returns the traced root handler
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "herald.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// UseTLS makes ListenAndServe serve HTTPS
func (s *Server) UseTLS(cfg *tls.Config) {
	s.tlsConfig = cfg
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		TLSConfig:      s.tlsConfig,
	}

	s.logger.Info("starting HTTP API server",
		"addr", s.config.ListenAddr,
		"tls", s.tlsConfig != nil,
		"ip_filter", s.filter.Enabled(),
	)
	if s.tlsConfig != nil {
		return s.httpServer.ListenAndServeTLS("", "")
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
