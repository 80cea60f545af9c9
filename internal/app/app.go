// Package app wires the herald components into a running service
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/foxzi/herald/internal/api"
	"github.com/foxzi/herald/internal/certs"
	"github.com/foxzi/herald/internal/channel"
	"github.com/foxzi/herald/internal/config"
	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/escalation"
	"github.com/foxzi/herald/internal/ingest"
	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/ratelimit"
	"github.com/foxzi/herald/internal/rules"
	"github.com/foxzi/herald/internal/tracing"
)

// consumer is a long-running event source
type consumer interface {
	Run(ctx context.Context) error
}

// App is the main application
type App struct {
	config          *config.Config
	storage         *queue.BoltStorage
	engine          *engine.Engine
	apiServer       *api.Server
	challengeServer *http.Server
	processor       *queue.Processor
	cleaner         *queue.Cleaner
	rateLimiter     *ratelimit.Limiter
	metricsServer   *metrics.Server
	collector       *metrics.Collector
	redis           *redis.Client
	consumers       []consumer
	tracingShutdown tracing.ShutdownFunc
	logger          *slog.Logger
	logCloser       io.Closer
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger, logCloser := setupLogger(cfg.Logging)
	logger = logger.With("instance", cfg.Server.Name)

	shutdownTracing, err := tracing.Setup(context.Background(), cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to setup tracing: %w", err)
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.Path, queue.Options{
		LeaseTimeout: cfg.Queue.LeaseTimeout,
		BaseBackoff:  cfg.Queue.BaseBackoff,
		MaxBackoff:   cfg.Queue.MaxBackoff,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a := &App{
		config:          cfg,
		storage:         storage,
		tracingShutdown: shutdownTracing,
		logger:          logger,
		logCloser:       logCloser,
	}
	if err := a.build(version); err != nil {
		storage.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(version string) error {
	cfg := a.config
	logger := a.logger

	store, err := rules.NewBoltStore(a.storage.DB())
	if err != nil {
		return fmt.Errorf("failed to create rule store: %w", err)
	}

	a.engine = engine.New(store, a.storage, escalation.StaticDirectory(cfg.Directory), engine.Config{
		MaxRetries: cfg.Queue.MaxRetries,
		Retrigger:  cfg.Escalation.Retrigger,
	}, logger)

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		a.collector, err = metrics.NewCollector(a.storage.DB(), m, a.engine.MetricsQueueStats, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr)
	}

	router, inbox, err := a.buildRouter()
	if err != nil {
		return err
	}

	a.processor = queue.NewProcessor(a.storage, router, queue.ProcessorConfig{
		Workers:         cfg.Queue.Workers,
		BatchSize:       cfg.Queue.BatchSize,
		SendTimeout:     cfg.Queue.SendTimeout,
		ProcessInterval: cfg.Queue.ProcessInterval,
	}, channel.IsPermanent, logger.With("component", "processor"))

	if cfg.RateLimit.Enabled {
		rlConfig := cfg.RateLimit.Config
		a.rateLimiter, err = ratelimit.NewLimiter(a.storage.DB(), &rlConfig)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		a.processor.SetRateLimiter(a.rateLimiter)
		logger.Info("rate limiting enabled")
	}

	a.cleaner = queue.NewCleaner(a.storage, queue.CleanerConfig{
		MaxAge:   cfg.Storage.Retention.MaxAge,
		Interval: cfg.Storage.Retention.CleanupInterval,
	}, logger.With("component", "cleaner"))

	// A nil *channel.Inbox must not become a non-nil interface
	var apiInbox api.Inbox
	if inbox != nil {
		apiInbox = inbox
	}
	a.apiServer = api.NewServer(a.engine, apiInbox, &cfg.API, version, logger)
	if err := a.setupTLS(); err != nil {
		return err
	}

	if c := cfg.Ingest.AMQP; c != nil {
		a.consumers = append(a.consumers, ingest.NewAMQPConsumer(*c, a.engine, logger))
		logger.Info("amqp ingestion enabled", "queue", c.Queue)
	}
	if c := cfg.Ingest.Kafka; c != nil {
		a.consumers = append(a.consumers, ingest.NewKafkaConsumer(*c, a.engine, logger))
		logger.Info("kafka ingestion enabled", "topic", c.Topic)
	}

	return nil
}

// setupTLS enables HTTPS on the API when certificates are configured
func (a *App) setupTLS() error {
	cfg := a.config.API.TLS
	src, err := certs.New(cfg)
	if err != nil {
		return err
	}
	if src == nil {
		return nil
	}
	a.apiServer.UseTLS(src.TLSConfig())

	if src.ACME() {
		a.challengeServer = &http.Server{
			Addr:              cfg.ACME.ChallengeAddr,
			Handler:           src.ChallengeHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		a.logger.Info("ACME (Let's Encrypt) enabled", "domains", src.Domains())
		return nil
	}

	if info, err := certs.Inspect(cfg.CertFile); err == nil {
		a.logger.Info("TLS enabled with manual certificate", "subject", info.Subject, "days_left", info.DaysLeft)
		if info.DaysLeft < 14 {
			a.logger.Warn("TLS certificate expires soon", "not_after", info.NotAfter)
		}
	}
	return nil
}

// buildRouter registers a sender for every configured channel
func (a *App) buildRouter() (*channel.Router, *channel.Inbox, error) {
	cfg := a.config.Channels
	router := channel.NewRouter(a.logger.With("component", "router"))

	if c := cfg.Email; c != nil {
		ecfg := channel.EmailConfig{
			Addr:               c.Addr,
			TLSMode:            c.TLSMode,
			InsecureSkipVerify: c.InsecureSkipVerify,
			Username:           c.Username,
			Password:           c.Password,
			From:               c.From,
			FromName:           c.FromName,
			HeloName:           c.HeloName,
			Timeout:            c.Timeout,
		}
		if c.DKIM != nil {
			ecfg.DKIM = &channel.DKIMConfig{Domain: c.DKIM.Domain, Selector: c.DKIM.Selector, KeyFile: c.DKIM.KeyFile}
		}
		sender, err := channel.NewEmailSender(ecfg, a.logger.With("component", "email"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create email sender: %w", err)
		}
		router.Register(queue.ChannelEmail, sender)
	}

	if c := cfg.SMS; c != nil {
		router.Register(queue.ChannelSMS, channel.NewSMSSender(channel.SMSConfig{
			URL:      c.URL,
			APIKey:   c.APIKey,
			SenderID: c.SenderID,
			Timeout:  c.Timeout,
			Breaker:  breakerConfig(c.Breaker),
		}, a.logger.With("component", "sms")))
	}

	if c := cfg.Push; c != nil {
		router.Register(queue.ChannelPush, channel.NewPushSender(channel.PushConfig{
			URL:     c.URL,
			APIKey:  c.APIKey,
			Timeout: c.Timeout,
			Breaker: breakerConfig(c.Breaker),
		}, a.logger.With("component", "push")))
	}

	var inbox *channel.Inbox
	if c := cfg.InApp; c != nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		inbox = channel.NewInbox(a.redis, channel.InAppConfig{
			InboxSize: c.InboxSize,
			TTL:       c.TTL,
		}, a.logger.With("component", "inbox"))
		router.Register(queue.ChannelInApp, inbox)
	}

	a.logger.Info("delivery channels registered", "channels", router.Channels())
	return router, inbox, nil
}

func breakerConfig(c config.BreakerConfig) channel.BreakerConfig {
	return channel.BreakerConfig{
		MaxRequests:  c.MaxRequests,
		Interval:     c.Interval,
		Timeout:      c.Timeout,
		FailureRatio: c.FailureRatio,
		MinRequests:  c.MinRequests,
	}
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting herald",
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
		"workers", a.config.Queue.Workers,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.redis != nil {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			a.logger.Warn("redis is not reachable, in-app deliveries will be retried", "error", err)
		}
		pingCancel()
	}

	a.processor.Start(ctx)
	a.cleaner.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2+len(a.consumers))

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.challengeServer != nil {
		go func() {
			a.logger.Info("starting ACME HTTP challenge server", "addr", a.challengeServer.Addr)
			if err := a.challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("ACME HTTP server error", "error", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	for _, c := range a.consumers {
		go func(c consumer) {
			if err := c.Run(ctx); err != nil {
				errCh <- fmt.Errorf("ingest: %w", err)
			}
		}(c)
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting events before stopping delivery
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.challengeServer != nil {
		if err := a.challengeServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("acme server shutdown error", "error", err)
		}
	}

	a.processor.Stop()
	a.cleaner.Stop()

	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}

	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}

	if err := a.storage.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	if err := a.tracingShutdown(shutdownCtx); err != nil {
		a.logger.Error("tracing shutdown error", "error", err)
	}

	a.logger.Info("shutdown complete")
	if a.logCloser != nil {
		a.logCloser.Close()
	}
	return nil
}

// setupLogger creates a logger based on configuration. The returned
// closer releases the log file, it is nil for stdout only.
func setupLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stdout
	var closer io.Closer
	if cfg.Output == "file" || cfg.Output == "both" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		closer = file
		out = file
		if cfg.Output == "both" {
			out = io.MultiWriter(os.Stdout, file)
		}
	}

	return newLogger(out, cfg.Format, level), closer
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
