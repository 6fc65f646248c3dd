package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"wagate/internal/api"
	"wagate/internal/audit"
	"wagate/internal/authstate"
	"wagate/internal/bus"
	"wagate/internal/config"
	"wagate/internal/domain"
	"wagate/internal/events"
	"wagate/internal/inbound"
	"wagate/internal/notify"
	"wagate/internal/outbound"
	"wagate/internal/policy"
	"wagate/internal/ratelimit"
	"wagate/internal/session"
	"wagate/internal/store"
	"wagate/internal/waclient"

	"github.com/spf13/cobra"
)

const (
	inboundQueueSize = 256
	inboundWorkers   = 4
	shutdownTimeout  = 15 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway (sessions, policy engine and HTTP API)",
		Long:  "Opens the database, resumes instances that were running, and serves the HTTP API. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	creds := authstate.New(st.DB(), logger)
	eventBus := bus.NewEventBus(logger)
	queue := bus.NewInboundQueue(inboundQueueSize, logger)

	recorder := inbound.NewRecorder(inbound.RecorderConfig{
		Contacts: st,
		Events:   eventBus,
		Logger:   logger,
	})
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		recorder.Run(context.WithoutCancel(ctx), queue, inboundWorkers)
	}()

	manager := session.NewManager(session.ManagerConfig{
		Connector: waclient.NewBridge(waclient.BridgeConfig{
			URL:    cfg.Sessions.DriverURL,
			Keys:   creds,
			Logger: logger,
		}),
		Credentials: creds,
		Instances:   st,
		Events:      eventBus,
		OnInbound:   func(msg domain.InboundMessage) { queue.Publish(msg) },
		QRTimeout:   time.Duration(cfg.Sessions.QRTimeoutSeconds) * time.Second,
		MaxBackoff:  time.Duration(cfg.Sessions.MaxBackoffSeconds) * time.Second,
		Logger:      logger,
	})

	sink := audit.NewSink(st, logger)
	engine, err := buildPolicy(ctx, cfg, manager, st, sink)
	if err != nil {
		manager.Close()
		return err
	}

	var pacer *outbound.Pacer
	if rate := cfg.Policy.InstanceRateLimitPerMinute; rate > 0 {
		pacer = outbound.NewPacer(float64(rate), 0)
	}

	sender := outbound.NewService(outbound.ServiceConfig{
		Policy:    engine,
		Sessions:  manager,
		Usage:     st,
		Contacts:  st,
		Templates: st,
		Audit:     sink,
		Events:    eventBus,
		Pacer:     pacer,
		Logger:    logger,
	})

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		l, closeLimiter := ratelimit.New(ratelimit.Options{
			RedisAddr:     cfg.RateLimit.RedisAddr,
			RedisPassword: cfg.RateLimit.RedisPassword,
			RedisDB:       cfg.RateLimit.RedisDB,
			Window:        time.Minute,
			Logger:        logger,
		})
		defer closeLimiter()
		limiter = l
		logger.Info("request rate limiting enabled", "perMinute", cfg.RateLimit.RequestsPerMinute, "redis", cfg.RateLimit.RedisAddr != "")
	}

	var forwarder *events.Forwarder
	if cfg.Events.Enabled {
		broker, err := events.NewAMQPBroker(ctx, cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
		if err != nil {
			// The gateway keeps serving without the external event feed.
			logger.Error("event forwarding disabled", "err", err)
		} else {
			forwarder = events.NewForwarder(events.ForwarderConfig{Broker: broker, Bus: eventBus, Logger: logger})
			logger.Info("event forwarding enabled", "exchange", cfg.Events.Exchange)
		}
	}

	var notifier *notify.Telegram
	if tg := cfg.Notify.Telegram; tg.Enabled {
		bot, err := notify.NewBot(tg.Token)
		if err != nil {
			logger.Error("telegram notifications disabled", "err", err)
		} else {
			notifier = notify.NewTelegram(notify.TelegramConfig{
				Bot:    bot,
				ChatID: int64(tg.ChatID),
				Bus:    eventBus,
				Logger: logger,
			})
			logger.Info("telegram notifications enabled")
		}
	}

	var adminID int64
	if cfg.Server.AdminToken != "" {
		admin, err := ensureAdmin(ctx, st, "admin")
		if err != nil {
			manager.Close()
			return fmt.Errorf("admin user: %w", err)
		}
		adminID = admin.ID
	}

	metricsEndpoint := ""
	if cfg.Metrics.Enabled {
		metricsEndpoint = cfg.Metrics.Endpoint
	}

	server := api.NewServer(api.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		Sessions:          manager,
		Sender:            sender,
		Store:             st,
		Audit:             sink,
		Pacer:             pacer,
		Events:            eventBus,
		AdminToken:        cfg.Server.AdminToken,
		AdminUserID:       adminID,
		CORSOrigins:       cfg.Server.CORSOrigins,
		Limiter:           limiter,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		MetricsEndpoint:   metricsEndpoint,
		Logger:            logger,
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(ctx) }()

	if cfg.Sessions.AutoStart {
		resumeInstances(ctx, st, manager)
	}

	logger.Info("gateway started. Press Ctrl+C to stop.", "version", version)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server failed", "err", err)
		}
		stop()
	}
	logger.Info("shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Close()
		queue.Close()
		workers.Wait()
		if forwarder != nil {
			if err := forwarder.Close(); err != nil {
				logger.Warn("close event broker", "err", err)
			}
		}
		if notifier != nil {
			notifier.Close()
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// buildPolicy assembles the policy engine from config and the optional
// policy file, seeding the file's templates into the store.
func buildPolicy(ctx context.Context, cfg *config.Config, sessions policy.SessionLookup, st *store.SQLiteStore, sink domain.AuditLogger) (*policy.Engine, error) {
	engineCfg := policy.EngineConfig{
		Sessions:          sessions,
		Quotas:            st,
		Contacts:          st,
		Templates:         st,
		Audit:             sink,
		ForbiddenPatterns: cfg.Policy.ForbiddenPatterns,
		ReplyWindow:       time.Duration(cfg.Policy.ReplyWindowHours) * time.Hour,
		QuotaFailOpen:     cfg.Policy.QuotaFailOpen,
		Logger:            logger,
	}

	if path := cfg.Policy.PolicyFile; path != "" {
		f, err := policy.LoadFile(path)
		if err != nil {
			return nil, err
		}
		f.Apply(&engineCfg)
		n, err := f.SeedTemplates(ctx, st)
		if err != nil {
			return nil, err
		}
		logger.Info("policy file loaded", "path", path, "patterns", len(f.ForbiddenPatterns), "templates", n)
	}

	engine, err := policy.NewEngine(engineCfg)
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}
	logger.Info("policy engine ready", "rules", engine.RuleNames())
	return engine, nil
}

// resumeInstances reconnects instances that were live when the gateway
// last stopped. Stopped instances stay stopped until started explicitly.
func resumeInstances(ctx context.Context, st *store.SQLiteStore, manager *session.Manager) {
	instances, err := st.ListInstances(ctx)
	if err != nil {
		logger.Error("list instances for auto-start", "err", err)
		return
	}
	resumed := 0
	for _, inst := range instances {
		switch inst.Status {
		case domain.InstanceRunning, domain.InstanceConnecting, domain.InstanceReconnecting:
		default:
			continue
		}
		if _, err := manager.StartSession(inst.ID); err != nil {
			logger.Warn("auto-start failed", "instance", inst.ID, "err", err)
			continue
		}
		resumed++
	}
	logger.Info("instances resumed", "count", resumed, "total", len(instances))
}
