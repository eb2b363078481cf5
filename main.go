package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	alertapp "fleet-telemetry/internal/alerts/application"
	alerts "fleet-telemetry/internal/alerts/domain"
	alertmem "fleet-telemetry/internal/alerts/infrastructure/memory"
	alertpostgres "fleet-telemetry/internal/alerts/infrastructure/postgres"
	alerthttp "fleet-telemetry/internal/alerts/interfaces/http"
	"fleet-telemetry/internal/alerts/notify"
	"fleet-telemetry/internal/audit"
	"fleet-telemetry/internal/auth"
	"fleet-telemetry/internal/config"
	"fleet-telemetry/internal/database/postgres"
	"fleet-telemetry/internal/hub"
	"fleet-telemetry/internal/observability/logging"
	"fleet-telemetry/internal/observability/metrics"
	provisioning "fleet-telemetry/internal/provisioning/application"
	provisioninghttp "fleet-telemetry/internal/provisioning/interfaces/http"
	"fleet-telemetry/internal/telemetry/application"
	telemetry "fleet-telemetry/internal/telemetry/domain"
	telemetrymem "fleet-telemetry/internal/telemetry/infrastructure/memory"
	telemetrypostgres "fleet-telemetry/internal/telemetry/infrastructure/postgres"
	telemetryhttp "fleet-telemetry/internal/telemetry/interfaces/http"
	"fleet-telemetry/internal/transport"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

type stores struct {
	db        *sql.DB
	telemetry telemetry.Store
	alerts    alerts.Store
	audit     audit.Logger
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (stores, error) {
	if cfg.InMemory() {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		return stores{
			telemetry: telemetrymem.NewStore(),
			alerts:    alertmem.NewStore(),
			audit:     audit.NewMemoryLogger(),
		}, nil
	}
	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.DefaultOptions())
	if err != nil {
		return stores{}, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return stores{}, err
	}
	return stores{
		db:        db,
		telemetry: telemetrypostgres.NewStore(db),
		alerts:    alertpostgres.NewStore(db),
		audit:     audit.NewRepository(db),
	}, nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}
	metrics.Init(st.db, logger)

	hubOpts := []hub.Option{hub.WithLogger(logger)}
	if cfg.NATSURL != "" {
		mirror, err := hub.NewNATSMirror(cfg.NATSURL, cfg.NATSPrefix)
		if err != nil {
			return err
		}
		defer mirror.Close()
		hubOpts = append(hubOpts, hub.WithMirror(mirror))
	}
	liveHub := hub.New(hubOpts...)
	defer liveHub.Close()

	// Alerts.
	ruleSource, err := alertapp.NewCachedRuleSource(alertapp.NewRepositoryRuleSource(st.alerts), cfg.RuleCacheTTL)
	if err != nil {
		return err
	}
	defer ruleSource.Close()

	dispatcher, err := notify.NewDispatcher(st.alerts, st.alerts,
		notify.WithSender(alerts.ChannelWebhook, notify.NewWebhookSender()),
		notify.WithSender(alerts.ChannelSlack, notify.NewSlackSender()),
		notify.WithSender(alerts.ChannelEmail, notify.NewEmailSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})),
		notify.WithSender(alerts.ChannelInApp, notify.NewInAppSender(liveHub)),
		notify.WithBaseURL(cfg.PublicBaseURL),
		notify.WithTimeout(cfg.NotifyTimeout),
		notify.WithWorkers(cfg.NotifyWorkers, cfg.NotifyQueue),
		notify.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	dispatcher.Start()
	defer dispatcher.Close()

	engine, err := alertapp.NewEngine(ruleSource, st.alerts, st.alerts,
		alertapp.WithDispatcher(dispatcher),
		alertapp.WithPublisher(liveHub),
		alertapp.WithHistory(st.telemetry),
		alertapp.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	alertService, err := alertapp.NewService(st.alerts,
		alertapp.WithRuleCache(ruleSource),
		alertapp.WithNotifier(engine),
		alertapp.WithServicePublisher(liveHub),
		alertapp.WithAudit(st.audit),
		alertapp.WithServiceLogger(logger),
	)
	if err != nil {
		return err
	}

	// Telemetry.
	heartbeats := application.NewHeartbeatMonitor(cfg.HeartbeatStaleness)
	validator := application.NewValidator(application.WithSampleWindow(cfg.MaxSampleAge, cfg.MaxFutureSkew))
	pipeline, err := application.NewPipeline(validator, st.telemetry, st.telemetry, heartbeats,
		application.WithPublisher(liveHub),
		application.WithEvaluator(engine),
		application.WithPipelineLogger(logger),
	)
	if err != nil {
		return err
	}
	query, err := application.NewQueryService(st.telemetry, st.telemetry,
		application.WithStaleness(heartbeats),
		application.WithRawRetention(cfg.RetentionRaw),
	)
	if err != nil {
		return err
	}
	rollups, err := application.NewRollupService(st.telemetry, st.telemetry, st.telemetry,
		application.WithRollupGrace(cfg.RollupGrace),
		application.WithRollupOverlap(cfg.RollupOverlap),
		application.WithRollupLogger(logger),
	)
	if err != nil {
		return err
	}
	retention, err := application.NewRetentionService(st.telemetry, st.telemetry, st.telemetry,
		retentionPolicy(cfg), nil, logger)
	if err != nil {
		return err
	}

	// Agents.
	keyring := auth.NewAgentKeyring()
	provisioner, err := provisioning.NewService(keyring, alertService, logger)
	if err != nil {
		return err
	}
	if cfg.ProvisioningFile != "" {
		doc, err := provisioning.LoadFile(cfg.ProvisioningFile)
		if err != nil {
			return err
		}
		summary, err := provisioner.Apply(ctx, doc)
		if err != nil {
			return err
		}
		logger.Info("provisioning applied",
			zap.String("file", cfg.ProvisioningFile),
			zap.Int("agents", summary.Agents),
			zap.Int("channels", summary.Channels),
			zap.Int("rules", summary.Rules))
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics", "/ws/agent"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	server, err := transport.NewServer(liveHub, pipeline, keyring, authMiddleware,
		transport.WithSessionTracker(heartbeats),
		transport.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	_ = metrics.RegisterGaugeFunc("agents_connected", "Agents with an open session", func() float64 {
		return float64(server.Agents())
	})
	_ = metrics.RegisterGaugeFunc("hub_subscribers", "Live stream subscribers", func() float64 {
		return float64(liveHub.Len())
	})

	// HTTP.
	telemetryHandler, err := telemetryhttp.NewHandler(query, st.telemetry, heartbeats,
		telemetryhttp.WithCommands(server, transport.ErrInstanceOffline),
		telemetryhttp.WithAudit(st.audit),
		telemetryhttp.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	alertHandler, err := alerthttp.NewHandler(alertService, logger)
	if err != nil {
		return err
	}
	provisioningHandler, err := provisioninghttp.NewHandler(provisioner, st.audit, logger)
	if err != nil {
		return err
	}

	api := http.NewServeMux()
	telemetryHandler.Register(api)
	alertHandler.Register(api)
	api.Handle("/api/v1/exports/", alerthttp.NewExportHandler(alertHandler))

	mux := http.NewServeMux()
	mux.Handle("/api/", gzhttp.GzipHandler(api))
	mux.Handle("/api/v1/provisioning", provisioningHandler)
	mux.Handle("/api/v1/stream", hub.NewStreamHandler(liveHub, logger))
	mux.Handle("/ws/agent", server.AgentHandler())
	mux.Handle("/ws/client", server.ClientHandler())
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if st.db != nil {
			if err := st.db.PingContext(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           logging.AccessLog(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler := application.NewScheduler(logger,
		application.Job{Name: "heartbeat-sweep", Interval: cfg.HeartbeatSweepInterval, Run: func(ctx context.Context) error {
			pipeline.SweepHeartbeats(ctx)
			return nil
		}},
		application.Job{Name: "rollup", Interval: cfg.RollupInterval, Run: func(ctx context.Context) error {
			_, err := rollups.RunPass(ctx)
			return err
		}},
		application.Job{Name: "retention", Interval: cfg.RetentionInterval, Run: func(ctx context.Context) error {
			_, err := retention.Prune(ctx)
			return err
		}},
		application.Job{Name: "silence-sweep", Interval: cfg.SilenceSweepInterval, Run: func(ctx context.Context) error {
			_, err := alertService.SweepSilences(ctx)
			return err
		}},
	)
	go scheduler.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("in_memory", cfg.InMemory()))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	server.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	server.Wait()
	return nil
}

func retentionPolicy(cfg config.Config) application.RetentionPolicy {
	return application.RetentionPolicy{
		Raw: cfg.RetentionRaw,
		Rollup: map[telemetry.Resolution]time.Duration{
			telemetry.Resolution1m: cfg.Retention1m,
			telemetry.Resolution5m: cfg.Retention5m,
			telemetry.Resolution1h: cfg.Retention1h,
			telemetry.Resolution1d: cfg.Retention1d,
		},
		Events: cfg.RetentionEvents,
	}
}
