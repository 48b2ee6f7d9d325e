package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"calltrail/internal/audit"
	"calltrail/internal/auth"
	"calltrail/internal/calllog"
	"calltrail/internal/config"
	"calltrail/internal/ingest"
	"calltrail/internal/metrics"
	"calltrail/internal/outbound"
	"calltrail/internal/presence"
	"calltrail/internal/reconcile"
	"calltrail/internal/telephony"
	"calltrail/pkg/logger"
	"calltrail/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/juju/clock"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, "calltrail")
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, cfg.DB.Driver, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := calllog.Migrate(rootCtx, db); err != nil {
		log.Error("call log migration failed", "err", err)
		os.Exit(1)
	}
	if err := audit.Migrate(rootCtx, db); err != nil {
		log.Error("journal migration failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	provider, err := telephony.NewTwilioProvider(telephony.TwilioConfig{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
	})
	if err != nil {
		log.Error("provider init failed", "err", err)
		os.Exit(1)
	}

	queue, err := reconcile.NewQueueFromDSN(cfg.Reconcile.QueueDSN)
	if err != nil {
		log.Error("reconcile queue init failed", "err", err)
		os.Exit(1)
	}
	defer queue.Close()

	clk := clock.WallClock
	callLog := calllog.NewRepository(db, clk)
	journal := audit.NewService(audit.NewPostgresRepo(db), clk)
	live := presence.NewRedisStore(rdb, presence.RedisConfig{
		OwnershipTTL: cfg.Presence.OwnershipTTL,
		LiveTTL:      cfg.Presence.LiveTTL,
	}, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	worker := &reconcile.Worker{
		Provider: provider,
		Log:      callLog,
		Debug:    callLog,
		Journal:  journal,
		Clock:    clk,
		Grace:    cfg.Reconcile.GracePeriod,
		Delay:    cfg.Reconcile.RetryDelay,
		Attempts: cfg.Reconcile.MaxAttempts,
		Logger:   log.With("component", "reconcile"),
	}
	runner := &reconcile.Runner{
		Queue:       queue,
		Worker:      worker,
		Concurrency: cfg.Reconcile.Workers,
		Logger:      log.With("component", "reconcile"),
		Clock:       clk,
	}
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		if err := runner.Run(rootCtx); err != nil {
			log.Error("reconcile runner failed", "err", err)
		}
	}()

	deps := routeDeps{
		cfg:  cfg,
		auth: authManager,
		reg:  reg,
		ingest: &ingest.Controller{
			Presence: live,
			Log:      callLog,
			Provider: provider,
			Queue:    queue,
			Clock:    clk,
		},
		dialer: &outbound.Dialer{
			Provider:       provider,
			Presence:       live,
			Log:            callLog,
			From:           cfg.Twilio.PhoneNumber,
			PublicURL:      cfg.Twilio.PublicURL,
			ApplicationSid: cfg.Twilio.TwiMLAppSID,
			Logger:         log.With("component", "outbound"),
		},
		checks: map[string]healthCheck{
			"postgres": func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) },
			"redis":    func(ctx context.Context) error { return utils.RedisHealthCheck(ctx, rdb, 2*time.Second) },
			"provider": provider.HealthCheck,
		},
		callLog:  callLog,
		journal:  journal,
		presence: live,
		queue:    queue,
		clock:    clk,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Zero: /calls/stream holds the response open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		log.Warn("reconcile runner did not stop in time")
	}
}
