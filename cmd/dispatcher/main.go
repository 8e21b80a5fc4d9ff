package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bugbay/bugbay/internal/config"
	"github.com/bugbay/bugbay/internal/db"
	"github.com/bugbay/bugbay/internal/email"
	"github.com/bugbay/bugbay/internal/handlers"
	"github.com/bugbay/bugbay/internal/health"
	"github.com/bugbay/bugbay/internal/logging"
	"github.com/bugbay/bugbay/internal/metrics"
	"github.com/bugbay/bugbay/internal/safeurl"
	"github.com/bugbay/bugbay/internal/task"
	"github.com/bugbay/bugbay/internal/tracing"
	"github.com/bugbay/bugbay/internal/webhook"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("bugbay-dispatcher")

	shutdown, err := tracing.InitTracing(ctx, "bugbay-dispatcher")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN(), "bugbay-dispatcher")
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// Outbound URL validation. AllowPrivate drops the built-in blocklist for
	// local development against loopback receivers.
	var validatorOpts []safeurl.Option
	if cfg.Webhook.AllowPrivate {
		logger.Plain().Warn("private address blocking disabled")
		validatorOpts = append(validatorOpts, safeurl.WithoutBuiltinRanges())
	}
	validator, err := safeurl.New(cfg.Webhook.BlockedCIDRs, validatorOpts...)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid blocked CIDR config")
	}

	executor := webhook.NewExecutor(validator,
		webhook.WithTimeout(cfg.Webhook.DeliveryTimeout),
		webhook.WithHeaders(cfg.Webhook.SignatureHeader, cfg.Webhook.EventHeader),
	)

	store := task.NewPGStore(pool, cfg.Dispatcher.DefaultMaxAttempts)
	destinations := webhook.NewPGDestinationStore(pool)
	sender := email.NewSMTPSender(email.SMTPConfig{
		Host: cfg.SMTP.Host,
		Port: cfg.SMTP.Port,
		From: cfg.SMTP.From,
		User: cfg.SMTP.User,
		Pass: cfg.SMTP.Pass,
	})

	registry := task.NewRegistry()
	registry.Register(task.TypeWebhookDelivery, handlers.NewWebhookDelivery(destinations, executor).Handle)
	registry.Register(task.TypeSendEmail, handlers.NewSendEmail(sender).Handle)

	dispatcherOpts := []task.Option{}
	if cfg.DLQ.Publish {
		deadLetters, err := task.NewNSQDeadLetters(cfg.DLQ.NsqdTCPAddr, cfg.DLQ.Topic)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq dead letter producer failed")
		}
		dispatcherOpts = append(dispatcherOpts, task.WithDeadLetters(deadLetters))
	}

	dispatcher := task.NewDispatcher(store, registry, task.Config{
		PollInterval:   cfg.Dispatcher.PollInterval,
		BatchSize:      cfg.Dispatcher.BatchSize,
		BaseRetryDelay: cfg.Dispatcher.BaseRetryDelay,
		MaxRetryDelay:  cfg.Dispatcher.MaxRetryDelay,
		HandlerTimeout: cfg.Webhook.DeliveryTimeout + 5*time.Second,
	}, dispatcherOpts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler("bugbay-dispatcher", pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Dispatcher.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		dispatcher.Run(runCtx)
		close(done)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Plain().Info("shutting down")

	cancel()
	select {
	case <-done:
	case <-time.After(cfg.Dispatcher.ShutdownGrace):
		logger.Plain().Warn("shutdown grace period expired")
	}
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("dispatcher stopped")
}
