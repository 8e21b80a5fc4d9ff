package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bugbay/bugbay/internal/billing"
	"github.com/bugbay/bugbay/internal/config"
	"github.com/bugbay/bugbay/internal/db"
	"github.com/bugbay/bugbay/internal/health"
	"github.com/bugbay/bugbay/internal/logging"
	"github.com/bugbay/bugbay/internal/metrics"
	"github.com/bugbay/bugbay/internal/task"
)

// maxBodyBytes bounds inbound provider payloads.
const maxBodyBytes = 1 << 20

// ingester is the slice of *billing.Gate the HTTP handler needs.
type ingester interface {
	Ingest(ctx context.Context, body []byte, signature string) (billing.Outcome, error)
}

// newWebhookHandler maps gate outcomes onto HTTP statuses. Failures return
// 500 so the provider's retry machinery re-delivers; duplicates return 200
// so it stops.
func newWebhookHandler(gate ingester, sigHeader string, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			logger.WithContext(r.Context()).WithError(err).Warn("billing webhook body rejected")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		outcome, err := gate.Ingest(r.Context(), body, r.Header.Get(sigHeader))
		switch outcome {
		case billing.OutcomeAccepted, billing.OutcomeDuplicate:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"received":true}`))
		case billing.OutcomeInvalid:
			w.WriteHeader(http.StatusUnauthorized)
		default:
			logger.WithContext(r.Context()).WithError(err).Error("billing event processing failed")
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("bugbay-billing-webhook")

	if cfg.Billing.WebhookSecret == "" {
		logger.Plain().Fatal("BILLING_WEBHOOK_SECRET is required")
	}

	pool, err := db.Connect(ctx, cfg.DSN(), "bugbay-billing-webhook")
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	store := billing.NewPGEventStore(pool)
	tasks := task.NewPGStore(pool, cfg.Dispatcher.DefaultMaxAttempts)

	gate := billing.NewGate(cfg.Billing.WebhookSecret, store)
	gate.On("payment.failed", billing.PaymentFailedHandler(tasks))
	gate.On("subscription.canceled", billing.SubscriptionCanceledHandler(tasks))

	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/billing", newWebhookHandler(gate, cfg.Billing.SignatureHeader, logger))
	mux.HandleFunc("/healthz", health.HTTPHandler("bugbay-billing-webhook", pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              cfg.Billing.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("billing webhook server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("billing webhook server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Plain().Info("shutting down")
	_ = httpSrv.Shutdown(context.Background())
}
