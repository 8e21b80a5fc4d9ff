package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bugbay/bugbay/internal/logging"
	"github.com/bugbay/bugbay/internal/metrics"
	"github.com/bugbay/bugbay/internal/safeurl"
	"github.com/bugbay/bugbay/internal/tracing"
)

// StatusError is returned when the receiver answered with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("receiver returned status %d", e.Code)
}

// Retryable reports whether the status indicates a transient receiver
// failure. 4xx responses are the receiver telling us to stop.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500
}

// envelope is the wire body of an outbound webhook.
type envelope struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Executor performs signed, IP-pinned webhook deliveries.
type Executor struct {
	validator       *safeurl.Validator
	timeout         time.Duration
	signatureHeader string
	eventHeader     string
	logger          *logging.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout sets the per-attempt delivery timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithHeaders overrides the signature and event header names.
func WithHeaders(signature, event string) Option {
	return func(e *Executor) {
		e.signatureHeader = signature
		e.eventHeader = event
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor builds an Executor around a URL validator.
func NewExecutor(validator *safeurl.Validator, opts ...Option) *Executor {
	e := &Executor{
		validator:       validator,
		timeout:         10 * time.Second,
		signatureHeader: "X-Bugbay-Signature",
		eventHeader:     "X-Bugbay-Event",
		logger:          logging.New("bugbay-webhook"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deliver validates the destination URL, signs the payload and POSTs it to
// the pinned address. Unsafe URLs come back as *safeurl.Error (a security
// drop, never retried); 4xx as a non-retryable *StatusError; 5xx and
// connection-level failures as retryable errors.
func (e *Executor) Deliver(ctx context.Context, dest *Destination, event string, data map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "webhook.deliver",
		attribute.String("destination_id", dest.ID),
		attribute.String("event", event),
	)
	defer span.End()

	res, err := e.validator.ValidateAndResolve(ctx, dest.URL)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		reason := "unsafe"
		var verr *safeurl.Error
		if errors.As(err, &verr) {
			reason = verr.Reason
		}
		metrics.RecordWebhookBlocked(reason)
		metrics.RecordWebhookDelivery("blocked", 0)
		e.logger.WithContext(ctx).WithDestination(dest.ID).WithError(err).Warn("webhook destination rejected by URL safety check")
		return err
	}

	body := marshalEnvelope(event, data)
	sig := Sign(dest.Secret, body)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, res.URL.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	// Virtual hosting: the connection goes to the pinned IP but the request
	// must still name the original host.
	req.Host = res.URL.Host
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(e.signatureHeader, sig)
	req.Header.Set(e.eventHeader, event)

	client := &http.Client{
		Timeout:   e.timeout,
		Transport: e.pinnedTransport(res),
	}

	start := time.Now()
	tracing.AddSpanEvent(ctx, "http.send_webhook", attribute.String("pinned_ip", res.IPs[0].String()))
	resp, doErr := client.Do(req)
	latency := time.Since(start)

	span.SetAttributes(attribute.Int64("http.latency_ms", latency.Milliseconds()))
	if doErr != nil {
		tracing.SetSpanError(ctx, doErr)
		metrics.RecordWebhookDelivery("failed", latency)
		return fmt.Errorf("webhook post to %s: %w", dest.URL, doErr)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.RecordWebhookDelivery("delivered", latency)
		return nil
	case resp.StatusCode >= 500:
		metrics.RecordWebhookDelivery("failed", latency)
		return &StatusError{Code: resp.StatusCode}
	default:
		metrics.RecordWebhookDelivery("rejected_4xx", latency)
		return &StatusError{Code: resp.StatusCode}
	}
}

// pinnedTransport dials the pre-validated IP instead of re-resolving the
// hostname, closing the rebinding window. TLS still verifies the certificate
// chain; hostname matching is disabled since the dial target is an IP.
func (e *Executor) pinnedTransport(res *safeurl.Result) *http.Transport {
	port := res.URL.Port()
	if port == "" {
		if res.URL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	pinned := net.JoinHostPort(res.IPs[0].String(), port)

	return &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := &net.Dialer{Timeout: e.timeout}
			return d.DialContext(ctx, network, pinned)
		},
		TLSClientConfig: &tls.Config{
			ServerName:            res.URL.Hostname(), // SNI still carries the original name
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: verifyChainOnly,
		},
	}
}

// verifyChainOnly validates the presented certificate chain against the
// system roots without matching the leaf against a hostname.
func verifyChainOnly(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("no certificate presented")
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}
		certs = append(certs, c)
	}
	opts := x509.VerifyOptions{
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, c := range certs[1:] {
		opts.Intermediates.AddCert(c)
	}
	_, err := certs[0].Verify(opts)
	return err
}

// marshalEnvelope serializes the outbound body. A payload that fails to
// marshal as-is has its values stringified instead of failing the delivery.
func marshalEnvelope(event string, data map[string]any) []byte {
	b, err := json.Marshal(envelope{Event: event, Data: data})
	if err == nil {
		return b
	}
	safe := make(map[string]any, len(data))
	for k, v := range data {
		if _, merr := json.Marshal(v); merr != nil {
			safe[k] = fmt.Sprintf("%v", v)
		} else {
			safe[k] = v
		}
	}
	b, err = json.Marshal(envelope{Event: event, Data: safe})
	if err != nil {
		// Last resort: an empty data object still carries the event name.
		b, _ = json.Marshal(envelope{Event: event, Data: map[string]any{}})
	}
	return b
}
