package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Dispatcher struct {
	PollInterval       time.Duration // how often the poller wakes up
	BatchSize          int           // max tasks claimed per cycle
	BaseRetryDelay     time.Duration // base for exponential backoff
	MaxRetryDelay      time.Duration // backoff ceiling; 0 disables the cap
	DefaultMaxAttempts int           // attempts ceiling applied at enqueue
	ShutdownGrace      time.Duration // bound for draining in-flight tasks
	HTTPPort           string        // dispatcher metrics/health port
}

type Webhook struct {
	DeliveryTimeout time.Duration // per-attempt HTTP timeout
	SignatureHeader string        // header carrying the hex HMAC
	EventHeader     string        // header carrying the event name
	BlockedCIDRs    []string      // extra CIDRs on top of the built-in set
	AllowPrivate    bool          // disables the blocklist, dev only
}

type Billing struct {
	WebhookSecret   string // shared secret with the billing provider
	SignatureHeader string // provider signature header
	HTTPPort        string // inbound webhook listener port
}

type DLQ struct {
	Publish     bool   // publish terminal task failures to NSQ
	NsqdTCPAddr string // e.g. nsqd:4150
	Topic       string // dead letter topic
}

type SMTP struct {
	Host string
	Port int
	From string
	User string
	Pass string
}

type Config struct {
	AppName    string
	DB         DB
	Dispatcher Dispatcher
	Webhook    Webhook
	Billing    Billing
	DLQ        DLQ
	SMTP       SMTP
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseCIDRList splits a comma-separated CIDR list, dropping empty entries.
// Validation of the entries themselves happens in the safeurl package.
func parseCIDRList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "bugbay"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "bugbay"),
		},
		Dispatcher: Dispatcher{
			PollInterval:       getenvDuration("POLL_INTERVAL", 10*time.Second),
			BatchSize:          getenvInt("BATCH_SIZE", 20),
			BaseRetryDelay:     getenvDuration("BASE_RETRY_DELAY", 30*time.Second),
			MaxRetryDelay:      getenvDuration("MAX_RETRY_DELAY", time.Hour),
			DefaultMaxAttempts: getenvInt("DEFAULT_MAX_ATTEMPTS", 3),
			ShutdownGrace:      getenvDuration("SHUTDOWN_GRACE", 30*time.Second),
			HTTPPort:           ":" + getenv("DISPATCHER_HTTP_PORT", "8082"),
		},
		Webhook: Webhook{
			DeliveryTimeout: getenvDuration("WEBHOOK_DELIVERY_TIMEOUT", 10*time.Second),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Bugbay-Signature"),
			EventHeader:     getenv("WEBHOOK_EVENT_HEADER", "X-Bugbay-Event"),
			BlockedCIDRs:    parseCIDRList(os.Getenv("WEBHOOK_BLOCKED_CIDRS")),
			AllowPrivate:    getenvBool("WEBHOOK_ALLOW_PRIVATE", false),
		},
		Billing: Billing{
			WebhookSecret:   getenv("BILLING_WEBHOOK_SECRET", ""),
			SignatureHeader: getenv("BILLING_SIGNATURE_HEADER", "X-Billing-Signature"),
			HTTPPort:        ":" + getenv("BILLING_HTTP_PORT", "8081"),
		},
		DLQ: DLQ{
			Publish:     getenvBool("PUBLISH_DLQ_TOPIC", false),
			NsqdTCPAddr: getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			Topic:       getenv("NSQ_DLQ_TOPIC", "tasks_dlq"),
		},
		SMTP: SMTP{
			Host: getenv("SMTP_HOST", "localhost"),
			Port: getenvInt("SMTP_PORT", 587),
			From: getenv("SMTP_FROM", "noreply@bugbay.dev"),
			User: getenv("SMTP_USER", ""),
			Pass: getenv("SMTP_PASS", ""),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
