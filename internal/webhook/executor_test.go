package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bugbay/bugbay/internal/safeurl"
)

// loopbackValidator resolves every hostname to 127.0.0.1 with the blocklist
// disabled, so deliveries land on a local httptest server while still going
// through the full pinning path.
func loopbackValidator(t *testing.T) *safeurl.Validator {
	t.Helper()
	v, err := safeurl.New(nil,
		safeurl.WithoutBuiltinRanges(),
		safeurl.WithLookupIP(func(ctx context.Context, host string) ([]net.IP, error) {
			return []net.IP{net.ParseIP("127.0.0.1")}, nil
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// rehost swaps the loopback address in a httptest URL for a fake hostname,
// keeping the port. The pinned dial brings the request back to loopback.
func rehost(t *testing.T, serverURL, host string) string {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatal(err)
	}
	return "http://" + host + ":" + u.Port() + "/hook"
}

func TestDeliverSuccess(t *testing.T) {
	const secret = "whsec_abc"

	var gotBody []byte
	var gotReq *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotReq = r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec := NewExecutor(loopbackValidator(t), WithTimeout(5*time.Second))
	dest := &Destination{
		ID:     "dest-1",
		URL:    rehost(t, srv.URL, "hooks.tenant.example"),
		Secret: secret,
	}

	err := exec.Deliver(context.Background(), dest, "report.created", map[string]any{"report_id": "r-1"})
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}

	// Host header must carry the original hostname, not the pinned IP.
	if !strings.HasPrefix(gotReq.Host, "hooks.tenant.example") {
		t.Errorf("Host = %q, want hooks.tenant.example:<port>", gotReq.Host)
	}
	if ct := gotReq.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if ev := gotReq.Header.Get("X-Bugbay-Event"); ev != "report.created" {
		t.Errorf("X-Bugbay-Event = %q, want report.created", ev)
	}

	// Signature must verify over the exact received body.
	sig := gotReq.Header.Get("X-Bugbay-Signature")
	if !VerifySignature(secret, gotBody, sig) {
		t.Errorf("signature %q does not verify over received body %s", sig, gotBody)
	}

	var env struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if env.Event != "report.created" {
		t.Errorf("body event = %q, want report.created", env.Event)
	}
	if env.Data["report_id"] != "r-1" {
		t.Errorf("body data.report_id = %v, want r-1", env.Data["report_id"])
	}
}

func TestDeliverReceiverStatuses(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantErr       bool
		wantRetryable bool
	}{
		{name: "200 ok", status: 200, wantErr: false},
		{name: "204 no content", status: 204, wantErr: false},
		{name: "400 permanent", status: 400, wantErr: true, wantRetryable: false},
		{name: "404 permanent", status: 404, wantErr: true, wantRetryable: false},
		{name: "429 permanent", status: 429, wantErr: true, wantRetryable: false},
		{name: "500 retryable", status: 500, wantErr: true, wantRetryable: true},
		{name: "503 retryable", status: 503, wantErr: true, wantRetryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			exec := NewExecutor(loopbackValidator(t), WithTimeout(5*time.Second))
			dest := &Destination{ID: "d", URL: rehost(t, srv.URL, "hooks.example"), Secret: "s"}

			err := exec.Deliver(context.Background(), dest, "report.created", nil)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Deliver() error: %v", err)
				}
				return
			}
			var serr *StatusError
			if !errors.As(err, &serr) {
				t.Fatalf("error = %v (%T), want *StatusError", err, err)
			}
			if serr.Code != tt.status {
				t.Errorf("StatusError.Code = %d, want %d", serr.Code, tt.status)
			}
			if serr.Retryable() != tt.wantRetryable {
				t.Errorf("Retryable() = %v, want %v", serr.Retryable(), tt.wantRetryable)
			}
		})
	}
}

func TestDeliverConnectionRefused(t *testing.T) {
	// Grab a port that nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	exec := NewExecutor(loopbackValidator(t), WithTimeout(2*time.Second))
	dest := &Destination{
		ID:     "d",
		URL:    "http://hooks.example:" + strconv.Itoa(port) + "/hook",
		Secret: "s",
	}

	err = exec.Deliver(context.Background(), dest, "report.created", nil)
	if err == nil {
		t.Fatal("Deliver() to closed port returned nil error")
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		t.Errorf("connection error surfaced as StatusError %d", serr.Code)
	}
}

func TestDeliverUnsafeURL(t *testing.T) {
	v, err := safeurl.New(nil) // full blocklist, default resolver
	if err != nil {
		t.Fatal(err)
	}
	exec := NewExecutor(v)
	dest := &Destination{ID: "d", URL: "http://127.0.0.1/hook", Secret: "s"}

	err = exec.Deliver(context.Background(), dest, "report.created", nil)
	if err == nil {
		t.Fatal("Deliver() to loopback returned nil error")
	}
	var verr *safeurl.Error
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v (%T), want *safeurl.Error", err, err)
	}
}

func TestDeliverCustomHeaders(t *testing.T) {
	var gotSig, gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Acme-Signature")
		gotEvent = r.Header.Get("X-Acme-Event")
	}))
	defer srv.Close()

	exec := NewExecutor(loopbackValidator(t), WithHeaders("X-Acme-Signature", "X-Acme-Event"))
	dest := &Destination{ID: "d", URL: rehost(t, srv.URL, "hooks.example"), Secret: "s"}

	if err := exec.Deliver(context.Background(), dest, "report.created", nil); err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if gotSig == "" {
		t.Error("custom signature header not set")
	}
	if gotEvent != "report.created" {
		t.Errorf("custom event header = %q, want report.created", gotEvent)
	}
}

func TestMarshalEnvelopeNonSerializable(t *testing.T) {
	// A channel cannot be marshaled; it must be stringified, not fail.
	data := map[string]any{
		"ok":  "fine",
		"bad": make(chan int),
	}
	b := marshalEnvelope("report.created", data)

	var env struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v: %s", err, b)
	}
	if env.Event != "report.created" {
		t.Errorf("event = %q, want report.created", env.Event)
	}
	if env.Data["ok"] != "fine" {
		t.Errorf("data.ok = %v, want fine", env.Data["ok"])
	}
	if _, ok := env.Data["bad"].(string); !ok {
		t.Errorf("data.bad = %v (%T), want stringified value", env.Data["bad"], env.Data["bad"])
	}
}
