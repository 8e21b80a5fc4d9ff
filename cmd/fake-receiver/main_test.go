package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bugbay/bugbay/internal/webhook"
)

func resetState(secret string, failN int64) {
	destinationSecret = secret
	failFirstN = failN
	atomic.StoreInt64(&reqCount, 0)
}

func TestHandleHookAcceptsValidSignature(t *testing.T) {
	resetState("whsec_local", 0)
	body := `{"event":"report.created","data":{"report_id":"r_1"}}`

	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
	req.Header.Set(sigHeader, webhook.Sign("whsec_local", []byte(body)))
	req.Header.Set(eventHeader, "report.created")
	rec := httptest.NewRecorder()

	handleHook(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHandleHookRejectsBadSignature(t *testing.T) {
	resetState("whsec_local", 0)
	body := `{"event":"report.created"}`

	tests := []struct {
		name string
		sig  string
	}{
		{name: "missing signature", sig: ""},
		{name: "wrong secret", sig: webhook.Sign("other", []byte(body))},
		{name: "tampered body", sig: webhook.Sign("whsec_local", []byte(body+" "))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
			if tt.sig != "" {
				req.Header.Set(sigHeader, tt.sig)
			}
			rec := httptest.NewRecorder()
			handleHook(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestHandleHookFailFirstN(t *testing.T) {
	resetState("", 2)

	for i := 1; i <= 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		handleHook(rec, req)

		want := http.StatusInternalServerError
		if i > 2 {
			want = http.StatusOK
		}
		if rec.Code != want {
			t.Errorf("request %d status = %d, want %d", i, rec.Code, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("0123456789abcdef", 10); got != "0123456789..." {
		t.Errorf("truncate long = %q", got)
	}
}
