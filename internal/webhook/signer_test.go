package webhook

import (
	"testing"
)

func TestSign(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		body     string
		expected string
	}{
		{
			name:     "known vector",
			secret:   "whsec_test_secret",
			body:     `{"event":"report.created","data":{"id":42}}`,
			expected: "5a36eff26c743c35b78e1af2277a41a819661261b09c4567255b6d2ee8c04260",
		},
		{
			name:     "empty body",
			secret:   "s",
			body:     "",
			expected: "64eca07cce67929c357d63d0a4aec207e774800403298914fc04e88ce02ac49f",
		},
		{
			name:     "empty secret",
			secret:   "",
			body:     "body",
			expected: "7ec3619ea7f921721b6d8bec83ea2d0c6d557e0b164daf577e62c8cc88ed74ae",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sign(tt.secret, []byte(tt.body))
			if got != tt.expected {
				t.Errorf("Sign(%q, %q) = %q, want %q", tt.secret, tt.body, got, tt.expected)
			}
		})
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"report.created","data":{}}`)
	sig := Sign("secret", body)

	tests := []struct {
		name     string
		secret   string
		body     []byte
		sig      string
		expected bool
	}{
		{name: "valid", secret: "secret", body: body, sig: sig, expected: true},
		{name: "wrong secret", secret: "other", body: body, sig: sig, expected: false},
		{name: "tampered body", secret: "secret", body: []byte(`{}`), sig: sig, expected: false},
		{name: "empty signature", secret: "secret", body: body, sig: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.secret, tt.body, tt.sig); got != tt.expected {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDestinationSubscribed(t *testing.T) {
	d := &Destination{Events: []string{"report.created", "report.resolved"}}

	tests := []struct {
		event    string
		expected bool
	}{
		{event: "report.created", expected: true},
		{event: "report.resolved", expected: true},
		{event: "comment.created", expected: false},
		{event: "", expected: false},
	}

	for _, tt := range tests {
		if got := d.Subscribed(tt.event); got != tt.expected {
			t.Errorf("Subscribed(%q) = %v, want %v", tt.event, got, tt.expected)
		}
	}
}
