// fake-receiver is a local webhook endpoint for exercising the delivery
// path. It verifies Bugbay signatures and can simulate a flaky receiver to
// test retries.
package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/bugbay/bugbay/internal/webhook"
)

const (
	sigHeader   = "X-Bugbay-Signature"
	eventHeader = "X-Bugbay-Event"
)

var (
	failFirstN        int64
	reqCount          int64
	destinationSecret string
)

func main() {
	// Parse fail first settings
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			failFirstN = n
		}
	}
	// Parse destination secret
	if v := os.Getenv("DESTINATION_SECRET"); v != "" {
		destinationSecret = v
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", handleHook)

	addr := os.Getenv("HTTP_PORT")
	if addr == "" {
		addr = ":8090"
	}
	log.Printf("fake-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func handleHook(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt64(&reqCount, 1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if destinationSecret != "" {
		if !webhook.VerifySignature(destinationSecret, b, r.Header.Get(sigHeader)) {
			log.Printf("fake-receiver signature mismatch event=%s", r.Header.Get(eventHeader))
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if n <= failFirstN {
		log.Printf("FAILING (%d/%d) event=%s body=%s", n, failFirstN, r.Header.Get(eventHeader), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK event=%q body=%q", r.Header.Get(eventHeader), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
