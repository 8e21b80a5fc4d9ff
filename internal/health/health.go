// Package health serves the /healthz payload for the Bugbay services: DB
// reachability plus a snapshot of the queue so operators can see a backed-up
// dispatcher from the probe alone.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Status struct {
	OK           bool   `json:"ok"`
	Service      string `json:"service"`
	Message      string `json:"message,omitempty"`
	Database     bool   `json:"database"`
	PendingTasks *int64 `json:"pending_tasks,omitempty"`
	FailedTasks  *int64 `json:"failed_tasks,omitempty"`
}

// HTTPHandler reports service health. The queue counts are best-effort:
// a count query failing does not flip the probe as long as the DB pings.
func HTTPHandler(service string, pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Service: service, Database: true}

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
				w.WriteHeader(http.StatusServiceUnavailable)
			} else {
				st.PendingTasks = countTasks(ctx, pool, "pending")
				st.FailedTasks = countTasks(ctx, pool, "failed")
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}

func countTasks(ctx context.Context, pool *pgxpool.Pool, status string) *int64 {
	var n int64
	err := pool.QueryRow(ctx,
		`SELECT count(*) FROM bugbay.tasks WHERE status = $1`, status,
	).Scan(&n)
	if err != nil {
		return nil
	}
	return &n
}
