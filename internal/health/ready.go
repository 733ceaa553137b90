package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const pingTimeout = 2 * time.Second

// Pinger reports whether a backing dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueReporter exposes the consumer's assignment state.
type QueueReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Readiness answers 200 once the store pings and the queue consumer holds at
// least one partition, 503 otherwise. Check results are spelled out per
// dependency so a failing probe names the culprit.
func Readiness(store Pinger, queue QueueReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status     string            `json:"status"`
			Checks     map[string]string `json:"checks"`
			Partitions []int32           `json:"partitions,omitempty"`
		}
		out := resp{Status: "UP", Checks: map[string]string{}}

		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			if err := store.Ping(ctx); err != nil {
				out.Status = "DOWN"
				out.Checks["store"] = "DOWN: " + err.Error()
			} else {
				out.Checks["store"] = "UP"
			}
			cancel()
		}

		if queue != nil {
			ready, parts := queue.Readiness()
			if !ready {
				out.Status = "DOWN"
				out.Checks["queue"] = "DOWN"
			} else {
				out.Checks["queue"] = "UP"
				out.Partitions = parts
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if out.Status != "UP" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
