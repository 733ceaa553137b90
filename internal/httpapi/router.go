package httpapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/overpasskit/landmark-webhook/internal/health"
)

// Deps carries everything the router mounts.
type Deps struct {
	Log           zerolog.Logger
	Submitter     Submitter
	Querier       Querier
	WebhookSecret string
	Store         health.Pinger
	Queue         health.QueueReporter
}

// NewRouter assembles the full route table. Only the submission endpoint is
// authenticated; reads, health, and metrics are open.
func NewRouter(d Deps) *chi.Mux {
	api := NewAPI(d.Submitter, d.Querier, d.Log)

	r := chi.NewRouter()
	r.Use(Recover(d.Log))
	r.Use(RequestLogger(d.Log))
	r.Use(CORS())
	r.Use(Metrics())

	r.With(BearerAuth(d.WebhookSecret, d.Log)).Post("/webhook", api.handleSubmit)
	r.Get("/webhook/{id}", api.handleStatus)
	r.Get("/landmarks", api.handleLandmarks)

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Store, d.Queue))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
