// Package web serves the operator HTTP API.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mbocsi/kioskrelay/services"
)

// API exposes the payment and terminal services as JSON over HTTP
type API struct {
	services       *services.ServiceContainer
	outcomeTimeout time.Duration
	metrics        MetricsSource
}

// MetricsSource reports relay counters by name.
type MetricsSource interface {
	Totals(ctx context.Context) (map[string]int64, error)
}

func NewAPI(serviceContainer *services.ServiceContainer, outcomeTimeout time.Duration) *API {
	if outcomeTimeout <= 0 {
		outcomeTimeout = services.DefaultOutcomeTimeout
	}
	return &API{services: serviceContainer, outcomeTimeout: outcomeTimeout}
}

// WithMetrics serves the counters from m at /api/metrics.
func (a *API) WithMetrics(m MetricsSource) *API {
	a.metrics = m
	return a
}

// Routes returns the HTTP routes for the operator API
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/status", a.HandleStatus)
	r.Get("/api/terminals", a.HandleTerminals)
	r.Get("/api/transports", a.HandleTransports)

	r.Post("/api/payments", a.HandleSendPayment)
	r.Get("/api/payments/{txnID}/outcome", a.HandleAwaitOutcome)
	r.Post("/api/cancel", a.HandleCancel)

	r.Get("/api/plans", a.HandlePlans)
	r.Post("/api/plans/select", a.HandleSelectPlan)
	r.Post("/api/plans/abandon", a.HandleAbandonPlans)

	if a.metrics != nil {
		r.Get("/api/metrics", a.HandleMetrics)
	}
	return r
}
