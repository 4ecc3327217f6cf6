package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/taskhub/pkg/httpserver"
	"github.com/dmitrymomot/taskhub/pkg/requestid"
	"github.com/dmitrymomot/taskhub/svc/billing"
)

func newRouter(log *slog.Logger, webhooks billing.WebhookProcessor, gatherer prometheus.Gatherer, checks ...func(context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", httpserver.LivenessHandler())
	r.Get("/readyz", httpserver.ReadinessHandler(log, checks...))
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	billing.MountWebhook(r, webhooks, log)
	return r
}
