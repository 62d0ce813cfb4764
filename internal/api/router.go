package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foresight/exchange-core/internal/metrics"
)

// Router builds the chi router for the service. idem and wsHandler may
// be nil; writes then run without idempotency and the WS route is omitted.
func (s *Service) Router(idem *Idempotency, wsHandler http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if wsHandler != nil {
			r.Get("/ws", wsHandler)
		}

		// Writes: leader-gated, idempotent, proxied from followers.
		r.Group(func(r chi.Router) {
			if idem != nil {
				r.Use(idem.Middleware)
			}
			r.Post("/orders", s.SubmitOrder)
			r.Delete("/orders/{orderID}", s.CancelOrder)
		})

		// Market data reads, served by any node.
		r.Get("/markets/{marketKey}/outcomes/{outcomeIndex}/depth", s.GetDepth)
		r.Get("/markets/{marketKey}/outcomes/{outcomeIndex}/stats", s.GetStats)
		r.Get("/markets/{marketKey}/trades", s.GetTrades)

		r.Get("/reconciliation/discrepancies", s.ListDiscrepancies)
		r.Get("/cluster/status", s.ClusterStatus)
	})

	return r
}
