package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailhook/internal/metrics"
	"github.com/lalithlochan/mailhook/internal/redis"
)

// NewRouter mounts every endpoint. Ingestion routes are never rate limited;
// the provider retries on anything but a 200.
func NewRouter(h *Handler, limiter *redis.RateLimiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/inbound", h.ReceiveInbound)
	r.Post("/inbound/object", h.ReceiveObjectEvent)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(RateLimitMiddleware(limiter, logger, IPKeyFunc))

		r.Get("/inbound", h.ListInbound)
		r.Get("/inbound/unprocessed", h.ListUnprocessed)
		r.Get("/inbound/{id}", h.GetInbound)
		r.Post("/inbound/{id}/reparse", h.ReparseInbound)

		r.Post("/delivery-confirmation", h.ConfirmDelivery)
		r.Get("/undelivered", h.ListUndelivered)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", h.CreateSubscription)
			r.Get("/", h.ListSubscriptions)
			r.Get("/{id}", h.GetSubscription)
			r.Patch("/{id}", h.UpdateSubscription)
			r.Delete("/{id}", h.DeleteSubscription)
			r.Post("/{id}/reactivate", h.ReactivateSubscription)
			r.Get("/{id}/deliveries", h.ListSubscriptionDeliveries)
		})

		r.Post("/reconcile/run", h.RunReconcile)
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("route", metrics.RoutePattern(r)),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
