package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/observability"
	"github.com/boddenberg/clinic-frontline-go/internal/port"
	"github.com/boddenberg/clinic-frontline-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EventReader serves the dashboard event backlog.
type EventReader interface {
	Recent(conversationID string, limit int) []domain.Event
}

// Deps are the collaborators of the HTTP layer. Nil services disable their
// routes (503).
type Deps struct {
	Processor     *service.Processor
	Dispatcher    *service.Dispatcher
	Machine       *service.StateMachine
	Monitor       *service.InactivityMonitor
	Auth          *service.OperatorAuth
	Conversations port.ConversationStore
	Messages      port.MessageStore
	Events        EventReader

	WhatsAppVerifyToken  string
	InstagramVerifyToken string

	// MediaDir is served under /media when set.
	MediaDir string

	// Checks are the dependencies reported by /readyz, by name.
	Checks map[string]Pinger
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(deps Deps, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler())
	r.Get("/readyz", readyzHandler(deps.Checks, logger))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	if deps.MediaDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(deps.MediaDir))))
	}

	// --- Channel webhooks (Meta) ---
	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/whatsapp", verifyWebhookHandler(deps.WhatsAppVerifyToken, logger))
		r.Get("/instagram", verifyWebhookHandler(deps.InstagramVerifyToken, logger))
		r.Post("/whatsapp", inboundWebhookHandler(domain.ChannelWhatsApp, deps, metrics, logger))
		r.Post("/instagram", inboundWebhookHandler(domain.ChannelInstagram, deps, metrics, logger))
	})

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Post("/simulate", simulateHandler(deps.Processor, logger))
		r.Get("/metrics/engine", engineMetricsHandler(metrics))

		// Operator dashboard (protected)
		r.Group(func(r chi.Router) {
			if deps.Auth == nil {
				r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, http.StatusServiceUnavailable, "operator auth not configured")
				}))
				return
			}
			r.Use(JWTAuthMiddleware(deps.Auth, logger))

			r.Get("/events", eventsHandler(deps.Events))
			r.Get("/conversations/{conversationId}", getConversationHandler(deps.Conversations, deps.Messages, logger))
			r.Post("/conversations/{conversationId}/claim", claimHandler(deps.Machine, logger))
			r.Post("/conversations/{conversationId}/close", closeHandler(deps.Machine, logger))
			r.Post("/conversations/{conversationId}/release", releaseHandler(deps.Machine, logger))

			r.Group(func(r chi.Router) {
				r.Use(RequireSupervisor)
				r.Post("/inactivity/sweep", sweepHandler(deps.Monitor, logger))
				r.Get("/inactivity/timeout", getTimeoutHandler(deps.Monitor))
				r.Put("/inactivity/timeout", updateTimeoutHandler(deps.Monitor, logger))
			})
		})
	})

	return r
}

// ============================================================
// Probes
// ============================================================

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func readyzHandler(checks map[string]Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		now := time.Now().Format(time.RFC3339)
		services := []domain.ServiceHealth{
			{Name: "clinic-frontline", Status: "healthy", LastChecked: now},
		}
		overall := "healthy"
		for name, check := range checks {
			start := time.Now()
			err := check.Ping(ctx)
			sh := domain.ServiceHealth{
				Name:        name,
				Status:      "healthy",
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: now,
			}
			if err != nil {
				logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
				sh.Status = "unhealthy"
				sh.Error = err.Error()
				overall = "unhealthy"
			}
			services = append(services, sh)
		}

		status := http.StatusOK
		if overall != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, domain.HealthStatus{Status: overall, Services: services})
	}
}

func engineMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetEngineSnapshot())
	}
}
