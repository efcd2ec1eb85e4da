package router

import (
	"net/http"

	"bloodbank-api/internal/handler"
	"bloodbank-api/internal/metrics"
	"bloodbank-api/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Config holds the configuration for creating a router.
type Config struct {
	Handler          *handler.Handler
	InventoryHandler *handler.InventoryHandler
	RequestHandler   *handler.RequestHandler
	AdminHandler     *handler.AdminHandler
	AuthHandler      *handler.AuthHandler
	EventsHandler    *handler.EventsHandler
	AuthMiddleware   func(http.Handler) http.Handler
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
	CORSOrigins      []string
}

// New creates and configures the HTTP router.
func New(cfg Config) *chi.Mux {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Global middleware stack (applies to ALL routes)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log, cfg.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-API-Key", "X-Actor", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Request-ID", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// PUBLIC routes (no auth required)
	if cfg.Handler != nil {
		r.Get("/api/status", cfg.Handler.Status)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Handler != nil {
			r.Get("/health", cfg.Handler.Health)
			r.Get("/ready", cfg.Handler.Ready)
		}
		// Anyone may submit a blood request.
		if cfg.RequestHandler != nil {
			r.Post("/requests", cfg.RequestHandler.Create)
		}

		// AUTHENTICATED routes
		r.Group(func(r chi.Router) {
			if cfg.AuthMiddleware != nil {
				r.Use(cfg.AuthMiddleware)
			}

			if cfg.AuthHandler != nil {
				r.Post("/auth/token", cfg.AuthHandler.GenerateToken)
				r.Post("/auth/refresh", cfg.AuthHandler.RefreshToken)
			}

			if cfg.InventoryHandler != nil {
				r.Route("/inventory", func(r chi.Router) {
					r.Get("/", cfg.InventoryHandler.List)
					r.Post("/", cfg.InventoryHandler.Create)
					r.Get("/{id}", cfg.InventoryHandler.Get)
					r.Delete("/{id}", cfg.InventoryHandler.Delete)
					r.Post("/{id}/discard", cfg.InventoryHandler.Discard)
				})
			}

			// Flat routes: POST /requests is registered publicly above.
			if cfg.RequestHandler != nil {
				r.Get("/allocation/preview", cfg.RequestHandler.Preview)
				r.Get("/requests", cfg.RequestHandler.List)
				r.Get("/requests/{id}", cfg.RequestHandler.Get)
				r.Get("/requests/{id}/allocations", cfg.RequestHandler.Allocations)
				r.Post("/requests/{id}/approve", cfg.RequestHandler.Approve)
				r.Post("/requests/{id}/reject", cfg.RequestHandler.Reject)
				r.Post("/requests/{id}/fulfill", cfg.RequestHandler.Fulfill)
			}

			if cfg.AdminHandler != nil {
				r.Route("/admin", func(r chi.Router) {
					r.Get("/stats", cfg.AdminHandler.GetStats)
					r.Post("/sweep", cfg.AdminHandler.Sweep)
					r.Get("/inventory/export", cfg.AdminHandler.ExportInventory)
				})
			}

			if cfg.EventsHandler != nil {
				r.Get("/events", cfg.EventsHandler.Stream)
				r.Get("/events/ws", cfg.EventsHandler.WebSocket)
			}
		})
	})

	return r
}
