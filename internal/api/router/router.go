package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/profilebot/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/profilebot/internal/http/middleware"
	"github.com/wolfman30/profilebot/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger          *logging.Logger
	Health          *handlers.HealthHandler
	TelegramWebhook *handlers.TelegramWebhookHandler
	AdminProfiles   *handlers.AdminProfilesHandler
	AdminAuthSecret string
	AdminAudience   string
	MetricsHandler  http.Handler

	// AdminRateLimit is requests per second per client IP on /admin; zero disables it.
	AdminRateLimit float64
	AdminBurst     int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	health := cfg.Health
	if health == nil {
		health = handlers.NewHealthHandler(nil)
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", health.Live)
		public.Get("/ready", health.Ready)
		if cfg.TelegramWebhook != nil {
			public.Post("/webhooks/telegram", cfg.TelegramWebhook.HandleUpdate)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	if cfg.AdminProfiles != nil {
		r.Route("/admin", func(admin chi.Router) {
			if cfg.AdminRateLimit > 0 {
				admin.Use(httpmiddleware.RateLimit(cfg.AdminRateLimit, cfg.AdminBurst))
			}
			admin.Use(httpmiddleware.AdminJWT(httpmiddleware.AdminAuthConfig{
				Secret:   cfg.AdminAuthSecret,
				Audience: cfg.AdminAudience,
				Logger:   cfg.Logger,
			}))
			admin.Get("/profiles/{externalID}", cfg.AdminProfiles.GetProfile)
		})
	}

	return r
}
