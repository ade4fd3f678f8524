package server

import (
	"context"
	"net/http"
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/appid"
	"github.com/relaybot/relaybot/internal/core/admission"
	apperrors "github.com/relaybot/relaybot/internal/errors"
	"github.com/relaybot/relaybot/internal/observability"
	"github.com/relaybot/relaybot/internal/server/handlers"
	servermw "github.com/relaybot/relaybot/internal/server/middleware"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	// Standard health endpoints
	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)

	// Version endpoint
	s.router.Get("/version", handlers.VersionHandler)

	// Metrics endpoint (in server package to access HandleError)
	s.router.Get("/metrics", MetricsHandler)

	s.registerWebhook()

	// Admin signal endpoint (optional, requires RELAYBOT_ADMIN_TOKEN)
	s.registerAdminEndpoint()
}

// registerWebhook mounts the Telegram webhook behind the admission controller.
func (s *Server) registerWebhook() {
	if s.opts.Webhook == nil || s.opts.Admission == nil {
		return
	}

	controller := s.opts.Admission
	gate := servermw.Admission(controller, servermw.AdmissionOptions{
		OverloadStatus: s.opts.OverloadStatus,
		Reject: func(w http.ResponseWriter, r *http.Request, decision admission.Decision) {
			envelope, status := servermw.AdmissionEnvelope(r, decision, controller.Limits().MaxBodyBytes, s.opts.OverloadStatus)
			apperrors.RespondWithStatus(w, r, envelope, status)
		},
	})

	s.router.With(gate).Post(s.opts.WebhookPath, s.opts.Webhook.ServeHTTP)
}

// registerAdminEndpoint optionally registers the admin signal endpoint
func (s *Server) registerAdminEndpoint() {
	// Get admin token from environment (identity-aware)
	envPrefix := appid.EnvPrefix(context.Background())

	adminToken := os.Getenv(envPrefix + "ADMIN_TOKEN")
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + envPrefix + "ADMIN_TOKEN set)")
		}
		return
	}

	// Create HTTP signal handler with bearer token auth and rate limiting
	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10,  // 10 requests per minute
		RateBurst: 5,   // burst size
		Manager:   nil, // use default global manager
	})

	// Register admin endpoint
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
