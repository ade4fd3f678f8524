package server

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/config"
	"github.com/relaybot/relaybot/internal/core/admission"
	"github.com/relaybot/relaybot/internal/observability"
	servermw "github.com/relaybot/relaybot/internal/server/middleware"
)

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	opts   Options
}

// Options configures the server. Webhook is mounted only when both Webhook
// and Admission are set.
type Options struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// TrustedProxies may rewrite the client address through forwarding
	// headers. Invalid entries are dropped with a warning.
	TrustedProxies []string

	WebhookPath    string
	Webhook        http.Handler
	Admission      *admission.Controller
	OverloadStatus int
}

// OptionsFromConfig maps server and admission config onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		TrustedProxies: cfg.Server.TrustedProxies,
		WebhookPath:    cfg.Telegram.WebhookPath,
		OverloadStatus: cfg.Admission.OverloadStatus,
	}
}

// New creates a new HTTP server instance
func New(opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}
	if opts.WebhookPath == "" {
		opts.WebhookPath = "/webhook"
	}

	r := chi.NewRouter()

	// chi RealIP, restricted to trusted proxies
	r.Use(servermw.TrustedRealIP(trustedProxies(opts.TrustedProxies)))

	// Our custom middleware in correct order (RequestID → Metrics → Logging → Recovery)
	r.Use(servermw.RequestID)      // 1. Request ID (early for correlation)
	r.Use(servermw.RequestMetrics) // 2. Metrics (measure everything)
	r.Use(servermw.Recovery)       // 3. Panic recovery

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed(map[string]string{opts.WebhookPath: http.MethodPost}))

	s := &Server{
		router: r,
		opts:   opts,
	}

	// Register routes
	s.registerRoutes()

	return s
}

func trustedProxies(entries []string) []netip.Prefix {
	prefixes, err := servermw.ParseTrustedProxies(entries)
	if err != nil {
		if observability.ServerLogger != nil {
			observability.ServerLogger.Warn("Ignoring trusted proxies, forwarding headers will not be honored",
				zap.Error(err))
		}
		return nil
	}
	return prefixes
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	observability.ServerLogger.Info("Starting HTTP server",
		zap.String("host", s.opts.Host),
		zap.Int("port", s.opts.Port),
		zap.String("addr", addr),
		zap.String("webhook_path", s.opts.WebhookPath))

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	observability.ServerLogger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the server port for testing
func (s *Server) Port() int {
	return s.opts.Port
}
