// Package server exposes the gateway over an OpenAI-compatible HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/logoslabs/logos-gateway/internal/config"
	"github.com/logoslabs/logos-gateway/internal/gateway"
)

// Server is the HTTP face of the gateway.
type Server struct {
	Router *chi.Mux
	Addr   string

	gw      *gateway.Gateway
	logger  *slog.Logger
	httpSrv *http.Server
}

// New builds the router with the middleware chain and the full API surface.
func New(gw *gateway.Gateway, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}

	r := chi.NewRouter()
	s := &Server{
		Router: r,
		Addr:   fmt.Sprintf(":%d", cfg.Server.Port),
		gw:     gw,
		logger: logger,
	}
	s.httpSrv = &http.Server{Addr: s.Addr, Handler: r}

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "logos-gateway")
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	requestTimeout := config.Duration(cfg.Server.RequestTimeout, 120*time.Second)
	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(gw))
		r.Use(RateLimitHeaderMiddleware)

		// Completions manage their own lifetime: a relay may legitimately
		// outlive any fixed request timeout.
		r.Post("/chat/completions", s.handleChatCompletion)

		r.Group(func(r chi.Router) {
			r.Use(TimeoutMiddleware(requestTimeout))
			r.Get("/models", s.handleListModels)
			r.Post("/providers", s.handleRegisterProvider)
			r.Delete("/providers/{id}", s.handleUnregisterProvider)
			r.Post("/feedback", s.handleFeedback)
		})
	})

	return s
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
