package main

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	llmgateway "github.com/ferro-labs/llm-gateway"
	"github.com/ferro-labs/llm-gateway/internal/logging"
)

// server holds the dependencies shared by the HTTP handlers.
type server struct {
	gw  *llmgateway.Gateway
	log *slog.Logger
}

// newRouter builds the HTTP router. With no origins every origin is allowed.
func newRouter(gw *llmgateway.Gateway, log *slog.Logger, corsOrigins []string) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	s := &server{gw: gw, log: log}

	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(corsOrigins))

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.chatCompletions)
		r.Post("/embeddings", s.embeddings)
		r.Get("/models", s.listModels)

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", s.listProviders)
			r.Get("/health", s.providerHealth)
			r.Get("/{name}/rate-limit", s.rateLimitStatus)
			r.Post("/{name}/sync", s.syncModels)
		})
	})
	return r
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			allowed = append(allowed, o)
		}
	}
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", providerHeader, logging.RequestIDHeader},
		ExposedHeaders: []string{logging.RequestIDHeader, "Retry-After"},
		MaxAge:         86400,
	})
}
