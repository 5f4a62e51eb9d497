// Package server assembles the HTTP routes of the upload service.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	appMiddleware "github.com/radif/uploader/internal/middleware"
	"github.com/radif/uploader/internal/upload"
)

// RateLimitAction names the upload bucket in the rate limiter.
const RateLimitAction = "upload"

// Deps are the collaborators the router wires together.
type Deps struct {
	Upload *upload.Handler
	Logger *slog.Logger
	// JWTSecret, when set, protects the upload route.
	JWTSecret string
	// Limiter, when set, rate limits the upload route per client IP.
	Limiter appMiddleware.Limiter
}

// NewRouter returns the service's http.Handler.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(appMiddleware.Logger(d.Logger))
	r.Use(chiMiddleware.Recoverer)
	// cors only answers requests that carry an Origin; every response is
	// open to any origin regardless.
	r.Use(chiMiddleware.SetHeader("Access-Control-Allow-Origin", "*"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Origin", "X-Requested-With", "Content-Type", "Accept", "Authorization"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Group(func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(appMiddleware.RateLimit(d.Limiter, RateLimitAction, d.Logger))
		}
		if d.JWTSecret != "" {
			r.Use(appMiddleware.RequireAuth(d.JWTSecret))
		}
		r.Post("/upload", d.Upload.Upload)
	})

	return r
}
