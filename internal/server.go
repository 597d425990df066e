package internal

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/session"
	"github.com/foremanhq/foreman/internal/webhook"
	"github.com/foremanhq/foreman/pkg/cerr"
	"github.com/foremanhq/foreman/pkg/clog"
)

type Server struct {
	server         *http.Server
	env            *config.Env
	webhookHandler *webhook.Handler
	sessionServer  *session.Server
	store          *session.Store
	metrics        *webhook.Metrics
	startedAt      time.Time
}

func NewServer(
	env *config.Env,
	webhookHandler *webhook.Handler,
	sessionServer *session.Server,
	store *session.Store,
	metrics *webhook.Metrics,
) *Server {
	return &Server{
		env:            env,
		webhookHandler: webhookHandler,
		sessionServer:  sessionServer,
		store:          store,
		metrics:        metrics,
		startedAt:      time.Now(),
	}
}

// ListenAndServe starts the HTTP server. The provided context is used as
// the base context for all incoming requests via http.Server.BaseContext,
// so in-flight handlers observe shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(
		clog.SlogChiMiddleware(clog.WithChiFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		})),
		cerr.NewJSONResponseChiMiddleware(),
	)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		cerr.SetJSONResponse(r.Context(), map[string]string{"status": "ok"})
	})

	// Webhook endpoints authenticate themselves via HMAC; no API key.
	s.webhookHandler.Routes(r)

	// Administrative surface behind the API key.
	r.Group(func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)
		s.sessionServer.Routes(r)
		r.Get("/stats", s.handleStats)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
	})

	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr: addr,
		Handler: h2c.NewHandler(cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(r), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type statsResponse struct {
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Sessions      map[session.Status]int `json:"sessions"`
	Active        int                    `json:"active"`
	Webhooks      map[string]uint64      `json:"webhooks"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	cerr.SetJSONResponse(r.Context(), statsResponse{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Sessions:      s.store.CountByStatus(),
		Active:        s.store.ActiveCount(),
		Webhooks:      s.metrics.Snapshot(),
	})
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}
		if apiKey != s.env.APIKey {
			cerr.SetNewJSONError(r.Context(), cerr.Unauthenticated, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
