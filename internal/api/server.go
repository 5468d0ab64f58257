// Package api serves the operator HTTP surface: statistics, chat management,
// health, the live WebSocket feed and Prometheus metrics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"reactbot/internal/analytics"
	"reactbot/internal/config"
	"reactbot/internal/domain"
	"reactbot/internal/platform"
	"reactbot/internal/policy"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodySize = 1 << 20

// Pinger reports whether the storage collaborator is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStats reports dispatch pool load for /health.
type QueueStats struct {
	Depth    int   `json:"depth"`
	InFlight int64 `json:"inFlight"`
}

type Config struct {
	Registry  *config.Registry
	Analytics *analytics.Aggregator
	Policy    *policy.Evaluator
	// Publisher receives chat_added, chat_updated and chat_removed deltas.
	Publisher domain.DeltaPublisher
	Store     Pinger
	Platforms func() []platform.Status
	Queue     func() QueueStats

	Live        http.Handler // WebSocket feed, mounted at /ws
	Metrics     http.Handler // Prometheus handler, mounted when set
	MetricsPath string       // default "/metrics"

	APIKey  string
	Version string
	Logger  *slog.Logger
	Now     func() time.Time
}

// Server is the HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router
	server *http.Server
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.cfg.Live != nil {
		r.Handle("/ws", s.cfg.Live)
	}
	if s.cfg.Metrics != nil {
		r.Handle(s.cfg.MetricsPath, s.cfg.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/stats/hourly", s.handleSummaries(analytics.Hour))
		r.Get("/stats/daily", s.handleSummaries(analytics.Day))

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", s.handleListChats)
			r.Get("/{scope}", s.handleGetChat)
			r.Group(func(r chi.Router) {
				r.Use(s.requireAPIKey)
				r.Put("/{scope}", s.handlePutChat)
				r.Delete("/{scope}", s.handleDeleteChat)
			})
		})
	})
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("api shutdown", "err", err)
		}
	}()

	s.logger.Info("api server started", "addr", addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// requireAPIKey guards mutating routes. An empty key disables the check.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
