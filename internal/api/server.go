package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mindlabs/quest-engine/internal/config"
	"github.com/mindlabs/quest-engine/internal/gamification"
	"github.com/mindlabs/quest-engine/internal/metrics"
	"github.com/mindlabs/quest-engine/internal/ws"
)

// Deps are the live components the HTTP surface reads from and writes to.
// Everything but the three stores is optional.
type Deps struct {
	Achievements *gamification.AchievementStore
	Challenges   *gamification.ChallengeStore
	Tracker      *gamification.Tracker
	Metrics      *metrics.Metrics
	WS           http.Handler
	WSClients    func() int
	// Sources reports the health of event sources feeding the tracker.
	Sources func() []ws.SourceHealthPayload
}

// Server represents the HTTP API server
type Server struct {
	config  config.ServerConfig
	player  config.PlayerConfig
	deps    Deps
	router  *chi.Mux
	limiter *ipLimiter
	health  *healthProbe
	started time.Time
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, player config.PlayerConfig, deps Deps) *Server {
	s := &Server{
		config:  cfg,
		player:  player,
		deps:    deps,
		limiter: newIPLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		health:  newHealthProbe(),
		started: time.Now(),
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.Middleware)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public
	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	if s.deps.WS != nil {
		r.Method(http.MethodGet, "/ws", s.deps.WS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout()))
		r.Use(s.rateLimit)
		r.Use(s.authenticate)

		r.Route("/achievements", func(r chi.Router) {
			r.Get("/", s.handleListAchievements)
			r.Delete("/", s.handleResetAchievements)
			r.Get("/grouped", s.handleGroupedAchievements)
			r.Post("/metrics", s.handleRecordMetric)
			r.Get("/{key}", s.handleGetAchievement)
		})

		r.Get("/stats", s.handleStats)
		r.Delete("/stats", s.handleResetStats)
		r.Post("/events", s.handleSubmitEvent)

		r.Route("/challenges", func(r chi.Router) {
			r.Get("/", s.handleListChallenges)
			r.Post("/", s.handleCreateChallenge)
			r.Delete("/", s.handleResetChallenges)
			r.Get("/completed", s.handleCompletedChallenges)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetChallenge)
				r.Post("/join", s.handleJoinChallenge)
				r.Post("/leave", s.handleLeaveChallenge)
				r.Get("/progress", s.handleGetProgress)
				r.Put("/progress", s.handleUpdateProgress)
				r.Get("/leaderboard", s.handleLeaderboard)
			})
		})
	})

	s.router = r
}

func (s *Server) requestTimeout() time.Duration {
	if s.config.RequestTimeout > 0 {
		return s.config.RequestTimeout
	}
	return 30 * time.Second
}

// loggingMiddleware logs HTTP requests using slog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
