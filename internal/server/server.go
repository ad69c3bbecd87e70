package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sceneactivity/sceneactivity/internal/auth"
	"github.com/sceneactivity/sceneactivity/internal/database"
	"github.com/sceneactivity/sceneactivity/internal/docs"
	"github.com/sceneactivity/sceneactivity/internal/history"
	"github.com/sceneactivity/sceneactivity/internal/httputil"
	"github.com/sceneactivity/sceneactivity/internal/ratelimit"
	"github.com/sceneactivity/sceneactivity/internal/scene"
	"github.com/sceneactivity/sceneactivity/internal/validate"
	"github.com/sceneactivity/sceneactivity/internal/webhook"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// ObjectStorage is everything the scene and history handlers need from the
// object store.
type ObjectStorage interface {
	history.ObjectStorage
	DeleteObject(ctx context.Context, key string) error
}

type Config struct {
	DB                    database.DBTX
	Pinger                Pinger
	Storage               ObjectStorage
	Cache                 history.Cache
	Webhooks              *webhook.Client
	GeoIP                 history.CountryResolver
	Location              *time.Location
	MaxImportBytes        int64
	JWTSecret             string
	BaseURL               string
	StoragePublicEndpoint string
	AllowedFrameAncestors string
	EnableDocs            bool
}

type Server struct {
	router         chi.Router
	pinger         Pinger
	authHandler    *auth.Handler
	sceneHandler   *scene.Handler
	historyHandler *history.Handler
	webhooks       *webhook.Client
	db             database.DBTX
	limiters       []*ratelimit.Limiter
	enableDocs     bool
}

func New(cfg Config) (*Server, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders(SecurityConfig{
		BaseURL:               cfg.BaseURL,
		StorageEndpoint:       cfg.StoragePublicEndpoint,
		AllowedFrameAncestors: cfg.AllowedFrameAncestors,
	}))

	s := &Server{
		router:     r,
		pinger:     cfg.Pinger,
		db:         cfg.DB,
		webhooks:   cfg.Webhooks,
		enableDocs: cfg.EnableDocs,
	}

	if cfg.DB != nil {
		if cfg.JWTSecret == "" {
			return nil, errors.New("JWT secret is required")
		}
		if cfg.Storage == nil {
			return nil, errors.New("object storage is required")
		}

		secureCookies := strings.HasPrefix(cfg.BaseURL, "https://")
		s.authHandler = auth.NewHandler(cfg.DB, cfg.JWTSecret, secureCookies)
		s.sceneHandler = scene.NewHandler(cfg.DB, cfg.Storage, cfg.Cache)
		s.historyHandler = history.NewHandler(cfg.DB, cfg.Storage, cfg.Cache)
		if cfg.Webhooks != nil {
			s.historyHandler.SetNotifier(cfg.Webhooks)
		}
		if cfg.GeoIP != nil {
			s.historyHandler.SetCountryResolver(cfg.GeoIP)
		}
		s.historyHandler.SetLocation(cfg.Location)
		s.historyHandler.SetImportLimit(cfg.MaxImportBytes)
	}

	s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiters and waits for background work started by
// handlers.
func (s *Server) Close() {
	for _, l := range s.limiters {
		l.Close()
	}
	if s.sceneHandler != nil {
		s.sceneHandler.Wait()
	}
	if s.webhooks != nil {
		s.webhooks.Wait()
	}
}

func (s *Server) newLimiter(rps float64, burst int) *ratelimit.Limiter {
	l := ratelimit.NewLimiter(rps, burst)
	s.limiters = append(s.limiters, l)
	return l
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/limits", handleLimits)
	if s.enableDocs {
		s.router.Get("/api/docs", docs.HandleDocs)
		s.router.Get("/api/docs/openapi.yaml", docs.HandleSpec)
	}

	if s.authHandler == nil {
		return
	}

	authLimiter := s.newLimiter(0.5, 5)
	s.router.Route("/api/auth", func(r chi.Router) {
		r.Use(authLimiter.Middleware)
		r.Post("/register", s.authHandler.Register)
		r.Post("/login", s.authHandler.Login)
		r.Post("/refresh", s.authHandler.Refresh)
		r.Post("/logout", s.authHandler.Logout)
	})

	apiLimiter := s.newLimiter(10, 30)
	s.router.Route("/api/scenes", func(r chi.Router) {
		r.Use(apiLimiter.Middleware)
		r.Use(s.authHandler.Middleware)
		r.Post("/", s.sceneHandler.Create)
		r.Get("/", s.sceneHandler.List)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.sceneHandler.Get)
			r.Patch("/", s.sceneHandler.Update)
			r.Delete("/", s.sceneHandler.Delete)

			h := s.historyHandler
			r.Get("/activity", h.Activity)
			r.Post("/activity", h.SaveActivity)
			r.Delete("/activity", h.ResetActivity)

			r.Post("/plays", h.AddEntries(history.KindPlay))
			r.Post("/plays/delete", h.DeleteEntries(history.KindPlay))
			r.Delete("/plays", h.ResetEntries(history.KindPlay))
			r.Get("/plays/sources", h.PlaySources)

			r.Post("/o", h.AddEntries(history.KindO))
			r.Post("/o/delete", h.DeleteEntries(history.KindO))
			r.Delete("/o", h.ResetEntries(history.KindO))

			r.Get("/history", h.Panel)
			r.Post("/history/export", h.Export)
			r.Post("/history/import", h.Import)
		})
	})

	s.router.Route("/api/settings", func(r chi.Router) {
		r.Use(apiLimiter.Middleware)
		r.Use(s.authHandler.Middleware)
		r.Post("/api-keys", s.authHandler.CreateAPIKey)
		r.Get("/api-keys", s.authHandler.ListAPIKeys)
		r.Delete("/api-keys/{id}", s.authHandler.RevokeAPIKey)

		if s.webhooks != nil {
			r.Get("/webhook", s.webhooks.GetConfig)
			r.Put("/webhook", s.webhooks.SaveConfig)
			r.Delete("/webhook", s.webhooks.DeleteConfig)
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  "database unreachable",
			})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleLimits(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, validate.FieldLimits())
}
