// Package httpapi is the REST surface of the notification service.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"campusnotify/internal/eventbus"
	"campusnotify/internal/netstate"
	"campusnotify/internal/notifications"
	"campusnotify/internal/runtime/supervisor"
	logx "campusnotify/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Config struct {
	Addr string
	// JWTSecret enables HS256 bearer auth; empty disables auth (development only).
	JWTSecret      string
	AllowedOrigins []string
	// AdminRole is the "role" claim that may act on any user.
	AdminRole       string
	ShutdownTimeout time.Duration
	// Pprof mounts the runtime profiler at /v1/debug/pprof for admins.
	Pprof bool
}

type Deps struct {
	Service    *notifications.Service
	Bus        eventbus.Bus
	Network    *netstate.Monitor
	Supervisor *supervisor.Supervisor
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Log     logx.Logger
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	auth *authenticator
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Service == nil {
		return nil, errors.New("httpapi: notifications service is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.AdminRole == "" {
		cfg.AdminRole = "admin"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:  cfg,
		deps: deps,
		log:  log,
		auth: newAuthenticator(cfg.JWTSecret, cfg.AdminRole),
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.health)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.middleware)

		r.Post("/subscriptions", s.subscribe)
		r.Delete("/subscriptions/{id}", s.unsubscribe)

		r.Route("/users/{user}", func(r chi.Router) {
			r.Use(s.auth.sameUser)
			r.Get("/subscriptions", s.listSubscriptions)
			r.Delete("/subscriptions", s.unsubscribeUser)
			r.Get("/preferences", s.getPreferences)
			r.Patch("/preferences", s.updatePreferences)
			r.Post("/notifications", s.notify)
			r.Post("/interactions", s.recordInteraction)
			r.Get("/metrics", s.metrics)
			r.Get("/failures", s.userFailures)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth.adminOnly)
			r.Post("/notifications/bulk", s.notifyBulk)
			r.Get("/scheduled", s.listScheduled)
			r.Delete("/scheduled/{id}", s.cancelScheduled)
			r.Get("/failures", s.failures)
			r.Put("/network", s.setNetwork)
			if s.cfg.Pprof {
				r.Mount("/debug", middleware.Profiler())
			}
		})

		r.Get("/events", s.events)
	})
	return r
}

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.cfg.Addr }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http api listening", logx.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
