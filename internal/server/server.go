// Package server is the composition root: it opens the account store and the
// avatar store, builds the services and handlers, mounts the routes, and runs
// the HTTP server until it is told to stop.
//
//	config.Config → account store (sqlite | postgres)
//	              → TokenService, PasswordService, LockoutPolicy
//	              → SessionService → AuthHandler → routes
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sakif/account-auth/internal/auth"
	"github.com/sakif/account-auth/internal/config"
	"github.com/sakif/account-auth/internal/handler"
	"github.com/sakif/account-auth/internal/media"
	"github.com/sakif/account-auth/internal/metrics"
	"github.com/sakif/account-auth/internal/middleware"
	"github.com/sakif/account-auth/internal/repository"
	"github.com/sakif/account-auth/internal/repository/postgres"
	sqliteRepo "github.com/sakif/account-auth/internal/repository/sqlite"
	"github.com/sakif/account-auth/internal/service"
)

// accountStore is a repository the server owns and must close.
type accountStore interface {
	repository.AccountRepository
	io.Closer
}

// Server represents the HTTP server and all its dependencies.
type Server struct {
	router   *chi.Mux
	config   *config.Config
	logger   *slog.Logger
	store    accountStore
	registry *prometheus.Registry
}

// New opens every dependency named in cfg and wires the routes. ctx bounds
// start-up work: the database connection and Google discovery.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	avatars, err := openMedia(ctx, cfg.Media)
	if err != nil {
		store.Close()
		return nil, err
	}

	// Leave google as a nil interface when disabled; a typed nil pointer
	// would not compare equal to nil inside the handler.
	var google handler.GoogleLogin
	if cfg.Google.Enabled() {
		provider, err := auth.NewGoogleProvider(ctx, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.CallbackURL)
		if err != nil {
			store.Close()
			return nil, err
		}
		google = provider
	} else {
		logger.Warn("GOOGLE_CLIENT_ID not set; Google login is disabled")
	}

	tokens, err := auth.NewTokenService(cfg.Tokens)
	if err != nil {
		store.Close()
		return nil, err
	}
	passwords, err := auth.NewPasswordService(cfg.Password.Cost)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	sessions := service.NewSessionService(store, tokens, passwords, cfg.Lockout, m, logger)
	authHandler := handler.NewAuthHandler(sessions, google, avatars, handler.AuthConfig{
		FrontendURL:   cfg.Server.FrontendURL,
		SecureCookies: cfg.Server.SecureCookies,
	}, logger)

	s := &Server{
		router:   chi.NewRouter(),
		config:   cfg,
		logger:   logger,
		store:    store,
		registry: registry,
	}
	s.setupRoutes(sessions, authHandler, m)

	return s, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (accountStore, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return db, nil
	default:
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		db, err := sqliteRepo.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return db, nil
	}
}

func openMedia(ctx context.Context, cfg config.MediaConfig) (media.Store, error) {
	if cfg.Driver == "s3" {
		store, err := media.NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("opening S3 media store: %w", err)
		}
		return store, nil
	}
	store, err := media.NewLocalStore(cfg.Dir, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening local media store: %w", err)
	}
	return store, nil
}

// setupRoutes mounts middleware and routes.
//
//	GET   /healthz                      liveness
//	GET   /metrics                      Prometheus
//	GET   /media/*                      uploaded avatars (local driver)
//	GET   /auth/google                  start Google login
//	GET   /auth/google/callback         finish Google login
//	POST  /api/v1/register
//	POST  /api/v1/login
//	POST  /api/v1/refresh-token
//	POST  /api/v1/logout                [auth]
//	POST  /api/v1/change-password       [auth]
//	GET   /api/v1/current-user          [auth]
//	PATCH /api/v1/update-account        [auth]
//	PATCH /api/v1/avatar                [auth]
//	GET   /api/v1/auth                  [auth]
//
// Middleware runs in the order added: RequestID must precede Logger so the
// log line carries the id, and Recoverer sits inside both so a panic is still
// logged and counted as a 500.
func (s *Server) setupRoutes(sessions *service.SessionService, h *handler.AuthHandler, m *metrics.Metrics) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(m))
	s.router.Use(chimiddleware.Recoverer)
	if len(s.config.Server.CORSOrigins) > 0 {
		s.router.Use(middleware.CORS(s.config.Server.CORSOrigins))
	}

	s.router.Get("/healthz", handler.HandleHealth)
	s.router.Handle("/metrics", metrics.Handler(s.registry))

	if s.config.Media.Driver != "s3" {
		prefix := strings.TrimSuffix(s.config.Media.BaseURL, "/")
		if strings.HasPrefix(prefix, "/") && prefix != "" {
			fileServer := http.FileServer(http.Dir(s.config.Media.Dir))
			s.router.Handle(prefix+"/*", http.StripPrefix(prefix+"/", fileServer))
		}
	}

	s.router.Get("/auth/google", h.HandleGoogleLogin)
	s.router.Get("/auth/google/callback", h.HandleGoogleCallback)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/register", h.HandleRegister)
		r.Post("/login", h.HandleLogin)
		r.Post("/refresh-token", h.HandleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(sessions))
			r.Post("/logout", h.HandleLogout)
			r.Post("/change-password", h.HandleChangePassword)
			r.Get("/current-user", h.HandleCurrentUser)
			r.Patch("/update-account", h.HandleUpdateAccount)
			r.Patch("/avatar", h.HandleUpdateAvatar)
			r.Get("/auth", h.HandleAuthCheck)
		})
	})
}

// Handler exposes the router, for tests and for embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the account store.
func (s *Server) Close() error {
	return s.store.Close()
}

// Start serves HTTP until SIGINT or SIGTERM, then drains in-flight requests
// for up to ShutdownTimeout and closes the account store.
func (s *Server) Start() error {
	defer s.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Server.Port),
			slog.String("database", s.config.Database.Driver),
			slog.String("media", s.config.Media.Driver),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
