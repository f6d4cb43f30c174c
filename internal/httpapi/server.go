// internal/httpapi/server.go

// Package httpapi assembles the bookshare services behind one chi router and
// runs the HTTP server.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bookshare/internal/auth"
	"bookshare/internal/books"
	"bookshare/internal/config"
	"bookshare/internal/database"
	"bookshare/internal/eventstore"
	"bookshare/internal/images"
	"bookshare/internal/loans"
	"bookshare/internal/messages"
	"bookshare/internal/users"
	"bookshare/internal/web"
)

// Server is the bookshare HTTP API.
type Server struct {
	cfg     config.ServerConfig
	handler http.Handler
	logger  *slog.Logger
}

// New wires every service onto gw and builds the router.
func New(cfg *config.Config, gw *database.Gateway, logger *slog.Logger) (*Server, error) {
	store, err := images.NewDiskStore(cfg.Uploads.Dir)
	if err != nil {
		return nil, fmt.Errorf("open upload store: %w", err)
	}
	tokens, err := auth.NewTokens(cfg.Auth)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.TokenSecret == "" {
		logger.Warn("auth.token_secret not set; bearer tokens will not survive a restart")
	}

	userSvc := users.NewService(gw, cfg.Auth, logger)
	bookSvc := books.NewService(gw, logger)
	loanSvc, err := loans.NewService(gw, eventstore.NewEventStore(), logger)
	if err != nil {
		return nil, err
	}
	msgSvc := messages.NewService(gw, logger)

	requireAuth := auth.Middleware(userSvc, tokens)
	bookH := books.NewHandler(bookSvc, store)
	loanH := loans.NewHandler(loanSvc)
	msgH := messages.NewHandler(msgSvc)
	userH := users.NewHandler(userSvc, tokens)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(cfg.Server.AllowedOrigins))
	r.Use(compressor())
	r.Use(limitBody(cfg.Server.MaxBodyBytes))

	r.Get("/healthz", health(gw))
	r.Handle("/uploads/*", images.Handler(store))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/books", func(r chi.Router) {
			bookH.Routes(r, requireAuth)
			r.With(requireAuth).Post("/status/{bookID}", loanH.HandleBookStatus)
		})
		r.Get("/search/books", bookH.HandleSearch)
		r.Route("/requests", func(r chi.Router) {
			r.Use(requireAuth)
			loanH.Routes(r)
		})
		r.Route("/messages", func(r chi.Router) {
			r.Use(requireAuth)
			msgH.Routes(r)
		})
		r.Route("/users", func(r chi.Router) {
			userH.Routes(r, requireAuth)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		web.JSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "message": "no such route"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		web.JSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed", "message": "method not allowed"})
	})

	return &Server{cfg: cfg.Server, handler: r, logger: logger}, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", "timeout", s.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func health(gw *database.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := gw.Ping(ctx); err != nil {
			slog.Default().WarnContext(ctx, "health check failed", "error", err)
			web.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		web.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
