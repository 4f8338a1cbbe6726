// Package api serves the submission data HTTP API: intake, listing with
// multi-format export, soft delete, history, and labels.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/formsync/internal/config"
	fserrors "git.home.luguber.info/inful/formsync/internal/errors"
	"git.home.luguber.info/inful/formsync/internal/metrics"
)

// Server hosts the data API on a single listener with explicit timeouts.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	registry *prom.Registry
	logger   *slog.Logger
	server   *http.Server
}

// NewServer wires the handler set into an HTTP server.
func NewServer(cfg config.ServerConfig, handlers *Handlers, registry *prom.Registry, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		handlers: handlers,
		registry: registry,
		logger:   logger,
	}
}

// Routes builds the full route table wrapped in the middleware chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handlers.HandleHealth)
	mux.HandleFunc("GET /healthz", s.handlers.HandleHealth)
	if s.registry != nil {
		mux.Handle("GET /metrics", metrics.HTTPHandler(s.registry))
	}

	mux.HandleFunc("GET /forms", s.handlers.HandleListForms)
	mux.HandleFunc("POST /forms/{formID}/submissions", s.handlers.HandleSubmit)

	// {resource} instead of a literal so "data.csv" still routes here
	mux.HandleFunc("GET /forms/{formID}/{resource}", s.handlers.HandleListData)
	mux.HandleFunc("GET /forms/{formID}/data/{dataID}", s.handlers.HandleGetData)
	mux.HandleFunc("GET /forms/{formID}/data/{dataID}/history", s.handlers.HandleHistory)
	mux.HandleFunc("GET /forms/{formID}/data/{dataID}/labels", s.handlers.HandleListLabels)

	guard := s.authGuard()
	mux.Handle("PUT /forms/{formID}/data/{dataID}", guard(http.HandlerFunc(s.handlers.HandleEditData)))
	mux.Handle("DELETE /forms/{formID}/data/{dataID}", guard(http.HandlerFunc(s.handlers.HandleDeleteData)))
	mux.Handle("POST /forms/{formID}/data/{dataID}/labels", guard(http.HandlerFunc(s.handlers.HandleAddLabels)))
	mux.Handle("DELETE /forms/{formID}/data/{dataID}/labels/{label}", guard(http.HandlerFunc(s.handlers.HandleRemoveLabel)))

	chain := middlewareChain(s.logger, s.handlers.adapter)
	return chain(mux)
}

// authGuard requires the configured bearer token on mutating endpoints.
// An empty token disables the guard.
func (s *Server) authGuard() func(http.Handler) http.Handler {
	token := s.cfg.AdminToken
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				s.handlers.adapter.WriteErrorResponse(w, r,
					fserrors.New(fserrors.CategoryAuth, fserrors.SeverityWarning, "missing or invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Start binds the listener up front and serves until the context is
// canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fserrors.WrapError(err, fserrors.CategoryDaemon, "binding api listener on "+s.cfg.Addr)
	}

	s.server = &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("data api listening", slog.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fserrors.WrapError(err, fserrors.CategoryDaemon, "api server failed")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
