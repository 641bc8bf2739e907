// Package api provides the local status HTTP API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/karin0/ip-roam/tslog"
	"github.com/karin0/ip-roam/zone"
)

// Server serves the read-only status API.
type Server struct {
	logger     *tslog.Logger
	router     *chi.Mux
	httpServer *http.Server
	ifname     string
	controller *zone.Controller
}

// NewServer creates a status API server bound to bindAddr, reporting the
// zone state tracked by the given controller.
func NewServer(bindAddr, ifname string, controller *zone.Controller, logger *tslog.Logger) *Server {
	s := &Server{
		logger:     logger,
		router:     chi.NewRouter(),
		ifname:     ifname,
		controller: controller,
	}

	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.httpServer = &http.Server{
		Addr:         bindAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Run serves requests until the context is canceled, then shuts the server
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Failed to shut down status API server", tslog.Err(err))
		}
	})
	defer stop()

	s.logger.Info("Starting status API server", slog.String("listen", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
