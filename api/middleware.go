package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/karin0/ip-roam/tslog"
)

// responseWriterWrapper captures the status code written by a handler.
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriterWrapper{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapper, r)

		if s.logger.Enabled(slog.LevelDebug) {
			s.logger.Debug("Handled API request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				tslog.Int("status", wrapper.statusCode),
				slog.Duration("duration", time.Since(start)),
			)
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic in API handler", slog.Any("error", err))
				respondError(w, http.StatusInternalServerError, fmt.Sprintf("internal server error: %v", err))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
