package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raterudder/batteryrelay/pkg/common"
	"github.com/raterudder/batteryrelay/pkg/controller"
	"github.com/raterudder/batteryrelay/pkg/log"
)

// StatusSource provides the controller state served by /api/status.
type StatusSource interface {
	Snapshot() controller.Snapshot
}

// Server exposes health, metrics and the current cycle state over HTTP.
type Server struct {
	status   StatusSource
	gatherer prometheus.Gatherer

	listenAddr string
	serverName string
	httpServer *http.Server
}

// Configured initializes the Server. An empty http-listen disables it.
func Configured(status StatusSource, gatherer prometheus.Gatherer) *Server {
	srv := &Server{
		status:     status,
		gatherer:   gatherer,
		serverName: common.UserAgent(),
	}

	listenAddr := lflag.String("http-listen", ":9100", "HTTP server listen address, empty to disable")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.noCacheMiddleware(apiMux))
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	if s.listenAddr == "" {
		log.Ctx(ctx).InfoContext(ctx, "http server disabled")
		<-ctx.Done()
		return nil
	}

	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSONError(w, "controller not running", http.StatusServiceUnavailable)
		return
	}
	snap := s.status.Snapshot()
	writeJSON(w, statusResponse{
		Snapshot:     snap,
		NextInterval: snap.NextInterval.String(),
		LastDuration: snap.LastDuration.String(),
		Version:      common.Version(),
	})
}

type statusResponse struct {
	controller.Snapshot
	NextInterval string `json:"nextInterval,omitempty"`
	LastDuration string `json:"lastDuration,omitempty"`
	Version      string `json:"version"`
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
