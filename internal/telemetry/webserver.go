package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rjboer/GoLimeSDR/internal/logging"
)

// WebServer exposes telemetry history, live updates and diagnostics over
// HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// Handler returns the API routes of hub.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", h.handleHistory)
	mux.HandleFunc("/api/live", h.handleLive)
	mux.HandleFunc("/api/config", h.handleGetConfig)
	mux.HandleFunc("/api/config/update", h.handleSetConfig)
	mux.HandleFunc("/api/tune", h.handleTune)
	mux.HandleFunc("/api/diagnostics", h.handleDiagnostics)
	mux.HandleFunc("/api/diagnostics/spectrum", h.handleSpectrumSnapshot)
	mux.HandleFunc("/api/diagnostics/health", h.handleHealth)
	return mux
}

// NewWebServer builds an HTTP server for hub on addr.
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebServer{
		hub:    hub,
		logger: logger.With(logging.F("subsystem", "web")),
		srv:    &http.Server{Addr: addr, Handler: hub.Handler(), ReadHeaderTimeout: 5 * time.Second},
	}
}

// Start listens until ctx is canceled.
func (w *WebServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web telemetry shutdown", logging.F("error", err))
		}
	}()

	w.logger.Info("web telemetry listening", logging.F("addr", w.srv.Addr))
	if err := w.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
