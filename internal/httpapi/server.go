// Package httpapi serves the debug/ops HTTP surface: engine metrics,
// probed capabilities, buffer health (snapshot and websocket stream), and
// seek-bar thumbnails.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kestrelmedia/playbuf/internal/buffer"
	"github.com/kestrelmedia/playbuf/internal/config"
	"github.com/kestrelmedia/playbuf/internal/decode"
	"github.com/kestrelmedia/playbuf/internal/version"
)

// EngineAPI is the engine surface the server exposes.
type EngineAPI interface {
	Metrics() buffer.Metrics
	Health() buffer.Health
	OnBufferHealth(buffer.HealthFunc) func()
	Clear()
}

// CapabilitySource resolves probed decoder capabilities.
type CapabilitySource interface {
	Detect(ctx context.Context) decode.Capabilities
}

// ThumbnailSource serves encoded thumbnails.
type ThumbnailSource interface {
	Get(ctx context.Context, sourceID string, t time.Duration) ([]byte, error)
}

// Server is the debug HTTP server.
type Server struct {
	config config.ServerConfig
	logger *slog.Logger

	engine EngineAPI
	caps   CapabilitySource
	thumbs ThumbnailSource

	httpServer *http.Server
}

// NewServer creates the debug server. caps and thumbs may be nil, in which
// case their routes return 404.
func NewServer(cfg config.ServerConfig, engine EngineAPI, caps CapabilitySource, thumbs ThumbnailSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		logger: logger.With(slog.String("component", "httpapi")),
		engine: engine,
		caps:   caps,
		thumbs: thumbs,
	}

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      s.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Routes builds the router. Exposed for httptest.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.compressor().Handler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", s.handleVersion)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/capabilities", s.handleCapabilities)
		r.Get("/health", s.handleHealth)
		r.Get("/health/ws", s.handleHealthStream)
		r.Get("/thumbnail", s.handleThumbnail)
		r.Post("/buffer/clear", s.handleClear)
	})
	return r
}

// compressor negotiates gzip, deflate, and brotli for JSON responses.
// Thumbnails are already JPEG and skip compression by content type.
func (s *Server) compressor() *middleware.Compressor {
	c := middleware.NewCompressor(5, "application/json")
	c.SetEncoder("br", func(w io.Writer, level int) io.Writer {
		return brotli.NewWriterLevel(w, level)
	})
	return c
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("debug server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("debug server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, version.GetInfo())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Metrics())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Health())
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if s.caps == nil {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, s.caps.Detect(r.Context()))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.engine.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// handleThumbnail serves GET /api/v1/thumbnail?source=<id>&time=<seconds>.
func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	if s.thumbs == nil {
		http.NotFound(w, r)
		return
	}

	source := r.URL.Query().Get("source")
	if source == "" {
		s.writeError(w, http.StatusBadRequest, "missing source parameter")
		return
	}

	seconds, err := strconv.ParseFloat(r.URL.Query().Get("time"), 64)
	if err != nil || seconds < 0 {
		s.writeError(w, http.StatusBadRequest, "invalid time parameter")
		return
	}

	data, err := s.thumbs.Get(r.Context(), source, time.Duration(seconds*float64(time.Second)))
	if err != nil {
		s.logger.Warn("thumbnail generation failed",
			slog.String("source", source),
			slog.Float64("time", seconds),
			slog.String("error", err.Error()),
		)
		s.writeError(w, http.StatusBadGateway, "thumbnail generation failed")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "max-age=3600")
	_, _ = w.Write(data)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response encode failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
