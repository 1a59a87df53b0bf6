package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framelink/internal/config"
	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/handle"
	"github.com/bryanchriswhite/framelink/internal/logger"
	"github.com/bryanchriswhite/framelink/internal/streams"
)

// Version is reported by /api/health.
const Version = "0.1.0"

const writeWait = 5 * time.Second

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	streams   *streams.Manager
	configMgr *config.Manager
	upgrader  websocket.Upgrader
	log       *zerolog.Logger
}

// NewServer creates a new API server
func NewServer(streamMgr *streams.Manager, configMgr *config.Manager) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		streams:   streamMgr,
		configMgr: configMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		log: logger.WithComponent("api"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")
	api.HandleFunc("/modes", s.handleModes).Methods("GET")

	// Streams
	api.HandleFunc("/streams", s.handleListStreams).Methods("GET")
	api.HandleFunc("/streams/output", s.handleOpenOutput).Methods("POST")
	api.HandleFunc("/streams/input", s.handleOpenInput).Methods("POST")
	api.HandleFunc("/streams/{id}", s.handleGetStream).Methods("GET")
	api.HandleFunc("/streams/{id}", s.handleCloseStream).Methods("DELETE")
	api.HandleFunc("/streams/{id}/events", s.handleStreamEvents)
	api.HandleFunc("/streams/{id}/preview", s.handlePreview).Methods("GET")
	api.HandleFunc("/events", s.handleAllEvents)

	if s.configMgr == nil || s.configMgr.Get().MetricsEnabled {
		s.router.Handle("/metrics", s.streams.Metrics().Handler()).Methods("GET")
	}

	s.router.PathPrefix("/").HandlerFunc(s.handleIndex)
}

// Handler returns the router wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Run serves on port until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", "http://localhost"+srv.Addr).Msg("Starting server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.log.Info().Msg("Server stopped")
	return nil
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps stream and config errors onto HTTP status codes.
func statusFor(err error) int {
	var ce *device.ConfigError
	switch {
	case errors.Is(err, handle.ErrStale), errors.Is(err, handle.ErrInvalid),
		errors.Is(err, device.ErrInvalidDeviceIndex):
		return http.StatusNotFound
	case errors.Is(err, streams.ErrDeviceBusy):
		return http.StatusConflict
	case errors.Is(err, streams.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, config.ErrInvalid), errors.As(err, &ce):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// streamID parses the {id} route variable. A malformed ID is answered
// with 400 and ok is false.
func (s *Server) streamID(w http.ResponseWriter, r *http.Request) (handle.ID, bool) {
	id, err := handle.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return 0, false
	}
	return id, true
}

func (s *Server) currentConfig() config.Config {
	if s.configMgr == nil {
		return config.Defaults()
	}
	return s.configMgr.Get()
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"version":        Version,
		"streams":        len(s.streams.List()),
		"dropped_events": s.streams.DroppedEvents(),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentConfig())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "configuration is read-only"})
		return
	}
	cfg := s.configMgr.Get()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.configMgr.Update(cfg); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type modeInfo struct {
	Name           string  `json:"name"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	FrameRate      float64 `json:"frame_rate"`
	Duration       int64   `json:"frame_duration"`
	TimeScale      int64   `json:"time_scale"`
	FieldDominance string  `json:"field_dominance"`
	ColorSpace     string  `json:"color_space"`
}

func (s *Server) handleModes(w http.ResponseWriter, r *http.Request) {
	modes := device.Modes()
	out := make([]modeInfo, 0, len(modes))
	for _, m := range modes {
		out = append(out, modeInfo{
			Name:           m.Name,
			Width:          m.Width,
			Height:         m.Height,
			FrameRate:      m.FrameRate(),
			Duration:       m.Duration,
			TimeScale:      m.TimeScale,
			FieldDominance: m.FieldDominance.String(),
			ColorSpace:     m.ColorSpace.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.streams.List())
}

// outputRequest overlays the configured output defaults. Fields missing
// from the body keep their configured values.
type outputRequest struct {
	config.OutputConfig
	Pattern bool  `json:"pattern"`
	Frames  int64 `json:"frames"`
}

func (s *Server) handleOpenOutput(w http.ResponseWriter, r *http.Request) {
	cfg := s.currentConfig()
	req := outputRequest{OutputConfig: cfg.Output, Pattern: true}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg.Output = req.OutputConfig
	if err := cfg.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	oc, err := cfg.Output.Build()
	if err != nil {
		s.writeError(w, err)
		return
	}

	info, err := s.streams.OpenOutput(streams.OutputRequest{Config: oc, Pattern: req.Pattern, Frames: req.Frames})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleOpenInput(w http.ResponseWriter, r *http.Request) {
	cfg := s.currentConfig()
	req := cfg.Input
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ic, err := req.Build()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	info, err := s.streams.OpenInput(streams.InputRequest{Config: ic})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamID(w, r)
	if !ok {
		return
	}
	info, err := s.streams.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCloseStream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamID(w, r)
	if !ok {
		return
	}
	if err := s.streams.Close(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamID(w, r)
	if !ok {
		return
	}
	p, err := s.streams.Preview(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p.ServeHTTP(w, r)
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamID(w, r)
	if !ok {
		return
	}
	s.serveEvents(w, r, id)
}

func (s *Server) handleAllEvents(w http.ResponseWriter, r *http.Request) {
	s.serveEvents(w, r, 0)
}

// serveEvents upgrades to a websocket and relays stream events as JSON
// until the stream closes or the client goes away.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request, id handle.ID) {
	events, cancel, err := s.streams.Subscribe(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	// The client sends nothing; reading detects when it leaves.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>framelink</title>
    <style>
        body { font-family: sans-serif; max-width: 800px; margin: 50px auto; padding: 20px; }
        code { background: #f5f5f5; padding: 2px 6px; border-radius: 3px; }
    </style>
</head>
<body>
    <h1>framelink</h1>
    <p>Scheduled video output and input over DeckLink-style devices.</p>
    <h3>API Endpoints:</h3>
    <ul>
        <li><a href="/api/health">/api/health</a> - Server health check</li>
        <li><a href="/api/config">/api/config</a> - View configuration</li>
        <li><a href="/api/modes">/api/modes</a> - Display modes</li>
        <li><a href="/api/streams">/api/streams</a> - Running streams</li>
        <li><code>POST /api/streams/output</code>, <code>POST /api/streams/input</code> - Open a stream</li>
        <li><code>/api/streams/{id}/events</code> - WebSocket event feed</li>
        <li><code>/api/streams/{id}/preview</code> - MJPEG preview</li>
        <li><a href="/metrics">/metrics</a> - Prometheus metrics</li>
    </ul>
</body>
</html>`

	if r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(html))
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/api") {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint"})
}
