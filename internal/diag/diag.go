// Package diag is the local HTTP control surface: on-demand checks,
// settings management, and a status endpoint exposing the connection
// state and the sizes of the runtime structures.
package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Rneeshka/Aegis/internal/analyzer"
	"github.com/Rneeshka/Aegis/internal/connstate"
	"github.com/Rneeshka/Aegis/internal/filescan"
	"github.com/Rneeshka/Aegis/internal/logging"
	"github.com/Rneeshka/Aegis/internal/settings"
)

// URLAnalyzer resolves URL checks.
type URLAnalyzer interface {
	Analyze(ctx context.Context, rawURL string, opts analyzer.Options) analyzer.Result
}

// ChannelStatus exposes the persistent channel's runtime counters.
type ChannelStatus interface {
	Connected() bool
	PendingCount() int
	RetryAttempt() int
	ForceReconnect()
}

// Sizer reports how many entries a runtime structure holds.
type Sizer interface {
	Len() int
}

// Config holds the control-surface settings.
type Config struct {
	ListenAddr string
}

// DefaultConfig returns the standard listen address.
func DefaultConfig() Config {
	return Config{ListenAddr: "127.0.0.1:7764"}
}

// Server serves the control surface.
type Server struct {
	cfg      Config
	analyzer URLAnalyzer
	channel  ChannelStatus
	store    *settings.Store
	state    *connstate.State
	files    *filescan.Scanner
	cache    Sizer
	queue    Sizer
	router   chi.Router
	logger   logging.Logger
}

// NewServer wires the control surface. files may be nil when the file
// pipeline is disabled.
func NewServer(cfg Config, ua URLAnalyzer, ch ChannelStatus, store *settings.Store, state *connstate.State, files *filescan.Scanner, cacheSize, queueSize Sizer, logger logging.Logger) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("Diag")
	}
	s := &Server{
		cfg:      cfg,
		analyzer: ua,
		channel:  ch,
		store:    store,
		state:    state,
		files:    files,
		cache:    cacheSize,
		queue:    queueSize,
		router:   chi.NewRouter(),
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Post("/check", s.handleCheck)
	r.Post("/scan/file", s.handleScanFile)
	r.Get("/settings", s.handleGetSettings)
	r.Post("/settings", s.handleUpdateSettings)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}
	if r.Body != nil && r.Method == http.MethodPost {
		if bodyBytes, err := io.ReadAll(r.Body); err == nil {
			fields = append(fields, logging.Field{Key: "body", Value: string(bodyBytes)})
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}
	s.logger.Info("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UnixMilli()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		ConnectionState: s.state.Snapshot(),
		ChannelOpen:     s.channel.Connected(),
		PendingRequests: s.channel.PendingCount(),
		RetryAttempt:    s.channel.RetryAttempt(),
		CacheSize:       s.cache.Len(),
		QueueSize:       s.queue.Len(),
		Timestamp:       time.Now().UnixMilli(),
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid request body: url is required")
		return
	}

	ctx := r.Context()
	if !s.store.FeatureEnabled(ctx, settings.KeyAntivirusEnabled) || !s.store.FeatureEnabled(ctx, settings.KeyLinkCheck) {
		writeError(w, http.StatusConflict, "link checking is disabled")
		return
	}

	reqContext := req.Context
	if reqContext == "" {
		reqContext = "popup"
	}
	res := s.analyzer.Analyze(ctx, req.URL, analyzer.Options{
		UseCache: !req.Fresh,
		Context:  reqContext,
	})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScanFile(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		writeError(w, http.StatusConflict, "file scanning is disabled")
		return
	}
	var req scanFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid request body: url is required")
		return
	}
	if !s.files.Scannable(req.URL) {
		writeError(w, http.StatusUnprocessableEntity, "url does not point at a scannable file")
		return
	}

	report, ok := s.files.Scan(r.Context(), req.URL)
	if !ok {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "in_progress"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	keys := []string{
		settings.KeyAPIBase,
		settings.KeyAntivirusEnabled,
		settings.KeyLinkCheck,
		settings.KeyHoverScan,
		settings.KeyNotify,
	}
	values := s.store.Get(r.Context(), keys, settings.Defaults)
	// The key itself never leaves the process.
	values[settings.KeyAPIBase] = s.store.APIBase(r.Context())
	writeJSON(w, http.StatusOK, values)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]string
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil || len(values) == 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.Set(r.Context(), values); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// A credential or address change invalidates the open socket.
	if _, ok := values[settings.KeyAPIKey]; ok {
		s.channel.ForceReconnect()
	} else if _, ok := values[settings.KeyAPIBase]; ok {
		s.channel.ForceReconnect()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type checkRequest struct {
	URL     string `json:"url"`
	Context string `json:"context,omitempty"`
	// Fresh skips the result cache.
	Fresh bool `json:"fresh,omitempty"`
}

type scanFileRequest struct {
	URL string `json:"url"`
}

type statusResponse struct {
	ConnectionState connstate.Snapshot `json:"connection_state"`
	ChannelOpen     bool               `json:"channel_open"`
	PendingRequests int                `json:"pending_requests"`
	RetryAttempt    int                `json:"retry_attempt"`
	CacheSize       int                `json:"cache_size"`
	QueueSize       int                `json:"queue_size"`
	Timestamp       int64              `json:"timestamp"`
}
