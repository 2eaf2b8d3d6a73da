// Package demoserver is a self-contained stand-in for the reputation
// backend, used for manual end-to-end runs against a predictable
// opponent. Verdicts are scripted: URLs and hashes matching the built-in
// threat markers come back unsafe, everything else comes back safe.
package demoserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/Rneeshka/Aegis/internal/logging"
)

// threatMarkers maps a substring to the threat type reported for
// subjects containing it.
var threatMarkers = map[string]string{
	"malware":  "malware",
	"phishing": "phishing",
	"eicar":    "test_signature",
	"trojan":   "trojan",
}

// badHashes are file hashes the demo backend always flags.
var badHashes = map[string]string{
	"275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f": "test_signature",
}

// DemoServer answers both analysis surfaces: REST checks and the
// persistent WebSocket channel.
type DemoServer struct {
	cfg      Config
	router   chi.Router
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu    sync.Mutex
	seen  int // total analysis requests served
	wsCnt int // total websocket sessions accepted
}

// NewDemoServer creates a demo backend instance.
func NewDemoServer(cfg Config, logger logging.Logger) *DemoServer {
	if cfg.Port == 0 {
		cfg.Port = DefaultConfig().Port
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("DemoServer")
	}
	s := &DemoServer{
		cfg:    cfg,
		router: chi.NewRouter(),
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *DemoServer) routes() {
	r := s.router
	r.Get("/health", s.handleHealth)
	r.Post("/check/url", s.handleCheckURL)
	r.Post("/check/file", s.handleCheckFile)
	r.Get("/ws", s.handleWebSocket)
}

// ServeHTTP implements http.Handler.
func (s *DemoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start starts the demo backend and blocks.
func (s *DemoServer) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info("demo backend starting",
		logging.Field{Key: "addr", Value: addr})
	return http.ListenAndServe(addr, s)
}

// classify produces the scripted verdict for a subject string.
func classify(subject string) (safe bool, threatType string) {
	lower := strings.ToLower(subject)
	for marker, threat := range threatMarkers {
		if strings.Contains(lower, marker) {
			return false, threat
		}
	}
	return true, ""
}

func classifyHash(hash string) (safe bool, threatType string) {
	if threat, ok := badHashes[strings.ToLower(hash)]; ok {
		return false, threat
	}
	return true, ""
}

func verdictBody(kind, subject string, safe bool, threatType string) map[string]any {
	body := map[string]any{
		"kind":      kind,
		"safe":      safe,
		"source":    "demo",
		"timestamp": time.Now().UnixMilli(),
	}
	if kind == "url" {
		body["url"] = subject
	} else {
		body["hash"] = subject
	}
	if threatType != "" {
		body["threat_type"] = threatType
		body["details"] = "matched demo threat marker"
	} else {
		body["details"] = "no known threats"
	}
	return body
}

func (s *DemoServer) authorized(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	return r.Header.Get("X-API-Key") == s.cfg.APIKey
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (s *DemoServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	seen, sessions := s.seen, s.wsCnt
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"requests":   seen,
		"ws_clients": sessions,
	})
}

func (s *DemoServer) handleCheckURL(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid API key"})
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "body must include 'url'"})
		return
	}
	s.countRequest()

	safe, threat := classify(req.URL)
	writeJSON(w, http.StatusOK, verdictBody("url", req.URL, safe, threat))
}

func (s *DemoServer) handleCheckFile(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid API key"})
		return
	}
	var req struct {
		FileHash string `json:"file_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileHash == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "body must include 'file_hash'"})
		return
	}
	s.countRequest()

	safe, threat := classifyHash(req.FileHash)
	writeJSON(w, http.StatusOK, verdictBody("file", req.FileHash, safe, threat))
}

func (s *DemoServer) countRequest() {
	s.mu.Lock()
	s.seen++
	s.mu.Unlock()
}

// wsEnvelope is the channel message shape.
type wsEnvelope struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

func envelope(msgType, requestID string, payload map[string]any) wsEnvelope {
	return wsEnvelope{
		Type:      msgType,
		RequestID: requestID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (s *DemoServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && r.URL.Query().Get("api_key") != s.cfg.APIKey {
		http.Error(w, "invalid API key", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.wsCnt++
	s.mu.Unlock()

	var writeMu sync.Mutex
	send := func(env wsEnvelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(env)
	}

	if err := send(envelope("hello", "", map[string]any{"server": "demo"})); err != nil {
		return
	}

	for {
		var msg wsEnvelope
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.handleChannelMessage(send, msg)
	}
}

func (s *DemoServer) handleChannelMessage(send func(wsEnvelope) error, msg wsEnvelope) {
	switch strings.ToLower(msg.Type) {
	case "ping", "heartbeat":
		send(envelope("pong", msg.RequestID, nil))

	case "analyze_url":
		subject, _ := msg.Payload["url"].(string)
		if subject == "" {
			s.sendError(send, msg.RequestID, "payload must include 'url'")
			return
		}
		s.countRequest()

		send(envelope("scan_started", msg.RequestID, map[string]any{"url": subject}))

		safe, threat := classify(subject)
		body := verdictBody("url", subject, safe, threat)
		if context, ok := msg.Payload["context"].(string); ok {
			body["context"] = context
		}
		send(envelope("analysis_result", msg.RequestID, body))

	case "analyze_file_hash":
		hash, _ := msg.Payload["hash"].(string)
		if hash == "" {
			hash, _ = msg.Payload["file_hash"].(string)
		}
		if hash == "" {
			s.sendError(send, msg.RequestID, "payload must include 'hash'")
			return
		}
		s.countRequest()

		safe, threat := classifyHash(hash)
		body := verdictBody("file", hash, safe, threat)
		if name, ok := msg.Payload["file_name"].(string); ok {
			body["fileName"] = name
		}
		send(envelope("analysis_result", msg.RequestID, body))

	default:
		s.sendError(send, msg.RequestID, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (s *DemoServer) sendError(send func(wsEnvelope) error, requestID, message string) {
	env := envelope("error", requestID, nil)
	env.Message = message
	send(env)
}
