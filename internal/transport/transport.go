package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Rneeshka/Aegis/internal/logging"
)

// Errors callers can classify with errors.Is. An unknown kind fails before
// any network I/O; a timeout is kept distinguishable from a server error so
// the orchestrator can tell network-down from backend-broken.
var (
	ErrUnknownKind = errors.New("unknown request kind")
	ErrTimeout     = errors.New("request timeout")
	ErrBadResponse = errors.New("malformed server response")
)

// endpoints maps a request kind to its fixed backend path.
var endpoints = map[string]string{
	"analyze_url":       "/check/url",
	"analyze_file_hash": "/check/file",
}

// Config holds the stateless transport settings.
type Config struct {
	// RequestTimeout bounds a single round trip. Distinct from the
	// channel's connect and response timers.
	RequestTimeout time.Duration
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{RequestTimeout: 10 * time.Second}
}

// SettingsSource supplies the backend address and credential at call time,
// so credential changes take effect without rebuilding the client.
type SettingsSource interface {
	APIBase(ctx context.Context) string
	APIKey(ctx context.Context) string
}

// Client issues one-shot HTTP requests against the reputation backend. It
// is the fallback used whenever the persistent channel is unavailable.
type Client struct {
	cfg        Config
	settings   SettingsSource
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient creates a transport client. httpClient may be nil, in which
// case a default with the configured timeout is constructed.
func NewClient(cfg Config, settings SettingsSource, logger logging.Logger, httpClient *http.Client) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("Transport")
	}
	componentLogger := logger.With(logging.Field{Key: "component", Value: "transport"})

	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &Client{
		cfg:        cfg,
		settings:   settings,
		httpClient: httpClient,
		logger:     componentLogger,
	}
}

// Send posts a kind-specific request and returns the decoded response
// object ready for the normalizer. Unknown kinds fail immediately with
// ErrUnknownKind and no network call.
func (c *Client) Send(ctx context.Context, kind string, payload map[string]any) (map[string]any, error) {
	endpoint, ok := endpoints[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	body, headers := c.buildRequest(ctx, kind, payload)

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	reqURL := c.settings.APIBase(ctx) + endpoint
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.logger.Debug("sending fallback request",
		logging.Field{Key: "kind", Value: kind},
		logging.Field{Key: "endpoint", Value: endpoint})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%s to %s: %w", kind, endpoint, ErrTimeout)
		}
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError(resp, raw)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		// A successful status with a non-object body is a protocol
		// violation, never silently passed along.
		return nil, fmt.Errorf("%w: body is %T, want object", ErrBadResponse, decoded)
	}
	return obj, nil
}

// buildRequest maps a kind plus generic payload to the flat wire body and
// headers the REST endpoints expect.
func (c *Client) buildRequest(ctx context.Context, kind string, payload map[string]any) (map[string]any, map[string]string) {
	headers := map[string]string{"Content-Type": "application/json"}
	if key := c.settings.APIKey(ctx); key != "" {
		headers["X-API-Key"] = key
	}

	body := map[string]any{}
	switch kind {
	case "analyze_url":
		body["url"] = payload["url"]
		if source, ok := payload["context"].(string); ok && source != "" {
			headers["X-Request-Source"] = source
		}
	case "analyze_file_hash":
		hash := payload["hash"]
		if hash == nil {
			hash = payload["file_hash"]
		}
		body["file_hash"] = hash
	}
	return body, headers
}

// statusError turns a non-2xx response into an error, preferring the JSON
// error body and falling back to the status line.
func (c *Client) statusError(resp *http.Response, raw []byte) error {
	var parsed struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := ""
	if err := json.Unmarshal(raw, &parsed); err == nil {
		switch {
		case parsed.Detail != "":
			msg = parsed.Detail
		case parsed.Message != "":
			msg = parsed.Message
		case parsed.Error != "":
			msg = parsed.Error
		}
	}
	if msg == "" {
		msg = resp.Status
	}
	c.logger.Warn("fallback request failed",
		logging.Field{Key: "status", Value: resp.StatusCode},
		logging.Field{Key: "error", Value: msg})
	return fmt.Errorf("server error (HTTP %d): %s", resp.StatusCode, msg)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// IsTimeout reports whether err was caused by the request timeout rather
// than a server-side failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
