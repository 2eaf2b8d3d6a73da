package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Rneeshka/Aegis/internal/connstate"
	"github.com/Rneeshka/Aegis/internal/logging"
	"github.com/Rneeshka/Aegis/internal/verdict"
)

// SettingsSource supplies the backend address and credential at connect
// time, so a credential change only needs a ForceReconnect.
type SettingsSource interface {
	APIBase(ctx context.Context) string
	APIKey(ctx context.Context) string
}

// BroadcastFunc receives server-pushed messages that carry no requestId
// (notifications, async file-analysis updates).
type BroadcastFunc func(event string, payload map[string]any)

// envelope is the wire format in both directions.
type envelope struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

type outcome struct {
	payload map[string]any
	err     error
}

// pendingRequest is an in-flight exchange awaiting its correlated response
// or its timeout, whichever fires first. Entries are removed on
// resolution, rejection, or timeout, never left to accumulate.
type pendingRequest struct {
	id        string
	kind      string
	createdAt time.Time
	timer     *time.Timer
	done      chan outcome
}

func (p *pendingRequest) settle(o outcome) {
	if p.timer != nil {
		p.timer.Stop()
	}
	select {
	case p.done <- o:
	default:
	}
}

// Client owns the single logical connection to the backend and multiplexes
// concurrent request/response exchanges over it. All failures are
// recoverable: they reject only the requests in flight at that moment and
// schedule a reconnect, leaving callers free to use the fallback transport.
type Client struct {
	cfg      Config
	settings SettingsSource
	state    *connstate.State
	logger   logging.Logger

	// onOnline fires after every successful open, used to trigger
	// queued-request replay.
	onOnline  func()
	broadcast BroadcastFunc

	mu             sync.Mutex
	conn           *websocket.Conn
	gen            int
	stopHB         chan struct{}
	pending        map[string]*pendingRequest
	connectFuture  *connectFuture
	lastSeen       time.Time
	retryAttempt   int
	retryTimer     *time.Timer
	manuallyClosed bool

	writeMu sync.Mutex
}

type connectFuture struct {
	done chan struct{}
	err  error
}

// NewClient creates a channel client. state is required; onOnline and
// broadcast may be nil.
func NewClient(cfg Config, settings SettingsSource, state *connstate.State, logger logging.Logger, onOnline func(), broadcast BroadcastFunc) *Client {
	if logger == nil {
		logger = logging.NewStdoutLogger("Channel")
	}
	return &Client{
		cfg:       cfg.withDefaults(),
		settings:  settings,
		state:     state,
		logger:    logger.With(logging.Field{Key: "component", Value: "channel"}),
		onOnline:  onOnline,
		broadcast: broadcast,
		pending:   make(map[string]*pendingRequest),
	}
}

// BuildURL derives the channel URL from a configured base address:
// http→ws, https→wss (schemeless input defaults to wss), the path forced
// to the fixed endpoint regardless of anything in the base, and the API
// key attached as a query parameter when present.
func BuildURL(apiBase, apiKey, path string) (string, error) {
	base := strings.TrimSpace(apiBase)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
		// already a channel scheme
	default:
		base = "wss://" + base
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse api base %q: %w", apiBase, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api base %q has no host", apiBase)
	}
	// Misconfigured bases may carry unrelated path prefixes; only the
	// well-known endpoint is valid.
	u.Path = path
	u.Fragment = ""
	q := url.Values{}
	if apiKey != "" {
		q.Set("api_key", apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var apiKeyPattern = regexp.MustCompile(`api_key=[^&]+`)

func redactURL(s string) string {
	return apiKeyPattern.ReplaceAllString(s, "api_key=***")
}

// EnsureConnected is idempotent: concurrent callers share a single
// in-flight connection attempt, memoized until it settles either way.
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if f := c.connectFuture; f != nil {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &connectFuture{done: make(chan struct{})}
	c.connectFuture = f
	// Starting a fresh attempt expresses intent to be connected again.
	c.manuallyClosed = false
	c.mu.Unlock()

	f.err = c.connect(ctx)
	c.mu.Lock()
	c.connectFuture = nil
	c.mu.Unlock()
	close(f.done)
	return f.err
}

func (c *Client) connect(ctx context.Context) error {
	wsURL, err := BuildURL(c.settings.APIBase(ctx), c.settings.APIKey(ctx), c.cfg.Path)
	if err != nil {
		return err
	}
	c.logger.Info("connecting", logging.Field{Key: "url", Value: redactURL(wsURL)})

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		cerr := c.classifyDialError(err, resp)
		c.logger.Warn("connect failed", logging.Field{Key: "error", Value: cerr.Error()})
		c.state.MarkOffline()
		c.scheduleReconnect()
		return cerr
	}

	c.mu.Lock()
	if c.manuallyClosed {
		// Close arrived while the dial was in flight; it wins.
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.stopHB = make(chan struct{})
	stop := c.stopHB
	c.retryAttempt = 0
	c.lastSeen = time.Now()
	onOnline := c.onOnline
	c.mu.Unlock()

	c.state.MarkOnline()
	c.logger.Info("channel connected")

	go c.readLoop(conn, gen)
	go c.heartbeatLoop(conn, gen, stop)
	if onOnline != nil {
		go onOnline()
	}
	return nil
}

// SetOnOnline installs the hook fired after every successful dial. It
// exists for consumers that are constructed after the client itself.
func (c *Client) SetOnOnline(fn func()) {
	c.mu.Lock()
	c.onOnline = fn
	c.mu.Unlock()
}

// classifyDialError encodes the failure class so callers can distinguish
// endpoint-not-found from server-unreachable from handshake-timeout.
func (c *Client) classifyDialError(err error, resp *http.Response) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrConnectTimeout, c.cfg.ConnectTimeout)
	}
	if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest) {
		return &CloseError{Code: websocket.CloseProtocolError, Reason: resp.Status}
	}
	return fmt.Errorf("%s: %w", err.Error(), &CloseError{Code: websocket.CloseAbnormalClosure})
}

// Request assigns a process-unique request id, registers a pending entry
// with its own timeout timer, transmits the envelope and waits for the
// correlated inbound message. timeout <= 0 selects the configured default.
func (c *Client) Request(ctx context.Context, kind string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	if err := c.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := kind + "_" + uuid.NewString()
	p := &pendingRequest{
		id:        id,
		kind:      kind,
		createdAt: time.Now(),
		done:      make(chan outcome, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		if taken := c.takePending(id); taken != nil {
			taken.settle(outcome{err: fmt.Errorf("%s after %s: %w", kind, timeout, ErrRequestTimeout)})
		}
	})
	c.pending[id] = p
	c.mu.Unlock()

	msg := envelope{
		Type:      kind,
		RequestID: id,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.writeJSON(conn, msg); err != nil {
		if taken := c.takePending(id); taken != nil {
			taken.settle(outcome{})
		}
		return nil, fmt.Errorf("send %s: %w", kind, err)
	}

	select {
	case o := <-p.done:
		return o.payload, o.err
	case <-ctx.Done():
		if taken := c.takePending(id); taken != nil {
			taken.settle(outcome{})
		}
		return nil, ctx.Err()
	}
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// readLoop is the single entry point for inbound traffic on one
// connection. It exits when the connection dies, handing off to
// handleClose.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.handleMessage(data)
	}
}

// handleMessage dispatches one inbound frame by its type field,
// case-insensitive. Malformed frames are logged and dropped without
// touching other pending requests.
func (c *Client) handleMessage(data []byte) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		c.logger.Warn("dropping malformed message",
			logging.Field{Key: "error", Value: err.Error()})
		return
	}
	if m == nil {
		return
	}

	msgType, _ := m["type"].(string)
	requestID, _ := m["requestId"].(string)

	switch strings.ToLower(msgType) {
	case "pong", "hello":
		c.touchLiveness()

	case "analysis_result":
		c.touchLiveness()
		result := verdict.ExtractResult(m)
		if p := c.takePending(requestID); p != nil {
			p.settle(outcome{payload: result})
		}
		// Unmatched requestId: the request already timed out; drop.

	case "error":
		msg, _ := m["message"].(string)
		if msg == "" {
			msg = "server error"
		}
		if requestID == "" {
			return
		}
		if p := c.takePending(requestID); p != nil {
			p.settle(outcome{err: errors.New(msg)})
		}

	case "notification", "file_analysis_update", "scan_started":
		// Broadcast-style, never tied to a pending request.
		if c.broadcast != nil {
			payload, _ := m["payload"].(map[string]any)
			c.broadcast(strings.ToLower(msgType), payload)
		}

	default:
		c.logger.Debug("dropping message of unknown type",
			logging.Field{Key: "type", Value: msgType})
	}
}

func (c *Client) touchLiveness() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// heartbeatLoop sends a ping envelope on every interval and force-closes
// the connection when nothing has been heard for the staleness threshold.
// That guards against connections behind proxies/NAT that die without ever
// delivering a close frame.
func (c *Client) heartbeatLoop(conn *websocket.Conn, gen int, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastSeen) > c.cfg.staleness()
			c.mu.Unlock()

			if stale {
				c.logger.Warn("heartbeat stale, forcing reconnect")
				msg := websocket.FormatCloseMessage(closeHeartbeatTimeout, "heartbeat timeout")
				_ = c.writeControl(conn, msg)
				conn.Close()
				return
			}
			ping := envelope{Type: "ping", Timestamp: time.Now().UnixMilli()}
			if err := c.writeJSON(conn, ping); err != nil {
				c.logger.Warn("heartbeat send failed",
					logging.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

func (c *Client) writeControl(conn *websocket.Conn, msg []byte) error {
	return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// handleClose tears down one dead connection: rejects every in-flight
// request atomically, marks the process offline and, unless the close was
// caller-initiated, schedules a reconnect.
func (c *Client) handleClose(gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		// A newer connection already took over.
		c.mu.Unlock()
		return
	}
	conn, pend := c.teardownLocked()
	manual := c.manuallyClosed
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	cerr := closeErrorFrom(cause)
	c.logger.Warn("channel closed",
		logging.Field{Key: "code", Value: cerr.Code},
		logging.Field{Key: "error", Value: cerr.Error()},
		logging.Field{Key: "rejected_pending", Value: len(pend)})

	c.state.MarkOffline()
	for _, p := range pend {
		p.settle(outcome{err: fmt.Errorf("connection closed: %w", cerr)})
	}
	if !manual {
		c.scheduleReconnect()
	}
}

// teardownLocked detaches the live connection and drains the pending
// table. Caller holds mu.
func (c *Client) teardownLocked() (*websocket.Conn, []*pendingRequest) {
	conn := c.conn
	c.conn = nil
	c.gen++
	if c.stopHB != nil {
		close(c.stopHB)
		c.stopHB = nil
	}
	pend := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		pend = append(pend, p)
		delete(c.pending, id)
	}
	return conn, pend
}

func (c *Client) takePending(id string) *pendingRequest {
	if id == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

// scheduleReconnect arms a single reconnect attempt using the backoff
// table. The attempt counter resets only on a fully successful open.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.retryTimer != nil || c.manuallyClosed {
		c.mu.Unlock()
		return
	}
	delay := c.cfg.retryDelay(c.retryAttempt)
	attempt := c.retryAttempt
	c.retryAttempt++
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		c.mu.Unlock()
		if err := c.EnsureConnected(context.Background()); err != nil {
			c.scheduleReconnect()
		}
	})
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled",
		logging.Field{Key: "attempt", Value: attempt},
		logging.Field{Key: "delay", Value: delay.String()})
}

// Close marks the connection intentionally closed, suppressing
// auto-reconnect, tears down the heartbeat and flushes every pending
// request with a rejection.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	c.manuallyClosed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn, pend := c.teardownLocked()
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.writeControl(conn, msg)
		conn.Close()
	}
	for _, p := range pend {
		p.settle(outcome{err: fmt.Errorf("%w: %s", ErrClosed, reason)})
	}
}

// ForceReconnect clears the intentional-close flag and cycles the live
// connection, or dials if there is none. Used after credential changes.
func (c *Client) ForceReconnect() {
	c.mu.Lock()
	c.manuallyClosed = false
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseServiceRestart, "reconnecting")
		_ = c.writeControl(conn, msg)
		conn.Close()
		// readLoop observes the dead connection and schedules the dial.
		return
	}
	go func() {
		_ = c.EnsureConnected(context.Background())
	}()
}

// Connected reports whether a live connection is currently held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// PendingCount reports how many requests are in flight.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RetryAttempt reports the current backoff position, for diagnostics.
func (c *Client) RetryAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryAttempt
}
