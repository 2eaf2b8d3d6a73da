package channel

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// closeHeartbeatTimeout is the private close code sent when the heartbeat
// watchdog decides the connection is silently dead.
const closeHeartbeatTimeout = 4001

// Sentinel errors for caller-side classification.
var (
	ErrNotConnected   = errors.New("channel not connected")
	ErrConnectTimeout = errors.New("channel connect timeout")
	ErrRequestTimeout = errors.New("channel request timeout")
	ErrClosed         = errors.New("channel closed")
)

// CloseError carries the close code of a failed or torn-down connection so
// callers can distinguish endpoint-not-found from server-unreachable from
// going-away.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	switch e.Code {
	case websocket.CloseAbnormalClosure:
		return "channel connection failed (server unreachable or connection refused)"
	case websocket.CloseProtocolError, websocket.CloseUnsupportedData:
		return "channel endpoint not found, check server configuration"
	case websocket.CloseGoingAway:
		return "channel going away (server shutdown or restart)"
	case closeHeartbeatTimeout:
		return "channel heartbeat timeout"
	default:
		if e.Reason != "" {
			return fmt.Sprintf("channel closed: %s (code %d)", e.Reason, e.Code)
		}
		return fmt.Sprintf("channel closed (code %d)", e.Code)
	}
}

// closeErrorFrom maps a read-side error to a CloseError, defaulting to
// abnormal closure when no close frame was received.
func closeErrorFrom(err error) *CloseError {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	return &CloseError{Code: websocket.CloseAbnormalClosure}
}
