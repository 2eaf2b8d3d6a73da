package channel

import "time"

// Config tunes the persistent channel client. The three timers protect
// different failure classes and are deliberately independent: connect
// timeout (handshake never completes), request timeout (response never
// arrives), heartbeat staleness (connection silently dead).
type Config struct {
	// Path is the fixed well-known channel endpoint. Any path present in
	// the configured base address is discarded in favor of this one.
	Path string

	// ConnectTimeout bounds the dial + handshake.
	ConnectTimeout time.Duration

	// RequestTimeout is the default per-request response timeout,
	// overridable per call.
	RequestTimeout time.Duration

	// HeartbeatInterval is how often a ping envelope is sent while
	// connected.
	HeartbeatInterval time.Duration

	// StalenessFactor multiplies RequestTimeout to get the no-traffic
	// threshold after which the connection is force-closed as dead.
	StalenessFactor int

	// RetryDelays is the backoff table indexed by attempt count, clamped
	// to the last entry.
	RetryDelays []time.Duration
}

// DefaultConfig returns a Config populated with production defaults.
func DefaultConfig() Config {
	return Config{
		Path:              "/ws",
		ConnectTimeout:    10 * time.Second,
		RequestTimeout:    15 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		StalenessFactor:   3,
		RetryDelays: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
			30 * time.Second,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.StalenessFactor <= 0 {
		c.StalenessFactor = def.StalenessFactor
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = def.RetryDelays
	}
	return c
}

// staleness is the silent-death threshold for the heartbeat watchdog.
func (c Config) staleness() time.Duration {
	return time.Duration(c.StalenessFactor) * c.RequestTimeout
}

// retryDelay returns the backoff for the given attempt, clamped to the
// last table entry.
func (c Config) retryDelay(attempt int) time.Duration {
	if attempt >= len(c.RetryDelays) {
		attempt = len(c.RetryDelays) - 1
	}
	return c.RetryDelays[attempt]
}
