package demoserver

// Config holds configuration for the demo backend.
type Config struct {
	// Port is the port on which the demo backend listens.
	Port int

	// APIKey, when non-empty, is required from REST clients via the
	// X-API-Key header. WebSocket clients pass it as a query parameter.
	APIKey string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port: 9999,
	}
}
