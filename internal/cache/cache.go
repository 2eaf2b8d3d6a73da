package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/Rneeshka/Aegis/internal/logging"
	"github.com/Rneeshka/Aegis/internal/urlutil"
	"github.com/Rneeshka/Aegis/internal/verdict"
)

// Config contains the result-cache tuning knobs.
type Config struct {
	// TTL is how long an entry may serve lookups. Stale entries are
	// evicted lazily on read, never swept.
	TTL time.Duration

	// PoisonedPatterns are lowercase substrings of known-dangerous test
	// URLs. A cached safe=true verdict for a matching URL is distrusted
	// and dropped on read.
	PoisonedPatterns []string
}

// DefaultConfig returns a Config populated with the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL: 5 * time.Minute,
		PoisonedPatterns: []string{
			"eicar",
			"testfile",
			"malware-test",
			"virus-test",
			"download-anti-malware-testfile",
		},
	}
}

type entry struct {
	verdict  *verdict.Verdict
	cachedAt time.Time
}

// ResultCache is an in-memory, time-bounded verdict cache keyed by
// normalized URL. It is never persisted; a restarted process starts cold
// and rebuilds it from network traffic.
type ResultCache struct {
	cfg    Config
	logger logging.Logger

	mu      sync.Mutex
	entries map[string]entry

	now func() time.Time
}

// NewResultCache creates an empty cache.
func NewResultCache(cfg Config, logger logging.Logger) *ResultCache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("ResultCache")
	}
	return &ResultCache{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the cached verdict for url, or nil when absent, expired, or
// poisoned. Expired and poisoned entries are deleted on the way out.
func (c *ResultCache) Get(url string) *verdict.Verdict {
	key := urlutil.CacheKey(url)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.now().Sub(e.cachedAt) >= c.cfg.TTL {
		delete(c.entries, key)
		return nil
	}
	if e.verdict == nil {
		delete(c.entries, key)
		return nil
	}
	if c.poisoned(key, e.verdict) {
		c.logger.Warn("discarding poisoned cache entry",
			logging.Field{Key: "url", Value: key})
		delete(c.entries, key)
		return nil
	}
	return e.verdict
}

// Set stores a verdict under the normalized key. Nil verdicts are not
// cacheable.
func (c *ResultCache) Set(url string, v *verdict.Verdict) {
	if v == nil {
		return
	}
	key := urlutil.CacheKey(url)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{verdict: v, cachedAt: c.now()}
}

// Len reports the number of entries currently held, stale ones included.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// poisoned reports whether a safe=true verdict is cached for a URL that
// matches a known-dangerous naming pattern.
func (c *ResultCache) poisoned(key string, v *verdict.Verdict) bool {
	if v.Safe == nil || !*v.Safe {
		return false
	}
	lower := strings.ToLower(key)
	for _, pattern := range c.cfg.PoisonedPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
