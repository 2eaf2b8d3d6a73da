package cache

import (
	"testing"
	"time"

	"github.com/Rneeshka/Aegis/internal/logging"
	"github.com/Rneeshka/Aegis/internal/verdict"
)

func newTestCache(t *testing.T) (*ResultCache, *time.Time) {
	t.Helper()
	c := NewResultCache(DefaultConfig(), logging.NewTestLogger(false))
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	return c, &clock
}

func TestRoundTripWithinTTL(t *testing.T) {
	c, clock := newTestCache(t)
	v := &verdict.Verdict{Safe: verdict.Bool(true), Source: verdict.SourceChannel}

	c.Set("https://example.com/a", v)
	*clock = clock.Add(4 * time.Minute)

	if got := c.Get("https://example.com/a"); got != v {
		t.Fatalf("Get = %+v, want the stored verdict", got)
	}
}

func TestExpiredEntryEvictedOnRead(t *testing.T) {
	c, clock := newTestCache(t)
	c.Set("https://example.com/a", &verdict.Verdict{Safe: verdict.Bool(true)})

	*clock = clock.Add(5 * time.Minute)

	if got := c.Get("https://example.com/a"); got != nil {
		t.Fatalf("expected nil after TTL, got %+v", got)
	}
	if c.Len() != 0 {
		t.Fatalf("stale entry not evicted, len = %d", c.Len())
	}
}

func TestFragmentVariantsShareEntry(t *testing.T) {
	c, _ := newTestCache(t)
	v := &verdict.Verdict{Safe: verdict.Bool(false), ThreatType: "phishing"}

	c.Set("https://example.com/a#frag", v)

	if got := c.Get("https://example.com/a#other"); got != v {
		t.Fatalf("fragment variant missed cache: %+v", got)
	}
	if got := c.Get("https://example.com/a"); got != v {
		t.Fatalf("bare URL missed cache: %+v", got)
	}
}

func TestPoisonedSafeEntryDiscarded(t *testing.T) {
	c, _ := newTestCache(t)
	url := "https://secure.example.com/download/eicar.com"

	c.Set(url, &verdict.Verdict{Safe: verdict.Bool(true)})

	if got := c.Get(url); got != nil {
		t.Fatalf("poisoned safe entry must be discarded, got %+v", got)
	}
	if c.Len() != 0 {
		t.Fatal("poisoned entry not deleted")
	}
}

func TestPoisonedPatternUnsafeEntrySurvives(t *testing.T) {
	c, _ := newTestCache(t)
	url := "https://secure.example.com/download/eicar.com"
	v := &verdict.Verdict{Safe: verdict.Bool(false), ThreatType: "test-signature"}

	c.Set(url, v)

	// Only safe=true verdicts are distrusted for dangerous patterns.
	if got := c.Get(url); got != v {
		t.Fatalf("unsafe verdict for dangerous URL should be served, got %+v", got)
	}
}

func TestUnknownVerdictNotPoisoned(t *testing.T) {
	c, _ := newTestCache(t)
	url := "https://example.com/eicar-info-page"
	v := &verdict.Verdict{Safe: nil, Details: "undetermined"}

	c.Set(url, v)

	if got := c.Get(url); got != v {
		t.Fatalf("unknown verdict should be served, got %+v", got)
	}
}
