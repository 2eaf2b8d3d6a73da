package diag_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/Rneeshka/Aegis/internal/analyzer"
	"github.com/Rneeshka/Aegis/internal/connstate"
	"github.com/Rneeshka/Aegis/internal/diag"
	"github.com/Rneeshka/Aegis/internal/logging"
	"github.com/Rneeshka/Aegis/internal/settings"
	"github.com/Rneeshka/Aegis/internal/verdict"
)

type dummyAnalyzer struct {
	lastURL  string
	lastOpts analyzer.Options
	result   analyzer.Result
}

func (d *dummyAnalyzer) Analyze(_ context.Context, rawURL string, opts analyzer.Options) analyzer.Result {
	d.lastURL = rawURL
	d.lastOpts = opts
	return d.result
}

type dummyChannel struct {
	connected  bool
	pending    int
	retry      int
	reconnects int
}

func (d *dummyChannel) Connected() bool   { return d.connected }
func (d *dummyChannel) PendingCount() int { return d.pending }
func (d *dummyChannel) RetryAttempt() int { return d.retry }
func (d *dummyChannel) ForceReconnect()   { d.reconnects++ }

type fixedSize int

func (f fixedSize) Len() int { return int(f) }

func newTestServer(t *testing.T, ua diag.URLAnalyzer, ch diag.ChannelStatus) (*diag.Server, *settings.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("failed to open in-memory db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := settings.NewStore(db, logging.NewTestLogger(false))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	state := connstate.New(nil)
	state.MarkOnline()

	s := diag.NewServer(diag.Config{}, ua, ch, store, state, nil,
		fixedSize(3), fixedSize(1), logging.NewTestLogger(false))
	return s, store
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, &dummyAnalyzer{}, &dummyChannel{})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatusReportsCounters(t *testing.T) {
	ch := &dummyChannel{connected: true, pending: 2, retry: 0}
	s, _ := newTestServer(t, &dummyAnalyzer{}, ch)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["channel_open"] != true {
		t.Error("channel_open should be true")
	}
	if body["cache_size"].(float64) != 3 || body["queue_size"].(float64) != 1 {
		t.Errorf("sizes = %v / %v", body["cache_size"], body["queue_size"])
	}
	if body["pending_requests"].(float64) != 2 {
		t.Errorf("pending_requests = %v", body["pending_requests"])
	}
}

func TestCheckRunsAnalysis(t *testing.T) {
	ua := &dummyAnalyzer{result: analyzer.Result{
		Verdict: &verdict.Verdict{Safe: verdict.Bool(true), Source: verdict.SourceChannel},
	}}
	s, _ := newTestServer(t, ua, &dummyChannel{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/check", strings.NewReader(`{"url":"https://ok.example/","context":"hover"}`))
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ua.lastURL != "https://ok.example/" {
		t.Errorf("analyzed %q", ua.lastURL)
	}
	if !ua.lastOpts.UseCache || ua.lastOpts.Context != "hover" {
		t.Errorf("opts = %+v", ua.lastOpts)
	}

	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["safe"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestCheckFreshSkipsCache(t *testing.T) {
	ua := &dummyAnalyzer{result: analyzer.Result{Verdict: &verdict.Verdict{}}}
	s, _ := newTestServer(t, ua, &dummyChannel{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/check", strings.NewReader(`{"url":"https://ok.example/","fresh":true}`))
	s.ServeHTTP(rec, req)

	if ua.lastOpts.UseCache {
		t.Error("fresh request must bypass the cache")
	}
}

func TestCheckRejectsMissingURL(t *testing.T) {
	s, _ := newTestServer(t, &dummyAnalyzer{}, &dummyChannel{})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/check", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCheckHonorsDisabledToggle(t *testing.T) {
	ua := &dummyAnalyzer{result: analyzer.Result{Verdict: &verdict.Verdict{}}}
	s, store := newTestServer(t, ua, &dummyChannel{})

	if err := store.Set(context.Background(), map[string]string{settings.KeyLinkCheck: "false"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/check", strings.NewReader(`{"url":"https://ok.example/"}`)))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 when link checking is off", rec.Code)
	}
	if ua.lastURL != "" {
		t.Error("analysis ran despite the disabled toggle")
	}
}

func TestUpdateSettingsForcesReconnectOnKeyChange(t *testing.T) {
	ch := &dummyChannel{}
	s, store := newTestServer(t, &dummyAnalyzer{}, ch)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/settings", strings.NewReader(`{"apiKey":"fresh-key"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ch.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", ch.reconnects)
	}
	if got := store.APIKey(context.Background()); got != "fresh-key" {
		t.Errorf("stored apiKey = %q", got)
	}

	// A toggle change alone must not cycle the socket.
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/settings", strings.NewReader(`{"notify":"false"}`)))
	if ch.reconnects != 1 {
		t.Errorf("reconnects after toggle change = %d, want still 1", ch.reconnects)
	}
}

func TestGetSettingsOmitsAPIKey(t *testing.T) {
	s, store := newTestServer(t, &dummyAnalyzer{}, &dummyChannel{})
	if err := store.Set(context.Background(), map[string]string{settings.KeyAPIKey: "secret"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/settings", nil))

	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if _, ok := body[settings.KeyAPIKey]; ok {
		t.Error("settings response must not expose the API key")
	}
	if body[settings.KeyAPIBase] != settings.DefaultAPIBase {
		t.Errorf("apiBase = %q", body[settings.KeyAPIBase])
	}
}

func TestScanFileDisabled(t *testing.T) {
	s, _ := newTestServer(t, &dummyAnalyzer{}, &dummyChannel{})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scan/file", strings.NewReader(`{"url":"https://x.example/a.exe"}`)))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 with no file pipeline", rec.Code)
	}
}
