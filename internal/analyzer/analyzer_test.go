package analyzer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Rneeshka/Aegis/internal/analyzer"
	"github.com/Rneeshka/Aegis/internal/cache"
	"github.com/Rneeshka/Aegis/internal/connstate"
	"github.com/Rneeshka/Aegis/internal/filescan"
	"github.com/Rneeshka/Aegis/internal/logging"
	"github.com/Rneeshka/Aegis/internal/queue"
	"github.com/Rneeshka/Aegis/internal/verdict"
)

// dummyChannel scripts the persistent path.
type dummyChannel struct {
	connected   bool
	connectErr  error
	response    map[string]any
	requestErr  error
	requests    int
	lastKind    string
	lastPayload map[string]any
}

func (d *dummyChannel) Connected() bool { return d.connected }

func (d *dummyChannel) EnsureConnected(context.Context) error {
	if d.connectErr == nil {
		d.connected = true
	}
	return d.connectErr
}

func (d *dummyChannel) Request(_ context.Context, kind string, payload map[string]any, _ time.Duration) (map[string]any, error) {
	d.requests++
	d.lastKind = kind
	d.lastPayload = payload
	return d.response, d.requestErr
}

// dummyTransport scripts the fallback path.
type dummyTransport struct {
	response map[string]any
	err      error
	requests int
	lastKind string
}

func (d *dummyTransport) Send(_ context.Context, kind string, payload map[string]any) (map[string]any, error) {
	d.requests++
	d.lastKind = kind
	return d.response, d.err
}

func filescanMeta() filescan.FileMeta {
	return filescan.FileMeta{FileName: "tool.exe", FileSize: 10, Context: "download"}
}

func newAnalyzer(ch *dummyChannel, tr *dummyTransport, state *connstate.State) (*analyzer.Analyzer, *cache.ResultCache, *queue.Queue) {
	logger := logging.NewTestLogger(false)
	rc := cache.NewResultCache(cache.DefaultConfig(), logger)
	q := queue.New(0, logger)
	if state == nil {
		state = connstate.New(nil)
	}
	return analyzer.New(analyzer.Config{}, ch, tr, rc, q, state, logger), rc, q
}

func TestAnalyzePrefersOpenChannel(t *testing.T) {
	ch := &dummyChannel{
		connected: true,
		response:  map[string]any{"safe": true, "details": "ok"},
	}
	tr := &dummyTransport{}
	a, _, _ := newAnalyzer(ch, tr, nil)

	res := a.Analyze(context.Background(), "https://ok.example/", analyzer.Options{Context: "popup"})
	if res.Safe == nil || !*res.Safe {
		t.Fatalf("verdict = %+v, want safe", res.Verdict)
	}
	if res.Source != verdict.SourceChannel {
		t.Errorf("source = %q, want channel", res.Source)
	}
	if tr.requests != 0 {
		t.Errorf("transport used %d times with an open channel", tr.requests)
	}
	if ch.lastPayload["url"] != "https://ok.example/" || ch.lastPayload["context"] != "popup" {
		t.Errorf("channel payload = %v", ch.lastPayload)
	}
}

func TestAnalyzeFallsBackToTransport(t *testing.T) {
	ch := &dummyChannel{connected: true, requestErr: errors.New("socket gone")}
	tr := &dummyTransport{response: map[string]any{"safe": false, "threat_type": "phishing"}}
	state := connstate.New(nil)
	a, _, _ := newAnalyzer(ch, tr, state)

	res := a.Analyze(context.Background(), "https://bad.example/", analyzer.Options{})
	if res.Safe == nil || *res.Safe {
		t.Fatalf("verdict = %+v, want unsafe", res.Verdict)
	}
	if res.Source != verdict.SourceTransport {
		t.Errorf("source = %q, want transport", res.Source)
	}
	if !state.Snapshot().IsOnline {
		t.Error("successful fallback should mark the backend online")
	}
}

func TestAnalyzeTransportFirstWhenChannelDown(t *testing.T) {
	ch := &dummyChannel{connected: false, connectErr: errors.New("refused")}
	tr := &dummyTransport{response: map[string]any{"safe": true}}
	a, _, _ := newAnalyzer(ch, tr, nil)

	res := a.Analyze(context.Background(), "https://ok.example/", analyzer.Options{})
	if res.Source != verdict.SourceTransport {
		t.Errorf("source = %q, want transport", res.Source)
	}
	if ch.requests != 0 {
		t.Errorf("channel requested %d times while down", ch.requests)
	}
}

func TestAnalyzeRaisesChannelAfterTransportFailure(t *testing.T) {
	ch := &dummyChannel{
		connected: false,
		response:  map[string]any{"safe": true},
	}
	tr := &dummyTransport{err: errors.New("http 502")}
	a, _, _ := newAnalyzer(ch, tr, nil)

	res := a.Analyze(context.Background(), "https://ok.example/", analyzer.Options{})
	if res.Source != verdict.SourceChannel {
		t.Errorf("source = %q, want channel rescue after transport failure", res.Source)
	}
}

func TestAnalyzeTotalFailureDegradesAndQueues(t *testing.T) {
	ch := &dummyChannel{connected: false, connectErr: errors.New("refused")}
	tr := &dummyTransport{err: errors.New("http 503")}
	a, rc, q := newAnalyzer(ch, tr, nil)

	res := a.Analyze(context.Background(), "https://down.example/", analyzer.Options{Context: "hover"})
	if res.Safe != nil {
		t.Fatal("total failure must keep safe undetermined")
	}
	if res.Source != verdict.SourceError {
		t.Errorf("source = %q, want error", res.Source)
	}
	if res.Details == "" {
		t.Error("degraded verdict should explain the failure")
	}
	if rc.Len() != 0 {
		t.Error("degraded verdicts must not be cached")
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1", q.Len())
	}
}

func TestAnalyzeCacheShortCircuits(t *testing.T) {
	ch := &dummyChannel{connected: true, response: map[string]any{"safe": true}}
	a, _, _ := newAnalyzer(ch, &dummyTransport{}, nil)

	url := "https://cached.example/page"
	a.Analyze(context.Background(), url, analyzer.Options{})
	if ch.requests != 1 {
		t.Fatalf("first call made %d channel requests", ch.requests)
	}

	res := a.Analyze(context.Background(), url+"#section", analyzer.Options{UseCache: true})
	if ch.requests != 1 {
		t.Errorf("cache hit still made a network request")
	}
	if res.Source != verdict.SourceCache {
		t.Errorf("source = %q, want cache", res.Source)
	}
}

func TestAnalyzeFileHash(t *testing.T) {
	ch := &dummyChannel{
		connected: true,
		response: map[string]any{
			"payload": map[string]any{"safe": false, "threat_type": "trojan", "details": "known sample"},
		},
	}
	a, _, _ := newAnalyzer(ch, &dummyTransport{}, nil)

	v, err := a.AnalyzeFileHash(context.Background(), "abc123", filescanMeta())
	if err != nil {
		t.Fatalf("AnalyzeFileHash failed: %v", err)
	}
	if v.Safe == nil || *v.Safe || v.ThreatType != "trojan" {
		t.Errorf("verdict = %+v", v)
	}
	if ch.lastKind != "analyze_file_hash" {
		t.Errorf("kind = %q", ch.lastKind)
	}
	if ch.lastPayload["hash"] != "abc123" || ch.lastPayload["file_name"] != "tool.exe" {
		t.Errorf("payload = %v", ch.lastPayload)
	}
}

func TestAnalyzeFileHashErrorsThrough(t *testing.T) {
	ch := &dummyChannel{connected: false, connectErr: errors.New("refused")}
	tr := &dummyTransport{err: errors.New("http 500")}
	a, _, _ := newAnalyzer(ch, tr, nil)

	if _, err := a.AnalyzeFileHash(context.Background(), "abc123", filescanMeta()); err == nil {
		t.Fatal("expected an error when every path fails")
	}
}

func TestReplayFailureDropsRequest(t *testing.T) {
	ch := &dummyChannel{connected: false, connectErr: errors.New("refused")}
	tr := &dummyTransport{err: errors.New("http 503")}
	a, _, q := newAnalyzer(ch, tr, nil)

	q.Enqueue(queue.Request{Kind: queue.KindURLCheck, SubjectURL: "https://down.example/"})

	a.ReplayQueued()
	if q.Len() != 0 {
		t.Fatalf("queue length after failed replay = %d, want 0", q.Len())
	}

	// A second recovery event must find nothing left to cycle.
	a.ReplayQueued()
	if got := tr.requests; got != 1 {
		t.Errorf("transport requests across both replays = %d, want 1", got)
	}
}

func TestReplayQueued(t *testing.T) {
	ch := &dummyChannel{connected: true, response: map[string]any{"safe": true}}
	a, rc, q := newAnalyzer(ch, &dummyTransport{}, nil)

	q.Enqueue(queue.Request{Kind: queue.KindURLCheck, SubjectURL: "https://one.example/"})
	q.Enqueue(queue.Request{Kind: queue.KindHover, SubjectURL: "https://two.example/"})

	a.ReplayQueued()

	if q.Len() != 0 {
		t.Errorf("queue length after replay = %d", q.Len())
	}
	if ch.requests != 2 {
		t.Errorf("channel requests = %d, want 2", ch.requests)
	}
	if rc.Get("https://one.example/") == nil || rc.Get("https://two.example/") == nil {
		t.Error("replayed verdicts should be cached")
	}
}
