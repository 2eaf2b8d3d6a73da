// Package analyzer coordinates the analysis paths: result cache first,
// then the persistent channel, then the stateless transport fallback.
// Every public operation resolves to a usable verdict. Total failure
// produces a degraded unknown verdict, never an error the caller has to
// translate themselves.
package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/Rneeshka/Aegis/internal/cache"
	"github.com/Rneeshka/Aegis/internal/connstate"
	"github.com/Rneeshka/Aegis/internal/filescan"
	"github.com/Rneeshka/Aegis/internal/logging"
	"github.com/Rneeshka/Aegis/internal/queue"
	"github.com/Rneeshka/Aegis/internal/verdict"
)

// Channel is the persistent-connection analysis path.
type Channel interface {
	Connected() bool
	EnsureConnected(ctx context.Context) error
	Request(ctx context.Context, kind string, payload map[string]any, timeout time.Duration) (map[string]any, error)
}

// Transport is the stateless fallback path.
type Transport interface {
	Send(ctx context.Context, kind string, payload map[string]any) (map[string]any, error)
}

// Options tune one Analyze call.
type Options struct {
	// UseCache consults the result cache before any network path.
	UseCache bool
	// Context labels the request origin (hover, link_check, popup, ...)
	// for backend-side logging.
	Context string
}

// Config holds the orchestration settings.
type Config struct {
	// ChannelTimeout bounds one channel request. Zero selects the
	// channel's own default.
	ChannelTimeout time.Duration
	// ReplayTimeout bounds one replayed queue entry.
	ReplayTimeout time.Duration
}

// DefaultConfig returns the standard orchestration settings.
func DefaultConfig() Config {
	return Config{ReplayTimeout: 10 * time.Second}
}

// Result is a verdict optionally enriched with what the file pipeline
// knows about the same URL.
type Result struct {
	*verdict.Verdict
	FileAnalysis *filescan.Report `json:"file_analysis,omitempty"`
}

// Analyzer routes analysis requests across the paths and keeps the
// shared cache, queue, and connection state coherent.
type Analyzer struct {
	cfg       Config
	channel   Channel
	transport Transport
	cache     *cache.ResultCache
	queue     *queue.Queue
	state     *connstate.State
	files     *filescan.Scanner
	logger    logging.Logger
}

// New creates an Analyzer. The file scanner is attached separately
// because it needs the Analyzer for hash lookups.
func New(cfg Config, ch Channel, tr Transport, rc *cache.ResultCache, q *queue.Queue, state *connstate.State, logger logging.Logger) *Analyzer {
	if cfg.ReplayTimeout <= 0 {
		cfg.ReplayTimeout = DefaultConfig().ReplayTimeout
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("Analyzer")
	}
	return &Analyzer{
		cfg:       cfg,
		channel:   ch,
		transport: tr,
		cache:     rc,
		queue:     q,
		state:     state,
		logger:    logger,
	}
}

// AttachFileScanner wires the file pipeline in for verdict enrichment.
func (a *Analyzer) AttachFileScanner(s *filescan.Scanner) { a.files = s }

// Analyze resolves a verdict for rawURL. It always returns a usable
// Result: when every path fails the verdict is the degraded unknown one
// and the request is queued for replay after reconnection.
func (a *Analyzer) Analyze(ctx context.Context, rawURL string, opts Options) Result {
	return a.analyze(ctx, rawURL, opts, true)
}

// analyze is the shared path behind Analyze and ReplayQueued. deferrable
// controls whether a total failure lands in the replay queue: replayed
// requests must not, or a dead backend cycles them forever.
func (a *Analyzer) analyze(ctx context.Context, rawURL string, opts Options, deferrable bool) Result {
	if opts.UseCache {
		if v := a.cache.Get(rawURL); v != nil {
			hit := *v
			hit.Source = verdict.SourceCache
			return a.enrich(rawURL, &hit)
		}
	}

	raw, source, err := a.request(ctx, "analyze_url", map[string]any{
		"url":     rawURL,
		"context": opts.Context,
	})
	if err != nil {
		a.logger.Warn("analysis failed on every path",
			logging.Field{Key: "url", Value: rawURL},
			logging.Field{Key: "error", Value: err.Error()})
		if deferrable {
			a.queue.Enqueue(queue.Request{
				Kind:       kindForContext(opts.Context),
				SubjectURL: rawURL,
				Context:    map[string]any{"context": opts.Context},
			})
		}
		return a.enrich(rawURL, verdict.ErrorVerdict(rawURL, err.Error()))
	}

	v := verdict.Normalize(raw, rawURL)
	if v == nil {
		v = &verdict.Verdict{SubjectURL: rawURL}
	}
	v.Source = source
	a.cache.Set(rawURL, v)
	return a.enrich(rawURL, v)
}

// AnalyzeFileHash resolves a verdict for a file hash. Unlike Analyze it
// returns errors: the file pipeline has its own report states for them.
func (a *Analyzer) AnalyzeFileHash(ctx context.Context, hash string, meta filescan.FileMeta) (*verdict.Verdict, error) {
	payload := map[string]any{
		"hash":    hash,
		"context": meta.Context,
	}
	if meta.FileName != "" {
		payload["file_name"] = meta.FileName
	}
	if meta.FileSize > 0 {
		payload["file_size"] = meta.FileSize
	}

	raw, source, err := a.request(ctx, "analyze_file_hash", payload)
	if err != nil {
		return nil, err
	}
	v := verdict.Normalize(raw, "")
	if v == nil {
		return nil, fmt.Errorf("unusable analysis payload for hash %s", hash)
	}
	v.Source = source
	return v, nil
}

// request picks the path. With the channel open it goes channel first
// and falls back to transport on any failure. With the channel down it
// goes transport first, then tries to raise the channel as a second
// chance before giving up.
func (a *Analyzer) request(ctx context.Context, kind string, payload map[string]any) (map[string]any, verdict.Source, error) {
	if a.channel.Connected() {
		raw, err := a.channel.Request(ctx, kind, payload, a.cfg.ChannelTimeout)
		if err == nil {
			return raw, verdict.SourceChannel, nil
		}
		a.logger.Warn("channel request failed, falling back",
			logging.Field{Key: "kind", Value: kind},
			logging.Field{Key: "error", Value: err.Error()})

		raw, terr := a.transport.Send(ctx, kind, payload)
		if terr == nil {
			a.state.MarkOnline()
			return raw, verdict.SourceTransport, nil
		}
		return nil, "", fmt.Errorf("fallback after channel failure: %w", terr)
	}

	raw, terr := a.transport.Send(ctx, kind, payload)
	if terr == nil {
		a.state.MarkOnline()
		return raw, verdict.SourceTransport, nil
	}

	if cerr := a.channel.EnsureConnected(ctx); cerr == nil {
		raw, err := a.channel.Request(ctx, kind, payload, a.cfg.ChannelTimeout)
		if err == nil {
			return raw, verdict.SourceChannel, nil
		}
	}
	return nil, "", fmt.Errorf("backend unavailable: %w", terr)
}

// enrich attaches the file pipeline's view of a file URL. Non-file URLs
// pass through untouched.
func (a *Analyzer) enrich(rawURL string, v *verdict.Verdict) Result {
	res := Result{Verdict: v}
	if a.files == nil || !a.files.Scannable(rawURL) {
		return res
	}
	if report, ok := a.files.Hint(rawURL); ok {
		res.FileAnalysis = &report
		return res
	}
	res.FileAnalysis = &filescan.Report{
		Status:  "pending",
		Verdict: "pending",
		Details: "file will be scanned automatically on download",
	}
	return res
}

// ReplayQueued re-runs every deferred request. Entries that still fail
// are logged by the queue and dropped, never re-enqueued.
func (a *Analyzer) ReplayQueued() {
	a.queue.DrainAndReplay(func(req queue.Request) error {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ReplayTimeout)
		defer cancel()

		res := a.analyze(ctx, req.SubjectURL, Options{Context: string(req.Kind)}, false)
		if res.Source == verdict.SourceError {
			return fmt.Errorf("replay still failing: %s", res.Details)
		}
		return nil
	})
}

func kindForContext(context string) queue.Kind {
	if context == "hover" {
		return queue.KindHover
	}
	return queue.KindURLCheck
}
