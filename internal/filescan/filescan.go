// Package filescan implements the download inspection pipeline: decide
// whether a URL points at a scannable file, fetch it with a hard size
// cap, hash it, and ask the backend for a verdict on the hash. Raw file
// bytes never leave the process.
package filescan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Rneeshka/Aegis/internal/logging"
	"github.com/Rneeshka/Aegis/internal/urlutil"
	"github.com/Rneeshka/Aegis/internal/verdict"
)

// Scan outcome statuses.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusError     = "error"
)

// ErrFileTooLarge marks a file whose size exceeds the fast-scan cap.
var ErrFileTooLarge = errors.New("file exceeds the fast-scan size limit")

// DefaultExtensions lists the path suffixes treated as downloadable
// files worth scanning.
var DefaultExtensions = []string{
	".exe", ".msi", ".apk", ".bat", ".cmd", ".scr", ".ps1",
	".js", ".jar", ".vbs", ".py", ".zip", ".rar", ".7z", ".gz", ".tar",
	".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
	".pdf", ".rtf", ".iso", ".img",
}

// Config controls the scan pipeline.
type Config struct {
	// Extensions gates which URLs enter the pipeline at all.
	Extensions []string
	// MaxSize is the fast-scan cap in bytes. Larger files are skipped,
	// not failed.
	MaxSize int64
	// FetchTimeout bounds the download of the file body.
	FetchTimeout time.Duration
	// CacheTTL is how long a scan report stays usable.
	CacheTTL time.Duration
}

// DefaultConfig returns the standard pipeline settings.
func DefaultConfig() Config {
	return Config{
		Extensions:   DefaultExtensions,
		MaxSize:      15 * 1024 * 1024,
		FetchTimeout: 20 * time.Second,
		CacheTTL:     24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Extensions) == 0 {
		c.Extensions = d.Extensions
	}
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	return c
}

// FileMeta accompanies a hash lookup so the backend can log provenance.
type FileMeta struct {
	FileName string
	FileSize int64
	Context  string
}

// HashAnalyzer resolves a file hash to a verdict.
type HashAnalyzer interface {
	AnalyzeFileHash(ctx context.Context, hash string, meta FileMeta) (*verdict.Verdict, error)
}

// Report is the outcome of one file scan.
type Report struct {
	Status   string `json:"status"`
	Verdict  string `json:"verdict"`
	Safe     *bool  `json:"safe"`
	Hash     string `json:"hash,omitempty"`
	Details  string `json:"details,omitempty"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

// Malicious reports whether the scan concluded the file is dangerous.
func (r Report) Malicious() bool {
	return r.Safe != nil && !*r.Safe
}

// NotificationLevel maps a report to the alert severity shown to the
// user. Skipped scans are informational: the download proceeded and the
// user should stay cautious, but nothing was found wrong.
func (r Report) NotificationLevel() string {
	switch {
	case r.Status == StatusSkipped:
		return "info"
	case r.Malicious():
		return "danger"
	case r.Status == StatusCompleted && r.Safe != nil && *r.Safe:
		return "success"
	default:
		return "warning"
	}
}

type cacheEntry struct {
	report  Report
	addedAt time.Time
}

// Scanner runs file scans and keeps completed reports in memory for
// CacheTTL. Reports are never persisted locally.
type Scanner struct {
	cfg      Config
	analyzer HashAnalyzer
	client   *http.Client
	logger   logging.Logger

	// Broadcast, when set, is invoked with every stored report.
	Broadcast func(subjectURL string, report Report)

	mu       sync.Mutex
	cache    map[string]cacheEntry
	inflight map[string]struct{}

	now func() time.Time
}

// NewScanner creates a Scanner backed by the given hash analyzer.
func NewScanner(cfg Config, analyzer HashAnalyzer, logger logging.Logger) *Scanner {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NewStdoutLogger("FileScan")
	}
	return &Scanner{
		cfg:      cfg,
		analyzer: analyzer,
		client:   &http.Client{},
		logger:   logger,
		cache:    make(map[string]cacheEntry),
		inflight: make(map[string]struct{}),
		now:      time.Now,
	}
}

// Scannable reports whether the URL's path ends in a watched extension.
func (s *Scanner) Scannable(rawURL string) bool {
	return urlutil.IsFileURL(rawURL, s.cfg.Extensions)
}

// Hint returns a previously stored report when one is still fresh.
func (s *Scanner) Hint(rawURL string) (Report, bool) {
	key := urlutil.CacheKey(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok {
		return Report{}, false
	}
	if s.now().Sub(entry.addedAt) > s.cfg.CacheTTL {
		delete(s.cache, key)
		return Report{}, false
	}
	return entry.report, true
}

// Scan runs the full pipeline for a file URL. It always returns a
// Report describing the outcome: transport and size problems surface as
// error or skipped reports, not bare errors. The report is cached and
// broadcast before returning. A second Scan for a URL already in flight
// returns immediately with ok=false.
func (s *Scanner) Scan(ctx context.Context, rawURL string) (Report, bool) {
	if report, ok := s.Hint(rawURL); ok {
		return report, true
	}

	key := urlutil.CacheKey(rawURL)
	s.mu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		return Report{}, false
	}
	s.inflight[key] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	fileName := urlutil.FileName(rawURL)
	report := s.scan(ctx, rawURL, fileName)
	s.store(rawURL, report)
	return report, true
}

func (s *Scanner) scan(ctx context.Context, rawURL, fileName string) Report {
	body, size, err := s.fetch(ctx, rawURL)
	if err != nil {
		if errors.Is(err, ErrFileTooLarge) {
			return Report{
				Status:   StatusSkipped,
				Verdict:  verdict.LabelUnknown,
				Details:  fmt.Sprintf("file exceeds the %d MiB fast-scan limit", s.cfg.MaxSize/(1024*1024)),
				FileName: fileName,
			}
		}
		return Report{
			Status:   StatusError,
			Verdict:  verdict.LabelUnknown,
			Details:  err.Error(),
			FileName: fileName,
		}
	}

	hash := HashBytes(body)
	v, err := s.analyzer.AnalyzeFileHash(ctx, hash, FileMeta{
		FileName: fileName,
		FileSize: size,
		Context:  "download",
	})
	if err != nil || v == nil {
		details := "analysis unavailable"
		if err != nil {
			details = err.Error()
		}
		return Report{
			Status:   StatusError,
			Verdict:  verdict.LabelUnknown,
			Hash:     hash,
			Details:  details,
			FileName: fileName,
			FileSize: size,
		}
	}

	return Report{
		Status:   StatusCompleted,
		Verdict:  v.Label(),
		Safe:     v.Safe,
		Hash:     hash,
		Details:  v.Details,
		FileName: fileName,
		FileSize: size,
	}
}

// fetch downloads the file body, enforcing MaxSize both on the declared
// Content-Length and on the actual byte count.
func (s *Scanner) fetch(ctx context.Context, rawURL string) ([]byte, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("building fetch request: %w", err)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching file: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, 0, fmt.Errorf("fetching file: HTTP %d", res.StatusCode)
	}
	if res.ContentLength > s.cfg.MaxSize {
		return nil, 0, ErrFileTooLarge
	}

	// Read one byte past the cap so an understated Content-Length still
	// trips the limit.
	body, err := io.ReadAll(io.LimitReader(res.Body, s.cfg.MaxSize+1))
	if err != nil {
		return nil, 0, fmt.Errorf("reading file body: %w", err)
	}
	if int64(len(body)) > s.cfg.MaxSize {
		return nil, 0, ErrFileTooLarge
	}
	return body, int64(len(body)), nil
}

func (s *Scanner) store(rawURL string, report Report) {
	key := urlutil.CacheKey(rawURL)
	s.mu.Lock()
	s.cache[key] = cacheEntry{report: report, addedAt: s.now()}
	s.mu.Unlock()

	s.logger.Info("file scan stored",
		logging.Field{Key: "file", Value: report.FileName},
		logging.Field{Key: "status", Value: report.Status},
		logging.Field{Key: "verdict", Value: report.Verdict})

	if s.Broadcast != nil {
		s.Broadcast(rawURL, report)
	}
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
