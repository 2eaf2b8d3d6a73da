// Package settings is the durable configuration store: API address and
// credential, feature toggles, and the persisted connection-state snapshot
// used for warm resume. Verdicts are deliberately never stored here.
package settings

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rneeshka/Aegis/internal/connstate"
	"github.com/Rneeshka/Aegis/internal/logging"
	"github.com/Rneeshka/Aegis/internal/urlutil"
)

//go:embed schema.sql
var schemaFS embed.FS

// Well-known setting keys.
const (
	KeyAPIBase          = "apiBase"
	KeyAPIKey           = "apiKey"
	KeyAntivirusEnabled = "antivirusEnabled"
	KeyLinkCheck        = "linkCheck"
	KeyHoverScan        = "hoverScan"
	KeyNotify           = "notify"
	KeyConnectionState  = "connectionState"
)

// DefaultAPIBase is used whenever no base address is configured or the
// configured one is unusable.
const DefaultAPIBase = "https://api.aegis.builders"

// Defaults mirror a fresh installation: protection on everywhere.
var Defaults = map[string]string{
	KeyAntivirusEnabled: "true",
	KeyLinkCheck:        "true",
	KeyHoverScan:        "true",
	KeyNotify:           "true",
}

// ChangeFunc observes committed setting changes.
type ChangeFunc func(changed map[string]string)

// Store persists settings in SQLite and fans out change notifications.
// Reads degrade to defaults on storage failure rather than erroring the
// caller.
type Store struct {
	db     *sql.DB
	logger logging.Logger

	mu   sync.Mutex
	subs map[string]ChangeFunc
}

// NewStore returns a Store and runs migrations from schema.sql.
func NewStore(db *sql.DB, logger logging.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("Settings")
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger,
		subs:   make(map[string]ChangeFunc),
	}, nil
}

// Get fetches the requested keys, filling misses (and any storage failure)
// from defaults.
func (s *Store) Get(ctx context.Context, keys []string, defaults map[string]string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := defaults[k]; ok {
			out[k] = v
		}
	}

	for _, k := range keys {
		var value string
		err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, k).Scan(&value)
		switch err {
		case nil:
			out[k] = value
		case sql.ErrNoRows:
			// keep default
		default:
			s.logger.Warn("settings read failed, using default",
				logging.Field{Key: "key", Value: k},
				logging.Field{Key: "error", Value: err.Error()})
		}
	}
	return out
}

// Set upserts the given values and notifies subscribers once the write is
// committed.
func (s *Store) Set(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings tx: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for k, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, v, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert setting %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}

	s.notify(values)
	return nil
}

// OnChange registers a change observer and returns an unsubscribe func.
func (s *Store) OnChange(fn ChangeFunc) func() {
	id := uuid.New().String()
	s.mu.Lock()
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(changed map[string]string) {
	s.mu.Lock()
	subs := make([]ChangeFunc, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(changed)
	}
}

// APIBase returns the sanitized backend base address.
func (s *Store) APIBase(ctx context.Context) string {
	got := s.Get(ctx, []string{KeyAPIBase}, nil)
	return urlutil.SanitizeAPIBase(got[KeyAPIBase], DefaultAPIBase)
}

// APIKey returns the configured API key, empty when absent.
func (s *Store) APIKey(ctx context.Context) string {
	return s.Get(ctx, []string{KeyAPIKey}, nil)[KeyAPIKey]
}

// FeatureEnabled reports a boolean toggle, honoring Defaults.
func (s *Store) FeatureEnabled(ctx context.Context, key string) bool {
	return s.Get(ctx, []string{key}, Defaults)[key] == "true"
}

// SaveConnectionState persists a connection-state snapshot. Failures are
// logged and swallowed: persistence is opportunistic.
func (s *Store) SaveConnectionState(snap connstate.Snapshot) {
	encoded, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.Set(context.Background(), map[string]string{KeyConnectionState: string(encoded)}); err != nil {
		s.logger.Warn("persisting connection state failed",
			logging.Field{Key: "error", Value: err.Error()})
	}
}

// LoadConnectionState rehydrates the persisted snapshot, if any.
func (s *Store) LoadConnectionState(ctx context.Context) (connstate.Snapshot, bool) {
	raw := s.Get(ctx, []string{KeyConnectionState}, nil)[KeyConnectionState]
	if raw == "" {
		return connstate.Snapshot{}, false
	}
	var snap connstate.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return connstate.Snapshot{}, false
	}
	return snap, true
}
