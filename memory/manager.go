package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/becomeliminal/nim-recall/core"
	recallerr "github.com/becomeliminal/nim-recall/errors"
)

// Config holds Manager configuration.
type Config struct {
	// SearchLimit is the number of hits Recall returns when the caller passes no limit.
	// Default: 3
	SearchLimit int

	// ScopeToUser restricts Recall to records owned by the caller's uid.
	// Default: false (search across every owner)
	ScopeToUser bool
}

// DefaultConfig returns the retrieval defaults.
var DefaultConfig = &Config{
	SearchLimit: 3,
	ScopeToUser: false,
}

// Manager embeds and persists messages and runs similarity searches.
// It is safe for concurrent use.
type Manager struct {
	store    Store
	embedder Embedder
	config   *Config
	logger   *slog.Logger

	// halted is set after a dimension mismatch and cleared by Forget.
	halted atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a Manager.
func NewManager(store Store, embedder Embedder, config *Config, opts ...Option) *Manager {
	if config == nil {
		config = DefaultConfig
	}
	m := &Manager{
		store:    store,
		embedder: embedder,
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "memory")
	return m
}

// Dimensions returns the vector size the embedder produces.
func (m *Manager) Dimensions() int {
	return m.embedder.Dimensions()
}

// Halted reports whether writes are refused after a dimension mismatch.
func (m *Manager) Halted() bool {
	return m.halted.Load()
}

// Bootstrap ensures the collection exists with the embedder's dimensions.
func (m *Manager) Bootstrap(ctx context.Context) error {
	err := m.store.EnsureCollection(ctx, m.embedder.Dimensions())
	m.observe(err)
	return err
}

// Remember embeds text in document mode and stores it for uid.
func (m *Manager) Remember(ctx context.Context, uid, text string) (*core.Record, error) {
	if m.halted.Load() {
		return nil, recallerr.New(recallerr.CodeStoreWriteHalted,
			"writes halted after a dimension mismatch; reset the collection", recallerr.FieldUID(uid))
	}
	if strings.TrimSpace(text) == "" {
		return nil, recallerr.New(recallerr.CodeStoreRequestInvalid, "text is required")
	}

	vec, err := m.embedder.Embed(ctx, text, core.ModeDocument)
	if err != nil {
		return nil, err
	}

	rec := &core.Record{UID: uid, Content: text, Vector: vec}
	if err := m.store.Upsert(ctx, rec); err != nil {
		m.observe(err)
		return nil, err
	}

	m.logger.Info("stored record", "id", rec.ID, "uid", uid, "text", truncate(text, 50))
	return rec, nil
}

// Recall embeds query in query mode and returns the closest records.
// A non-positive limit uses the configured SearchLimit.
func (m *Manager) Recall(ctx context.Context, uid, query string, limit int) ([]core.Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, recallerr.New(recallerr.CodeStoreRequestInvalid, "query is required")
	}
	if limit <= 0 {
		limit = m.config.SearchLimit
	}

	vec, err := m.embedder.Embed(ctx, query, core.ModeQuery)
	if err != nil {
		return nil, err
	}

	req := core.SearchRequest{Vector: vec, Limit: limit}
	if m.config.ScopeToUser {
		req.UID = uid
	}

	hits, err := m.store.Search(ctx, req)
	if err != nil {
		m.observe(err)
		return nil, err
	}

	m.logger.Debug("recalled records", "uid", uid, "query", truncate(query, 50), "hits", len(hits))
	return hits, nil
}

// List returns up to limit stored records for inspection.
func (m *Manager) List(ctx context.Context, limit int) ([]core.Record, error) {
	if limit < 1 {
		limit = 1
	}
	return m.store.Scroll(ctx, limit)
}

// Describe returns the collection descriptor.
func (m *Manager) Describe(ctx context.Context) (core.Collection, bool, error) {
	return m.store.Describe(ctx)
}

// Forget drops the whole collection and lifts a write halt.
// It reports whether the collection existed.
func (m *Manager) Forget(ctx context.Context) (bool, error) {
	existed, err := m.store.DeleteCollection(ctx)
	if err != nil {
		return false, err
	}
	if m.halted.Swap(false) {
		m.logger.Info("write halt lifted after collection reset")
	}
	return existed, nil
}

func (m *Manager) observe(err error) {
	if !recallerr.IsDimensionMismatch(err) {
		return
	}
	if !m.halted.Swap(true) {
		m.logger.Error("dimension mismatch, halting writes",
			"dimensions", m.embedder.Dimensions(), "error", err)
	}
}

// truncate shortens s to maxLen runes for logging.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
