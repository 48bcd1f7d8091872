// Package chromem implements memory.Store on chromem-go, a pure Go embedded
// vector database. It backs local development and tests.
package chromem

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/google/uuid"

	"github.com/becomeliminal/nim-recall/core"
	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/memory"
)

const metaVectorSize = "vector_size"

// Config configures the store.
type Config struct {
	// Collection is the collection name.
	Collection string

	// Path persists the database under this directory. Empty keeps it in memory.
	Path string

	// Compress gzips persisted documents.
	Compress bool
}

// Store is a single chromem collection.
type Store struct {
	db     *chromem.DB
	name   string
	logger *slog.Logger

	// meta is the sidecar recording the vector size of a persisted
	// collection. chromem keeps collection metadata private.
	meta string

	mu   sync.RWMutex
	col  *chromem.Collection
	dims int
}

var _ memory.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New opens the store.
func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Collection == "" {
		return nil, recallerr.New(recallerr.CodeStoreRequestInvalid, "collection name is required")
	}

	db := chromem.NewDB()
	if cfg.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, recallerr.Wrap(err, recallerr.CodeStoreUnavailable, "opening chromem database",
				recallerr.Field("path", cfg.Path))
		}
	}

	s := &Store{db: db, name: cfg.Collection, logger: slog.Default()}
	if cfg.Path != "" {
		s.meta = filepath.Join(filepath.Clean(cfg.Path), url.PathEscape(cfg.Collection)+".meta.json")
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "chromem", "collection", cfg.Collection)
	return s, nil
}

// EnsureCollection creates the collection unless it exists.
func (s *Store) EnsureCollection(ctx context.Context, size int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.ensure(size)
	return err
}

// ensure returns the live collection, creating it with size on first use.
func (s *Store) ensure(size int) (*chromem.Collection, error) {
	if size <= 0 {
		return nil, recallerr.New(recallerr.CodeStoreRequestInvalid, "vector size must be positive",
			recallerr.FieldCollection(s.name))
	}

	s.mu.RLock()
	col, dims := s.col, s.dims
	s.mu.RUnlock()
	if col == nil || dims == 0 {
		s.mu.Lock()
		// Double-check after acquiring write lock
		if err := s.openLocked(size); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		col, dims = s.col, s.dims
		s.mu.Unlock()
	}

	if dims != size {
		return nil, recallerr.New(recallerr.CodeStoreDimensionMismatch, "vector size does not match collection",
			recallerr.FieldCollection(s.name), recallerr.Field("expected", dims), recallerr.Field("got", size))
	}
	return col, nil
}

// openLocked makes s.col and s.dims live, creating the collection at size
// when it does not exist. Callers hold s.mu.
func (s *Store) openLocked(size int) error {
	found, err := s.loadLocked()
	if err != nil {
		return err
	}
	if !found {
		return s.createLocked(size)
	}
	if s.dims == 0 {
		return s.adoptLocked(size)
	}
	return nil
}

// loadLocked picks up a collection that already exists in the database,
// along with its recorded size. A size of zero means none was recorded.
func (s *Store) loadLocked() (bool, error) {
	if s.col != nil {
		return true, nil
	}
	col := s.db.GetCollection(s.name, nil)
	if col == nil {
		return false, nil
	}
	dims, err := s.readSize()
	if err != nil {
		return false, err
	}
	s.col, s.dims = col, dims
	s.logger.Debug("collection opened", "size", dims, "count", col.Count())
	return true, nil
}

func (s *Store) createLocked(size int) error {
	col, err := s.db.CreateCollection(s.name, map[string]string{
		metaVectorSize: strconv.Itoa(size),
		"distance":     core.Distance,
	}, nil)
	if err != nil {
		return recallerr.Wrap(err, recallerr.CodeStoreUnavailable, "creating collection",
			recallerr.FieldCollection(s.name))
	}
	if err := s.writeSize(size); err != nil {
		return err
	}
	s.col, s.dims = col, size
	s.logger.Info("collection created", "size", size)
	return nil
}

// adoptLocked settles the size of a persisted collection that has none
// recorded. Stored documents must accept a query of that size.
func (s *Store) adoptLocked(size int) error {
	if s.col.Count() > 0 {
		probe := make([]float32, size)
		probe[0] = 1
		if _, err := s.col.QueryEmbedding(context.Background(), probe, 1, nil, nil); err != nil {
			if strings.Contains(err.Error(), "same length") {
				return recallerr.Wrap(err, recallerr.CodeStoreDimensionMismatch, "vector size does not match stored documents",
					recallerr.FieldCollection(s.name), recallerr.Field("got", size))
			}
			return recallerr.Wrap(err, recallerr.CodeStoreUnavailable, "checking collection size",
				recallerr.FieldCollection(s.name))
		}
	}
	if err := s.writeSize(size); err != nil {
		return err
	}
	s.dims = size
	s.logger.Info("collection size recorded", "size", size)
	return nil
}

type sidecar struct {
	VectorSize int    `json:"vector_size"`
	Distance   string `json:"distance"`
}

func (s *Store) readSize() (int, error) {
	if s.meta == "" {
		return 0, nil
	}
	data, err := os.ReadFile(s.meta)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, recallerr.Wrap(err, recallerr.CodeStoreUnavailable, "reading collection metadata",
			recallerr.FieldCollection(s.name))
	}
	var meta sidecar
	if err := json.Unmarshal(data, &meta); err != nil {
		return 0, recallerr.Wrap(err, recallerr.CodeStoreUnavailable, "decoding collection metadata",
			recallerr.FieldCollection(s.name))
	}
	return meta.VectorSize, nil
}

func (s *Store) writeSize(size int) error {
	if s.meta == "" {
		return nil
	}
	data, err := json.Marshal(sidecar{VectorSize: size, Distance: core.Distance})
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.meta, data, 0o600); err != nil {
		return recallerr.Wrap(err, recallerr.CodeStoreUnavailable, "writing collection metadata",
			recallerr.FieldCollection(s.name))
	}
	return nil
}

func (s *Store) removeSize() error {
	if s.meta == "" {
		return nil
	}
	if err := os.Remove(s.meta); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return recallerr.Wrap(err, recallerr.CodeStoreUnavailable, "removing collection metadata",
			recallerr.FieldCollection(s.name))
	}
	return nil
}

// Describe returns the collection descriptor.
func (s *Store) Describe(ctx context.Context) (core.Collection, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.Collection{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	found, err := s.loadLocked()
	if err != nil || !found {
		return core.Collection{}, false, err
	}
	return core.Collection{Name: s.name, Size: s.dims, Distance: core.Distance}, true, nil
}

// Upsert stores rec as a new document.
func (s *Store) Upsert(ctx context.Context, rec *core.Record) error {
	if rec == nil || len(rec.Vector) == 0 {
		return recallerr.New(recallerr.CodeStoreRequestInvalid, "record with a vector is required",
			recallerr.FieldCollection(s.name))
	}

	col, err := s.ensure(len(rec.Vector))
	if err != nil {
		return err
	}

	rec.ID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	// chromem normalizes embeddings in place.
	embedding := make([]float32, len(rec.Vector))
	copy(embedding, rec.Vector)

	err = col.AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: embedding,
		Metadata: map[string]string{
			core.PayloadUID:       rec.UID,
			core.PayloadCreatedAt: core.FormatTime(rec.CreatedAt),
		},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return recallerr.Wrap(err, recallerr.CodeStoreUnavailable, "adding document",
			recallerr.FieldCollection(s.name))
	}

	s.logger.Debug("stored record", "id", rec.ID, "uid", rec.UID)
	return nil
}

// Search returns the closest documents, highest similarity first.
func (s *Store) Search(ctx context.Context, req core.SearchRequest) ([]core.Hit, error) {
	col, err := s.ensure(len(req.Vector))
	if err != nil {
		return nil, err
	}

	// chromem-go requires nResults <= collection size
	n := min(req.EffectiveLimit(), col.Count())
	if n == 0 {
		return nil, nil
	}

	var where map[string]string
	if req.UID != "" {
		where = map[string]string{core.PayloadUID: req.UID}
	}

	results, err := col.QueryEmbedding(ctx, req.Vector, n, where, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if strings.Contains(err.Error(), "same length") {
			return nil, recallerr.Wrap(err, recallerr.CodeStoreDimensionMismatch, "vector size does not match stored documents",
				recallerr.FieldCollection(s.name), recallerr.Field("got", len(req.Vector)))
		}
		return nil, recallerr.Wrap(err, recallerr.CodeStoreUnavailable, "querying collection",
			recallerr.FieldCollection(s.name))
	}

	hits := make([]core.Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, core.Hit{
			ID:        r.ID,
			UID:       r.Metadata[core.PayloadUID],
			Content:   r.Content,
			CreatedAt: core.ParseTime(r.Metadata[core.PayloadCreatedAt]),
			Score:     r.Similarity,
		})
	}
	return hits, nil
}

// Scroll lists up to limit records in unspecified order.
func (s *Store) Scroll(ctx context.Context, limit int) ([]core.Record, error) {
	if limit < 1 {
		limit = 1
	}

	s.mu.Lock()
	found, err := s.loadLocked()
	col, dims := s.col, s.dims
	s.mu.Unlock()
	if err != nil || !found {
		return nil, err
	}
	if dims == 0 {
		s.logger.Warn("collection has no recorded vector size, nothing to list until the next write")
		return nil, nil
	}

	n := min(limit, col.Count())
	if n == 0 {
		return nil, nil
	}

	// chromem has no listing API; any unit probe visits every document.
	probe := make([]float32, dims)
	probe[0] = 1
	results, err := col.QueryEmbedding(ctx, probe, n, nil, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, recallerr.Wrap(err, recallerr.CodeStoreUnavailable, "listing collection",
			recallerr.FieldCollection(s.name))
	}

	records := make([]core.Record, 0, len(results))
	for _, r := range results {
		records = append(records, core.Record{
			ID:        r.ID,
			UID:       r.Metadata[core.PayloadUID],
			Content:   r.Content,
			CreatedAt: core.ParseTime(r.Metadata[core.PayloadCreatedAt]),
		})
	}
	return records, nil
}

// DeleteCollection drops the collection.
func (s *Store) DeleteCollection(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db.GetCollection(s.name, nil) == nil {
		s.col, s.dims = nil, 0
		return false, s.removeSize()
	}
	if err := s.db.DeleteCollection(s.name); err != nil {
		return false, recallerr.Wrap(err, recallerr.CodeStoreUnavailable, "deleting collection",
			recallerr.FieldCollection(s.name))
	}
	s.col, s.dims = nil, 0
	if err := s.removeSize(); err != nil {
		return true, err
	}
	s.logger.Info("collection deleted")
	return true, nil
}

// Close releases resources.
func (s *Store) Close() error {
	// chromem-go keeps everything in memory or flushes on write, nothing to close
	return nil
}
