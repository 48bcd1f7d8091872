// Package qdrant implements memory.Store against a Qdrant server over gRPC.
package qdrant

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/becomeliminal/nim-recall/core"
	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/memory"
)

// API is the subset of the Qdrant client the store uses.
// *qdrant.Client satisfies it.
type API interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	GetCollectionInfo(ctx context.Context, name string) (*qdrant.CollectionInfo, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	DeleteCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Scroll(ctx context.Context, req *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, error)
	Close() error
}

var _ API = (*qdrant.Client)(nil)

// Config configures the connection.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// Store is one Qdrant collection.
type Store struct {
	api    API
	name   string
	logger *slog.Logger
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

// New dials Qdrant.
func New(cfg Config, opts ...Option) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, recallerr.Wrap(err, recallerr.CodeStoreUnavailable, "connecting to qdrant",
			recallerr.Field("host", cfg.Host), recallerr.Field("port", cfg.Port))
	}
	return NewWithAPI(client, cfg.Collection, opts...)
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, collection string, opts ...Option) (*Store, error) {
	if collection == "" {
		return nil, recallerr.New(recallerr.CodeStoreRequestInvalid, "collection name is required")
	}
	s := &Store{api: api, name: collection, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "qdrant", "collection", collection)
	return s, nil
}

// EnsureCollection reads the collection and creates it when Qdrant reports
// it missing. Losing a creation race to another writer is not an error.
func (s *Store) EnsureCollection(ctx context.Context, size int) error {
	if size <= 0 {
		return recallerr.New(recallerr.CodeStoreRequestInvalid, "vector size must be positive",
			recallerr.FieldCollection(s.name))
	}

	info, err := s.api.GetCollectionInfo(ctx, s.name)
	switch {
	case err == nil:
		if existing := vectorSize(info); existing != 0 && existing != size {
			return recallerr.New(recallerr.CodeStoreDimensionMismatch, "vector size does not match collection",
				recallerr.FieldCollection(s.name), recallerr.Field("expected", existing), recallerr.Field("got", size))
		}
		return nil
	case !isNotFound(err):
		return s.classify(ctx, err, "reading collection")
	}

	err = s.api.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(size),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		if isAlreadyExists(err) {
			s.logger.Debug("collection created concurrently", "size", size)
			return nil
		}
		return s.classify(ctx, err, "creating collection")
	}

	s.logger.Info("collection created", "size", size)
	return nil
}

// Describe returns the collection descriptor.
func (s *Store) Describe(ctx context.Context) (core.Collection, bool, error) {
	info, err := s.api.GetCollectionInfo(ctx, s.name)
	if err != nil {
		if isNotFound(err) {
			return core.Collection{}, false, nil
		}
		return core.Collection{}, false, s.classify(ctx, err, "reading collection")
	}
	return core.Collection{Name: s.name, Size: vectorSize(info), Distance: core.Distance}, true, nil
}

// Upsert writes rec as a new point keyed by a fresh UUID.
func (s *Store) Upsert(ctx context.Context, rec *core.Record) error {
	if rec == nil || len(rec.Vector) == 0 {
		return recallerr.New(recallerr.CodeStoreRequestInvalid, "record with a vector is required",
			recallerr.FieldCollection(s.name))
	}
	if err := s.EnsureCollection(ctx, len(rec.Vector)); err != nil {
		return err
	}

	rec.ID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.api.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.name,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(rec.ID),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				core.PayloadUID:       rec.UID,
				core.PayloadMessage:   rec.Content,
				core.PayloadCreatedAt: core.FormatTime(rec.CreatedAt),
			}),
		}},
	})
	if err != nil {
		return s.classify(ctx, err, "upserting point")
	}

	s.logger.Debug("stored record", "id", rec.ID, "uid", rec.UID)
	return nil
}

// Search runs a cosine similarity query, optionally filtered by uid.
func (s *Store) Search(ctx context.Context, req core.SearchRequest) ([]core.Hit, error) {
	if len(req.Vector) == 0 {
		return nil, recallerr.New(recallerr.CodeStoreRequestInvalid, "query vector is required",
			recallerr.FieldCollection(s.name))
	}
	if err := s.EnsureCollection(ctx, len(req.Vector)); err != nil {
		return nil, err
	}

	query := &qdrant.QueryPoints{
		CollectionName: s.name,
		Query:          qdrant.NewQuery(req.Vector...),
		Limit:          qdrant.PtrOf(uint64(req.EffectiveLimit())),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if req.UID != "" {
		query.Filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(core.PayloadUID, req.UID)},
		}
	}

	points, err := s.api.Query(ctx, query)
	if err != nil {
		return nil, s.classify(ctx, err, "querying points")
	}

	hits := make([]core.Hit, 0, len(points))
	for _, p := range points {
		rec := decodeRecord(p.GetId(), p.GetPayload())
		hits = append(hits, core.Hit{
			ID:        rec.ID,
			UID:       rec.UID,
			Content:   rec.Content,
			CreatedAt: rec.CreatedAt,
			Score:     p.GetScore(),
		})
	}
	return hits, nil
}

// Scroll lists up to limit records. A missing collection lists nothing.
func (s *Store) Scroll(ctx context.Context, limit int) ([]core.Record, error) {
	if limit < 1 {
		limit = 1
	}

	points, err := s.api.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.name,
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, s.classify(ctx, err, "scrolling points")
	}

	records := make([]core.Record, 0, len(points))
	for _, p := range points {
		records = append(records, decodeRecord(p.GetId(), p.GetPayload()))
	}
	return records, nil
}

// DeleteCollection drops the collection, reporting whether it existed.
func (s *Store) DeleteCollection(ctx context.Context) (bool, error) {
	exists, err := s.api.CollectionExists(ctx, s.name)
	if err != nil {
		return false, s.classify(ctx, err, "checking collection")
	}
	if !exists {
		return false, nil
	}

	if err := s.api.DeleteCollection(ctx, s.name); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, s.classify(ctx, err, "deleting collection")
	}

	s.logger.Info("collection deleted")
	return true, nil
}

// Close closes the gRPC connection.
func (s *Store) Close() error {
	return s.api.Close()
}

// classify maps a Qdrant failure onto the store error taxonomy.
// Cancellation is returned as the context's own error.
func (s *Store) classify(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if isDimensionError(err) {
		return recallerr.Wrap(err, recallerr.CodeStoreDimensionMismatch, op, recallerr.FieldCollection(s.name))
	}
	return recallerr.Wrap(err, recallerr.CodeStoreUnavailable, op, recallerr.FieldCollection(s.name))
}

func decodeRecord(id *qdrant.PointId, payload map[string]*qdrant.Value) core.Record {
	rec := core.Record{
		UID:       payload[core.PayloadUID].GetStringValue(),
		Content:   payload[core.PayloadMessage].GetStringValue(),
		CreatedAt: core.ParseTime(payload[core.PayloadCreatedAt].GetStringValue()),
	}
	if u := id.GetUuid(); u != "" {
		rec.ID = u
	}
	return rec
}

func vectorSize(info *qdrant.CollectionInfo) int {
	return int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
}

func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	if ok && st.Code() == codes.NotFound {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

func isAlreadyExists(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.AlreadyExists:
		return true
	case codes.InvalidArgument:
		return strings.Contains(strings.ToLower(st.Message()), "already exists")
	}
	return false
}

func isDimensionError(err error) bool {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.InvalidArgument {
		return false
	}
	return strings.Contains(strings.ToLower(st.Message()), "dimension")
}
