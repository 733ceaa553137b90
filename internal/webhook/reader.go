package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/overpasskit/landmark-webhook/internal/cache"
	"github.com/overpasskit/landmark-webhook/internal/coord"
	"github.com/overpasskit/landmark-webhook/internal/model"
	"github.com/overpasskit/landmark-webhook/internal/store"
)

// Reader serves retrievals from the hot cache first and repairs the cache
// from the store on a miss.
type Reader struct {
	log    zerolog.Logger
	store  store.Store
	cache  cache.Interface
	radius int
}

func NewReader(st store.Store, c cache.Interface, radiusMeters int, log zerolog.Logger) *Reader {
	return &Reader{
		log:    log.With().Str("component", "reader").Logger(),
		store:  st,
		cache:  c,
		radius: radiusMeters,
	}
}

// GetByID returns the materialized result of one request. ErrNotFound for
// unknown ids, ErrNotReady while the request is still pending.
func (r *Reader) GetByID(ctx context.Context, id uuid.UUID) (*Response, error) {
	rec, err := r.store.FindRequestByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find request: %w", err)
	}
	if rec.Status == model.StatusPending {
		return nil, ErrNotReady
	}

	key := rec.Key()
	ck := key.String()

	views, ok := r.cachedViews(ctx, ck)
	if !ok {
		records, err := r.store.FindLandmarksByRequestID(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("load landmarks: %w", err)
		}
		views = viewsFromRecords(records)
		if b, ok := encodeViews(views); ok {
			r.cache.Put(ctx, cache.Landmarks, ck, b)
		}
	}

	return &Response{
		Key:          Point{Lat: key.Lat, Lng: key.Lng},
		Count:        len(views),
		RadiusMeters: key.RadiusMeters,
		Landmarks:    views,
	}, nil
}

// GetByCoordinates answers the synchronous query endpoint. Source reports
// where the landmarks came from: the hot cache, the store, or nowhere.
func (r *Reader) GetByCoordinates(ctx context.Context, lat, lng string) (*QueryResponse, error) {
	key, err := coord.Canonicalize(lat, lng, r.radius)
	if err != nil {
		return nil, err
	}
	ck := key.String()
	kv := KeyView{Lat: key.Lat, Lng: key.Lng, RadiusMeters: key.RadiusMeters}

	if views, ok := r.cachedViews(ctx, ck); ok {
		r.log.Debug().Str("key", ck).Int("landmarks", len(views)).Msg("query served from cache")
		return &QueryResponse{Key: kv, Source: SourceCache, Landmarks: views}, nil
	}

	rec, ok := r.cachedRecord(ctx, ck)
	if !ok {
		stored, err := r.store.FindLiveRequestByKey(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return &QueryResponse{Key: kv, Source: SourceNone, Landmarks: []LandmarkView{}}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("find request by key: %w", err)
		}
		rec = stored
		if b, ok := encodeRecord(rec); ok {
			r.cache.Put(ctx, cache.Requests, ck, b)
		}
	}

	records, err := r.store.FindLandmarksByRequestID(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load landmarks: %w", err)
	}
	views := viewsFromRecords(records)
	if len(views) > 0 {
		if b, ok := encodeViews(views); ok {
			r.cache.Put(ctx, cache.Landmarks, ck, b)
		}
	}
	r.log.Debug().Str("key", ck).Int("landmarks", len(views)).Msg("query served from store")
	return &QueryResponse{Key: kv, Source: SourceDB, Landmarks: views}, nil
}

func (r *Reader) cachedViews(ctx context.Context, ck string) ([]LandmarkView, bool) {
	b, ok := r.cache.Get(ctx, cache.Landmarks, ck)
	if !ok {
		return nil, false
	}
	return decodeViews(b)
}

func (r *Reader) cachedRecord(ctx context.Context, ck string) (*model.RequestRecord, bool) {
	b, ok := r.cache.Get(ctx, cache.Requests, ck)
	if !ok {
		return nil, false
	}
	return decodeRecord(b)
}
