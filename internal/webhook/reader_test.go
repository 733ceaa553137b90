package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/overpasskit/landmark-webhook/internal/cache"
	"github.com/overpasskit/landmark-webhook/internal/cache/memcache"
	"github.com/overpasskit/landmark-webhook/internal/coord"
	"github.com/overpasskit/landmark-webhook/internal/model"
	"github.com/overpasskit/landmark-webhook/internal/store"
)

func newReaderHarness() (*Reader, *store.Memory, *memcache.Cache) {
	st := store.NewMemory()
	hot := memcache.New(128, time.Minute)
	return NewReader(st, hot, 500, zerolog.Nop()), st, hot
}

func seedCompleted(t *testing.T, st store.Store, status model.RequestStatus, landmarks int) *model.RequestRecord {
	t.Helper()
	ctx := context.Background()
	rec := model.NewRequestRecord(canonKey, time.Now().UTC())
	rec.Status = status
	if err := st.SaveRequest(ctx, rec); err != nil {
		t.Fatalf("seed request: %v", err)
	}
	for i := 0; i < landmarks; i++ {
		lm := model.NewLandmarkRecord(rec.ID, model.OsmWay, int64(100+i), "Louvre", 48.8606, 2.3376, nil, time.Now().UTC())
		if err := st.SaveLandmark(ctx, lm); err != nil {
			t.Fatalf("seed landmark: %v", err)
		}
		if err := st.AssociateLandmark(ctx, rec.ID, lm.ID); err != nil {
			t.Fatalf("seed association: %v", err)
		}
	}
	return rec
}

func TestGetByIDUnknownRequest(t *testing.T) {
	r, _, _ := newReaderHarness()
	if _, err := r.GetByID(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetByIDPendingRequest(t *testing.T) {
	r, st, _ := newReaderHarness()
	rec := seedCompleted(t, st, model.StatusPending, 0)
	if _, err := r.GetByID(context.Background(), rec.ID); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestGetByIDReturnsLandmarks(t *testing.T) {
	r, st, hot := newReaderHarness()
	ctx := context.Background()
	rec := seedCompleted(t, st, model.StatusFound, 2)

	resp, err := r.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if resp.Count != 2 || len(resp.Landmarks) != 2 {
		t.Fatalf("count = %d, landmarks = %d, want 2", resp.Count, len(resp.Landmarks))
	}
	if resp.RadiusMeters != canonKey.RadiusMeters {
		t.Fatalf("radius = %d, want %d", resp.RadiusMeters, canonKey.RadiusMeters)
	}
	if resp.Key.Lat != canonKey.Lat || resp.Key.Lng != canonKey.Lng {
		t.Fatalf("key = %+v, want %v", resp.Key, canonKey)
	}

	// read-through populated the landmarks cache
	if _, ok := hot.Get(ctx, cache.Landmarks, canonKey.String()); !ok {
		t.Fatal("landmarks not cached after read")
	}
}

func TestGetByIDEmptyResultMarshalsEmptyArray(t *testing.T) {
	r, st, _ := newReaderHarness()
	rec := seedCompleted(t, st, model.StatusEmpty, 0)

	resp, err := r.GetByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if resp.Landmarks == nil || resp.Count != 0 {
		t.Fatalf("resp = %+v, want empty non-nil landmarks", resp)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"landmarks":[]`) {
		t.Fatalf("body = %s, want landmarks serialized as []", b)
	}
}

func TestGetByCoordinatesSourceTransitions(t *testing.T) {
	r, st, _ := newReaderHarness()
	ctx := context.Background()
	seedCompleted(t, st, model.StatusFound, 1)

	first, err := r.GetByCoordinates(ctx, testLat, testLng)
	if err != nil {
		t.Fatalf("first query: %v", err)
	}
	if first.Source != SourceDB {
		t.Fatalf("source = %s, want %s", first.Source, SourceDB)
	}
	if len(first.Landmarks) != 1 {
		t.Fatalf("landmarks = %d, want 1", len(first.Landmarks))
	}

	second, err := r.GetByCoordinates(ctx, testLat, testLng)
	if err != nil {
		t.Fatalf("second query: %v", err)
	}
	if second.Source != SourceCache {
		t.Fatalf("source = %s, want %s", second.Source, SourceCache)
	}
	if len(second.Landmarks) != 1 || second.Landmarks[0].ID != first.Landmarks[0].ID {
		t.Fatalf("cached landmarks = %+v, want %+v", second.Landmarks, first.Landmarks)
	}
	if second.Key.RadiusMeters != canonKey.RadiusMeters {
		t.Fatalf("key = %+v, want radius %d", second.Key, canonKey.RadiusMeters)
	}
}

func TestGetByCoordinatesUnknownKey(t *testing.T) {
	r, _, _ := newReaderHarness()

	resp, err := r.GetByCoordinates(context.Background(), testLat, testLng)
	if err != nil {
		t.Fatalf("GetByCoordinates: %v", err)
	}
	if resp.Source != SourceNone {
		t.Fatalf("source = %s, want %s", resp.Source, SourceNone)
	}
	if resp.Landmarks == nil || len(resp.Landmarks) != 0 {
		t.Fatalf("landmarks = %v, want empty non-nil", resp.Landmarks)
	}
}

func TestGetByCoordinatesPendingRecord(t *testing.T) {
	r, st, hot := newReaderHarness()
	ctx := context.Background()
	seedCompleted(t, st, model.StatusPending, 0)

	resp, err := r.GetByCoordinates(ctx, testLat, testLng)
	if err != nil {
		t.Fatalf("GetByCoordinates: %v", err)
	}
	if resp.Source != SourceDB || len(resp.Landmarks) != 0 {
		t.Fatalf("resp = %+v, want empty db answer", resp)
	}
	// empty answers are not cached, the next read checks the store again
	if _, ok := hot.Get(ctx, cache.Landmarks, canonKey.String()); ok {
		t.Fatal("empty answer was cached")
	}
}

func TestGetByCoordinatesRejectsInvalidInput(t *testing.T) {
	r, _, _ := newReaderHarness()

	_, err := r.GetByCoordinates(context.Background(), "48.8584", "181.0")
	var verr *coord.InvalidInputError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *coord.InvalidInputError", err)
	}
	if verr.Fields["lng"] == "" {
		t.Fatalf("fields = %v, want lng flagged", verr.Fields)
	}
}
