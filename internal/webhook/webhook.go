// Package webhook implements the landmark pipeline around the durable queue:
// accepting submissions, materializing landmarks, serving retrievals, and
// sweeping stalled work.
package webhook

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/overpasskit/landmark-webhook/internal/model"
)

var (
	// ErrNotFound reports an unknown or soft-deleted request id.
	ErrNotFound = errors.New("webhook: request not found")
	// ErrNotReady reports a request that has not reached a terminal status.
	ErrNotReady = errors.New("webhook: request still processing")
)

// EnqueueError marks a submission whose processing message was refused by
// the queue; the pending record was rolled back with it.
type EnqueueError struct {
	Err error
}

func (e *EnqueueError) Error() string { return "enqueue processing message: " + e.Err.Error() }
func (e *EnqueueError) Unwrap() error { return e.Err }

// Submission is the body of an accepted webhook.
type Submission struct {
	ID     uuid.UUID           `json:"id"`
	Status model.RequestStatus `json:"status"`
}

// Point is the canonicalized coordinate pair of a request.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// KeyView is the full canonical key as served by the query endpoint.
type KeyView struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	RadiusMeters int     `json:"radiusMeters"`
}

// LandmarkView is the landmark projection served over HTTP and cached in the
// landmarks namespace.
type LandmarkView struct {
	ID      uuid.UUID         `json:"id"`
	Name    string            `json:"name,omitempty"`
	OsmType model.OsmType     `json:"osmType"`
	OsmID   int64             `json:"osmId"`
	Lat     float64           `json:"lat"`
	Lng     float64           `json:"lng"`
	Tags    map[string]string `json:"tags"`
}

// Response answers GET /webhook/{id} once the request is terminal.
type Response struct {
	Key          Point          `json:"key"`
	Count        int            `json:"count"`
	RadiusMeters int            `json:"radiusMeters"`
	Landmarks    []LandmarkView `json:"landmarks"`
}

// QueryResponse answers GET /landmarks, tagged with where the data came from.
type QueryResponse struct {
	Key       KeyView        `json:"key"`
	Source    string         `json:"source"`
	Landmarks []LandmarkView `json:"landmarks"`
}

const (
	SourceCache = "cache"
	SourceDB    = "db"
	SourceNone  = "none"
)

func viewFromRecord(l *model.LandmarkRecord) LandmarkView {
	tags := map[string]string(l.Tags)
	if tags == nil {
		tags = map[string]string{}
	}
	return LandmarkView{
		ID:      l.ID,
		Name:    l.Name,
		OsmType: l.OsmType,
		OsmID:   l.OsmID,
		Lat:     l.Lat,
		Lng:     l.Lng,
		Tags:    tags,
	}
}

func viewsFromRecords(records []model.LandmarkRecord) []LandmarkView {
	views := make([]LandmarkView, 0, len(records))
	for i := range records {
		views = append(views, viewFromRecord(&records[i]))
	}
	return views
}

// Cache payloads are JSON. A snapshot that no longer decodes is treated as a
// miss, never as an error.

func encodeRecord(r *model.RequestRecord) ([]byte, bool) {
	b, err := json.Marshal(r)
	return b, err == nil
}

func decodeRecord(b []byte) (*model.RequestRecord, bool) {
	var r model.RequestRecord
	if err := json.Unmarshal(b, &r); err != nil || r.ID == uuid.Nil {
		return nil, false
	}
	return &r, true
}

func encodeViews(v []LandmarkView) ([]byte, bool) {
	if v == nil {
		v = []LandmarkView{}
	}
	b, err := json.Marshal(v)
	return b, err == nil
}

func decodeViews(b []byte) ([]LandmarkView, bool) {
	var v []LandmarkView
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, false
	}
	if v == nil {
		v = []LandmarkView{}
	}
	return v, true
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
