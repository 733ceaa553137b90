// Package model defines the persisted aggregates of the landmark pipeline.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/overpasskit/landmark-webhook/internal/coord"
)

// RequestStatus is the lifecycle state of a RequestRecord. Only PENDING is
// non-terminal; the worker acts on PENDING records exclusively.
type RequestStatus string

const (
	StatusPending RequestStatus = "PENDING"
	StatusFound   RequestStatus = "FOUND"
	StatusEmpty   RequestStatus = "EMPTY"
	StatusError   RequestStatus = "ERROR"
)

// Terminal reports whether no further worker transition applies.
func (s RequestStatus) Terminal() bool { return s != StatusPending }

// OsmType is the upstream element kind tracked by the pipeline.
type OsmType string

const (
	OsmWay      OsmType = "way"
	OsmRelation OsmType = "relation"
	OsmNode     OsmType = "node"
)

// ParseOsmType maps an upstream element type string; ok is false for kinds
// the pipeline drops.
func ParseOsmType(s string) (OsmType, bool) {
	switch t := OsmType(s); t {
	case OsmWay, OsmRelation, OsmNode:
		return t, true
	}
	return "", false
}

// TagMap stores OSM tags as a JSONB column.
type TagMap map[string]string

func (t TagMap) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

func (t *TagMap) Scan(value any) error {
	if value == nil {
		*t = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("tags: unsupported column type %T", value)
	}
	return json.Unmarshal(b, t)
}

// RequestRecord is the dedup aggregate: at most one live row per canonical
// key, enforced by the partial-unique index.
type RequestRecord struct {
	ID           uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	KeyLat       float64       `json:"keyLat" gorm:"type:numeric(9,6);not null;uniqueIndex:uq_request_record_key,where:deleted_at IS NULL"`
	KeyLng       float64       `json:"keyLng" gorm:"type:numeric(9,6);not null;uniqueIndex:uq_request_record_key,where:deleted_at IS NULL"`
	RadiusMeters int           `json:"radiusMeters" gorm:"column:radius_m;not null;uniqueIndex:uq_request_record_key,where:deleted_at IS NULL"`
	Status       RequestStatus `json:"status" gorm:"type:text;not null"`
	ErrorMessage string        `json:"errorMessage,omitempty" gorm:"size:1000"`
	RequestedAt  time.Time     `json:"requestedAt" gorm:"not null"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	DeletedAt    *time.Time    `json:"deletedAt,omitempty" gorm:"index"`
}

func (RequestRecord) TableName() string { return "request_record" }

// NewRequestRecord creates the PENDING row for a canonical key.
func NewRequestRecord(key coord.Key, now time.Time) *RequestRecord {
	return &RequestRecord{
		ID:           uuid.New(),
		KeyLat:       key.Lat,
		KeyLng:       key.Lng,
		RadiusMeters: key.RadiusMeters,
		Status:       StatusPending,
		RequestedAt:  now,
		UpdatedAt:    now,
	}
}

// Key rebuilds the canonical key of the record.
func (r *RequestRecord) Key() coord.Key {
	return coord.Key{Lat: r.KeyLat, Lng: r.KeyLng, RadiusMeters: r.RadiusMeters}
}

// Age is the wall-clock time since the record was requested; records older
// than the freshness horizon are refreshed on the next submission.
func (r *RequestRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.RequestedAt)
}

// LandmarkRecord is one point of interest. Global identity among live rows is
// (osm_type, osm_id); RequestID records the request that first fetched it.
type LandmarkRecord struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	RequestID uuid.UUID  `json:"requestId" gorm:"type:uuid;not null;index"`
	OsmType   OsmType    `json:"osmType" gorm:"type:text;not null;uniqueIndex:uq_landmark_record_osm,where:deleted_at IS NULL"`
	OsmID     int64      `json:"osmId" gorm:"column:osm_id;not null;uniqueIndex:uq_landmark_record_osm,where:deleted_at IS NULL"`
	Name      string     `json:"name,omitempty" gorm:"size:500"`
	Lat       float64    `json:"lat" gorm:"type:numeric(9,6);not null"`
	Lng       float64    `json:"lng" gorm:"type:numeric(9,6);not null"`
	Tags      TagMap     `json:"tags" gorm:"type:jsonb"`
	CreatedAt time.Time  `json:"createdAt" gorm:"not null"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" gorm:"index"`
}

func (LandmarkRecord) TableName() string { return "landmark_record" }

// NewLandmarkRecord creates a landmark row owned by the fetching request.
func NewLandmarkRecord(requestID uuid.UUID, t OsmType, osmID int64, name string, lat, lng float64, tags TagMap, now time.Time) *LandmarkRecord {
	return &LandmarkRecord{
		ID:        uuid.New(),
		RequestID: requestID,
		OsmType:   t,
		OsmID:     osmID,
		Name:      name,
		Lat:       lat,
		Lng:       lng,
		Tags:      tags,
		CreatedAt: now,
	}
}

// RequestLandmark associates a landmark row with a request; one physical
// landmark may serve many requests.
type RequestLandmark struct {
	RequestID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	LandmarkID uuid.UUID `gorm:"type:uuid;primaryKey"`
}

func (RequestLandmark) TableName() string { return "request_landmark" }
