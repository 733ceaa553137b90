// Package queue defines the processing-message contract between the
// submission side and the worker.
package queue

import (
	"context"

	"github.com/google/uuid"

	"github.com/overpasskit/landmark-webhook/internal/coord"
)

// Message is one unit of asynchronous work: materialize the landmarks for a
// request. The canonical key rides along for logging; the worker re-reads
// the record by id before acting.
type Message struct {
	RequestID    uuid.UUID `json:"requestId"`
	KeyLat       float64   `json:"keyLat"`
	KeyLng       float64   `json:"keyLng"`
	RadiusMeters int       `json:"radius"`
}

// NewMessage builds the processing message for a request record.
func NewMessage(requestID uuid.UUID, key coord.Key) Message {
	return Message{
		RequestID:    requestID,
		KeyLat:       key.Lat,
		KeyLng:       key.Lng,
		RadiusMeters: key.RadiusMeters,
	}
}

// Key rebuilds the canonical key carried by the message.
func (m Message) Key() coord.Key {
	return coord.Key{Lat: m.KeyLat, Lng: m.KeyLng, RadiusMeters: m.RadiusMeters}
}

// Handler processes one delivery. Calling ack marks the message consumed;
// returning an error without acking asks for a bounded redelivery. Acking and
// returning an error acks.
type Handler func(ctx context.Context, msg Message, ack func()) error

// Producer is the submission-side seam. Enqueue blocks until the driver has
// accepted the message and is called inside the submit transaction, so a
// failure rolls the pending record back.
type Producer interface {
	Enqueue(ctx context.Context, msg Message) error
	Close() error
}
