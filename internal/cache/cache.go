// Package cache defines the hot cache fronting the persistent store. Values
// are opaque bytes keyed by canonical-key string inside one of two
// namespaces; drivers degrade to miss/no-op when the backend is unreachable.
package cache

import "context"

type Namespace string

const (
	// Landmarks holds materialized landmark lists per canonical key.
	Landmarks Namespace = "landmarks"
	// Requests holds RequestRecord snapshots per canonical key.
	Requests Namespace = "requests"
)

type Interface interface {
	Get(ctx context.Context, ns Namespace, key string) ([]byte, bool)
	Put(ctx context.Context, ns Namespace, key string, value []byte)
	Evict(ctx context.Context, ns Namespace, key string)
	Clear(ctx context.Context, ns Namespace)
}
