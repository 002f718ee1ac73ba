package blob

import (
	"context"
	"errors"
)

var (
	ErrDataNotFound       = errors.New("data not found")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrUnknownAdapterType = errors.New("unknown blob adapter type")
)

// Adapter is a narrow blob store used for externalized oplog payloads. Objects live
// under (namespace, path) and are immutable once written.
type Adapter interface {
	// Put stores data under (namespace, path), overwriting any existing object.
	Put(ctx context.Context, namespace, path string, data []byte) error

	// Get returns the object's bytes, or ErrDataNotFound.
	Get(ctx context.Context, namespace, path string) ([]byte, error)

	// Exists reports whether an object is stored under (namespace, path).
	Exists(ctx context.Context, namespace, path string) (bool, error)

	// Remove deletes the object. Removing a missing object is not an error.
	Remove(ctx context.Context, namespace, path string) error
}
